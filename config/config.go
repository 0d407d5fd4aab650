package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config carries every environment driven setting of the service.
type Config struct {
	Debug      bool
	ListenAddr string
	DataDir    string

	// Azure storage: collections table and change queue.
	StorageConnectionString string
	CollectionsTable        string
	ChangeQueue             string

	RedisConnectionString string
	CacheTTL              time.Duration
	DeduperTTL            time.Duration
	UpdatesChannel        string

	// Public broadcast bucket (S3 compatible).
	PublicEndpoint  string
	PublicAccessKey string
	PublicSecretKey string
	PublicBucket    string
	PublicUseTLS    bool
	PublicBaseURL   string

	Auth0Domain       string
	Auth0Audience     string
	Auth0ClientID     string
	Auth0ClientSecret string
	AuthTestMode      bool
	TestJWTSecret     string
	AdminRole         string
	// TokenFile caches the sync session token between restarts.
	TokenFile string

	AlertPollInterval time.Duration
	AlertLanguage     string
	SyncWriteTimeout  time.Duration
	TombstoneTTL      time.Duration

	GenAIAPIKey string
	GenAIModel  string
}

// Load reads the configuration from the environment, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Debug:                   envBool("DEBUG", false),
		ListenAddr:              ":" + envString("LISTEN_PORT", "8080"),
		DataDir:                 envString("DATA_DIR", filepath.Join(os.TempDir(), "farmcorner")),
		StorageConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		CollectionsTable:        envString("COLLECTIONS_TABLE", "collections"),
		ChangeQueue:             os.Getenv("CHANGE_QUEUE"),
		RedisConnectionString:   os.Getenv("REDIS_CONNECTION_STRING"),
		UpdatesChannel:          envString("UPDATES_CHANNEL", "collection-updates"),
		PublicEndpoint:          os.Getenv("PUBLIC_ENDPOINT"),
		PublicAccessKey:         os.Getenv("PUBLIC_ACCESS_KEY"),
		PublicSecretKey:         os.Getenv("PUBLIC_SECRET_KEY"),
		PublicBucket:            envString("PUBLIC_BUCKET", "broadcast"),
		PublicUseTLS:            envBool("PUBLIC_USE_TLS", true),
		PublicBaseURL:           os.Getenv("PUBLIC_BASE_URL"),
		Auth0Domain:             os.Getenv("AUTH0_DOMAIN"),
		Auth0Audience:           os.Getenv("AUTH0_AUDIENCE"),
		Auth0ClientID:           os.Getenv("AUTH0_CLIENT_ID"),
		Auth0ClientSecret:       os.Getenv("AUTH0_CLIENT_SECRET"),
		AuthTestMode:            os.Getenv("AUTH0_TEST_MODE") == "1",
		TestJWTSecret:           os.Getenv("TEST_JWT_SECRET"),
		AdminRole:               envString("ADMIN_ROLE", "admin"),
		AlertLanguage:           envString("ALERT_LANGUAGE", "ur-IN"),
		GenAIAPIKey:             os.Getenv("GENAI_API_KEY"),
		GenAIModel:              envString("GENAI_MODEL", "gemini-2.0-flash"),
	}
	cfg.TokenFile = envString("TOKEN_FILE", filepath.Join(cfg.DataDir, "session.json"))
	if v, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		cfg.ListenAddr = ":" + v
	}

	var err error
	if cfg.CacheTTL, err = envDur("CACHE_TTL", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.DeduperTTL, err = envDur("DEDUPER_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.AlertPollInterval, err = envDur("ALERT_POLL_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SyncWriteTimeout, err = envDur("SYNC_WRITE_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.TombstoneTTL, err = envDur("TOMBSTONE_TTL", 30*24*time.Hour); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that are required for the service to start.
func (c Config) Validate() error {
	var missing []string
	if c.StorageConnectionString == "" {
		missing = append(missing, "STORAGE_CONNECTION_STRING")
	}
	if c.AuthTestMode && c.TestJWTSecret == "" {
		missing = append(missing, "TEST_JWT_SECRET")
	}
	if !c.AuthTestMode && (c.Auth0Domain == "" || c.Auth0Audience == "") {
		missing = append(missing, "AUTH0_DOMAIN/AUTH0_AUDIENCE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// PublicEnabled reports whether the broadcast bucket is configured.
func (c Config) PublicEnabled() bool {
	return c.PublicEndpoint != "" && c.PublicAccessKey != "" && c.PublicSecretKey != ""
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDur(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
