package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"farmcorner/alert"
	"farmcorner/api"
	"farmcorner/chat"
	"farmcorner/config"
	"farmcorner/identity"
	"farmcorner/storage"
	"farmcorner/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	logger := log.New()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier := storage.NewNotifier()
	local, err := storage.NewLocalStore(cfg.DataDir, notifier, logger)
	if err != nil {
		log.Fatalf("local store: %v", err)
	}
	watcher, err := storage.Watch(local)
	if err != nil {
		log.Fatalf("watch %s: %v", cfg.DataDir, err)
	}

	store, err := storage.New(cfg.StorageConnectionString, cfg.CollectionsTable, cfg.ChangeQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisConnectionString))
	}
	remoteOpts := []storage.RemoteOption{storage.WithChangeSink(store), storage.WithTimeout(cfg.SyncWriteTimeout)}
	var remote *storage.RemoteStore
	if rc != nil {
		remote = storage.NewRemoteStore(storage.NewCache(store, rc, cfg.CacheTTL), logger, remoteOpts...)
	} else {
		remote = storage.NewRemoteStore(store, logger, remoteOpts...)
	}

	var public syncer.PublicStore
	if cfg.PublicEnabled() {
		ps, err := storage.NewPublicStore(cfg.PublicEndpoint, cfg.PublicAccessKey, cfg.PublicSecretKey,
			cfg.PublicBucket, cfg.PublicUseTLS, cfg.PublicBaseURL, logger)
		if err != nil {
			log.Fatalf("public store: %v", err)
		}
		public = ps
	} else {
		logger.Warn("public bucket not configured; alert broadcast disabled")
	}

	auth, oauthCfg := newAuth(cfg)
	session := identity.NewSession(auth, oauthCfg, cfg.TokenFile, logger)
	if _, err := session.SignIn(ctx); err != nil {
		logger.Infof("starting signed out: %v", err)
	}

	synchronizer := syncer.New(local, remote, public, session, logger,
		syncer.WithWriteTimeout(cfg.SyncWriteTimeout),
		syncer.WithTombstoneTTL(cfg.TombstoneTTL),
	)

	engine := alert.NewEngine(local, synchronizer, alert.LogSpeaker{Logger: logger}, logger,
		alert.WithLanguage(cfg.AlertLanguage))
	runner := alert.NewRunner(engine, notifier, synchronizer, cfg.AlertPollInterval, logger)
	runner.Start()

	chatSvc := newChat(ctx, cfg, logger)

	broker := api.NewBroker()
	go broker.Forward(ctx, notifier)
	svc := api.Services{
		Sync:     synchronizer,
		Alerts:   engine,
		Auth:     auth,
		Sessions: session,
		Chat:     chatSvc,
		Broker:   broker,
	}
	if rc != nil {
		svc.Deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		go api.NewRelay(rc, cfg.UpdatesChannel, broker, notifier, logger).Run(ctx)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.IdempotencyHeader},
	}))
	if cfg.Debug {
		pprof.Register(e)
	}
	api.Register(e, svc, logger)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	runner.Stop()
	synchronizer.Close()
	if err := watcher.Close(); err != nil {
		logger.Warnf("watcher close: %v", err)
	}
	if rc != nil {
		_ = rc.Close()
	}
}

func newAuth(cfg config.Config) (*identity.Auth, *oauth2.Config) {
	if cfg.AuthTestMode {
		return identity.NewTestAuth([]byte(cfg.TestJWTSecret), cfg.Auth0Audience, "", cfg.AdminRole), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	auth := identity.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/", cfg.AdminRole)
	if cfg.Auth0ClientID == "" {
		return auth, nil
	}
	return auth, &oauth2.Config{
		ClientID:     cfg.Auth0ClientID,
		ClientSecret: cfg.Auth0ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://" + cfg.Auth0Domain + "/authorize",
			TokenURL: "https://" + cfg.Auth0Domain + "/oauth/token",
		},
		Scopes: []string{"openid", "offline_access"},
	}
}

func newChat(ctx context.Context, cfg config.Config, logger *log.Logger) chat.Service {
	svc, err := chat.NewGenAIService(ctx, cfg.GenAIAPIKey, cfg.GenAIModel)
	if err != nil {
		if !errors.Is(err, chat.ErrUnavailable) {
			logger.Warnf("chat: %v", err)
		}
		return chat.Unavailable{}
	}
	return svc
}

// redisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
