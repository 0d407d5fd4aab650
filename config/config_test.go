package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LISTEN_PORT", "")
	t.Setenv("CACHE_TTL", "")
	t.Setenv("ALERT_POLL_INTERVAL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.CacheTTL != 10*time.Minute {
		t.Fatalf("unexpected cache ttl %v", cfg.CacheTTL)
	}
	if cfg.AlertPollInterval != 30*time.Second {
		t.Fatalf("unexpected poll interval %v", cfg.AlertPollInterval)
	}
}

func TestLoadTokenFileFollowsDataDir(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/farmcorner")
	t.Setenv("TOKEN_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TokenFile != "/var/lib/farmcorner/session.json" {
		t.Fatalf("unexpected token file %q", cfg.TokenFile)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("DEDUPER_TTL", "-5s")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for negative duration")
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{AuthTestMode: true}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing storage to fail")
	}
	cfg.StorageConnectionString = "UseDevelopmentStorage=true"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected test mode without secret to fail")
	}
	cfg.TestJWTSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.AuthTestMode = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing auth0 config to fail")
	}
}
