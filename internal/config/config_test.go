package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/quorum")
	t.Setenv("OAUTH_ISSUER", "https://auth.example.com/")
	t.Setenv("OAUTH_JWT_SECRET", strings.Repeat("k", 32))
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OAuth.Issuer != "https://auth.example.com" {
		t.Fatalf("issuer not trimmed: %q", cfg.OAuth.Issuer)
	}
	if cfg.OAuth.AccessTTL != time.Hour || cfg.OAuth.RefreshTTL != 30*24*time.Hour {
		t.Fatalf("unexpected token ttls: %v %v", cfg.OAuth.AccessTTL, cfg.OAuth.RefreshTTL)
	}
	if cfg.OAuth.CodeTTL != 10*time.Minute || cfg.OAuth.ClockSkew != time.Minute {
		t.Fatalf("unexpected code ttl/skew: %v %v", cfg.OAuth.CodeTTL, cfg.OAuth.ClockSkew)
	}
	if cfg.Database.Timeout != 5*time.Second {
		t.Fatalf("unexpected store timeout: %v", cfg.Database.Timeout)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Session.SecureCookie {
		t.Fatalf("unexpected http defaults: %+v", cfg)
	}
}

func TestLoadReportsAllMissing(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OAUTH_ISSUER", "")
	t.Setenv("OAUTH_JWT_SECRET", "")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, name := range []string{"DATABASE_URL", "OAUTH_ISSUER", "OAUTH_JWT_SECRET"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error %q does not mention %s", err, name)
		}
	}
}

func TestLoadWorkOSRequiresClient(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKOS_API_KEY", "sk_test")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "WORKOS_CLIENT_ID") {
		t.Fatalf("expected missing WORKOS_CLIENT_ID, got %v", err)
	}
}

func TestLoadParsesListsAndDurations(t *testing.T) {
	setRequired(t)
	t.Setenv("OAUTH_ALLOWED_REDIRECT_HOSTS", "claude.ai, localhost ,")
	t.Setenv("OAUTH_ACCESS_TTL", "15m")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.OAuth.AllowedRedirectHosts) != 2 || cfg.OAuth.AllowedRedirectHosts[1] != "localhost" {
		t.Fatalf("unexpected hosts: %v", cfg.OAuth.AllowedRedirectHosts)
	}
	if cfg.OAuth.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected access ttl: %v", cfg.OAuth.AccessTTL)
	}

	t.Setenv("OAUTH_ACCESS_TTL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected invalid duration error")
	}
}

func TestLoadRejectsShortSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("OAUTH_JWT_SECRET", "short")
	if _, err := Load(); err == nil {
		t.Fatal("expected short secret error")
	}
}
