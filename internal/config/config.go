package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Timeout bounds every individual store call.
	Timeout time.Duration
}

// OAuthConfig controls the authorization server.
type OAuthConfig struct {
	Issuer             string
	SigningKey         string
	PreviousSigningKey string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	CodeTTL            time.Duration
	ClockSkew          time.Duration
	// AllowedRedirectHosts restricts registered redirect URIs. Empty allows any host.
	AllowedRedirectHosts []string
}

// WorkOSConfig holds identity provider settings. Empty APIKey disables browser login.
type WorkOSConfig struct {
	APIKey      string
	ClientID    string
	RedirectURI string
}

// SessionConfig controls browser sessions.
type SessionConfig struct {
	TTL          time.Duration
	CookieName   string
	SecureCookie bool
}

// RateLimitConfig applies to /oauth and /auth endpoints.
type RateLimitConfig struct {
	Burst     int
	PerSecond int
}

type Config struct {
	Environment    string
	HTTPAddr       string
	GRPCAddr       string
	LogLevel       string
	RedisURL       string
	AllowedOrigins []string
	Database       DatabaseConfig
	OAuth          OAuthConfig
	WorkOS         WorkOSConfig
	Session        SessionConfig
	RateLimit      RateLimitConfig
}

// Load reads configuration from the environment, after merging an optional
// .env file. It fails fast listing every missing required value.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var missing []string
	env := getenv("ENV", "development")
	if env != "development" && env != "staging" && env != "production" {
		return nil, fmt.Errorf("invalid ENV value %q: must be development, staging, or production", env)
	}

	cfg := &Config{
		Environment:    env,
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:       getenv("GRPC_ADDR", ":9090"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		RedisURL:       os.Getenv("REDIS_URL"),
		AllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		WorkOS: WorkOSConfig{
			APIKey:      os.Getenv("WORKOS_API_KEY"),
			ClientID:    os.Getenv("WORKOS_CLIENT_ID"),
			RedirectURI: os.Getenv("WORKOS_REDIRECT_URI"),
		},
	}

	cfg.Database.URL = os.Getenv("DATABASE_URL")
	if cfg.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.OAuth.Issuer = strings.TrimRight(os.Getenv("OAUTH_ISSUER"), "/")
	if cfg.OAuth.Issuer == "" {
		missing = append(missing, "OAUTH_ISSUER")
	}
	cfg.OAuth.SigningKey = os.Getenv("OAUTH_JWT_SECRET")
	if cfg.OAuth.SigningKey == "" {
		missing = append(missing, "OAUTH_JWT_SECRET")
	}
	cfg.OAuth.PreviousSigningKey = os.Getenv("OAUTH_JWT_SECRET_PREVIOUS")
	cfg.OAuth.AllowedRedirectHosts = splitList(os.Getenv("OAUTH_ALLOWED_REDIRECT_HOSTS"))

	if cfg.WorkOS.APIKey != "" {
		if cfg.WorkOS.ClientID == "" {
			missing = append(missing, "WORKOS_CLIENT_ID")
		}
		if cfg.WorkOS.RedirectURI == "" {
			missing = append(missing, "WORKOS_REDIRECT_URI")
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if _, err := url.Parse(cfg.OAuth.Issuer); err != nil {
		return nil, fmt.Errorf("invalid OAUTH_ISSUER: %w", err)
	}
	if len(cfg.OAuth.SigningKey) < 32 {
		return nil, errors.New("OAUTH_JWT_SECRET must be at least 32 bytes")
	}

	var err error
	ints := []struct {
		name string
		def  int
		dst  *int
	}{
		{"DB_MAX_OPEN_CONNS", 25, &cfg.Database.MaxOpenConns},
		{"DB_MAX_IDLE_CONNS", 5, &cfg.Database.MaxIdleConns},
		{"RATE_LIMIT_BURST", 20, &cfg.RateLimit.Burst},
		{"RATE_LIMIT_PER_SECOND", 5, &cfg.RateLimit.PerSecond},
	}
	for _, v := range ints {
		if *v.dst, err = getInt(v.name, v.def); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		name string
		def  time.Duration
		dst  *time.Duration
	}{
		{"DB_CONN_MAX_LIFETIME", 30 * time.Minute, &cfg.Database.ConnMaxLifetime},
		{"STORE_TIMEOUT", 5 * time.Second, &cfg.Database.Timeout},
		{"OAUTH_ACCESS_TTL", time.Hour, &cfg.OAuth.AccessTTL},
		{"OAUTH_REFRESH_TTL", 30 * 24 * time.Hour, &cfg.OAuth.RefreshTTL},
		{"OAUTH_CODE_TTL", 10 * time.Minute, &cfg.OAuth.CodeTTL},
		{"OAUTH_CLOCK_SKEW", 60 * time.Second, &cfg.OAuth.ClockSkew},
		{"SESSION_TTL", 7 * 24 * time.Hour, &cfg.Session.TTL},
	}
	for _, v := range durations {
		if *v.dst, err = getDuration(v.name, v.def); err != nil {
			return nil, err
		}
	}

	cfg.Session.CookieName = getenv("SESSION_COOKIE_NAME", "quorum_session")
	cfg.Session.SecureCookie = env != "development"
	return cfg, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be a non-negative integer", key, raw)
	}
	return v, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be a positive duration", key, raw)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
