package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "SESSION_TTL_MINUTES", "REDIS_KEY_PREFIX", "JANITOR_SCHEDULE", "BACKEND_TIMEOUT_SECONDS"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.SessionTTL() != 15*time.Minute {
		t.Fatalf("expected 15m session ttl, got %s", cfg.SessionTTL())
	}
	if cfg.BackendTimeout() != 30*time.Second {
		t.Fatalf("expected 30s backend timeout, got %s", cfg.BackendTimeout())
	}
	if cfg.RedisKeyPrefix != "valarpay:wizard" {
		t.Fatalf("unexpected redis prefix %q", cfg.RedisKeyPrefix)
	}
	if cfg.JanitorSchedule != "@every 1m" {
		t.Fatalf("unexpected janitor schedule %q", cfg.JanitorSchedule)
	}
}

func TestLoadConfig_UsesValarPayAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "BACKEND_API_KEY")
	setEnvWithCleanup(t, "VALARPAY_API_KEY", " alias-key ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.BackendAPIKey != "alias-key" {
		t.Fatalf("expected BackendAPIKey from alias env var, got %q", cfg.BackendAPIKey)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9090")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SESSION_TTL_MINUTES", "0")
	setEnvWithCleanup(t, "JANITOR_SCHEDULE", "every now and then")
	setEnvWithCleanup(t, "REDIS_KEY_PREFIX", "bff:")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.SessionTTLMinutes != 15 {
		t.Fatalf("expected fallback ttl, got %d", cfg.SessionTTLMinutes)
	}
	if cfg.JanitorSchedule != "@every 1m" {
		t.Fatalf("expected fallback schedule, got %q", cfg.JanitorSchedule)
	}
	if cfg.RedisKeyPrefix != "bff" {
		t.Fatalf("expected trailing colon trimmed, got %q", cfg.RedisKeyPrefix)
	}
}

func TestLoadConfig_AuthSettings(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "JWKS_URL")
	unsetEnvWithCleanup(t, "JWT_ISSUER")
	unsetEnvWithCleanup(t, "AUTH_DEV_MODE")
	setEnvWithCleanup(t, "CLERK_JWKS_URL", " https://auth.valarpay.com/.well-known/jwks.json ")
	setEnvWithCleanup(t, "CLERK_ISSUER", "https://auth.valarpay.com")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.JWKSURL != "https://auth.valarpay.com/.well-known/jwks.json" {
		t.Fatalf("expected JWKS URL from alias env var, got %q", cfg.JWKSURL)
	}
	if cfg.JWTIssuer != "https://auth.valarpay.com" {
		t.Fatalf("expected issuer from alias env var, got %q", cfg.JWTIssuer)
	}
	if cfg.AuthDevMode {
		t.Fatal("expected dev mode to be off by default")
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: " https://app.valarpay.com , ,https://admin.valarpay.com"}
	got := cfg.AllowedOrigins()
	if len(got) != 2 || got[0] != "https://app.valarpay.com" || got[1] != "https://admin.valarpay.com" {
		t.Fatalf("unexpected origins %v", got)
	}
	if got := (Config{}).AllowedOrigins(); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected wildcard default, got %v", got)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
