package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("store driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Signaling.IdleTimeout != 60*time.Second {
		t.Errorf("idle timeout = %v, want 60s", cfg.Signaling.IdleTimeout)
	}
	if cfg.Signaling.CloseTimeout != 5*time.Second {
		t.Errorf("close timeout = %v, want 5s", cfg.Signaling.CloseTimeout)
	}
	if cfg.Signaling.GracePeriod != 30*time.Second {
		t.Errorf("grace period = %v, want 30s", cfg.Signaling.GracePeriod)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("allowed origins = %v, want 2 entries", cfg.AllowedOrigins)
	}
	if len(cfg.ICE.STUNURLs) != 2 {
		t.Errorf("stun urls = %v, want 2 entries", cfg.ICE.STUNURLs)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("STORE_DRIVER", "redis")
	t.Setenv("SIGNALING_GRACE_PERIOD", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("port = %q, want 9090", cfg.Port)
	}
	if got := cfg.AllowedOrigins; len(got) != 2 || got[1] != "https://b.example" {
		t.Errorf("allowed origins = %v", got)
	}
	if cfg.Redis.Host != "cache" {
		t.Errorf("redis host = %q, want cache", cfg.Redis.Host)
	}
	if cfg.Store.Driver != "redis" {
		t.Errorf("store driver = %q, want redis", cfg.Store.Driver)
	}
	if cfg.Signaling.GracePeriod != 2*time.Second {
		t.Errorf("grace period = %v, want 2s", cfg.Signaling.GracePeriod)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "port: \"7000\"\nsignaling:\n  idle_timeout: 90s\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "7000" {
		t.Errorf("port = %q, want 7000", cfg.Port)
	}
	if cfg.Signaling.IdleTimeout != 90*time.Second {
		t.Errorf("idle timeout = %v, want 90s", cfg.Signaling.IdleTimeout)
	}
}

func TestLoadRejectsDefaultSecretInProduction(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("ENVIRONMENT", "production")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for default JWT secret in production")
	}
}

func TestLoadRejectsPostgresWithoutDSN(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("STORE_DRIVER", "postgres")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}
