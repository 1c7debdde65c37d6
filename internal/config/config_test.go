package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KILIT_AUTH_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Auth.SigningAlgorithm != "HS256" {
		t.Fatalf("unexpected algorithm: %s", cfg.Auth.SigningAlgorithm)
	}
	if cfg.Auth.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected access ttl: %s", cfg.Auth.AccessTTL)
	}
	if cfg.Auth.RefreshTTL != 336*time.Hour {
		t.Fatalf("unexpected refresh ttl: %s", cfg.Auth.RefreshTTL)
	}
	if !cfg.Auth.RotateOnRefresh || !cfg.Auth.CheckAccessTokens {
		t.Fatal("rotation and access checks must default on")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KILIT_AUTH_SECRET", "test-secret")
	t.Setenv("KILIT_ADDR", ":9090")
	t.Setenv("KILIT_ACCESS_TTL", "5m")
	t.Setenv("KILIT_ROTATE_ON_REFRESH", "false")
	t.Setenv("KILIT_PG_DSN", "postgres://kilit@localhost/kilit")
	t.Setenv("KILIT_REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Postgres.DSN != "postgres://kilit@localhost/kilit" {
		t.Fatalf("unexpected dsn: %s", cfg.Postgres.DSN)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected redis addr: %s", cfg.Redis.Addr)
	}
	if cfg.Auth.AccessTTL != 5*time.Minute {
		t.Fatalf("unexpected access ttl: %s", cfg.Auth.AccessTTL)
	}
	if cfg.Auth.RotateOnRefresh {
		t.Fatal("expected rotation override to apply")
	}
}

func TestLoadRequiresSecretForHS256(t *testing.T) {
	t.Setenv("KILIT_AUTH_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without KILIT_AUTH_SECRET")
	}
}
