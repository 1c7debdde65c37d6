// Package config loads process configuration from the environment.
//
// Everything is prefixed KILIT_. Token issuance options are carried over
// into an explicit auth.Config at wiring time; nothing in internal/auth
// reads the environment directly.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server struct {
		Addr         string        `envconfig:"ADDR" default:":8080"`
		GRPCAddr     string        `envconfig:"GRPC_ADDR" default:""`
		ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
		WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
		IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
		RateBurst    int           `envconfig:"RATE_BURST" default:"20"`
		RatePerSec   int           `envconfig:"RATE_PER_SEC" default:"10"`
	}
	Postgres struct {
		DSN string `envconfig:"PG_DSN" default:""`
	}
	Redis struct {
		Addr     string `envconfig:"REDIS_ADDR" default:""`
		DB       int    `envconfig:"REDIS_DB" default:"0"`
		Password string `envconfig:"REDIS_PASSWORD" default:""`
	}
	Auth struct {
		Issuer            string        `envconfig:"ISSUER" default:"kilit"`
		SigningAlgorithm  string        `envconfig:"SIGNING_ALG" default:"HS256"`
		Secret            string        `envconfig:"AUTH_SECRET" default:""`
		PrivateKeyPEM     string        `envconfig:"PRIVATE_KEY_PEM" default:""`
		PublicKeyPEM      string        `envconfig:"PUBLIC_KEY_PEM" default:""`
		AccessTTL         time.Duration `envconfig:"ACCESS_TTL" default:"15m"`
		RefreshTTL        time.Duration `envconfig:"REFRESH_TTL" default:"336h"`
		RotateOnRefresh   bool          `envconfig:"ROTATE_ON_REFRESH" default:"true"`
		BlacklistRotated  bool          `envconfig:"BLACKLIST_AFTER_ROTATION" default:"true"`
		CheckAccessTokens bool          `envconfig:"CHECK_ACCESS_TOKENS" default:"true"`
		StoreTimeout      time.Duration `envconfig:"STORE_TIMEOUT" default:"3s"`
	}
}

// Load reads configuration from KILIT_-prefixed environment variables.
// Sections are processed one by one so the field tags name the full variable
// (KILIT_ADDR, KILIT_AUTH_SECRET), without the section name in the key.
func Load() (*Config, error) {
	var cfg Config
	for _, section := range []any{&cfg.Server, &cfg.Postgres, &cfg.Redis, &cfg.Auth} {
		if err := envconfig.Process("kilit", section); err != nil {
			return nil, fmt.Errorf("process config from environment: %w", err)
		}
	}
	if cfg.Auth.SigningAlgorithm == "HS256" && cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("KILIT_AUTH_SECRET is required with HS256")
	}
	return &cfg, nil
}
