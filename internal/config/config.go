// Package config loads engine configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration. Every field reads RECEIPTS_<NAME>.
type Config struct {
	AppUserID string `env:"APP_USER_ID"`
	APIKey    string `env:"API_KEY"`

	BackendURL     string        `env:"BACKEND_URL" envDefault:"http://localhost:8080"`
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"30s"`

	DBPath        string `env:"DB_PATH" envDefault:"receipts.db"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"billing"`

	FinishTransactions bool          `env:"FINISH_TRANSACTIONS" envDefault:"true"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"0s"`
	FinalizeAttempts   int           `env:"FINALIZE_ATTEMPTS" envDefault:"3"`
	FinalizeTimeout    time.Duration `env:"FINALIZE_TIMEOUT" envDefault:"30s"`
	FinalizeBackoff    time.Duration `env:"FINALIZE_BACKOFF" envDefault:"1s"`

	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
}

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "RECEIPTS_"

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Override adjusts a parsed Config before validation, e.g. from flags.
type Override func(*Config)

// Load parses the environment into a Config, applies overrides in order and
// validates the result.
func Load(overrides ...Override) (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// UseRedis reports whether the cache lives in Redis rather than SQLite.
func (c Config) UseRedis() bool {
	return c.RedisAddr != ""
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.BackendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("BACKEND_TIMEOUT must be positive, got %s", c.BackendTimeout))
	}
	if c.FinalizeAttempts < 1 {
		errs = append(errs, fmt.Errorf("FINALIZE_ATTEMPTS must be at least 1, got %d", c.FinalizeAttempts))
	}
	if c.FinalizeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FINALIZE_TIMEOUT must be positive, got %s", c.FinalizeTimeout))
	}
	if c.FinalizeBackoff < 0 {
		errs = append(errs, fmt.Errorf("FINALIZE_BACKOFF must not be negative, got %s", c.FinalizeBackoff))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval))
	}
	if !c.UseRedis() && c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is required when REDIS_ADDR is unset"))
	}
	return errors.Join(errs...)
}
