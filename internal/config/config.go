// Package config parses process configuration from environment variables
// using caarlos0/env/v11.
//
// Call [Load] once at startup and pass the resulting [Config] to
// subcommands. Queue policy (max_retries, backoff_base) is not process
// configuration: it lives in the store's config table so every worker on
// every host sees the same values.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all process configuration sourced from environment variables.
type Config struct {
	// ── Store ────────────────────────────────────────────────────────────────────
	// DatabaseURL is a SQLite file path or a postgres:// URL.
	DatabaseURL     string `env:"QUEUECTL_DB"        envDefault:"./queue.db"`
	AutoMigrate     bool   `env:"AUTO_MIGRATE"       envDefault:"true"`
	DBMaxConns      int32  `env:"DB_MAX_CONNS"       envDefault:"10"`
	DBBusyTimeoutMS int    `env:"DB_BUSY_TIMEOUT_MS" envDefault:"5000"`

	// ── Workers ──────────────────────────────────────────────────────────────────
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	// ReclaimAfter is how long a worker may go without a heartbeat before its
	// jobs are released. Zero disables reclaiming.
	ReclaimAfter time.Duration `env:"RECLAIM_AFTER" envDefault:"1m"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`
	// Mutating API requests per minute per client IP.
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
	RateLimitEvictTTL  time.Duration `env:"RATE_LIMIT_EVICT_TTL"  envDefault:"15m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// BusyTimeout returns DBBusyTimeoutMS as a duration.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.DBBusyTimeoutMS) * time.Millisecond
}

// ShutdownTimeout returns ShutdownTimeoutSeconds as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
