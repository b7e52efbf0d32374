// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings, read once at startup.
type Config struct {
	// Local store
	DataDir string `env:"LEADCACHE_DATA_DIR" envDefault:"./data"`

	// Remote source of truth
	RemoteBaseURL  string        `env:"LEADCACHE_REMOTE_URL" envDefault:"https://api.airtable.com/v0"`
	RemoteAPIKey   string        `env:"LEADCACHE_API_KEY"`
	RemoteBaseID   string        `env:"LEADCACHE_BASE_ID"`
	RemoteTable    string        `env:"LEADCACHE_TABLE" envDefault:"Leads"`
	RequestTimeout time.Duration `env:"LEADCACHE_REQUEST_TIMEOUT" envDefault:"30s"`

	// Freshness
	CacheTTL       time.Duration `env:"LEADCACHE_TTL" envDefault:"6h"`
	RefreshTimeout time.Duration `env:"LEADCACHE_REFRESH_TIMEOUT" envDefault:"2m"`

	// Push retry schedule
	BackoffBase time.Duration `env:"LEADCACHE_BACKOFF_BASE" envDefault:"2s"`
	BackoffCap  time.Duration `env:"LEADCACHE_BACKOFF_CAP" envDefault:"10m"`
	MaxAttempts int           `env:"LEADCACHE_MAX_ATTEMPTS" envDefault:"8"`

	// Scheduler
	DrainInterval time.Duration `env:"LEADCACHE_DRAIN_INTERVAL" envDefault:"15s"`
	PullInterval  time.Duration `env:"LEADCACHE_PULL_INTERVAL" envDefault:"5m"`

	// Daemon
	ListenAddr string `env:"LEADCACHE_LISTEN_ADDR" envDefault:"localhost:8090"`
	LogLevel   string `env:"LEADCACHE_LOG_LEVEL" envDefault:"INFO"`
}

// Load parses configuration from the environment and validates the
// values the daemon cannot run without.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.RemoteAPIKey == "" {
		return nil, fmt.Errorf("LEADCACHE_API_KEY is required")
	}
	if cfg.RemoteBaseID == "" {
		return nil, fmt.Errorf("LEADCACHE_BASE_ID is required")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("LEADCACHE_MAX_ATTEMPTS must be positive")
	}
	if cfg.BackoffBase <= 0 || cfg.BackoffCap < cfg.BackoffBase {
		return nil, fmt.Errorf("invalid backoff schedule: base %v, cap %v", cfg.BackoffBase, cfg.BackoffCap)
	}

	return cfg, nil
}
