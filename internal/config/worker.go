package config

import (
	"fmt"
	"time"

	"github.com/chronotask/chrono/internal/env"
)

// WorkerConfig holds all configuration for the chronoworker binary.
type WorkerConfig struct {
	// StoreKind selects which chrono.Store backs the scheduler: "memory" or
	// "sql". Defaults to "memory" if unset.
	StoreKind     string `env:"CHRONO_STORE_KIND"`
	Database      DatabaseConfig
	Observability ObservabilityConfig

	ExitTimeout time.Duration `env:"CHRONO_WORKER_EXIT_TIMEOUT"`
}

// LoadWorkerConfig loads and validates worker configuration from environment.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		StoreKind:     "memory",
		Observability: ObservabilityConfig{OTelEnabled: true},
	}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}

	if cfg.StoreKind == "sql" {
		if err := cfg.Database.validateForSQLStore(); err != nil {
			return nil, fmt.Errorf("failed to load worker config: %w", err)
		}
	}

	return cfg, nil
}
