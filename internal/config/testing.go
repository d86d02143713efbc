package config

import (
	"fmt"

	"github.com/chronotask/chrono/internal/env"
)

// TestConfig holds configuration for the storage/sql integration tests.
type TestConfig struct {
	Database DatabaseConfig
}

// LoadTestConfig loads test configuration from the environment. Callers
// decide whether Database is required (e.g. a Postgres-backed integration
// test skips itself when DSN is empty, rather than failing config load).
func LoadTestConfig() (*TestConfig, error) {
	cfg := &TestConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load test config: %w", err)
	}

	return cfg, nil
}
