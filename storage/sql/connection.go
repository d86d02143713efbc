// Package sql provides a chrono.Store backed by database/sql, supporting
// PostgreSQL (via jackc/pgx/v5) and SQLite (via modernc.org/sqlite). Schema
// is managed with embedded pressly/goose/v3 migrations.
package sql

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// dialect names the two drivers this package supports.
type dialect string

const (
	dialectPostgres dialect = "pgx"
	dialectSQLite   dialect = "sqlite"
)

// Config holds database connection configuration.
type Config struct {
	// Driver selects the backend: "pgx" (PostgreSQL) or "sqlite".
	Driver string
	// DSN is the driver-specific connection string.
	DSN string

	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 5
	ConnMaxLifetime time.Duration // default 5m
	ConnMaxIdleTime time.Duration // default 1m

	// ConnectRetry bounds how long NewStore retries an initial failed
	// connection (ping) before giving up. Zero disables retrying.
	ConnectRetry time.Duration

	// ClaimStaleTimeoutCeiling is the value the store's ClaimStaleTimeout
	// reports. Zero means no ceiling is enforced.
	ClaimStaleTimeoutCeiling time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = time.Minute
	}
	return cfg
}

// NewStore opens a database connection, retries the initial ping under
// cfg.ConnectRetry (databases are frequently still starting up when a
// worker process boots alongside them), runs migrations, and returns a
// ready-to-use Store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql: open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := pingWithRetry(ctx, db, cfg.ConnectRetry); err != nil {
		db.Close()
		return nil, fmt.Errorf("sql: ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("sql: run migrations: %w", err)
	}

	return newStore(db, dialect(cfg.Driver), cfg.ClaimStaleTimeoutCeiling), nil
}

// pingWithRetry retries db.PingContext with an exponential backoff (via
// cenkalti/backoff/v5) for up to maxElapsed before giving up. maxElapsed <=
// 0 means attempt once.
func pingWithRetry(ctx context.Context, db *sql.DB, maxElapsed time.Duration) error {
	if maxElapsed <= 0 {
		return db.PingContext(ctx)
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	}, backoff.WithMaxElapsedTime(maxElapsed))
	return err
}

// runMigrations applies embedded migrations using goose, selecting the
// dialect goose needs for statement generation from driver.
func runMigrations(db *sql.DB, driver string) error {
	gooseDialect := "sqlite3"
	if driver == string(dialectPostgres) {
		gooseDialect = "postgres"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// NewPostgresStore opens a PostgreSQL-backed store with default pool settings.
func NewPostgresStore(ctx context.Context, dsn string) (*Store, error) {
	return NewStore(ctx, Config{Driver: string(dialectPostgres), DSN: dsn})
}

// NewSQLiteStore opens a SQLite-backed store with pragmas tuned for a
// single-writer worker process (WAL journaling, a busy timeout so
// concurrent claimers wait briefly rather than erroring, foreign keys on).
func NewSQLiteStore(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	return NewStore(ctx, Config{Driver: string(dialectSQLite), DSN: dsn})
}
