// Package database mirrors the archive manifest into PostgreSQL so the
// processing history can be queried without reading the JSONL file.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
)

// DB wraps the database connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// DSN builds the pgx connection string for cfg
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		cfg.MaxConns, cfg.MinConns,
	)
}

// New creates a new database connection
func New(cfg config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Set connection pool settings
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Ping the database to verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health checks if the database is healthy
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS manifest_entries (
	id                  BIGSERIAL PRIMARY KEY,
	file                TEXT NOT NULL,
	status              TEXT NOT NULL,
	outputs             JSONB NOT NULL DEFAULT '{}',
	error               TEXT NOT NULL DEFAULT '',
	error_type          TEXT NOT NULL DEFAULT '',
	duration            DOUBLE PRECISION NOT NULL DEFAULT 0,
	processing_time_sec DOUBLE PRECISION NOT NULL DEFAULT 0,
	content_hash        TEXT NOT NULL DEFAULT '',
	worker              TEXT NOT NULL DEFAULT '',
	recorded_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS manifest_entries_file_idx ON manifest_entries (file, recorded_at DESC);
CREATE INDEX IF NOT EXISTS manifest_entries_status_idx ON manifest_entries (status, recorded_at DESC);
`

// EnsureSchema creates the manifest tables when they do not exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
