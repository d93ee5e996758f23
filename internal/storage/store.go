package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lnops/chand/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store.path is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// schemaStatements creates every table the daemon persists to, using
// CREATE TABLE IF NOT EXISTS for idempotent startup migration.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		first_seen TIMESTAMPTZ NOT NULL,
		fees_earned_msat NUMERIC NOT NULL DEFAULT 0,
		volume_forwarded_msat NUMERIC NOT NULL DEFAULT 0,
		last_channel_id TEXT NOT NULL DEFAULT '',
		reopen_cost_estimate_sats NUMERIC NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS channels_lifecycle (
		channel_id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		initial_capacity NUMERIC NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS forwards (
		event_id TEXT PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		day_bucket TEXT NOT NULL,
		in_channel TEXT NOT NULL,
		out_channel TEXT NOT NULL,
		fee_earned_msat NUMERIC NOT NULL,
		amount_forwarded_msat NUMERIC NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS fee_samples (
		sampled_at TIMESTAMPTZ PRIMARY KEY,
		sats_per_vbyte NUMERIC NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS price_theory_hands (
		peer_id TEXT PRIMARY KEY,
		cards_json JSONB NOT NULL DEFAULT '[]'
	);`,
	`CREATE TABLE IF NOT EXISTS actions (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		channel_id TEXT NOT NULL DEFAULT '',
		peer_id TEXT NOT NULL DEFAULT '',
		params_json TEXT NOT NULL DEFAULT '',
		dry_run BOOLEAN NOT NULL DEFAULT FALSE,
		success BOOLEAN NOT NULL DEFAULT TRUE,
		outcome TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS tracker_cursors (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS autopilot_cooldowns (
		peer_id TEXT PRIMARY KEY,
		failed_at TIMESTAMPTZ NOT NULL
	);`,
}

// EnsureSchema applies every CREATE TABLE IF NOT EXISTS statement. Safe to
// call on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
