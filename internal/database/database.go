// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package database owns the postgres connection pool and the schema the
// session and api key stores persist into.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/logging"
)

// Config locates the database.
type Config struct {
	// URL is a postgres connection string.
	URL string

	// MaxConns caps the pool. Default: 10.
	MaxConns int32

	// ConnectTimeout bounds the initial connection probe. Default: 10s.
	ConnectTimeout time.Duration
}

// DB wraps a pgx pool. The pool itself satisfies the Exec/Query/QueryRow
// interfaces the stores declare.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Connect opens the pool, verifies connectivity and applies the schema.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{
		Pool:   pool,
		logger: logging.With().Str("component", "database").Logger(),
	}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	db.logger.Info().Int32("max_conns", cfg.MaxConns).Msg("database connected")
	return db, nil
}

// Close releases the pool.
func (db *DB) Close() { db.Pool.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_sessions (
		id                  uuid PRIMARY KEY,
		user_id             text NOT NULL,
		session_id          text NOT NULL UNIQUE,
		keycloak_session_id text,
		access_token        text,
		refresh_token       text,
		id_token            text,
		token_expires_at    timestamptz,
		refresh_expires_at  timestamptz,
		fingerprint         text,
		last_accessed_at    timestamptz NOT NULL,
		created_at          timestamptz NOT NULL,
		updated_at          timestamptz NOT NULL DEFAULT now(),
		expires_at          timestamptz NOT NULL,
		ip_address          text,
		user_agent          text,
		metadata            jsonb,
		is_active           boolean NOT NULL DEFAULT true
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_sessions_user_active
		ON user_sessions (user_id, is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_user_sessions_expires
		ON user_sessions (expires_at) WHERE is_active = true`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id          uuid PRIMARY KEY,
		name        text NOT NULL,
		key_hash    text NOT NULL,
		key_preview text NOT NULL,
		user_id     text NOT NULL,
		store_id    text,
		permissions text[],
		scopes      text[],
		usage_count bigint NOT NULL DEFAULT 0,
		last_used_at timestamptz,
		is_active   boolean NOT NULL DEFAULT true,
		expires_at  timestamptz,
		created_at  timestamptz NOT NULL DEFAULT now(),
		updated_at  timestamptz NOT NULL DEFAULT now(),
		revoked_at  timestamptz,
		revoked_by  text,
		metadata    jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_user
		ON api_keys (user_id) WHERE is_active = true`,
}

// migrate applies the schema. Statements are idempotent so startup can
// run them unconditionally.
func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
