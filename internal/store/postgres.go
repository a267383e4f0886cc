// Package store persists users, trades, mt5 connections, follows, and
// copy trades in Postgres via pgxpool, following the same pool-wrapper
// pattern as the upstream database package it replaces.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(databaseURL string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().Msg("connected to postgres")

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Migrate creates every table this repo needs if absent. It's
// deliberately additive and idempotent so it can run on every startup.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			email TEXT NOT NULL,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			is_master BOOLEAN NOT NULL DEFAULT false,
			is_active BOOLEAN NOT NULL DEFAULT true,
			is_online BOOLEAN NOT NULL DEFAULT false,
			last_login_ip TEXT NOT NULL DEFAULT '',
			key_generation INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email_lower ON users (LOWER(email))`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_api_key ON users (api_key)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			owner_id INTEGER NOT NULL REFERENCES users(id),
			ticket TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			open_price DOUBLE PRECISION NOT NULL,
			current_price DOUBLE PRECISION NOT NULL,
			close_price DOUBLE PRECISION,
			sl DOUBLE PRECISION,
			tp DOUBLE PRECISION,
			unrealized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			realized_pnl DOUBLE PRECISION,
			open_time TIMESTAMPTZ NOT NULL,
			close_time TIMESTAMPTZ,
			status TEXT NOT NULL,
			UNIQUE (owner_id, ticket)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_owner_status ON trades (owner_id, status)`,
		`CREATE TABLE IF NOT EXISTS mt5_connections (
			user_id INTEGER PRIMARY KEY REFERENCES users(id),
			login BIGINT NOT NULL DEFAULT 0,
			is_connected BOOLEAN NOT NULL DEFAULT false,
			balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			equity DOUBLE PRECISION NOT NULL DEFAULT 0,
			margin DOUBLE PRECISION NOT NULL DEFAULT 0,
			free_margin DOUBLE PRECISION NOT NULL DEFAULT 0,
			margin_level DOUBLE PRECISION NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'USD',
			last_sync TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS follows (
			id SERIAL PRIMARY KEY,
			follower_id INTEGER NOT NULL REFERENCES users(id),
			master_id INTEGER NOT NULL REFERENCES users(id),
			is_active BOOLEAN NOT NULL DEFAULT true,
			copy_percentage DOUBLE PRECISION NOT NULL DEFAULT 100,
			max_risk_per_trade DOUBLE PRECISION NOT NULL DEFAULT 2,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (follower_id, master_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_follows_master_active ON follows (master_id, is_active)`,
		`CREATE TABLE IF NOT EXISTS copy_trades (
			id SERIAL PRIMARY KEY,
			follow_id INTEGER NOT NULL REFERENCES follows(id),
			master_trade_id INTEGER NOT NULL REFERENCES trades(id),
			follower_trade_id INTEGER REFERENCES trades(id),
			master_ticket TEXT NOT NULL,
			follower_ticket TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			master_volume DOUBLE PRECISION NOT NULL,
			follower_volume DOUBLE PRECISION NOT NULL,
			copy_ratio DOUBLE PRECISION NOT NULL,
			copy_hash TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			executed_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_copy_trades_hash ON copy_trades (copy_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_copy_trades_follow_status ON copy_trades (follow_id, status)`,
	}

	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
