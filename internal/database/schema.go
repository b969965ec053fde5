package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the minimal relational surface the sync core needs: the
// append-only event log, one materialized aggregate row per (room, category),
// and the per-stream sequence counters, plus rooms and accounts. Uniqueness
// constraints back the invariants: (room, category, sequence_number) for
// events, (room, category) for aggregates and counters.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name TEXT NOT NULL,
		owner_id UUID NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS sequence_counters (
		room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		category TEXT NOT NULL,
		next_seq BIGINT NOT NULL,
		PRIMARY KEY (room_id, category)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		category TEXT NOT NULL,
		sequence_number BIGINT NOT NULL,
		source TEXT NOT NULL,
		payload BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (room_id, category, sequence_number)
	)`,
	`CREATE TABLE IF NOT EXISTS event_aggregates (
		room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		category TEXT NOT NULL,
		watermark BIGINT NOT NULL,
		payload BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ,
		PRIMARY KEY (room_id, category)
	)`,
}

// Migrate applies the schema idempotently at startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
