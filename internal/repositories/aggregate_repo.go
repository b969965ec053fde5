package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openvtt/tokensync/internal/models"
	"github.com/openvtt/tokensync/internal/wire"
)

// ErrStaleWatermark is returned when an aggregate write would not strictly
// advance the watermark. The row lock serializes writers; this check catches
// replays and lost updates that slip past it, and the enclosing transaction
// must abort when it fires.
var ErrStaleWatermark = errors.New("stale watermark: aggregate was advanced past this event")

type PostgresAggregateRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresAggregateRepository(pool *pgxpool.Pool) *PostgresAggregateRepository {
	return &PostgresAggregateRepository{pool: pool}
}

// GetForUpdate reads the aggregate row under an exclusive lock valid for the
// rest of the transaction. Returns ErrNotFound when no events have ever been
// folded for this (room, category); the caller creates the row in that case.
func (r *PostgresAggregateRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, roomID uuid.UUID, category wire.Category) (*models.EventAggregate, error) {
	query := `SELECT room_id, category, watermark, payload, created_at, updated_at
	          FROM event_aggregates
	          WHERE room_id = $1 AND category = $2
	          FOR UPDATE`

	var agg models.EventAggregate
	err := tx.QueryRow(ctx, query, roomID, category).Scan(
		&agg.RoomID,
		&agg.Category,
		&agg.Watermark,
		&agg.Payload,
		&agg.CreatedAt,
		&agg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock aggregate: %w", err)
	}
	return &agg, nil
}

// Create inserts the first materialized row for a (room, category) pair. The
// unique constraint makes a double-create fail loudly instead of forking the
// aggregate.
func (r *PostgresAggregateRepository) Create(ctx context.Context, tx pgx.Tx, agg *models.EventAggregate) error {
	query := `INSERT INTO event_aggregates (room_id, category, watermark, payload)
	          VALUES ($1, $2, $3, $4)
	          RETURNING created_at`

	err := tx.QueryRow(ctx, query, agg.RoomID, agg.Category, agg.Watermark, agg.Payload).
		Scan(&agg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create aggregate: %w", err)
	}
	return nil
}

// Update writes the new watermark and payload, but only if the watermark
// strictly increases. Zero rows affected means the stored watermark already
// caught up to or passed agg.Watermark.
func (r *PostgresAggregateRepository) Update(ctx context.Context, tx pgx.Tx, agg *models.EventAggregate) error {
	query := `UPDATE event_aggregates
	          SET watermark = $3, payload = $4, updated_at = NOW()
	          WHERE room_id = $1 AND category = $2 AND watermark < $3
	          RETURNING updated_at`

	err := tx.QueryRow(ctx, query, agg.RoomID, agg.Category, agg.Watermark, agg.Payload).
		Scan(&agg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStaleWatermark
	}
	if err != nil {
		return fmt.Errorf("failed to update aggregate: %w", err)
	}
	return nil
}

// Get is the lock-free read used to serve bootstrap snapshots.
func (r *PostgresAggregateRepository) Get(ctx context.Context, roomID uuid.UUID, category wire.Category) (*models.EventAggregate, error) {
	query := `SELECT room_id, category, watermark, payload, created_at, updated_at
	          FROM event_aggregates
	          WHERE room_id = $1 AND category = $2`

	var agg models.EventAggregate
	err := r.pool.QueryRow(ctx, query, roomID, category).Scan(
		&agg.RoomID,
		&agg.Category,
		&agg.Watermark,
		&agg.Payload,
		&agg.CreatedAt,
		&agg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate: %w", err)
	}
	return &agg, nil
}
