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

type PostgresEventRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresEventRepository(pool *pgxpool.Pool) *PostgresEventRepository {
	return &PostgresEventRepository{pool: pool}
}

// Append allocates the next sequence number for (room, category) and inserts
// the event, both inside the caller's transaction.
//
// The counter upsert takes a row-level exclusive lock held until the
// transaction ends, so concurrent appenders to the same stream serialize here
// and sequence numbers are handed out in commit order. If the transaction
// later aborts, the allocated number is simply skipped. Gaps are acceptable,
// reuse is not.
func (r *PostgresEventRepository) Append(ctx context.Context, tx pgx.Tx, roomID uuid.UUID, category wire.Category, source string, payload []byte) (*models.Event, error) {
	counterQuery := `INSERT INTO sequence_counters (room_id, category, next_seq)
	                 VALUES ($1, $2, 1)
	                 ON CONFLICT (room_id, category)
	                 DO UPDATE SET next_seq = sequence_counters.next_seq + 1
	                 RETURNING next_seq`

	var seq int64
	if err := tx.QueryRow(ctx, counterQuery, roomID, category).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to allocate sequence number: %w", err)
	}

	insertQuery := `INSERT INTO events (room_id, category, sequence_number, source, payload)
	                VALUES ($1, $2, $3, $4, $5)
	                RETURNING id, created_at`

	event := &models.Event{
		RoomID:         roomID,
		Category:       category,
		SequenceNumber: seq,
		Source:         source,
		Payload:        payload,
	}
	err := tx.QueryRow(ctx, insertQuery, roomID, category, seq, source, payload).
		Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	return event, nil
}

func (r *PostgresEventRepository) GetBySequence(ctx context.Context, roomID uuid.UUID, category wire.Category, seq int64) (*models.Event, error) {
	query := `SELECT id, room_id, category, sequence_number, source, payload, created_at
	          FROM events
	          WHERE room_id = $1 AND category = $2 AND sequence_number = $3`

	var event models.Event
	err := r.pool.QueryRow(ctx, query, roomID, category, seq).Scan(
		&event.ID,
		&event.RoomID,
		&event.Category,
		&event.SequenceNumber,
		&event.Source,
		&event.Payload,
		&event.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &event, nil
}

// ListSince returns events with sequence_number > afterSeq in sequence order,
// capped at limit. Used for paged replays and debugging, never by the hot
// path; clients bootstrap from aggregate snapshots instead.
func (r *PostgresEventRepository) ListSince(ctx context.Context, roomID uuid.UUID, category wire.Category, afterSeq int64, limit int) ([]*models.Event, error) {
	query := `SELECT id, room_id, category, sequence_number, source, payload, created_at
	          FROM events
	          WHERE room_id = $1 AND category = $2 AND sequence_number > $3
	          ORDER BY sequence_number ASC
	          LIMIT $4`

	rows, err := r.pool.Query(ctx, query, roomID, category, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var event models.Event
		err := rows.Scan(
			&event.ID,
			&event.RoomID,
			&event.Category,
			&event.SequenceNumber,
			&event.Source,
			&event.Payload,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
