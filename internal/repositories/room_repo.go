package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openvtt/tokensync/internal/models"
)

var ErrNotFound = errors.New("not found")

type PostgresRoomRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRoomRepository(pool *pgxpool.Pool) *PostgresRoomRepository {
	return &PostgresRoomRepository{pool: pool}
}

func (r *PostgresRoomRepository) Create(ctx context.Context, room *models.Room) error {
	query := `INSERT INTO rooms (name, owner_id)
	          VALUES ($1, $2)
	          RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query, room.Name, room.OwnerID).
		Scan(&room.ID, &room.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}

func (r *PostgresRoomRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	query := `SELECT id, name, owner_id, created_at FROM rooms WHERE id = $1`

	var room models.Room
	err := r.pool.QueryRow(ctx, query, id).
		Scan(&room.ID, &room.Name, &room.OwnerID, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return &room, nil
}

func (r *PostgresRoomRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Room, error) {
	query := `SELECT id, name, owner_id, created_at FROM rooms WHERE owner_id = $1 ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.OwnerID, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, &room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rooms: %w", err)
	}
	return rooms, nil
}
