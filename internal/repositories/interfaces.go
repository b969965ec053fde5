package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/openvtt/tokensync/internal/models"
	"github.com/openvtt/tokensync/internal/wire"
)

// EventRepository is the append-only event log plus its per-(room, category)
// sequence allocator. Append must run inside the caller's transaction so the
// allocated sequence number commits or rolls back together with whatever else
// the event implies.
type EventRepository interface {
	Append(ctx context.Context, tx pgx.Tx, roomID uuid.UUID, category wire.Category, source string, payload []byte) (*models.Event, error)
	GetBySequence(ctx context.Context, roomID uuid.UUID, category wire.Category, seq int64) (*models.Event, error)
	ListSince(ctx context.Context, roomID uuid.UUID, category wire.Category, afterSeq int64, limit int) ([]*models.Event, error)
}

// AggregateRepository stores the materialized view per (room, category).
// GetForUpdate/Create/Update take the enclosing transaction; Get serves
// lock-free bootstrap reads.
type AggregateRepository interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, roomID uuid.UUID, category wire.Category) (*models.EventAggregate, error)
	Create(ctx context.Context, tx pgx.Tx, agg *models.EventAggregate) error
	Update(ctx context.Context, tx pgx.Tx, agg *models.EventAggregate) error
	Get(ctx context.Context, roomID uuid.UUID, category wire.Category) (*models.EventAggregate, error)
}

type RoomRepository interface {
	Create(ctx context.Context, room *models.Room) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Room, error)
}

type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteAllForAccount(ctx context.Context, accountID uuid.UUID) error
}

type RoomPresenceRepository interface {
	SetPresence(ctx context.Context, presence *models.RoomPresence) error
	ListRoom(ctx context.Context, roomID uuid.UUID) ([]*models.RoomPresence, error)
	DeletePresence(ctx context.Context, roomID uuid.UUID, username string) error
}
