package models

import (
	"time"

	"github.com/google/uuid"
)

// Room is the consistency boundary: all sequence numbers and aggregates are
// scoped per room, and rooms never share transactions.
type Room struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	OwnerID   uuid.UUID `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}
