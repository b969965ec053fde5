package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomPresence records that a user currently has a live connection joined to
// a room. Entries expire unless refreshed by the connection's ping loop.
type RoomPresence struct {
	RoomID   uuid.UUID `json:"room_id"`
	Username string    `json:"username"`
	LastSeen time.Time `json:"last_seen"`
}
