package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/openvtt/tokensync/internal/wire"
)

// Event is one immutable fact in a room's append-only log. SequenceNumber is
// scoped to (room, category), assigned by the store at insert time, and never
// supplied by clients.
type Event struct {
	ID             uuid.UUID     `json:"id"`
	RoomID         uuid.UUID     `json:"room_id"`
	Category       wire.Category `json:"category"`
	SequenceNumber int64         `json:"sequence_number"`
	Source         string        `json:"source"`
	Payload        []byte        `json:"payload"`
	CreatedAt      time.Time     `json:"created_at"`
}

// SourceExternal marks events that did not originate from a named user.
const SourceExternal = "external"
