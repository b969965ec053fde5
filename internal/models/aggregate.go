package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/openvtt/tokensync/internal/wire"
)

// EventAggregate is the materialized view of every event up to Watermark for
// one (room, category) pair. Watermark only ever moves forward; the store
// rejects writes that would not strictly increase it.
type EventAggregate struct {
	RoomID    uuid.UUID     `json:"room_id"`
	Category  wire.Category `json:"category"`
	Watermark int64         `json:"watermark"`
	Payload   []byte        `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt *time.Time    `json:"updated_at,omitempty"`
}
