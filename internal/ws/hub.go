package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/openvtt/tokensync/internal/wire"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const roomChannelPrefix = "room:"
const roomChannelSuffix = ":frames"

func roomChannel(roomID uuid.UUID) string {
	return roomChannelPrefix + roomID.String() + roomChannelSuffix
}

// Hub tracks which connections are joined to which room and fans frames out
// to them. Frames travel through a redis channel per room, so every server
// instance delivers to its own local subscribers and broadcast-after-commit
// holds across replicas.
type Hub struct {
	redis  *redis.Client
	logger *zap.Logger

	mu       sync.RWMutex
	rooms    map[uuid.UUID]map[*client]struct{}
	memberOf map[*client]uuid.UUID
}

func NewHub(redisClient *redis.Client, logger *zap.Logger) *Hub {
	return &Hub{
		redis:    redisClient,
		logger:   logger,
		rooms:    map[uuid.UUID]map[*client]struct{}{},
		memberOf: map[*client]uuid.UUID{},
	}
}

// Run consumes the room channels until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.redis.PSubscribe(ctx, roomChannelPrefix+"*"+roomChannelSuffix)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			roomID, err := roomIDFromChannel(msg.Channel)
			if err != nil {
				h.logger.Warn("frame on unparseable channel", zap.String("channel", msg.Channel))
				continue
			}
			h.deliverLocal(roomID, []byte(msg.Payload))
		}
	}
}

func roomIDFromChannel(channel string) (uuid.UUID, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(channel, roomChannelPrefix), roomChannelSuffix)
	return uuid.Parse(trimmed)
}

// BroadcastToRoom publishes a committed server event to the room. Implements
// the processor's Broadcaster contract; it must only be called after the
// event's transaction commits.
func (h *Hub) BroadcastToRoom(ctx context.Context, roomID uuid.UUID, event wire.ServerSentEvent) {
	frame, err := marshalFrame(Frame{Type: wire.MsgESEvent}, event)
	if err != nil {
		h.logger.Error("failed to encode server event frame", zap.Error(err))
		return
	}
	h.PublishFrame(ctx, roomID, frame)
}

// PublishFrame sends an already-encoded frame to every member of the room,
// on every instance.
func (h *Hub) PublishFrame(ctx context.Context, roomID uuid.UUID, frame []byte) {
	if err := h.redis.Publish(ctx, roomChannel(roomID), frame).Err(); err != nil {
		h.logger.Error("failed to publish frame",
			zap.String("room_id", roomID.String()),
			zap.Error(err))
		// Degrade to local-only delivery rather than dropping the frame.
		h.deliverLocal(roomID, frame)
	}
}

func (h *Hub) deliverLocal(roomID uuid.UUID, frame []byte) {
	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		select {
		case c.send <- frame:
		default:
			// A client that cannot drain its queue misses the frame; its
			// reconciliation engine notices the sequence gap and resyncs.
			h.logger.Warn("dropping frame for slow client", zap.String("user", c.username))
		}
	}
}

func (h *Hub) join(roomID uuid.UUID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.memberOf[c]; ok {
		delete(h.rooms[prev], c)
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = map[*client]struct{}{}
	}
	h.rooms[roomID][c] = struct{}{}
	h.memberOf[c] = roomID
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	roomID, ok := h.memberOf[c]
	if !ok {
		return
	}
	delete(h.memberOf, c)
	delete(h.rooms[roomID], c)
	if len(h.rooms[roomID]) == 0 {
		delete(h.rooms, roomID)
	}
}

// Frame is the outer JSON envelope for every websocket message. Binary event
// payloads ride inside as base64-encoded byte fields of the typed Data body.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func marshalFrame(frame Frame, data any) ([]byte, error) {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode frame data: %w", err)
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}
