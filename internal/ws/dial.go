package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/openvtt/tokensync/internal/models"
	"github.com/openvtt/tokensync/internal/wire"
	"go.uber.org/zap"
)

// ErrDisconnected is returned by ClientConn operations after the connection
// drops or is closed.
var ErrDisconnected = errors.New("connection closed")

const requestTimeout = 10 * time.Second

// ClientConn is the client side of the websocket channel. It satisfies the
// reconciliation engine's Transport contract: fire-and-forget event sends,
// request/ack aggregate fetches, and a connectivity signal.
type ClientConn struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	connected atomic.Bool

	mu      sync.Mutex
	onEvent func(wire.ServerSentEvent)
	onChat  func(from, text string)
	pending map[string]chan Frame
}

// Dial connects and authenticates to a server's websocket endpoint. The token
// is a session JWT from a prior login.
func Dial(ctx context.Context, url, token string, logger *zap.Logger) (*ClientConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url+"?token="+token, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &ClientConn{
		conn:    conn,
		logger:  logger,
		pending: map[string]chan Frame{},
	}
	c.connected.Store(true)
	conn.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	go c.readLoop()
	return c, nil
}

// OnServerEvent registers the callback for authoritative event broadcasts.
// The read loop calls it in arrival order; register it before joining a room
// or broadcasts arriving in between are dropped.
func (c *ClientConn) OnServerEvent(fn func(wire.ServerSentEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// OnChat registers the callback for relayed chat messages.
func (c *ClientConn) OnChat(fn func(from, text string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChat = fn
}

func (c *ClientConn) Connected() bool {
	return c.connected.Load()
}

func (c *ClientConn) Close() error {
	c.connected.Store(false)
	return c.conn.Close()
}

func (c *ClientConn) readLoop() {
	defer func() {
		c.connected.Store(false)
		c.conn.Close()
		c.failPending()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.connected.Load() {
				c.logger.Warn("connection lost", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("malformed server frame", zap.Error(err))
			continue
		}

		if frame.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[frame.RequestID]
			if ok {
				delete(c.pending, frame.RequestID)
			}
			c.mu.Unlock()
			if ok {
				ch <- frame
				continue
			}
		}

		switch frame.Type {
		case wire.MsgESEvent:
			var event wire.ServerSentEvent
			if err := json.Unmarshal(frame.Data, &event); err != nil {
				c.logger.Warn("malformed server event", zap.Error(err))
				continue
			}
			c.mu.Lock()
			onEvent := c.onEvent
			c.mu.Unlock()
			if onEvent != nil {
				onEvent(event)
			}
		case wire.MsgChatMessage:
			var msg chatPayload
			if err := json.Unmarshal(frame.Data, &msg); err != nil {
				c.logger.Warn("malformed chat message", zap.Error(err))
				continue
			}
			c.mu.Lock()
			onChat := c.onChat
			c.mu.Unlock()
			if onChat != nil {
				onChat(msg.From, msg.Text)
			}
		default:
			c.logger.Debug("ignoring frame", zap.String("type", frame.Type))
		}
	}
}

func (c *ClientConn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *ClientConn) writeFrame(frame Frame, data any) error {
	if !c.connected.Load() {
		return ErrDisconnected
	}
	raw, err := marshalFrame(frame, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// request performs one request/ack round trip keyed by a fresh request id.
func (c *ClientConn) request(ctx context.Context, msgType string, data any) (Frame, error) {
	requestID := uuid.New().String()
	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()

	if err := c.writeFrame(Frame{Type: msgType, RequestID: requestID}, data); err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return Frame{}, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return Frame{}, ErrDisconnected
		}
		return reply, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("request %s timed out", msgType)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return Frame{}, ctx.Err()
	}
}

func decodeReply[T any](frame Frame) (T, error) {
	var out T
	var failure errorPayload
	if err := json.Unmarshal(frame.Data, &failure); err == nil && failure.Error != "" {
		return out, errors.New(failure.Error)
	}
	if err := json.Unmarshal(frame.Data, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s reply: %w", frame.Type, err)
	}
	return out, nil
}

// CreateRoom creates a room owned by the authenticated account.
func (c *ClientConn) CreateRoom(ctx context.Context, name string) (*models.Room, error) {
	reply, err := c.request(ctx, wire.MsgCreateRoom, createRoomRequest{Name: name})
	if err != nil {
		return nil, err
	}
	room, err := decodeReply[models.Room](reply)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// JoinRoomResult is the initial state the server hands back on join.
type JoinRoomResult struct {
	Room       models.Room
	Aggregates map[wire.Category]wire.AggResponse
	Present    []string
}

// JoinRoom enters a room and returns the bootstrap snapshot. Feed the returned
// aggregates into the reconciliation engine before processing live events.
func (c *ClientConn) JoinRoom(ctx context.Context, roomID uuid.UUID) (*JoinRoomResult, error) {
	reply, err := c.request(ctx, wire.MsgJoinRoom, joinRoomRequest{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	init, err := decodeReply[initStatePayload](reply)
	if err != nil {
		return nil, err
	}
	return &JoinRoomResult{
		Room:       init.Room,
		Aggregates: init.Aggregates,
		Present:    init.Present,
	}, nil
}

// SendEvent transmits a mutation event, fire-and-forget.
func (c *ClientConn) SendEvent(event wire.ClientSentEvent) error {
	return c.writeFrame(Frame{Type: wire.MsgESEvent}, event)
}

// RequestAggregates fetches current snapshots for the given categories.
func (c *ClientConn) RequestAggregates(ctx context.Context, categories []wire.Category) (map[wire.Category]wire.AggResponse, error) {
	reply, err := c.request(ctx, wire.MsgEventAggRequest, aggRequestPayload{Categories: categories})
	if err != nil {
		return nil, err
	}
	resp, err := decodeReply[aggResponsePayload](reply)
	if err != nil {
		return nil, err
	}
	return resp.Aggregates, nil
}

// SendChat relays a chat line to everyone in the current room.
func (c *ClientConn) SendChat(text string) error {
	return c.writeFrame(Frame{Type: wire.MsgChatMessage}, chatPayload{Text: text})
}
