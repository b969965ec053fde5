package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/openvtt/tokensync/internal/eventsync"
	"github.com/openvtt/tokensync/internal/models"
	"github.com/openvtt/tokensync/internal/repositories"
	"github.com/openvtt/tokensync/internal/services"
	"github.com/openvtt/tokensync/internal/wire"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Options are per-connection tuning knobs.
type Options struct {
	// SendQueueSize bounds the outbound frame queue; a client that falls this
	// far behind starts missing frames and resyncs.
	SendQueueSize int
	// MaxFrameBytes caps inbound frame size.
	MaxFrameBytes int64
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 1 << 20
	}
	return o
}

// Server upgrades authenticated HTTP requests to websocket connections and
// dispatches their frames.
type Server struct {
	hub       *Hub
	processor *eventsync.Processor
	auth      *services.AuthService
	rooms     repositories.RoomRepository
	presence  repositories.RoomPresenceRepository
	logger    *zap.Logger
	opts      Options
	upgrader  websocket.Upgrader
}

func NewServer(hub *Hub, processor *eventsync.Processor, auth *services.AuthService, rooms repositories.RoomRepository, presence repositories.RoomPresenceRepository, logger *zap.Logger, opts Options) *Server {
	return &Server{
		hub:       hub,
		processor: processor,
		auth:      auth,
		rooms:     rooms,
		presence:  presence,
		logger:    logger,
		opts:      opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// sessionContext carries per-connection identity and room membership. It is
// owned by the connection's read loop and handed explicitly to every frame
// handler; nothing about the connection lives in ambient server state.
type sessionContext struct {
	claims *services.TokenClaims
	roomID *uuid.UUID
}

type client struct {
	conn     *websocket.Conn
	send     chan []byte
	username string
}

// HandleWS is the websocket endpoint. The session token gates the upgrade:
// without a valid one the connection is refused before any message type is
// ever processed.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := s.auth.VerifyToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid session", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:     conn,
		send:     make(chan []byte, s.opts.SendQueueSize),
		username: claims.Username,
	}
	sess := &sessionContext{claims: claims}

	s.logger.Info("client connected", zap.String("user", claims.Username))
	go s.writePump(c)
	s.readPump(c, sess)
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(c *client, sess *sessionContext) {
	defer func() {
		s.disconnect(c, sess)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(s.opts.MaxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.refreshPresence(sess)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("unexpected close", zap.String("user", c.username), zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.logger.Warn("malformed frame", zap.String("user", c.username), zap.Error(err))
			continue
		}
		s.handleFrame(context.Background(), c, sess, frame)
	}
}

func (s *Server) disconnect(c *client, sess *sessionContext) {
	s.hub.leave(c)
	if sess.roomID != nil {
		if err := s.presence.DeletePresence(context.Background(), *sess.roomID, c.username); err != nil {
			s.logger.Warn("failed to clear presence", zap.Error(err))
		}
	}
	s.logger.Info("client disconnected", zap.String("user", c.username))
}

func (s *Server) refreshPresence(sess *sessionContext) {
	if sess.roomID == nil {
		return
	}
	err := s.presence.SetPresence(context.Background(), &models.RoomPresence{
		RoomID:   *sess.roomID,
		Username: sess.claims.Username,
		LastSeen: time.Now(),
	})
	if err != nil {
		s.logger.Warn("failed to refresh presence", zap.Error(err))
	}
}

// Frame data bodies.

type createRoomRequest struct {
	Name string `json:"name"`
}

type joinRoomRequest struct {
	RoomID uuid.UUID `json:"roomId"`
}

type chatPayload struct {
	From string `json:"from"`
	Text string `json:"text"`
}

type aggRequestPayload struct {
	Categories []wire.Category `json:"categories"`
}

type aggResponsePayload struct {
	Aggregates map[wire.Category]wire.AggResponse `json:"aggregates"`
}

type initStatePayload struct {
	Room       models.Room                        `json:"room"`
	Aggregates map[wire.Category]wire.AggResponse `json:"aggregates"`
	Present    []string                           `json:"present"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func (s *Server) handleFrame(ctx context.Context, c *client, sess *sessionContext, frame Frame) {
	switch frame.Type {
	case wire.MsgCreateRoom:
		s.handleCreateRoom(ctx, c, sess, frame)
	case wire.MsgJoinRoom:
		s.handleJoinRoom(ctx, c, sess, frame)
	case wire.MsgESEvent:
		s.handleESEvent(ctx, c, sess, frame)
	case wire.MsgEventAggRequest:
		s.handleAggRequest(ctx, c, sess, frame)
	case wire.MsgWorldState:
		s.handleWorldState(ctx, c, sess, frame)
	case wire.MsgChatMessage:
		s.handleChat(ctx, c, sess, frame)
	default:
		// Unknown frame types are logged and dropped, not fatal to the
		// connection.
		s.logger.Warn("unhandled frame type",
			zap.String("type", frame.Type),
			zap.String("user", c.username))
	}
}

func (s *Server) reply(c *client, requestID string, msgType string, data any) {
	frame, err := marshalFrame(Frame{Type: msgType, RequestID: requestID}, data)
	if err != nil {
		s.logger.Error("failed to encode reply", zap.Error(err))
		return
	}
	select {
	case c.send <- frame:
	default:
		s.logger.Warn("dropping reply for slow client", zap.String("user", c.username))
	}
}

func (s *Server) handleCreateRoom(ctx context.Context, c *client, sess *sessionContext, frame Frame) {
	var req createRoomRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.Name == "" {
		s.reply(c, frame.RequestID, wire.MsgCreateRoom, errorPayload{Error: "invalid room name"})
		return
	}

	room := &models.Room{Name: req.Name, OwnerID: sess.claims.AccountID}
	if err := s.rooms.Create(ctx, room); err != nil {
		s.logger.Error("failed to create room", zap.Error(err))
		s.reply(c, frame.RequestID, wire.MsgCreateRoom, errorPayload{Error: "failed to create room"})
		return
	}
	s.reply(c, frame.RequestID, wire.MsgCreateRoom, room)
}

func (s *Server) handleJoinRoom(ctx context.Context, c *client, sess *sessionContext, frame Frame) {
	var req joinRoomRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		s.reply(c, frame.RequestID, wire.MsgJoinRoom, errorPayload{Error: "invalid join request"})
		return
	}

	room, err := s.rooms.GetByID(ctx, req.RoomID)
	if errors.Is(err, repositories.ErrNotFound) {
		s.reply(c, frame.RequestID, wire.MsgJoinRoom, errorPayload{Error: "room not found"})
		return
	}
	if err != nil {
		s.logger.Error("failed to load room", zap.Error(err))
		s.reply(c, frame.RequestID, wire.MsgJoinRoom, errorPayload{Error: "failed to join room"})
		return
	}

	s.hub.join(room.ID, c)
	sess.roomID = &room.ID
	s.refreshPresence(sess)

	// Joining is acknowledged with the full initial state so the client can
	// bootstrap its reconciliation engine in one round trip.
	aggregates := s.snapshotAll(ctx, room.ID)
	present := []string{}
	if entries, err := s.presence.ListRoom(ctx, room.ID); err == nil {
		for _, p := range entries {
			present = append(present, p.Username)
		}
	}
	s.reply(c, frame.RequestID, wire.MsgInitState, initStatePayload{
		Room:       *room,
		Aggregates: aggregates,
		Present:    present,
	})
}

func (s *Server) handleESEvent(ctx context.Context, c *client, sess *sessionContext, frame Frame) {
	if sess.roomID == nil {
		s.logger.Warn("event before joining a room", zap.String("user", c.username))
		return
	}

	var event wire.ClientSentEvent
	if err := json.Unmarshal(frame.Data, &event); err != nil {
		s.logger.Warn("malformed client event", zap.String("user", c.username), zap.Error(err))
		return
	}

	// Errors roll the event back and are logged inside the processor. The
	// sender gets no structured rejection; it recovers via desync detection.
	_ = s.processor.ProcessEvent(ctx, *sess.roomID, sess.claims.Username, event)
}

func (s *Server) handleAggRequest(ctx context.Context, c *client, sess *sessionContext, frame Frame) {
	var req aggRequestPayload
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		s.reply(c, frame.RequestID, wire.MsgEventAggRequest, errorPayload{Error: "invalid aggregate request"})
		return
	}

	out := map[wire.Category]wire.AggResponse{}
	for _, category := range req.Categories {
		if sess.roomID == nil {
			out[category] = wire.AggResponse{Status: false}
			continue
		}
		out[category] = s.processor.ProcessAggRequest(ctx, *sess.roomID, category)
	}
	s.reply(c, frame.RequestID, wire.MsgEventAggRequest, aggResponsePayload{Aggregates: out})
}

func (s *Server) handleWorldState(ctx context.Context, c *client, sess *sessionContext, frame Frame) {
	if sess.roomID == nil {
		s.reply(c, frame.RequestID, wire.MsgWorldState, aggResponsePayload{Aggregates: map[wire.Category]wire.AggResponse{}})
		return
	}
	s.reply(c, frame.RequestID, wire.MsgWorldState, aggResponsePayload{
		Aggregates: s.snapshotAll(ctx, *sess.roomID),
	})
}

func (s *Server) snapshotAll(ctx context.Context, roomID uuid.UUID) map[wire.Category]wire.AggResponse {
	out := map[wire.Category]wire.AggResponse{}
	for _, category := range s.processor.Categories() {
		out[category] = s.processor.ProcessAggRequest(ctx, roomID, category)
	}
	return out
}

func (s *Server) handleChat(ctx context.Context, c *client, sess *sessionContext, frame Frame) {
	if sess.roomID == nil {
		return
	}
	var msg chatPayload
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		s.logger.Warn("malformed chat message", zap.Error(err))
		return
	}
	msg.From = sess.claims.Username // never trust the client's claimed sender

	out, err := marshalFrame(Frame{Type: wire.MsgChatMessage}, msg)
	if err != nil {
		s.logger.Error("failed to encode chat frame", zap.Error(err))
		return
	}
	s.hub.PublishFrame(ctx, *sess.roomID, out)
}
