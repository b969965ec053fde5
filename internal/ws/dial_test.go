package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openvtt/tokensync/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// echoBackend is a minimal server peer: it answers aggregate requests with a
// canned snapshot and responds to the first chat frame by broadcasting one
// server event.
func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame Frame
			if json.Unmarshal(raw, &frame) != nil {
				continue
			}
			switch frame.Type {
			case wire.MsgChatMessage:
				out, err := marshalFrame(Frame{Type: wire.MsgESEvent}, wire.ServerSentEvent{
					SequenceNumber:     1,
					PrevSequenceNumber: wire.FirstSequence,
					Source:             "alice",
					Category:           wire.CategoryTokenChange,
					Version:            wire.CurrentVersion,
				})
				require.NoError(t, err)
				conn.WriteMessage(websocket.TextMessage, out)
			case wire.MsgEventAggRequest:
				out, err := marshalFrame(Frame{Type: wire.MsgEventAggRequest, RequestID: frame.RequestID}, aggResponsePayload{
					Aggregates: map[wire.Category]wire.AggResponse{
						wire.CategoryTokenSet: {Status: true},
					},
				})
				require.NoError(t, err)
				conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))
}

// TestClientConn_EventCallbackAndRequestRoundTrip covers the dialing client
// end to end: callback registration after the read loop has started, a server
// broadcast reaching the callback, and a RequestID-matched request/ack.
func TestClientConn_EventCallbackAndRequestRoundTrip(t *testing.T) {
	srv := echoBackend(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Dial(context.Background(), url, "session-token", zap.NewNop())
	require.NoError(t, err)
	defer conn.Close()
	require.True(t, conn.Connected())

	events := make(chan wire.ServerSentEvent, 1)
	conn.OnServerEvent(func(event wire.ServerSentEvent) {
		events <- event
	})

	// The backend broadcasts only after hearing from us, so the callback is
	// guaranteed to be registered by the time the event arrives.
	require.NoError(t, conn.SendChat("hello"))
	select {
	case event := <-events:
		assert.Equal(t, int64(1), event.SequenceNumber)
		assert.Equal(t, "alice", event.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("server event never reached the callback")
	}

	responses, err := conn.RequestAggregates(context.Background(), []wire.Category{wire.CategoryTokenSet})
	require.NoError(t, err)
	assert.True(t, responses[wire.CategoryTokenSet].Status)
}

// TestClientConn_RequestFailsAfterClose covers the disconnect path.
func TestClientConn_RequestFailsAfterClose(t *testing.T) {
	srv := echoBackend(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Dial(context.Background(), url, "session-token", zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.False(t, conn.Connected())

	err = conn.SendEvent(wire.ClientSentEvent{Category: wire.CategoryTokenChange})
	assert.ErrorIs(t, err, ErrDisconnected)
}
