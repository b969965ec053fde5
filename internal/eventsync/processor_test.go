package eventsync

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/openvtt/tokensync/internal/tokenset"
	"github.com/openvtt/tokensync/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func strp(s string) *string   { return &s }
func f64p(f float64) *float64 { return &f }

func newTestProcessor(t *testing.T) (*Processor, *memDB, *recordingBroadcaster) {
	db := newMemDB()
	broadcaster := &recordingBroadcaster{}
	p := NewProcessor(db, db, db, broadcaster, zaptest.NewLogger(t))
	p.RegisterAggregator(tokenset.Aggregator{})
	return p, db, broadcaster
}

func changeEvent(t *testing.T, messageID string, change tokenset.TokenChange) wire.ClientSentEvent {
	t.Helper()
	payload, err := wire.Marshal(change)
	require.NoError(t, err)
	return wire.ClientSentEvent{
		MessageID: messageID,
		Category:  wire.CategoryTokenChange,
		Version:   wire.CurrentVersion,
		Payload:   payload,
	}
}

func TestProcessor_FirstEvent(t *testing.T) {
	p, db, broadcaster := newTestProcessor(t)
	ctx := context.Background()
	roomID := uuid.New()

	err := p.ProcessEvent(ctx, roomID, "alice", changeEvent(t, "a-1", tokenset.TokenChange{
		Kind:       tokenset.ChangeCreate,
		Label:      strp("Twilight"),
		EditOwners: []string{"alice"},
	}))
	require.NoError(t, err)

	// Event persisted with seq 1.
	event, err := db.GetBySequence(ctx, roomID, wire.CategoryTokenChange, 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", event.Source)

	// Aggregate materialized at watermark 1 with the token folded in.
	agg, err := db.Get(ctx, roomID, wire.CategoryTokenSet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.Watermark)
	value, err := wire.Unpack(agg.Payload, wire.CategoryTokenSet)
	require.NoError(t, err)
	var set tokenset.TokenSet
	require.NoError(t, wire.Unmarshal(value, &set))
	assert.Equal(t, "Twilight", set.Tokens[1].Label)

	// Broadcast carries seq 1 and the FIRST sentinel.
	events := broadcaster.all()
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].SequenceNumber)
	assert.Equal(t, wire.FirstSequence, events[0].PrevSequenceNumber)
	assert.Equal(t, "a-1", events[0].ClientMessageID)
	assert.Equal(t, "alice", events[0].Source)
}

func TestProcessor_SequenceAndPrevAdvance(t *testing.T) {
	p, _, broadcaster := newTestProcessor(t)
	ctx := context.Background()
	roomID := uuid.New()

	for i := 0; i < 3; i++ {
		err := p.ProcessEvent(ctx, roomID, "alice", changeEvent(t, uuid.NewString(), tokenset.TokenChange{
			Kind:       tokenset.ChangeCreate,
			EditOwners: []string{"alice"},
		}))
		require.NoError(t, err)
	}

	events := broadcaster.all()
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.SequenceNumber)
		assert.Equal(t, int64(i), ev.PrevSequenceNumber)
	}
}

func TestProcessor_UnauthorizedRollsBackAndStaysSilent(t *testing.T) {
	p, db, broadcaster := newTestProcessor(t)
	ctx := context.Background()
	roomID := uuid.New()

	err := p.ProcessEvent(ctx, roomID, "alice", changeEvent(t, "a-1", tokenset.TokenChange{
		Kind:       tokenset.ChangeCreate,
		EditOwners: []string{"alice"},
	}))
	require.NoError(t, err)

	// Bob is not an edit owner; his delete must not commit or broadcast.
	err = p.ProcessEvent(ctx, roomID, "bob", changeEvent(t, "b-1", tokenset.TokenChange{
		Kind:    tokenset.ChangeDelete,
		TokenID: 1,
	}))
	require.ErrorIs(t, err, tokenset.ErrUnauthorized)

	agg, err := db.Get(ctx, roomID, wire.CategoryTokenSet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.Watermark, "watermark unchanged after rejected write")
	assert.Len(t, broadcaster.all(), 1, "no broadcast for the rejected event")

	// The aborted allocation rolled back with its transaction, so the next
	// accepted event continues the stream without a duplicate.
	err = p.ProcessEvent(ctx, roomID, "alice", changeEvent(t, "a-2", tokenset.TokenChange{
		Kind:       tokenset.ChangeCreate,
		EditOwners: []string{"alice"},
	}))
	require.NoError(t, err)
	events := broadcaster.all()
	assert.Equal(t, int64(2), events[1].SequenceNumber)
}

func TestProcessor_UnknownCategory(t *testing.T) {
	p, _, broadcaster := newTestProcessor(t)

	err := p.ProcessEvent(context.Background(), uuid.New(), "alice", wire.ClientSentEvent{
		MessageID: "a-1",
		Category:  wire.Category("Bogus"),
		Version:   wire.CurrentVersion,
	})

	assert.ErrorIs(t, err, ErrUnknownCategory)
	assert.Empty(t, broadcaster.all())
}

func TestProcessor_DecodeFailureRollsBack(t *testing.T) {
	p, db, broadcaster := newTestProcessor(t)
	ctx := context.Background()
	roomID := uuid.New()

	err := p.ProcessEvent(ctx, roomID, "alice", wire.ClientSentEvent{
		MessageID: "a-1",
		Category:  wire.CategoryTokenChange,
		Version:   wire.CurrentVersion,
		Payload:   []byte{0xff, 0x00},
	})

	require.ErrorIs(t, err, wire.ErrDecode)
	assert.Empty(t, broadcaster.all())
	_, err = db.Get(ctx, roomID, wire.CategoryTokenSet)
	assert.Error(t, err, "no aggregate row should exist")
}

func TestProcessor_AggRequest(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	ctx := context.Background()
	roomID := uuid.New()

	// Unknown category.
	resp := p.ProcessAggRequest(ctx, roomID, wire.Category("Bogus"))
	assert.False(t, resp.Status)

	// Known category, zero events so far.
	resp = p.ProcessAggRequest(ctx, roomID, wire.CategoryTokenSet)
	assert.True(t, resp.Status)
	assert.Nil(t, resp.Data)

	// After one event the snapshot is served with its watermark.
	err := p.ProcessEvent(ctx, roomID, "alice", changeEvent(t, "a-1", tokenset.TokenChange{
		Kind:       tokenset.ChangeCreate,
		Label:      strp("Rock"),
		EditOwners: []string{"alice"},
	}))
	require.NoError(t, err)

	resp = p.ProcessAggRequest(ctx, roomID, wire.CategoryTokenSet)
	require.True(t, resp.Status)
	require.NotNil(t, resp.Data)
	assert.Equal(t, int64(1), resp.Data.Watermark)
	var set tokenset.TokenSet
	require.NoError(t, wire.Unmarshal(resp.Data.Payload, &set))
	assert.Equal(t, "Rock", set.Tokens[1].Label)
}

// TestProcessor_ConcurrentAppendersGetUniqueSequences drives many writers at
// one (room, category) stream and checks every broadcast sequence number is
// distinct and the final watermark equals the event count.
func TestProcessor_ConcurrentAppendersGetUniqueSequences(t *testing.T) {
	p, db, broadcaster := newTestProcessor(t)
	ctx := context.Background()
	roomID := uuid.New()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := p.ProcessEvent(ctx, roomID, "alice", changeEvent(t, uuid.NewString(), tokenset.TokenChange{
				Kind:       tokenset.ChangeCreate,
				EditOwners: []string{"alice"},
			}))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, ev := range broadcaster.all() {
		assert.False(t, seen[ev.SequenceNumber], "sequence %d repeated", ev.SequenceNumber)
		seen[ev.SequenceNumber] = true
	}
	assert.Len(t, seen, writers)

	agg, err := db.Get(ctx, roomID, wire.CategoryTokenSet)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), agg.Watermark)
}

func TestProcessor_RoomsAreIndependentStreams(t *testing.T) {
	p, _, broadcaster := newTestProcessor(t)
	ctx := context.Background()
	roomA, roomB := uuid.New(), uuid.New()

	for _, room := range []uuid.UUID{roomA, roomB} {
		err := p.ProcessEvent(ctx, room, "alice", changeEvent(t, uuid.NewString(), tokenset.TokenChange{
			Kind:       tokenset.ChangeCreate,
			EditOwners: []string{"alice"},
		}))
		require.NoError(t, err)
	}

	for _, ev := range broadcaster.all() {
		assert.Equal(t, int64(1), ev.SequenceNumber, "each room starts its own stream at 1")
	}
}
