package eventsync

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/openvtt/tokensync/internal/models"
	"github.com/openvtt/tokensync/internal/repositories"
	"github.com/openvtt/tokensync/internal/wire"
)

// memDB is an in-memory stand-in for the postgres event and aggregate stores.
// InTx serializes whole transactions under one lock (the moral equivalent of
// the per-stream row lock) and restores a snapshot when the body fails, so
// rollback semantics hold in tests.
type memDB struct {
	mu       sync.Mutex
	counters map[streamKey]int64
	events   map[streamKey][]*models.Event
	aggs     map[streamKey]*models.EventAggregate
}

type streamKey struct {
	room     uuid.UUID
	category wire.Category
}

func newMemDB() *memDB {
	return &memDB{
		counters: map[streamKey]int64{},
		events:   map[streamKey][]*models.Event{},
		aggs:     map[streamKey]*models.EventAggregate{},
	}
}

func (d *memDB) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	counters := make(map[streamKey]int64, len(d.counters))
	for k, v := range d.counters {
		counters[k] = v
	}
	events := make(map[streamKey][]*models.Event, len(d.events))
	for k, v := range d.events {
		events[k] = append([]*models.Event(nil), v...)
	}
	aggs := make(map[streamKey]*models.EventAggregate, len(d.aggs))
	for k, v := range d.aggs {
		clone := *v
		aggs[k] = &clone
	}

	if err := fn(nil); err != nil {
		d.counters, d.events, d.aggs = counters, events, aggs
		return err
	}
	return nil
}

func (d *memDB) Append(ctx context.Context, tx pgx.Tx, roomID uuid.UUID, category wire.Category, source string, payload []byte) (*models.Event, error) {
	k := streamKey{roomID, category}
	d.counters[k]++
	event := &models.Event{
		ID:             uuid.New(),
		RoomID:         roomID,
		Category:       category,
		SequenceNumber: d.counters[k],
		Source:         source,
		Payload:        payload,
	}
	d.events[k] = append(d.events[k], event)
	return event, nil
}

func (d *memDB) GetBySequence(ctx context.Context, roomID uuid.UUID, category wire.Category, seq int64) (*models.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.events[streamKey{roomID, category}] {
		if e.SequenceNumber == seq {
			return e, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (d *memDB) ListSince(ctx context.Context, roomID uuid.UUID, category wire.Category, afterSeq int64, limit int) ([]*models.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*models.Event
	for _, e := range d.events[streamKey{roomID, category}] {
		if e.SequenceNumber > afterSeq {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (d *memDB) GetForUpdate(ctx context.Context, tx pgx.Tx, roomID uuid.UUID, category wire.Category) (*models.EventAggregate, error) {
	agg, ok := d.aggs[streamKey{roomID, category}]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := *agg
	return &clone, nil
}

func (d *memDB) Create(ctx context.Context, tx pgx.Tx, agg *models.EventAggregate) error {
	clone := *agg
	d.aggs[streamKey{agg.RoomID, agg.Category}] = &clone
	return nil
}

func (d *memDB) Update(ctx context.Context, tx pgx.Tx, agg *models.EventAggregate) error {
	k := streamKey{agg.RoomID, agg.Category}
	current, ok := d.aggs[k]
	if !ok || agg.Watermark <= current.Watermark {
		return repositories.ErrStaleWatermark
	}
	clone := *agg
	d.aggs[k] = &clone
	return nil
}

func (d *memDB) Get(ctx context.Context, roomID uuid.UUID, category wire.Category) (*models.EventAggregate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agg, ok := d.aggs[streamKey{roomID, category}]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := *agg
	return &clone, nil
}

// recordingBroadcaster collects committed server events.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []wire.ServerSentEvent
	fanout []func(wire.ServerSentEvent)
}

func (b *recordingBroadcaster) BroadcastToRoom(ctx context.Context, roomID uuid.UUID, event wire.ServerSentEvent) {
	b.mu.Lock()
	b.events = append(b.events, event)
	fanout := append([]func(wire.ServerSentEvent){}, b.fanout...)
	b.mu.Unlock()
	for _, fn := range fanout {
		fn(event)
	}
}

func (b *recordingBroadcaster) all() []wire.ServerSentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.ServerSentEvent(nil), b.events...)
}
