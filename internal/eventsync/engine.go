package eventsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openvtt/tokensync/internal/wire"
	"go.uber.org/zap"
)

// EngineState is the client reconciliation state.
type EngineState int

const (
	// StateSynced: the local view matches everything the server has broadcast.
	StateSynced EngineState = iota
	// StateAwaitingAck: self-sent events are outstanding; the local view runs
	// ahead of the confirmed base optimistically.
	StateAwaitingAck
	// StateDesynced: consistency with the server stream was lost and a full
	// snapshot resync is in progress.
	StateDesynced
)

func (s EngineState) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateDesynced:
		return "desynced"
	default:
		return "unknown"
	}
}

// Transport is the engine's view of the connection to the server.
type Transport interface {
	// SendEvent transmits a client event, fire-and-forget.
	SendEvent(event wire.ClientSentEvent) error
	// RequestAggregates asks for current snapshots of the given aggregate
	// categories (the bootstrap/full-resync request).
	RequestAggregates(ctx context.Context, categories []wire.Category) (map[wire.Category]wire.AggResponse, error)
	// Connected reports whether the channel is currently usable.
	Connected() bool
}

// MaxOutstanding is the bound on unacknowledged self-sent events before the
// engine assumes it has desynced.
const MaxOutstanding = 2

// DefaultResyncBackoff is the delay between failed snapshot fetch attempts.
const DefaultResyncBackoff = 3 * time.Second

type pendingDelta struct {
	messageID string
	category  wire.Category // event category
	payload   []byte
}

// Engine is the client-side reconciliation state machine. It tracks
// outstanding self-sent events, applies inbound server events to local
// aggregate copies through the same reducers the server runs, detects
// desynchronization, and drives full-resync recovery.
//
// All inbound server events must be handed to HandleServerEvent in arrival
// order; the gap check against the watermark is only meaningful under
// in-order processing. The engine serializes internally, so the transport's
// read loop can call it directly.
type Engine struct {
	mu sync.Mutex

	transport Transport
	logger    *zap.Logger
	username  string

	aggregators map[wire.Category]Aggregator // keyed by event category
	categories  []wire.Category              // aggregate categories, fetch order

	// messageId = prefix + "-" + counter; prefix is unique per session so
	// echoes of our own events are recognizable across every room member.
	prefix  string
	counter uint64

	state     EngineState
	watermark int64

	base    map[wire.Category][]byte // confirmed aggregate bytes, by aggregate category
	view    map[wire.Category][]byte // base plus unconfirmed deltas
	pending []pendingDelta

	listeners []func(category wire.Category, payload []byte)

	resyncBackoff time.Duration
	resyncGen     uint64
}

func NewEngine(transport Transport, username string, logger *zap.Logger, aggregators ...Aggregator) *Engine {
	e := &Engine{
		transport:     transport,
		logger:        logger,
		username:      username,
		aggregators:   map[wire.Category]Aggregator{},
		prefix:        uuid.New().String(),
		state:         StateSynced,
		watermark:     wire.FirstSequence,
		base:          map[wire.Category][]byte{},
		view:          map[wire.Category][]byte{},
		resyncBackoff: DefaultResyncBackoff,
	}
	for _, agg := range aggregators {
		e.aggregators[agg.EventCategory()] = agg
		e.categories = append(e.categories, agg.AggCategory())
	}
	return e
}

// OnAggregateChanged registers a listener invoked whenever a local aggregate
// view changes. Listeners run under the engine lock; keep them cheap and do
// not call back into the engine from one.
func (e *Engine) OnAggregateChanged(fn func(category wire.Category, payload []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Watermark returns the highest sequence number the engine knows about.
func (e *Engine) Watermark() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watermark
}

// View returns the current local value (confirmed base plus optimistic
// deltas) for an aggregate category.
func (e *Engine) View(category wire.Category) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view[category]
}

// Send validates a change against the local view, applies it optimistically,
// and transmits it. Invalid mutations (unauthorized, structurally broken) are
// rejected locally and never reach the wire.
func (e *Engine) Send(category wire.Category, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	agg, ok := e.aggregators[category]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	if e.state == StateDesynced {
		return fmt.Errorf("resync in progress, mutation dropped")
	}

	next, err := agg.Agg(e.view[agg.AggCategory()], payload, e.username)
	if err != nil {
		e.logger.Warn("rejected local mutation before send", zap.Error(err))
		return err
	}

	e.counter++
	event := wire.ClientSentEvent{
		MessageID: fmt.Sprintf("%s-%d", e.prefix, e.counter),
		Category:  category,
		Version:   wire.CurrentVersion,
		Payload:   payload,
	}
	if err := e.transport.SendEvent(event); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}

	e.pending = append(e.pending, pendingDelta{messageID: event.MessageID, category: category, payload: payload})
	e.view[agg.AggCategory()] = next
	e.state = StateAwaitingAck
	e.notify(agg.AggCategory(), next)
	return nil
}

// HandleServerEvent ingests one broadcast from the server, in arrival order.
func (e *Engine) HandleServerEvent(event wire.ServerSentEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateDesynced {
		// The snapshot we are fetching is newer than this event; the
		// post-resync gap check catches anything committed after it.
		e.logger.Debug("dropping event during resync", zap.Int64("seq", event.SequenceNumber))
		return
	}

	agg, ok := e.aggregators[event.Category]
	if !ok {
		e.logger.Warn("server event with unknown category", zap.String("category", string(event.Category)))
		return
	}
	if event.Version != wire.CurrentVersion {
		// Protocol/version mismatch: the data model contract was violated.
		e.logger.Error("server event with unsupported version",
			zap.Int("version", event.Version),
			zap.Int64("seq", event.SequenceNumber))
		return
	}

	if event.SequenceNumber <= e.watermark {
		// Duplicate delivery on an at-least-once channel. Every sequence folds
		// into the base exactly once; anything at or below the watermark
		// already did.
		e.logger.Debug("dropping duplicate event",
			zap.Int64("seq", event.SequenceNumber),
			zap.Int64("watermark", e.watermark))
		return
	}
	if event.PrevSequenceNumber > e.watermark {
		gen := e.desyncLocked(fmt.Sprintf("sequence gap: prev=%d watermark=%d", event.PrevSequenceNumber, e.watermark))
		go e.runResync(context.Background(), gen)
		return
	}
	if idx := e.pendingIndex(event.ClientMessageID); idx >= 0 {
		// Authoritative echo of our own event: fold into the confirmed base
		// but do not re-apply to the view, which already has it.
		e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
		if !e.applyToBase(agg, event.Payload, event.Source) {
			return
		}
		e.watermark = event.SequenceNumber
		if len(e.pending) == 0 {
			e.state = StateSynced
		}
		// The view is rebuilt from base so that reordering against other
		// writers' events resolves the same way it did on the server.
		e.rebuildView(agg)
		return
	}

	// Another writer's event. If the server is making progress while our own
	// sends pile up unacknowledged, it has likely dropped them; give up on
	// the optimistic state and refetch.
	if len(e.pending) > MaxOutstanding {
		gen := e.desyncLocked(fmt.Sprintf("%d events outstanding without acknowledgment", len(e.pending)))
		go e.runResync(context.Background(), gen)
		return
	}

	if !e.applyToBase(agg, event.Payload, event.Source) {
		return
	}
	e.watermark = event.SequenceNumber
	e.rebuildView(agg)
}

func (e *Engine) pendingIndex(messageID string) int {
	if messageID == "" || !strings.HasPrefix(messageID, e.prefix) {
		return -1
	}
	for i, d := range e.pending {
		if d.messageID == messageID {
			return i
		}
	}
	return -1
}

// applyToBase folds an authoritative event into the confirmed aggregate. A
// reducer error here means our base disagrees with the server's; resync.
func (e *Engine) applyToBase(agg Aggregator, payload []byte, source string) bool {
	next, err := agg.Agg(e.base[agg.AggCategory()], payload, source)
	if err != nil {
		gen := e.desyncLocked(fmt.Sprintf("failed to apply server event: %v", err))
		go e.runResync(context.Background(), gen)
		return false
	}
	e.base[agg.AggCategory()] = next
	return true
}

// rebuildView recomputes view = base + pending deltas for one aggregate
// category. Deltas that no longer apply (their target was deleted by another
// writer, say) are dropped with a warning; the server will refuse them too.
func (e *Engine) rebuildView(agg Aggregator) {
	cat := agg.AggCategory()
	value := e.base[cat]
	kept := e.pending[:0]
	for _, d := range e.pending {
		da, ok := e.aggregators[d.category]
		if !ok || da.AggCategory() != cat {
			kept = append(kept, d)
			continue
		}
		next, err := da.Agg(value, d.payload, e.username)
		if err != nil {
			e.logger.Warn("dropping optimistic delta that no longer applies",
				zap.String("message_id", d.messageID), zap.Error(err))
			continue
		}
		value = next
		kept = append(kept, d)
	}
	e.pending = kept
	e.view[cat] = value
	e.notify(cat, value)
}

func (e *Engine) notify(category wire.Category, payload []byte) {
	for _, fn := range e.listeners {
		fn(category, payload)
	}
}

// Bootstrap installs snapshots already in hand, such as the initial state
// returned when joining a room, without a fetch round trip.
func (e *Engine) Bootstrap(responses map[wire.Category]wire.AggResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resyncGen++ // supersede any fetch in flight
	e.pending = nil
	e.installSnapshots(responses)
}

// Resync forces a full snapshot refetch, synchronously. Used for the initial
// bootstrap after joining a room and after reconnects.
func (e *Engine) Resync(ctx context.Context) {
	e.mu.Lock()
	gen := e.desyncLocked("explicit resync")
	e.mu.Unlock()
	e.runResync(ctx, gen)
}

// desyncLocked discards all optimistic and confirmed local state and claims a
// new resync generation, superseding any fetch already in flight. The caller
// holds the lock and starts runResync with the returned generation.
func (e *Engine) desyncLocked(reason string) uint64 {
	e.logger.Warn("desynced from server stream", zap.String("reason", reason))
	e.state = StateDesynced
	e.pending = nil
	e.base = map[wire.Category][]byte{}
	e.view = map[wire.Category][]byte{}
	e.resyncGen++
	return e.resyncGen
}

// runResync fetches snapshots until one attempt succeeds, retrying on a fixed
// backoff while the transport stays connected. A fetch superseded by a newer
// desync detection discards its result.
func (e *Engine) runResync(ctx context.Context, gen uint64) {
	for {
		if !e.transport.Connected() {
			e.logger.Warn("abandoning resync: transport disconnected")
			return
		}

		responses, err := e.transport.RequestAggregates(ctx, e.categories)
		if err == nil {
			e.mu.Lock()
			if gen != e.resyncGen {
				e.mu.Unlock()
				return // a newer desync owns recovery now
			}
			e.installSnapshots(responses)
			e.mu.Unlock()
			return
		}

		e.logger.Warn("snapshot fetch failed, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.resyncBackoff):
		}
	}
}

// installSnapshots replaces all local aggregate state with fetched snapshots
// and recomputes the watermark as the maximum across them (FirstSequence if
// none exist yet). Caller holds the lock.
func (e *Engine) installSnapshots(responses map[wire.Category]wire.AggResponse) {
	e.base = map[wire.Category][]byte{}
	e.view = map[wire.Category][]byte{}
	e.watermark = wire.FirstSequence

	for _, category := range e.categories {
		resp, ok := responses[category]
		if !ok || !resp.Status {
			e.logger.Error("server rejected snapshot request", zap.String("category", string(category)))
			continue
		}
		if resp.Data == nil {
			// Known category, zero events so far. Listeners still hear about
			// the now-empty view, or stale local renders would survive the
			// resync.
			e.notify(category, nil)
			continue
		}
		e.base[category] = resp.Data.Payload
		e.view[category] = resp.Data.Payload
		if resp.Data.Watermark > e.watermark {
			e.watermark = resp.Data.Watermark
		}
		e.notify(category, resp.Data.Payload)
	}

	e.state = StateSynced
	e.logger.Info("resynced", zap.Int64("watermark", e.watermark))
}
