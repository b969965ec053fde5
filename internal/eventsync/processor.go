package eventsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openvtt/tokensync/internal/models"
	"github.com/openvtt/tokensync/internal/repositories"
	"github.com/openvtt/tokensync/internal/wire"
	"go.uber.org/zap"
)

// ErrUnknownCategory is returned for events or snapshot requests whose
// category has no registered handler.
var ErrUnknownCategory = errors.New("unknown category")

// Broadcaster delivers a committed ServerSentEvent to every connection joined
// to the room. Called only after the enclosing transaction commits.
type Broadcaster interface {
	BroadcastToRoom(ctx context.Context, roomID uuid.UUID, event wire.ServerSentEvent)
}

// Handler processes one client event for a category. It reports whether it
// handled the event; processing stops at the first handler that does.
type Handler func(ctx context.Context, roomID uuid.UUID, actingUser string, event wire.ClientSentEvent) (bool, error)

// TxRunner begins and finishes the transaction a handler runs in. Tests
// substitute an in-memory implementation.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// PoolTxRunner runs transactions on a pgx pool.
type PoolTxRunner struct {
	Pool *pgxpool.Pool
}

func (r PoolTxRunner) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Processor is the server-side orchestrator: it dispatches client events by
// category through a handler chain, persists event plus aggregate in one
// transaction, and broadcasts the resulting server event to the room.
type Processor struct {
	db          TxRunner
	events      repositories.EventRepository
	aggregates  repositories.AggregateRepository
	broadcaster Broadcaster
	logger      *zap.Logger

	handlers    map[wire.Category][]Handler
	aggregators map[wire.Category]Aggregator // keyed by aggregate category
}

func NewProcessor(db TxRunner, events repositories.EventRepository, aggregates repositories.AggregateRepository, broadcaster Broadcaster, logger *zap.Logger) *Processor {
	return &Processor{
		db:          db,
		events:      events,
		aggregates:  aggregates,
		broadcaster: broadcaster,
		logger:      logger,
		handlers:    map[wire.Category][]Handler{},
		aggregators: map[wire.Category]Aggregator{},
	}
}

// RegisterAggregator wires a reducer into the dispatch table: its event
// category gets the standard persist-fold-broadcast handler and its aggregate
// category becomes servable via ProcessAggRequest.
func (p *Processor) RegisterAggregator(agg Aggregator) {
	p.aggregators[agg.AggCategory()] = agg
	p.Register(agg.EventCategory(), p.aggregateHandler(agg))
}

// Register appends a handler to the chain for a category. The dispatch table
// is built at startup; registration is not safe once ProcessEvent is being
// called.
func (p *Processor) Register(category wire.Category, h Handler) {
	p.handlers[category] = append(p.handlers[category], h)
}

// ProcessEvent dispatches one client event. Errors abort the event's
// transaction and are logged; the originating client gets no structured
// rejection and recovers through desync detection.
func (p *Processor) ProcessEvent(ctx context.Context, roomID uuid.UUID, actingUser string, event wire.ClientSentEvent) error {
	chain, ok := p.handlers[event.Category]
	if !ok {
		p.logger.Warn("dropping event with unknown category",
			zap.String("category", string(event.Category)),
			zap.String("room_id", roomID.String()),
			zap.String("message_id", event.MessageID))
		return fmt.Errorf("%w: %q", ErrUnknownCategory, event.Category)
	}

	for _, h := range chain {
		handled, err := h(ctx, roomID, actingUser, event)
		if err != nil {
			p.logger.Error("event processing failed",
				zap.String("category", string(event.Category)),
				zap.String("room_id", roomID.String()),
				zap.String("message_id", event.MessageID),
				zap.String("acting_user", actingUser),
				zap.Error(err))
			return err
		}
		if handled {
			return nil
		}
	}

	p.logger.Warn("no handler claimed event",
		zap.String("category", string(event.Category)),
		zap.String("room_id", roomID.String()))
	return nil
}

// aggregateHandler builds the one-transaction persist path for a reducer:
// append event, lock (or create) the aggregate row, fold, write the advanced
// watermark, then broadcast after commit.
func (p *Processor) aggregateHandler(agg Aggregator) Handler {
	return func(ctx context.Context, roomID uuid.UUID, actingUser string, event wire.ClientSentEvent) (bool, error) {
		if event.Version != wire.CurrentVersion {
			return false, fmt.Errorf("%w: unsupported event version %d", wire.ErrDecode, event.Version)
		}

		var out wire.ServerSentEvent
		err := p.db.InTx(ctx, func(tx pgx.Tx) error {
			stored, err := wire.Pack(agg.EventCategory(), event.Payload)
			if err != nil {
				return err
			}
			persisted, err := p.events.Append(ctx, tx, roomID, agg.EventCategory(), actingUser, stored)
			if err != nil {
				return err
			}

			current, err := p.aggregates.GetForUpdate(ctx, tx, roomID, agg.AggCategory())
			var currentValue []byte
			switch {
			case errors.Is(err, repositories.ErrNotFound):
				currentValue = nil // first event: fold onto zero
			case err != nil:
				return err
			default:
				currentValue, err = wire.Unpack(current.Payload, agg.AggCategory())
				if err != nil {
					return err
				}
			}

			next, err := agg.Agg(currentValue, event.Payload, actingUser)
			if err != nil {
				return err
			}
			nextStored, err := wire.Pack(agg.AggCategory(), next)
			if err != nil {
				return err
			}

			row := &models.EventAggregate{
				RoomID:    roomID,
				Category:  agg.AggCategory(),
				Watermark: persisted.SequenceNumber,
				Payload:   nextStored,
			}
			if current == nil {
				if err := p.aggregates.Create(ctx, tx, row); err != nil {
					return err
				}
			} else {
				if err := p.aggregates.Update(ctx, tx, row); err != nil {
					return err
				}
			}

			out = wire.ServerSentEvent{
				SequenceNumber:     persisted.SequenceNumber,
				PrevSequenceNumber: persisted.SequenceNumber - 1, // FirstSequence when this is seq 1
				ClientMessageID:    event.MessageID,
				Source:             actingUser,
				Category:           event.Category,
				Version:            event.Version,
				Payload:            event.Payload,
			}
			return nil
		})
		if err != nil {
			return false, err
		}

		p.broadcaster.BroadcastToRoom(ctx, roomID, out)
		return true, nil
	}
}

// ProcessAggRequest serves a read-only snapshot of the current aggregate for
// client bootstrap. No lock is taken; the snapshot is whatever the last
// committed transaction left behind.
func (p *Processor) ProcessAggRequest(ctx context.Context, roomID uuid.UUID, category wire.Category) wire.AggResponse {
	agg, ok := p.aggregators[category]
	if !ok {
		return wire.AggResponse{Status: false}
	}

	row, err := p.aggregates.Get(ctx, roomID, category)
	if errors.Is(err, repositories.ErrNotFound) {
		// Category is known but no event has ever been folded.
		return wire.AggResponse{Status: true, Data: nil}
	}
	if err != nil {
		p.logger.Error("failed to read aggregate snapshot",
			zap.String("category", string(category)),
			zap.String("room_id", roomID.String()),
			zap.Error(err))
		return wire.AggResponse{Status: false}
	}

	value, err := wire.Unpack(row.Payload, agg.AggCategory())
	if err != nil {
		p.logger.Error("stored aggregate payload is corrupt",
			zap.String("category", string(category)),
			zap.String("room_id", roomID.String()),
			zap.Error(err))
		return wire.AggResponse{Status: false}
	}

	return wire.AggResponse{Status: true, Data: &wire.ServerSentAgg{
		Watermark: row.Watermark,
		Category:  row.Category,
		Version:   wire.CurrentVersion,
		Payload:   value,
	}}
}

// Categories lists the aggregate categories with registered reducers.
func (p *Processor) Categories() []wire.Category {
	out := make([]wire.Category, 0, len(p.aggregators))
	for c := range p.aggregators {
		out = append(out, c)
	}
	return out
}
