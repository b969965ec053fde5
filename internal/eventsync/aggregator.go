package eventsync

import "github.com/openvtt/tokensync/internal/wire"

// Aggregator is the pure reducer contract, generic over aggregate category.
// Implementations fold one encoded change event into an encoded aggregate
// value and must be deterministic and free of I/O: the server and every
// client run the same fold and must land on identical state.
//
// A nil current value means the aggregate does not exist yet and the fold
// starts from Zero.
type Aggregator interface {
	// AggCategory tags the materialized aggregate this reducer produces.
	AggCategory() wire.Category
	// EventCategory tags the change events this reducer consumes.
	EventCategory() wire.Category
	// Zero returns the encoded empty aggregate value.
	Zero() ([]byte, error)
	// Agg applies one change event on behalf of actingUser.
	Agg(current, change []byte, actingUser string) ([]byte, error)
}
