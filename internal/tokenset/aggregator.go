package tokenset

import (
	"errors"
	"fmt"

	"github.com/openvtt/tokensync/internal/wire"
)

var (
	ErrUnknownChangeType = errors.New("unknown change type")
	ErrDuplicateID       = errors.New("duplicate token id")
	ErrTooManyEditOwners = fmt.Errorf("more than %d edit owners", MaxEditOwners)
	ErrUnauthorized      = errors.New("acting user is not an edit owner")
)

// Apply is the pure reducer: it folds one change event into the aggregate and
// returns the new value, never mutating its input. It must be deterministic;
// the server and every client run the same fold and must land on the same
// state.
func Apply(current TokenSet, change TokenChange, actingUser string) (TokenSet, error) {
	switch change.Kind {
	case ChangeCreate:
		return applyCreate(current, change)
	case ChangeUpdate:
		return applyUpdate(current, change, actingUser)
	case ChangeDelete:
		return applyDelete(current, change, actingUser)
	default:
		return TokenSet{}, fmt.Errorf("%w: %d", ErrUnknownChangeType, change.Kind)
	}
}

func applyCreate(current TokenSet, change TokenChange) (TokenSet, error) {
	if len(change.EditOwners) > MaxEditOwners {
		return TokenSet{}, ErrTooManyEditOwners
	}
	next := current.Clone()
	id := next.NextTokenID
	if _, exists := next.Tokens[id]; exists {
		// The id counter and the token map disagree; the aggregate is corrupt.
		return TokenSet{}, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	tok := Token{ID: id, EditOwners: append([]string(nil), change.EditOwners...)}
	if change.Label != nil {
		tok.Label = *change.Label
	}
	if change.URL != nil {
		tok.URL = *change.URL
	}
	if change.X != nil {
		tok.X = *change.X
	}
	if change.Y != nil {
		tok.Y = *change.Y
	}
	if change.Z != nil {
		tok.Z = *change.Z
	}
	if change.Width != nil {
		tok.Width = *change.Width
	}
	if change.Height != nil {
		tok.Height = *change.Height
	}
	next.Tokens[id] = tok
	next.NextTokenID++
	return next, nil
}

func applyUpdate(current TokenSet, change TokenChange, actingUser string) (TokenSet, error) {
	tok, ok := current.Tokens[change.TokenID]
	if !ok {
		// Benign race: the token was deleted before this update arrived.
		return current, nil
	}
	if !tok.CanEdit(actingUser) {
		return TokenSet{}, fmt.Errorf("%w: %q on token %d", ErrUnauthorized, actingUser, change.TokenID)
	}
	if len(change.EditOwners) > MaxEditOwners {
		return TokenSet{}, ErrTooManyEditOwners
	}
	next := current.Clone()
	tok = next.Tokens[change.TokenID]
	if change.Label != nil {
		tok.Label = *change.Label
	}
	if change.URL != nil {
		tok.URL = *change.URL
	}
	if change.EditOwners != nil {
		tok.EditOwners = append([]string(nil), change.EditOwners...)
	}
	if change.X != nil {
		tok.X = *change.X
	}
	if change.Y != nil {
		tok.Y = *change.Y
	}
	if change.Z != nil {
		tok.Z = *change.Z
	}
	if change.Width != nil {
		tok.Width = *change.Width
	}
	if change.Height != nil {
		tok.Height = *change.Height
	}
	next.Tokens[change.TokenID] = tok
	return next, nil
}

func applyDelete(current TokenSet, change TokenChange, actingUser string) (TokenSet, error) {
	tok, ok := current.Tokens[change.TokenID]
	if !ok {
		return current, nil
	}
	if !tok.CanEdit(actingUser) {
		return TokenSet{}, fmt.Errorf("%w: %q on token %d", ErrUnauthorized, actingUser, change.TokenID)
	}
	next := current.Clone()
	delete(next.Tokens, change.TokenID)
	return next, nil
}

// Aggregator adapts the typed reducer to the byte-level contract the event
// processor and the client engine share: payloads stay encoded at rest and
// are only decoded around the fold.
type Aggregator struct{}

func (Aggregator) AggCategory() wire.Category   { return wire.CategoryTokenSet }
func (Aggregator) EventCategory() wire.Category { return wire.CategoryTokenChange }

// Zero returns the encoded empty aggregate.
func (Aggregator) Zero() ([]byte, error) {
	return wire.Marshal(Zero())
}

// Agg decodes current (nil means the zero aggregate) and the change payload,
// folds, and re-encodes. No I/O.
func (Aggregator) Agg(current, change []byte, actingUser string) ([]byte, error) {
	set := Zero()
	if current != nil {
		if err := wire.Unmarshal(current, &set); err != nil {
			return nil, err
		}
		if set.Tokens == nil {
			set.Tokens = map[int64]Token{}
		}
	}
	var ch TokenChange
	if err := wire.Unmarshal(change, &ch); err != nil {
		return nil, err
	}
	next, err := Apply(set, ch, actingUser)
	if err != nil {
		return nil, err
	}
	return wire.Marshal(next)
}
