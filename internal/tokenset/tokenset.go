// Package tokenset implements the token-set aggregate: a map of positioned,
// labeled tokens owned by the users allowed to edit them, reduced from a
// stream of token change events.
package tokenset

// MaxEditOwners caps the editOwners list on a single token.
const MaxEditOwners = 10

// Token is one shared object on the board.
type Token struct {
	ID         int64    `cbor:"1,keyasint"`
	Label      string   `cbor:"2,keyasint,omitempty"`
	URL        string   `cbor:"3,keyasint,omitempty"`
	EditOwners []string `cbor:"4,keyasint,omitempty"`
	X          float64  `cbor:"5,keyasint,omitempty"`
	Y          float64  `cbor:"6,keyasint,omitempty"`
	Z          float64  `cbor:"7,keyasint,omitempty"`
	Width      float64  `cbor:"8,keyasint,omitempty"`
	Height     float64  `cbor:"9,keyasint,omitempty"`
}

// CanEdit reports whether user may update or delete the token.
func (t Token) CanEdit(user string) bool {
	for _, owner := range t.EditOwners {
		if owner == user {
			return true
		}
	}
	return false
}

// TokenSet is the aggregate value. Token ids are assigned sequentially from
// NextTokenID and never reused, even after deletion.
type TokenSet struct {
	NextTokenID int64           `cbor:"1,keyasint"`
	Tokens      map[int64]Token `cbor:"2,keyasint,omitempty"`
}

// Zero returns the empty aggregate, used both as the fold seed and as the
// bootstrap value before any event exists.
func Zero() TokenSet {
	return TokenSet{NextTokenID: 1, Tokens: map[int64]Token{}}
}

// Clone returns a deep copy. Reducers never mutate their input.
func (s TokenSet) Clone() TokenSet {
	out := TokenSet{NextTokenID: s.NextTokenID, Tokens: make(map[int64]Token, len(s.Tokens))}
	for id, tok := range s.Tokens {
		owners := make([]string, len(tok.EditOwners))
		copy(owners, tok.EditOwners)
		tok.EditOwners = owners
		out.Tokens[id] = tok
	}
	return out
}
