package tokenset

// ChangeKind identifies the mutation a TokenChange carries.
type ChangeKind uint8

const (
	ChangeCreate ChangeKind = 1
	ChangeUpdate ChangeKind = 2
	ChangeDelete ChangeKind = 3
)

// TokenChange is the change-event payload for the token-set category.
//
// Update semantics are per-field: a nil pointer means "keep the current
// value", a non-nil pointer replaces it, so a coordinate can be set to
// exactly 0. A nil EditOwners keeps the current owner list; a non-nil one
// replaces it wholesale.
type TokenChange struct {
	Kind       ChangeKind `cbor:"1,keyasint"`
	TokenID    int64      `cbor:"2,keyasint,omitempty"`
	Label      *string    `cbor:"3,keyasint,omitempty"`
	URL        *string    `cbor:"4,keyasint,omitempty"`
	EditOwners []string   `cbor:"5,keyasint,omitempty"`
	X          *float64   `cbor:"6,keyasint,omitempty"`
	Y          *float64   `cbor:"7,keyasint,omitempty"`
	Z          *float64   `cbor:"8,keyasint,omitempty"`
	Width      *float64   `cbor:"9,keyasint,omitempty"`
	Height     *float64   `cbor:"10,keyasint,omitempty"`
}
