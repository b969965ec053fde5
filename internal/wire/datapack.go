package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CurrentVersion is the schema version stamped on every payload this build
// encodes. Decoders reject versions they do not understand.
const CurrentVersion = 1

// ErrDecode is wrapped by every payload decoding failure.
var ErrDecode = errors.New("decode error")

// DataPack is the canonical envelope for binary event and aggregate payloads.
// Data is a CBOR document whose struct fields carry numeric keys (keyasint),
// so the encoding stays compact and field names can change without breaking
// the wire.
type DataPack struct {
	Category Category `cbor:"1,keyasint"`
	Version  int      `cbor:"2,keyasint"`
	Data     []byte   `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the package's deterministic CBOR mode.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v, wrapping failures in ErrDecode.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// Pack wraps an already-encoded payload in a DataPack and encodes the result.
func Pack(category Category, data []byte) ([]byte, error) {
	return Marshal(DataPack{Category: category, Version: CurrentVersion, Data: data})
}

// Unpack decodes a DataPack and verifies its category and version.
func Unpack(raw []byte, want Category) ([]byte, error) {
	var pack DataPack
	if err := Unmarshal(raw, &pack); err != nil {
		return nil, err
	}
	if pack.Category != want {
		return nil, fmt.Errorf("%w: unexpected category %q", ErrDecode, pack.Category)
	}
	if pack.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecode, pack.Version)
	}
	return pack.Data, nil
}
