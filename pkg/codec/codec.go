// Package codec holds the wire encodings understood by the streaming channel.
//
// JSON is what the authority speaks and is the default. CBOR is available for
// deployments that front the authority with a binary-framed relay.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

type Marshaler interface {
	Marshal(v any) ([]byte, error)
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
}

// Codec encodes and decodes whole websocket messages.
type Codec interface {
	Marshaler
	Unmarshaler

	Name() string

	// Binary reports whether messages are sent as binary frames
	// rather than text frames.
	Binary() bool
}

const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameCBOR:
		return NewCBOR(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q, expected %q or %q", name, NameJSON, NameCBOR)
	}
}

type JSON struct{}

var _ Codec = JSON{}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func (JSON) Name() string { return NameJSON }

func (JSON) Binary() bool { return false }

type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec = (*CBOR)(nil)

func NewCBOR() *CBOR {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("BUG: canonical CBOR encoding options must always be valid: %v", err))
	}
	dec, err := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("BUG: CBOR decoding options must always be valid: %v", err))
	}
	return &CBOR{enc: enc, dec: dec}
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	return c.dec.Unmarshal(data, dst)
}

func (c *CBOR) Name() string { return NameCBOR }

func (c *CBOR) Binary() bool { return true }
