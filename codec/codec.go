// Package codec implements the self-describing typed serializer that
// sits underneath the framed stream (protocol.SendTyped/ReceiveTyped).
//
// "Self-describing" here means the encoded bytes carry enough type
// information for the receiver to reconstruct the original value without
// out-of-band schema — encoding/gob satisfies this natively for any
// concrete type reachable from a registered interface value, which is
// exactly what's needed to carry an opaque argument vector on Request and
// Response. JSON was considered and rejected: JSON needs a side-channel
// type tag to reconstruct an `any` argument, defeating "self-describing".
package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Codec encodes a Go value to bytes and decodes bytes back into a Go value.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// GobCodec is the sole Codec implementation. Values placed into a
// Request's Args or a Response's Result must have their concrete type
// registered with Register before they can round-trip through Encode.
type GobCodec struct{}

func (GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("codec: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("codec: gob decode: %w", err)
	}
	return nil
}

// Register makes a concrete type usable as the dynamic type of an `any`
// field (message.Request.Args, message.Response.Result) carried through
// GobCodec. It must be called once per concrete type, on both peers,
// before that type appears on the wire — the same requirement gob itself
// imposes on gob.Register.
func Register(value any) {
	gob.Register(value)
}

// Default is the codec instance used by the protocol package unless a
// runtime overrides it.
var Default Codec = GobCodec{}

// gob requires every concrete type that will ever occupy an interface
// field (Request.Args, Response.Result) to be registered up front. The
// common scalar shapes are covered here so callers only need Register
// for their own argument/result struct types.
func init() {
	for _, v := range []any{
		int(0), int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0), bool(false), string(""), []byte(nil),
		[]any(nil), map[string]any(nil),
	} {
		gob.Register(v)
	}
}
