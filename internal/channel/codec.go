package channel

import (
	"fmt"

	"github.com/bytedance/sonic"

	"yqhp/grid-engine/pkg/types"
)

// Encode serializes an envelope payload.
func Encode(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// Decode deserializes data into v.
func Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// EncodeEnvelope wraps v in a typed frame for multiplexed transports.
func EncodeEnvelope(typ types.EnvelopeType, v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return sonic.Marshal(&types.Envelope{Type: typ, Data: data})
}

// DecodeEnvelope parses a frame. The payload is left raw for the caller.
func DecodeEnvelope(data []byte) (*types.Envelope, error) {
	var env types.Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &env, nil
}

// roundTrip copies a message through the wire codec so in-process
// transports never share memory between sender and receiver.
func roundTrip[T any](in *T) (*T, error) {
	data, err := Encode(in)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := Decode(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
