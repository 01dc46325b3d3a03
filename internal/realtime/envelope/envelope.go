// Package envelope defines the wire format for realtime events. Envelopes
// are encoded with msgpack so that rich payload types (timestamps, nested
// maps) survive the trip through Redis without lossy stringification.
package envelope

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jankosk/norish-sub000/internal/realtime/channel"
)

// Envelope is one published event as carried on a channel.
type Envelope struct {
	Domain  string        `msgpack:"domain" json:"domain"`
	Event   string        `msgpack:"event" json:"event"`
	Scope   channel.Scope `msgpack:"scope" json:"scope"`
	ScopeID string        `msgpack:"scopeId" json:"scopeId"`
	At      time.Time     `msgpack:"at" json:"at"`
	Data    any           `msgpack:"data" json:"data"`
}

// Encode serializes the envelope.
func Encode(env Envelope) ([]byte, error) {
	b, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s/%s: %w", env.Domain, env.Event, err)
	}
	return b, nil
}

// Decode deserializes one envelope. A decode failure affects only the
// message it came from; callers log and skip.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	return env, nil
}

// DecodeData re-marshals the envelope's payload into a typed value. It is a
// convenience for consumers that know the event's shape.
func DecodeData(env Envelope, out any) error {
	b, err := msgpack.Marshal(env.Data)
	if err != nil {
		return fmt.Errorf("envelope: data encode: %w", err)
	}
	if err := msgpack.Unmarshal(b, out); err != nil {
		return fmt.Errorf("envelope: data decode: %w", err)
	}
	return nil
}
