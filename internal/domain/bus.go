package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is bumped only for incompatible frame changes; consumers
// ignore unknown payload fields so most evolution needs no bump.
const EnvelopeVersion = 1

// Envelope is the versioned wire frame for every bus message.
type Envelope struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	Key     string          `json:"key"`
	Ts      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload for publishing on the given routing key.
func NewEnvelope(key string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("bus: marshal payload for %s: %w", key, err)
	}
	return Envelope{
		V:       EnvelopeVersion,
		ID:      uuid.New().String(),
		Key:     key,
		Ts:      time.Now().UTC(),
		Payload: raw,
	}, nil
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("bus: decode payload of %s: %w", e.Key, err)
	}
	return nil
}

// Delivery is one message handed to a durable-class consumer. It must be
// acked once handled; unacked deliveries are redelivered after the claim
// window.
type Delivery struct {
	Stream   string
	Group    string
	EntryID  string
	Envelope Envelope
}

// Bus is the sole inter-component transport. Durable classes (commands,
// allocation requests, events) ride streams with consumer groups and explicit
// acks; best-effort classes (market data, alerts, system signals) ride
// pub/sub with per-channel FIFO. Retained flags let late joiners observe
// system.ready and the emergency halt without replaying history.
type Bus interface {
	// QueuePublish appends to the durable stream derived from the routing key.
	QueuePublish(ctx context.Context, key string, payload any) error
	// QueueConsume delivers matching durable messages to the named group.
	// Within a group each message is handled by one consumer; separate groups
	// each see every message. The pattern selects the class stream and
	// filters by routing key (MatchKey semantics).
	QueueConsume(ctx context.Context, pattern, group, consumer string) (<-chan Delivery, error)
	// Ack marks a delivery handled; redelivery stops.
	Ack(ctx context.Context, d Delivery) error

	// Publish sends on the best-effort class. Loss under backpressure is
	// acceptable; per-key FIFO is preserved.
	Publish(ctx context.Context, key string, payload any) error
	// Subscribe delivers best-effort messages matching the pattern. When a
	// subscriber lags, the oldest buffered frames are dropped first.
	Subscribe(ctx context.Context, pattern string) (<-chan Envelope, error)

	// SetFlag / Flag manage retained boolean signals (system.ready, halt).
	SetFlag(ctx context.Context, name string, on bool) error
	Flag(ctx context.Context, name string) (bool, error)

	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error
}
