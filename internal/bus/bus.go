// Package bus defines the Pub/Sub port consumed by the Mutation API, the
// outbox sweeper, and the four consumers (spec §4.2). Two implementations
// are provided: an in-memory bus for tests and single-process runs, and a
// Kafka-protocol broker (internal/bus/kafka) for production.
package bus

import (
	"context"

	"github.com/taskforge/taskforge/internal/events"
)

// Message is a delivered envelope plus the ack/nack handle the consumer
// uses to signal outcome back to the broker.
type Message struct {
	Envelope events.Envelope
	Ack      func(ctx context.Context) error
	Nack     func(ctx context.Context) error
}

// Handler processes one delivered message. Returning an error is treated as
// a request to Nack (the bus will redeliver); returning nil acks.
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes envelopes to a topic, partitioned by envelope.UserID.
type Publisher interface {
	Publish(ctx context.Context, topic string, envelope events.Envelope) error
}

// Subscriber subscribes handler to topic under groupID. Each distinct
// groupID receives every message independently (spec §4.2); within one
// group, delivery is at-least-once and per-user-partition ordered.
// Subscribe blocks until ctx is cancelled or an unrecoverable error occurs.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, groupID string, handler Handler) error
}

// Bus is the full Pub/Sub port.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
