// Package kafka is the Kafka-protocol Bus implementation (spec §2, §4.2).
// It wraps segmentio/kafka-go: a shared *kafka.Writer for publish, keyed by
// user_id so the broker's partitioner gives per-user ordering, and one
// *kafka.Reader per (topic, groupID) subscription using consumer-group
// offset management for at-least-once delivery.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/taskforge/taskforge/internal/bus"
	"github.com/taskforge/taskforge/internal/events"
)

// Config configures the Kafka-backed Bus.
type Config struct {
	Brokers []string

	// PublishTimeout bounds a single publish attempt (spec §5: Bus publish
	// <= 2s before the outbox fallback kicks in).
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

// Bus is a Kafka-protocol implementation of bus.Bus.
type Bus struct {
	cfg    Config
	writer *kafkago.Writer

	readersMu sync.Mutex
	readers   []*kafkago.Reader
}

// New builds a Kafka-backed Bus. The writer is shared across all topics;
// one Reader is created per Subscribe call.
func New(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cfg: cfg,
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Balancer:     &kafkago.Hash{}, // keyed by user_id -> per-user ordering
			RequiredAcks: kafkago.RequireAll,
			Async:        false,
		},
	}
}

// Publish writes envelope to topic keyed by envelope.UserID.
func (b *Bus) Publish(ctx context.Context, topic string, envelope events.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("kafka bus: marshal envelope: %w", err)
	}

	err = b.writer.WriteMessages(ctx, kafkago.Message{
		Topic: topic,
		Key:   []byte(envelope.UserID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("kafka bus: publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins groupID on topic and delivers every message to handler,
// committing the offset on ack and leaving it uncommitted on nack so the
// broker redelivers.
func (b *Bus) Subscribe(ctx context.Context, topic, groupID string, handler bus.Handler) error {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	b.readersMu.Lock()
	b.readers = append(b.readers, reader)
	b.readersMu.Unlock()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka bus: fetch from %s/%s: %w", topic, groupID, err)
		}

		var env events.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			slog.ErrorContext(ctx, "kafka bus: malformed envelope, acking to avoid poison message",
				"topic", topic, "group", groupID, "error", err)
			if cerr := reader.CommitMessages(ctx, m); cerr != nil {
				slog.ErrorContext(ctx, "kafka bus: commit failed", "error", cerr)
			}
			continue
		}

		msg := bus.Message{
			Envelope: env,
			Ack: func(ctx context.Context) error {
				return reader.CommitMessages(ctx, m)
			},
			Nack: func(context.Context) error {
				return nil // no-op; redelivery is driven by the handler returning an error
			},
		}

		// A handler error redelivers the same message to the handler after a
		// short pause, without committing it or fetching the next one.
		for {
			err := handler(ctx, msg)
			if err == nil {
				break
			}
			slog.WarnContext(ctx, "kafka bus: handler error, redelivering uncommitted message",
				"topic", topic, "group", groupID, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			slog.ErrorContext(ctx, "kafka bus: commit failed", "error", err)
		}
	}
}

// Close releases the writer and any readers created by Subscribe.
func (b *Bus) Close() error {
	var firstErr error
	if err := b.writer.Close(); err != nil {
		firstErr = err
	}

	b.readersMu.Lock()
	readers := b.readers
	b.readersMu.Unlock()

	for _, r := range readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
