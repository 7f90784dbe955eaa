// Package memory is an in-process Bus implementation used by tests and by
// single-replica deployments. It preserves the port's two guarantees: every
// distinct consumer group sees every message, and per-user ordering is
// maintained within a group by routing each user's messages through a
// single serial worker.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskforge/taskforge/internal/bus"
	"github.com/taskforge/taskforge/internal/events"
)

type subscription struct {
	topic, group string
	handler      bus.Handler

	mu      sync.Mutex
	queues  map[string]chan events.Envelope // per user_id serial queue
	cancel  context.CancelFunc
}

// Bus is an in-memory implementation of bus.Bus.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription

	closed bool
}

// New returns an empty in-memory Bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers envelope synchronously-enqueued to every subscription on
// topic, preserving per-user ordering within each subscription.
func (b *Bus) Publish(ctx context.Context, topic string, envelope events.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("bus: publish after close")
	}

	for _, s := range b.subs {
		if s.topic != topic {
			continue
		}
		s.enqueue(ctx, envelope)
	}
	return nil
}

// Subscribe registers handler under (topic, groupID) and blocks until ctx is
// cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic, groupID string, handler bus.Handler) error {
	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		topic:   topic,
		group:   groupID,
		handler: handler,
		queues:  make(map[string]chan events.Envelope),
		cancel:  cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return fmt.Errorf("bus: subscribe after close")
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	<-subCtx.Done()
	return nil
}

func (s *subscription) enqueue(ctx context.Context, env events.Envelope) {
	s.mu.Lock()
	q, ok := s.queues[env.UserID]
	if !ok {
		q = make(chan events.Envelope, 256)
		s.queues[env.UserID] = q
		go s.drain(env.UserID, q)
	}
	s.mu.Unlock()

	select {
	case q <- env:
	case <-ctx.Done():
	}
}

func (s *subscription) drain(userID string, q chan events.Envelope) {
	for env := range q {
		msg := bus.Message{
			Envelope: env,
			Ack:      func(context.Context) error { return nil },
			Nack:     func(context.Context) error { return nil },
		}
		// Errors from handler are swallowed here because the in-memory bus
		// has no redelivery queue; callers that need retry semantics should
		// exercise the kafka implementation in integration tests.
		_ = s.handler(context.Background(), msg)
	}
}

// Close cancels every active subscription. Queued-but-undelivered messages
// are dropped; callers that need delivery guarantees across shutdown should
// use the kafka implementation.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		s.cancel()
	}
	return nil
}
