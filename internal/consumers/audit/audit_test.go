package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/bus"
	"github.com/taskforge/taskforge/internal/consumers/audit"
	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/store"
)

type fakeStore struct {
	store.Store
	entries []domain.AuditLogEntry
	err     error
}

func (f *fakeStore) InsertAuditEntry(ctx context.Context, entry domain.AuditLogEntry, eventID string) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

type stubSubscriber struct {
	capture func(bus.Handler)
}

func (s stubSubscriber) Subscribe(ctx context.Context, topic, groupID string, handler bus.Handler) error {
	s.capture(handler)
	return nil
}

func handlerOf(t *testing.T, c *audit.Consumer) bus.Handler {
	t.Helper()
	var captured bus.Handler
	sub := stubSubscriber{capture: func(h bus.Handler) { captured = h }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = c.Run(ctx, sub)
	require.NotNil(t, captured)
	return captured
}

func TestAudit_WritesOneEntryPerMessage(t *testing.T) {
	st := &fakeStore{}
	c := audit.New(st)
	handle := handlerOf(t, c)

	taskID := "task-1"
	env, err := events.New(events.TypeTaskCreated, "ev-1", &taskID, "user-1", events.TaskSnapshot{ID: taskID}, time.Now())
	require.NoError(t, err)

	acked := false
	msg := bus.Message{Envelope: env, Ack: func(context.Context) error { acked = true; return nil }, Nack: func(context.Context) error { return nil }}

	require.NoError(t, handle(context.Background(), msg))
	assert.True(t, acked)
	require.Len(t, st.entries, 1)
	assert.Equal(t, "user-1", st.entries[0].UserID)
	assert.Equal(t, events.TypeTaskCreated, st.entries[0].EventType)
}

func TestAudit_DuplicateDeliveryTreatedAsSuccess(t *testing.T) {
	st := &fakeStore{err: domain.ErrConflict}
	c := audit.New(st)
	handle := handlerOf(t, c)

	taskID := "task-1"
	env, err := events.New(events.TypeTaskCreated, "ev-1", &taskID, "user-1", events.TaskSnapshot{ID: taskID}, time.Now())
	require.NoError(t, err)

	acked := false
	msg := bus.Message{Envelope: env, Ack: func(context.Context) error { acked = true; return nil }, Nack: func(context.Context) error { return nil }}

	require.NoError(t, handle(context.Background(), msg))
	assert.True(t, acked, "a unique-violation duplicate must still ack")
}
