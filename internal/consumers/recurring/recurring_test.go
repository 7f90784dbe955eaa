package recurring_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/bus"
	"github.com/taskforge/taskforge/internal/consumers/recurring"
	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/store"
)

// storeAdapter adapts fakeStore's four used methods to the full
// store.Store interface the Consumer type requires; every other method is
// inherited from the embedded nil store.Store and must never be called,
// since the recurring consumer only exercises these four.
type storeAdapter struct {
	store.Store
	fake *fakeStore
}

func (a storeAdapter) GetTask(ctx context.Context, taskID, userID string) (domain.Task, error) {
	return a.fake.GetTask(ctx, taskID, userID)
}
func (a storeAdapter) GetRecurrenceRule(ctx context.Context, ruleID, userID string) (domain.RecurrenceRule, error) {
	return a.fake.GetRecurrenceRule(ctx, ruleID, userID)
}
func (a storeAdapter) HasPendingSibling(ctx context.Context, recurrenceID string) (bool, error) {
	return a.fake.HasPendingSibling(ctx, recurrenceID)
}
func (a storeAdapter) IsRecurrenceExceptionDate(ctx context.Context, ruleID string, instanceDate time.Time) (bool, error) {
	return a.fake.IsRecurrenceExceptionDate(ctx, ruleID, instanceDate)
}

type fakeStore struct {
	task           domain.Task
	taskErr        error
	rule           domain.RecurrenceRule
	ruleErr        error
	pendingSibling bool
	exceptedDates  map[time.Time]bool
}

func (f *fakeStore) GetTask(ctx context.Context, taskID, userID string) (domain.Task, error) {
	return f.task, f.taskErr
}
func (f *fakeStore) GetRecurrenceRule(ctx context.Context, ruleID, userID string) (domain.RecurrenceRule, error) {
	return f.rule, f.ruleErr
}
func (f *fakeStore) HasPendingSibling(ctx context.Context, recurrenceID string) (bool, error) {
	return f.pendingSibling, nil
}
func (f *fakeStore) IsRecurrenceExceptionDate(ctx context.Context, ruleID string, instanceDate time.Time) (bool, error) {
	return f.exceptedDates[instanceDate], nil
}

type fakeGenerator struct {
	called bool
	rule   domain.RecurrenceRule
	due    time.Time
}

func (g *fakeGenerator) CreateRecurringInstance(ctx context.Context, userID string, rule domain.RecurrenceRule, dueDate time.Time) (domain.Task, error) {
	g.called = true
	g.rule = rule
	g.due = dueDate
	return domain.Task{ID: "new-task", UserID: userID}, nil
}

func mustParseRecurring(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func envelopeMsg(t *testing.T, eventType, taskID, userID string) bus.Message {
	t.Helper()
	env, err := events.New(eventType, "ev-1", &taskID, userID, events.TaskSnapshot{ID: taskID}, time.Now())
	require.NoError(t, err)
	return bus.Message{
		Envelope: env,
		Ack:      func(context.Context) error { return nil },
		Nack:     func(context.Context) error { return nil },
	}
}

// handlerOf extracts the private handler passed to Subscribe by Run, via a
// stub Subscriber that captures it instead of blocking.
func handlerOf(t *testing.T, c *recurring.Consumer) bus.Handler {
	t.Helper()
	var captured bus.Handler
	sub := stubSubscriber{capture: func(h bus.Handler) { captured = h }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = c.Run(ctx, sub)
	require.NotNil(t, captured)
	return captured
}

type stubSubscriber struct {
	capture func(bus.Handler)
}

func (s stubSubscriber) Subscribe(ctx context.Context, topic, groupID string, handler bus.Handler) error {
	s.capture(handler)
	return nil
}

func TestRecurring_IgnoresNonCompletedEventType(t *testing.T) {
	gen := &fakeGenerator{}
	c := recurring.New(storeAdapter{fake: &fakeStore{}}, gen)
	handle := handlerOf(t, c)

	require.NoError(t, handle(context.Background(), envelopeMsg(t, events.TypeTaskUpdated, "task-1", "user-1")))
	assert.False(t, gen.called)
}

func TestRecurring_GeneratesNextInstanceAndRespectsIdempotencyGuard(t *testing.T) {
	ruleID := "rule-1"
	taskID := "task-1"
	userID := "user-1"
	due := time.Now().Add(24 * time.Hour)

	st := &fakeStore{
		task: domain.Task{ID: taskID, UserID: userID, Completed: true, RecurrenceID: &ruleID, DueDate: &due, UpdatedAt: time.Now()},
		rule: domain.RecurrenceRule{ID: ruleID, TaskID: taskID, UserID: userID, Pattern: domain.RecurrenceDaily, Interval: 1,
			Metadata: domain.RecurrenceMetadata{Title: "daily standup", Priority: domain.PriorityNormal}},
	}
	gen := &fakeGenerator{}

	adapted := storeAdapter{fake: st}
	c := recurring.New(adapted, gen)

	msg := envelopeMsg(t, events.TypeTaskCompleted, taskID, userID)
	acked := false
	msg.Ack = func(context.Context) error { acked = true; return nil }

	handle := handlerOf(t, c)
	require.NoError(t, handle(context.Background(), msg))
	assert.True(t, acked)
	require.True(t, gen.called)
	assert.Equal(t, ruleID, gen.rule.ID)
	assert.WithinDuration(t, due.AddDate(0, 0, 1), gen.due, time.Second)

	// Now simulate a pending sibling already existing: the generator must
	// not be called a second time.
	gen2 := &fakeGenerator{}
	st.pendingSibling = true
	c2 := recurring.New(adapted, gen2)
	handle2 := handlerOf(t, c2)
	require.NoError(t, handle2(context.Background(), envelopeMsg(t, events.TypeTaskCompleted, taskID, userID)))
	assert.False(t, gen2.called)
}

func TestRecurring_SkipsExceptedOccurrenceWhenGeneratingNextInstance(t *testing.T) {
	ruleID := "rule-1"
	taskID := "task-1"
	userID := "user-1"
	due := mustParseRecurring(t, "2026-01-13T10:00:00Z")
	skipped := due.AddDate(0, 0, 1) // the would-be next daily occurrence

	st := &fakeStore{
		task: domain.Task{ID: taskID, UserID: userID, Completed: true, RecurrenceID: &ruleID, DueDate: &due, UpdatedAt: time.Now()},
		rule: domain.RecurrenceRule{ID: ruleID, TaskID: taskID, UserID: userID, Pattern: domain.RecurrenceDaily, Interval: 1,
			Metadata: domain.RecurrenceMetadata{Title: "daily standup", Priority: domain.PriorityNormal}},
		exceptedDates: map[time.Time]bool{skipped: true},
	}
	gen := &fakeGenerator{}
	c := recurring.New(storeAdapter{fake: st}, gen)
	handle := handlerOf(t, c)

	require.NoError(t, handle(context.Background(), envelopeMsg(t, events.TypeTaskCompleted, taskID, userID)))
	require.True(t, gen.called)
	assert.Equal(t, skipped.AddDate(0, 0, 1), gen.due)
}

func TestRecurring_AbsentTaskAcksWithoutGenerating(t *testing.T) {
	gen := &fakeGenerator{}
	st := &fakeStore{taskErr: domain.ErrNotFound}
	c := recurring.New(storeAdapter{fake: st}, gen)
	handle := handlerOf(t, c)

	require.NoError(t, handle(context.Background(), envelopeMsg(t, events.TypeTaskCompleted, "missing", "user-1")))
	assert.False(t, gen.called)
}
