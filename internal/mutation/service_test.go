package mutation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/mutation"
	"github.com/taskforge/taskforge/internal/store"
)

// fakeStore is a minimal in-memory store.Store double sufficient to drive
// the Mutation API's logic without a database.
type fakeStore struct {
	mu             sync.Mutex
	tasks          map[string]domain.Task
	outbox         []store.OutboxEvent
	delivered      map[string]bool
	rules          map[string]domain.RecurrenceRule
	exceptions     map[string]map[time.Time]bool
	pendingSibling bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:      make(map[string]domain.Task),
		delivered:  make(map[string]bool),
		rules:      make(map[string]domain.RecurrenceRule),
		exceptions: make(map[string]map[time.Time]bool),
	}
}

func (f *fakeStore) CommitTaskCreate(ctx context.Context, task domain.Task, rule *domain.RecurrenceRule, reminders []domain.Reminder, outboxEvents []store.OutboxEvent) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task
	if rule != nil {
		f.rules[rule.ID] = *rule
	}
	f.outbox = append(f.outbox, outboxEvents...)
	return task, nil
}

func (f *fakeStore) CommitTaskUpdate(ctx context.Context, taskID, userID string, patch store.TaskPatch, outboxEvents []store.OutboxEvent) (domain.Task, domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.tasks[taskID]
	if !ok || old.UserID != userID {
		return domain.Task{}, domain.Task{}, domain.ErrNotFound
	}
	updated := old
	if patch.Title != nil {
		updated.Title = *patch.Title
	}
	if patch.ClearDesc {
		updated.Description = nil
	} else if patch.Description != nil {
		updated.Description = patch.Description
	}
	if patch.Priority != nil {
		updated.Priority = *patch.Priority
	}
	if patch.SetTags {
		updated.Tags = patch.Tags
	}
	if patch.ClearDue {
		updated.DueDate = nil
	} else if patch.DueDate != nil {
		updated.DueDate = patch.DueDate
	}
	f.tasks[taskID] = updated
	f.outbox = append(f.outbox, outboxEvents...)
	return old, updated, nil
}

func (f *fakeStore) CommitTaskComplete(ctx context.Context, taskID, userID string, outboxEvents []store.OutboxEvent) (domain.Task, domain.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.tasks[taskID]
	if !ok || old.UserID != userID {
		return domain.Task{}, domain.Task{}, false, domain.ErrNotFound
	}
	if old.Completed {
		return old, old, true, nil
	}
	updated := old
	updated.Completed = true
	f.tasks[taskID] = updated
	f.outbox = append(f.outbox, outboxEvents...)
	return old, updated, false, nil
}

func (f *fakeStore) CommitTaskDelete(ctx context.Context, taskID, userID string, outboxEvents []store.OutboxEvent) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.tasks[taskID]
	if !ok || old.UserID != userID {
		return domain.Task{}, domain.ErrNotFound
	}
	delete(f.tasks, taskID)
	f.outbox = append(f.outbox, outboxEvents...)
	return old, nil
}

func (f *fakeStore) GetTask(ctx context.Context, taskID, userID string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.UserID != userID {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) ListTasks(ctx context.Context, userID string, params domain.ListTasksParams) (domain.PagedResult, error) {
	return domain.PagedResult{}, nil
}

func (f *fakeStore) GetRecurrenceRule(ctx context.Context, ruleID, userID string) (domain.RecurrenceRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[ruleID]
	if !ok || rule.UserID != userID {
		return domain.RecurrenceRule{}, domain.ErrNotFound
	}
	return rule, nil
}

func (f *fakeStore) HasPendingSibling(ctx context.Context, recurrenceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingSibling, nil
}

func (f *fakeStore) InsertRecurrenceException(ctx context.Context, ruleID string, instanceDate time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exceptions[ruleID] == nil {
		f.exceptions[ruleID] = make(map[time.Time]bool)
	}
	f.exceptions[ruleID][instanceDate] = true
	return nil
}

func (f *fakeStore) IsRecurrenceExceptionDate(ctx context.Context, ruleID string, instanceDate time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exceptions[ruleID][instanceDate], nil
}

func (f *fakeStore) GetReminder(ctx context.Context, reminderID string) (domain.Reminder, error) {
	return domain.Reminder{}, domain.ErrNotFound
}

func (f *fakeStore) UpdateReminderState(ctx context.Context, reminderID string, status domain.ReminderStatus, retryCount int, sentAt *time.Time, outboxEvents []store.OutboxEvent) error {
	return nil
}

func (f *fakeStore) InsertAuditEntry(ctx context.Context, entry domain.AuditLogEntry, eventID string) error {
	return nil
}

func (f *fakeStore) ClaimOutboxBatch(ctx context.Context, limit int) ([]store.OutboxRow, error) {
	return nil, nil
}

func (f *fakeStore) MarkOutboxDelivered(ctx context.Context, ids []int64) error { return nil }

func (f *fakeStore) MarkEventDelivered(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered[eventID] = true
	return nil
}

func (f *fakeStore) OutboxDepth(ctx context.Context) (int, error) { return len(f.outbox), nil }

func (f *fakeStore) Close() error { return nil }

// fakePublisher records every envelope it's asked to publish and can be
// told to fail the next N calls, to exercise the retry/fallback path.
type fakePublisher struct {
	mu        sync.Mutex
	published []events.Envelope
	failNext  int
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, envelope events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return assertErr
	}
	p.published = append(p.published, envelope)
	return nil
}

var assertErr = &publishError{}

type publishError struct{}

func (*publishError) Error() string { return "simulated publish failure" }

func fastConfig() mutation.Config {
	cfg := mutation.DefaultConfig()
	cfg.PublishInitialBackoff = time.Millisecond
	cfg.PublishMaxAttempts = 2
	return cfg
}

func TestCreateTask_ValidatesTitle(t *testing.T) {
	svc := mutation.NewService(newFakeStore(), &fakePublisher{}, fastConfig())
	_, err := svc.CreateTask(context.Background(), "user-1", domain.CreateTaskParams{Title: ""})
	require.Error(t, err)
	var fe *domain.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "title", fe.Field)
}

func TestCreateTask_RejectsPastDueDate(t *testing.T) {
	svc := mutation.NewService(newFakeStore(), &fakePublisher{}, fastConfig())
	past := time.Now().Add(-time.Hour)
	_, err := svc.CreateTask(context.Background(), "user-1", domain.CreateTaskParams{Title: "x", DueDate: &past})
	require.Error(t, err)
	var fe *domain.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "due_date", fe.Field)
}

func TestCreateTask_PublishesAndMarksDelivered(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	svc := mutation.NewService(st, pub, fastConfig())

	task, err := svc.CreateTask(context.Background(), "user-1", domain.CreateTaskParams{Title: "buy milk"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", task.UserID)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.published, 2) // task-events + task-updates
	assert.Equal(t, events.TypeTaskCreated, pub.published[0].EventType)

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, oe := range st.outbox {
		assert.True(t, st.delivered[oe.EventID], "expected outbox event %s to be marked delivered", oe.EventID)
	}
}

func TestCreateTask_PublishFailureLeavesOutboxUndelivered(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{failNext: 100}
	svc := mutation.NewService(st, pub, fastConfig())

	_, err := svc.CreateTask(context.Background(), "user-1", domain.CreateTaskParams{Title: "buy milk"})
	require.NoError(t, err, "publish failure must not fail the mutation")

	st.mu.Lock()
	defer st.mu.Unlock()
	require.NotEmpty(t, st.outbox)
	for _, oe := range st.outbox {
		assert.False(t, st.delivered[oe.EventID], "event should be left for the sweeper, not marked delivered")
	}
}

func TestCompleteTask_SecondCallIsNoopAndDoesNotPublish(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	svc := mutation.NewService(st, pub, fastConfig())

	created, err := svc.CreateTask(context.Background(), "user-1", domain.CreateTaskParams{Title: "x"})
	require.NoError(t, err)

	_, err = svc.CompleteTask(context.Background(), "user-1", created.ID)
	require.NoError(t, err)

	pub.mu.Lock()
	countAfterFirst := len(pub.published)
	pub.mu.Unlock()

	_, err = svc.CompleteTask(context.Background(), "user-1", created.ID)
	require.NoError(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, countAfterFirst, len(pub.published), "completing an already-completed task must not publish again")
}

func TestCompleteTask_PublishedSnapshotReflectsCompletion(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	svc := mutation.NewService(st, pub, fastConfig())

	created, err := svc.CreateTask(context.Background(), "user-1", domain.CreateTaskParams{Title: "x"})
	require.NoError(t, err)

	_, err = svc.CompleteTask(context.Background(), "user-1", created.ID)
	require.NoError(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.NotEmpty(t, pub.published)
	var snap events.TaskSnapshot
	require.NoError(t, pub.published[len(pub.published)-1].Decode(&snap))
	assert.True(t, snap.Completed, "published completion event must carry the completed snapshot, not a placeholder")
}

func TestUpdateTask_RejectsDueDateChangeOnCompletedTask(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	svc := mutation.NewService(st, pub, fastConfig())

	created, err := svc.CreateTask(context.Background(), "user-1", domain.CreateTaskParams{Title: "x"})
	require.NoError(t, err)
	_, err = svc.CompleteTask(context.Background(), "user-1", created.ID)
	require.NoError(t, err)

	future := time.Now().Add(24 * time.Hour)
	_, err = svc.UpdateTask(context.Background(), "user-1", created.ID, domain.UpdateTaskParams{
		UpdateMask: []string{"due_date"},
		DueDate:    &future,
	})
	require.Error(t, err)
	var fe *domain.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "due_date", fe.Field)
}

func TestDeleteTask_PublishesSnapshotOfDeletedTask(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	svc := mutation.NewService(st, pub, fastConfig())

	created, err := svc.CreateTask(context.Background(), "user-1", domain.CreateTaskParams{Title: "delete me"})
	require.NoError(t, err)

	err = svc.DeleteTask(context.Background(), "user-1", created.ID)
	require.NoError(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.NotEmpty(t, pub.published)
	last := pub.published[len(pub.published)-1]
	assert.Equal(t, events.TypeTaskDeleted, last.EventType)
	var snap events.TaskSnapshot
	require.NoError(t, last.Decode(&snap))
	assert.Equal(t, "delete me", snap.Title)
}

func TestDeleteTask_PendingRecurringInstanceRecordsExceptionAndContinuesChain(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	svc := mutation.NewService(st, pub, fastConfig())

	future := time.Now().Add(24 * time.Hour)
	created, err := svc.CreateTask(context.Background(), "user-1", domain.CreateTaskParams{
		Title:      "daily standup",
		DueDate:    &future,
		Recurrence: &domain.RecurrenceParams{Pattern: "daily", Interval: 1},
	})
	require.NoError(t, err)
	require.NotNil(t, created.RecurrenceID)
	ruleID := *created.RecurrenceID

	err = svc.DeleteTask(context.Background(), "user-1", created.ID)
	require.NoError(t, err)

	excepted, err := st.IsRecurrenceExceptionDate(context.Background(), ruleID, future)
	require.NoError(t, err)
	assert.True(t, excepted, "deleting a pending recurring instance must record its due date as an exception")

	st.mu.Lock()
	defer st.mu.Unlock()
	var sawNextInstance bool
	for _, task := range st.tasks {
		if task.RecurrenceID != nil && *task.RecurrenceID == ruleID && task.ID != created.ID {
			sawNextInstance = true
			assert.WithinDuration(t, future.AddDate(0, 0, 1), *task.DueDate, time.Second)
		}
	}
	assert.True(t, sawNextInstance, "chain must continue with the next occurrence, not end on deletion")
}

func TestDeleteTask_CompletedRecurringInstanceDoesNotContinueChain(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	svc := mutation.NewService(st, pub, fastConfig())

	future := time.Now().Add(24 * time.Hour)
	created, err := svc.CreateTask(context.Background(), "user-1", domain.CreateTaskParams{
		Title:      "daily standup",
		DueDate:    &future,
		Recurrence: &domain.RecurrenceParams{Pattern: "daily", Interval: 1},
	})
	require.NoError(t, err)
	ruleID := *created.RecurrenceID

	_, err = svc.CompleteTask(context.Background(), "user-1", created.ID)
	require.NoError(t, err)

	err = svc.DeleteTask(context.Background(), "user-1", created.ID)
	require.NoError(t, err)

	excepted, err := st.IsRecurrenceExceptionDate(context.Background(), ruleID, future)
	require.NoError(t, err)
	assert.False(t, excepted, "deleting an already-completed instance is not a skipped occurrence")
}

func TestDeleteTask_NotFoundForUnknownTask(t *testing.T) {
	svc := mutation.NewService(newFakeStore(), &fakePublisher{}, fastConfig())
	err := svc.DeleteTask(context.Background(), "user-1", "nonexistent")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateTask_RequiresAuthenticatedUser(t *testing.T) {
	svc := mutation.NewService(newFakeStore(), &fakePublisher{}, fastConfig())
	_, err := svc.CreateTask(context.Background(), "", domain.CreateTaskParams{Title: "x"})
	require.ErrorIs(t, err, domain.ErrUnauthenticated)
}
