package reminder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/consumers/reminder"
	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/notification"
	"github.com/taskforge/taskforge/internal/scheduler"
	"github.com/taskforge/taskforge/internal/store"
)

type fakeStore struct {
	store.Store
	reminder      domain.Reminder
	reminderErr   error
	task          domain.Task
	taskErr       error
	updatedStatus domain.ReminderStatus
	updatedRetry  int
	auditEntries  []domain.AuditLogEntry
}

func (f *fakeStore) GetReminder(ctx context.Context, reminderID string) (domain.Reminder, error) {
	return f.reminder, f.reminderErr
}
func (f *fakeStore) GetTask(ctx context.Context, taskID, userID string) (domain.Task, error) {
	return f.task, f.taskErr
}
func (f *fakeStore) UpdateReminderState(ctx context.Context, reminderID string, status domain.ReminderStatus, retryCount int, sentAt *time.Time, outboxEvents []store.OutboxEvent) error {
	f.updatedStatus = status
	f.updatedRetry = retryCount
	return nil
}
func (f *fakeStore) InsertAuditEntry(ctx context.Context, entry domain.AuditLogEntry, eventID string) error {
	f.auditEntries = append(f.auditEntries, entry)
	return nil
}

type fakeCoordinator struct {
	scheduler.Coordinator
	inserted []time.Time
}

func (c *fakeCoordinator) InsertJob(ctx context.Context, jobType string, dueTime time.Time, payload []byte, dedupKey string) error {
	c.inserted = append(c.inserted, dueTime)
	return nil
}

type fakeSink struct {
	err error
}

func (s *fakeSink) Deliver(ctx context.Context, userID string, task notification.TaskSnapshot) error {
	return s.err
}

func baseJob(reminderID, taskID, userID string) scheduler.Job {
	return scheduler.Job{ID: "job-1", JobType: reminder.JobType, Payload: []byte(`{"reminder_id":"` + reminderID + `","task_id":"` + taskID + `","user_id":"` + userID + `"}`)}
}

func TestDeliver_SkipsAlreadyHandledReminder(t *testing.T) {
	st := &fakeStore{reminder: domain.Reminder{ID: "r1", Status: domain.ReminderStatusSent}}
	coord := &fakeCoordinator{}
	svc := reminder.New(st, coord, &fakeSink{})

	err := svc.Deliver(context.Background(), baseJob("r1", "t1", "u1"))
	require.NoError(t, err)
	assert.Empty(t, st.updatedStatus)
}

func TestDeliver_SkipsWhenTaskCompleted(t *testing.T) {
	st := &fakeStore{
		reminder: domain.Reminder{ID: "r1", TaskID: "t1", UserID: "u1", Status: domain.ReminderStatusPending},
		task:     domain.Task{ID: "t1", UserID: "u1", Completed: true},
	}
	coord := &fakeCoordinator{}
	svc := reminder.New(st, coord, &fakeSink{})

	err := svc.Deliver(context.Background(), baseJob("r1", "t1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusSent, st.updatedStatus)
}

func TestDeliver_SuccessMarksSent(t *testing.T) {
	st := &fakeStore{
		reminder: domain.Reminder{ID: "r1", TaskID: "t1", UserID: "u1", Status: domain.ReminderStatusPending},
		task:     domain.Task{ID: "t1", UserID: "u1", Completed: false},
	}
	coord := &fakeCoordinator{}
	svc := reminder.New(st, coord, &fakeSink{})

	err := svc.Deliver(context.Background(), baseJob("r1", "t1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusSent, st.updatedStatus)
}

func TestDeliver_FailureBelowCeilingReschedules(t *testing.T) {
	st := &fakeStore{
		reminder: domain.Reminder{ID: "r1", TaskID: "t1", UserID: "u1", Status: domain.ReminderStatusPending, RetryCount: 0},
		task:     domain.Task{ID: "t1", UserID: "u1", Completed: false},
	}
	coord := &fakeCoordinator{}
	svc := reminder.New(st, coord, &fakeSink{err: errors.New("boom")})

	err := svc.Deliver(context.Background(), baseJob("r1", "t1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusPending, st.updatedStatus)
	assert.Equal(t, 1, st.updatedRetry)
	require.Len(t, coord.inserted, 1)
}

func TestDeliver_FailureAtCeilingMarksFailedAndAudits(t *testing.T) {
	st := &fakeStore{
		reminder: domain.Reminder{ID: "r1", TaskID: "t1", UserID: "u1", Status: domain.ReminderStatusPending, RetryCount: domain.MaxReminderRetries - 1},
		task:     domain.Task{ID: "t1", UserID: "u1", Completed: false},
	}
	coord := &fakeCoordinator{}
	svc := reminder.New(st, coord, &fakeSink{err: errors.New("boom")})

	err := svc.Deliver(context.Background(), baseJob("r1", "t1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusFailed, st.updatedStatus)
	assert.Empty(t, coord.inserted, "no reschedule once the retry ceiling is hit")
	require.Len(t, st.auditEntries, 1)
	assert.Equal(t, "reminder.failed", st.auditEntries[0].EventType)
}
