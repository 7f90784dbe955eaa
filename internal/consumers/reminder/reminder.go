// Package reminder implements the Reminder-Scheduler/Notification consumer
// (spec §4.6): two responsibilities fused in one service. Scheduling
// subscribes to the reminders topic and turns each reminder.created event
// into a durable Job Scheduler entry; Firing is registered as the job
// handler the scheduler invokes at due_time, and owns the 3-attempt
// 5s/30s/120s retry schedule before giving up and marking the reminder
// failed.
package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/bus"
	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/notification"
	"github.com/taskforge/taskforge/internal/scheduler"
	"github.com/taskforge/taskforge/internal/store"
)

// GroupID is the consumer group for the scheduling half.
const GroupID = "notification"

// JobType is the scheduler job type Firing registers a handler for.
const JobType = "reminder.deliver"

// jobPayload is the JSON the Scheduling half enqueues and the Firing half
// decodes back out (spec §4.6: payload = {reminder_id, task_id, user_id}).
type jobPayload struct {
	ReminderID string `json:"reminder_id"`
	TaskID     string `json:"task_id"`
	UserID     string `json:"user_id"`
}

// Service fuses Scheduling and Firing.
type Service struct {
	store       store.Store
	coordinator scheduler.Coordinator
	sink        notification.Sink
	now         func() time.Time
}

// New builds a Service.
func New(s store.Store, coordinator scheduler.Coordinator, sink notification.Sink) *Service {
	return &Service{store: s, coordinator: coordinator, sink: sink, now: func() time.Time { return time.Now().UTC() }}
}

// RunScheduling subscribes to events.TopicReminders under GroupID,
// enqueuing a Job Scheduler entry for every reminder.created message.
func (s *Service) RunScheduling(ctx context.Context, b bus.Subscriber) error {
	return b.Subscribe(ctx, events.TopicReminders, GroupID, s.handleScheduling)
}

func (s *Service) handleScheduling(ctx context.Context, msg bus.Message) error {
	env := msg.Envelope
	if env.EventType != events.TypeReminderCreated {
		return msg.Ack(ctx)
	}
	if err := events.CheckVersion(env.SchemaVersion); err != nil {
		return msg.Ack(ctx)
	}

	var payload events.ReminderPayload
	if err := env.Decode(&payload); err != nil {
		return fmt.Errorf("reminder: decode reminders payload: %w", err)
	}
	if env.TaskID == nil {
		return fmt.Errorf("reminder: reminder.created envelope missing task_id")
	}

	job := jobPayload{ReminderID: payload.ReminderID, TaskID: *env.TaskID, UserID: env.UserID}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("reminder: marshal job payload: %w", err)
	}

	if err := s.coordinator.InsertJob(ctx, JobType, payload.ReminderTime, raw, payload.ReminderID); err != nil {
		return fmt.Errorf("reminder: insert scheduler job: %w", err)
	}
	return msg.Ack(ctx)
}

// RetryConfig is the policy the Firing handler registers with the
// scheduler worker for jobs whose handler returns an error (doubling
// backoff from 5s, capped at 120s, dead-lettered on the third failed
// attempt), distinct from scheduler.DefaultRetryConfig used by other job
// types. A failed sink delivery does not go through it: markAttemptFailed
// reschedules on domain.ReminderRetryBackoff instead.
func RetryConfig() scheduler.RetryConfig {
	return scheduler.RetryConfig{MaxRetries: domain.MaxReminderRetries, BaseDelay: 5 * time.Second, MaxDelay: 120 * time.Second}
}

// Deliver is the scheduler.Handler for JobType (spec §4.6 Firing).
func (s *Service) Deliver(ctx context.Context, job scheduler.Job) error {
	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("reminder: unmarshal job payload: %w", err)
	}

	rem, err := s.store.GetReminder(ctx, payload.ReminderID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reminder: load reminder: %w", err)
	}
	if rem.Status != domain.ReminderStatusPending {
		return nil
	}

	task, err := s.store.GetTask(ctx, payload.TaskID, payload.UserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("reminder: load task: %w", err)
	}
	if errors.Is(err, domain.ErrNotFound) || task.Completed {
		return s.markSkipped(ctx, rem)
	}

	deliverErr := s.sink.Deliver(ctx, payload.UserID, taskSnapshotFor(task))
	if deliverErr == nil {
		return s.markSent(ctx, rem)
	}

	return s.markAttemptFailed(ctx, rem, deliverErr)
}

func taskSnapshotFor(t domain.Task) notification.TaskSnapshot {
	snap := notification.TaskSnapshot{TaskID: t.ID, Title: t.Title, Description: t.Description}
	if t.DueDate != nil {
		s := t.DueDate.Format(time.RFC3339)
		snap.DueDate = &s
	}
	return snap
}

func (s *Service) markSkipped(ctx context.Context, rem domain.Reminder) error {
	now := s.now()
	outboxEvents, err := s.buildReminderOutboxEvents(events.TypeReminderSkipped, rem, domain.ReminderStatusSent, rem.RetryCount, &now, now)
	if err != nil {
		return err
	}
	return s.store.UpdateReminderState(ctx, rem.ID, domain.ReminderStatusSent, rem.RetryCount, &now, outboxEvents)
}

func (s *Service) markSent(ctx context.Context, rem domain.Reminder) error {
	now := s.now()
	outboxEvents, err := s.buildReminderOutboxEvents(events.TypeReminderSent, rem, domain.ReminderStatusSent, rem.RetryCount, &now, now)
	if err != nil {
		return err
	}
	return s.store.UpdateReminderState(ctx, rem.ID, domain.ReminderStatusSent, rem.RetryCount, &now, outboxEvents)
}

// markAttemptFailed implements spec §4.6 step 3's failure branch: increment
// retry_count; below the ceiling, reschedule at the fixed backoff; at the
// ceiling, mark failed, publish reminder.failed, and write an audit entry.
// Under retry_count < MaxReminderRetries(3), only the first two entries of
// domain.ReminderRetryBackoff (5s, 30s) are ever consulted, since
// retry_count reaching 3 takes the terminal branch instead of rescheduling
// a third time; the 120s entry is kept for parity with the spec's literal
// backoff list and would be exercised if MaxReminderRetries were raised.
func (s *Service) markAttemptFailed(ctx context.Context, rem domain.Reminder, deliverErr error) error {
	retryCount := rem.RetryCount + 1
	now := s.now()

	if retryCount < domain.MaxReminderRetries {
		slog.WarnContext(ctx, "reminder: delivery attempt failed, rescheduling", "reminder_id", rem.ID, "attempt", retryCount, "error", deliverErr)
		outboxEvents, err := s.buildReminderOutboxEvents(events.TypeReminderCreated, rem, domain.ReminderStatusPending, retryCount, nil, now)
		if err != nil {
			return err
		}
		if err := s.store.UpdateReminderState(ctx, rem.ID, domain.ReminderStatusPending, retryCount, nil, outboxEvents); err != nil {
			return err
		}
		backoff := domain.ReminderRetryBackoff[retryCount-1]
		return s.coordinator.InsertJob(ctx, JobType, now.Add(backoff), mustMarshalJobPayload(rem), "")
	}

	slog.ErrorContext(ctx, "reminder: delivery exhausted retries, marking failed", "reminder_id", rem.ID, "error", deliverErr)
	outboxEvents, err := s.buildReminderOutboxEvents(events.TypeReminderFailed, rem, domain.ReminderStatusFailed, retryCount, nil, now)
	if err != nil {
		return err
	}
	if err := s.store.UpdateReminderState(ctx, rem.ID, domain.ReminderStatusFailed, retryCount, nil, outboxEvents); err != nil {
		return err
	}

	entry := domain.AuditLogEntry{
		ID:        uuid.Must(uuid.NewV7()).String(),
		EventType: "reminder.failed",
		UserID:    rem.UserID,
		TaskID:    &rem.TaskID,
		Details:   []byte(fmt.Sprintf(`{"reminder_id":%q,"error":%q}`, rem.ID, deliverErr.Error())),
		Timestamp: now,
	}
	if err := s.store.InsertAuditEntry(ctx, entry, entry.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.ErrorContext(ctx, "reminder: failed to write audit entry for exhausted reminder", "reminder_id", rem.ID, "error", err)
	}
	return nil
}

func mustMarshalJobPayload(rem domain.Reminder) []byte {
	raw, _ := json.Marshal(jobPayload{ReminderID: rem.ID, TaskID: rem.TaskID, UserID: rem.UserID})
	return raw
}

func (s *Service) buildReminderOutboxEvents(eventType string, rem domain.Reminder, status domain.ReminderStatus, retryCount int, sentAt *time.Time, ts time.Time) ([]store.OutboxEvent, error) {
	payload := events.ReminderPayload{
		ReminderID: rem.ID,
		TaskID:     rem.TaskID,
		UserID:     rem.UserID,
		Status:     string(status),
		RetryCount: retryCount,
		SentAt:     sentAt,
	}
	eventID := uuid.Must(uuid.NewV7()).String()
	env, err := events.New(eventType, eventID, &rem.TaskID, rem.UserID, payload, ts)
	if err != nil {
		return nil, fmt.Errorf("reminder: build envelope: %w", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("reminder: marshal envelope: %w", err)
	}
	return []store.OutboxEvent{{Topic: events.TopicReminders, EventID: eventID, UserID: rem.UserID, Envelope: raw}}, nil
}
