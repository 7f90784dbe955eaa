// Package mutation implements the commit-then-publish Mutation API (spec
// §4.3, §6): the synchronous, transport-agnostic surface that validates
// input, writes through the Store, and then publishes the resulting
// event(s) to the Bus with a bounded retry before falling back to the
// outbox.
package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/taskforge/taskforge/internal/bus"
	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/recurring"
	"github.com/taskforge/taskforge/internal/store"
)

// Config tunes the Mutation API's behaviour.
type Config struct {
	MaxPageSize int

	// PublishInitialBackoff, PublishMaxAttempts, PublishJitterPercent
	// implement the bounded exponential backoff from spec §4.3 step 6:
	// initial 100ms, factor 2, max 5 attempts, jitter 0.2.
	PublishInitialBackoff time.Duration
	PublishMaxAttempts    uint64
	PublishJitterPercent  uint64
}

// DefaultConfig returns the spec's literal publish retry schedule.
func DefaultConfig() Config {
	return Config{
		MaxPageSize:           200,
		PublishInitialBackoff: 100 * time.Millisecond,
		PublishMaxAttempts:    5,
		PublishJitterPercent:  20,
	}
}

// Service is the Mutation API.
type Service struct {
	store     store.Store
	publisher bus.Publisher
	cfg       Config
	now       func() time.Time
}

// NewService builds a Service whose clock is time.Now in UTC. A cfg with
// MaxPageSize <= 0 is replaced by DefaultConfig.
func NewService(s store.Store, p bus.Publisher, cfg Config) *Service {
	if cfg.MaxPageSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Service{store: s, publisher: p, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// CreateTask implements create_task (spec §6).
func (svc *Service) CreateTask(ctx context.Context, userID string, params domain.CreateTaskParams) (domain.Task, error) {
	if userID == "" {
		return domain.Task{}, domain.ErrUnauthenticated
	}

	title, err := domain.NewTitle(params.Title)
	if err != nil {
		return domain.Task{}, &domain.FieldError{Field: "title", Err: err}
	}
	priority, err := domain.NewPriority(params.Priority)
	if err != nil {
		return domain.Task{}, &domain.FieldError{Field: "priority", Err: err}
	}
	tags, err := domain.NewTags(params.Tags)
	if err != nil {
		return domain.Task{}, &domain.FieldError{Field: "tags", Err: err}
	}

	now := svc.now()
	if params.DueDate != nil && !params.DueDate.After(now) {
		return domain.Task{}, &domain.FieldError{Field: "due_date", Err: domain.ErrDueDateNotFuture}
	}

	taskID := newID()
	task := domain.Task{
		ID:          taskID,
		UserID:      userID,
		Title:       title.String(),
		Description: params.Description,
		Completed:   false,
		Priority:    priority,
		Tags:        tags.Values(),
		DueDate:     params.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var rule *domain.RecurrenceRule
	if params.Recurrence != nil {
		pattern, err := domain.NewRecurrencePattern(params.Recurrence.Pattern)
		if err != nil {
			return domain.Task{}, &domain.FieldError{Field: "recurrence.pattern", Err: err}
		}
		interval, err := domain.NewRecurrenceInterval(pattern, params.Recurrence.Interval)
		if err != nil {
			return domain.Task{}, &domain.FieldError{Field: "recurrence.interval", Err: err}
		}
		ruleID := newID()
		rule = &domain.RecurrenceRule{
			ID:       ruleID,
			TaskID:   taskID,
			UserID:   userID,
			Pattern:  pattern,
			Interval: interval,
			Metadata: domain.RecurrenceMetadata{
				Title:       task.Title,
				Description: task.Description,
				Priority:    task.Priority,
				Tags:        task.Tags,
			},
			CreatedAt: now,
		}
		task.RecurrenceID = &ruleID
	}

	var reminders []domain.Reminder
	for i, rp := range params.Reminders {
		if !rp.ReminderTime.After(now) {
			return domain.Task{}, &domain.FieldError{Field: fmt.Sprintf("reminders[%d].reminder_time", i), Err: domain.ErrReminderTimeNotFuture}
		}
		if task.DueDate != nil && rp.ReminderTime.After(*task.DueDate) {
			return domain.Task{}, &domain.FieldError{Field: fmt.Sprintf("reminders[%d].reminder_time", i), Err: domain.ErrReminderAfterDueDate}
		}
		method := rp.DeliveryMethod
		if method == "" {
			method = "webhook"
		}
		reminders = append(reminders, domain.Reminder{
			ID:             newID(),
			TaskID:         taskID,
			UserID:         userID,
			ReminderTime:   rp.ReminderTime,
			Status:         domain.ReminderStatusPending,
			DeliveryMethod: method,
			RetryCount:     0,
			CreatedAt:      now,
		})
	}

	snapshot := taskSnapshotOf(task)
	outboxEvents, err := buildTaskOutboxEvents(events.TypeTaskCreated, taskID, userID, snapshot, now)
	if err != nil {
		return domain.Task{}, err
	}
	for _, r := range reminders {
		evs, err := buildReminderOutboxEvents(events.TypeReminderCreated, r, now)
		if err != nil {
			return domain.Task{}, err
		}
		outboxEvents = append(outboxEvents, evs...)
	}

	persisted, err := svc.store.CommitTaskCreate(ctx, task, rule, reminders, outboxEvents)
	if err != nil {
		return domain.Task{}, err
	}

	svc.publishBestEffort(ctx, outboxEvents)
	return persisted, nil
}

// CreateRecurringInstance materialises the next occurrence of an existing
// RecurrenceRule (spec §4.5 steps 5-6). Unlike CreateTask it attaches to an
// already-persisted rule rather than minting a new one, but otherwise goes
// through the identical commit-then-publish path - the Recurring-Generator
// does not bypass the Mutation API. Callers (the generator consumer) are
// responsible for the validation that already happened when the template
// and its rule were first created; this entry point trusts rule.Metadata
// and dueDate as given and re-validates neither.
func (svc *Service) CreateRecurringInstance(ctx context.Context, userID string, rule domain.RecurrenceRule, dueDate time.Time) (domain.Task, error) {
	if userID == "" {
		return domain.Task{}, domain.ErrUnauthenticated
	}

	now := svc.now()
	taskID := newID()
	task := domain.Task{
		ID:           taskID,
		UserID:       userID,
		Title:        rule.Metadata.Title,
		Description:  rule.Metadata.Description,
		Completed:    false,
		Priority:     rule.Metadata.Priority,
		Tags:         rule.Metadata.Tags,
		DueDate:      &dueDate,
		RecurrenceID: &rule.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	outboxEvents, err := buildTaskOutboxEvents(events.TypeTaskCreated, taskID, userID, taskSnapshotOf(task), now)
	if err != nil {
		return domain.Task{}, err
	}

	persisted, err := svc.store.CommitTaskCreate(ctx, task, nil, nil, outboxEvents)
	if err != nil {
		return domain.Task{}, err
	}

	svc.publishBestEffort(ctx, outboxEvents)
	return persisted, nil
}

// UpdateTask implements update_task (spec §6).
func (svc *Service) UpdateTask(ctx context.Context, userID, taskID string, params domain.UpdateTaskParams) (domain.Task, error) {
	if userID == "" {
		return domain.Task{}, domain.ErrUnauthenticated
	}
	if err := params.Validate(); err != nil {
		return domain.Task{}, err
	}

	existing, err := svc.store.GetTask(ctx, taskID, userID)
	if err != nil {
		return domain.Task{}, err
	}

	patch := store.TaskPatch{}
	mask := make(map[string]bool, len(params.UpdateMask))
	for _, f := range params.UpdateMask {
		mask[f] = true
	}

	if mask["title"] {
		title, err := domain.NewTitle(*params.Title)
		if err != nil {
			return domain.Task{}, &domain.FieldError{Field: "title", Err: err}
		}
		s := title.String()
		patch.Title = &s
	}
	if mask["description"] {
		if params.Description == nil {
			patch.ClearDesc = true
		} else {
			patch.Description = params.Description
		}
	}
	if mask["priority"] {
		p, err := domain.NewPriority(*params.Priority)
		if err != nil {
			return domain.Task{}, &domain.FieldError{Field: "priority", Err: err}
		}
		patch.Priority = &p
	}
	if mask["tags"] {
		tags, err := domain.NewTags(params.Tags)
		if err != nil {
			return domain.Task{}, &domain.FieldError{Field: "tags", Err: err}
		}
		patch.SetTags = true
		patch.Tags = tags.Values()
	}
	if mask["due_date"] {
		if existing.Completed {
			return domain.Task{}, &domain.FieldError{Field: "due_date", Err: domain.ErrDueDateImmutableOnCompleted}
		}
		if params.DueDate == nil {
			patch.ClearDue = true
		} else {
			patch.DueDate = params.DueDate
		}
	}

	// Compute the post-patch snapshot ourselves so the outbox envelope can
	// be built and handed to CommitTaskUpdate for insertion in the same
	// transaction as the business write, exactly like create/complete/
	// delete. CommitTaskUpdate recomputes the same fields server-side for
	// the row it actually writes; UpdatedAt may differ by a few
	// milliseconds between the two, which is immaterial to any invariant.
	now := svc.now()
	preview := applyTaskPatch(existing, patch, now)
	outboxEvents, err := buildTaskOutboxEvents(events.TypeTaskUpdated, taskID, userID, taskSnapshotOf(preview), now)
	if err != nil {
		return domain.Task{}, err
	}

	_, newTask, err := svc.store.CommitTaskUpdate(ctx, taskID, userID, patch, outboxEvents)
	if err != nil {
		return domain.Task{}, err
	}

	svc.publishBestEffort(ctx, outboxEvents)
	return newTask, nil
}

// applyTaskPatch mirrors the field-by-field application postgres.Store
// performs server-side, used here only to predict the post-update snapshot
// for the outbox envelope before the write has happened.
func applyTaskPatch(t domain.Task, patch store.TaskPatch, now time.Time) domain.Task {
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.ClearDesc {
		t.Description = nil
	} else if patch.Description != nil {
		t.Description = patch.Description
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.SetTags {
		t.Tags = patch.Tags
	}
	if patch.ClearDue {
		t.DueDate = nil
	} else if patch.DueDate != nil {
		t.DueDate = patch.DueDate
	}
	t.UpdatedAt = now
	return t
}

// CompleteTask implements complete_task (spec §6). Completing an
// already-completed task is a no-op: the Store reports noop and no event
// is published (spec §4.3 no-op elision, §8 idempotence property).
func (svc *Service) CompleteTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	if userID == "" {
		return domain.Task{}, domain.ErrUnauthenticated
	}

	existing, err := svc.store.GetTask(ctx, taskID, userID)
	if err != nil {
		return domain.Task{}, err
	}

	now := svc.now()
	preview := existing
	preview.Completed = true
	preview.UpdatedAt = now

	// Built once and reused for both the outbox insert and the publish
	// attempt below: if the Store discards outboxEvents on the no-op path
	// (preview.Completed was already true before this call), there is
	// nothing to publish either, by construction.
	outboxEvents, err := buildTaskOutboxEvents(events.TypeTaskCompleted, taskID, userID, taskSnapshotOf(preview), now)
	if err != nil {
		return domain.Task{}, err
	}

	_, newTask, noop, err := svc.store.CommitTaskComplete(ctx, taskID, userID, outboxEvents)
	if err != nil {
		return domain.Task{}, err
	}
	if noop {
		return newTask, nil
	}

	svc.publishBestEffort(ctx, outboxEvents)
	return newTask, nil
}

// DeleteTask implements delete_task (spec §6). Deleting a recurrence
// template cascades to its RecurrenceRule and reminders at the Store
// layer.
func (svc *Service) DeleteTask(ctx context.Context, userID, taskID string) error {
	if userID == "" {
		return domain.ErrUnauthenticated
	}

	existing, err := svc.store.GetTask(ctx, taskID, userID)
	if err != nil {
		return err
	}

	now := svc.now()
	outboxEvents, err := buildTaskOutboxEvents(events.TypeTaskDeleted, taskID, userID, taskSnapshotOf(existing), now)
	if err != nil {
		return err
	}

	if _, err := svc.store.CommitTaskDelete(ctx, taskID, userID, outboxEvents); err != nil {
		return err
	}

	svc.publishBestEffort(ctx, outboxEvents)

	if existing.RecurrenceID != nil && !existing.Completed && existing.DueDate != nil {
		svc.continueRecurrenceAfterDeletedInstance(ctx, userID, *existing.RecurrenceID, *existing.DueDate)
	}

	return nil
}

// continueRecurrenceAfterDeletedInstance implements spec §12's recurrence
// exception supplement: deleting one occurrence of a recurring task without
// completing it must not silently end the chain. The deleted instance's due
// date is recorded as an exception and the next occurrence is generated in
// its place. Failures here are logged, not returned - the delete itself
// already committed and must not be undone over a best-effort continuation
// step.
func (svc *Service) continueRecurrenceAfterDeletedInstance(ctx context.Context, userID, ruleID string, deletedDueDate time.Time) {
	if err := svc.store.InsertRecurrenceException(ctx, ruleID, deletedDueDate); err != nil {
		slog.ErrorContext(ctx, "mutation: failed to record recurrence exception", "rule_id", ruleID, "error", err)
		return
	}

	pending, err := svc.store.HasPendingSibling(ctx, ruleID)
	if err != nil {
		slog.ErrorContext(ctx, "mutation: failed to check pending sibling after deleted instance", "rule_id", ruleID, "error", err)
		return
	}
	if pending {
		return
	}

	rule, err := svc.store.GetRecurrenceRule(ctx, ruleID, userID)
	if err != nil {
		slog.ErrorContext(ctx, "mutation: failed to load recurrence rule after deleted instance", "rule_id", ruleID, "error", err)
		return
	}

	nextDue, err := recurring.NextNonExceptedDueDate(ctx, rule.Pattern, rule.Interval, deletedDueDate, func(ctx context.Context, d time.Time) (bool, error) {
		return svc.store.IsRecurrenceExceptionDate(ctx, ruleID, d)
	})
	if err != nil {
		slog.ErrorContext(ctx, "mutation: failed to compute next due date after deleted instance", "rule_id", ruleID, "error", err)
		return
	}

	if _, err := svc.CreateRecurringInstance(ctx, userID, rule, nextDue); err != nil {
		slog.ErrorContext(ctx, "mutation: failed to continue recurrence after deleted instance", "rule_id", ruleID, "error", err)
	}
}

// ListTasks implements list_tasks (spec §6).
func (svc *Service) ListTasks(ctx context.Context, userID string, params domain.ListTasksParams) (domain.PagedResult, error) {
	if userID == "" {
		return domain.PagedResult{}, domain.ErrUnauthenticated
	}
	if params.Limit <= 0 || params.Limit > svc.cfg.MaxPageSize {
		params.Limit = svc.cfg.MaxPageSize
	}
	return svc.store.ListTasks(ctx, userID, params)
}

func taskSnapshotOf(t domain.Task) events.TaskSnapshot {
	return events.TaskSnapshot{
		ID:           t.ID,
		UserID:       t.UserID,
		Title:        t.Title,
		Description:  t.Description,
		Completed:    t.Completed,
		Priority:     string(t.Priority),
		Tags:         t.Tags,
		DueDate:      t.DueDate,
		RecurrenceID: t.RecurrenceID,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// buildTaskOutboxEvents builds the paired task-events/task-updates outbox
// entries every task mutation publishes (spec §4.3 step 5).
func buildTaskOutboxEvents(eventType, taskID, userID string, snapshot events.TaskSnapshot, ts time.Time) ([]store.OutboxEvent, error) {
	var out []store.OutboxEvent
	for _, topic := range []string{events.TopicTaskEvents, events.TopicTaskUpdates} {
		eventID := newID()
		env, err := events.New(eventType, eventID, &taskID, userID, snapshot, ts)
		if err != nil {
			return nil, fmt.Errorf("build %s envelope: %w", topic, err)
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal %s envelope: %w", topic, err)
		}
		out = append(out, store.OutboxEvent{Topic: topic, EventID: eventID, UserID: userID, Envelope: raw})
	}
	return out, nil
}

func buildReminderOutboxEvents(eventType string, r domain.Reminder, ts time.Time) ([]store.OutboxEvent, error) {
	payload := events.ReminderPayload{
		ReminderID:   r.ID,
		TaskID:       r.TaskID,
		UserID:       r.UserID,
		ReminderTime: r.ReminderTime,
		Status:       string(r.Status),
		RetryCount:   r.RetryCount,
		SentAt:       r.SentAt,
	}
	eventID := newID()
	env, err := events.New(eventType, eventID, &r.TaskID, r.UserID, payload, ts)
	if err != nil {
		return nil, fmt.Errorf("build reminder envelope: %w", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal reminder envelope: %w", err)
	}
	return []store.OutboxEvent{{Topic: events.TopicReminders, EventID: eventID, UserID: r.UserID, Envelope: raw}}, nil
}

// publishBestEffort attempts to publish each outbox event immediately with
// the bounded retry from spec §4.3 step 6. Success marks the outbox row
// delivered so the sweeper does not redeliver it; failure leaves it for the
// sweeper, and the operation itself still returns success (spec §4.9: the
// database write is never rolled back because the Bus is down).
func (svc *Service) publishBestEffort(ctx context.Context, outboxEvents []store.OutboxEvent) {
	backoff, err := retry.NewExponential(svc.cfg.PublishInitialBackoff)
	if err != nil {
		slog.ErrorContext(ctx, "mutation: invalid publish backoff config", "error", err)
		return
	}
	backoff = retry.WithMaxRetries(svc.cfg.PublishMaxAttempts-1, backoff)
	backoff = retry.WithJitterPercent(svc.cfg.PublishJitterPercent, backoff)

	for _, oe := range outboxEvents {
		var env events.Envelope
		if err := json.Unmarshal(oe.Envelope, &env); err != nil {
			slog.ErrorContext(ctx, "mutation: corrupt outbox envelope, leaving for sweeper", "event_id", oe.EventID, "error", err)
			continue
		}

		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if pErr := svc.publisher.Publish(ctx, oe.Topic, env); pErr != nil {
				return retry.RetryableError(pErr)
			}
			return nil
		})
		if err != nil {
			slog.WarnContext(ctx, "mutation: publish failed after retries, handed to outbox sweeper",
				"topic", oe.Topic, "event_id", oe.EventID, "error", err)
			continue
		}

		if mErr := svc.store.MarkEventDelivered(ctx, oe.EventID); mErr != nil {
			slog.ErrorContext(ctx, "mutation: publish succeeded but failed to mark outbox delivered (sweeper will redeliver, harmless)",
				"event_id", oe.EventID, "error", mErr)
		}
	}
}

