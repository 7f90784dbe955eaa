// Package store defines the Store port (spec §4.1): a transactional record
// store backed by a relational database. Every write is a transaction;
// invariants are expressed as database constraints wherever possible.
package store

import (
	"context"
	"time"

	"github.com/taskforge/taskforge/internal/domain"
)

// OutboxEvent is one envelope to be durably recorded in the same
// transaction as the business write it accompanies (spec §4.3, §9). The
// Mutation API constructs these before calling into the Store so the event
// content (event_id, timestamps, ids) is fully determined pre-commit.
type OutboxEvent struct {
	Topic     string
	EventID   string
	UserID    string
	Envelope  []byte // JSON-encoded events.Envelope
}

// TaskPatch is the set of column-level changes applied by CommitTaskUpdate.
// Only non-nil fields are applied; it mirrors domain.UpdateTaskParams after
// validation.
type TaskPatch struct {
	Title       *string
	Description *string
	ClearDesc   bool
	Priority    *domain.Priority
	Tags        []string
	SetTags     bool
	DueDate     *time.Time
	ClearDue    bool
}

// OutboxRow is a durable, not-yet-delivered event as read back by the
// sweeper.
type OutboxRow struct {
	ID           int64
	UserID       string
	Topic        string
	EnvelopeJSON []byte
	CreatedAt    time.Time
}

// Store is the full persistence port consumed by the Mutation API, the
// consumers, and the outbox sweeper.
type Store interface {
	// CommitTaskCreate inserts a Task and, if supplied, its RecurrenceRule
	// and Reminders, plus one outbox row per outboxEvents entry, all in one
	// transaction (spec §4.1, §4.3).
	CommitTaskCreate(ctx context.Context, task domain.Task, rule *domain.RecurrenceRule, reminders []domain.Reminder, outboxEvents []OutboxEvent) (domain.Task, error)

	// CommitTaskUpdate applies patch to the task owned by userID and
	// returns both the pre- and post-update snapshots so the caller can
	// diff for the event payload.
	CommitTaskUpdate(ctx context.Context, taskID, userID string, patch TaskPatch, outboxEvents []OutboxEvent) (oldTask, newTask domain.Task, err error)

	// CommitTaskComplete marks the task complete. If it was already
	// complete, noop is true and the Store performs no write (the caller
	// must then skip publishing, per spec §4.3 no-op elision).
	CommitTaskComplete(ctx context.Context, taskID, userID string, outboxEvents []OutboxEvent) (oldTask, newTask domain.Task, noop bool, err error)

	// CommitTaskDelete deletes the task (cascading reminders and, if it is
	// a recurrence template, the RecurrenceRule) and returns the
	// pre-deletion snapshot.
	CommitTaskDelete(ctx context.Context, taskID, userID string, outboxEvents []OutboxEvent) (domain.Task, error)

	// GetTask returns the task owned by userID, or domain.ErrNotFound.
	GetTask(ctx context.Context, taskID, userID string) (domain.Task, error)

	// ListTasks applies filters/sort/pagination scoped to userID.
	ListTasks(ctx context.Context, userID string, params domain.ListTasksParams) (domain.PagedResult, error)

	// GetRecurrenceRule returns the rule owned by userID, or
	// domain.ErrNotFound.
	GetRecurrenceRule(ctx context.Context, ruleID, userID string) (domain.RecurrenceRule, error)

	// HasPendingSibling reports whether any task with this recurrenceID is
	// still incomplete - the Recurring-Generator's idempotency guard
	// (spec §4.5 step 3).
	HasPendingSibling(ctx context.Context, recurrenceID string) (bool, error)

	// GetReminder returns the reminder, or domain.ErrNotFound.
	GetReminder(ctx context.Context, reminderID string) (domain.Reminder, error)

	// UpdateReminderState sets the reminder's status, retry_count and
	// sent_at and inserts outboxEvents in the same transaction.
	UpdateReminderState(ctx context.Context, reminderID string, status domain.ReminderStatus, retryCount int, sentAt *time.Time, outboxEvents []OutboxEvent) error

	// InsertAuditEntry appends one row to audit_log. A duplicate EventID is
	// treated as success (spec §4.4): the unique index on event_id turns the
	// second insert into a constraint violation the Audit consumer maps
	// back to nil.
	InsertAuditEntry(ctx context.Context, entry domain.AuditLogEntry, eventID string) error

	// ClaimOutboxBatch claims up to limit not-yet-delivered outbox rows,
	// ordered by (user_id, created_at) to preserve FIFO-per-user draining,
	// using SELECT ... FOR UPDATE SKIP LOCKED so concurrent sweeper
	// replicas do not double-claim.
	ClaimOutboxBatch(ctx context.Context, limit int) ([]OutboxRow, error)

	// MarkOutboxDelivered sets delivered_at for the given row ids.
	MarkOutboxDelivered(ctx context.Context, ids []int64) error

	// MarkEventDelivered marks the outbox row carrying eventID delivered.
	// The Mutation API calls this after a successful immediate publish so
	// the sweeper does not redeliver an event that already went out on the
	// synchronous path; a failed or skipped immediate publish simply
	// leaves the row for the sweeper to pick up.
	MarkEventDelivered(ctx context.Context, eventID string) error

	// OutboxDepth returns the count of not-yet-delivered outbox rows, for
	// the observable queue-depth metric (spec §7).
	OutboxDepth(ctx context.Context) (int, error)

	// InsertRecurrenceException records instanceDate as suppressed for
	// ruleID (spec §12): the user deleted or skipped that occurrence
	// without ending the recurring chain. A duplicate insert for the same
	// (ruleID, instanceDate) pair is a no-op, not an error.
	InsertRecurrenceException(ctx context.Context, ruleID string, instanceDate time.Time) error

	// IsRecurrenceExceptionDate reports whether instanceDate has been
	// recorded as an exception for ruleID. The Recurring-Task-Generator
	// consults this before materialising an occurrence.
	IsRecurrenceExceptionDate(ctx context.Context, ruleID string, instanceDate time.Time) (bool, error)

	Close() error
}
