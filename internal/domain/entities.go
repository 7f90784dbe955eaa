package domain

import "time"

// Task is a user's todo item.
//
// Invariants enforced by the Store and the Mutation API:
//   - UserID is immutable once set.
//   - On a non-recurring mutation, Completed can only move once per request
//     (pending<->completed is a two-state machine, not a toggle loop).
//   - DueDate, if set on create, must be strictly in the future.
//   - DueDate cannot change on an already-completed task, except when the
//     mutation is the Recurring-Generator creating the next instance.
type Task struct {
	ID           string
	UserID       string
	Title        string
	Description  *string
	Completed    bool
	Priority     Priority
	Tags         []string
	DueDate      *time.Time
	RecurrenceID *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RecurrenceMetadata is the frozen snapshot of template attributes captured
// at RecurrenceRule creation time and copied onto every generated instance.
// Later edits to the template task do not mutate future instances because
// the generator reads this snapshot, not the live template row.
type RecurrenceMetadata struct {
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Priority    Priority `json:"priority"`
	Tags        []string `json:"tags,omitempty"`
}

// RecurrenceRule describes how a task repeats.
//
// Invariant: exactly one RecurrenceRule per recurring chain; all Task rows
// sharing RecurrenceID belong to it; at most one pending (Completed=false)
// Task per RecurrenceID at a time - this is the Recurring-Generator's
// idempotency guard, enforceable as a partial unique index.
type RecurrenceRule struct {
	ID        string
	TaskID    string
	UserID    string
	Pattern   RecurrencePattern
	Interval  int
	Metadata  RecurrenceMetadata
	CreatedAt time.Time
}

// Reminder is a scheduled future notification about a Task.
//
// Invariants: cascades on TaskID deletion; Status transitions
// pending->sent or pending->failed, never backward; SentAt is set iff
// Status == ReminderStatusSent.
type Reminder struct {
	ID             string
	TaskID         string
	UserID         string
	ReminderTime   time.Time
	Status         ReminderStatus
	DeliveryMethod string
	RetryCount     int
	CreatedAt      time.Time
	SentAt         *time.Time
}

// MaxReminderRetries is the retry ceiling before a Reminder is marked failed.
const MaxReminderRetries = 3

// ReminderRetryBackoff is the fixed reschedule delay indexed by
// retry_count-1: +5s after the first failed delivery, +30s after the
// second. The third failure reaches MaxReminderRetries and marks the
// reminder failed, so the 120s entry is not consulted while
// MaxReminderRetries is 3.
var ReminderRetryBackoff = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	120 * time.Second,
}

// AuditLogEntry is an immutable change record. No update or delete path
// exists anywhere in the system for this entity.
type AuditLogEntry struct {
	ID        string
	EventType string
	UserID    string
	TaskID    *string
	Details   []byte // arbitrary structured value, stored as JSON
	Timestamp time.Time
}

// RecurrenceException records one instance date of a recurring chain that
// must not be generated: the user deleted or skipped that occurrence
// without ending the series. The Recurring-Task-Generator consults these
// before materialising the next instance and skips forward over any
// excepted date instead of creating a task for it.
type RecurrenceException struct {
	ID           string
	RecurrenceID string
	InstanceDate time.Time
	CreatedAt    time.Time
}
