package domain

import "errors"

// Domain errors are returned by the Store and checked by the Mutation API
// and consumers. They map onto the error taxonomy of the external API
// boundary (Invalid, NotFound, Conflict, Unavailable, Fatal) but are kept
// here as plain sentinels so every layer can use errors.Is/errors.As rather
// than a parallel status-code system.
var (
	// ErrNotFound indicates the requested entity does not exist for the
	// given user_id. It never distinguishes "exists for another user" from
	// "does not exist at all" - callers must not leak cross-user existence.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a store-level invariant violation (uniqueness,
	// referential integrity, or a state machine rule enforced by a
	// constraint).
	ErrConflict = errors.New("conflict")

	// ErrInvalid indicates a validation failure in the caller's input.
	ErrInvalid = errors.New("invalid")

	// ErrUnavailable indicates a transient dependency failure (DB
	// connectivity, bus unreachable). Callers may retry.
	ErrUnavailable = errors.New("unavailable")

	// ErrUnauthenticated indicates the caller's user_id could not be
	// established from the upstream JWT.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTitleRequired indicates a missing task title.
	ErrTitleRequired = errors.New("title is required")

	// ErrTitleTooLong indicates a task title over 500 characters.
	ErrTitleTooLong = errors.New("title exceeds 500 characters")

	// ErrInvalidPriority indicates a priority value outside the enum.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrTooManyTags indicates more than 10 tags on a task.
	ErrTooManyTags = errors.New("too many tags")

	// ErrTagTooLong indicates a tag over 50 characters.
	ErrTagTooLong = errors.New("tag exceeds 50 characters")

	// ErrDueDateNotFuture indicates a due_date that is not strictly in the
	// future at creation time.
	ErrDueDateNotFuture = errors.New("due_date must be in the future")

	// ErrDueDateImmutableOnCompleted indicates an attempt to change
	// due_date on an already-completed task outside the recurring-generator
	// path.
	ErrDueDateImmutableOnCompleted = errors.New("due_date cannot change on a completed task")

	// ErrInvalidRecurrencePattern indicates a pattern outside
	// {daily, weekly, monthly}.
	ErrInvalidRecurrencePattern = errors.New("invalid recurrence pattern")

	// ErrInvalidRecurrenceInterval indicates an interval outside the
	// per-pattern bounds.
	ErrInvalidRecurrenceInterval = errors.New("invalid recurrence interval")

	// ErrReminderTimeNotFuture indicates a reminder_time that is not
	// strictly in the future.
	ErrReminderTimeNotFuture = errors.New("reminder_time must be in the future")

	// ErrReminderAfterDueDate indicates reminder_time > task.due_date.
	ErrReminderAfterDueDate = errors.New("reminder_time must not be after due_date")

	// ErrEmptyUpdateMask indicates an update call with no fields selected.
	ErrEmptyUpdateMask = errors.New("update mask is empty")

	// ErrUnknownField indicates an update mask field not recognised by the
	// target entity.
	ErrUnknownField = errors.New("unknown field in update mask")
)
