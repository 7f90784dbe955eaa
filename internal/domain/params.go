package domain

import "time"

// RecurrenceParams is the recurrence selection on task creation:
// {pattern, interval}.
type RecurrenceParams struct {
	Pattern  string
	Interval int
}

// ReminderParams is one entry of the reminders list on task creation.
type ReminderParams struct {
	ReminderTime   time.Time
	DeliveryMethod string
}

// CreateTaskParams is the validated input to create_task.
type CreateTaskParams struct {
	Title       string
	Description *string
	Priority    string
	Tags        []string
	DueDate     *time.Time
	Recurrence  *RecurrenceParams
	Reminders   []ReminderParams
}

// Valid fields for UpdateTaskParams.UpdateMask.
var updateTaskValidFields = map[string]struct{}{
	"title":       {},
	"description": {},
	"priority":    {},
	"tags":        {},
	"due_date":    {},
}

// UpdateTaskParams is the validated input to update_task: a field-mask plus
// per-field pointers, mirroring the closed-record style mandated by the
// spec (no "anything goes" options bag).
type UpdateTaskParams struct {
	UpdateMask  []string
	Title       *string
	Description *string
	Priority    *string
	Tags        []string
	DueDate     *time.Time
}

// Validate checks that UpdateMask is non-empty, contains only known fields,
// and that title and priority carry a value when named in the mask. A nil
// description, tags or due_date named in the mask is accepted.
func (p UpdateTaskParams) Validate() error {
	if len(p.UpdateMask) == 0 {
		return ErrEmptyUpdateMask
	}

	mask := make(map[string]bool, len(p.UpdateMask))
	for _, field := range p.UpdateMask {
		if _, ok := updateTaskValidFields[field]; !ok {
			return &FieldError{Field: field, Err: ErrUnknownField}
		}
		mask[field] = true
	}

	if mask["title"] && p.Title == nil {
		return &FieldError{Field: "title", Err: ErrTitleRequired}
	}
	if mask["priority"] && p.Priority == nil {
		return &FieldError{Field: "priority", Err: ErrInvalidPriority}
	}

	return nil
}

// FieldError wraps a validation error with the offending field name so the
// Mutation API can surface ErrInvalid with field and reason per spec §4.9.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// ListTasksParams filters, sorts, and paginates list_tasks.
type ListTasksParams struct {
	Status    *bool // Completed filter; nil = no filter
	Priority  *Priority
	Tag       *string
	DueBefore *time.Time
	DueAfter  *time.Time

	// OrderBy is one of "due_date", "priority", "created_at", "updated_at";
	// empty uses the default created_at DESC.
	OrderBy string

	Limit  int
	Offset int
}

// PagedResult is the return shape of list_tasks.
type PagedResult struct {
	Items      []Task
	TotalCount int
	HasMore    bool
}
