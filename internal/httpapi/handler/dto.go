// Package handler implements the Mutation API's REST surface: thin,
// transport-only adapters that decode a request body, call
// internal/mutation.Service, and hand the result to internal/httpapi
// /response. No business logic lives here - that is the whole point of
// keeping the Mutation API transport-agnostic (spec §6).
package handler

import "time"

// taskDTO is the wire shape of a Task. domain.Task carries no JSON tags
// deliberately - the domain package has no opinion on wire format - so the
// handler layer owns this mapping.
type taskDTO struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Title        string     `json:"title"`
	Description  *string    `json:"description,omitempty"`
	Completed    bool       `json:"completed"`
	Priority     string     `json:"priority"`
	Tags         []string   `json:"tags,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	RecurrenceID *string    `json:"recurrence_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type recurrenceParamsDTO struct {
	Pattern  string `json:"pattern"`
	Interval int    `json:"interval"`
}

type reminderParamsDTO struct {
	ReminderTime   time.Time `json:"reminder_time"`
	DeliveryMethod string    `json:"delivery_method"`
}

type createTaskRequest struct {
	Title       string               `json:"title"`
	Description *string              `json:"description"`
	Priority    string               `json:"priority"`
	Tags        []string             `json:"tags"`
	DueDate     *time.Time           `json:"due_date"`
	Recurrence  *recurrenceParamsDTO `json:"recurrence"`
	Reminders   []reminderParamsDTO  `json:"reminders"`
}

type updateTaskRequest struct {
	UpdateMask  []string   `json:"update_mask"`
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Priority    *string    `json:"priority"`
	Tags        []string   `json:"tags"`
	DueDate     *time.Time `json:"due_date"`
}

type listTasksResponse struct {
	Items      []taskDTO `json:"items"`
	TotalCount int       `json:"total_count"`
	HasMore    bool      `json:"has_more"`
}
