package events

import "time"

// TaskSnapshot is the task_data payload for every task.* event type.
type TaskSnapshot struct {
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

// ReminderPayload is the task_data payload for reminder.* event types.
type ReminderPayload struct {
	ReminderID   string     `json:"reminder_id"`
	TaskID       string     `json:"task_id"`
	UserID       string     `json:"user_id"`
	ReminderTime time.Time  `json:"reminder_time"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}
