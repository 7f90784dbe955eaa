// Package notification defines the NotificationSink collaborator (spec
// §1, §4.6): the transport that actually delivers a reminder is external
// and pluggable; the core only calls Deliver with bounded retries owned by
// the caller (internal/consumers/reminder), not by the sink itself.
package notification

import "context"

// TaskSnapshot is the payload handed to a sink on reminder delivery.
type TaskSnapshot struct {
	TaskID      string
	Title       string
	Description *string
	DueDate     *string // RFC3339, nil if unset
}

// Sink delivers a reminder notification to userID. Implementations should
// respect ctx's deadline (spec §5: sink delivery <= 5s per attempt) and
// return a plain error on failure - the caller owns retry/backoff policy.
type Sink interface {
	Deliver(ctx context.Context, userID string, task TaskSnapshot) error
}
