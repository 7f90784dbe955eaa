// Package audit implements the Audit consumer (spec §4.4): a stateless
// subscriber that turns every task-events message into one append-only
// audit_log row.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/bus"
	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/store"
)

// GroupID is the consumer group every Audit replica joins, so exactly one
// replica processes each partition's messages while every other consumer
// group still receives its own independent copy (spec §4.2).
const GroupID = "audit"

// Consumer writes one audit_log row per task-events message.
type Consumer struct {
	store store.Store
}

// New builds a Consumer over s.
func New(s store.Store) *Consumer {
	return &Consumer{store: s}
}

// Run subscribes to events.TopicTaskEvents under GroupID and blocks until
// ctx is cancelled or the subscription fails unrecoverably.
func (c *Consumer) Run(ctx context.Context, b bus.Subscriber) error {
	return b.Subscribe(ctx, events.TopicTaskEvents, GroupID, c.handle)
}

// handle implements bus.Handler. A duplicate delivery (same event_id) is
// treated as success: the unique index on audit_log.event_id turns the
// second insert into a constraint violation, which InsertAuditEntry
// surfaces as domain.ErrConflict here.
func (c *Consumer) handle(ctx context.Context, msg bus.Message) error {
	env := msg.Envelope
	if err := events.CheckVersion(env.SchemaVersion); err != nil {
		// An envelope from a future major version cannot be interpreted;
		// acking drops it rather than blocking this partition forever.
		return msg.Ack(ctx)
	}

	entry := domain.AuditLogEntry{
		ID:        uuid.Must(uuid.NewV7()).String(),
		EventType: env.EventType,
		UserID:    env.UserID,
		TaskID:    env.TaskID,
		Details:   env.TaskData,
		Timestamp: env.Timestamp,
	}

	err := c.store.InsertAuditEntry(ctx, entry, env.EventID)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return msg.Ack(ctx)
}
