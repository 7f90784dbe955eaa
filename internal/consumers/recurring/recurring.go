// Package recurring implements the Recurring-Task-Generator consumer (spec
// §4.5): on a task's completion, materialise its next recurring instance
// through the Mutation API, never by writing the Store directly, so the
// new task still goes through commit-then-publish like any other mutation.
package recurring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskforge/taskforge/internal/bus"
	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/events"
	rec "github.com/taskforge/taskforge/internal/recurring"
	"github.com/taskforge/taskforge/internal/store"
)

// GroupID is this consumer's group.
const GroupID = "recurring-generator"

// Generator is the subset of the Mutation API this consumer needs, keeping
// the dependency one-directional (mutation never imports consumers).
type Generator interface {
	CreateRecurringInstance(ctx context.Context, userID string, rule domain.RecurrenceRule, dueDate time.Time) (domain.Task, error)
}

// Consumer generates the next instance of a completed recurring task.
type Consumer struct {
	store     store.Store
	generator Generator
}

// New builds a Consumer.
func New(s store.Store, generator Generator) *Consumer {
	return &Consumer{store: s, generator: generator}
}

// Run subscribes to events.TopicTaskEvents under GroupID.
func (c *Consumer) Run(ctx context.Context, b bus.Subscriber) error {
	return b.Subscribe(ctx, events.TopicTaskEvents, GroupID, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg bus.Message) error {
	env := msg.Envelope
	if env.EventType != events.TypeTaskCompleted {
		return msg.Ack(ctx)
	}
	if err := events.CheckVersion(env.SchemaVersion); err != nil {
		return msg.Ack(ctx)
	}
	if env.TaskID == nil {
		return msg.Ack(ctx)
	}

	// Step 1: reload from the Store rather than trusting the envelope
	// snapshot, since the task may have changed again between publish and
	// delivery.
	task, err := c.store.GetTask(ctx, *env.TaskID, env.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return msg.Ack(ctx)
	}
	if err != nil {
		return fmt.Errorf("recurring: load task: %w", err)
	}
	if !task.Completed || task.RecurrenceID == nil {
		return msg.Ack(ctx)
	}

	// Step 2: load the rule.
	rule, err := c.store.GetRecurrenceRule(ctx, *task.RecurrenceID, task.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return msg.Ack(ctx)
	}
	if err != nil {
		return fmt.Errorf("recurring: load rule: %w", err)
	}

	// Step 3: idempotency guard - if the next instance already exists,
	// there is nothing to do. This is the sole dedup mechanism; no
	// separate event_id ledger is kept for this consumer.
	pending, err := c.store.HasPendingSibling(ctx, rule.ID)
	if err != nil {
		return fmt.Errorf("recurring: check pending sibling: %w", err)
	}
	if pending {
		return msg.Ack(ctx)
	}

	// Step 4: compute next_due_date from the completed task's due_date,
	// falling back to now() when it was unset, skipping forward over any
	// instance date recorded as an exception (spec §12).
	from := time.Now().UTC()
	if task.DueDate != nil {
		from = *task.DueDate
	}
	nextDue, err := rec.NextNonExceptedDueDate(ctx, rule.Pattern, rule.Interval, from, func(ctx context.Context, d time.Time) (bool, error) {
		return c.store.IsRecurrenceExceptionDate(ctx, rule.ID, d)
	})
	if err != nil {
		return fmt.Errorf("recurring: check exceptions: %w", err)
	}

	// Steps 5-6: build and submit the next instance through the Mutation
	// API, carrying the rule's frozen metadata forward unchanged.
	if _, err := c.generator.CreateRecurringInstance(ctx, task.UserID, rule, nextDue); err != nil {
		return fmt.Errorf("recurring: create next instance: %w", err)
	}

	return msg.Ack(ctx)
}
