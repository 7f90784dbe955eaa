// Package broadcaster implements the Update-Broadcaster consumer (spec
// §4.8): each replica subscribes to task-updates under its own distinct
// consumer group, so every replica receives every message and then filters
// by whether it locally holds a connection for the message's user_id.
package broadcaster

import (
	"context"
	"fmt"

	"github.com/taskforge/taskforge/internal/bus"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/live"
)

// GroupPrefix is prepended to a per-replica identifier (e.g. a pod name) to
// build this replica's consumer group, per spec §4.8.
const GroupPrefix = "broadcaster-"

// Consumer pushes task-updates messages to this replica's locally attached
// connections.
type Consumer struct {
	registry *live.Registry
	groupID  string
}

// New builds a Consumer whose consumer group is GroupPrefix+replicaID.
func New(registry *live.Registry, replicaID string) *Consumer {
	return &Consumer{registry: registry, groupID: GroupPrefix + replicaID}
}

// Run subscribes to events.TopicTaskUpdates under this replica's group.
func (c *Consumer) Run(ctx context.Context, b bus.Subscriber) error {
	return b.Subscribe(ctx, events.TopicTaskUpdates, c.groupID, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg bus.Message) error {
	env := msg.Envelope
	if err := events.CheckVersion(env.SchemaVersion); err != nil {
		return msg.Ack(ctx)
	}

	c.registry.Push(env.UserID, live.Frame{
		Type:      env.EventType,
		Task:      env.TaskData,
		Timestamp: env.Timestamp,
	})

	if err := msg.Ack(ctx); err != nil {
		return fmt.Errorf("broadcaster: ack: %w", err)
	}
	return nil
}
