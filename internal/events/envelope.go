// Package events defines the wire-stable event envelope published to the
// Bus and the topic/event-type taxonomy described in spec §4.2/§6.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Topic names. Partition key on every topic is UserID.
const (
	TopicTaskEvents   = "task-events"
	TopicReminders    = "reminders"
	TopicTaskUpdates  = "task-updates"
)

// Event types, grouped by the topic that carries them.
const (
	TypeTaskCreated   = "task.created"
	TypeTaskUpdated   = "task.updated"
	TypeTaskCompleted = "task.completed"
	TypeTaskDeleted   = "task.deleted"

	TypeReminderCreated = "reminder.created"
	TypeReminderSent    = "reminder.sent"
	TypeReminderSkipped = "reminder.skipped"
	TypeReminderFailed  = "reminder.failed"
)

// SchemaVersion is the envelope schema version this build produces and the
// compiled MAJOR version it accepts from others.
const SchemaVersion = "1.0.0"

// CompiledMajor is the MAJOR version this build understands. Consumers
// reject envelopes stamped with any other major.
const CompiledMajor = 1

// Envelope is the tagged-variant wire record on the Bus (spec §3, §6).
// EventType is the discriminant; TaskData is typed per variant by callers
// via Unmarshal helpers rather than ad hoc string matching on the payload.
type Envelope struct {
	EventType     string          `json:"event_type"`
	EventID       string          `json:"event_id"`
	TaskID        *string         `json:"task_id"`
	UserID        string          `json:"user_id"`
	TaskData      json.RawMessage `json:"task_data"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
}

// New builds an envelope with SchemaVersion stamped to this build's version.
func New(eventType, eventID string, taskID *string, userID string, data any, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal task_data: %w", err)
	}
	return Envelope{
		EventType:     eventType,
		EventID:       eventID,
		TaskID:        taskID,
		UserID:        userID,
		TaskData:      raw,
		Timestamp:     ts,
		SchemaVersion: SchemaVersion,
	}, nil
}

// CheckVersion applies the producer/consumer compatibility rule from spec
// §6: accept all MINOR versions within the compiled MAJOR, reject unknown
// MAJOR, ignore unknown fields (the latter is automatic via json.RawMessage
// decoding of TaskData downstream).
func CheckVersion(schemaVersion string) error {
	major, _, _ := strings.Cut(schemaVersion, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return fmt.Errorf("malformed schema_version %q: %w", schemaVersion, err)
	}
	if n != CompiledMajor {
		return fmt.Errorf("unsupported schema major version %d (compiled for %d)", n, CompiledMajor)
	}
	return nil
}

// Decode unmarshals TaskData into v, after validating the envelope's
// schema_version against this build's compiled major.
func (e Envelope) Decode(v any) error {
	if err := CheckVersion(e.SchemaVersion); err != nil {
		return err
	}
	if len(e.TaskData) == 0 {
		return nil
	}
	return json.Unmarshal(e.TaskData, v)
}
