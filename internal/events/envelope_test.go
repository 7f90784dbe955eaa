package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/events"
)

func TestCheckVersion(t *testing.T) {
	require.NoError(t, events.CheckVersion("1.0.0"))
	require.NoError(t, events.CheckVersion("1.9.3"))
	require.Error(t, events.CheckVersion("2.0.0"))
	require.Error(t, events.CheckVersion("not-a-version"))
}

func TestEnvelope_DecodeRoundTrip(t *testing.T) {
	taskID := "task-1"
	snap := events.TaskSnapshot{ID: taskID, UserID: "user-1", Title: "Buy milk", Priority: "normal", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}

	env, err := events.New(events.TypeTaskCreated, "event-1", &taskID, "user-1", snap, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, events.SchemaVersion, env.SchemaVersion)

	var got events.TaskSnapshot
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, snap.Title, got.Title)
}

func TestEnvelope_DecodeRejectsUnknownMajor(t *testing.T) {
	env := events.Envelope{EventType: events.TypeTaskCreated, SchemaVersion: "2.0.0"}
	var got events.TaskSnapshot
	require.Error(t, env.Decode(&got))
}
