package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/bus"
	"github.com/taskforge/taskforge/internal/bus/memory"
	"github.com/taskforge/taskforge/internal/events"
)

func TestBus_DistinctGroupsEachSeeEveryMessage(t *testing.T) {
	b := memory.New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var groupA, groupB []string

	go b.Subscribe(ctx, events.TopicTaskEvents, "audit", func(_ context.Context, m bus.Message) error {
		mu.Lock()
		groupA = append(groupA, m.Envelope.EventID)
		mu.Unlock()
		return m.Ack(ctx)
	})
	go b.Subscribe(ctx, events.TopicTaskEvents, "recurring-generator", func(_ context.Context, m bus.Message) error {
		mu.Lock()
		groupB = append(groupB, m.Envelope.EventID)
		mu.Unlock()
		return m.Ack(ctx)
	})

	time.Sleep(10 * time.Millisecond) // let both subscriptions register

	env, err := events.New(events.TypeTaskCompleted, "evt-1", nil, "user-1", map[string]any{}, time.Now())
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, events.TopicTaskEvents, env))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(groupA) == 1 && len(groupB) == 1
	}, time.Second, 5*time.Millisecond)
}
