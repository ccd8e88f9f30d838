package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var got []*Event
	_, err := b.Subscribe("run.started", func(ctx context.Context, e *Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("run.started", "engine", map[string]interface{}{"run_id": "r1"})
	require.NoError(t, b.Publish(context.Background(), "run.started", ev))

	// Memory bus delivery is synchronous: the event is observed before
	// Publish returns.
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].Data["run_id"])
}

func TestWildcardSingleToken(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var subjects []string
	_, err := b.Subscribe("workorder.*", func(ctx context.Context, e *Event) error {
		subjects = append(subjects, e.Type)
		return nil
	})
	require.NoError(t, err)

	_ = b.Publish(context.Background(), "workorder.state_changed", NewEvent("workorder.state_changed", "fsm", nil))
	_ = b.Publish(context.Background(), "workorder.terminal_reached", NewEvent("workorder.terminal_reached", "fsm", nil))
	_ = b.Publish(context.Background(), "run.started", NewEvent("run.started", "engine", nil))

	assert.Equal(t, []string{"workorder.state_changed", "workorder.terminal_reached"}, subjects)
}

func TestWildcardMultiToken(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	count := 0
	_, err := b.Subscribe(">", func(ctx context.Context, e *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	_ = b.Publish(context.Background(), "scheduler.work_claimed", NewEvent("scheduler.work_claimed", "scheduler", nil))
	_ = b.Publish(context.Background(), "resource.slot_available", NewEvent("resource.slot_available", "monitor", nil))

	assert.Equal(t, 2, count)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	count := 0
	sub, err := b.Subscribe("run.started", func(ctx context.Context, e *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	_ = b.Publish(context.Background(), "run.started", NewEvent("run.started", "engine", nil))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	_ = b.Publish(context.Background(), "run.started", NewEvent("run.started", "engine", nil))
	assert.Equal(t, 1, count)
}

func TestQueueSubscribeRoundRobin(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	for _, name := range []string{"a", "b"} {
		name := name
		_, err := b.QueueSubscribe("run.completed", "workers", func(ctx context.Context, e *Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		_ = b.Publish(context.Background(), "run.completed", NewEvent("run.completed", "engine", nil))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, counts["a"])
	assert.Equal(t, 2, counts["b"])
}

func TestPublishAfterClose(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()

	err := b.Publish(context.Background(), "run.started", NewEvent("run.started", "engine", nil))
	assert.Error(t, err)
	assert.False(t, b.IsConnected())
}

func TestHandlerCanPublish(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var chained bool
	_, err := b.Subscribe("workorder.terminal_reached", func(ctx context.Context, e *Event) error {
		chained = true
		return nil
	})
	require.NoError(t, err)

	_, err = b.Subscribe("workorder.state_changed", func(ctx context.Context, e *Event) error {
		// Re-entrant publish must not deadlock.
		return b.Publish(ctx, "workorder.terminal_reached", NewEvent("workorder.terminal_reached", "fsm", nil))
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "workorder.state_changed", NewEvent("workorder.state_changed", "fsm", nil)))
	assert.True(t, chained)
}
