package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func testConfig() config.RetryConfig {
	return config.RetryConfig{
		BaseDelayMs:  100,
		MaxDelayMs:   1000,
		Multiplier:   2.0,
		JitterFactor: 0.1,
		MaxRetries:   3,
	}
}

func TestDelayGrowsExponentiallyAndCaps(t *testing.T) {
	m := NewManager(testConfig(), nil, testLogger(t), nil)
	m.randFloat = func() float64 { return 0.5 } // jitter factor of exactly 1

	assert.Equal(t, 100*time.Millisecond, m.Delay(1))
	assert.Equal(t, 200*time.Millisecond, m.Delay(2))
	assert.Equal(t, 400*time.Millisecond, m.Delay(3))
	assert.Equal(t, 800*time.Millisecond, m.Delay(4))
	// attempt 5 would be 1600ms; capped at the ceiling
	assert.Equal(t, 1000*time.Millisecond, m.Delay(5))
	assert.Equal(t, 1000*time.Millisecond, m.Delay(10))
}

func TestDelayJitterBounds(t *testing.T) {
	m := NewManager(testConfig(), nil, testLogger(t), nil)

	m.randFloat = func() float64 { return 0 } // lowest draw
	assert.Equal(t, 90*time.Millisecond, m.Delay(1))

	m.randFloat = func() float64 { return 0.9999999 } // highest draw
	low, high := 109*time.Millisecond, 110*time.Millisecond
	d := m.Delay(1)
	assert.True(t, d >= low && d <= high, "delay %v outside [%v, %v]", d, low, high)
}

func TestScheduleFiresCallback(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelayMs = 5
	cfg.MaxDelayMs = 10

	fired := make(chan string, 1)
	log := testLogger(t)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)

	m := NewManager(cfg, b, log, func(ctx context.Context, workOrderID string, attempt int) {
		fired <- workOrderID
	})
	t.Cleanup(m.Stop)

	var mu sync.Mutex
	var subjects []string
	_, err := b.Subscribe("retry.*", func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		subjects = append(subjects, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	delay, err := m.Schedule(context.Background(), "wo-1", 1)
	require.NoError(t, err)
	assert.Greater(t, delay, time.Duration(0))
	assert.True(t, m.Pending("wo-1"))

	select {
	case id := <-fired:
		assert.Equal(t, "wo-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("retry never fired")
	}

	assert.False(t, m.Pending("wo-1"))
	assert.Equal(t, 0, m.Stats().Pending)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{events.RetryScheduled, events.RetryFired}, subjects)
}

func TestCancelStopsTimer(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelayMs = 50
	cfg.MaxDelayMs = 100

	fired := make(chan string, 1)
	log := testLogger(t)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)

	m := NewManager(cfg, b, log, func(ctx context.Context, workOrderID string, attempt int) {
		fired <- workOrderID
	})
	t.Cleanup(m.Stop)

	cancelled := 0
	_, err := b.Subscribe(events.RetryCancelled, func(ctx context.Context, e *bus.Event) error {
		cancelled++
		return nil
	})
	require.NoError(t, err)

	_, err = m.Schedule(context.Background(), "wo-1", 1)
	require.NoError(t, err)

	require.True(t, m.Cancel(context.Background(), "wo-1"))
	assert.False(t, m.Pending("wo-1"))
	assert.Equal(t, 1, cancelled)

	// A second cancel is a no-op.
	assert.False(t, m.Cancel(context.Background(), "wo-1"))
	assert.Equal(t, 1, cancelled)

	select {
	case <-fired:
		t.Fatal("cancelled retry fired")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestScheduleReplacesPendingRetry(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelayMs = 20
	cfg.MaxDelayMs = 40
	cfg.JitterFactor = 0

	fired := make(chan int, 2)
	m := NewManager(cfg, nil, testLogger(t), func(ctx context.Context, workOrderID string, attempt int) {
		fired <- attempt
	})
	t.Cleanup(m.Stop)

	_, err := m.Schedule(context.Background(), "wo-1", 1)
	require.NoError(t, err)
	_, err = m.Schedule(context.Background(), "wo-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().Pending)

	select {
	case attempt := <-fired:
		assert.Equal(t, 2, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("retry never fired")
	}

	// Only the replacement fires.
	select {
	case <-fired:
		t.Fatal("replaced retry fired too")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopRejectsNewSchedules(t *testing.T) {
	m := NewManager(testConfig(), nil, testLogger(t), nil)

	_, err := m.Schedule(context.Background(), "wo-1", 1)
	require.NoError(t, err)

	m.Stop()
	assert.Equal(t, 0, m.Stats().Pending)

	_, err = m.Schedule(context.Background(), "wo-2", 1)
	assert.Error(t, err)
}
