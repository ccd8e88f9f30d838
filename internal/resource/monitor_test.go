package resource

import (
	"context"
	"testing"

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

func testConfig() config.ResourceConfig {
	return config.ResourceConfig{
		MaxSlots:          2,
		MemoryBudgetBytes: 1000,
		SampleIntervalMs:  50,
		WarningFraction:   0.8,
		CriticalFraction:  0.9,
	}
}

func newTestMonitor(t *testing.T) (*Monitor, bus.EventBus) {
	t.Helper()
	log := testLogger(t)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return NewMonitor(testConfig(), b, log), b
}

func TestAcquireUpToCap(t *testing.T) {
	m, _ := newTestMonitor(t)

	s1, ok := m.AcquireSlot("wo-1")
	require.True(t, ok)
	s2, ok := m.AcquireSlot("wo-2")
	require.True(t, ok)
	_, ok = m.AcquireSlot("wo-3")
	assert.False(t, ok)

	h := m.Health()
	assert.Equal(t, 2, h.SlotsInUse)
	assert.Equal(t, 0, h.SlotsFree)

	m.ReleaseSlot(context.Background(), s1)
	_, ok = m.AcquireSlot("wo-3")
	assert.True(t, ok)

	m.ReleaseSlot(context.Background(), s2)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, b := newTestMonitor(t)
	ctx := context.Background()

	available := 0
	_, err := b.Subscribe(events.SlotAvailable, func(ctx context.Context, e *bus.Event) error {
		available++
		return nil
	})
	require.NoError(t, err)

	slot, ok := m.AcquireSlot("wo-1")
	require.True(t, ok)

	m.ReleaseSlot(ctx, slot)
	m.ReleaseSlot(ctx, slot)
	m.ReleaseSlot(ctx, slot)

	assert.Equal(t, 1, available)
	assert.Equal(t, 0, m.Health().SlotsInUse)
}

func TestCriticalPressureBlocksAcquire(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()

	m.readMem = func() int64 { return 950 } // 95% of budget
	m.Sample(ctx)
	require.Equal(t, PressureCritical, m.Pressure())

	// Free slots exist, but pressure blocks acquisition.
	_, ok := m.AcquireSlot("wo-1")
	assert.False(t, ok)

	m.readMem = func() int64 { return 100 }
	m.Sample(ctx)
	require.Equal(t, PressureOK, m.Pressure())

	_, ok = m.AcquireSlot("wo-1")
	assert.True(t, ok)
}

func TestPressureEventOnLevelChangeOnly(t *testing.T) {
	m, b := newTestMonitor(t)
	ctx := context.Background()

	var levels []string
	_, err := b.Subscribe(events.MemoryPressure, func(ctx context.Context, e *bus.Event) error {
		levels = append(levels, e.Data["level"].(string))
		return nil
	})
	require.NoError(t, err)

	m.readMem = func() int64 { return 850 }
	m.Sample(ctx) // ok -> warning
	m.Sample(ctx) // warning -> warning: no event
	m.readMem = func() int64 { return 950 }
	m.Sample(ctx) // warning -> critical
	m.readMem = func() int64 { return 100 }
	m.Sample(ctx) // critical -> ok

	assert.Equal(t, []string{"warning", "critical", "ok"}, levels)
}

func TestZeroBudgetDisablesPressure(t *testing.T) {
	log := testLogger(t)
	cfg := testConfig()
	cfg.MemoryBudgetBytes = 0
	m := NewMonitor(cfg, nil, log)

	m.readMem = func() int64 { return 1 << 40 }
	m.Sample(context.Background())
	assert.Equal(t, PressureOK, m.Pressure())
}

func TestHealthSnapshot(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()

	m.readMem = func() int64 { return 500 }
	m.Sample(ctx)

	_, ok := m.AcquireSlot("wo-1")
	require.True(t, ok)

	h := m.Health()
	assert.Equal(t, 2, h.SlotsTotal)
	assert.Equal(t, 1, h.SlotsInUse)
	assert.Equal(t, 1, h.SlotsFree)
	assert.Equal(t, int64(500), h.MemoryUsed)
	assert.Equal(t, int64(1000), h.MemoryBudget)
	assert.Equal(t, PressureOK, h.Pressure)
}
