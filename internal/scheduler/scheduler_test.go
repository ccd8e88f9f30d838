package scheduler

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
	"github.com/agentgate/agentgate/internal/resource"
	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type schedFixture struct {
	sched   *Scheduler
	monitor *resource.Monitor
	bus     bus.EventBus

	mu       sync.Mutex
	claimed  []string
	handled  chan string
	claimErr error
}

func newFixture(t *testing.T, slots int) *schedFixture {
	t.Helper()
	log := testLogger(t)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)

	monitor := resource.NewMonitor(config.ResourceConfig{
		MaxSlots:         slots,
		WarningFraction:  0.8,
		CriticalFraction: 0.9,
	}, b, log)

	cfg := config.SchedulerConfig{
		PollIntervalMs: 1000,
		StaggerDelayMs: 0,
	}
	f := &schedFixture{
		monitor: monitor,
		bus:     b,
		handled: make(chan string, 16),
	}
	f.sched = NewScheduler(cfg, NewQueue(0, true), monitor, b, log)
	f.sched.SetClaimFunc(func(ctx context.Context, workOrderID, slotID string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.claimErr != nil {
			return f.claimErr
		}
		f.claimed = append(f.claimed, workOrderID)
		return nil
	})
	f.sched.SetExecutionHandler(func(ctx context.Context, wo *v1.WorkOrder, slot *resource.Slot) {
		f.handled <- wo.ID
	})
	return f
}

func (f *schedFixture) waitHandled(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.handled:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
		return ""
	}
}

func TestClaimHandsWorkToHandler(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	var claims []string
	_, err := f.bus.Subscribe(events.WorkClaimed, func(ctx context.Context, e *bus.Event) error {
		claims = append(claims, e.Data["work_order_id"].(string))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.sched.Submit(ctx, order("wo-1", 1)))
	require.True(t, f.sched.claimNext(ctx))

	assert.Equal(t, "wo-1", f.waitHandled(t))
	assert.Equal(t, []string{"wo-1"}, claims)
	assert.Equal(t, 1, f.monitor.Health().SlotsInUse)
	assert.Equal(t, 0, f.sched.QueueDepth())
}

func TestClaimRespectsPriority(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	require.NoError(t, f.sched.Submit(ctx, order("low", 1)))
	require.NoError(t, f.sched.Submit(ctx, order("high", 10)))

	require.True(t, f.sched.claimNext(ctx))
	assert.Equal(t, "high", f.waitHandled(t))
	require.True(t, f.sched.claimNext(ctx))
	assert.Equal(t, "low", f.waitHandled(t))
}

func TestEmptyQueueEmitsQueueEmptyOnce(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	count := 0
	_, err := f.bus.Subscribe(events.QueueEmpty, func(ctx context.Context, e *bus.Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	assert.False(t, f.sched.claimNext(ctx))
	assert.False(t, f.sched.claimNext(ctx))
	assert.Equal(t, 1, count)

	// Queue refills and drains: the next empty poll emits again.
	require.NoError(t, f.sched.Submit(ctx, order("wo-1", 1)))
	require.True(t, f.sched.claimNext(ctx))
	f.waitHandled(t)
	assert.False(t, f.sched.claimNext(ctx))
	assert.Equal(t, 2, count)
}

func TestNoHandlerNoClaim(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.sched.SetExecutionHandler(nil)

	require.NoError(t, f.sched.Submit(ctx, order("wo-1", 1)))
	assert.False(t, f.sched.claimNext(ctx))
	assert.Equal(t, 1, f.sched.QueueDepth())
	assert.Equal(t, 0, f.monitor.Health().SlotsInUse)

	// The unbound-handler warning fires on the first attempt only.
	assert.True(t, f.sched.unboundWarned)
	assert.False(t, f.sched.claimNext(ctx))
	assert.True(t, f.sched.unboundWarned)

	// Binding a handler re-arms the warning and unblocks claiming.
	f.sched.SetExecutionHandler(func(ctx context.Context, wo *v1.WorkOrder, slot *resource.Slot) {
		f.handled <- wo.ID
	})
	assert.False(t, f.sched.unboundWarned)
	require.True(t, f.sched.claimNext(ctx))
	assert.Equal(t, "wo-1", f.waitHandled(t))
}

func TestClaimedSlotNamesDequeuedOrder(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	type claimPair struct{ workOrderID, slotOwner string }
	pairs := make(chan claimPair, 4)
	f.sched.SetExecutionHandler(func(ctx context.Context, wo *v1.WorkOrder, slot *resource.Slot) {
		pairs <- claimPair{wo.ID, slot.OwnerID}
	})

	require.NoError(t, f.sched.Submit(ctx, order("low", 1)))
	require.NoError(t, f.sched.Submit(ctx, order("high", 10)))

	// The slot is acquired for the entry actually popped, so its owner always
	// names the handed-off work order even when the head shifts.
	require.True(t, f.sched.claimNext(ctx))
	got := <-pairs
	assert.Equal(t, "high", got.workOrderID)
	assert.Equal(t, got.workOrderID, got.slotOwner)

	require.True(t, f.sched.claimNext(ctx))
	got = <-pairs
	assert.Equal(t, "low", got.workOrderID)
	assert.Equal(t, got.workOrderID, got.slotOwner)
}

func TestStaggerDelaysSecondClaim(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	f.sched.cfg.StaggerDelayMs = 2000

	base := time.Now()
	f.sched.now = func() time.Time { return base }

	staggered := 0
	_, err := f.bus.Subscribe(events.StaggerWait, func(ctx context.Context, e *bus.Event) error {
		staggered++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.sched.Submit(ctx, order("wo-1", 1)))
	require.NoError(t, f.sched.Submit(ctx, order("wo-2", 1)))

	// lastClaim is zero: the first claim is not staggered.
	require.True(t, f.sched.claimNext(ctx))
	f.waitHandled(t)

	// Immediately after, the stagger window blocks.
	assert.False(t, f.sched.claimNext(ctx))
	assert.Equal(t, 1, staggered)

	// Past the window, the second claim goes through.
	f.sched.now = func() time.Time { return base.Add(2500 * time.Millisecond) }
	require.True(t, f.sched.claimNext(ctx))
	f.waitHandled(t)
}

func TestCriticalPressureHoldsClaims(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	ctx := context.Background()

	// A one-byte budget guarantees the heap sample classifies as critical.
	monitor := resource.NewMonitor(config.ResourceConfig{
		MaxSlots:          4,
		MemoryBudgetBytes: 1,
		WarningFraction:   0.8,
		CriticalFraction:  0.9,
	}, b, log)
	monitor.Sample(ctx)
	require.Equal(t, resource.PressureCritical, monitor.Pressure())

	s := NewScheduler(config.SchedulerConfig{PollIntervalMs: 1000}, NewQueue(0, true), monitor, b, log)
	s.SetClaimFunc(func(ctx context.Context, workOrderID, slotID string) error { return nil })
	s.SetExecutionHandler(func(ctx context.Context, wo *v1.WorkOrder, slot *resource.Slot) {})

	require.NoError(t, s.Submit(ctx, order("wo-1", 1)))
	assert.False(t, s.claimNext(ctx))
	assert.Equal(t, 1, s.QueueDepth())
	assert.Equal(t, 0, monitor.Health().SlotsInUse)
}

func TestSlotExhaustionHoldsClaims(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	require.NoError(t, f.sched.Submit(ctx, order("wo-1", 1)))
	require.NoError(t, f.sched.Submit(ctx, order("wo-2", 1)))

	require.True(t, f.sched.claimNext(ctx))
	f.waitHandled(t)

	// Only slot is taken: the second order stays queued.
	assert.False(t, f.sched.claimNext(ctx))
	assert.Equal(t, 1, f.sched.QueueDepth())
}

func TestFailedClaimReleasesSlotAndRequeues(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.mu.Lock()
	f.claimErr = assert.AnError
	f.mu.Unlock()

	require.NoError(t, f.sched.Submit(ctx, order("wo-1", 1)))
	assert.False(t, f.sched.claimNext(ctx))

	assert.Equal(t, 1, f.sched.QueueDepth())
	assert.Equal(t, 0, f.monitor.Health().SlotsInUse)

	select {
	case <-f.handled:
		t.Fatal("handler invoked despite failed claim")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubmitBackpressure(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	monitor := resource.NewMonitor(config.ResourceConfig{MaxSlots: 1, WarningFraction: 0.8, CriticalFraction: 0.9}, b, log)
	s := NewScheduler(config.SchedulerConfig{PollIntervalMs: 1000}, NewQueue(1, true), monitor, b, log)
	ctx := context.Background()

	pressured := 0
	_, err := b.Subscribe(events.Backpressure, func(ctx context.Context, e *bus.Event) error {
		pressured++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Submit(ctx, order("wo-1", 1)))
	assert.ErrorIs(t, s.Submit(ctx, order("wo-2", 1)), ErrQueueFull)
	assert.Equal(t, 1, pressured)
}

func TestRemoveDropsQueuedOrder(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	require.NoError(t, f.sched.Submit(ctx, order("wo-1", 1)))
	assert.True(t, f.sched.Remove("wo-1"))
	assert.False(t, f.sched.claimNext(ctx))
	assert.Equal(t, 0, f.sched.QueueDepth())
}
