package observe

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/events/bus"
)

// MetricsSnapshot is a point-in-time copy of the collector's counters.
type MetricsSnapshot struct {
	RunsStarted         int64 `json:"runs_started"`
	RunsCompleted       int64 `json:"runs_completed"`
	RunsFailed          int64 `json:"runs_failed"`
	RunsCancelled       int64 `json:"runs_cancelled"`
	Iterations          int64 `json:"iterations"`
	WorkClaimed         int64 `json:"work_claimed"`
	Backpressure        int64 `json:"backpressure"`
	RetriesScheduled    int64 `json:"retries_scheduled"`
	RetriesFired        int64 `json:"retries_fired"`
	PressureTransitions int64 `json:"pressure_transitions"`
}

// Collector counts bus events. Purely observational; counters reset only
// with the process.
type Collector struct {
	mu       sync.Mutex
	snapshot MetricsSnapshot

	bus    bus.EventBus
	logger *logger.Logger
	subs   []bus.Subscription
}

// NewCollector creates an unstarted collector.
func NewCollector(eventBus bus.EventBus, log *logger.Logger) *Collector {
	return &Collector{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "metrics")),
	}
}

// Start subscribes the counters to their subjects.
func (c *Collector) Start() error {
	counters := map[string]*int64{
		events.RunStarted:         &c.snapshot.RunsStarted,
		events.RunCompleted:       &c.snapshot.RunsCompleted,
		events.RunFailed:          &c.snapshot.RunsFailed,
		events.RunCancelled:       &c.snapshot.RunsCancelled,
		events.IterationCompleted: &c.snapshot.Iterations,
		events.WorkClaimed:        &c.snapshot.WorkClaimed,
		events.Backpressure:       &c.snapshot.Backpressure,
		events.RetryScheduled:     &c.snapshot.RetriesScheduled,
		events.RetryFired:         &c.snapshot.RetriesFired,
		events.MemoryPressure:     &c.snapshot.PressureTransitions,
	}
	for subject, counter := range counters {
		counter := counter
		sub, err := c.bus.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
			c.mu.Lock()
			*counter++
			c.mu.Unlock()
			return nil
		})
		if err != nil {
			return err
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// Stop unsubscribes all counters.
func (c *Collector) Stop() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}
