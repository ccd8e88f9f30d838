// Package retry schedules delayed re-enqueues of failed work orders with
// exponential backoff and proportional jitter.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/events/bus"
)

// FireFunc is invoked when a scheduled retry's delay elapses. The manager has
// already removed the entry when it calls this.
type FireFunc func(ctx context.Context, workOrderID string, attempt int)

// Stats summarizes the manager's pending timers.
type Stats struct {
	Pending int
}

type pendingRetry struct {
	workOrderID string
	attempt     int
	fireAt      time.Time
	timer       *time.Timer
}

// Manager owns one cancellable timer per work order awaiting retry.
// Scheduling a work order that already has a pending retry replaces it.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingRetry
	closed  bool

	cfg    config.RetryConfig
	bus    bus.EventBus
	logger *logger.Logger
	onFire FireFunc

	randFloat func() float64 // test seam; uniform in [0,1)
}

// NewManager creates a retry manager. onFire may be nil, in which case fired
// retries only emit events.
func NewManager(cfg config.RetryConfig, eventBus bus.EventBus, log *logger.Logger, onFire FireFunc) *Manager {
	return &Manager{
		pending:   make(map[string]*pendingRetry),
		cfg:       cfg,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "retry-manager")),
		onFire:    onFire,
		randFloat: rand.Float64,
	}
}

// Delay computes the backoff delay for the given attempt (1-based):
// min(base * multiplier^(attempt-1), max), scaled by a jitter factor drawn
// uniformly from [1-jitter, 1+jitter].
func (m *Manager) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(m.cfg.BaseDelay())
	delay := base * math.Pow(m.cfg.Multiplier, float64(attempt-1))
	if maxDelay := float64(m.cfg.MaxDelay()); delay > maxDelay {
		delay = maxDelay
	}
	jitter := 1 + (2*m.randFloat()-1)*m.cfg.JitterFactor
	return time.Duration(delay * jitter)
}

// Schedule arms a timer that fires the work order's retry after the backoff
// delay for the given attempt. An existing pending retry for the same work
// order is replaced. Returns the chosen delay.
func (m *Manager) Schedule(ctx context.Context, workOrderID string, attempt int) (time.Duration, error) {
	delay := m.Delay(attempt)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, fmt.Errorf("retry manager is stopped")
	}
	if prev, ok := m.pending[workOrderID]; ok {
		prev.timer.Stop()
	}
	entry := &pendingRetry{
		workOrderID: workOrderID,
		attempt:     attempt,
		fireAt:      time.Now().UTC().Add(delay),
	}
	entry.timer = time.AfterFunc(delay, func() {
		m.fire(workOrderID, attempt)
	})
	m.pending[workOrderID] = entry
	m.mu.Unlock()

	m.logger.Info("retry scheduled",
		zap.String("work_order_id", workOrderID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	m.publish(ctx, events.RetryScheduled, map[string]interface{}{
		"work_order_id": workOrderID,
		"attempt":       attempt,
		"delay_ms":      delay.Milliseconds(),
		"fire_at":       entry.fireAt,
	})
	return delay, nil
}

// fire runs on the timer goroutine when a delay elapses.
func (m *Manager) fire(workOrderID string, attempt int) {
	m.mu.Lock()
	entry, ok := m.pending[workOrderID]
	// A replacement may have re-armed the entry for a later attempt; only the
	// owning timer may consume it.
	if !ok || entry.attempt != attempt {
		m.mu.Unlock()
		return
	}
	delete(m.pending, workOrderID)
	m.mu.Unlock()

	ctx := context.Background()
	m.logger.Info("retry fired",
		zap.String("work_order_id", workOrderID),
		zap.Int("attempt", attempt))

	m.publish(ctx, events.RetryFired, map[string]interface{}{
		"work_order_id": workOrderID,
		"attempt":       attempt,
	})

	if m.onFire != nil {
		m.onFire(ctx, workOrderID, attempt)
	}
}

// Cancel stops the pending retry for a work order. Returns false when no
// retry was pending.
func (m *Manager) Cancel(ctx context.Context, workOrderID string) bool {
	m.mu.Lock()
	entry, ok := m.pending[workOrderID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	entry.timer.Stop()
	delete(m.pending, workOrderID)
	m.mu.Unlock()

	m.logger.Info("retry cancelled",
		zap.String("work_order_id", workOrderID),
		zap.Int("attempt", entry.attempt))

	m.publish(ctx, events.RetryCancelled, map[string]interface{}{
		"work_order_id": workOrderID,
		"attempt":       entry.attempt,
	})
	return true
}

// Pending reports whether a retry is armed for the work order.
func (m *Manager) Pending(workOrderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[workOrderID]
	return ok
}

// Stats returns a snapshot of the manager's pending timers.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Pending: len(m.pending)}
}

// Stop cancels all pending timers. Schedule fails after Stop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, entry := range m.pending {
		entry.timer.Stop()
		delete(m.pending, id)
	}
}

func (m *Manager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(subject, "retry-manager", data)); err != nil {
		m.logger.Warn("failed to publish retry event", zap.String("subject", subject), zap.Error(err))
	}
}
