// Package scheduler implements the pull-based claim loop that moves pending
// work orders into execution as slots permit.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/resource"
	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

// ClaimFunc applies the claim transition to a work order's state machine.
// An error means the work order cannot be claimed right now.
type ClaimFunc func(ctx context.Context, workOrderID, slotID string) error

// ExecutionHandler runs a claimed work order. The handler owns the slot and
// must release it when the run finishes.
type ExecutionHandler func(ctx context.Context, wo *v1.WorkOrder, slot *resource.Slot)

// Scheduler pulls work orders from the queue when a slot is free, claims are
// not staggered too closely, and memory pressure allows.
type Scheduler struct {
	mu            sync.Mutex
	claim         ClaimFunc
	handler       ExecutionHandler
	lastClaim     time.Time
	wasEmpty      bool
	unboundWarned bool
	running       bool
	stopCh        chan struct{}

	queue   *Queue
	monitor *resource.Monitor
	cfg     config.SchedulerConfig
	bus     bus.EventBus
	logger  *logger.Logger

	wake chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewScheduler creates a scheduler over the given queue and resource monitor.
func NewScheduler(cfg config.SchedulerConfig, q *Queue, monitor *resource.Monitor, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:   q,
		monitor: monitor,
		cfg:     cfg,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "scheduler")),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// SetClaimFunc registers the claim transition callback.
func (s *Scheduler) SetClaimFunc(fn ClaimFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claim = fn
	s.unboundWarned = false
}

// SetExecutionHandler registers the handler invoked for claimed work orders.
func (s *Scheduler) SetExecutionHandler(fn ExecutionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
	s.unboundWarned = false
}

// Submit enqueues a work order for claiming. At max queue depth it emits a
// backpressure event and returns ErrQueueFull.
func (s *Scheduler) Submit(ctx context.Context, wo *v1.WorkOrder) error {
	if err := s.queue.Enqueue(wo); err != nil {
		if err == ErrQueueFull {
			s.logger.Warn("queue full, rejecting work order",
				zap.String("work_order_id", wo.ID),
				zap.Int("depth", s.queue.Len()))
			s.publish(ctx, events.Backpressure, map[string]interface{}{
				"work_order_id": wo.ID,
				"queue_depth":   s.queue.Len(),
			})
		}
		return err
	}
	s.logger.Info("work order queued",
		zap.String("work_order_id", wo.ID),
		zap.Int("priority", wo.Priority),
		zap.Int("depth", s.queue.Len()))
	s.poke()
	return nil
}

// Remove drops a queued work order, typically on cancellation.
func (s *Scheduler) Remove(workOrderID string) bool {
	return s.queue.Remove(workOrderID)
}

// QueueDepth returns the current queue length.
func (s *Scheduler) QueueDepth() int {
	return s.queue.Len()
}

// Start launches the claim loop. The loop wakes on the poll interval, on
// submissions, and on slot-available events.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.bus != nil {
		if _, err := s.bus.Subscribe(events.SlotAvailable, func(ctx context.Context, e *bus.Event) error {
			s.poke()
			return nil
		}); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval()),
		zap.Duration("stagger_delay", s.cfg.StaggerDelay()))
	return nil
}

// Stop halts the claim loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.drain(ctx)
	}
}

// drain claims work orders until a claim attempt declines.
func (s *Scheduler) drain(ctx context.Context) {
	for s.claimNext(ctx) {
	}
}

// claimNext attempts a single claim. It returns true when a work order was
// handed to the execution handler, false when nothing could be claimed.
func (s *Scheduler) claimNext(ctx context.Context) bool {
	if s.queue.Len() == 0 {
		s.mu.Lock()
		first := !s.wasEmpty
		s.wasEmpty = true
		s.mu.Unlock()
		if first {
			s.publish(ctx, events.QueueEmpty, nil)
		}
		return false
	}
	s.mu.Lock()
	s.wasEmpty = false
	claim := s.claim
	handler := s.handler
	elapsed := s.now().Sub(s.lastClaim)
	warned := s.unboundWarned
	if claim == nil || handler == nil {
		s.unboundWarned = true
	}
	s.mu.Unlock()

	if claim == nil || handler == nil {
		// Warn once per unbound stretch, not on every poll tick.
		if !warned {
			s.logger.Warn("work pending but no execution handler bound",
				zap.Int("depth", s.queue.Len()))
		}
		return false
	}

	if stagger := s.cfg.StaggerDelay(); elapsed < stagger {
		s.publish(ctx, events.StaggerWait, map[string]interface{}{
			"remaining_ms": (stagger - elapsed).Milliseconds(),
		})
		return false
	}

	if s.monitor.Pressure() == resource.PressureCritical {
		s.logger.Warn("claim held back by memory pressure", zap.Int("depth", s.queue.Len()))
		return false
	}

	// Dequeue before acquiring so the slot's owner is the entry actually
	// popped, not a head that changed between a peek and the pop.
	entry := s.queue.Dequeue()
	if entry == nil {
		return false
	}
	slot, ok := s.monitor.AcquireSlot(entry.WorkOrderID)
	if !ok {
		if err := s.queue.Requeue(entry); err != nil {
			s.logger.Error("failed to requeue work order",
				zap.String("work_order_id", entry.WorkOrderID),
				zap.Error(err))
		}
		return false
	}

	if err := claim(ctx, entry.WorkOrderID, slot.ID); err != nil {
		s.logger.Warn("claim transition rejected, requeueing",
			zap.String("work_order_id", entry.WorkOrderID),
			zap.Error(err))
		s.monitor.ReleaseSlot(ctx, slot)
		if reqErr := s.queue.Requeue(entry); reqErr != nil {
			s.logger.Error("failed to requeue work order",
				zap.String("work_order_id", entry.WorkOrderID),
				zap.Error(reqErr))
		}
		return false
	}

	s.mu.Lock()
	s.lastClaim = s.now()
	s.mu.Unlock()

	s.logger.Info("work order claimed",
		zap.String("work_order_id", entry.WorkOrderID),
		zap.String("slot_id", slot.ID),
		zap.Int("depth", s.queue.Len()))

	s.publish(ctx, events.WorkClaimed, map[string]interface{}{
		"work_order_id": entry.WorkOrderID,
		"slot_id":       slot.ID,
		"queue_depth":   s.queue.Len(),
	})

	go handler(ctx, entry.WorkOrder, slot)
	return true
}

// poke wakes the claim loop without waiting for the next poll tick.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "scheduler", data)); err != nil {
		s.logger.Warn("failed to publish scheduler event", zap.String("subject", subject), zap.Error(err))
	}
}
