// Package control is the in-process control surface: it accepts work orders,
// binds the scheduler's claim loop to the execution engine, routes fired
// retries back into the queue, and keeps the durable store in step with the
// state machines.
package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/engine"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/gateplan"
	"github.com/agentgate/agentgate/internal/health"
	"github.com/agentgate/agentgate/internal/resource"
	"github.com/agentgate/agentgate/internal/retry"
	"github.com/agentgate/agentgate/internal/scheduler"
	"github.com/agentgate/agentgate/internal/store"
	"github.com/agentgate/agentgate/internal/workorder"
	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

var (
	// ErrUnknownWorkOrder is returned for ids the service has never accepted.
	ErrUnknownWorkOrder = errors.New("unknown work order")
	// ErrNotCancellable is returned when a work order is already terminal.
	ErrNotCancellable = errors.New("work order is not cancellable")
)

// WorkOrderStatus is the caller-visible view of one work order.
type WorkOrderStatus struct {
	WorkOrder  *v1.WorkOrder     `json:"work_order"`
	State      v1.WorkOrderState `json:"state"`
	RetryCount int               `json:"retry_count"`
	History    []v1.Transition   `json:"history"`
}

// Deps are the components the service wires together.
type Deps struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Engine    *engine.Engine
	Retries   *retry.Manager
	Monitor   *resource.Monitor
	Resolver  *gateplan.Resolver
	Bus       bus.EventBus
}

// Service owns the work-order registry and the glue between scheduler,
// engine, and retry manager.
type Service struct {
	cfg    config.RetryConfig
	deps   Deps
	logger *logger.Logger

	mu       sync.Mutex
	machines map[string]*workorder.Machine
	orders   map[string]*v1.WorkOrder
	claimed  map[string]time.Time // work order id -> when CLAIM was applied
}

// NewService creates the control service and binds the scheduler callbacks.
func NewService(retryCfg config.RetryConfig, deps Deps, log *logger.Logger) *Service {
	s := &Service{
		cfg:      retryCfg,
		deps:     deps,
		logger:   log.WithFields(zap.String("component", "control")),
		machines: make(map[string]*workorder.Machine),
		orders:   make(map[string]*v1.WorkOrder),
		claimed:  make(map[string]time.Time),
	}
	deps.Scheduler.SetClaimFunc(s.claim)
	deps.Scheduler.SetExecutionHandler(s.execute)
	return s
}

// Start subscribes the store-sync tap and launches the scheduler loop.
func (s *Service) Start(ctx context.Context) error {
	if s.deps.Bus != nil {
		if _, err := s.deps.Bus.Subscribe(events.StateChanged, s.onStateChanged); err != nil {
			return fmt.Errorf("subscribing state tap: %w", err)
		}
	}
	return s.deps.Scheduler.Start(ctx)
}

// Submit accepts a work order: persists it, binds a state machine, and
// enqueues it for claiming. A missing id is minted here.
func (s *Service) Submit(ctx context.Context, wo *v1.WorkOrder) (string, error) {
	if wo == nil {
		return "", errors.New("nil work order")
	}
	if wo.TaskPrompt == "" {
		return "", errors.New("work order has no task prompt")
	}
	if wo.ID == "" {
		wo.ID = uuid.New().String()
	}
	if wo.CreatedAt.IsZero() {
		wo.CreatedAt = time.Now().UTC()
	}

	machine := workorder.NewMachine(wo.ID, s.cfg.MaxRetries, s.deps.Bus, s.logger)
	s.mu.Lock()
	if _, exists := s.machines[wo.ID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("work order %s already submitted", wo.ID)
	}
	s.machines[wo.ID] = machine
	s.orders[wo.ID] = wo
	s.mu.Unlock()

	if s.deps.Store != nil {
		if err := s.deps.Store.SaveWorkOrder(ctx, wo, v1.WorkOrderStatePending); err != nil {
			s.forget(wo.ID)
			return "", err
		}
	}

	if err := s.deps.Scheduler.Submit(ctx, wo); err != nil {
		s.forget(wo.ID)
		if s.deps.Store != nil {
			if updateErr := s.deps.Store.UpdateState(ctx, wo.ID, v1.WorkOrderStateFailed, 0); updateErr != nil {
				s.logger.Error("failed to mark rejected work order",
					zap.String("work_order_id", wo.ID), zap.Error(updateErr))
			}
		}
		return "", err
	}

	s.logger.Info("work order accepted",
		zap.String("work_order_id", wo.ID),
		zap.Int("priority", wo.Priority))
	return wo.ID, nil
}

// Cancel cancels a work order wherever it currently is: queued orders are
// removed and transitioned directly, waiting retries are disarmed, active
// runs get a cooperative cancellation request.
func (s *Service) Cancel(ctx context.Context, workOrderID, reason string) error {
	machine := s.machine(workOrderID)
	if machine == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorkOrder, workOrderID)
	}

	switch machine.State() {
	case v1.WorkOrderStatePending:
		s.deps.Scheduler.Remove(workOrderID)
		_, err := machine.Transition(ctx, v1.EventCancel, map[string]interface{}{"reason": reason})
		return err

	case v1.WorkOrderStateWaitingRetry:
		s.deps.Retries.Cancel(ctx, workOrderID)
		_, err := machine.Transition(ctx, v1.EventCancel, map[string]interface{}{"reason": reason})
		return err

	case v1.WorkOrderStatePreparing, v1.WorkOrderStateRunning:
		if !s.deps.Engine.CancelByWorkOrder(workOrderID, reason) {
			// Claimed but the run has not registered yet; the engine will
			// observe the cancel at startup via the next boundary. Rare and
			// transient, reported to the caller.
			return fmt.Errorf("work order %s is between claim and run start, retry cancel", workOrderID)
		}
		return nil

	default:
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, workOrderID, machine.State())
	}
}

// Status reports a work order's current state and audit history.
func (s *Service) Status(ctx context.Context, workOrderID string) (*WorkOrderStatus, error) {
	machine := s.machine(workOrderID)
	if machine != nil {
		s.mu.Lock()
		wo := s.orders[workOrderID]
		s.mu.Unlock()
		return &WorkOrderStatus{
			WorkOrder:  wo,
			State:      machine.State(),
			RetryCount: machine.RetryCount(),
			History:    machine.History(),
		}, nil
	}

	// Not in memory; fall back to the durable record (pre-restart orders).
	if s.deps.Store != nil {
		stored, err := s.deps.Store.GetWorkOrder(ctx, workOrderID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownWorkOrder, workOrderID)
		}
		history, err := s.deps.Store.Transitions(ctx, workOrderID)
		if err != nil {
			return nil, err
		}
		return &WorkOrderStatus{
			WorkOrder:  stored.WorkOrder,
			State:      stored.State,
			RetryCount: stored.RetryCount,
			History:    history,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownWorkOrder, workOrderID)
}

// QueueDepth exposes the scheduler queue length for health probes.
func (s *Service) QueueDepth() int {
	return s.deps.Scheduler.QueueDepth()
}

// Preparing lists work orders currently in PREPARING for the health checker.
func (s *Service) Preparing() []health.PreparingOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []health.PreparingOrder
	for id, since := range s.claimed {
		if machine := s.machines[id]; machine != nil && machine.State() == v1.WorkOrderStatePreparing {
			out = append(out, health.PreparingOrder{WorkOrderID: id, Since: since})
		}
	}
	return out
}

// OnRetryFired moves a waiting work order back to PENDING and re-enqueues it.
// Wired as the retry manager's fire callback.
func (s *Service) OnRetryFired(ctx context.Context, workOrderID string, attempt int) {
	machine := s.machine(workOrderID)
	if machine == nil {
		s.logger.Warn("retry fired for unknown work order", zap.String("work_order_id", workOrderID))
		return
	}
	if _, err := machine.Retry(ctx, map[string]interface{}{"fired_attempt": attempt}); err != nil {
		// Cancelled while the timer was in flight.
		s.logger.Info("retry fired but work order moved on",
			zap.String("work_order_id", workOrderID),
			zap.String("state", string(machine.State())))
		return
	}

	wo := s.storedOrder(ctx, workOrderID)
	if wo == nil {
		s.logger.Error("retry fired but work order spec unavailable",
			zap.String("work_order_id", workOrderID))
		return
	}
	if err := s.deps.Scheduler.Submit(ctx, wo); err != nil {
		s.logger.Error("failed to re-enqueue retried work order",
			zap.String("work_order_id", workOrderID), zap.Error(err))
	}
}

// claim is the scheduler's ClaimFunc: it applies CLAIM on the state machine.
func (s *Service) claim(ctx context.Context, workOrderID, slotID string) error {
	machine := s.machine(workOrderID)
	if machine == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorkOrder, workOrderID)
	}
	if _, err := machine.Transition(ctx, v1.EventClaim, map[string]interface{}{"slot_id": slotID}); err != nil {
		return err
	}
	s.mu.Lock()
	s.claimed[workOrderID] = time.Now().UTC()
	s.mu.Unlock()
	return nil
}

// execute is the scheduler's ExecutionHandler: it prepares the workspace and
// gate plan, then hands the claimed work order to the engine. The engine owns
// the slot from Execute on; failures before that release it here.
func (s *Service) execute(ctx context.Context, wo *v1.WorkOrder, slot *resource.Slot) {
	machine := s.machine(wo.ID)
	if machine == nil {
		s.deps.Monitor.ReleaseSlot(ctx, slot)
		return
	}
	defer func() {
		s.mu.Lock()
		delete(s.claimed, wo.ID)
		s.mu.Unlock()
	}()

	workspacePath, err := s.workspaceFor(wo)
	if err != nil {
		s.logger.Error("workspace acquisition failed",
			zap.String("work_order_id", wo.ID), zap.Error(err))
		s.deps.Monitor.ReleaseSlot(ctx, slot)
		s.failPreparing(ctx, machine, v1.ErrorKindValidation, err.Error())
		return
	}

	plan, err := s.deps.Resolver.Resolve(wo, workspacePath)
	if err != nil {
		s.logger.Error("gate plan resolution failed",
			zap.String("work_order_id", wo.ID), zap.Error(err))
		s.deps.Monitor.ReleaseSlot(ctx, slot)
		s.failPreparing(ctx, machine, v1.ErrorKindValidation, err.Error())
		return
	}

	result, err := s.deps.Engine.Execute(ctx, &engine.ExecutionInput{
		WorkOrder:     wo,
		GatePlan:      plan,
		WorkspacePath: workspacePath,
		Machine:       machine,
		Slot:          slot,
	})
	if err != nil {
		// Rejected before the run started (concurrency limit or invalid
		// transition); the slot is still ours to return.
		s.logger.Error("engine rejected execution",
			zap.String("work_order_id", wo.ID), zap.Error(err))
		s.deps.Monitor.ReleaseSlot(ctx, slot)
		s.failPreparing(ctx, machine, v1.ErrorKindInternal, err.Error())
		return
	}

	s.logger.Info("run finished",
		zap.String("work_order_id", wo.ID),
		zap.String("run_id", result.Run.ID),
		zap.String("result", string(result.Run.Result)))
}

// failPreparing drives a claimed-but-unstarted work order through FAIL.
func (s *Service) failPreparing(ctx context.Context, machine *workorder.Machine, kind v1.ErrorKind, message string) {
	if !machine.CanTransition(v1.EventFail) {
		return
	}
	if _, err := machine.Transition(ctx, v1.EventFail, map[string]interface{}{
		workorder.MetaRetryable: false,
		"error_kind":            string(kind),
		"error":                 message,
	}); err != nil {
		s.logger.Error("fail transition rejected", zap.Error(err))
	}
}

// workspaceFor resolves the workspace path for a work order. Local paths are
// used in place; repo and template sources get a fresh directory (cloning and
// templating are the workspace capability's concern, outside the core).
func (s *Service) workspaceFor(wo *v1.WorkOrder) (string, error) {
	switch wo.Workspace.Kind {
	case v1.WorkspaceSourceLocalPath:
		if wo.Workspace.LocalPath == "" {
			return "", errors.New("local workspace source without a path")
		}
		info, err := os.Stat(wo.Workspace.LocalPath)
		if err != nil {
			return "", fmt.Errorf("workspace path: %w", err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("workspace path %s is not a directory", wo.Workspace.LocalPath)
		}
		return wo.Workspace.LocalPath, nil
	case v1.WorkspaceSourceGitRepo, v1.WorkspaceSourceTemplate, "":
		dir, err := os.MkdirTemp("", "agentgate-ws-")
		if err != nil {
			return "", fmt.Errorf("creating workspace: %w", err)
		}
		return dir, nil
	default:
		return "", fmt.Errorf("unknown workspace source kind %q", wo.Workspace.Kind)
	}
}

// onStateChanged mirrors every transition into the durable store.
func (s *Service) onStateChanged(ctx context.Context, e *bus.Event) error {
	if s.deps.Store == nil {
		return nil
	}
	workOrderID, _ := e.Data["work_order_id"].(string)
	if workOrderID == "" {
		return nil
	}
	machine := s.machine(workOrderID)
	if machine == nil {
		return nil
	}

	from, _ := e.Data["from"].(string)
	to, _ := e.Data["to"].(string)
	eventName, _ := e.Data["event"].(string)
	timestamp, _ := e.Data["timestamp"].(time.Time)
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	metadata, _ := e.Data["metadata"].(map[string]interface{})

	if err := s.deps.Store.AppendTransition(ctx, workOrderID, v1.Transition{
		ID:        uuid.New().String(),
		From:      v1.WorkOrderState(from),
		To:        v1.WorkOrderState(to),
		Event:     v1.TransitionEvent(eventName),
		Timestamp: timestamp,
		Metadata:  metadata,
	}); err != nil {
		s.logger.Error("failed to persist transition",
			zap.String("work_order_id", workOrderID), zap.Error(err))
	}
	if err := s.deps.Store.UpdateState(ctx, workOrderID, v1.WorkOrderState(to), machine.RetryCount()); err != nil {
		s.logger.Error("failed to persist state",
			zap.String("work_order_id", workOrderID), zap.Error(err))
	}
	return nil
}

func (s *Service) machine(workOrderID string) *workorder.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machines[workOrderID]
}

func (s *Service) forget(workOrderID string) {
	s.mu.Lock()
	delete(s.machines, workOrderID)
	delete(s.orders, workOrderID)
	s.mu.Unlock()
}

func (s *Service) storedOrder(ctx context.Context, workOrderID string) *v1.WorkOrder {
	s.mu.Lock()
	wo := s.orders[workOrderID]
	s.mu.Unlock()
	if wo != nil {
		return wo
	}
	if s.deps.Store == nil {
		return nil
	}
	stored, err := s.deps.Store.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return nil
	}
	return stored.WorkOrder
}
