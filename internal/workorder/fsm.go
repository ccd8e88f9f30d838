// Package workorder tracks the lifecycle of a work order through an explicit
// state machine with an append-only audit history.
package workorder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/events/bus"
	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

// MetaRetryable is the metadata key consulted by FAIL transitions.
const MetaRetryable = "retryable"

// transitions is the state x event table. A missing entry means the event is
// rejected in that state. FAIL is recorded here with its retry destination;
// Transition resolves it to FAILED when the failure is not retryable or the
// retry budget is exhausted.
var transitions = map[v1.WorkOrderState]map[v1.TransitionEvent]v1.WorkOrderState{
	v1.WorkOrderStatePending: {
		v1.EventClaim:  v1.WorkOrderStatePreparing,
		v1.EventCancel: v1.WorkOrderStateCancelled,
	},
	v1.WorkOrderStatePreparing: {
		v1.EventReady: v1.WorkOrderStateRunning,
		v1.EventFail:  v1.WorkOrderStateWaitingRetry,
	},
	v1.WorkOrderStateRunning: {
		v1.EventComplete: v1.WorkOrderStateCompleted,
		v1.EventFail:     v1.WorkOrderStateWaitingRetry,
	},
	v1.WorkOrderStateWaitingRetry: {
		v1.EventRetry:  v1.WorkOrderStatePending,
		v1.EventCancel: v1.WorkOrderStateCancelled,
	},
}

// InvalidTransitionError reports a rejected event together with the events
// that would have been accepted in the current state.
type InvalidTransitionError struct {
	WorkOrderID string
	State       v1.WorkOrderState
	Event       v1.TransitionEvent
	Valid       []v1.TransitionEvent
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("work order %s: event %s not valid in state %s (valid: %v)",
		e.WorkOrderID, e.Event, e.State, e.Valid)
}

// Machine is the per-work-order state machine. All transitions for one work
// order are serialized by its mutex; history is append-only.
type Machine struct {
	mu          sync.Mutex
	workOrderID string
	state       v1.WorkOrderState
	retryCount  int
	maxRetries  int
	history     []v1.Transition

	bus    bus.EventBus
	logger *logger.Logger
	now    func() time.Time
}

// NewMachine creates a state machine in PENDING for the given work order.
func NewMachine(workOrderID string, maxRetries int, eventBus bus.EventBus, log *logger.Logger) *Machine {
	return &Machine{
		workOrderID: workOrderID,
		state:       v1.WorkOrderStatePending,
		maxRetries:  maxRetries,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "fsm"), zap.String("work_order_id", workOrderID)),
		now:         time.Now,
	}
}

// WorkOrderID returns the owning work order's id.
func (m *Machine) WorkOrderID() string {
	return m.workOrderID
}

// State returns the current state.
func (m *Machine) State() v1.WorkOrderState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RetryCount returns the monotone retry counter.
func (m *Machine) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// MaxRetries returns the retry budget.
func (m *Machine) MaxRetries() int {
	return m.maxRetries
}

// History returns a copy of the transition audit trail.
func (m *Machine) History() []v1.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]v1.Transition, len(m.history))
	copy(out, m.history)
	return out
}

// CanTransition reports whether the event is accepted in the current state.
// It is a pure predicate with no side effects.
func (m *Machine) CanTransition(event v1.TransitionEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := transitions[m.state][event]
	return ok
}

// Transition atomically validates the event, appends an audit record,
// advances the state, and publishes state-changed (and terminal-reached for
// terminal states). On an invalid event the machine is left untouched and no
// event is published.
func (m *Machine) Transition(ctx context.Context, event v1.TransitionEvent, metadata map[string]interface{}) (v1.WorkOrderState, error) {
	m.mu.Lock()

	target, ok := transitions[m.state][event]
	if !ok {
		err := &InvalidTransitionError{
			WorkOrderID: m.workOrderID,
			State:       m.state,
			Event:       event,
			Valid:       validEvents(m.state),
		}
		m.mu.Unlock()
		return "", err
	}

	// FAIL routes to FAILED when not retryable or out of budget.
	if event == v1.EventFail {
		retryable, _ := metadata[MetaRetryable].(bool)
		if !retryable || m.retryCount >= m.maxRetries {
			target = v1.WorkOrderStateFailed
		}
	}

	from := m.state
	record := v1.Transition{
		ID:        uuid.New().String(),
		From:      from,
		To:        target,
		Event:     event,
		Timestamp: m.now().UTC(),
		Metadata:  metadata,
	}
	m.history = append(m.history, record)
	m.state = target
	m.mu.Unlock()

	m.logger.Debug("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("event", string(event)))

	m.publish(ctx, events.StateChanged, map[string]interface{}{
		"work_order_id": m.workOrderID,
		"from":          string(from),
		"to":            string(target),
		"event":         string(event),
		"metadata":      metadata,
		"timestamp":     record.Timestamp,
	})
	if target.IsTerminal() {
		m.publish(ctx, events.TerminalReached, map[string]interface{}{
			"work_order_id": m.workOrderID,
			"state":         string(target),
			"timestamp":     record.Timestamp,
		})
	}

	return target, nil
}

// Retry increments the retry counter and applies RETRY. The decision whether
// a retry is allowed was already made by the FAIL routing; Retry itself is
// unconditional.
func (m *Machine) Retry(ctx context.Context, metadata map[string]interface{}) (v1.WorkOrderState, error) {
	m.mu.Lock()
	if _, ok := transitions[m.state][v1.EventRetry]; !ok {
		err := &InvalidTransitionError{
			WorkOrderID: m.workOrderID,
			State:       m.state,
			Event:       v1.EventRetry,
			Valid:       validEvents(m.state),
		}
		m.mu.Unlock()
		return "", err
	}
	m.retryCount++
	attempt := m.retryCount
	m.mu.Unlock()

	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["attempt"] = attempt
	return m.Transition(ctx, v1.EventRetry, metadata)
}

func (m *Machine) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(subject, "fsm", data)); err != nil {
		m.logger.Warn("failed to publish state event", zap.String("subject", subject), zap.Error(err))
	}
}

// validEvents lists the events accepted in a state, sorted for stable errors.
func validEvents(state v1.WorkOrderState) []v1.TransitionEvent {
	row := transitions[state]
	out := make([]v1.TransitionEvent, 0, len(row))
	for ev := range row {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
