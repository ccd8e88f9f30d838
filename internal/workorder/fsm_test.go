package workorder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/events/bus"
	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestMachine(t *testing.T) (*Machine, bus.EventBus) {
	t.Helper()
	log := testLogger(t)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return NewMachine("wo-1", 3, b, log), b
}

func TestHappyPathTransitions(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	state, err := m.Transition(ctx, v1.EventClaim, map[string]interface{}{"slot_id": "s1"})
	require.NoError(t, err)
	assert.Equal(t, v1.WorkOrderStatePreparing, state)

	state, err = m.Transition(ctx, v1.EventReady, nil)
	require.NoError(t, err)
	assert.Equal(t, v1.WorkOrderStateRunning, state)

	state, err = m.Transition(ctx, v1.EventComplete, nil)
	require.NoError(t, err)
	assert.Equal(t, v1.WorkOrderStateCompleted, state)
	assert.True(t, state.IsTerminal())
}

func TestInvalidTransitionLeavesMachineUntouched(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Transition(ctx, v1.EventComplete, nil)
	require.Error(t, err)

	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, v1.WorkOrderStatePending, invalid.State)
	assert.Equal(t, v1.EventComplete, invalid.Event)
	assert.Equal(t, []v1.TransitionEvent{v1.EventCancel, v1.EventClaim}, invalid.Valid)

	assert.Equal(t, v1.WorkOrderStatePending, m.State())
	assert.Empty(t, m.History())
}

func TestCanTransitionMatchesTable(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	allEvents := []v1.TransitionEvent{
		v1.EventSubmit, v1.EventClaim, v1.EventReady, v1.EventComplete,
		v1.EventFail, v1.EventRetry, v1.EventCancel,
	}

	// Walk the machine through every state and check the predicate agrees
	// with what Transition accepts.
	check := func() {
		for _, ev := range allEvents {
			clone := NewMachine("probe", 3, nil, testLogger(t))
			// Drive the clone into the same state as m via history replay.
			for _, tr := range m.History() {
				_, err := clone.Transition(ctx, tr.Event, tr.Metadata)
				require.NoError(t, err)
			}
			_, err := clone.Transition(ctx, ev, nil)
			if m.CanTransition(ev) {
				assert.NoError(t, err, "event %s in state %s", ev, m.State())
			} else {
				assert.Error(t, err, "event %s in state %s", ev, m.State())
			}
		}
	}

	check() // PENDING
	_, err := m.Transition(ctx, v1.EventClaim, nil)
	require.NoError(t, err)
	check() // PREPARING
	_, err = m.Transition(ctx, v1.EventReady, nil)
	require.NoError(t, err)
	check() // RUNNING
	_, err = m.Transition(ctx, v1.EventComplete, nil)
	require.NoError(t, err)
	check() // COMPLETED: everything rejected
}

func TestFailRetryableRoutesToWaitingRetry(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Transition(ctx, v1.EventClaim, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, v1.EventReady, nil)
	require.NoError(t, err)

	state, err := m.Transition(ctx, v1.EventFail, map[string]interface{}{MetaRetryable: true})
	require.NoError(t, err)
	assert.Equal(t, v1.WorkOrderStateWaitingRetry, state)
}

func TestFailNotRetryableRoutesToFailed(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Transition(ctx, v1.EventClaim, nil)
	require.NoError(t, err)

	state, err := m.Transition(ctx, v1.EventFail, map[string]interface{}{MetaRetryable: false})
	require.NoError(t, err)
	assert.Equal(t, v1.WorkOrderStateFailed, state)
}

func TestFailAtRetryBudgetRoutesToFailed(t *testing.T) {
	log := testLogger(t)
	m := NewMachine("wo-budget", 1, nil, log)
	ctx := context.Background()

	_, err := m.Transition(ctx, v1.EventClaim, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, v1.EventReady, nil)
	require.NoError(t, err)

	// First retryable failure: within budget.
	state, err := m.Transition(ctx, v1.EventFail, map[string]interface{}{MetaRetryable: true})
	require.NoError(t, err)
	require.Equal(t, v1.WorkOrderStateWaitingRetry, state)

	_, err = m.Retry(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, m.RetryCount())

	_, err = m.Transition(ctx, v1.EventClaim, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, v1.EventReady, nil)
	require.NoError(t, err)

	// retryCount == maxRetries: a retryable failure is terminal.
	state, err = m.Transition(ctx, v1.EventFail, map[string]interface{}{MetaRetryable: true})
	require.NoError(t, err)
	assert.Equal(t, v1.WorkOrderStateFailed, state)
}

func TestRetryIncrementsCounter(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Transition(ctx, v1.EventClaim, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, v1.EventFail, map[string]interface{}{MetaRetryable: true})
	require.NoError(t, err)

	state, err := m.Retry(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, v1.WorkOrderStatePending, state)
	assert.Equal(t, 1, m.RetryCount())

	// RETRY is only valid in WAITING_RETRY.
	_, err = m.Retry(ctx, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, m.RetryCount())
}

func TestHistoryIsOrderedAndGapless(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Transition(ctx, v1.EventClaim, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, v1.EventReady, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, v1.EventComplete, nil)
	require.NoError(t, err)

	history := m.History()
	require.Len(t, history, 3)

	state := v1.WorkOrderStatePending
	for i, tr := range history {
		assert.Equal(t, state, tr.From, "transition %d", i)
		state = tr.To
		if i > 0 {
			assert.False(t, tr.Timestamp.Before(history[i-1].Timestamp))
		}
	}
	assert.Equal(t, v1.WorkOrderStateCompleted, state)
}

func TestEventsPublished(t *testing.T) {
	m, b := newTestMachine(t)
	ctx := context.Background()

	var stateChanges []string
	var terminals []string
	_, err := b.Subscribe(events.StateChanged, func(ctx context.Context, e *bus.Event) error {
		stateChanges = append(stateChanges, e.Data["to"].(string))
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(events.TerminalReached, func(ctx context.Context, e *bus.Event) error {
		terminals = append(terminals, e.Data["state"].(string))
		return nil
	})
	require.NoError(t, err)

	_, err = m.Transition(ctx, v1.EventClaim, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, v1.EventReady, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, v1.EventComplete, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"PREPARING", "RUNNING", "COMPLETED"}, stateChanges)
	assert.Equal(t, []string{"COMPLETED"}, terminals)
}

func TestCancelFromPendingAndWaitingRetry(t *testing.T) {
	ctx := context.Background()

	m, _ := newTestMachine(t)
	state, err := m.Transition(ctx, v1.EventCancel, nil)
	require.NoError(t, err)
	assert.Equal(t, v1.WorkOrderStateCancelled, state)

	m2, _ := newTestMachine(t)
	_, err = m2.Transition(ctx, v1.EventClaim, nil)
	require.NoError(t, err)
	_, err = m2.Transition(ctx, v1.EventFail, map[string]interface{}{MetaRetryable: true})
	require.NoError(t, err)
	state, err = m2.Transition(ctx, v1.EventCancel, nil)
	require.NoError(t, err)
	assert.Equal(t, v1.WorkOrderStateCancelled, state)
}
