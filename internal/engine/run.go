package engine

import (
	"context"
	"sync"
	"time"

	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

// Run is one execution of a work order, from slot claim to terminal result.
type Run struct {
	ID           string               `json:"id"`
	WorkOrderID  string               `json:"work_order_id"`
	Result       v1.RunResult         `json:"result"`
	Iterations   []v1.IterationRecord `json:"iterations"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   time.Time            `json:"finished_at"`
	ErrorKind    v1.ErrorKind         `json:"error_kind,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	LastReportID string               `json:"last_report_id,omitempty"`
	// Retrying marks a run that ended in WAITING_RETRY rather than a work
	// order terminal state.
	Retrying bool `json:"retrying,omitempty"`
}

// activeRun is the engine's bookkeeping for an in-flight run. The cooperative
// cancellation flag is checked at iteration boundaries; the context bounds
// in-flight phase work.
type activeRun struct {
	mu        sync.Mutex
	run       *Run
	cancel    context.CancelFunc
	cancelled bool
	reason    string
	iteration int
	phase     string
	startedAt time.Time
}

func (ar *activeRun) setCancel(cancel context.CancelFunc) {
	ar.mu.Lock()
	ar.cancel = cancel
	cancelled := ar.cancelled
	ar.mu.Unlock()
	// A cancel request that raced the setup fires now.
	if cancelled {
		cancel()
	}
}

func (ar *activeRun) requestCancel(reason string) {
	ar.mu.Lock()
	already := ar.cancelled
	ar.cancelled = true
	if ar.reason == "" {
		ar.reason = reason
	}
	cancel := ar.cancel
	ar.mu.Unlock()
	if !already && cancel != nil {
		cancel()
	}
}

func (ar *activeRun) isCancelled() (bool, string) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.cancelled, ar.reason
}

func (ar *activeRun) setProgress(iteration int, phase string) {
	ar.mu.Lock()
	ar.iteration = iteration
	ar.phase = phase
	ar.mu.Unlock()
}

func (ar *activeRun) progress() (int, string) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.iteration, ar.phase
}
