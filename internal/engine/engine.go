// Package engine owns runs: the outer iteration loop, wall-clock and
// cancellation boundaries, failure routing, and run events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/appctx"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/convergence"
	"github.com/agentgate/agentgate/internal/engine/orchestrator"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/resource"
	"github.com/agentgate/agentgate/internal/retry"
	"github.com/agentgate/agentgate/internal/workorder"
	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

var (
	// ErrConcurrencyLimit means the engine refused to accept a new run.
	ErrConcurrencyLimit = errors.New("engine at max concurrent runs")
	// ErrUnknownRun means no active run matches the given id.
	ErrUnknownRun = errors.New("unknown run id")
)

// ExecutionInput is everything a claimed work order brings to the engine.
// The caller has already acquired the workspace and the slot.
type ExecutionInput struct {
	WorkOrder     *v1.WorkOrder
	GatePlan      *v1.GatePlan
	WorkspacePath string
	Machine       *workorder.Machine
	Slot          *resource.Slot
}

// ExecutionResult is delivered when a run reaches its end.
type ExecutionResult struct {
	Run *Run
}

// Engine executes runs through the phase orchestrator and the convergence
// controller, bounded by maxConcurrentRuns.
type Engine struct {
	cfg     config.EngineConfig
	orch    *orchestrator.Orchestrator
	caps    orchestrator.Capabilities
	monitor *resource.Monitor
	retries *retry.Manager
	bus     bus.EventBus
	logger  *logger.Logger
	tracer  trace.Tracer

	mu     sync.Mutex
	active map[string]*activeRun
	stopCh chan struct{}
}

// New creates an engine over the given capabilities.
func New(cfg config.EngineConfig, caps orchestrator.Capabilities, monitor *resource.Monitor, retries *retry.Manager, eventBus bus.EventBus, log *logger.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		orch:    orchestrator.New(caps, log),
		caps:    caps,
		monitor: monitor,
		retries: retries,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "engine")),
		tracer:  otel.Tracer("agentgate/engine"),
		active:  make(map[string]*activeRun),
		stopCh:  make(chan struct{}),
	}
}

// Stop cancels the contexts of all in-flight runs.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
}

// ActiveCount returns the number of in-flight runs.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Cancel requests cooperative cancellation of an active run. The in-flight
// phase finishes; its result is discarded at the next boundary.
func (e *Engine) Cancel(runID, reason string) error {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	ar.requestCancel(reason)
	e.logger.Info("run cancellation requested",
		zap.String("run_id", runID),
		zap.String("reason", reason))
	return nil
}

// CancelByWorkOrder cancels the active run owned by a work order, if any.
func (e *Engine) CancelByWorkOrder(workOrderID, reason string) bool {
	e.mu.Lock()
	var target *activeRun
	for _, ar := range e.active {
		if ar.run.WorkOrderID == workOrderID {
			target = ar
			break
		}
	}
	e.mu.Unlock()
	if target == nil {
		return false
	}
	target.requestCancel(reason)
	return true
}

// Status reports the caller-visible view of an active run.
func (e *Engine) Status(runID string) (*v1.RunStatus, error) {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	iteration, phase := ar.progress()
	return &v1.RunStatus{
		RunID:       runID,
		WorkOrderID: ar.run.WorkOrderID,
		State:       v1.WorkOrderStateRunning,
		Iteration:   iteration,
		Phase:       phase,
		Elapsed:     time.Since(ar.startedAt),
	}, nil
}

// Execute runs a work order to its end. It blocks for the duration of the
// run; callers dispatch it on its own goroutine. The engine owns the slot
// from here on and releases it before any terminal transition.
func (e *Engine) Execute(ctx context.Context, in *ExecutionInput) (*ExecutionResult, error) {
	if in == nil || in.WorkOrder == nil {
		return nil, errors.New("execution input without work order")
	}

	run := &Run{
		ID:          uuid.New().String(),
		WorkOrderID: in.WorkOrder.ID,
		StartedAt:   time.Now().UTC(),
	}
	log := e.logger.WithRunID(run.ID).WithWorkOrderID(in.WorkOrder.ID)

	if err := validateInput(in); err != nil {
		log.Error("run input validation failed", zap.Error(err))
		return e.finishValidationFailure(ctx, in, run, err), nil
	}

	maxWallClock := in.WorkOrder.Limits.MaxWallClock
	if maxWallClock <= 0 {
		maxWallClock = e.cfg.DefaultMaxWallClock()
	}

	ar := &activeRun{run: run, startedAt: run.StartedAt}
	if err := e.register(run.ID, ar); err != nil {
		return nil, err
	}
	defer e.unregister(run.ID)

	runCtx, cancel := appctx.Detached(ctx, e.stopCh, maxWallClock)
	ar.setCancel(cancel)
	defer cancel()

	runCtx, span := e.tracer.Start(runCtx, "engine.run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("workorder.id", in.WorkOrder.ID),
			attribute.String("workorder.strategy", in.WorkOrder.Strategy),
		))
	defer span.End()

	if _, err := in.Machine.Transition(runCtx, v1.EventReady, map[string]interface{}{"run_id": run.ID}); err != nil {
		// Invalid transition is a programmer error, surfaced synchronously.
		e.monitor.ReleaseSlot(ctx, in.Slot)
		return nil, err
	}

	strategy, err := e.strategyFor(in.WorkOrder)
	if err != nil {
		return e.finishFailure(ctx, in, run, v1.ErrorKindValidation, err.Error(), log), nil
	}

	beforeState, err := e.caps.Snapshotter.CaptureBefore(runCtx, in.WorkspacePath)
	if err != nil {
		return e.finishFailure(ctx, in, run, v1.ErrorKindSnapshotFailure, err.Error(), log), nil
	}

	e.publish(ctx, events.RunStarted, map[string]interface{}{
		"run_id":        run.ID,
		"work_order_id": in.WorkOrder.ID,
		"strategy":      strategy.Name(),
	})
	log.Info("run started", zap.String("strategy", strategy.Name()))

	feedback := ""
	sessionID := ""
	for iteration := 1; ; iteration++ {
		if time.Since(run.StartedAt) >= maxWallClock {
			log.Warn("wall clock budget exceeded", zap.Duration("budget", maxWallClock))
			return e.finishTimeout(ctx, in, run, log), nil
		}
		if cancelled, reason := ar.isCancelled(); cancelled {
			return e.finishCancelled(ctx, in, run, reason, log), nil
		}

		ar.setProgress(iteration, orchestrator.PhaseBuild)
		e.publish(ctx, events.IterationStarted, map[string]interface{}{
			"run_id":    run.ID,
			"iteration": iteration,
		})

		// A phase never gets more time than the wall clock has left.
		phaseTimeout := e.cfg.PhaseTimeout()
		if remaining := maxWallClock - time.Since(run.StartedAt); remaining < phaseTimeout {
			phaseTimeout = remaining
		}

		iterCtx, iterSpan := e.tracer.Start(runCtx, "engine.iteration",
			trace.WithAttributes(attribute.Int("iteration", iteration)))
		started := time.Now().UTC()
		out := e.orch.RunIteration(iterCtx, &orchestrator.IterationInput{
			RunID:         run.ID,
			WorkOrder:     in.WorkOrder,
			GatePlan:      in.GatePlan,
			WorkspacePath: in.WorkspacePath,
			BeforeState:   beforeState,
			Iteration:     iteration,
			Feedback:      feedback,
			SessionID:     sessionID,
			PhaseTimeout:  phaseTimeout,
		})
		iterSpan.End()

		// A cancel that landed mid-phase discards the phase's result.
		if cancelled, reason := ar.isCancelled(); cancelled {
			return e.finishCancelled(ctx, in, run, reason, log), nil
		}

		record := recordFor(iteration, started, out)
		run.Iterations = append(run.Iterations, record)
		if out.Report != nil {
			run.LastReportID = out.Report.ID
		}
		e.publish(ctx, events.IterationCompleted, map[string]interface{}{
			"run_id":    run.ID,
			"iteration": iteration,
			"success":   out.Success,
			"outcome":   string(out.Outcome),
		})

		sessionID = out.SessionID

		switch {
		case out.Success:
			return e.finishPassed(ctx, in, run, log), nil

		case out.ErrorKind == v1.ErrorKindVerifyRetryable:
			decision := strategy.ShouldContinue(convergence.State{
				Iteration:           iteration,
				GatesPassed:         false,
				Report:              out.Report,
				AgentOutput:         agentOutput(out),
				SnapshotFingerprint: fingerprint(out),
			})
			if decision.Action == convergence.ActionContinue {
				log.Info("convergence: continue",
					zap.Int("iteration", iteration),
					zap.String("reason", decision.Reason))
				feedback = out.Feedback
				continue
			}
			log.Info("convergence: stop",
				zap.Int("iteration", iteration),
				zap.String("reason", decision.Reason))
			return e.finishVerificationFailed(ctx, in, run, decision.Reason, log), nil

		default:
			// A deadline that expired mid-phase is a wall-clock timeout,
			// not a retryable phase failure.
			if runCtx.Err() == context.DeadlineExceeded || time.Since(run.StartedAt) >= maxWallClock {
				log.Warn("wall clock budget exceeded", zap.Duration("budget", maxWallClock))
				return e.finishTimeout(ctx, in, run, log), nil
			}
			return e.finishPhaseFailure(ctx, in, run, out, log), nil
		}
	}
}

func validateInput(in *ExecutionInput) error {
	switch {
	case in.GatePlan == nil:
		return errors.New("no gate plan resolved")
	case in.WorkspacePath == "":
		return errors.New("no workspace acquired")
	case in.Machine == nil:
		return errors.New("no state machine bound")
	case in.Slot == nil:
		return errors.New("no slot held")
	}
	return nil
}

func (e *Engine) strategyFor(wo *v1.WorkOrder) (convergence.Strategy, error) {
	maxIterations := wo.Limits.MaxIterations
	if maxIterations <= 0 {
		maxIterations = e.cfg.DefaultMaxIterations
	}
	return convergence.New(wo.Strategy, convergence.Params{MaxIterations: maxIterations})
}

func (e *Engine) register(runID string, ar *activeRun) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.active) >= e.cfg.MaxConcurrentRuns {
		return fmt.Errorf("%w: %d", ErrConcurrencyLimit, e.cfg.MaxConcurrentRuns)
	}
	e.active[runID] = ar
	return nil
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

// finishPassed releases the slot, then drives the work order to COMPLETED.
func (e *Engine) finishPassed(ctx context.Context, in *ExecutionInput, run *Run, log *logger.Logger) *ExecutionResult {
	run.Result = v1.RunResultPassed
	run.FinishedAt = time.Now().UTC()
	e.monitor.ReleaseSlot(ctx, in.Slot)
	if _, err := in.Machine.Transition(ctx, v1.EventComplete, map[string]interface{}{"run_id": run.ID}); err != nil {
		log.Error("complete transition failed", zap.Error(err))
	}
	e.publish(ctx, events.RunCompleted, e.runEvent(run))
	log.Info("run completed", zap.Int("iterations", len(run.Iterations)))
	return &ExecutionResult{Run: run}
}

func (e *Engine) finishVerificationFailed(ctx context.Context, in *ExecutionInput, run *Run, reason string, log *logger.Logger) *ExecutionResult {
	run.Result = v1.RunResultFailedVerification
	run.ErrorKind = v1.ErrorKindVerifyTerminal
	run.ErrorMessage = reason
	run.FinishedAt = time.Now().UTC()
	e.monitor.ReleaseSlot(ctx, in.Slot)
	e.failMachine(ctx, in, false, v1.ErrorKindVerifyTerminal, reason, log)
	e.publish(ctx, events.RunFailed, e.runEvent(run))
	log.Info("run failed verification", zap.Int("iterations", len(run.Iterations)))
	return &ExecutionResult{Run: run}
}

func (e *Engine) finishTimeout(ctx context.Context, in *ExecutionInput, run *Run, log *logger.Logger) *ExecutionResult {
	run.Result = v1.RunResultFailedTimeout
	run.ErrorKind = v1.ErrorKindTimeout
	run.ErrorMessage = "wall clock budget exceeded"
	run.FinishedAt = time.Now().UTC()
	e.monitor.ReleaseSlot(ctx, in.Slot)
	e.failMachine(ctx, in, false, v1.ErrorKindTimeout, run.ErrorMessage, log)
	e.publish(ctx, events.RunFailed, e.runEvent(run))
	return &ExecutionResult{Run: run}
}

// finishCancelled maps an external cancel to a FAILED work order with a
// CANCELLED run result; the transition table has no cancel path out of
// RUNNING.
func (e *Engine) finishCancelled(ctx context.Context, in *ExecutionInput, run *Run, reason string, log *logger.Logger) *ExecutionResult {
	run.Result = v1.RunResultCancelled
	run.ErrorKind = v1.ErrorKindCancelled
	run.ErrorMessage = reason
	run.FinishedAt = time.Now().UTC()
	e.monitor.ReleaseSlot(ctx, in.Slot)
	e.failMachine(ctx, in, false, v1.ErrorKindCancelled, reason, log)
	e.publish(ctx, events.RunCancelled, e.runEvent(run))
	log.Info("run cancelled", zap.String("reason", reason))
	return &ExecutionResult{Run: run}
}

// finishPhaseFailure routes build, snapshot, and internal failures through
// the retry budget.
func (e *Engine) finishPhaseFailure(ctx context.Context, in *ExecutionInput, run *Run, out *orchestrator.IterationOutcome, log *logger.Logger) *ExecutionResult {
	return e.finishFailure(ctx, in, run, out.ErrorKind, out.ErrorMessage, log)
}

func (e *Engine) finishFailure(ctx context.Context, in *ExecutionInput, run *Run, kind v1.ErrorKind, message string, log *logger.Logger) *ExecutionResult {
	retryable := kind.Retryable()
	// internal_error is retried at most once.
	if kind == v1.ErrorKindInternal && in.Machine.RetryCount() >= 1 {
		retryable = false
	}

	run.Result = resultForKind(kind)
	run.ErrorKind = kind
	run.ErrorMessage = message
	run.FinishedAt = time.Now().UTC()

	e.monitor.ReleaseSlot(ctx, in.Slot)
	state := e.failMachine(ctx, in, retryable, kind, message, log)

	if state == v1.WorkOrderStateWaitingRetry {
		run.Retrying = true
		attempt := in.Machine.RetryCount() + 1
		if e.retries != nil {
			if _, err := e.retries.Schedule(ctx, in.WorkOrder.ID, attempt); err != nil {
				log.Error("failed to schedule retry", zap.Error(err))
			}
		}
	}

	e.publish(ctx, events.RunFailed, e.runEvent(run))
	log.Warn("run failed",
		zap.String("error_kind", string(kind)),
		zap.Bool("retrying", run.Retrying))
	return &ExecutionResult{Run: run}
}

// finishValidationFailure handles inputs rejected before the run loop ever
// starts. The slot, if held, is returned.
func (e *Engine) finishValidationFailure(ctx context.Context, in *ExecutionInput, run *Run, err error) *ExecutionResult {
	run.Result = v1.RunResultFailedError
	run.ErrorKind = v1.ErrorKindValidation
	run.ErrorMessage = err.Error()
	run.FinishedAt = time.Now().UTC()
	if in.Slot != nil {
		e.monitor.ReleaseSlot(ctx, in.Slot)
	}
	if in.Machine != nil && in.Machine.CanTransition(v1.EventFail) {
		_, _ = in.Machine.Transition(ctx, v1.EventFail, map[string]interface{}{
			workorder.MetaRetryable: false,
			"error_kind":            string(v1.ErrorKindValidation),
			"error":                 err.Error(),
		})
	}
	e.publish(ctx, events.RunFailed, e.runEvent(run))
	return &ExecutionResult{Run: run}
}

// failMachine applies FAIL and returns the resulting state.
func (e *Engine) failMachine(ctx context.Context, in *ExecutionInput, retryable bool, kind v1.ErrorKind, message string, log *logger.Logger) v1.WorkOrderState {
	state, err := in.Machine.Transition(ctx, v1.EventFail, map[string]interface{}{
		workorder.MetaRetryable: retryable,
		"error_kind":            string(kind),
		"error":                 message,
	})
	if err != nil {
		log.Error("fail transition rejected", zap.Error(err))
		return in.Machine.State()
	}
	return state
}

func (e *Engine) runEvent(run *Run) map[string]interface{} {
	return map[string]interface{}{
		"run_id":        run.ID,
		"work_order_id": run.WorkOrderID,
		"result":        string(run.Result),
		"iterations":    len(run.Iterations),
		"error_kind":    string(run.ErrorKind),
		"retrying":      run.Retrying,
		"duration_ms":   run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
	}
}

func (e *Engine) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, subject, bus.NewEvent(subject, "engine", data)); err != nil {
		e.logger.Warn("failed to publish run event", zap.String("subject", subject), zap.Error(err))
	}
}

// resultForKind maps a failure kind to the run's terminal result enum.
func resultForKind(kind v1.ErrorKind) v1.RunResult {
	switch kind {
	case v1.ErrorKindBuildFailure, v1.ErrorKindAgentTimeout, v1.ErrorKindAgentCrash, v1.ErrorKindAgentFailure:
		return v1.RunResultFailedBuild
	case v1.ErrorKindTimeout:
		return v1.RunResultFailedTimeout
	case v1.ErrorKindCancelled:
		return v1.RunResultCancelled
	default:
		return v1.RunResultFailedError
	}
}

func recordFor(iteration int, started time.Time, out *orchestrator.IterationOutcome) v1.IterationRecord {
	record := v1.IterationRecord{
		Number:             iteration,
		StartedAt:          started,
		FinishedAt:         time.Now().UTC(),
		PhaseDurations:     out.PhaseDurations,
		VerificationPassed: out.Success,
		FeedbackGenerated:  out.Feedback != "",
		FeedbackFallback:   out.FeedbackFallback,
		ErrorKind:          out.ErrorKind,
		ErrorMessage:       out.ErrorMessage,
	}
	if out.Snapshot != nil {
		record.SnapshotID = out.Snapshot.ID
	}
	return record
}

func agentOutput(out *orchestrator.IterationOutcome) string {
	if out.AgentResult == nil {
		return ""
	}
	return out.AgentResult.Stdout
}

func fingerprint(out *orchestrator.IterationOutcome) string {
	if out.Snapshot == nil {
		return ""
	}
	return out.Snapshot.Fingerprint
}
