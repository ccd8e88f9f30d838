// Package orchestrator runs one iteration of the build, snapshot, verify,
// feedback pipeline with hard early exit on phase failure.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

// Phase names, used as keys in the per-iteration duration breakdown.
const (
	PhaseBuild    = "build"
	PhaseSnapshot = "snapshot"
	PhaseVerify   = "verify"
	PhaseFeedback = "feedback"
)

// Outcome labels the way an iteration ended.
type Outcome string

const (
	OutcomeBuildFailed           Outcome = "BUILD_FAILED"
	OutcomeSnapshotFailed        Outcome = "SNAPSHOT_FAILED"
	OutcomeVerifyError           Outcome = "VERIFY_ERROR"
	OutcomeVerifyPassed          Outcome = "VERIFY_PASSED"
	OutcomeVerifyFailedRetryable Outcome = "VERIFY_FAILED_RETRYABLE"
)

// IterationInput carries everything one iteration needs.
type IterationInput struct {
	RunID         string
	WorkOrder     *v1.WorkOrder
	GatePlan      *v1.GatePlan
	WorkspacePath string
	BeforeState   string
	Iteration     int // 1-based
	Feedback      string
	SessionID     string
	PhaseTimeout  time.Duration
}

// IterationOutcome is the structured result of one pipeline pass. Success is
// true only when verification passed.
type IterationOutcome struct {
	Success          bool
	Outcome          Outcome
	SessionID        string // propagated even on failure
	AgentResult      *v1.AgentResult
	Snapshot         *v1.Snapshot
	Report           *v1.VerificationReport
	Feedback         string
	FeedbackFallback bool
	ErrorKind        v1.ErrorKind
	ErrorMessage     string
	PhaseDurations   map[string]time.Duration
}

// Orchestrator executes iterations through the capability interfaces.
type Orchestrator struct {
	caps   Capabilities
	logger *logger.Logger
}

// New creates an orchestrator over the given capabilities.
func New(caps Capabilities, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		caps:   caps,
		logger: log.WithFields(zap.String("component", "orchestrator")),
	}
}

// RunIteration executes one build-snapshot-verify-feedback pass. Phase
// failures stop the pipeline; the outcome carries the error kind for the
// engine's routing.
func (o *Orchestrator) RunIteration(ctx context.Context, in *IterationInput) *IterationOutcome {
	out := &IterationOutcome{
		SessionID:      in.SessionID,
		PhaseDurations: make(map[string]time.Duration),
	}
	log := o.logger.WithRunID(in.RunID).WithFields(zap.Int("iteration", in.Iteration))

	// Build
	agentResult, err := o.build(ctx, in, out)
	if agentResult != nil {
		out.AgentResult = agentResult
		if agentResult.SessionID != "" {
			out.SessionID = agentResult.SessionID
		}
		o.persistAgentResult(in, agentResult, log)
	}
	if err != nil || agentResult == nil || !agentResult.Success {
		out.Outcome = OutcomeBuildFailed
		out.ErrorKind, out.ErrorMessage = classifyBuildFailure(agentResult, err)
		log.Warn("build phase failed",
			zap.String("error_kind", string(out.ErrorKind)),
			zap.String("error", out.ErrorMessage))
		return out
	}

	// Snapshot
	snapshot, err := o.snapshot(ctx, in, out)
	if err != nil {
		out.Outcome = OutcomeSnapshotFailed
		out.ErrorKind = v1.ErrorKindSnapshotFailure
		out.ErrorMessage = err.Error()
		log.Warn("snapshot phase failed", zap.Error(err))
		return out
	}
	out.Snapshot = snapshot

	// Verify
	report, err := o.verify(ctx, in, snapshot, out)
	if err != nil {
		out.Outcome = OutcomeVerifyError
		out.ErrorKind = v1.ErrorKindInternal
		out.ErrorMessage = err.Error()
		log.Warn("verify phase errored", zap.Error(err))
		return out
	}
	out.Report = report
	o.persistVerification(in, report, log)

	if report.Passed {
		out.Success = true
		out.Outcome = OutcomeVerifyPassed
		log.Info("verification passed")
		return out
	}

	// Feedback: always succeeds thanks to the deterministic fallback.
	out.Outcome = OutcomeVerifyFailedRetryable
	out.ErrorKind = v1.ErrorKindVerifyRetryable
	out.Feedback, out.FeedbackFallback = o.feedback(ctx, in, snapshot, report, out)
	log.Info("verification failed, feedback generated",
		zap.Bool("fallback", out.FeedbackFallback),
		zap.Int("feedback_len", len(out.Feedback)))
	return out
}

func (o *Orchestrator) build(ctx context.Context, in *IterationInput, out *IterationOutcome) (*v1.AgentResult, error) {
	start := time.Now()
	defer func() { out.PhaseDurations[PhaseBuild] = time.Since(start) }()

	phaseCtx, cancel := context.WithTimeout(ctx, in.PhaseTimeout)
	defer cancel()
	return o.caps.Driver.Execute(phaseCtx, &v1.AgentRequest{
		WorkspacePath: in.WorkspacePath,
		TaskPrompt:    in.WorkOrder.TaskPrompt,
		Feedback:      in.Feedback,
		SessionID:     in.SessionID,
		Iteration:     in.Iteration,
		Timeout:       in.PhaseTimeout,
		Constraints:   in.WorkOrder.Policies,
	})
}

func (o *Orchestrator) snapshot(ctx context.Context, in *IterationInput, out *IterationOutcome) (*v1.Snapshot, error) {
	start := time.Now()
	defer func() { out.PhaseDurations[PhaseSnapshot] = time.Since(start) }()

	phaseCtx, cancel := context.WithTimeout(ctx, in.PhaseTimeout)
	defer cancel()
	return o.caps.Snapshotter.Capture(phaseCtx, in.WorkspacePath, in.BeforeState, in.RunID, in.Iteration, in.WorkOrder.TaskPrompt)
}

func (o *Orchestrator) verify(ctx context.Context, in *IterationInput, snapshot *v1.Snapshot, out *IterationOutcome) (*v1.VerificationReport, error) {
	start := time.Now()
	defer func() { out.PhaseDurations[PhaseVerify] = time.Since(start) }()

	phaseCtx, cancel := context.WithTimeout(ctx, in.PhaseTimeout)
	defer cancel()
	return o.caps.Verifier.Verify(phaseCtx, &VerifyRequest{
		SnapshotID: snapshot.ID,
		GatePlan:   in.GatePlan,
		RunID:      in.RunID,
		Iteration:  in.Iteration,
		Timeout:    in.PhaseTimeout,
		SkipLevels: in.GatePlan.SkipLevels,
	})
}

func (o *Orchestrator) feedback(ctx context.Context, in *IterationInput, snapshot *v1.Snapshot, report *v1.VerificationReport, out *IterationOutcome) (string, bool) {
	start := time.Now()
	defer func() { out.PhaseDurations[PhaseFeedback] = time.Since(start) }()

	if o.caps.Feedback != nil {
		phaseCtx, cancel := context.WithTimeout(ctx, in.PhaseTimeout)
		defer cancel()
		text, err := o.caps.Feedback.Generate(phaseCtx, snapshot, report, in.GatePlan)
		if err == nil && text != "" {
			return text, false
		}
		if err != nil {
			o.logger.WithRunID(in.RunID).Warn("feedback generator failed, using fallback", zap.Error(err))
		}
	}
	return fallbackFeedback(report), true
}

func (o *Orchestrator) persistAgentResult(in *IterationInput, result *v1.AgentResult, log *logger.Logger) {
	if o.caps.Persister == nil {
		return
	}
	if err := o.caps.Persister.SaveAgentResult(in.RunID, in.Iteration, result); err != nil {
		log.Warn("failed to persist agent result", zap.Error(err))
	}
}

func (o *Orchestrator) persistVerification(in *IterationInput, report *v1.VerificationReport, log *logger.Logger) {
	if o.caps.Persister == nil {
		return
	}
	if err := o.caps.Persister.SaveVerification(in.RunID, in.Iteration, report); err != nil {
		log.Warn("failed to persist verification report", zap.Error(err))
	}
}

// classifyBuildFailure maps a failed build phase to an error kind.
func classifyBuildFailure(result *v1.AgentResult, err error) (v1.ErrorKind, string) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return v1.ErrorKindAgentTimeout, err.Error()
		}
		return v1.ErrorKindInternal, err.Error()
	}
	if result == nil {
		return v1.ErrorKindInternal, "agent driver returned no result"
	}
	kind := result.ErrorKind
	if kind == "" {
		kind = v1.ErrorKindAgentFailure
	}
	msg := result.Stderr
	if msg == "" {
		msg = "agent reported failure"
	}
	return kind, msg
}
