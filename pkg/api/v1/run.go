package v1

import "time"

// RunResult is the terminal outcome of a run.
type RunResult string

const (
	RunResultPassed             RunResult = "PASSED"
	RunResultFailedVerification RunResult = "FAILED_VERIFICATION"
	RunResultFailedBuild        RunResult = "FAILED_BUILD"
	RunResultFailedTimeout      RunResult = "FAILED_TIMEOUT"
	RunResultFailedError        RunResult = "FAILED_ERROR"
	RunResultCancelled          RunResult = "CANCELLED"
)

// ErrorKind classifies a failure observed during execution.
type ErrorKind string

const (
	ErrorKindValidation           ErrorKind = "validation_error"
	ErrorKindBuildFailure         ErrorKind = "build_failure"
	ErrorKindAgentTimeout         ErrorKind = "agent_timeout"
	ErrorKindAgentCrash           ErrorKind = "agent_crash"
	ErrorKindAgentFailure         ErrorKind = "agent_failure"
	ErrorKindSnapshotFailure      ErrorKind = "snapshot_failure"
	ErrorKindVerifyRetryable      ErrorKind = "verification_failed_retryable"
	ErrorKindVerifyTerminal       ErrorKind = "verification_failed_terminal"
	ErrorKindTimeout              ErrorKind = "timeout"
	ErrorKindCancelled            ErrorKind = "cancelled"
	ErrorKindConcurrencyLimit     ErrorKind = "concurrency_limit"
	ErrorKindInvalidTransition    ErrorKind = "invalid_transition"
	ErrorKindInternal             ErrorKind = "internal_error"
)

// Retryable reports whether the kind is eligible for a scheduled retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindAgentTimeout, ErrorKindAgentFailure, ErrorKindBuildFailure,
		ErrorKindSnapshotFailure, ErrorKindInternal:
		return true
	}
	return false
}

// IterationRecord captures one pass through the phase pipeline.
type IterationRecord struct {
	Number             int                      `json:"number"`
	StartedAt          time.Time                `json:"started_at"`
	FinishedAt         time.Time                `json:"finished_at"`
	PhaseDurations     map[string]time.Duration `json:"phase_durations,omitempty"`
	SnapshotID         string                   `json:"snapshot_id,omitempty"`
	VerificationPassed bool                     `json:"verification_passed"`
	FeedbackGenerated  bool                     `json:"feedback_generated"`
	FeedbackFallback   bool                     `json:"feedback_fallback,omitempty"`
	ErrorKind          ErrorKind                `json:"error_kind,omitempty"`
	ErrorMessage       string                   `json:"error_message,omitempty"`
}

// RunStatus is the caller-visible view of an active run.
type RunStatus struct {
	RunID       string         `json:"run_id"`
	WorkOrderID string         `json:"work_order_id"`
	State       WorkOrderState `json:"state"`
	Iteration   int            `json:"iteration"`
	Phase       string         `json:"phase,omitempty"`
	Elapsed     time.Duration  `json:"elapsed"`
}
