// Package convergence decides, after each iteration, whether a run keeps
// going. Strategies are selected per run by identifier and carry their own
// private history.
package convergence

import (
	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

// Action is the controller's verdict for the next iteration.
type Action string

const (
	ActionContinue Action = "continue"
	ActionStop     Action = "stop"
)

// Decision decorates an iteration result with the controller's verdict.
type Decision struct {
	Action     Action
	Reason     string
	Confidence float64 // in [0,1]
}

func cont(reason string, confidence float64) Decision {
	return Decision{Action: ActionContinue, Reason: reason, Confidence: confidence}
}

func stop(reason string, confidence float64) Decision {
	return Decision{Action: ActionStop, Reason: reason, Confidence: confidence}
}

// State is the per-iteration input to ShouldContinue. It describes the
// iteration that just finished.
type State struct {
	Iteration           int // 1-based
	GatesPassed         bool
	Report              *v1.VerificationReport
	AgentOutput         string
	SnapshotFingerprint string
}

// Strategy is the pluggable decision function. Implementations keep local
// history between calls; Reset clears it for reuse across runs.
type Strategy interface {
	Name() string
	ShouldContinue(s State) Decision
	// Progress returns the latest measured progress in [0,1].
	Progress() float64
	Reset()
}

// Params carries the tunables a factory may consume. Zero values select the
// strategy's defaults.
type Params struct {
	// MaxIterations bounds fixed and caps hybrid (base+bonus defaults).
	MaxIterations int

	HybridBase      int
	HybridBonus     int
	HybridThreshold float64

	RalphMinIterations        int
	RalphConvergenceThreshold float64
	RalphWindowSize           int
	// CompletionSignals overrides the default completion phrase set.
	CompletionSignals []string
}
