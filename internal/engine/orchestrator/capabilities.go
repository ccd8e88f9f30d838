package orchestrator

import (
	"context"
	"time"

	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

// AgentDriver executes one build phase against a workspace.
type AgentDriver interface {
	Execute(ctx context.Context, req *v1.AgentRequest) (*v1.AgentResult, error)
}

// Snapshotter captures content-addressed workspace states.
type Snapshotter interface {
	// CaptureBefore records the pre-run workspace state and returns an opaque
	// handle passed back into Capture.
	CaptureBefore(ctx context.Context, workspacePath string) (string, error)
	Capture(ctx context.Context, workspacePath, beforeState, runID string, iteration int, prompt string) (*v1.Snapshot, error)
}

// VerifyRequest is the verifier capability input.
type VerifyRequest struct {
	SnapshotID string
	GatePlan   *v1.GatePlan
	RunID      string
	Iteration  int
	Timeout    time.Duration
	SkipLevels []string
}

// Verifier runs the gate plan's checks against a snapshot.
type Verifier interface {
	Verify(ctx context.Context, req *VerifyRequest) (*v1.VerificationReport, error)
}

// FeedbackGenerator turns a failed verification into guidance for the next
// build phase.
type FeedbackGenerator interface {
	Generate(ctx context.Context, snapshot *v1.Snapshot, report *v1.VerificationReport, plan *v1.GatePlan) (string, error)
}

// ResultPersister stores per-iteration artifacts. The engine writes nothing
// to disk itself.
type ResultPersister interface {
	SaveAgentResult(runID string, iteration int, result *v1.AgentResult) error
	SaveVerification(runID string, iteration int, report *v1.VerificationReport) error
}

// Capabilities bundles the external interfaces one run depends on.
type Capabilities struct {
	Driver      AgentDriver
	Snapshotter Snapshotter
	Verifier    Verifier
	Feedback    FeedbackGenerator
	Persister   ResultPersister
}
