// Package v1 contains the public API types shared between the AgentGate
// engine and its callers.
package v1

import "time"

// WorkOrderState represents the lifecycle state of a work order.
type WorkOrderState string

const (
	WorkOrderStatePending      WorkOrderState = "PENDING"
	WorkOrderStatePreparing    WorkOrderState = "PREPARING"
	WorkOrderStateRunning      WorkOrderState = "RUNNING"
	WorkOrderStateCompleted    WorkOrderState = "COMPLETED"
	WorkOrderStateFailed       WorkOrderState = "FAILED"
	WorkOrderStateWaitingRetry WorkOrderState = "WAITING_RETRY"
	WorkOrderStateCancelled    WorkOrderState = "CANCELLED"
)

// IsTerminal returns true for states that end the work order's lifecycle.
func (s WorkOrderState) IsTerminal() bool {
	switch s {
	case WorkOrderStateCompleted, WorkOrderStateFailed, WorkOrderStateCancelled:
		return true
	}
	return false
}

// TransitionEvent names an event applied to the work-order state machine.
type TransitionEvent string

const (
	EventSubmit   TransitionEvent = "SUBMIT"
	EventClaim    TransitionEvent = "CLAIM"
	EventReady    TransitionEvent = "READY"
	EventComplete TransitionEvent = "COMPLETE"
	EventFail     TransitionEvent = "FAIL"
	EventRetry    TransitionEvent = "RETRY"
	EventCancel   TransitionEvent = "CANCEL"
)

// WorkspaceSourceKind tags the variant of a workspace source descriptor.
type WorkspaceSourceKind string

const (
	WorkspaceSourceLocalPath WorkspaceSourceKind = "local_path"
	WorkspaceSourceGitRepo   WorkspaceSourceKind = "git_repo"
	WorkspaceSourceTemplate  WorkspaceSourceKind = "template"
)

// WorkspaceSource describes where the workspace for a work order comes from.
// Exactly one of the variant fields is meaningful for a given Kind.
type WorkspaceSource struct {
	Kind      WorkspaceSourceKind `json:"kind"`
	LocalPath string              `json:"local_path,omitempty"`
	RepoURL   string              `json:"repo_url,omitempty"`
	Branch    string              `json:"branch,omitempty"`
	Template  string              `json:"template,omitempty"`
}

// GatePlanSource selects how the gate plan for a work order is resolved.
type GatePlanSource string

const (
	GatePlanSourceProfile    GatePlanSource = "profile"
	GatePlanSourceCIInferred GatePlanSource = "ci-inferred"
	GatePlanSourceAuto       GatePlanSource = "auto"
	GatePlanSourceDefault    GatePlanSource = "default"
)

// Limits bounds a work order's execution.
type Limits struct {
	MaxIterations int           `json:"max_iterations"`
	MaxWallClock  time.Duration `json:"max_wall_clock"`
}

// ExecutionPolicies restricts what an agent may do inside the workspace.
type ExecutionPolicies struct {
	NetworkAllowed bool     `json:"network_allowed"`
	AllowedPaths   []string `json:"allowed_paths,omitempty"`
	ForbiddenPaths []string `json:"forbidden_paths,omitempty"`
	MaxDiskBytes   int64    `json:"max_disk_bytes,omitempty"`
}

// WorkOrder is an accepted request to run an agent against a workspace.
// It is immutable after acceptance.
type WorkOrder struct {
	ID             string            `json:"id"`
	TaskPrompt     string            `json:"task_prompt"`
	Workspace      WorkspaceSource   `json:"workspace"`
	AgentKind      string            `json:"agent_kind"`
	Strategy       string            `json:"strategy,omitempty"`
	Priority       int               `json:"priority"`
	Limits         Limits            `json:"limits"`
	GatePlanSource GatePlanSource    `json:"gate_plan_source"`
	GateProfile    string            `json:"gate_profile,omitempty"`
	Policies       ExecutionPolicies `json:"policies"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Transition is one audit record in a work order's state history.
type Transition struct {
	ID        string                 `json:"id"`
	From      WorkOrderState         `json:"from"`
	To        WorkOrderState         `json:"to"`
	Event     TransitionEvent        `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
