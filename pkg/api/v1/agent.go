package v1

import "time"

// AgentRequest is the input handed to an agent driver for one build phase.
type AgentRequest struct {
	WorkspacePath string            `json:"workspace_path"`
	TaskPrompt    string            `json:"task_prompt"`
	Feedback      string            `json:"feedback,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Iteration     int               `json:"iteration"`
	Timeout       time.Duration     `json:"timeout"`
	Constraints   ExecutionPolicies `json:"constraints"`
}

// AgentResult is what an agent driver returns from one invocation.
type AgentResult struct {
	Success    bool          `json:"success"`
	SessionID  string        `json:"session_id,omitempty"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Duration   time.Duration `json:"duration"`
	TokensUsed int           `json:"tokens_used,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
}

// Snapshot is the content-addressed record returned by the snapshot
// capability. The engine treats everything except ID and Fingerprint as
// opaque.
type Snapshot struct {
	ID           string `json:"id"`
	PreHash      string `json:"pre_hash"`
	PostHash     string `json:"post_hash"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	FilesAdded   int    `json:"files_added"`
	FilesChanged int    `json:"files_changed"`
	FilesDeleted int    `json:"files_deleted"`
	PatchRef     string `json:"patch_ref,omitempty"`
}
