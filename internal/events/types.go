// Package events provides event subjects and payload types for the AgentGate
// event system. The engine publishes only to the in-process bus; callers and
// observability taps subscribe here.
package events

// Event types for work-order state machines
const (
	StateChanged    = "workorder.state_changed"
	TerminalReached = "workorder.terminal_reached"
)

// Event types for the scheduler
const (
	WorkClaimed  = "scheduler.work_claimed"
	QueueEmpty   = "scheduler.queue_empty"
	Backpressure = "scheduler.backpressure"
	StaggerWait  = "scheduler.stagger_wait"
)

// Event types for the resource monitor
const (
	SlotAvailable  = "resource.slot_available"
	MemoryPressure = "resource.memory_pressure"
)

// Event types for the retry manager
const (
	RetryScheduled = "retry.scheduled"
	RetryFired     = "retry.fired"
	RetryCancelled = "retry.cancelled"
)

// Event types for runs
const (
	RunStarted         = "run.started"
	IterationStarted   = "run.iteration_started"
	IterationCompleted = "run.iteration_completed"
	RunCompleted       = "run.completed"
	RunFailed          = "run.failed"
	RunCancelled       = "run.cancelled"
)
