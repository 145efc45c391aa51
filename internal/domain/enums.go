// Package domain defines the core domain models for the run engine.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusQueued       RunStatus = "queued"
	RunStatusRunning      RunStatus = "running"
	RunStatusWaitingInput RunStatus = "waiting_input"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCancelled    RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// TaskStatus represents the status of a task inside a plan.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusSkipped    TaskStatus = "skipped"
	TaskStatusRetrying   TaskStatus = "retrying"
	TaskStatusAborted    TaskStatus = "aborted"
	TaskStatusTimeout    TaskStatus = "timeout"
)

// IsTerminal reports whether the task will not be scheduled again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusFailed, TaskStatusBlocked, TaskStatusSkipped, TaskStatusAborted, TaskStatusTimeout:
		return true
	}
	return false
}

// PropagatesFailure reports whether dependents of a task in this status must be blocked.
func (s TaskStatus) PropagatesFailure() bool {
	return s == TaskStatusFailed || s == TaskStatusTimeout || s == TaskStatusBlocked
}

// EventSource identifies which layer produced an event.
type EventSource string

const (
	EventSourceSession EventSource = "session"
	EventSourcePlan    EventSource = "plan"
	EventSourceTask    EventSource = "task"
	EventSourceRun     EventSource = "run"
)

// EventType represents the type of an event.
type EventType string

const (
	// Run lifecycle events
	EventTypeRunCreated      EventType = "run_created"
	EventTypeRunStarted      EventType = "run_started"
	EventTypeRunWaitingInput EventType = "run_waiting_input"
	EventTypeRunResumed      EventType = "run_resumed"
	EventTypeRunCompleted    EventType = "run_completed"
	EventTypeRunFailed       EventType = "run_failed"
	EventTypeRunCancelled    EventType = "run_cancelled"

	// Plan events
	EventTypePlanCreated EventType = "plan_created"

	// Task events
	EventTypeTaskStarted  EventType = "task_started"
	EventTypeTaskDone     EventType = "task_done"
	EventTypeTaskFailed   EventType = "task_failed"
	EventTypeTaskBlocked  EventType = "task_blocked"
	EventTypeTaskRetrying EventType = "task_retrying"
	EventTypeTaskSkipped  EventType = "task_skipped"
	EventTypeTaskAborted  EventType = "task_aborted"
	EventTypeTaskTimeout  EventType = "task_timeout"

	// EventTypeTaskSuspended marks a task returned to pending at a suspend point.
	EventTypeTaskSuspended EventType = "task_suspended"

	// Model pool events
	EventTypeModelSelected    EventType = "model_selected"
	EventTypeModelFallback    EventType = "model_fallback"
	EventTypeModelServed      EventType = "model_served"
	EventTypeModelUnavailable EventType = "model_unavailable"

	// Tool policy events
	EventTypeToolPolicyWarn    EventType = "tool_policy_warn"
	EventTypeToolPolicyBlocked EventType = "tool_policy_blocked"

	// Verify gate events
	EventTypeVerifyStart   EventType = "verify_start"
	EventTypeVerifyPass    EventType = "verify_pass"
	EventTypeVerifyFail    EventType = "verify_fail"
	EventTypeVerifySkipped EventType = "verify_skipped"

	// High-frequency events, live channel only by default
	EventTypeLLMStreamDelta EventType = "llm_stream_delta"
	EventTypeHeartbeat      EventType = "heartbeat"
)

// runScopedTypes lists event types that must carry a run_id.
var runScopedTypes = map[EventType]struct{}{
	EventTypeRunCreated:        {},
	EventTypeRunStarted:        {},
	EventTypeRunWaitingInput:   {},
	EventTypeRunResumed:        {},
	EventTypeRunCompleted:      {},
	EventTypeRunFailed:         {},
	EventTypeRunCancelled:      {},
	EventTypeTaskStarted:       {},
	EventTypeTaskDone:          {},
	EventTypeTaskFailed:        {},
	EventTypeTaskBlocked:       {},
	EventTypeTaskRetrying:      {},
	EventTypeTaskSkipped:       {},
	EventTypeTaskAborted:       {},
	EventTypeTaskTimeout:       {},
	EventTypeTaskSuspended:     {},
	EventTypeToolPolicyWarn:    {},
	EventTypeToolPolicyBlocked: {},
	EventTypeVerifyStart:       {},
	EventTypeVerifyPass:        {},
	EventTypeVerifyFail:        {},
	EventTypeVerifySkipped:     {},
}

// IsRunScoped reports whether events of type t are rejected without a run_id.
func (t EventType) IsRunScoped() bool {
	_, ok := runScopedTypes[t]
	return ok
}

// DefaultExcludedEventTypes are never persisted unless configured otherwise.
var DefaultExcludedEventTypes = []EventType{
	EventTypeLLMStreamDelta,
	EventTypeHeartbeat,
}

// PolicyDecision is the outcome of a tool policy check.
type PolicyDecision string

const (
	PolicyDecisionAllow PolicyDecision = "allow"
	PolicyDecisionWarn  PolicyDecision = "warn"
	PolicyDecisionBlock PolicyDecision = "block"
)

// PolicyMode controls how block findings are applied.
type PolicyMode string

const (
	PolicyModeOff     PolicyMode = "off"
	PolicyModeLogOnly PolicyMode = "log_only"
	PolicyModeEnforce PolicyMode = "enforce"
)

// ModelRole is a logical role resolved to a backend candidate by the model pool.
type ModelRole string

const (
	ModelRoleClassifier ModelRole = "classifier"
	ModelRolePlanner    ModelRole = "planner"
	ModelRoleWriter     ModelRole = "writer"
	ModelRoleValidator  ModelRole = "validator"
)

// KnownModelRoles returns every role the engine binds candidates for.
func KnownModelRoles() []ModelRole {
	return []ModelRole{ModelRoleClassifier, ModelRolePlanner, ModelRoleWriter, ModelRoleValidator}
}

// Valid reports whether r is one of the known roles.
func (r ModelRole) Valid() bool {
	for _, known := range KnownModelRoles() {
		if r == known {
			return true
		}
	}
	return false
}

// Capability is a feature a model candidate may support.
type Capability string

const (
	CapabilityVision    Capability = "vision"
	CapabilityJSONMode  Capability = "json_mode"
	CapabilityTools     Capability = "tools"
	CapabilityStreaming Capability = "streaming"
)

// VerifyFailureMode decides what a failed verification does to the run.
type VerifyFailureMode string

const (
	VerifyFailureFail      VerifyFailureMode = "fail"
	VerifyFailureWaitInput VerifyFailureMode = "wait_input"
)
