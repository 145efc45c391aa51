package domain

import (
	"encoding/json"
	"fmt"
)

// Payload is the closed set of typed event payloads.
type Payload interface {
	isPayload()
}

// RunCreatedPayload is the payload for run_created.
type RunCreatedPayload struct {
	TriggerSource string `json:"trigger_source"`
	PlanID        string `json:"plan_id,omitempty"`
}

// RunTransitionPayload is the payload for run_started, run_completed and run_cancelled.
type RunTransitionPayload struct {
	From          RunStatus `json:"from"`
	To            RunStatus `json:"to"`
	CheckpointKey string    `json:"checkpoint_key,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// RunWaitingInputPayload is the payload for run_waiting_input.
type RunWaitingInputPayload struct {
	CheckpointKey string          `json:"checkpoint_key"`
	TaskID        string          `json:"task_id,omitempty"`
	Prompt        json.RawMessage `json:"prompt,omitempty"`
}

// RunResumedPayload is the payload for run_resumed.
type RunResumedPayload struct {
	CheckpointKey string          `json:"checkpoint_key"`
	Input         json.RawMessage `json:"input,omitempty"`
}

// RunFailedPayload is the payload for run_failed.
type RunFailedPayload struct {
	Error RunError `json:"error"`
}

// PlanCreatedPayload is the payload for plan_created.
type PlanCreatedPayload struct {
	PlanID    string `json:"plan_id"`
	Name      string `json:"name"`
	TaskCount int    `json:"task_count"`
}

// TaskPayload is shared by every task_* event.
type TaskPayload struct {
	TaskID     string     `json:"task_id"`
	PlanID     string     `json:"plan_id,omitempty"`
	Title      string     `json:"title,omitempty"`
	Status     TaskStatus `json:"status"`
	Attempt    int        `json:"attempt,omitempty"`
	Error      string     `json:"error,omitempty"`
	BlockedBy  string     `json:"blocked_by,omitempty"`
	DelayMs    int64      `json:"delay_ms,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	TimeoutMs  int64      `json:"timeout_ms,omitempty"`
}

// ModelPayload is shared by every model_* event.
type ModelPayload struct {
	Role      ModelRole `json:"role"`
	Candidate string    `json:"candidate,omitempty"`
	Model     string    `json:"model,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason,omitempty"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
}

// PolicyPayload is the payload for tool_policy_warn and tool_policy_blocked.
type PolicyPayload struct {
	ToolName string         `json:"tool_name"`
	Phase    string         `json:"phase"`
	Mode     PolicyMode     `json:"mode"`
	Decision PolicyDecision `json:"decision"`
	TaskID   string         `json:"task_id,omitempty"`
	Findings []Finding      `json:"findings"`
}

// VerifyPayload is shared by every verify_* event.
type VerifyPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// StreamDeltaPayload is the payload for llm_stream_delta.
type StreamDeltaPayload struct {
	TaskID string `json:"task_id,omitempty"`
	Text   string `json:"text"`
}

// HeartbeatPayload is the payload for heartbeat.
type HeartbeatPayload struct {
	Ts int64 `json:"ts"`
}

// UnknownPayload keeps payloads of types this build does not know.
type UnknownPayload struct {
	Type EventType
	Raw  json.RawMessage
}

func (RunCreatedPayload) isPayload()      {}
func (RunTransitionPayload) isPayload()   {}
func (RunWaitingInputPayload) isPayload() {}
func (RunResumedPayload) isPayload()      {}
func (RunFailedPayload) isPayload()       {}
func (PlanCreatedPayload) isPayload()     {}
func (TaskPayload) isPayload()            {}
func (ModelPayload) isPayload()           {}
func (PolicyPayload) isPayload()          {}
func (VerifyPayload) isPayload()          {}
func (StreamDeltaPayload) isPayload()     {}
func (HeartbeatPayload) isPayload()       {}
func (UnknownPayload) isPayload()         {}

// DecodePayload returns the typed payload for an event type.
// Types outside the known vocabulary decode to UnknownPayload and never fail.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventTypeRunCreated:
		p = &RunCreatedPayload{}
	case EventTypeRunStarted, EventTypeRunCompleted, EventTypeRunCancelled:
		p = &RunTransitionPayload{}
	case EventTypeRunWaitingInput:
		p = &RunWaitingInputPayload{}
	case EventTypeRunResumed:
		p = &RunResumedPayload{}
	case EventTypeRunFailed:
		p = &RunFailedPayload{}
	case EventTypePlanCreated:
		p = &PlanCreatedPayload{}
	case EventTypeTaskStarted, EventTypeTaskDone, EventTypeTaskFailed, EventTypeTaskBlocked,
		EventTypeTaskRetrying, EventTypeTaskSkipped, EventTypeTaskAborted, EventTypeTaskTimeout, EventTypeTaskSuspended:
		p = &TaskPayload{}
	case EventTypeModelSelected, EventTypeModelFallback, EventTypeModelServed, EventTypeModelUnavailable:
		p = &ModelPayload{}
	case EventTypeToolPolicyWarn, EventTypeToolPolicyBlocked:
		p = &PolicyPayload{}
	case EventTypeVerifyStart, EventTypeVerifyPass, EventTypeVerifyFail, EventTypeVerifySkipped:
		p = &VerifyPayload{}
	case EventTypeLLMStreamDelta:
		p = &StreamDeltaPayload{}
	case EventTypeHeartbeat:
		p = &HeartbeatPayload{}
	default:
		return UnknownPayload{Type: t, Raw: raw}, nil
	}
	if len(raw) == 0 {
		return deref(p), nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *RunCreatedPayload:
		return *v
	case *RunTransitionPayload:
		return *v
	case *RunWaitingInputPayload:
		return *v
	case *RunResumedPayload:
		return *v
	case *RunFailedPayload:
		return *v
	case *PlanCreatedPayload:
		return *v
	case *TaskPayload:
		return *v
	case *ModelPayload:
		return *v
	case *PolicyPayload:
		return *v
	case *VerifyPayload:
		return *v
	case *StreamDeltaPayload:
		return *v
	case *HeartbeatPayload:
		return *v
	}
	return p
}
