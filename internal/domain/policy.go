package domain

import "encoding/json"

// Finding is one rule match produced by a tool policy check.
type Finding struct {
	Rule     string         `json:"rule"`
	Severity PolicyDecision `json:"severity"`
	Message  string         `json:"message"`
	Field    string         `json:"field,omitempty"`
}

// PolicyResult is the outcome of a tool hook.
type PolicyResult struct {
	Decision  PolicyDecision  `json:"decision"`
	Reasons   []string        `json:"reasons,omitempty"`
	Findings  []Finding       `json:"findings,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Summary   string          `json:"summary,omitempty"`
}

// ToolContext identifies the run and task a tool call belongs to.
type ToolContext struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	TaskID    string `json:"task_id,omitempty"`
}

// Scope converts the tool context to an event scope.
func (c ToolContext) Scope() EventScope {
	return EventScope{SessionID: c.SessionID, RunID: c.RunID, TaskID: c.TaskID}
}
