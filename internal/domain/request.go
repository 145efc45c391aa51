package domain

import "encoding/json"

// CreateRunRequest represents the request to create a run.
type CreateRunRequest struct {
	SessionID      string    `json:"session_id"`
	TriggerSource  string    `json:"trigger_source"`
	Plan           *PlanSpec `json:"plan,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// ResumeRunRequest represents the request to resume a suspended run.
type ResumeRunRequest struct {
	Input          json.RawMessage `json:"input"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// CancelRunRequest represents the optional body of a cancel call.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ListEventsResponse is the response body of the event query endpoints.
type ListEventsResponse struct {
	Events  []*SessionEvent `json:"events"`
	NextSeq int64           `json:"next_seq"`
	HasMore bool            `json:"has_more"`
}

// ToolInvokeRequest represents the request to invoke a tool on behalf of a run.
type ToolInvokeRequest struct {
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Args      json.RawMessage `json:"args"`
}

// ToolInvokeResponse represents the response from invoking a tool.
type ToolInvokeResponse struct {
	Status    string          `json:"status"` // succeeded, blocked, failed
	Result    json.RawMessage `json:"result,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Findings  []Finding       `json:"findings,omitempty"`
	Error     *ToolError      `json:"error,omitempty"`
}

// ToolError represents a tool error.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
