package domain

import (
	"encoding/json"
	"time"
)

// SessionEvent is one entry of the append-only session log.
// Seq is zero for transient events that were not persisted.
type SessionEvent struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id,omitempty"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Source    EventSource     `json:"source"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// MarshalJSON renders a missing run_id as null on the wire.
func (e SessionEvent) MarshalJSON() ([]byte, error) {
	var runID *string
	if e.RunID != "" {
		runID = &e.RunID
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Marshal(struct {
		EventID   string          `json:"event_id"`
		SessionID string          `json:"session_id"`
		RunID     *string         `json:"run_id"`
		Seq       int64           `json:"seq"`
		Type      EventType       `json:"type"`
		Source    EventSource     `json:"source"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}{e.EventID, e.SessionID, runID, e.Seq, e.Type, e.Source, payload, e.CreatedAt})
}

// UnmarshalJSON accepts a null run_id.
func (e *SessionEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		EventID   string          `json:"event_id"`
		SessionID string          `json:"session_id"`
		RunID     *string         `json:"run_id"`
		Seq       int64           `json:"seq"`
		Type      EventType       `json:"type"`
		Source    EventSource     `json:"source"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = SessionEvent{
		EventID:   raw.EventID,
		SessionID: raw.SessionID,
		Seq:       raw.Seq,
		Type:      raw.Type,
		Source:    raw.Source,
		Payload:   raw.Payload,
		CreatedAt: raw.CreatedAt,
	}
	if raw.RunID != nil {
		e.RunID = *raw.RunID
	}
	return nil
}

// Persisted reports whether the event was written to the log.
func (e *SessionEvent) Persisted() bool {
	return e.Seq > 0
}

// EventScope carries the identifiers an emitter attaches to its events.
type EventScope struct {
	SessionID string
	RunID     string
	PlanID    string
	TaskID    string
}

// WithTask returns a copy of the scope bound to one task.
func (s EventScope) WithTask(taskID string) EventScope {
	s.TaskID = taskID
	return s
}

// EventFilter selects a window of the log.
type EventFilter struct {
	SessionID string
	RunID     string
	SinceSeq  int64
	Limit     int
}
