package domain

import (
	"encoding/json"
	"time"
)

// Run represents one execution attempt bound to a session.
type Run struct {
	RunID         string          `json:"run_id"`
	SessionID     string          `json:"session_id"`
	PlanID        string          `json:"plan_id,omitempty"`
	Status        RunStatus       `json:"status"`
	TriggerSource string          `json:"trigger_source"`
	CheckpointKey string          `json:"checkpoint_key,omitempty"`
	Checkpoint    json.RawMessage `json:"checkpoint,omitempty"`
	Error         *RunError       `json:"error,omitempty"`
	Metrics       RunMetrics      `json:"metrics"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	ResumedAt     *time.Time      `json:"resumed_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// RunError is the structured cause attached to a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

// RunMetrics are counters accumulated across every attempt of a run.
type RunMetrics struct {
	TasksDone      int `json:"tasks_done"`
	TasksFailed    int `json:"tasks_failed"`
	TasksBlocked   int `json:"tasks_blocked"`
	TasksSkipped   int `json:"tasks_skipped"`
	Retries        int `json:"retries"`
	Suspensions    int `json:"suspensions"`
	Resumes        int `json:"resumes"`
	ModelFallbacks int `json:"model_fallbacks"`
}

// CheckpointKeyFor derives the checkpoint key of a run.
func CheckpointKeyFor(sessionID, runID string) string {
	return sessionID + ":" + runID
}

var runTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunStatusQueued: {
		RunStatusRunning:   {},
		RunStatusCancelled: {},
	},
	RunStatusRunning: {
		RunStatusWaitingInput: {},
		RunStatusCompleted:    {},
		RunStatusFailed:       {},
		RunStatusCancelled:    {},
	},
	RunStatusWaitingInput: {
		RunStatusRunning:   {},
		RunStatusCancelled: {},
	},
}

// CanTransitionRun reports whether a run may move from one status to another.
func CanTransitionRun(from, to RunStatus) bool {
	next, ok := runTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Session groups runs and the ordered event log.
type Session struct {
	SessionID string    `json:"session_id"`
	LastSeq   int64     `json:"last_seq"`
	CreatedAt time.Time `json:"created_at"`
}
