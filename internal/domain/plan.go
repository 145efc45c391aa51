package domain

import (
	"encoding/json"
	"time"
)

// Plan is a named goal decomposed into tasks.
type Plan struct {
	PlanID    string    `json:"plan_id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Tasks     []*Task   `json:"tasks"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is one schedulable unit of a plan.
type Task struct {
	TaskID       string          `json:"task_id"`
	PlanID       string          `json:"plan_id"`
	Title        string          `json:"title"`
	AgentRole    string          `json:"agent_role"`
	Status       TaskStatus      `json:"status"`
	Progress     int             `json:"progress"`
	DependsOn    []string        `json:"depends_on"`
	CanParallel  bool            `json:"can_parallel"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Task returns the task with the given id, or nil.
func (p *Plan) Task(taskID string) *Task {
	for _, t := range p.Tasks {
		if t.TaskID == taskID {
			return t
		}
	}
	return nil
}

// PlanSpec is the caller-supplied description of a plan.
type PlanSpec struct {
	Name  string     `json:"name"`
	Tasks []TaskSpec `json:"tasks"`
}

// TaskSpec is the caller-supplied description of a task.
type TaskSpec struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	AgentRole   string          `json:"agent_role"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	CanParallel *bool           `json:"can_parallel,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// Checkpoint is the continuation a suspended run resumes from.
// Task states are authoritative: done tasks are never executed again.
type Checkpoint struct {
	Version         int                     `json:"version"`
	PlanID          string                  `json:"plan_id"`
	Tasks           map[string]TaskSnapshot `json:"tasks"`
	InterruptedTask string                  `json:"interrupted_task,omitempty"`
	Prompt          json.RawMessage         `json:"prompt,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
}

// CheckpointVersion is the snapshot format written by this build.
const CheckpointVersion = 1

// TaskSnapshot is the persisted state of one task inside a checkpoint.
type TaskSnapshot struct {
	Status       TaskStatus      `json:"status"`
	RetryCount   int             `json:"retry_count"`
	Progress     int             `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}
