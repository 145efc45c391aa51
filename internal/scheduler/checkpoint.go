package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

// Snapshot captures the task states of plan. Tasks still in flight are
// recorded as pending so they run again on resume.
func Snapshot(plan *domain.Plan, interrupted string, prompt json.RawMessage, now time.Time) *domain.Checkpoint {
	cp := &domain.Checkpoint{
		Version:         domain.CheckpointVersion,
		PlanID:          plan.PlanID,
		Tasks:           make(map[string]domain.TaskSnapshot, len(plan.Tasks)),
		InterruptedTask: interrupted,
		Prompt:          prompt,
		CreatedAt:       now,
	}
	for _, t := range plan.Tasks {
		status := t.Status
		if status == domain.TaskStatusInProgress || status == domain.TaskStatusRetrying {
			status = domain.TaskStatusPending
		}
		cp.Tasks[t.TaskID] = domain.TaskSnapshot{
			Status:       status,
			RetryCount:   t.RetryCount,
			Progress:     t.Progress,
			Result:       t.Result,
			ErrorMessage: t.ErrorMessage,
		}
	}
	return cp
}

// restore applies a checkpoint to the plan. The resume input is delivered to
// the interrupted task only.
func (e *execution) restore(cp *domain.Checkpoint, input json.RawMessage) error {
	if cp.Version != domain.CheckpointVersion {
		return fmt.Errorf("unsupported checkpoint version %d: %w", cp.Version, domain.ErrValidation)
	}
	if cp.PlanID != "" && cp.PlanID != e.plan.PlanID {
		return fmt.Errorf("checkpoint belongs to plan %s, not %s: %w", cp.PlanID, e.plan.PlanID, domain.ErrValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.plan.Tasks {
		snap, ok := cp.Tasks[t.TaskID]
		if !ok {
			continue
		}
		t.Status = snap.Status
		t.RetryCount = snap.RetryCount
		t.Progress = snap.Progress
		t.Result = snap.Result
		t.ErrorMessage = snap.ErrorMessage
	}
	if cp.InterruptedTask != "" && len(input) > 0 {
		if _, ok := e.tasks[cp.InterruptedTask]; !ok {
			return fmt.Errorf("checkpoint names unknown task %s: %w", cp.InterruptedTask, domain.ErrValidation)
		}
		e.inputs[cp.InterruptedTask] = input
	}
	return nil
}
