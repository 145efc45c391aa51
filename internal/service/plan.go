package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/scheduler"
)

// buildPlan turns a caller plan into stored tasks and rejects it when the
// dependencies are unknown or cyclic.
func buildPlan(sessionID string, spec *domain.PlanSpec, now time.Time) (*domain.Plan, error) {
	if len(spec.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks: %w", domain.ErrValidation)
	}
	plan := &domain.Plan{
		PlanID:    "plan_" + uuid.New().String(),
		SessionID: sessionID,
		Name:      spec.Name,
		CreatedAt: now,
	}
	for _, ts := range spec.Tasks {
		task := &domain.Task{
			TaskID:      ts.ID,
			PlanID:      plan.PlanID,
			Title:       ts.Title,
			AgentRole:   ts.AgentRole,
			Status:      domain.TaskStatusPending,
			DependsOn:   append([]string(nil), ts.DependsOn...),
			CanParallel: true,
			Input:       ts.Input,
			CreatedAt:   now,
		}
		if task.Title == "" {
			task.Title = ts.ID
		}
		if task.AgentRole == "" {
			task.AgentRole = string(domain.ModelRoleWriter)
		}
		if ts.CanParallel != nil {
			task.CanParallel = *ts.CanParallel
		}
		plan.Tasks = append(plan.Tasks, task)
	}
	if err := scheduler.Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// GetPlan returns the plan attached to a run.
func (s *Service) GetPlan(ctx context.Context, runID string) (*domain.Plan, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.PlanID == "" {
		return nil, fmt.Errorf("run %s has no plan: %w", runID, domain.ErrNotFound)
	}
	return s.db.GetPlan(ctx, run.PlanID)
}
