package service

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/scheduler"
)

const staleTaskBatch = 100

// orphanedRunCode is the error code of runs failed for having no owner.
const orphanedRunCode = "orphaned"

// RunTaskTimeoutMonitor sweeps the store for in-progress tasks past their
// deadline that no scheduler in this process owns, such as tasks left behind
// by a crashed process, then for plan runs nothing is driving any more.
// It blocks until ctx is done.
func (s *Service) RunTaskTimeoutMonitor(ctx context.Context) {
	if s.cfg.TaskTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepTaskTimeouts(ctx)
		}
	}
}

func (s *Service) sweepTaskTimeouts(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	stale, err := s.db.ListStaleTasks(sweepCtx, s.now().Add(-s.cfg.TaskTimeout), staleTaskBatch)
	if err != nil {
		log.WithError(err).Warn("task timeout sweep failed")
		return
	}
	byPlan := make(map[string][]*domain.Task)
	var order []string
	for _, task := range stale {
		if _, ok := byPlan[task.PlanID]; !ok {
			order = append(order, task.PlanID)
		}
		byPlan[task.PlanID] = append(byPlan[task.PlanID], task)
	}
	for _, planID := range order {
		if err := s.expirePlanTasks(sweepCtx, planID, byPlan[planID]); err != nil {
			log.WithError(err).WithField("plan_id", planID).Warn("failed to expire stale tasks")
		}
	}
	s.sweepOrphanedRuns(sweepCtx)
}

// expirePlanTasks marks stale tasks of one plan timed out, blocks their
// pending dependents and fails the run when it is still running.
func (s *Service) expirePlanTasks(ctx context.Context, planID string, stale []*domain.Task) error {
	plan, err := s.db.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	run, err := s.runForPlan(ctx, plan)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"run_id": run.RunID, "plan_id": planID})

	s.mu.Lock()
	_, executing := s.active[run.RunID]
	s.mu.Unlock()
	if executing {
		// The scheduler enforces its own deadline.
		return nil
	}

	scope := domain.EventScope{SessionID: run.SessionID, RunID: run.RunID, PlanID: planID}
	now := s.now().UTC()
	var first *domain.Task
	for _, stored := range stale {
		task := plan.Task(stored.TaskID)
		if task == nil || (task.Status != domain.TaskStatusInProgress && task.Status != domain.TaskStatusRetrying) {
			continue
		}
		timeoutErr := &domain.TaskTimeoutError{TaskID: task.TaskID, Timeout: s.cfg.TaskTimeout}
		task.Status = domain.TaskStatusTimeout
		task.ErrorMessage = timeoutErr.Error()
		task.CompletedAt = &now
		if err := s.events.RecordTask(ctx, scope.WithTask(task.TaskID), task, domain.EventTypeTaskTimeout, domain.TaskPayload{
			TaskID:    task.TaskID,
			PlanID:    planID,
			Title:     task.Title,
			Status:    task.Status,
			Attempt:   task.RetryCount + 1,
			Error:     task.ErrorMessage,
			TimeoutMs: s.cfg.TaskTimeout.Milliseconds(),
		}); err != nil {
			return err
		}
		logger.WithField("task_id", task.TaskID).Warn("task timed out without an owner")
		if first == nil {
			first = task
		}

		for _, id := range scheduler.TransitiveDependents(plan, task.TaskID) {
			dep := plan.Task(id)
			if dep == nil || dep.Status != domain.TaskStatusPending {
				continue
			}
			dep.Status = domain.TaskStatusBlocked
			dep.ErrorMessage = fmt.Sprintf("blocked by %s", task.TaskID)
			dep.CompletedAt = &now
			if err := s.events.RecordTask(ctx, scope.WithTask(id), dep, domain.EventTypeTaskBlocked, domain.TaskPayload{
				TaskID:    id,
				PlanID:    planID,
				Title:     dep.Title,
				Status:    dep.Status,
				BlockedBy: task.TaskID,
			}); err != nil {
				return err
			}
		}
	}

	if first == nil || run.Status != domain.RunStatusRunning {
		return nil
	}
	_, err = s.FailRun(ctx, run.RunID, &domain.RunError{
		Code:    domain.ErrorCode(domain.ErrTaskTimeout),
		Message: first.ErrorMessage,
		TaskID:  first.TaskID,
	})
	return err
}

// sweepOrphanedRuns recovers queued or running plan runs with no recent
// event that are not executing in this process. Queued runs are launched.
// Running runs are failed and their unfinished tasks aborted.
func (s *Service) sweepOrphanedRuns(ctx context.Context) {
	idle, err := s.db.ListIdleRuns(ctx, s.now().Add(-s.cfg.TaskTimeout), staleTaskBatch)
	if err != nil {
		log.WithError(err).Warn("orphaned run sweep failed")
		return
	}
	for _, run := range idle {
		s.mu.Lock()
		_, executing := s.active[run.RunID]
		s.mu.Unlock()
		if executing {
			continue
		}

		logger := log.WithFields(log.Fields{"run_id": run.RunID, "status": run.Status})
		if run.Status == domain.RunStatusQueued && s.scheduler != nil {
			logger.Warn("launching orphaned queued run")
			s.launch(run.RunID, true, nil)
			continue
		}
		if run.Status != domain.RunStatusRunning {
			continue
		}
		if err := s.failOrphanedRun(ctx, run); err != nil {
			logger.WithError(err).Warn("failed to fail orphaned run")
			continue
		}
		logger.Warn("failed orphaned run")
	}
}

func (s *Service) failOrphanedRun(ctx context.Context, run *domain.Run) error {
	plan, err := s.db.GetPlan(ctx, run.PlanID)
	if err != nil {
		return err
	}
	scope := domain.EventScope{SessionID: run.SessionID, RunID: run.RunID, PlanID: plan.PlanID}
	now := s.now().UTC()
	for _, task := range plan.Tasks {
		if task.Status.IsTerminal() {
			continue
		}
		task.Status = domain.TaskStatusAborted
		task.ErrorMessage = "run has no owner"
		task.CompletedAt = &now
		if err := s.events.RecordTask(ctx, scope.WithTask(task.TaskID), task, domain.EventTypeTaskAborted, domain.TaskPayload{
			TaskID: task.TaskID,
			PlanID: plan.PlanID,
			Title:  task.Title,
			Status: task.Status,
			Error:  task.ErrorMessage,
		}); err != nil {
			return err
		}
	}
	_, err = s.FailRun(ctx, run.RunID, &domain.RunError{
		Code:    orphanedRunCode,
		Message: fmt.Sprintf("run %s made no progress for %s and has no owner", run.RunID, s.cfg.TaskTimeout),
	})
	return err
}

func (s *Service) runForPlan(ctx context.Context, plan *domain.Plan) (*domain.Run, error) {
	runs, err := s.db.ListRuns(ctx, plan.SessionID, 0)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if run.PlanID == plan.PlanID {
			return run, nil
		}
	}
	return nil, fmt.Errorf("run of plan %s: %w", plan.PlanID, domain.ErrNotFound)
}
