package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/cancel"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/eventstore"
	"github.com/xiaot623/gogo/internal/scheduler"
)

// execution is a plan executing in this process.
type execution struct {
	runID string
	token *cancel.Token
	done  chan struct{}
}

// Wait blocks until the execution of runID in this process ends, or ctx.
// It returns immediately when the run is not executing here.
func (s *Service) Wait(ctx context.Context, runID string) error {
	s.mu.Lock()
	ex, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ex.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// continueExecution resumes the plan of a run that just left waiting_input.
func (s *Service) continueExecution(run *domain.Run, input json.RawMessage) {
	if run.PlanID == "" || s.scheduler == nil {
		return
	}
	resume := &scheduler.Resume{Input: input}
	if len(run.Checkpoint) > 0 {
		var cp domain.Checkpoint
		if err := json.Unmarshal(run.Checkpoint, &cp); err != nil {
			log.WithError(err).WithField("run_id", run.RunID).Error("failed to decode checkpoint")
			s.abort(run.RunID, fmt.Errorf("corrupt checkpoint: %w", err))
			return
		}
		resume.Checkpoint = &cp
	}
	s.launch(run.RunID, false, resume)
}

// launch registers the execution synchronously so a cancel issued right
// after returns reaches its token, then drives the plan in the background.
func (s *Service) launch(runID string, start bool, resume *scheduler.Resume) {
	s.mu.Lock()
	if _, ok := s.active[runID]; ok {
		s.mu.Unlock()
		log.WithField("run_id", runID).Warn("run is already executing")
		return
	}
	ex := &execution{runID: runID, token: cancel.New(), done: make(chan struct{})}
	s.active[runID] = ex
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(ex.done)
		s.drive(context.Background(), ex, start, resume)
	}()
}

func (s *Service) release(ex *execution) {
	s.mu.Lock()
	if s.active[ex.runID] == ex {
		delete(s.active, ex.runID)
	}
	s.mu.Unlock()
}

func (s *Service) drive(ctx context.Context, ex *execution, start bool, resume *scheduler.Resume) {
	logger := log.WithField("run_id", ex.runID)

	if start {
		if _, err := s.start(ctx, ex.runID); err != nil {
			var invalid *domain.InvalidTransitionError
			switch {
			case !errors.As(err, &invalid):
				s.release(ex)
				logger.WithError(err).Error("failed to start run")
				return
			case invalid.From != string(domain.RunStatusRunning):
				s.release(ex)
				logger.WithField("status", invalid.From).Info("run left queued before execution started")
				return
			}
		}
	}

	run, err := s.db.GetRun(ctx, ex.runID)
	if err != nil {
		s.release(ex)
		logger.WithError(err).Error("failed to load run")
		return
	}
	plan, err := s.db.GetPlan(ctx, run.PlanID)
	if err != nil {
		s.release(ex)
		s.abort(ex.runID, fmt.Errorf("failed to load plan %s: %w", run.PlanID, err))
		return
	}

	logger = logger.WithField("plan_id", plan.PlanID)
	logger.WithField("resume", resume != nil).Info("executing plan")
	res, err := s.scheduler.Run(ctx, plan, domain.EventScope{SessionID: run.SessionID, RunID: run.RunID}, ex.token, resume)
	s.release(ex)
	if err != nil {
		s.abort(ex.runID, err)
		return
	}
	s.conclude(ctx, ex, res)
}

// conclude applies the scheduler outcome to the run.
func (s *Service) conclude(ctx context.Context, ex *execution, res *scheduler.PlanResult) {
	var err error
	switch res.Outcome {
	case scheduler.OutcomeCompleted:
		_, err = s.complete(ctx, ex.runID, &res.Stats)
	case scheduler.OutcomeFailed:
		_, err = s.fail(ctx, ex.runID, runErrorFrom(res.Err, res.FailedTask), &res.Stats)
	case scheduler.OutcomeSuspended:
		_, err = s.suspend(ctx, ex.runID, res.Checkpoint, &res.Stats)
	case scheduler.OutcomeCancelled:
		_, err = s.CancelRun(ctx, ex.runID, ex.token.Reason())
	}

	fields := log.Fields{"run_id": ex.runID, "outcome": res.Outcome, "tasks_done": res.Stats.Done}
	switch {
	case err == nil:
		log.WithFields(fields).Info("plan execution finished")
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		log.WithFields(fields).WithError(err).Info("run changed state during execution")
	default:
		log.WithFields(fields).WithError(err).Error("failed to record plan outcome")
	}
}

// abort fails a run whose plan could not be executed at all.
func (s *Service) abort(runID string, cause error) {
	if _, err := s.fail(context.Background(), runID, runErrorFrom(cause, ""), nil); err != nil {
		log.WithError(err).WithField("run_id", runID).Warn("failed to mark run failed")
	}
}

func (s *Service) start(ctx context.Context, runID string) (*domain.Run, error) {
	run, _, err := s.transition(ctx, runID, change{
		to:    domain.RunStatusRunning,
		from:  []domain.RunStatus{domain.RunStatusQueued},
		event: domain.EventTypeRunStarted,
		apply: func(run *domain.Run, _ domain.RunStatus, now time.Time) error {
			run.StartedAt = &now
			return nil
		},
		payload: func(run *domain.Run, from domain.RunStatus) any {
			return domain.RunTransitionPayload{From: from, To: run.Status, CheckpointKey: run.CheckpointKey}
		},
	})
	return run, err
}

// countFallbacks counts the model_fallback events recorded for a run.
func (s *Service) countFallbacks(ctx context.Context, runID string) int {
	var (
		n     int
		since int64
	)
	for {
		events, err := s.events.QueryByRun(ctx, runID, since, eventstore.DefaultQueryLimit)
		if err != nil {
			log.WithError(err).WithField("run_id", runID).Warn("failed to count model fallbacks")
			return n
		}
		for _, ev := range events {
			if ev.Type == domain.EventTypeModelFallback {
				n++
			}
			since = ev.Seq
		}
		if len(events) < eventstore.DefaultQueryLimit {
			return n
		}
	}
}
