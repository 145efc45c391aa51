package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/eventstore"
	"github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/internal/scheduler"
)

const defaultTriggerSource = "api"

// CreateRun creates a queued run. When the request carries a plan, the plan
// is validated and stored with the run, and executed in the background.
func (s *Service) CreateRun(ctx context.Context, req domain.CreateRunRequest) (*domain.Run, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session_id is required: %w", domain.ErrValidation)
	}
	trigger := req.TriggerSource
	if trigger == "" {
		trigger = defaultTriggerSource
	}
	now := s.now().UTC()

	var plan *domain.Plan
	if req.Plan != nil {
		if s.scheduler == nil {
			return nil, fmt.Errorf("plan execution is not enabled: %w", domain.ErrValidation)
		}
		var err error
		if plan, err = buildPlan(req.SessionID, req.Plan, now); err != nil {
			return nil, err
		}
	}

	run := &domain.Run{
		RunID:         "run_" + uuid.New().String(),
		SessionID:     req.SessionID,
		Status:        domain.RunStatusQueued,
		TriggerSource: trigger,
		CreatedAt:     now,
	}
	if plan != nil {
		run.PlanID = plan.PlanID
	}

	unlock := s.locks.Lock("session:" + req.SessionID)
	defer unlock()

	var published []*domain.SessionEvent
	err := s.db.WithTx(ctx, func(q repository.Queries) error {
		active, err := q.GetActiveRun(ctx, req.SessionID)
		switch {
		case err == nil:
			return &domain.DuplicateActiveRunError{SessionID: req.SessionID, ActiveRunID: active.RunID}
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		if err := q.CreateRun(ctx, run); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return &domain.DuplicateActiveRunError{SessionID: req.SessionID}
			}
			return fmt.Errorf("failed to create run: %w", err)
		}
		ev, err := s.events.AppendTx(ctx, q, eventstore.AppendParams{
			SessionID: run.SessionID,
			RunID:     run.RunID,
			Type:      domain.EventTypeRunCreated,
			Payload:   domain.RunCreatedPayload{TriggerSource: trigger, PlanID: run.PlanID},
		})
		if err != nil {
			return err
		}
		published = append(published, ev)

		if plan == nil {
			return nil
		}
		if err := q.CreatePlan(ctx, plan); err != nil {
			return err
		}
		ev, err = s.events.AppendTx(ctx, q, eventstore.AppendParams{
			SessionID: run.SessionID,
			RunID:     run.RunID,
			Type:      domain.EventTypePlanCreated,
			Payload:   domain.PlanCreatedPayload{PlanID: plan.PlanID, Name: plan.Name, TaskCount: len(plan.Tasks)},
		})
		if err != nil {
			return err
		}
		published = append(published, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, published...)
	s.metrics.RunCreated()
	log.WithFields(log.Fields{"run_id": run.RunID, "session_id": run.SessionID, "plan_id": run.PlanID}).Info("run created")

	if plan != nil {
		s.launch(run.RunID, true, nil)
	}
	return run, nil
}

// GetRun returns a run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return run, nil
}

// StartRun moves a queued or waiting run to running. A waiting run with a
// plan continues its execution without input.
func (s *Service) StartRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, from, err := s.transition(ctx, runID, change{
		to:    domain.RunStatusRunning,
		event: domain.EventTypeRunStarted,
		apply: func(run *domain.Run, from domain.RunStatus, now time.Time) error {
			if from == domain.RunStatusQueued {
				run.StartedAt = &now
			} else {
				run.ResumedAt = &now
			}
			return nil
		},
		payload: func(run *domain.Run, from domain.RunStatus) any {
			return domain.RunTransitionPayload{From: from, To: run.Status, CheckpointKey: run.CheckpointKey}
		},
	})
	if err != nil {
		return nil, err
	}
	if from == domain.RunStatusWaitingInput {
		s.continueExecution(run, nil)
	}
	return run, nil
}

// SuspendRun moves a running run to waiting_input and stores the checkpoint
// it resumes from.
func (s *Service) SuspendRun(ctx context.Context, runID string, cp *domain.Checkpoint) (*domain.Run, error) {
	return s.suspend(ctx, runID, cp, nil)
}

func (s *Service) suspend(ctx context.Context, runID string, cp *domain.Checkpoint, stats *scheduler.Stats) (*domain.Run, error) {
	if cp == nil {
		return nil, fmt.Errorf("checkpoint is required: %w", domain.ErrValidation)
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	run, _, err := s.transition(ctx, runID, change{
		to:    domain.RunStatusWaitingInput,
		event: domain.EventTypeRunWaitingInput,
		apply: func(run *domain.Run, _ domain.RunStatus, _ time.Time) error {
			run.Checkpoint = raw
			run.Metrics.Suspensions++
			addStats(&run.Metrics, stats)
			return nil
		},
		payload: func(run *domain.Run, _ domain.RunStatus) any {
			return domain.RunWaitingInputPayload{CheckpointKey: run.CheckpointKey, TaskID: cp.InterruptedTask, Prompt: cp.Prompt}
		},
	})
	return run, err
}

// ResumeRun moves a waiting run back to running with the same run id and
// checkpoint key. A run with a plan continues from its checkpoint and the
// interrupted task receives input.
func (s *Service) ResumeRun(ctx context.Context, runID string, input json.RawMessage) (*domain.Run, error) {
	run, _, err := s.transition(ctx, runID, change{
		to:    domain.RunStatusRunning,
		from:  []domain.RunStatus{domain.RunStatusWaitingInput},
		event: domain.EventTypeRunResumed,
		apply: func(run *domain.Run, _ domain.RunStatus, now time.Time) error {
			run.ResumedAt = &now
			run.Metrics.Resumes++
			return nil
		},
		payload: func(run *domain.Run, _ domain.RunStatus) any {
			return domain.RunResumedPayload{CheckpointKey: run.CheckpointKey, Input: input}
		},
	})
	if err != nil {
		return nil, err
	}
	s.continueExecution(run, input)
	return run, nil
}

// CompleteRun moves a running run to completed.
func (s *Service) CompleteRun(ctx context.Context, runID string) (*domain.Run, error) {
	return s.complete(ctx, runID, nil)
}

func (s *Service) complete(ctx context.Context, runID string, stats *scheduler.Stats) (*domain.Run, error) {
	fallbacks := s.countFallbacks(ctx, runID)
	run, _, err := s.transition(ctx, runID, change{
		to:    domain.RunStatusCompleted,
		event: domain.EventTypeRunCompleted,
		apply: func(run *domain.Run, _ domain.RunStatus, _ time.Time) error {
			addStats(&run.Metrics, stats)
			run.Metrics.ModelFallbacks = fallbacks
			return nil
		},
		payload: func(run *domain.Run, from domain.RunStatus) any {
			return domain.RunTransitionPayload{From: from, To: run.Status, CheckpointKey: run.CheckpointKey}
		},
	})
	return run, err
}

// FailRun moves a running run to failed with runErr attached.
func (s *Service) FailRun(ctx context.Context, runID string, runErr *domain.RunError) (*domain.Run, error) {
	return s.fail(ctx, runID, runErr, nil)
}

func (s *Service) fail(ctx context.Context, runID string, runErr *domain.RunError, stats *scheduler.Stats) (*domain.Run, error) {
	if runErr == nil {
		runErr = &domain.RunError{Code: "internal", Message: "run failed"}
	}
	fallbacks := s.countFallbacks(ctx, runID)
	run, _, err := s.transition(ctx, runID, change{
		to:    domain.RunStatusFailed,
		event: domain.EventTypeRunFailed,
		apply: func(run *domain.Run, _ domain.RunStatus, _ time.Time) error {
			run.Error = runErr
			addStats(&run.Metrics, stats)
			run.Metrics.ModelFallbacks = fallbacks
			return nil
		},
		payload: func(*domain.Run, domain.RunStatus) any {
			return domain.RunFailedPayload{Error: *runErr}
		},
	})
	return run, err
}

// CancelRun cancels a non-terminal run and stops its execution at the next
// safe point. Cancelling a terminal run returns it unchanged.
func (s *Service) CancelRun(ctx context.Context, runID, reason string) (*domain.Run, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	run, from, err := s.transition(ctx, runID, change{
		to:           domain.RunStatusCancelled,
		skipTerminal: true,
		event:        domain.EventTypeRunCancelled,
		payload: func(run *domain.Run, from domain.RunStatus) any {
			return domain.RunTransitionPayload{From: from, To: run.Status, CheckpointKey: run.CheckpointKey, Reason: reason}
		},
	})
	if err != nil {
		return nil, err
	}
	if from.IsTerminal() {
		return run, nil
	}

	s.mu.Lock()
	if ex, ok := s.active[runID]; ok {
		ex.token.Cancel(reason)
	}
	s.mu.Unlock()
	return run, nil
}

// change describes one run transition.
type change struct {
	to domain.RunStatus
	// from restricts the source states beyond the transition table.
	from []domain.RunStatus
	// skipTerminal returns a terminal run unchanged instead of failing.
	skipTerminal bool
	event        domain.EventType
	apply        func(run *domain.Run, from domain.RunStatus, now time.Time) error
	payload      func(run *domain.Run, from domain.RunStatus) any
}

// transition applies c under the run's lock. The state change and its event
// commit together; the event is published after commit. It returns the run
// and the status it was in before.
func (s *Service) transition(ctx context.Context, runID string, c change) (*domain.Run, domain.RunStatus, error) {
	unlock := s.locks.Lock(runID)
	defer unlock()

	var (
		run   *domain.Run
		from  domain.RunStatus
		event *domain.SessionEvent
	)
	err := s.db.WithTx(ctx, func(q repository.Queries) error {
		cur, err := q.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("run %s: %w", runID, err)
		}
		from = cur.Status
		if c.skipTerminal && from.IsTerminal() {
			run = cur
			return nil
		}
		if !domain.CanTransitionRun(from, c.to) || (len(c.from) > 0 && !slices.Contains(c.from, from)) {
			return &domain.InvalidTransitionError{Entity: "run", ID: runID, From: string(from), To: string(c.to)}
		}

		now := s.now().UTC()
		cur.Status = c.to
		if cur.CheckpointKey == "" {
			cur.CheckpointKey = domain.CheckpointKeyFor(cur.SessionID, cur.RunID)
		}
		if c.apply != nil {
			if err := c.apply(cur, from, now); err != nil {
				return err
			}
		}
		if c.to.IsTerminal() {
			cur.CompletedAt = &now
		}
		if err := q.UpdateRun(ctx, cur, from); err != nil {
			return err
		}
		event, err = s.events.AppendTx(ctx, q, eventstore.AppendParams{
			SessionID: cur.SessionID,
			RunID:     cur.RunID,
			Type:      c.event,
			Source:    domain.EventSourceRun,
			Payload:   c.payload(cur, from),
		})
		if err != nil {
			return err
		}
		run = cur
		return nil
	})
	if err != nil {
		return nil, from, err
	}
	if event == nil {
		return run, from, nil
	}

	s.events.Publish(ctx, event)
	s.metrics.RunTransition(string(run.Status))
	log.WithFields(log.Fields{
		"run_id":     run.RunID,
		"session_id": run.SessionID,
		"from":       from,
		"to":         run.Status,
	}).Info("run transitioned")
	return run, from, nil
}

func addStats(m *domain.RunMetrics, st *scheduler.Stats) {
	if st == nil {
		return
	}
	m.TasksDone += st.Done
	m.TasksFailed += st.Failed + st.TimedOut
	m.TasksBlocked += st.Blocked
	m.TasksSkipped += st.Skipped + st.Aborted
	m.Retries += st.Retries
}

func runErrorFrom(err error, taskID string) *domain.RunError {
	if err == nil {
		return nil
	}
	return &domain.RunError{Code: domain.ErrorCode(err), Message: err.Error(), TaskID: taskID}
}
