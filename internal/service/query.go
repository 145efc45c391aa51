package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/eventstore"
)

const defaultRunListLimit = 50

// ListRuns returns the runs of a session, newest first.
func (s *Service) ListRuns(ctx context.Context, sessionID string, limit int) ([]*domain.Run, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required: %w", domain.ErrValidation)
	}
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	runs, err := s.db.ListRuns(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// ListTasks returns the tasks of a run's plan in plan order.
func (s *Service) ListTasks(ctx context.Context, runID string) ([]*domain.Task, error) {
	plan, err := s.GetPlan(ctx, runID)
	if err != nil {
		return nil, err
	}
	return plan.Tasks, nil
}

// ListRunEvents returns the events of a run with seq > sinceSeq.
func (s *Service) ListRunEvents(ctx context.Context, runID string, sinceSeq int64, limit int) (*domain.ListEventsResponse, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	events, err := s.events.QueryByRun(ctx, runID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	return page(events, sinceSeq, limit), nil
}

// ListSessionEvents returns the events of a session with seq > sinceSeq.
func (s *Service) ListSessionEvents(ctx context.Context, sessionID string, sinceSeq int64, limit int) (*domain.ListEventsResponse, error) {
	events, err := s.events.Query(ctx, sessionID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	return page(events, sinceSeq, limit), nil
}

// page builds a response whose next_seq is the cursor for the following call.
func page(events []*domain.SessionEvent, sinceSeq int64, limit int) *domain.ListEventsResponse {
	if limit <= 0 || limit > eventstore.DefaultQueryLimit {
		limit = eventstore.DefaultQueryLimit
	}
	resp := &domain.ListEventsResponse{Events: events, NextSeq: sinceSeq}
	if resp.Events == nil {
		resp.Events = []*domain.SessionEvent{}
	}
	if n := len(events); n > 0 {
		resp.NextSeq = events[n-1].Seq
	}
	resp.HasMore = len(events) == limit
	return resp
}
