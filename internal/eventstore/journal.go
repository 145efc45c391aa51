package eventstore

import (
	"context"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/repository"
)

// RecordTask persists a task's new state and its event in one transaction.
func (s *Store) RecordTask(ctx context.Context, scope domain.EventScope, task *domain.Task, t domain.EventType, payload domain.TaskPayload) error {
	var event *domain.SessionEvent
	err := s.db.WithTx(ctx, func(q repository.Queries) error {
		if err := q.UpdateTask(ctx, task); err != nil {
			return err
		}
		var err error
		event, err = s.AppendTx(ctx, q, AppendParams{
			SessionID: scope.SessionID,
			RunID:     scope.RunID,
			Type:      t,
			Source:    domain.EventSourceTask,
			Payload:   payload,
		})
		return err
	})
	if err != nil {
		return err
	}
	s.Publish(ctx, event)
	return nil
}
