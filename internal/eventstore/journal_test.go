package eventstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/tests/helpers"
)

func TestRecordTaskUpdatesTaskAndAppendsEvent(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	s := New(db)

	now := time.Now().UTC()
	plan := &domain.Plan{
		PlanID:    "plan_1",
		SessionID: "s1",
		Name:      "demo",
		CreatedAt: now,
		Tasks: []*domain.Task{
			{TaskID: "T1", PlanID: "plan_1", Title: "first", Status: domain.TaskStatusPending, CanParallel: true, CreatedAt: now},
		},
	}
	require.NoError(t, db.CreatePlan(ctx, plan))

	task := plan.Tasks[0].Clone()
	task.Status = domain.TaskStatusInProgress
	task.StartedAt = &now
	scope := domain.EventScope{SessionID: "s1", RunID: "r1", PlanID: "plan_1", TaskID: "T1"}

	err := s.RecordTask(ctx, scope, task, domain.EventTypeTaskStarted, domain.TaskPayload{TaskID: "T1", Status: task.Status, Attempt: 1})
	require.NoError(t, err)

	stored, err := db.GetPlan(ctx, "plan_1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusInProgress, stored.Tasks[0].Status)

	events, err := s.QueryByRun(ctx, "r1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeTaskStarted, events[0].Type)
	assert.Equal(t, domain.EventSourceTask, events[0].Source)
}

func TestRecordTaskRollsBackOnUnknownTask(t *testing.T) {
	ctx := context.Background()
	s := newTestEventStore(t)

	task := &domain.Task{TaskID: "ghost", PlanID: "nope", Status: domain.TaskStatusDone}
	err := s.RecordTask(ctx, domain.EventScope{SessionID: "s1", RunID: "r1"}, task, domain.EventTypeTaskDone, domain.TaskPayload{TaskID: "ghost"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	events, err := s.Query(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
