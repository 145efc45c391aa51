package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/live"
	"github.com/xiaot623/gogo/tests/helpers"
)

func newTestEventStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(helpers.NewTestSQLiteStore(t), opts...)
}

func TestAppendAssignsIncreasingSeqAcrossRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestEventStore(t)

	const perRun = 15
	var wg sync.WaitGroup
	for _, runID := range []string{"r1", "r2", "r3"} {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			for i := 0; i < perRun; i++ {
				_, err := s.Append(ctx, AppendParams{
					SessionID: "s1",
					RunID:     runID,
					Type:      domain.EventTypeTaskStarted,
					Payload:   domain.TaskPayload{TaskID: fmt.Sprintf("t%d", i), Status: domain.TaskStatusInProgress},
				})
				if err != nil {
					t.Errorf("append failed: %v", err)
				}
			}
		}(runID)
	}
	wg.Wait()

	events, err := s.Query(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3*perRun)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.Seq)
	}

	byRun, err := s.QueryByRun(ctx, "r2", 0, 0)
	require.NoError(t, err)
	require.Len(t, byRun, perRun)
	for i := 1; i < len(byRun); i++ {
		assert.Greater(t, byRun[i].Seq, byRun[i-1].Seq)
	}
}

func TestAppendRejectsRunScopedWithoutRunID(t *testing.T) {
	s := newTestEventStore(t)
	_, err := s.Append(context.Background(), AppendParams{SessionID: "s1", Type: domain.EventTypeTaskDone})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	evt, err := s.Append(context.Background(), AppendParams{SessionID: "s1", Type: domain.EventTypePlanCreated, Payload: domain.PlanCreatedPayload{PlanID: "p1"}})
	require.NoError(t, err)
	assert.Equal(t, domain.EventSourcePlan, evt.Source)
	assert.Equal(t, int64(1), evt.Seq)
}

func TestExcludedTypesFlowLiveOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := live.NewHub()
	go hub.Run(ctx)

	s := newTestEventStore(t, WithBroker(hub))
	sub, err := s.Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer sub.Close()

	delta, err := s.Append(ctx, AppendParams{SessionID: "s1", RunID: "r1", Type: domain.EventTypeLLMStreamDelta, Payload: domain.StreamDeltaPayload{Text: "he"}})
	require.NoError(t, err)
	assert.False(t, delta.Persisted())

	done, err := s.Append(ctx, AppendParams{SessionID: "s1", RunID: "r1", Type: domain.EventTypeTaskDone, Payload: domain.TaskPayload{TaskID: "t1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), done.Seq)

	var got []domain.EventType
	for len(got) < 2 {
		select {
		case evt := <-sub.C:
			got = append(got, evt.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for live events")
		}
	}
	assert.Equal(t, []domain.EventType{domain.EventTypeLLMStreamDelta, domain.EventTypeTaskDone}, got)

	stored, err := s.Query(ctx, "s1", 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.EventTypeTaskDone, stored[0].Type)
}

func TestRecordDerivesSource(t *testing.T) {
	ctx := context.Background()
	s := newTestEventStore(t)
	scope := domain.EventScope{SessionID: "s1", RunID: "r1", TaskID: "t1"}

	require.NoError(t, s.Record(ctx, scope, domain.EventTypeModelSelected, domain.ModelPayload{Role: domain.ModelRoleWriter}))
	require.NoError(t, s.Record(ctx, domain.EventScope{SessionID: "s1", RunID: "r1"}, domain.EventTypeRunStarted, nil))

	events, err := s.QueryByRun(ctx, "r1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventSourceTask, events[0].Source)
	assert.Equal(t, domain.EventSourceRun, events[1].Source)
}

func TestQueryRequiresIdentifiers(t *testing.T) {
	s := newTestEventStore(t)
	_, err := s.Query(context.Background(), "", 0, 10)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	_, err = s.QueryByRun(context.Background(), "", 0, 10)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
