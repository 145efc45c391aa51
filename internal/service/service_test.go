package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/config"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/eventstore"
	"github.com/xiaot623/gogo/internal/idempotency"
	"github.com/xiaot623/gogo/internal/live"
	"github.com/xiaot623/gogo/internal/modelpool"
	"github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/internal/scheduler"
	"github.com/xiaot623/gogo/internal/tools"
	"github.com/xiaot623/gogo/policy"
	"github.com/xiaot623/gogo/tests/helpers"
)

type fixture struct {
	svc     *Service
	db      *repository.SQLStore
	sandbox string
}

type fixtureConfig struct {
	features  config.FeatureFlags
	writer    []*modelpool.Candidate
	validator []*modelpool.Candidate
}

func newFixture(t *testing.T, fc fixtureConfig) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db := helpers.NewTestSQLiteStore(t)
	hub := live.NewHub()
	go hub.Run(ctx)
	events := eventstore.New(db, eventstore.WithBroker(hub))

	if fc.writer == nil {
		fc.writer = []*modelpool.Candidate{
			modelpool.NewCandidate("primary", "mock-writer", 1, llm.NewMockClient(llm.WithReply("draft ready"))),
		}
	}
	if fc.validator == nil {
		fc.validator = []*modelpool.Candidate{
			modelpool.NewCandidate("checker", "mock-validator", 1, llm.NewMockClient(llm.WithReply(`{"verdict":"pass","reason":"looks right"}`))),
		}
	}
	pool, err := modelpool.New(map[domain.ModelRole][]*modelpool.Candidate{
		domain.ModelRoleWriter:    fc.writer,
		domain.ModelRoleValidator: fc.validator,
	}, modelpool.WithRecorder(events), modelpool.WithBlacklistTTL(time.Minute))
	require.NoError(t, err)

	sandbox := t.TempDir()
	hooks, err := policy.NewHooks(policy.Config{
		Mode:           domain.PolicyModeEnforce,
		Whitelist:      []string{"fs.*", tools.AskUser},
		SandboxRoot:    sandbox,
		MaxOutputBytes: 4096,
	}, policy.WithRecorder(events))
	require.NoError(t, err)
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg, sandbox))
	invoker := tools.NewInvoker(reg, hooks)

	if fc.features.VerifyFailureMode == "" {
		fc.features.VerifyFailureMode = domain.VerifyFailureFail
	}
	exec := NewTaskExecutor(pool, invoker, events, fc.features)
	sched := scheduler.New(exec, events, scheduler.Options{
		MaxConcurrency:   2,
		TaskTimeout:      5 * time.Second,
		RetryMaxAttempts: 1,
		RetryBaseDelay:   10 * time.Millisecond,
	})

	svc := New(db, events, Config{},
		WithScheduler(sched),
		WithModelPool(pool),
		WithInvoker(invoker),
		WithIdempotency(idempotency.NewSQLStore(db)),
	)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = svc.Shutdown(shutdownCtx)
	})
	return &fixture{svc: svc, db: db, sandbox: sandbox}
}

// settle waits for the plan execution of runID and returns the stored run.
func (f *fixture) settle(t *testing.T, runID string) *domain.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Wait(ctx, runID))
	run, err := f.svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func (f *fixture) eventTypes(t *testing.T, runID string) []domain.EventType {
	t.Helper()
	resp, err := f.svc.ListRunEvents(context.Background(), runID, 0, 0)
	require.NoError(t, err)
	var out []domain.EventType
	var last int64
	for _, ev := range resp.Events {
		if ev.Seq <= last {
			t.Fatalf("seq not increasing: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
		out = append(out, ev.Type)
	}
	return out
}

func count(types []domain.EventType, want domain.EventType) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

func planOf(tasks ...domain.TaskSpec) *domain.PlanSpec {
	return &domain.PlanSpec{Name: "test plan", Tasks: tasks}
}

func TestCreateRunRejectsDuplicateActiveRun(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	first, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusQueued, first.Status)
	assert.Equal(t, "api", first.TriggerSource)

	_, err = f.svc.CreateRun(ctx, domain.CreateRunRequest{SessionID: "s1"})
	var dup *domain.DuplicateActiveRunError
	require.True(t, errors.As(err, &dup), "got %v", err)
	assert.Equal(t, first.RunID, dup.ActiveRunID)

	_, err = f.svc.CancelRun(ctx, first.RunID, "")
	require.NoError(t, err)
	second, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{SessionID: "s1", TriggerSource: "schedule"})
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	_, err = f.svc.CreateRun(ctx, domain.CreateRunRequest{})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestRunTransitionsAreValidated(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{SessionID: "s1"})
	require.NoError(t, err)

	_, err = f.svc.ResumeRun(ctx, run.RunID, nil)
	var invalid *domain.InvalidTransitionError
	require.True(t, errors.As(err, &invalid), "got %v", err)
	assert.Equal(t, "queued", invalid.From)

	_, err = f.svc.CompleteRun(ctx, run.RunID)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	started, err := f.svc.StartRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, started.Status)
	assert.Equal(t, domain.CheckpointKeyFor("s1", run.RunID), started.CheckpointKey)
	assert.NotNil(t, started.StartedAt)

	waiting, err := f.svc.SuspendRun(ctx, run.RunID, &domain.Checkpoint{Version: domain.CheckpointVersion, Prompt: json.RawMessage(`{"question":"ok?"}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusWaitingInput, waiting.Status)

	resumed, err := f.svc.ResumeRun(ctx, run.RunID, json.RawMessage(`{"answer":"yes"}`))
	require.NoError(t, err)
	assert.Equal(t, run.RunID, resumed.RunID)
	assert.Equal(t, started.CheckpointKey, resumed.CheckpointKey)
	assert.Equal(t, 1, resumed.Metrics.Suspensions)
	assert.Equal(t, 1, resumed.Metrics.Resumes)

	done, err := f.svc.CompleteRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.NotNil(t, done.CompletedAt)

	_, err = f.svc.FailRun(ctx, run.RunID, &domain.RunError{Code: "x", Message: "late"})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	stored, err := f.svc.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, stored.Status)
	assert.Nil(t, stored.Error)

	assert.Equal(t, []domain.EventType{
		domain.EventTypeRunCreated,
		domain.EventTypeRunStarted,
		domain.EventTypeRunWaitingInput,
		domain.EventTypeRunResumed,
		domain.EventTypeRunCompleted,
	}, f.eventTypes(t, run.RunID))
}

func TestCancelRunIsIdempotent(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{SessionID: "s1"})
	require.NoError(t, err)

	cancelled, err := f.svc.CancelRun(ctx, run.RunID, "user abort")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, cancelled.Status)

	again, err := f.svc.CancelRun(ctx, run.RunID, "user abort")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, again.Status)

	assert.Equal(t, 1, count(f.eventTypes(t, run.RunID), domain.EventTypeRunCancelled))

	_, err = f.svc.CancelRun(ctx, "run_missing", "")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestPlanRunsToCompletion(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{
		SessionID: "s1",
		Plan: planOf(
			domain.TaskSpec{ID: "T1", Title: "collect"},
			domain.TaskSpec{ID: "T2", Title: "draft", DependsOn: []string{"T1"}},
			domain.TaskSpec{ID: "T3", Title: "outline", DependsOn: []string{"T1"}},
		),
	})
	require.NoError(t, err)
	require.NotEmpty(t, run.PlanID)

	got := f.settle(t, run.RunID)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.Equal(t, 3, got.Metrics.TasksDone)
	assert.Equal(t, 0, got.Metrics.ModelFallbacks)

	tasks, err := f.svc.ListTasks(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, domain.TaskStatusDone, task.Status, task.TaskID)
		assert.Contains(t, string(task.Result), "draft ready")
	}

	types := f.eventTypes(t, run.RunID)
	assert.Equal(t, domain.EventTypeRunCreated, types[0])
	assert.Equal(t, domain.EventTypePlanCreated, types[1])
	assert.Equal(t, domain.EventTypeRunCompleted, types[len(types)-1])
	assert.Equal(t, 3, count(types, domain.EventTypeTaskDone))
	assert.Equal(t, 3, count(types, domain.EventTypeModelServed))
}

func TestCreateRunRejectsCyclicPlan(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	_, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{
		SessionID: "s1",
		Plan: planOf(
			domain.TaskSpec{ID: "T1", DependsOn: []string{"T2"}},
			domain.TaskSpec{ID: "T2", DependsOn: []string{"T1"}},
		),
	})
	var cycle *domain.CycleDetectedError
	require.True(t, errors.As(err, &cycle), "got %v", err)

	runs, err := f.svc.ListRuns(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = f.svc.CreateRun(ctx, domain.CreateRunRequest{
		SessionID: "s1",
		Plan:      planOf(domain.TaskSpec{ID: "T1", DependsOn: []string{"T9"}}),
	})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestAskUserSuspendsAndResumesSameRun(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{
		SessionID: "s1",
		Plan: planOf(
			domain.TaskSpec{ID: "T1", Title: "research"},
			domain.TaskSpec{
				ID:        "T2",
				Title:     "pick a city",
				DependsOn: []string{"T1"},
				Input:     json.RawMessage(`"/tool ask_user {\"question\":\"which city?\"}"`),
			},
		),
	})
	require.NoError(t, err)

	waiting := f.settle(t, run.RunID)
	require.Equal(t, domain.RunStatusWaitingInput, waiting.Status)
	require.NotEmpty(t, waiting.Checkpoint)
	assert.Equal(t, domain.CheckpointKeyFor("s1", run.RunID), waiting.CheckpointKey)

	var cp domain.Checkpoint
	require.NoError(t, json.Unmarshal(waiting.Checkpoint, &cp))
	assert.Equal(t, "T2", cp.InterruptedTask)
	assert.JSONEq(t, `{"question":"which city?"}`, string(cp.Prompt))

	resumed, err := f.svc.ResumeRun(ctx, run.RunID, json.RawMessage(`{"answer":"Paris"}`))
	require.NoError(t, err)
	assert.Equal(t, run.RunID, resumed.RunID)

	done := f.settle(t, run.RunID)
	assert.Equal(t, domain.RunStatusCompleted, done.Status)
	assert.Equal(t, waiting.CheckpointKey, done.CheckpointKey)
	assert.Equal(t, 1, done.Metrics.Suspensions)
	assert.Equal(t, 1, done.Metrics.Resumes)

	resp, err := f.svc.ListRunEvents(ctx, run.RunID, 0, 0)
	require.NoError(t, err)
	started := map[string]int{}
	seen := map[int64]bool{}
	for _, ev := range resp.Events {
		require.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
		seen[ev.Seq] = true
		if ev.Type == domain.EventTypeTaskStarted {
			var p domain.TaskPayload
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			started[p.TaskID]++
		}
	}
	assert.Equal(t, 1, started["T1"], "done task must not run again")
	assert.Equal(t, 2, started["T2"])
}

func TestVerifyGate(t *testing.T) {
	failing := func() []*modelpool.Candidate {
		return []*modelpool.Candidate{
			modelpool.NewCandidate("checker", "mock-validator", 1, llm.NewMockClient(llm.WithReply("FAIL: numbers do not add up"))),
		}
	}
	plan := planOf(
		domain.TaskSpec{ID: "T1", Title: "draft"},
		domain.TaskSpec{ID: "V1", Title: "check", AgentRole: "validator", DependsOn: []string{"T1"}},
	)

	t.Run("disabled", func(t *testing.T) {
		// The validator model is unreachable, so the task only completes when
		// no model is called.
		f := newFixture(t, fixtureConfig{
			features: config.FeatureFlags{VerifyGateEnabled: false},
			validator: []*modelpool.Candidate{
				modelpool.NewCandidate("checker", "mock-validator", 1, llm.NewMockClient(llm.WithFaults(llm.FaultConnection))),
			},
		})
		run, err := f.svc.CreateRun(context.Background(), domain.CreateRunRequest{SessionID: "s1", Plan: plan})
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusCompleted, f.settle(t, run.RunID).Status)
		types := f.eventTypes(t, run.RunID)
		assert.Equal(t, 1, count(types, domain.EventTypeVerifySkipped))
		assert.Equal(t, 0, count(types, domain.EventTypeVerifyStart))
		assert.Equal(t, 1, count(types, domain.EventTypeModelSelected), "only the writer task selects a model")
		assert.Equal(t, 0, count(types, domain.EventTypeModelUnavailable))
	})

	t.Run("pass", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{features: config.FeatureFlags{VerifyGateEnabled: true}})
		run, err := f.svc.CreateRun(context.Background(), domain.CreateRunRequest{SessionID: "s1", Plan: plan})
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusCompleted, f.settle(t, run.RunID).Status)
		types := f.eventTypes(t, run.RunID)
		assert.Equal(t, 1, count(types, domain.EventTypeVerifyStart))
		assert.Equal(t, 1, count(types, domain.EventTypeVerifyPass))
	})

	t.Run("fail", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{
			features:  config.FeatureFlags{VerifyGateEnabled: true, VerifyFailureMode: domain.VerifyFailureFail},
			validator: failing(),
		})
		run, err := f.svc.CreateRun(context.Background(), domain.CreateRunRequest{SessionID: "s1", Plan: plan})
		require.NoError(t, err)
		got := f.settle(t, run.RunID)
		require.Equal(t, domain.RunStatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "verification_failed", got.Error.Code)
		assert.Equal(t, "V1", got.Error.TaskID)
		assert.Equal(t, 1, count(f.eventTypes(t, run.RunID), domain.EventTypeVerifyFail))
	})

	t.Run("wait_input", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{
			features:  config.FeatureFlags{VerifyGateEnabled: true, VerifyFailureMode: domain.VerifyFailureWaitInput},
			validator: failing(),
		})
		ctx := context.Background()
		run, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{SessionID: "s1", Plan: plan})
		require.NoError(t, err)
		require.Equal(t, domain.RunStatusWaitingInput, f.settle(t, run.RunID).Status)

		_, err = f.svc.ResumeRun(ctx, run.RunID, json.RawMessage(`{"approved":true}`))
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusCompleted, f.settle(t, run.RunID).Status)
		types := f.eventTypes(t, run.RunID)
		assert.Equal(t, 1, count(types, domain.EventTypeVerifyFail))
		assert.Equal(t, 1, count(types, domain.EventTypeVerifyPass))
	})
}

func TestModelFallbackIsCounted(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		writer: []*modelpool.Candidate{
			modelpool.NewCandidate("primary", "mock-a", 2, llm.NewMockClient(llm.WithFaults(llm.FaultConnection))),
			modelpool.NewCandidate("backup", "mock-b", 1, llm.NewMockClient(llm.WithReply("from backup"))),
		},
	})
	run, err := f.svc.CreateRun(context.Background(), domain.CreateRunRequest{
		SessionID: "s1",
		Plan:      planOf(domain.TaskSpec{ID: "T1", Title: "write"}),
	})
	require.NoError(t, err)

	got := f.settle(t, run.RunID)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Metrics.ModelFallbacks)

	status := f.svc.Pool().Status()
	for _, rs := range status {
		if rs.Role != domain.ModelRoleWriter {
			continue
		}
		assert.False(t, rs.Candidates[0].Available)
		assert.True(t, rs.Candidates[1].Available)
	}
}

func TestCancelStopsPlanExecution(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		writer: []*modelpool.Candidate{
			modelpool.NewCandidate("slow", "mock-slow", 1, llm.NewMockClient(llm.WithDelay(200*time.Millisecond))),
		},
	})
	ctx := context.Background()
	run, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{
		SessionID: "s1",
		Plan: planOf(
			domain.TaskSpec{ID: "T1"},
			domain.TaskSpec{ID: "T2", DependsOn: []string{"T1"}},
			domain.TaskSpec{ID: "T3", DependsOn: []string{"T2"}},
		),
	})
	require.NoError(t, err)

	_, err = f.svc.CancelRun(ctx, run.RunID, "stop")
	require.NoError(t, err)
	got := f.settle(t, run.RunID)
	assert.Equal(t, domain.RunStatusCancelled, got.Status)

	types := f.eventTypes(t, run.RunID)
	assert.Equal(t, 1, count(types, domain.EventTypeRunCancelled))
	assert.Equal(t, 0, count(types, domain.EventTypeRunCompleted))
	assert.Less(t, count(types, domain.EventTypeTaskDone), 3)
}

func TestIdempotentCreateReplaysReply(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	create := func() (int, any, error) {
		run, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{SessionID: "s1"})
		return 201, run, err
	}
	key := CreateRunKey("s1", "k-1")
	first, err := f.svc.Idempotent(ctx, key, create)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.svc.Idempotent(ctx, key, create)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, 201, second.StatusCode)
	assert.JSONEq(t, string(first.Body), string(second.Body))

	runs, err := f.svc.ListRuns(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	// Without a key the duplicate is reported.
	_, err = f.svc.Idempotent(ctx, "", create)
	assert.True(t, errors.Is(err, domain.ErrDuplicateActiveRun))
}

func TestStreamRunEndsAtTerminalEvent(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{
		SessionID: "s1",
		Plan:      planOf(domain.TaskSpec{ID: "T1"}, domain.TaskSpec{ID: "T2", DependsOn: []string{"T1"}}),
	})
	require.NoError(t, err)

	var got []*domain.SessionEvent
	err = f.svc.StreamRun(ctx, run.RunID, 0, func(ev *domain.SessionEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, domain.EventTypeRunCreated, got[0].Type)
	assert.Equal(t, domain.EventTypeRunCompleted, got[len(got)-1].Type)

	var last int64
	for _, ev := range got {
		if !ev.Persisted() {
			continue
		}
		require.Greater(t, ev.Seq, last)
		last = ev.Seq
	}

	// A late subscriber replays only what follows its cursor.
	var tail []*domain.SessionEvent
	err = f.svc.StreamRun(ctx, run.RunID, got[len(got)-2].Seq, func(ev *domain.SessionEvent) error {
		tail = append(tail, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, domain.EventTypeRunCompleted, tail[0].Type)
}

func TestStreamRunOfFinishedRunPastLastEvent(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{SessionID: "s1"})
	require.NoError(t, err)
	_, err = f.svc.CancelRun(ctx, run.RunID, "done here")
	require.NoError(t, err)

	resp, err := f.svc.ListRunEvents(ctx, run.RunID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Events)
	lastSeq := resp.Events[len(resp.Events)-1].Seq

	for _, since := range []int64{lastSeq, lastSeq + 10} {
		var got []*domain.SessionEvent
		start := time.Now()
		err = f.svc.StreamRun(ctx, run.RunID, since, func(ev *domain.SessionEvent) error {
			got = append(got, ev)
			return nil
		})
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Less(t, time.Since(start), time.Second, "stream of a cancelled run must close at once")
	}
}

func TestInvokeTool(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, domain.CreateRunRequest{SessionID: "s1"})
	require.NoError(t, err)

	resp, err := f.svc.InvokeTool(ctx, tools.WriteFile, domain.ToolInvokeRequest{
		RunID: run.RunID,
		Args:  json.RawMessage(`{"path":"notes/a.txt","content":"hello"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSucceeded, resp.Status)
	data, err := os.ReadFile(filepath.Join(f.sandbox, "notes", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	resp, err = f.svc.InvokeTool(ctx, tools.ReadFile, domain.ToolInvokeRequest{
		RunID: run.RunID,
		Args:  json.RawMessage(`{"path":"../../etc/passwd"}`),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPolicyViolation))
	require.NotNil(t, resp)
	assert.Equal(t, tools.StatusBlocked, resp.Status)
	assert.Equal(t, 1, count(f.eventTypes(t, run.RunID), domain.EventTypeToolPolicyBlocked))

	_, err = f.svc.CancelRun(ctx, run.RunID, "")
	require.NoError(t, err)
	_, err = f.svc.InvokeTool(ctx, tools.ReadFile, domain.ToolInvokeRequest{RunID: run.RunID, Args: json.RawMessage(`{"path":"notes/a.txt"}`)})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}
