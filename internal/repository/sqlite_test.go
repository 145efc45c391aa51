package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newRun(runID, sessionID string) *domain.Run {
	return &domain.Run{
		RunID:         runID,
		SessionID:     sessionID,
		Status:        domain.RunStatusQueued,
		TriggerSource: "test",
		CreatedAt:     time.Now(),
	}
}

func TestNextSeqIsPerSessionAndIncreasing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for want := int64(1); want <= 3; want++ {
		got, err := store.NextSeq(ctx, "s1")
		if err != nil {
			t.Fatalf("NextSeq failed: %v", err)
		}
		if got != want {
			t.Fatalf("expected seq %d, got %d", want, got)
		}
	}
	got, err := store.NextSeq(ctx, "s2")
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected independent counter for s2, got %d", got)
	}
}

func TestNextSeqConcurrentTransactions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const writers = 20
	seqs := make(chan int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithTx(ctx, func(q Queries) error {
				seq, err := q.NextSeq(ctx, "s1")
				if err != nil {
					return err
				}
				seqs <- seq
				return nil
			})
			if err != nil {
				t.Errorf("tx failed: %v", err)
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := map[int64]bool{}
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("seq %d allocated twice", seq)
		}
		seen[seq] = true
	}
	if len(seen) != writers {
		t.Fatalf("expected %d seqs, got %d", writers, len(seen))
	}
}

func TestRolledBackSeqIsNotConsumed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(q Queries) error {
		if _, err := q.NextSeq(ctx, "s1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	seq, err := store.NextSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected seq 1 after rollback, got %d", seq)
	}
}

func TestRunLifecycleAndActiveIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	run := newRun("run_1", "s1")
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := store.CreateRun(ctx, newRun("run_2", "s1")); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for second active run, got %v", err)
	}

	active, err := store.GetActiveRun(ctx, "s1")
	if err != nil {
		t.Fatalf("GetActiveRun failed: %v", err)
	}
	if active.RunID != "run_1" {
		t.Fatalf("unexpected active run: %+v", active)
	}

	now := time.Now()
	run.Status = domain.RunStatusRunning
	run.StartedAt = &now
	run.CheckpointKey = domain.CheckpointKeyFor("s1", "run_1")
	run.Metrics.TasksDone = 2
	if err := store.UpdateRun(ctx, run, domain.RunStatusQueued); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}
	if err := store.UpdateRun(ctx, run, domain.RunStatusQueued); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected stale update conflict, got %v", err)
	}

	run.Status = domain.RunStatusFailed
	run.Error = &domain.RunError{Code: "model_unavailable", Message: "no model"}
	run.CompletedAt = &now
	if err := store.UpdateRun(ctx, run, domain.RunStatusRunning); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusFailed || got.Error == nil || got.Error.Code != "model_unavailable" {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.Metrics.TasksDone != 2 || got.CheckpointKey != "s1:run_1" || got.StartedAt == nil {
		t.Fatalf("fields not persisted: %+v", got)
	}

	if err := store.CreateRun(ctx, newRun("run_2", "s1")); err != nil {
		t.Fatalf("expected new run after terminal, got %v", err)
	}
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEventsQueryByRunKeepsSessionSeq(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	insert := func(runID string) {
		seq, err := store.NextSeq(ctx, "s1")
		if err != nil {
			t.Fatalf("NextSeq failed: %v", err)
		}
		err = store.InsertEvent(ctx, &domain.SessionEvent{
			EventID:   "evt_" + runID + "_" + time.Now().Format("150405.000000000"),
			SessionID: "s1",
			RunID:     runID,
			Seq:       seq,
			Type:      domain.EventTypeTaskDone,
			Source:    domain.EventSourceTask,
			Payload:   json.RawMessage(`{"task_id":"t1"}`),
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("InsertEvent failed: %v", err)
		}
	}
	insert("r1")
	insert("r2")
	insert("r1")
	insert("")

	all, err := store.ListEvents(ctx, domain.EventFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
	byRun, err := store.ListEvents(ctx, domain.EventFilter{RunID: "r1"})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(byRun) != 2 || byRun[0].Seq != 1 || byRun[1].Seq != 3 {
		t.Fatalf("unexpected run events: %+v", byRun)
	}
	since, err := store.ListEvents(ctx, domain.EventFilter{SessionID: "s1", SinceSeq: 2, Limit: 1})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(since) != 1 || since[0].Seq != 3 {
		t.Fatalf("unexpected window: %+v", since)
	}
	if all[3].RunID != "" {
		t.Fatalf("expected null run id, got %q", all[3].RunID)
	}
}

func TestPlanRoundTripAndStaleTasks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now()
	plan := &domain.Plan{
		PlanID:    "plan_1",
		SessionID: "s1",
		Name:      "landing page",
		CreatedAt: now,
		Tasks: []*domain.Task{
			{TaskID: "t1", PlanID: "plan_1", Title: "outline", AgentRole: "planner", Status: domain.TaskStatusPending, CanParallel: true, CreatedAt: now},
			{TaskID: "t2", PlanID: "plan_1", Title: "write", AgentRole: "writer", Status: domain.TaskStatusPending, DependsOn: []string{"t1"}, CreatedAt: now},
		},
	}
	if err := store.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}

	got, err := store.GetPlan(ctx, "plan_1")
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if len(got.Tasks) != 2 || got.Tasks[1].DependsOn[0] != "t1" || !got.Tasks[0].CanParallel {
		t.Fatalf("unexpected plan: %+v", got.Tasks)
	}

	started := now.Add(-time.Hour)
	task := got.Tasks[0]
	task.Status = domain.TaskStatusInProgress
	task.StartedAt = &started
	if err := store.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	retrying := got.Tasks[1]
	retrying.Status = domain.TaskStatusRetrying
	retrying.StartedAt = &started
	if err := store.UpdateTask(ctx, retrying); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	stale, err := store.ListStaleTasks(ctx, now.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStaleTasks failed: %v", err)
	}
	if len(stale) != 2 || stale[0].TaskID == stale[1].TaskID {
		t.Fatalf("unexpected stale tasks: %+v", stale)
	}
}

func TestListIdleRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	old := time.Now().Add(-time.Hour)

	create := func(runID, sessionID, planID string, status domain.RunStatus) {
		run := newRun(runID, sessionID)
		run.PlanID = planID
		run.Status = status
		run.CreatedAt = old
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun %s failed: %v", runID, err)
		}
	}
	create("r_idle_running", "s1", "plan_1", domain.RunStatusRunning)
	create("r_idle_queued", "s2", "plan_2", domain.RunStatusQueued)
	create("r_busy", "s3", "plan_3", domain.RunStatusRunning)
	create("r_no_plan", "s4", "", domain.RunStatusRunning)
	create("r_waiting", "s5", "plan_5", domain.RunStatusWaitingInput)
	create("r_done", "s6", "plan_6", domain.RunStatusCompleted)

	seq, err := store.NextSeq(ctx, "s3")
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}
	err = store.InsertEvent(ctx, &domain.SessionEvent{
		EventID:   "evt_busy",
		SessionID: "s3",
		RunID:     "r_busy",
		Seq:       seq,
		Type:      domain.EventTypeTaskStarted,
		Source:    domain.EventSourceTask,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}

	idle, err := store.ListIdleRuns(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListIdleRuns failed: %v", err)
	}
	got := make(map[string]bool)
	for _, run := range idle {
		got[run.RunID] = true
	}
	if len(got) != 2 || !got["r_idle_running"] || !got["r_idle_queued"] {
		t.Fatalf("unexpected idle runs: %v", got)
	}
}

func TestIdempotencyRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now()
	rec := &domain.IdempotencyRecord{
		Key:        "create:abc",
		StatusCode: 201,
		Body:       json.RawMessage(`{"run_id":"run_1"}`),
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
	stored, err := store.PutIdempotencyRecord(ctx, rec)
	if err != nil || !stored {
		t.Fatalf("PutIdempotencyRecord failed: stored=%v err=%v", stored, err)
	}
	stored, err = store.PutIdempotencyRecord(ctx, rec)
	if err != nil || stored {
		t.Fatalf("expected duplicate put to be ignored: stored=%v err=%v", stored, err)
	}

	got, err := store.GetIdempotencyRecord(ctx, "create:abc", now)
	if err != nil {
		t.Fatalf("GetIdempotencyRecord failed: %v", err)
	}
	if got.StatusCode != 201 || string(got.Body) != `{"run_id":"run_1"}` {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := store.GetIdempotencyRecord(ctx, "create:abc", now.Add(2*time.Hour)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected expired record to be hidden, got %v", err)
	}
	n, err := store.DeleteExpiredIdempotencyRecords(ctx, now.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one pruned record, got n=%d err=%v", n, err)
	}
}

func TestPostgresStoreNextSeq(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	sessionID := "pg_" + time.Now().Format("20060102150405.000000")
	first, err := store.NextSeq(ctx, sessionID)
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}
	second, err := store.NextSeq(ctx, sessionID)
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}
	if second != first+1 {
		t.Fatalf("expected consecutive seqs, got %d then %d", first, second)
	}
}

func TestRebindPostgres(t *testing.T) {
	q := &queries{d: dialectPostgres}
	got := q.rebind(`SELECT a FROM t WHERE x = ? AND y IN (?, ?)`)
	want := `SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)`
	if got != want {
		t.Fatalf("rebind: got %q want %q", got, want)
	}
}
