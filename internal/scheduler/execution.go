package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/cancel"
	"github.com/xiaot623/gogo/internal/domain"
)

type flight struct {
	cancel    context.CancelFunc
	exclusive bool
}

type workerResult struct {
	taskID  string
	attempt int
	output  json.RawMessage
	err     error
	aborted bool
	started time.Time
}

type transition struct {
	task    *domain.Task
	typ     domain.EventType
	payload domain.TaskPayload
}

// execution is the state of one Run call.
type execution struct {
	s          *Scheduler
	plan       *domain.Plan
	scope      domain.EventScope
	token      *cancel.Token
	tasks      map[string]*domain.Task
	dependents map[string][]string
	results    chan workerResult

	mu          sync.Mutex
	inflight    map[string]*flight
	inputs      map[string]json.RawMessage
	interrupt   *InterruptError
	interrupted string
	firstErr    error
	failedTask  string
	stats       Stats
}

func newExecution(s *Scheduler, plan *domain.Plan, scope domain.EventScope, token *cancel.Token) *execution {
	tasks := make(map[string]*domain.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		tasks[t.TaskID] = t
	}
	return &execution{
		s:          s,
		plan:       plan,
		scope:      scope,
		token:      token,
		tasks:      tasks,
		dependents: dependents(plan),
		// every worker sends exactly once and each task is dispatched at most once per execution
		results:  make(chan workerResult, len(plan.Tasks)),
		inflight: make(map[string]*flight),
		inputs:   make(map[string]json.RawMessage),
	}
}

func (e *execution) loop(ctx context.Context) *PlanResult {
	var sweep <-chan time.Time
	if e.s.opts.TaskTimeout > 0 {
		ticker := time.NewTicker(e.s.opts.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		e.dispatch(ctx)
		if e.idle() {
			break
		}
		select {
		case r := <-e.results:
			e.complete(ctx, r)
		case <-sweep:
			e.sweep(ctx)
		}
	}
	return e.finish(ctx)
}

func (e *execution) idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight) == 0
}

func (e *execution) stopping(ctx context.Context) bool {
	return e.token.Cancelled() || ctx.Err() != nil
}

// dispatch starts ready tasks while slots are free. A task with CanParallel
// unset runs alone. While it waits for in-flight tasks to drain, ready
// parallel tasks behind it still fill free slots and later exclusive tasks
// queue behind it.
func (e *execution) dispatch(ctx context.Context) {
	if e.stopping(ctx) {
		return
	}

	type launch struct {
		ctx context.Context
		tc  *TaskContext
	}
	var launches []launch

	e.mu.Lock()
	if e.interrupt != nil {
		e.mu.Unlock()
		return
	}
	status := make(map[string]domain.TaskStatus, len(e.plan.Tasks))
	for _, t := range e.plan.Tasks {
		status[t.TaskID] = t.Status
	}
	exclusiveWaiting := false
	for _, t := range e.plan.Tasks {
		if len(e.inflight) >= e.s.opts.MaxConcurrency || e.exclusiveRunningLocked() {
			break
		}
		if !isReady(t, status) {
			continue
		}
		if !t.CanParallel && (exclusiveWaiting || len(e.inflight) > 0) {
			exclusiveWaiting = true
			continue
		}

		now := e.s.now()
		t.Status = domain.TaskStatusInProgress
		t.StartedAt = &now
		t.CompletedAt = nil
		t.ErrorMessage = ""
		status[t.TaskID] = t.Status

		fctx, cancelFn := context.WithCancel(ctx)
		e.inflight[t.TaskID] = &flight{cancel: cancelFn, exclusive: !t.CanParallel}
		launches = append(launches, launch{ctx: fctx, tc: e.taskContextLocked(t)})
	}
	e.mu.Unlock()

	for _, l := range launches {
		e.s.metrics.TaskAcquired()
		e.emit(ctx, transition{
			task:    l.tc.Task,
			typ:     domain.EventTypeTaskStarted,
			payload: domain.TaskPayload{Attempt: l.tc.Attempt},
		})
		go e.work(l.ctx, l.tc)
	}
}

func (e *execution) exclusiveRunningLocked() bool {
	for _, f := range e.inflight {
		if f.exclusive {
			return true
		}
	}
	return false
}

func (e *execution) taskContextLocked(t *domain.Task) *TaskContext {
	deps := make(map[string]json.RawMessage, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		deps[dep] = e.tasks[dep].Result
	}
	return &TaskContext{
		Task:       t.Clone(),
		Scope:      e.scope.WithTask(t.TaskID),
		Token:      e.token,
		Attempt:    t.RetryCount + 1,
		Input:      e.inputs[t.TaskID],
		DepResults: deps,
	}
}

// work runs attempts of one task until it succeeds, fails for good, or is
// stopped. Exactly one result is sent.
func (e *execution) work(ctx context.Context, tc *TaskContext) {
	id := tc.Task.TaskID
	for {
		started := e.s.now()
		out, err := e.s.exec.Execute(ctx, tc)
		if err == nil || !e.shouldRetry(ctx, tc.Attempt, err) {
			e.results <- workerResult{taskID: id, attempt: tc.Attempt, output: out, err: err, started: started}
			return
		}

		delay := e.s.opts.Backoff(tc.Attempt)
		if !e.markRetrying(ctx, id, tc.Attempt, err, delay) {
			e.results <- workerResult{taskID: id, attempt: tc.Attempt, err: err, started: started}
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-e.token.Done():
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
		}
		if e.stopping(ctx) {
			stopErr := e.token.Err()
			if stopErr == nil {
				stopErr = ctx.Err()
			}
			e.results <- workerResult{taskID: id, attempt: tc.Attempt, err: stopErr, aborted: true, started: started}
			return
		}

		next, ok := e.markRetryStarted(ctx, id)
		if !ok {
			e.results <- workerResult{taskID: id, attempt: tc.Attempt, err: err, started: started}
			return
		}
		tc = next
	}
}

func (e *execution) shouldRetry(ctx context.Context, attempt int, err error) bool {
	if attempt >= e.s.opts.RetryMaxAttempts || e.stopping(ctx) {
		return false
	}
	return IsRetryable(err)
}

func (e *execution) markRetrying(ctx context.Context, id string, attempt int, cause error, delay time.Duration) bool {
	e.mu.Lock()
	t := e.tasks[id]
	if t.Status != domain.TaskStatusInProgress {
		e.mu.Unlock()
		return false
	}
	t.Status = domain.TaskStatusRetrying
	t.RetryCount++
	t.ErrorMessage = cause.Error()
	e.stats.Retries++
	snap := t.Clone()
	e.mu.Unlock()

	log.WithFields(log.Fields{
		"run_id":  e.scope.RunID,
		"task_id": id,
		"attempt": attempt,
		"delay":   delay.String(),
	}).WithError(cause).Warn("task attempt failed, retrying")

	e.emit(ctx, transition{
		task: snap,
		typ:  domain.EventTypeTaskRetrying,
		payload: domain.TaskPayload{
			Attempt: attempt,
			Error:   cause.Error(),
			DelayMs: delay.Milliseconds(),
		},
	})
	return true
}

func (e *execution) markRetryStarted(ctx context.Context, id string) (*TaskContext, bool) {
	e.mu.Lock()
	t := e.tasks[id]
	if t.Status != domain.TaskStatusRetrying {
		e.mu.Unlock()
		return nil, false
	}
	now := e.s.now()
	t.Status = domain.TaskStatusInProgress
	t.StartedAt = &now
	tc := e.taskContextLocked(t)
	e.mu.Unlock()

	e.emit(ctx, transition{
		task:    tc.Task,
		typ:     domain.EventTypeTaskStarted,
		payload: domain.TaskPayload{Attempt: tc.Attempt},
	})
	return tc, true
}

// complete applies a worker result. Results for tasks that already timed out
// are discarded.
func (e *execution) complete(ctx context.Context, r workerResult) {
	var out []transition
	var interrupt *InterruptError

	e.mu.Lock()
	f, ok := e.inflight[r.taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.inflight, r.taskID)
	f.cancel()

	t := e.tasks[r.taskID]
	now := e.s.now()
	duration := now.Sub(r.started)
	base := domain.TaskPayload{Attempt: r.attempt, DurationMs: duration.Milliseconds()}

	switch {
	case r.err == nil:
		t.Status = domain.TaskStatusDone
		t.Progress = 100
		t.Result = r.output
		t.ErrorMessage = ""
		t.CompletedAt = &now
		e.stats.Done++
		delete(e.inputs, t.TaskID)
		out = append(out, transition{task: t.Clone(), typ: domain.EventTypeTaskDone, payload: base})

	case errors.As(r.err, &interrupt):
		t.Status = domain.TaskStatusPending
		t.StartedAt = nil
		if e.interrupt == nil {
			e.interrupt = interrupt
			e.interrupted = t.TaskID
		}
		base.Error = interrupt.Reason
		out = append(out, transition{task: t.Clone(), typ: domain.EventTypeTaskSuspended, payload: base})

	case r.aborted || errors.Is(r.err, domain.ErrCancelled) || ctx.Err() != nil:
		t.Status = domain.TaskStatusAborted
		t.ErrorMessage = r.err.Error()
		t.CompletedAt = &now
		e.stats.Aborted++
		base.Error = t.ErrorMessage
		out = append(out, transition{task: t.Clone(), typ: domain.EventTypeTaskAborted, payload: base})

	default:
		t.Status = domain.TaskStatusFailed
		t.ErrorMessage = r.err.Error()
		t.CompletedAt = &now
		e.stats.Failed++
		e.noteFailureLocked(t.TaskID, r.err)
		base.Error = t.ErrorMessage
		out = append(out, transition{task: t.Clone(), typ: domain.EventTypeTaskFailed, payload: base})
		out = append(out, e.blockDependentsLocked(t.TaskID)...)
	}
	role, status := t.AgentRole, t.Status
	e.mu.Unlock()

	e.s.metrics.TaskReleased()
	e.s.metrics.ObserveTask(role, string(status), duration)
	if status == domain.TaskStatusFailed {
		log.WithFields(log.Fields{"run_id": e.scope.RunID, "task_id": r.taskID}).WithError(r.err).Error("task failed")
	}
	e.emitAll(ctx, out)
}

// sweep marks in-progress tasks past their deadline as timed out. The slot is
// released at once; the late worker result is discarded.
func (e *execution) sweep(ctx context.Context) {
	timeout := e.s.opts.TaskTimeout
	now := e.s.now()
	var out []transition
	released := 0

	e.mu.Lock()
	for _, task := range e.plan.Tasks {
		f, ok := e.inflight[task.TaskID]
		if !ok || task.Status != domain.TaskStatusInProgress || task.StartedAt == nil {
			continue
		}
		if now.Sub(*task.StartedAt) < timeout {
			continue
		}
		f.cancel()
		delete(e.inflight, task.TaskID)
		released++

		terr := &domain.TaskTimeoutError{TaskID: task.TaskID, Timeout: timeout}
		task.Status = domain.TaskStatusTimeout
		task.ErrorMessage = terr.Error()
		task.CompletedAt = &now
		e.stats.TimedOut++
		e.noteFailureLocked(task.TaskID, terr)
		out = append(out, transition{
			task: task.Clone(),
			typ:  domain.EventTypeTaskTimeout,
			payload: domain.TaskPayload{
				Attempt:   task.RetryCount + 1,
				Error:     terr.Error(),
				TimeoutMs: timeout.Milliseconds(),
			},
		})
		out = append(out, e.blockDependentsLocked(task.TaskID)...)
	}
	e.mu.Unlock()

	for i := 0; i < released; i++ {
		e.s.metrics.TaskReleased()
	}
	if len(out) > 0 {
		log.WithField("run_id", e.scope.RunID).Warnf("task deadline exceeded (%s)", timeout)
	}
	e.emitAll(ctx, out)
}

// blockDependentsLocked marks every pending transitive dependent of root as blocked.
func (e *execution) blockDependentsLocked(root string) []transition {
	var out []transition
	seen := make(map[string]bool)
	queue := append([]string(nil), e.dependents[root]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		t := e.tasks[id]
		if t.Status == domain.TaskStatusPending {
			t.Status = domain.TaskStatusBlocked
			t.ErrorMessage = fmt.Sprintf("blocked by %s", root)
			e.stats.Blocked++
			out = append(out, transition{
				task:    t.Clone(),
				typ:     domain.EventTypeTaskBlocked,
				payload: domain.TaskPayload{BlockedBy: root},
			})
		}
		queue = append(queue, e.dependents[id]...)
	}
	return out
}

func (e *execution) noteFailureLocked(taskID string, err error) {
	if e.firstErr == nil {
		e.firstErr = err
		e.failedTask = taskID
	}
}

// normalize prepares task state before the first dispatch: in-flight states
// left over from an earlier execution go back to pending, and dependents of
// already failed tasks are blocked.
func (e *execution) normalize(ctx context.Context) {
	var out []transition
	e.mu.Lock()
	for _, t := range e.plan.Tasks {
		switch t.Status {
		case "", domain.TaskStatusInProgress, domain.TaskStatusRetrying:
			t.Status = domain.TaskStatusPending
			t.StartedAt = nil
		}
	}
	for _, t := range e.plan.Tasks {
		if t.Status == domain.TaskStatusFailed || t.Status == domain.TaskStatusTimeout {
			e.noteFailureLocked(t.TaskID, errors.New(t.ErrorMessage))
			out = append(out, e.blockDependentsLocked(t.TaskID)...)
		}
	}
	e.mu.Unlock()
	e.emitAll(ctx, out)
}

func (e *execution) finish(ctx context.Context) *PlanResult {
	now := e.s.now()
	res := &PlanResult{}
	var out []transition

	e.mu.Lock()
	switch {
	case e.stopping(ctx):
		reason := e.token.Reason()
		if reason == "" {
			reason = "cancelled"
		}
		for _, t := range e.plan.Tasks {
			if t.Status != domain.TaskStatusPending {
				continue
			}
			t.Status = domain.TaskStatusSkipped
			t.ErrorMessage = reason
			t.CompletedAt = &now
			e.stats.Skipped++
			out = append(out, transition{
				task:    t.Clone(),
				typ:     domain.EventTypeTaskSkipped,
				payload: domain.TaskPayload{Error: reason},
			})
		}
		res.Outcome = OutcomeCancelled

	case e.interrupt != nil:
		res.Outcome = OutcomeSuspended
		res.Checkpoint = Snapshot(e.plan, e.interrupted, e.interrupt.Prompt, now)

	default:
		// pending tasks left here depend on tasks that can no longer finish
		for _, t := range e.plan.Tasks {
			if t.Status != domain.TaskStatusPending {
				continue
			}
			blocker := e.firstUnfinishedDepLocked(t)
			if blocker == "" {
				continue
			}
			t.Status = domain.TaskStatusBlocked
			t.ErrorMessage = fmt.Sprintf("blocked by %s", blocker)
			e.stats.Blocked++
			e.noteFailureLocked(t.TaskID, fmt.Errorf("task %s cannot run, dependency %s is %s: %w",
				t.TaskID, blocker, e.tasks[blocker].Status, domain.ErrValidation))
			out = append(out, transition{
				task:    t.Clone(),
				typ:     domain.EventTypeTaskBlocked,
				payload: domain.TaskPayload{BlockedBy: blocker},
			})
		}
		if e.firstErr != nil {
			res.Outcome = OutcomeFailed
		} else {
			res.Outcome = OutcomeCompleted
		}
	}
	res.Err = e.firstErr
	res.FailedTask = e.failedTask
	e.mu.Unlock()

	e.emitAll(ctx, out)

	e.mu.Lock()
	res.Stats = e.stats
	e.mu.Unlock()
	return res
}

func (e *execution) firstUnfinishedDepLocked(t *domain.Task) string {
	for _, dep := range t.DependsOn {
		if e.tasks[dep].Status != domain.TaskStatusDone {
			return dep
		}
	}
	return ""
}

func (e *execution) emitAll(ctx context.Context, ts []transition) {
	for _, tr := range ts {
		e.emit(ctx, tr)
	}
}

// emit persists one task transition and its event. Journal failures are
// logged; the in-memory state stays authoritative for this execution.
func (e *execution) emit(ctx context.Context, tr transition) {
	p := tr.payload
	p.TaskID = tr.task.TaskID
	p.PlanID = tr.task.PlanID
	p.Title = tr.task.Title
	p.Status = tr.task.Status

	e.s.metrics.TaskTransition(string(tr.task.Status))
	if e.s.journal == nil {
		return
	}
	if err := e.s.journal.RecordTask(context.WithoutCancel(ctx), e.scope.WithTask(tr.task.TaskID), tr.task, tr.typ, p); err != nil {
		log.WithFields(log.Fields{
			"run_id":     e.scope.RunID,
			"task_id":    tr.task.TaskID,
			"event_type": tr.typ,
		}).WithError(err).Error("failed to record task transition")
	}
}
