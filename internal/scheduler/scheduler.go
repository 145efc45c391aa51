// Package scheduler runs the tasks of a plan with bounded parallelism,
// dependency ordering, retries, timeouts and cooperative cancellation.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xiaot623/gogo/internal/cancel"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/metrics"
)

// TaskContext is handed to the executor for one attempt of one task.
type TaskContext struct {
	Task       *domain.Task
	Scope      domain.EventScope
	Token      *cancel.Token
	Attempt    int
	Input      json.RawMessage // resume input, set only for the interrupted task
	DepResults map[string]json.RawMessage
}

// Executor runs a single attempt of a task.
type Executor interface {
	Execute(ctx context.Context, tc *TaskContext) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, tc *TaskContext) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, tc *TaskContext) (json.RawMessage, error) {
	return f(ctx, tc)
}

// Journal persists a task transition together with its event.
type Journal interface {
	RecordTask(ctx context.Context, scope domain.EventScope, task *domain.Task, t domain.EventType, payload domain.TaskPayload) error
}

// Options configures a Scheduler.
type Options struct {
	MaxConcurrency int
	TaskTimeout    time.Duration
	// RetryMaxAttempts counts every attempt, the first one included.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	SweepInterval    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 1
	}
	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = 1
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = o.RetryBaseDelay
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 500 * time.Millisecond
	}
	return o
}

// Backoff returns the delay before the given retry (1-based): base*2^(n-1), capped.
func (o Options) Backoff(retry int) time.Duration {
	d := o.RetryBaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= o.RetryMaxDelay {
			return o.RetryMaxDelay
		}
	}
	if d > o.RetryMaxDelay {
		return o.RetryMaxDelay
	}
	return d
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler executes plans. It holds no per-plan state and may run many plans at once.
type Scheduler struct {
	opts    Options
	exec    Executor
	journal Journal
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a scheduler.
func New(exec Executor, journal Journal, opts Options, options ...Option) *Scheduler {
	s := &Scheduler{
		opts:    opts.withDefaults(),
		exec:    exec,
		journal: journal,
		now:     time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Options returns the effective options.
func (s *Scheduler) Options() Options {
	return s.opts
}

// Outcome is how a plan execution ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeSuspended Outcome = "suspended"
)

// Stats counts task outcomes for one execution.
type Stats struct {
	Done     int
	Failed   int
	TimedOut int
	Blocked  int
	Skipped  int
	Aborted  int
	Retries  int
}

// PlanResult is returned by Run.
type PlanResult struct {
	Outcome    Outcome
	Err        error // first task failure when Outcome is failed
	FailedTask string
	Checkpoint *domain.Checkpoint // set when Outcome is suspended
	Stats      Stats
}

// Resume continues a plan from a checkpoint.
type Resume struct {
	Checkpoint *domain.Checkpoint
	Input      json.RawMessage
}

// Run executes plan until every task is terminal, the token is cancelled or an
// executor interrupts. Task state is updated in place on plan.Tasks.
func (s *Scheduler) Run(ctx context.Context, plan *domain.Plan, scope domain.EventScope, token *cancel.Token, resume *Resume) (*PlanResult, error) {
	if err := Validate(plan); err != nil {
		return nil, err
	}
	if token == nil {
		token = cancel.New()
	}
	scope.PlanID = plan.PlanID

	e := newExecution(s, plan, scope, token)
	if resume != nil && resume.Checkpoint != nil {
		if err := e.restore(resume.Checkpoint, resume.Input); err != nil {
			return nil, err
		}
	}
	e.normalize(ctx)
	return e.loop(ctx), nil
}
