// Package service implements the run service: the run state machine, plan
// intake, the execution driver that hands plans to the scheduler, and the
// operations exposed over HTTP.
package service

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/eventstore"
	"github.com/xiaot623/gogo/internal/idempotency"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/modelpool"
	"github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/internal/scheduler"
	"github.com/xiaot623/gogo/internal/tools"
)

// Config holds the service settings that are not owned by a collaborator.
type Config struct {
	IdempotencyTTL time.Duration
	// TaskTimeout is the deadline used by the store sweep for tasks that are
	// not executing in this process.
	TaskTimeout   time.Duration
	SweepInterval time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithScheduler enables plan execution.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(svc *Service) { svc.scheduler = s }
}

// WithModelPool enables the LLM proxy and the model pool status view.
func WithModelPool(p *modelpool.Pool) Option {
	return func(svc *Service) { svc.pool = p }
}

// WithInvoker enables tool invocation.
func WithInvoker(inv *tools.Invoker) Option {
	return func(svc *Service) { svc.invoker = inv }
}

// WithIdempotency stores replies of keyed requests.
func WithIdempotency(store idempotency.Store) Option {
	return func(svc *Service) { svc.idem = store }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(svc *Service) { svc.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// Service owns runs. Every run mutation goes through it.
type Service struct {
	db        repository.Store
	events    *eventstore.Store
	scheduler *scheduler.Scheduler
	pool      *modelpool.Pool
	invoker   *tools.Invoker
	idem      idempotency.Store
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time

	locks *keyedMutex

	mu     sync.Mutex
	active map[string]*execution
	wg     sync.WaitGroup
}

// New creates a service.
func New(db repository.Store, events *eventstore.Store, cfg Config, opts ...Option) *Service {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = idempotency.DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 500 * time.Millisecond
	}
	s := &Service{
		db:     db,
		events: events,
		cfg:    cfg,
		now:    time.Now,
		locks:  newKeyedMutex(),
		active: make(map[string]*execution),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Events returns the event store.
func (s *Service) Events() *eventstore.Store {
	return s.events
}

// Pool returns the model pool, or nil.
func (s *Service) Pool() *modelpool.Pool {
	return s.pool
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// ActiveExecutions returns the number of plans executing in this process.
func (s *Service) ActiveExecutions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown waits for executing plans to finish, or for ctx. Runs left
// running are picked up by the task timeout monitor of the next process.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Warn("shutdown deadline reached with plans still executing")
		return ctx.Err()
	}
}
