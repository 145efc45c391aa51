// Package repository persists runs, plans, tasks and the session event log.
package repository

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

// Queries is the set of operations available both inside and outside a transaction.
type Queries interface {
	// Sessions and sequences
	EnsureSession(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	// NextSeq atomically increments and returns the session's sequence counter.
	NextSeq(ctx context.Context, sessionID string) (int64, error)

	// Runs
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	GetActiveRun(ctx context.Context, sessionID string) (*domain.Run, error)
	ListRuns(ctx context.Context, sessionID string, limit int) ([]*domain.Run, error)
	ListIdleRuns(ctx context.Context, idleSince time.Time, limit int) ([]*domain.Run, error)
	// UpdateRun writes run only if its stored status still equals expected.
	UpdateRun(ctx context.Context, run *domain.Run, expected domain.RunStatus) error

	// Events
	InsertEvent(ctx context.Context, event *domain.SessionEvent) error
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.SessionEvent, error)

	// Plans and tasks
	CreatePlan(ctx context.Context, plan *domain.Plan) error
	GetPlan(ctx context.Context, planID string) (*domain.Plan, error)
	UpdateTask(ctx context.Context, task *domain.Task) error
	ListStaleTasks(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.Task, error)

	// Idempotency keys
	GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*domain.IdempotencyRecord, error)
	PutIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error)
	DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}

// Store is the storage interface of the engine.
type Store interface {
	Queries
	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}
