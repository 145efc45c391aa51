// Package eventstore is the append-only session event log.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/live"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/repository"
)

// DefaultQueryLimit bounds queries that do not specify a limit.
const DefaultQueryLimit = 500

// Store appends and queries session events.
type Store struct {
	db       repository.Store
	broker   live.Broker
	excluded map[domain.EventType]struct{}
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBroker publishes every appended event to the live channel.
func WithBroker(b live.Broker) Option {
	return func(s *Store) { s.broker = b }
}

// WithExcludedTypes replaces the set of types that are never persisted.
func WithExcludedTypes(types []domain.EventType) Option {
	return func(s *Store) {
		s.excluded = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			s.excluded[t] = struct{}{}
		}
	}
}

// WithMetrics records append counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an event store on db.
func New(db repository.Store, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	WithExcludedTypes(domain.DefaultExcludedEventTypes)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendParams describes an event to append.
type AppendParams struct {
	SessionID string
	RunID     string
	Type      domain.EventType
	Source    domain.EventSource
	Payload   any
}

// Append allocates the next session seq and writes the event in its own
// transaction, then publishes it live. Excluded types are published only.
func (s *Store) Append(ctx context.Context, p AppendParams) (*domain.SessionEvent, error) {
	var event *domain.SessionEvent
	err := s.db.WithTx(ctx, func(q repository.Queries) error {
		var err error
		event, err = s.AppendTx(ctx, q, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Publish(ctx, event)
	return event, nil
}

// AppendTx writes the event with q so it commits or rolls back with the
// caller's state change. The caller publishes after commit.
func (s *Store) AppendTx(ctx context.Context, q repository.Queries, p AppendParams) (*domain.SessionEvent, error) {
	event, err := s.build(p)
	if err != nil {
		return nil, err
	}
	if s.IsExcluded(p.Type) {
		s.metrics.EventExcluded(string(p.Type))
		return event, nil
	}

	seq, err := q.NextSeq(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	event.Seq = seq
	if err := q.InsertEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	s.metrics.EventAppended(string(p.Type))
	return event, nil
}

// Publish sends committed events to the live channel.
func (s *Store) Publish(ctx context.Context, events ...*domain.SessionEvent) {
	if s.broker == nil {
		return
	}
	for _, event := range events {
		if event == nil {
			continue
		}
		if err := s.broker.Publish(ctx, event); err != nil {
			log.WithError(err).WithField("session_id", event.SessionID).Warn("failed to publish live event")
		}
	}
}

// Record appends an event for an emitter scope, deriving the source from the type.
func (s *Store) Record(ctx context.Context, scope domain.EventScope, t domain.EventType, payload any) error {
	_, err := s.Append(ctx, AppendParams{
		SessionID: scope.SessionID,
		RunID:     scope.RunID,
		Type:      t,
		Source:    SourceFor(t, scope),
		Payload:   payload,
	})
	return err
}

// Query returns session events with seq > sinceSeq in seq order.
func (s *Store) Query(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]*domain.SessionEvent, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required: %w", domain.ErrValidation)
	}
	return s.db.ListEvents(ctx, domain.EventFilter{SessionID: sessionID, SinceSeq: sinceSeq, Limit: normalizeLimit(limit)})
}

// QueryByRun returns the events of one run; seq values stay session-global.
func (s *Store) QueryByRun(ctx context.Context, runID string, sinceSeq int64, limit int) ([]*domain.SessionEvent, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required: %w", domain.ErrValidation)
	}
	return s.db.ListEvents(ctx, domain.EventFilter{RunID: runID, SinceSeq: sinceSeq, Limit: normalizeLimit(limit)})
}

// Subscribe opens a live subscription for a session.
func (s *Store) Subscribe(ctx context.Context, sessionID string) (*live.Subscription, error) {
	if s.broker == nil {
		return nil, fmt.Errorf("live channel not configured")
	}
	return s.broker.Subscribe(ctx, sessionID)
}

// IsExcluded reports whether events of type t skip persistence.
func (s *Store) IsExcluded(t domain.EventType) bool {
	_, ok := s.excluded[t]
	return ok
}

func (s *Store) build(p AppendParams) (*domain.SessionEvent, error) {
	if p.SessionID == "" {
		return nil, fmt.Errorf("event %s: session_id is required: %w", p.Type, domain.ErrValidation)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("event type is required: %w", domain.ErrValidation)
	}
	if p.RunID == "" && p.Type.IsRunScoped() {
		return nil, fmt.Errorf("event %s is run-scoped and requires run_id: %w", p.Type, domain.ErrValidation)
	}
	payload, err := marshalPayload(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	source := p.Source
	if source == "" {
		source = SourceFor(p.Type, domain.EventScope{RunID: p.RunID})
	}
	return &domain.SessionEvent{
		EventID:   "evt_" + uuid.New().String(),
		SessionID: p.SessionID,
		RunID:     p.RunID,
		Type:      p.Type,
		Source:    source,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}, nil
}

// SourceFor derives the event source of a type.
func SourceFor(t domain.EventType, scope domain.EventScope) domain.EventSource {
	name := string(t)
	switch {
	case strings.HasPrefix(name, "run_"):
		return domain.EventSourceRun
	case strings.HasPrefix(name, "plan_"):
		return domain.EventSourcePlan
	case strings.HasPrefix(name, "task_"), scope.TaskID != "":
		return domain.EventSourceTask
	case scope.RunID != "":
		return domain.EventSourceRun
	}
	return domain.EventSourceSession
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(v)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultQueryLimit {
		return DefaultQueryLimit
	}
	return limit
}
