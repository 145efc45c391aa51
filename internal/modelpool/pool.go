// Package modelpool resolves logical model roles to backend candidates and
// falls back across them when a backend misbehaves.
package modelpool

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/metrics"
)

const (
	DefaultMaxAttempts  = 3
	DefaultBlacklistTTL = 60 * time.Second
)

// Recorder records pool events.
type Recorder interface {
	Record(ctx context.Context, scope domain.EventScope, t domain.EventType, payload any) error
}

// InvokeFunc performs one call against a candidate.
type InvokeFunc func(ctx context.Context, c *Candidate) error

// Option configures a Pool.
type Option func(*Pool)

// WithMaxAttempts caps the candidates tried per call.
func WithMaxAttempts(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBlacklistTTL sets how long a failed candidate is skipped.
func WithBlacklistTTL(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.ttl = d
		}
	}
}

// WithRecorder records model_* events.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool routes role requests to candidates. The candidate lists are fixed at
// construction; only per-candidate counters change afterwards.
type Pool struct {
	roles       map[domain.ModelRole][]*Candidate
	maxAttempts int
	ttl         time.Duration
	recorder    Recorder
	metrics     *metrics.Metrics
	now         func() time.Time
}

// New builds a pool. Candidates are ordered by descending priority; ties keep
// their given order.
func New(roles map[domain.ModelRole][]*Candidate, opts ...Option) (*Pool, error) {
	p := &Pool{
		roles:       make(map[domain.ModelRole][]*Candidate, len(roles)),
		maxAttempts: DefaultMaxAttempts,
		ttl:         DefaultBlacklistTTL,
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	for role, cands := range roles {
		if !role.Valid() {
			return nil, fmt.Errorf("unknown model role %q: %w", role, domain.ErrValidation)
		}
		seen := make(map[string]bool, len(cands))
		for _, c := range cands {
			if c.Name == "" || seen[c.Name] {
				return nil, fmt.Errorf("role %s: candidate names must be unique and non-empty: %w", role, domain.ErrValidation)
			}
			seen[c.Name] = true
		}
		sorted := append([]*Candidate(nil), cands...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
		p.roles[role] = sorted
	}
	return p, nil
}

// MaxAttempts returns the per-call attempt cap.
func (p *Pool) MaxAttempts() int {
	return p.maxAttempts
}

// Resolve returns the highest-priority available candidate for role that
// supports every capability in caps.
func (p *Pool) Resolve(role domain.ModelRole, caps ...domain.Capability) (*Candidate, error) {
	return p.resolve(role, caps, nil)
}

func (p *Pool) resolve(role domain.ModelRole, caps []domain.Capability, tried map[string]bool) (*Candidate, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown model role %q: %w", role, domain.ErrValidation)
	}
	now := p.now()
	for _, c := range p.roles[role] {
		if tried[c.Name] || !c.Available(now) || !c.Supports(caps...) {
			continue
		}
		return c, nil
	}
	return nil, &domain.ModelUnavailableError{Role: role}
}

// RunWithFallback calls invoke with successive candidates until one succeeds,
// the failure is not fallback-worthy, or the attempts are exhausted. Each
// attempt runs under the candidate's own timeout when one is set.
func (p *Pool) RunWithFallback(ctx context.Context, scope domain.EventScope, role domain.ModelRole, caps []domain.Capability, invoke InvokeFunc) (*Candidate, error) {
	tried := make(map[string]bool)
	var lastErr error
	attempts := 0

	for attempts < p.maxAttempts {
		c, err := p.resolve(role, caps, tried)
		if err != nil {
			if lastErr == nil {
				// nothing matched at all
				lastErr = err
			}
			break
		}
		attempts++
		tried[c.Name] = true

		p.metrics.ModelSelected(string(role), c.Name)
		p.record(ctx, scope, domain.EventTypeModelSelected, domain.ModelPayload{
			Role: role, Candidate: c.Name, Model: c.Model, TaskID: scope.TaskID, Attempt: attempts,
		})

		start := p.now()
		err = p.attempt(ctx, c, invoke)
		latency := p.now().Sub(start)
		if err == nil {
			p.record(ctx, scope, domain.EventTypeModelServed, domain.ModelPayload{
				Role: role, Candidate: c.Name, Model: c.Model, TaskID: scope.TaskID, Attempt: attempts,
				LatencyMs: latency.Milliseconds(),
			})
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		reason, fallback := Classify(err)
		if !fallback {
			return c, err
		}
		c.markFailed(p.now(), p.ttl)
		lastErr = err
		p.metrics.ModelFallback(string(role), c.Name, reason)
		log.WithFields(log.Fields{
			"role":      role,
			"candidate": c.Name,
			"reason":    reason,
			"attempt":   attempts,
		}).WithError(err).Warn("model candidate failed, falling back")
		p.record(ctx, scope, domain.EventTypeModelFallback, domain.ModelPayload{
			Role: role, Candidate: c.Name, Model: c.Model, TaskID: scope.TaskID, Attempt: attempts,
			Reason: reason, LatencyMs: latency.Milliseconds(),
		})
	}

	p.metrics.ModelExhausted(string(role))
	unavailable := &domain.ModelUnavailableError{Role: role, Attempts: attempts, Last: lastErr}
	p.record(ctx, scope, domain.EventTypeModelUnavailable, domain.ModelPayload{
		Role: role, TaskID: scope.TaskID, Attempt: attempts, Reason: unavailable.Error(),
	})
	return nil, unavailable
}

func (p *Pool) attempt(ctx context.Context, c *Candidate, invoke InvokeFunc) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return invoke(ctx, c)
}

// Complete runs a chat completion for role with fallback. The request's model
// is replaced by each candidate's model.
func (p *Pool) Complete(ctx context.Context, scope domain.EventScope, role domain.ModelRole, caps []domain.Capability, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, *Candidate, error) {
	var resp *llm.ChatCompletionResponse
	c, err := p.RunWithFallback(ctx, scope, role, caps, func(ctx context.Context, c *Candidate) error {
		attempt := *req
		attempt.Model = c.Model
		r, err := c.Client().CreateChatCompletion(ctx, &attempt)
		if err != nil {
			return err
		}
		if err := llm.ValidateResponse(r); err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, c, err
	}
	return resp, c, nil
}

// Stream runs a streaming chat completion for role with fallback. Once a
// chunk reached cb the call is bound to its candidate and a later failure is
// returned without falling back.
func (p *Pool) Stream(ctx context.Context, scope domain.EventScope, role domain.ModelRole, caps []domain.Capability, req *llm.ChatCompletionRequest, cb llm.StreamCallback) (*llm.Usage, *Candidate, error) {
	var usage *llm.Usage
	c, err := p.RunWithFallback(ctx, scope, role, caps, func(ctx context.Context, c *Candidate) error {
		attempt := *req
		attempt.Model = c.Model
		attempt.Stream = true
		delivered := false
		u, err := c.Client().CreateChatCompletionStream(ctx, &attempt, func(chunk *llm.StreamChunk) error {
			delivered = true
			return cb(chunk)
		})
		if err != nil && delivered {
			return fmt.Errorf("stream from %s interrupted: %v", c.Name, err)
		}
		usage = u
		return err
	})
	if err != nil {
		return nil, c, err
	}
	return usage, c, nil
}

func (p *Pool) record(ctx context.Context, scope domain.EventScope, t domain.EventType, payload domain.ModelPayload) {
	if p.recorder == nil || scope.SessionID == "" {
		return
	}
	if err := p.recorder.Record(ctx, scope, t, payload); err != nil {
		log.WithError(err).WithField("event_type", t).Warn("failed to record model pool event")
	}
}

// CandidateStatus is a point-in-time view of one candidate.
type CandidateStatus struct {
	Name             string              `json:"name"`
	Model            string              `json:"model"`
	Priority         int                 `json:"priority"`
	Capabilities     []domain.Capability `json:"capabilities"`
	FailureCount     int64               `json:"failure_count"`
	Available        bool                `json:"available"`
	BlacklistedUntil *time.Time          `json:"blacklisted_until,omitempty"`
}

// RoleStatus lists the candidates of one role.
type RoleStatus struct {
	Role       domain.ModelRole  `json:"role"`
	Candidates []CandidateStatus `json:"candidates"`
}

// Status reports every role in KnownModelRoles order.
func (p *Pool) Status() []RoleStatus {
	now := p.now()
	var out []RoleStatus
	for _, role := range domain.KnownModelRoles() {
		rs := RoleStatus{Role: role, Candidates: []CandidateStatus{}}
		for _, c := range p.roles[role] {
			cs := CandidateStatus{
				Name:         c.Name,
				Model:        c.Model,
				Priority:     c.Priority,
				Capabilities: c.Capabilities,
				FailureCount: c.FailureCount(),
				Available:    c.Available(now),
			}
			if until := c.BlacklistedUntil(); !cs.Available {
				cs.BlacklistedUntil = &until
			}
			rs.Candidates = append(rs.Candidates, cs)
		}
		out = append(out, rs)
	}
	return out
}
