package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/idempotency"
)

// Reply is a successful response of a keyed request.
type Reply struct {
	StatusCode int
	Body       json.RawMessage
	// Replayed is set when the reply was stored by an earlier request.
	Replayed bool
}

// Idempotent runs fn once per key. A later call with the same key gets the
// stored reply instead. Failed calls are not stored and may be retried.
// An empty key, or no configured store, runs fn every time.
func (s *Service) Idempotent(ctx context.Context, key string, fn func() (int, any, error)) (*Reply, error) {
	if key == "" || s.idem == nil {
		return s.reply(fn)
	}

	rec, err := s.idem.Get(ctx, key)
	switch {
	case err == nil:
		return &Reply{StatusCode: rec.StatusCode, Body: rec.Body, Replayed: true}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}

	unlock := s.locks.Lock("idem:" + key)
	defer unlock()
	// A concurrent request with the key may have finished while we waited.
	if rec, err := s.idem.Get(ctx, key); err == nil {
		return &Reply{StatusCode: rec.StatusCode, Body: rec.Body, Replayed: true}, nil
	}

	reply, err := s.reply(fn)
	if err != nil {
		return nil, err
	}
	stored, err := s.idem.Put(ctx, idempotency.NewRecord(key, reply.StatusCode, reply.Body, s.now(), s.cfg.IdempotencyTTL))
	if err != nil {
		log.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent reply")
	} else if !stored {
		log.WithField("idempotency_key", key).Debug("idempotent reply stored by another replica")
	}
	return reply, nil
}

func (s *Service) reply(fn func() (int, any, error)) (*Reply, error) {
	status, v, err := fn()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reply: %w", err)
	}
	return &Reply{StatusCode: status, Body: body}, nil
}

// CreateRunKey scopes an Idempotency-Key of a create request to its session.
func CreateRunKey(sessionID, key string) string {
	if key == "" {
		return ""
	}
	return "create:" + sessionID + ":" + key
}

// ResumeRunKey scopes an Idempotency-Key of a resume request to its run.
func ResumeRunKey(runID, key string) string {
	if key == "" {
		return ""
	}
	return "resume:" + runID + ":" + key
}
