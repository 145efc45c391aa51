package service

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/domain"
)

// ProxyChatCompletion serves a chat completion through the model pool. The
// scope ties model events to a session and run when the caller names them.
func (s *Service) ProxyChatCompletion(ctx context.Context, scope domain.EventScope, role domain.ModelRole, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	scope, role, err := s.proxyScope(ctx, scope, role)
	if err != nil {
		return nil, err
	}
	resp, cand, err := s.pool.Complete(ctx, scope, role, nil, req)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"role": role, "candidate": cand.Name, "run_id": scope.RunID}).Debug("proxied chat completion")
	return resp, nil
}

// ProxyChatCompletionStream streams a chat completion through the model
// pool. Content deltas of a run are published live but not persisted.
func (s *Service) ProxyChatCompletionStream(ctx context.Context, scope domain.EventScope, role domain.ModelRole, req *llm.ChatCompletionRequest, callback llm.StreamCallback) error {
	scope, role, err := s.proxyScope(ctx, scope, role)
	if err != nil {
		return err
	}
	wrapped := func(chunk *llm.StreamChunk) error {
		if scope.RunID != "" {
			for _, choice := range chunk.Choices {
				if choice.Delta == nil || choice.Delta.Content == "" {
					continue
				}
				if err := s.events.Record(ctx, scope, domain.EventTypeLLMStreamDelta, domain.StreamDeltaPayload{
					TaskID: scope.TaskID,
					Text:   choice.Delta.Content,
				}); err != nil {
					log.WithError(err).Debug("failed to publish stream delta")
				}
			}
		}
		return callback(chunk)
	}
	_, _, err = s.pool.Stream(ctx, scope, role, nil, req, wrapped)
	return err
}

func (s *Service) proxyScope(ctx context.Context, scope domain.EventScope, role domain.ModelRole) (domain.EventScope, domain.ModelRole, error) {
	if s.pool == nil {
		return scope, role, fmt.Errorf("model pool is not configured: %w", domain.ErrModelUnavailable)
	}
	if role == "" {
		role = domain.ModelRoleWriter
	}
	if !role.Valid() {
		return scope, role, fmt.Errorf("unknown model role %q: %w", role, domain.ErrValidation)
	}
	if scope.RunID == "" {
		return scope, role, nil
	}
	run, err := s.GetRun(ctx, scope.RunID)
	if err != nil {
		return scope, role, err
	}
	if scope.SessionID != "" && scope.SessionID != run.SessionID {
		return scope, role, fmt.Errorf("run %s does not belong to session %s: %w", run.RunID, scope.SessionID, domain.ErrValidation)
	}
	scope.SessionID = run.SessionID
	return scope, role, nil
}

// ListModels lists the model roles served by the pool. Proxy clients pass a
// role as the model name.
func (s *Service) ListModels(ctx context.Context) ([]llm.Model, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("model pool is not configured: %w", domain.ErrModelUnavailable)
	}
	created := s.now().Unix()
	models := []llm.Model{}
	for _, rs := range s.pool.Status() {
		if len(rs.Candidates) == 0 {
			continue
		}
		models = append(models, llm.Model{
			ID:      string(rs.Role),
			Object:  "model",
			Created: created,
			OwnedBy: "model-pool",
		})
	}
	return models, nil
}
