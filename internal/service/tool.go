package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/cancel"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/tools"
)

// InvokeTool runs a tool on behalf of a non-terminal run through the policy
// hooks. A blocked or failed call returns its response together with the
// error. ask_user cannot be invoked directly; it needs a plan to suspend.
func (s *Service) InvokeTool(ctx context.Context, toolName string, req domain.ToolInvokeRequest) (*domain.ToolInvokeResponse, error) {
	if s.invoker == nil {
		return nil, fmt.Errorf("tools are not configured: %w", tools.ErrUnknownTool)
	}
	if req.RunID == "" {
		return nil, fmt.Errorf("run_id is required: %w", domain.ErrValidation)
	}
	run, err := s.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if req.SessionID != "" && req.SessionID != run.SessionID {
		return nil, fmt.Errorf("run %s does not belong to session %s: %w", run.RunID, req.SessionID, domain.ErrValidation)
	}
	if run.Status.IsTerminal() {
		return nil, &domain.InvalidTransitionError{Entity: "run", ID: run.RunID, From: string(run.Status), To: "tool_call"}
	}

	token := s.tokenFor(run.RunID)
	tc := domain.ToolContext{SessionID: run.SessionID, RunID: run.RunID, TaskID: req.TaskID}
	resp, err := s.invoker.Invoke(ctx, tc, token, toolName, req.Args)
	var input *tools.InputRequiredError
	if errors.As(err, &input) {
		return nil, fmt.Errorf("%s requires a suspendable task: %w", toolName, domain.ErrValidation)
	}
	return resp, err
}

// tokenFor returns the cancel token of a run executing here, or nil.
func (s *Service) tokenFor(runID string) *cancel.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.active[runID]; ok {
		return ex.token
	}
	return nil
}

// ListTools returns the definitions of the registered tools.
func (s *Service) ListTools() []llm.Tool {
	if s.invoker == nil {
		return nil
	}
	return s.invoker.Registry().Definitions()
}
