// Package tools holds the tool registry and runs tool calls through the
// policy hooks.
package tools

import (
	"context"
	"encoding/json"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/cancel"
	"github.com/xiaot623/gogo/internal/domain"
)

// Invoke statuses.
const (
	StatusSucceeded = "succeeded"
	StatusBlocked   = "blocked"
	StatusFailed    = "failed"
)

// Policy is the pair of hooks run around every tool call.
type Policy interface {
	PreToolUse(ctx context.Context, tc domain.ToolContext, toolName string, args json.RawMessage) (*domain.PolicyResult, error)
	PostToolUse(ctx context.Context, tc domain.ToolContext, toolName string, output json.RawMessage) (*domain.PolicyResult, error)
}

// Invoker executes registered tools between the pre and post hooks.
type Invoker struct {
	registry *Registry
	policy   Policy
}

// NewInvoker creates an invoker. A nil policy runs tools unchecked.
func NewInvoker(registry *Registry, policy Policy) *Invoker {
	return &Invoker{registry: registry, policy: policy}
}

// Registry returns the registry the invoker executes from.
func (i *Invoker) Registry() *Registry {
	return i.registry
}

// Invoke runs one tool call. A triggered token stops the call before it
// starts. The returned response is always non-nil when err is a policy
// violation or a tool failure, so callers can report it as is.
// ask_user surfaces as *InputRequiredError after the pre hook passed.
func (i *Invoker) Invoke(ctx context.Context, tc domain.ToolContext, token *cancel.Token, toolName string, args json.RawMessage) (*domain.ToolInvokeResponse, error) {
	if err := token.Err(); err != nil {
		return nil, err
	}
	logger := log.WithFields(log.Fields{"tool_name": toolName, "run_id": tc.RunID, "task_id": tc.TaskID})

	var findings []domain.Finding
	if i.policy != nil {
		pre, err := i.policy.PreToolUse(ctx, tc, toolName, args)
		if pre != nil {
			findings = append(findings, pre.Findings...)
			args = pre.Payload
		}
		if err != nil {
			return blocked(findings, err), err
		}
	}

	output, err := i.registry.Execute(ctx, toolName, args)
	if err != nil {
		var input *InputRequiredError
		if errors.As(err, &input) {
			return nil, err
		}
		logger.WithError(err).Warn("tool execution failed")
		code := "tool_error"
		if errors.Is(err, ErrUnknownTool) {
			code = "unknown_tool"
		} else if errors.Is(err, ErrInvalidArgs) {
			code = "invalid_arguments"
		}
		return &domain.ToolInvokeResponse{
			Status:   StatusFailed,
			Findings: findings,
			Error:    &domain.ToolError{Code: code, Message: err.Error()},
		}, err
	}

	resp := &domain.ToolInvokeResponse{Status: StatusSucceeded, Result: output}
	if i.policy != nil {
		post, err := i.policy.PostToolUse(ctx, tc, toolName, output)
		if post != nil {
			findings = append(findings, post.Findings...)
			resp.Result = post.Payload
			resp.Truncated = post.Truncated
		}
		if err != nil {
			return blocked(findings, err), err
		}
	}
	resp.Findings = findings
	logger.WithField("truncated", resp.Truncated).Debug("tool call succeeded")
	return resp, nil
}

func blocked(findings []domain.Finding, err error) *domain.ToolInvokeResponse {
	return &domain.ToolInvokeResponse{
		Status:   StatusBlocked,
		Findings: findings,
		Error:    &domain.ToolError{Code: domain.ErrorCode(err), Message: err.Error()},
	}
}
