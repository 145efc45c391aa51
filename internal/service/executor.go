package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/config"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/modelpool"
	"github.com/xiaot623/gogo/internal/scheduler"
	"github.com/xiaot623/gogo/internal/tools"
)

const defaultMaxToolRounds = 8

const systemPrompt = "You are an agent executing one task of a plan. " +
	"Use the provided tools when needed and reply with the task result."

const validatorPrompt = "You are a validator. Check the results of the dependent tasks. " +
	`Reply with JSON {"verdict":"pass"|"fail","reason":"..."}.`

// Recorder appends events on behalf of a task.
type Recorder interface {
	Record(ctx context.Context, scope domain.EventScope, t domain.EventType, payload any) error
}

// TaskExecutor runs a task as a conversation with the model bound to its
// agent role. Tool calls go through the invoker, and validator tasks pass
// the verify gate.
type TaskExecutor struct {
	pool          *modelpool.Pool
	invoker       *tools.Invoker
	recorder      Recorder
	features      config.FeatureFlags
	maxToolRounds int
}

var _ scheduler.Executor = (*TaskExecutor)(nil)

// NewTaskExecutor creates a task executor. invoker may be nil, in which case
// the model is offered no tools.
func NewTaskExecutor(pool *modelpool.Pool, invoker *tools.Invoker, recorder Recorder, features config.FeatureFlags) *TaskExecutor {
	if features.VerifyFailureMode == "" {
		features.VerifyFailureMode = domain.VerifyFailureFail
	}
	return &TaskExecutor{
		pool:          pool,
		invoker:       invoker,
		recorder:      recorder,
		features:      features,
		maxToolRounds: defaultMaxToolRounds,
	}
}

// roleFor maps an agent role to the model role serving it. Unknown roles
// are served by the writer.
func roleFor(agentRole string) domain.ModelRole {
	role := domain.ModelRole(agentRole)
	if role.Valid() {
		return role
	}
	return domain.ModelRoleWriter
}

func (e *TaskExecutor) Execute(ctx context.Context, tc *scheduler.TaskContext) (json.RawMessage, error) {
	role := roleFor(tc.Task.AgentRole)
	if role == domain.ModelRoleValidator {
		if !e.features.VerifyGateEnabled {
			e.record(ctx, tc, domain.EventTypeVerifySkipped, domain.VerifyPayload{TaskID: tc.Task.TaskID, Reason: "verify gate disabled"})
			return json.Marshal(taskResult{Verdict: "skipped"})
		}
		if decision, ok := approvalFrom(tc.Input); ok {
			return e.approve(ctx, tc, decision)
		}
	}

	content, model, err := e.converse(ctx, tc, role)
	if err != nil {
		return nil, err
	}
	if role == domain.ModelRoleValidator {
		return e.verify(ctx, tc, content, model)
	}
	return json.Marshal(taskResult{Content: content, Model: model})
}

type taskResult struct {
	Content string `json:"content,omitempty"`
	Model   string `json:"model,omitempty"`
	Verdict string `json:"verdict,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// converse runs the tool call loop and returns the final assistant content.
func (e *TaskExecutor) converse(ctx context.Context, tc *scheduler.TaskContext, role domain.ModelRole) (string, string, error) {
	prompt := systemPrompt
	if role == domain.ModelRoleValidator {
		prompt = validatorPrompt
	}
	messages := []llm.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: taskMessage(tc)},
	}
	var defs []llm.Tool
	if e.invoker != nil {
		defs = e.invoker.Registry().Definitions()
	}

	for round := 0; round < e.maxToolRounds; round++ {
		if err := tc.Token.Err(); err != nil {
			return "", "", err
		}
		req := &llm.ChatCompletionRequest{Messages: messages, Tools: defs}
		resp, cand, err := e.pool.Complete(ctx, tc.Scope, role, nil, req)
		if err != nil {
			return "", "", err
		}
		msg := resp.Message()
		if msg == nil {
			return "", "", fmt.Errorf("model %s returned no message", cand.Name)
		}
		if len(msg.ToolCalls) == 0 {
			return msg.Content, cand.Model, nil
		}

		messages = append(messages, *msg)
		for _, call := range msg.ToolCalls {
			out, err := e.callTool(ctx, tc, call)
			if err != nil {
				return "", "", err
			}
			messages = append(messages, llm.ChatMessage{
				Role:       "tool",
				Name:       call.Function.Name,
				ToolCallID: call.ID,
				Content:    out,
			})
		}
	}
	return "", "", scheduler.Permanent(fmt.Errorf("task %s exceeded %d tool rounds: %w", tc.Task.TaskID, e.maxToolRounds, domain.ErrValidation))
}

// callTool runs one tool call and returns the tool message content. Policy
// denials and tool failures are reported to the model, not to the scheduler.
func (e *TaskExecutor) callTool(ctx context.Context, tc *scheduler.TaskContext, call llm.ToolCall) (string, error) {
	name := call.Function.Name
	if name == tools.AskUser && len(tc.Input) > 0 {
		return string(tc.Input), nil
	}
	if e.invoker == nil {
		return "", scheduler.Permanent(fmt.Errorf("tool %s requested but no tools are configured: %w", name, tools.ErrUnknownTool))
	}

	toolCtx := domain.ToolContext{SessionID: tc.Scope.SessionID, RunID: tc.Scope.RunID, TaskID: tc.Task.TaskID}
	resp, err := e.invoker.Invoke(ctx, toolCtx, tc.Token, name, json.RawMessage(call.Function.Arguments))
	var input *tools.InputRequiredError
	switch {
	case errors.As(err, &input):
		return "", scheduler.Interrupt(tools.AskUser, input.Prompt)
	case errors.Is(err, domain.ErrCancelled):
		return "", err
	case resp == nil && err != nil:
		return "", err
	}

	data, merr := json.Marshal(resp)
	if merr != nil {
		return "", merr
	}
	if err != nil {
		log.WithFields(log.Fields{"task_id": tc.Task.TaskID, "tool_name": name, "status": resp.Status}).
			WithError(err).Info("tool call reported to model")
	}
	return string(data), nil
}

func taskMessage(tc *scheduler.TaskContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", tc.Task.Title)
	if len(tc.Task.Input) > 0 {
		fmt.Fprintf(&b, "Input:\n%s\n", inputText(tc.Task.Input))
	}
	for _, dep := range tc.Task.DependsOn {
		if res, ok := tc.DepResults[dep]; ok {
			fmt.Fprintf(&b, "Result of %s:\n%s\n", dep, res)
		}
	}
	return b.String()
}

// inputText renders a JSON string input as plain text.
func inputText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}

// verify applies the enabled verify gate to a validator reply.
func (e *TaskExecutor) verify(ctx context.Context, tc *scheduler.TaskContext, content, model string) (json.RawMessage, error) {
	taskID := tc.Task.TaskID
	e.record(ctx, tc, domain.EventTypeVerifyStart, domain.VerifyPayload{TaskID: taskID})
	pass, reason := parseVerdict(content)
	if pass {
		e.record(ctx, tc, domain.EventTypeVerifyPass, domain.VerifyPayload{TaskID: taskID, Reason: reason})
		return json.Marshal(taskResult{Content: content, Model: model, Verdict: "pass", Reason: reason})
	}

	e.record(ctx, tc, domain.EventTypeVerifyFail, domain.VerifyPayload{TaskID: taskID, Reason: reason})
	if e.features.VerifyFailureMode == domain.VerifyFailureWaitInput {
		prompt, _ := json.Marshal(map[string]string{
			"question": "Verification failed. Approve the results anyway?",
			"reason":   reason,
		})
		return nil, scheduler.Interrupt("verify_failed", prompt)
	}
	return nil, scheduler.Permanent(fmt.Errorf("task %s: %s: %w", taskID, reason, domain.ErrVerificationFailed))
}

// approve settles a verification that waited for the user.
func (e *TaskExecutor) approve(ctx context.Context, tc *scheduler.TaskContext, approved bool) (json.RawMessage, error) {
	taskID := tc.Task.TaskID
	if !approved {
		return nil, scheduler.Permanent(fmt.Errorf("task %s: rejected on review: %w", taskID, domain.ErrVerificationFailed))
	}
	e.record(ctx, tc, domain.EventTypeVerifyPass, domain.VerifyPayload{TaskID: taskID, Reason: "approved on review"})
	return json.Marshal(taskResult{Verdict: "pass", Reason: "approved on review"})
}

func (e *TaskExecutor) record(ctx context.Context, tc *scheduler.TaskContext, t domain.EventType, payload any) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, tc.Scope, t, payload); err != nil {
		log.WithError(err).WithField("event_type", t).Warn("failed to record verify event")
	}
}

// approvalFrom reads {"approved": bool} from resume input.
func approvalFrom(input json.RawMessage) (bool, bool) {
	if len(input) == 0 {
		return false, false
	}
	var v struct {
		Approved *bool `json:"approved"`
	}
	if err := json.Unmarshal(input, &v); err != nil || v.Approved == nil {
		return false, false
	}
	return *v.Approved, true
}

// parseVerdict reads a validator reply. JSON replies carry the verdict;
// otherwise a reply starting with FAIL fails and anything else passes.
func parseVerdict(content string) (bool, string) {
	trimmed := strings.TrimSpace(content)
	var v struct {
		Verdict string `json:"verdict"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil && v.Verdict != "" {
		return !strings.EqualFold(v.Verdict, "fail"), v.Reason
	}
	first, rest, _ := strings.Cut(trimmed, " ")
	if strings.EqualFold(strings.TrimRight(first, ":"), "FAIL") {
		return false, strings.TrimSpace(rest)
	}
	return true, ""
}
