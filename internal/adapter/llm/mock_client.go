package llm

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Fault is a failure the mock client injects instead of answering.
type Fault string

const (
	FaultNone       Fault = ""
	FaultTimeout    Fault = "timeout"
	FaultConnection Fault = "connection"
	FaultMalformed  Fault = "malformed"
)

// ToolDirective is the prefix of a user message line that makes the mock
// answer with a tool call, e.g. "/tool fs.read_file {"path":"a.txt"}".
const ToolDirective = "/tool "

// MockClient is a deterministic LLMClient for tests and GOGO_MODE=MOCK.
type MockClient struct {
	mu     sync.Mutex
	faults []Fault // consumed one per call; the last one sticks
	reply  string
	delay  time.Duration
	calls  atomic.Int64
}

// MockOption configures a MockClient.
type MockOption func(*MockClient)

// WithFaults injects faults for successive calls. The last fault repeats.
func WithFaults(faults ...Fault) MockOption {
	return func(m *MockClient) { m.faults = faults }
}

// WithReply fixes the assistant content.
func WithReply(content string) MockOption {
	return func(m *MockClient) { m.reply = content }
}

// WithDelay sleeps before answering.
func WithDelay(d time.Duration) MockOption {
	return func(m *MockClient) { m.delay = d }
}

// NewMockClient creates a new mock LLM client.
func NewMockClient(opts ...MockOption) *MockClient {
	m := &MockClient{}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Ensure MockClient implements LLMClient interface.
var _ LLMClient = (*MockClient)(nil)

// Calls returns how many completions were requested.
func (m *MockClient) Calls() int64 {
	return m.calls.Load()
}

func (m *MockClient) nextFault() Fault {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.faults) == 0 {
		return FaultNone
	}
	f := m.faults[0]
	if len(m.faults) > 1 {
		m.faults = m.faults[1:]
	}
	return f
}

func (m *MockClient) inject(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	switch m.nextFault() {
	case FaultTimeout:
		if _, ok := ctx.Deadline(); ok {
			<-ctx.Done()
			return ctx.Err()
		}
		return context.DeadlineExceeded
	case FaultConnection:
		return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	case FaultMalformed:
		return fmt.Errorf("%w: mock injected", ErrMalformedResponse)
	}
	return nil
}

// CreateChatCompletion returns a mock response.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	m.calls.Add(1)
	if err := m.inject(ctx); err != nil {
		return nil, err
	}

	msg := m.respond(req)
	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      msg,
				FinishReason: finishReason(msg),
			},
		},
		Usage: &Usage{
			PromptTokens:     m.estimateTokens(req),
			CompletionTokens: len(msg.Content) / 4,
			TotalTokens:      m.estimateTokens(req) + len(msg.Content)/4,
		},
		SystemFingerprint: "mock-fp",
	}, nil
}

// CreateChatCompletionStream simulates a streaming response.
func (m *MockClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	m.calls.Add(1)
	if err := m.inject(ctx); err != nil {
		return nil, err
	}

	msg := m.respond(req)
	id := fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()

	chunks := splitIntoChunks(msg.Content, 10)
	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		reason := ""
		if i == len(chunks)-1 {
			reason = "stop"
		}
		err := callback(&StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []Choice{
				{
					Index:        0,
					Delta:        &ChatMessage{Role: "assistant", Content: chunk},
					FinishReason: reason,
				},
			},
			SystemFingerprint: "mock-fp",
		})
		if err != nil {
			return nil, err
		}
	}

	return &Usage{
		PromptTokens:     m.estimateTokens(req),
		CompletionTokens: len(msg.Content) / 4,
		TotalTokens:      m.estimateTokens(req) + len(msg.Content)/4,
	}, nil
}

// ListModels returns a list of mock models.
func (m *MockClient) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{
		{ID: "mock-gpt-4", Object: "model", Created: time.Now().Unix(), OwnedBy: "mock"},
		{ID: "mock-gpt-3.5-turbo", Object: "model", Created: time.Now().Unix(), OwnedBy: "mock"},
	}, nil
}

// respond builds the assistant message. A ToolDirective line in the last user
// message yields a tool call until the conversation holds a tool result.
func (m *MockClient) respond(req *ChatCompletionRequest) *ChatMessage {
	var lastUser string
	toolAnswered := false
	for i := len(req.Messages) - 1; i >= 0; i-- {
		switch req.Messages[i].Role {
		case "tool":
			toolAnswered = true
		case "user":
			if lastUser == "" {
				lastUser = req.Messages[i].Content
			}
		}
	}

	if !toolAnswered && len(req.Tools) > 0 {
		if name, args, ok := parseToolDirective(lastUser); ok {
			return &ChatMessage{
				Role: "assistant",
				ToolCalls: []ToolCall{{
					ID:       fmt.Sprintf("call_%d", m.calls.Load()),
					Type:     "function",
					Function: ToolCallFunction{Name: name, Arguments: args},
				}},
			}
		}
	}

	if m.reply != "" {
		return &ChatMessage{Role: "assistant", Content: m.reply}
	}
	if lastUser == "" {
		return &ChatMessage{Role: "assistant", Content: "[MOCK] This is a mock response from the LLM client."}
	}
	return &ChatMessage{
		Role:    "assistant",
		Content: fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUser, 100)),
	}
}

func parseToolDirective(content string) (name, args string, ok bool) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, ToolDirective) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, ToolDirective))
		name, args, _ = strings.Cut(rest, " ")
		if args = strings.TrimSpace(args); args == "" {
			args = "{}"
		}
		return name, args, name != ""
	}
	return "", "", false
}

func finishReason(msg *ChatMessage) string {
	if len(msg.ToolCalls) > 0 {
		return "tool_calls"
	}
	return "stop"
}

// estimateTokens provides a rough token count estimate.
func (m *MockClient) estimateTokens(req *ChatCompletionRequest) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	return total
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return []string{""}
	}

	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
