// Package llm talks to OpenAI-compatible chat completion backends.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// LLMClient is one model backend behind a pool candidate.
type LLMClient interface {
	CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)
	// CreateChatCompletionStream calls callback per chunk and returns the
	// usage reported by the final chunk, if any.
	CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error)
	ListModels(ctx context.Context) ([]Model, error)
}

var _ LLMClient = (*Client)(nil)

const (
	AdapterLiteLLM = "litellm"
	AdapterOpenAI  = "openai"
	AdapterMock    = "mock"
)

// Settings selects and configures one client.
type Settings struct {
	Adapter string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewLLMClient creates the client for an adapter name. An empty adapter means LiteLLM.
func NewLLMClient(s Settings) (LLMClient, error) {
	switch strings.ToLower(s.Adapter) {
	case AdapterMock:
		log.Debug("using mock LLM client")
		return NewMockClient(), nil
	case "", AdapterLiteLLM, AdapterOpenAI:
		if s.BaseURL == "" {
			return nil, fmt.Errorf("adapter %q requires a base url", s.Adapter)
		}
		return NewClient(s.BaseURL, s.APIKey, s.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown llm adapter %q", s.Adapter)
	}
}
