package modelpool

import (
	"fmt"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/config"
	"github.com/xiaot623/gogo/internal/domain"
)

// ClientFactory builds the backend client for a candidate.
type ClientFactory func(llm.Settings) (llm.LLMClient, error)

var allCapabilities = []domain.Capability{
	domain.CapabilityVision,
	domain.CapabilityJSONMode,
	domain.CapabilityTools,
	domain.CapabilityStreaming,
}

// FromConfig builds a pool from configuration. Roles without configured
// candidates get a single "default" candidate from the global LLM settings.
func FromConfig(cfg config.ModelPoolConfig, defaults config.LLMConfig, factory ClientFactory, opts ...Option) (*Pool, error) {
	if factory == nil {
		factory = llm.NewLLMClient
	}
	roles := make(map[domain.ModelRole][]*Candidate)
	for _, role := range domain.KnownModelRoles() {
		specs := cfg.Roles[role]
		if len(specs) == 0 {
			specs = []config.CandidateConfig{{
				Name:         "default",
				Model:        defaults.Model,
				Capabilities: allCapabilities,
			}}
		}
		for _, spec := range specs {
			c, err := buildCandidate(spec, defaults, factory)
			if err != nil {
				return nil, fmt.Errorf("role %s: %w", role, err)
			}
			roles[role] = append(roles[role], c)
		}
	}

	opts = append([]Option{WithMaxAttempts(cfg.MaxAttempts), WithBlacklistTTL(cfg.BlacklistTTL)}, opts...)
	return New(roles, opts...)
}

func buildCandidate(spec config.CandidateConfig, defaults config.LLMConfig, factory ClientFactory) (*Candidate, error) {
	settings := llm.Settings{
		Adapter: firstNonEmpty(spec.Adapter, defaults.Adapter),
		BaseURL: firstNonEmpty(spec.BaseURL, defaults.BaseURL),
		APIKey:  firstNonEmpty(spec.APIKey, defaults.APIKey),
		Timeout: defaults.Timeout,
	}
	if spec.Timeout > 0 {
		settings.Timeout = spec.Timeout
	}
	client, err := factory(settings)
	if err != nil {
		return nil, fmt.Errorf("candidate %s: %w", spec.Name, err)
	}
	c := NewCandidate(spec.Name, firstNonEmpty(spec.Model, defaults.Model), spec.Priority, client, spec.Capabilities...)
	c.Timeout = spec.Timeout
	return c, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
