// Package policy gates tool calls before and after execution.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/metrics"
)

const (
	PhasePre  = "pre"
	PhasePost = "post"
)

// Recorder records policy events.
type Recorder interface {
	Record(ctx context.Context, scope domain.EventScope, t domain.EventType, payload any) error
}

// Config holds the static rules of the hooks.
type Config struct {
	Mode           domain.PolicyMode
	Whitelist      []string
	SandboxRoot    string
	Patterns       []Pattern
	MaxOutputBytes int
}

// Hooks implements the pre and post tool-use checks.
type Hooks struct {
	cfg      Config
	root     string
	engine   *Engine
	recorder Recorder
	metrics  *metrics.Metrics
}

// Option configures Hooks.
type Option func(*Hooks)

// WithEngine adds rego-defined findings.
func WithEngine(e *Engine) Option {
	return func(h *Hooks) { h.engine = e }
}

// WithRecorder emits tool_policy_* events.
func WithRecorder(r Recorder) Option {
	return func(h *Hooks) { h.recorder = r }
}

// WithMetrics counts findings.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hooks) { h.metrics = m }
}

// NewHooks creates policy hooks. A nil Patterns slice means DefaultPatterns.
func NewHooks(cfg Config, opts ...Option) (*Hooks, error) {
	if cfg.Mode == "" {
		cfg.Mode = domain.PolicyModeEnforce
	}
	if cfg.Patterns == nil {
		cfg.Patterns = DefaultPatterns()
	}
	h := &Hooks{cfg: cfg}
	if cfg.SandboxRoot != "" {
		root, err := filepath.Abs(cfg.SandboxRoot)
		if err != nil {
			return nil, fmt.Errorf("invalid sandbox root: %w", err)
		}
		if resolved, err := filepath.EvalSymlinks(root); err == nil {
			root = resolved
		}
		h.root = root
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Mode returns the configured mode.
func (h *Hooks) Mode() domain.PolicyMode {
	return h.cfg.Mode
}

// SandboxRoot returns the absolute sandbox root, or "" when containment is off.
func (h *Hooks) SandboxRoot() string {
	return h.root
}

// PreToolUse checks a call before it runs: whitelist, sandbox containment
// and sensitive content in the arguments. In enforce mode a block finding
// returns *domain.PolicyViolationError alongside the result.
func (h *Hooks) PreToolUse(ctx context.Context, tc domain.ToolContext, toolName string, args json.RawMessage) (*domain.PolicyResult, error) {
	if h.cfg.Mode == domain.PolicyModeOff {
		return &domain.PolicyResult{Decision: domain.PolicyDecisionAllow, Payload: args}, nil
	}

	var findings []domain.Finding
	if !whitelisted(h.cfg.Whitelist, toolName) {
		findings = append(findings, domain.Finding{
			Rule:     "tool_not_whitelisted",
			Severity: domain.PolicyDecisionBlock,
			Message:  fmt.Sprintf("tool %s is not in the whitelist", toolName),
		})
	}

	decoded := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			findings = append(findings, domain.Finding{
				Rule:     "invalid_arguments",
				Severity: domain.PolicyDecisionBlock,
				Message:  "tool arguments must be a JSON object",
			})
		}
	}

	if h.root != "" {
		paths := collectPaths(decoded)
		keys := make([]string, 0, len(paths))
		for k := range paths {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			for _, p := range paths[key] {
				if !containedIn(h.root, p) {
					findings = append(findings, domain.Finding{
						Rule:     "path_escape",
						Severity: domain.PolicyDecisionBlock,
						Message:  fmt.Sprintf("path %q escapes the sandbox", p),
						Field:    key,
					})
				}
			}
		}
	}

	findings = append(findings, scan(h.cfg.Patterns, string(args), "args")...)
	findings = append(findings, h.evaluate(ctx, PhasePre, toolName, decoded, nil)...)

	res := &domain.PolicyResult{Findings: findings, Payload: args}
	return h.conclude(ctx, tc, toolName, PhasePre, res)
}

// PostToolUse checks a tool's output: sensitive content is redacted and
// oversized output is replaced by a truncated preview with a summary.
func (h *Hooks) PostToolUse(ctx context.Context, tc domain.ToolContext, toolName string, output json.RawMessage) (*domain.PolicyResult, error) {
	if h.cfg.Mode == domain.PolicyModeOff {
		return &domain.PolicyResult{Decision: domain.PolicyDecisionAllow, Payload: output}, nil
	}

	res := &domain.PolicyResult{Payload: output}
	res.Findings = scan(h.cfg.Patterns, string(output), "output")
	if len(res.Findings) > 0 {
		res.Payload = redactJSON(h.cfg.Patterns, output)
	}

	if h.cfg.MaxOutputBytes > 0 && len(res.Payload) > h.cfg.MaxOutputBytes {
		res.Payload, res.Summary = truncateOutput(res.Payload, h.cfg.MaxOutputBytes)
		res.Truncated = true
	}

	res.Findings = append(res.Findings, h.evaluate(ctx, PhasePost, toolName, nil, map[string]any{
		"output_bytes": len(output),
		"truncated":    res.Truncated,
	})...)
	return h.conclude(ctx, tc, toolName, PhasePost, res)
}

func (h *Hooks) evaluate(ctx context.Context, phase, toolName string, args map[string]any, extra map[string]any) []domain.Finding {
	if h.engine == nil {
		return nil
	}
	input := map[string]any{
		"phase":     phase,
		"tool_name": toolName,
		"args":      args,
	}
	for k, v := range extra {
		input[k] = v
	}
	findings, err := h.engine.Evaluate(ctx, input)
	if err != nil {
		log.WithError(err).WithField("tool_name", toolName).Error("policy evaluation failed")
		return []domain.Finding{{
			Rule:     "policy_error",
			Severity: domain.PolicyDecisionBlock,
			Message:  "policy evaluation failed",
		}}
	}
	return findings
}

// conclude derives the decision from the findings and the mode, records the
// event and builds the enforce-mode error. log_only keeps the findings as
// they are and only lowers the decision.
func (h *Hooks) conclude(ctx context.Context, tc domain.ToolContext, toolName, phase string, res *domain.PolicyResult) (*domain.PolicyResult, error) {
	res.Decision = domain.PolicyDecisionAllow
	for _, f := range res.Findings {
		res.Reasons = append(res.Reasons, f.Message)
		switch f.Severity {
		case domain.PolicyDecisionBlock:
			res.Decision = domain.PolicyDecisionBlock
		case domain.PolicyDecisionWarn:
			if res.Decision == domain.PolicyDecisionAllow {
				res.Decision = domain.PolicyDecisionWarn
			}
		}
	}
	if res.Decision == domain.PolicyDecisionBlock && h.cfg.Mode == domain.PolicyModeLogOnly {
		res.Decision = domain.PolicyDecisionWarn
	}
	if res.Decision == domain.PolicyDecisionAllow {
		return res, nil
	}

	h.metrics.PolicyFinding(phase, string(res.Decision))
	eventType := domain.EventTypeToolPolicyWarn
	if res.Decision == domain.PolicyDecisionBlock {
		eventType = domain.EventTypeToolPolicyBlocked
	}
	h.record(ctx, tc, eventType, domain.PolicyPayload{
		ToolName: toolName,
		Phase:    phase,
		Mode:     h.cfg.Mode,
		Decision: res.Decision,
		TaskID:   tc.TaskID,
		Findings: res.Findings,
	})

	if res.Decision == domain.PolicyDecisionBlock {
		log.WithFields(log.Fields{"tool_name": toolName, "phase": phase, "run_id": tc.RunID}).Warn("tool call blocked by policy")
		return res, &domain.PolicyViolationError{ToolName: toolName, Phase: phase, Findings: res.Findings}
	}
	return res, nil
}

func (h *Hooks) record(ctx context.Context, tc domain.ToolContext, t domain.EventType, payload domain.PolicyPayload) {
	if h.recorder == nil || tc.SessionID == "" || tc.RunID == "" {
		return
	}
	if err := h.recorder.Record(ctx, tc.Scope(), t, payload); err != nil {
		log.WithError(err).WithField("event_type", t).Warn("failed to record policy event")
	}
}

// redactJSON redacts string values of a JSON document. Output that is not
// JSON is treated as one string.
func redactJSON(patterns []Pattern, raw json.RawMessage) json.RawMessage {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		out, _ := json.Marshal(redact(patterns, string(raw)))
		return out
	}
	out, err := json.Marshal(redactValue(patterns, doc))
	if err != nil {
		return raw
	}
	return out
}

func redactValue(patterns []Pattern, v any) any {
	switch t := v.(type) {
	case string:
		return redact(patterns, t)
	case map[string]any:
		for k, item := range t {
			t[k] = redactValue(patterns, item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = redactValue(patterns, item)
		}
		return t
	}
	return v
}

// TruncatedOutput replaces a tool result that exceeded the output limit.
type TruncatedOutput struct {
	Truncated     bool   `json:"truncated"`
	OriginalBytes int    `json:"original_bytes"`
	Summary       string `json:"summary"`
	Preview       string `json:"preview"`
}

func truncateOutput(raw json.RawMessage, limit int) (json.RawMessage, string) {
	cut := min(limit/2, len(raw))
	// Step back over a rune split by the cut, never over earlier bytes.
	for i := 0; i < utf8.UTFMax-1 && cut > 0 && cut < len(raw) && !utf8.RuneStart(raw[cut]); i++ {
		cut--
	}
	lines := 1
	for _, b := range raw {
		if b == '\n' {
			lines++
		}
	}
	summary := fmt.Sprintf("output truncated: %d bytes over %d lines, showing the first %d bytes", len(raw), lines, cut)
	out, _ := json.Marshal(TruncatedOutput{
		Truncated:     true,
		OriginalBytes: len(raw),
		Summary:       summary,
		Preview:       string(raw[:cut]),
	})
	return out, summary
}
