package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/gogo/internal/domain"
)

// Engine evaluates operator-supplied rego rules on top of the built-in checks.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the tool_policy module. The module must define a
// `findings` set of objects with rule, severity, message and optional field.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.findings"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine reads the module from path, falling back to DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return NewEngine(ctx, string(data))
}

// Evaluate returns the findings produced for input. An undefined result means no findings.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) ([]domain.Finding, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	items, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("policy findings must be a set, got %T", results[0].Expressions[0].Value)
	}
	findings := make([]domain.Finding, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("policy finding must be an object, got %T", item)
		}
		f := domain.Finding{
			Rule:     stringField(obj, "rule"),
			Severity: domain.PolicyDecision(stringField(obj, "severity")),
			Message:  stringField(obj, "message"),
			Field:    stringField(obj, "field"),
		}
		switch f.Severity {
		case domain.PolicyDecisionWarn, domain.PolicyDecisionBlock:
		default:
			f.Severity = domain.PolicyDecisionWarn
		}
		if f.Rule == "" {
			f.Rule = "rego"
		}
		findings = append(findings, f)
	}
	return findings, nil
}

func stringField(obj map[string]interface{}, key string) string {
	if s, ok := obj[key].(string); ok {
		return s
	}
	return ""
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_policy

# Block writes into VCS metadata or dotenv files inside the sandbox
findings[f] {
	input.phase == "pre"
	input.tool_name == "fs.write_file"
	path := input.args.path
	regex.match("(^|/)(\\.git|\\.env)(/|$)", path)
	f := {"rule": "protected_path", "severity": "block", "message": sprintf("writes to %s are not allowed", [path]), "field": "path"}
}

# Flag unusually large writes
findings[f] {
	input.phase == "pre"
	input.tool_name == "fs.write_file"
	count(input.args.content) > 262144
	f := {"rule": "large_write", "severity": "warn", "message": "write exceeds 256KiB", "field": "content"}
}
`
