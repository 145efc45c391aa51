package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xiaot623/gogo/internal/domain"
)

// Pattern is a sensitive-content matcher.
type Pattern struct {
	Name     string
	Regexp   *regexp.Regexp
	Severity domain.PolicyDecision
}

// DefaultPatterns detects credentials commonly leaked through tool traffic.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "private_key", Regexp: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), Severity: domain.PolicyDecisionBlock},
		{Name: "aws_access_key", Regexp: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), Severity: domain.PolicyDecisionBlock},
		{Name: "bearer_token", Regexp: regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]{16,}=*`), Severity: domain.PolicyDecisionWarn},
		{Name: "password_assignment", Regexp: regexp.MustCompile(`(?i)\b(password|passwd|pwd)\s*[:=]\s*\S+`), Severity: domain.PolicyDecisionWarn},
		{Name: "api_key_assignment", Regexp: regexp.MustCompile(`(?i)\b(api[_-]?key|secret[_-]?key|access[_-]?token)\s*[:=]\s*\S+`), Severity: domain.PolicyDecisionWarn},
	}
}

// CompilePatterns turns operator-supplied regexes into block patterns.
func CompilePatterns(exprs []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(exprs))
	for i, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid sensitive pattern %q: %w", expr, err)
		}
		out = append(out, Pattern{Name: fmt.Sprintf("custom_%d", i+1), Regexp: re, Severity: domain.PolicyDecisionBlock})
	}
	return out, nil
}

// pathKeys are argument names treated as filesystem paths.
var pathKeys = map[string]bool{
	"path": true, "file": true, "file_path": true, "filename": true,
	"dir": true, "directory": true, "cwd": true,
	"source": true, "src": true, "target": true, "dest": true, "destination": true,
}

// whitelisted reports whether name matches an entry; "fs.*" matches any fs tool.
func whitelisted(list []string, name string) bool {
	if len(list) == 0 {
		return true
	}
	for _, entry := range list {
		if entry == name || entry == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(entry, "*"); ok && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// containedIn reports whether p stays inside root once resolved. Relative
// paths are taken relative to root.
func containedIn(root, p string) bool {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)
	if !within(root, abs) {
		return false
	}
	// a symlink inside the sandbox may still point outside of it
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return within(root, resolved)
	}
	return true
}

func within(root, abs string) bool {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// collectPaths returns path-like string arguments keyed by their field name.
// Arrays of strings under a path key are included.
func collectPaths(args map[string]any) map[string][]string {
	out := make(map[string][]string)
	for key, val := range args {
		if !pathKeys[strings.ToLower(key)] {
			continue
		}
		switch v := val.(type) {
		case string:
			out[key] = append(out[key], v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out[key] = append(out[key], s)
				}
			}
		}
	}
	return out
}

// scan reports pattern matches in text. The field is attached to each finding.
func scan(patterns []Pattern, text, field string) []domain.Finding {
	var out []domain.Finding
	for _, p := range patterns {
		if p.Regexp.MatchString(text) {
			out = append(out, domain.Finding{
				Rule:     p.Name,
				Severity: p.Severity,
				Message:  fmt.Sprintf("sensitive content matched %s", p.Name),
				Field:    field,
			})
		}
	}
	return out
}

// redact replaces every pattern match with a fixed marker.
func redact(patterns []Pattern, text string) string {
	for _, p := range patterns {
		text = p.Regexp.ReplaceAllString(text, redactedMarker)
	}
	return text
}

const redactedMarker = "[REDACTED]"
