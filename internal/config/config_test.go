package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 3, cfg.ModelPool.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.ModelPool.BlacklistTTL)
	assert.Equal(t, domain.PolicyModeEnforce, cfg.Policy.Mode)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Contains(t, cfg.ExcludedEventTypes, domain.EventTypeHeartbeat)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `
scheduler:
  max_concurrency: 8
model_pool:
  max_attempts: 5
  roles:
    writer:
      - name: primary
        model: gpt-4o
        priority: 10
        capabilities: [vision, tools]
      - name: backup
        model: gpt-4o-mini
        priority: 5
features:
  verify_gate_enabled: true
  verify_failure_mode: wait_input
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_CONCURRENCY", "2")
	t.Setenv("TOOL_POLICY_MODE", "log_only")
	t.Setenv("TOOL_WHITELIST", "fs.read_file, shell.exec")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 5, cfg.ModelPool.MaxAttempts)
	assert.Equal(t, domain.PolicyModeLogOnly, cfg.Policy.Mode)
	assert.Equal(t, []string{"fs.read_file", "shell.exec"}, cfg.Policy.Whitelist)
	assert.Equal(t, domain.VerifyFailureWaitInput, cfg.Features.VerifyFailureMode)

	writers := cfg.ModelPool.Roles[domain.ModelRoleWriter]
	require.Len(t, writers, 2)
	assert.Equal(t, "primary", writers[0].Name)
	assert.Equal(t, []domain.Capability{domain.CapabilityVision, domain.CapabilityTools}, writers[0].Capabilities)
}

func TestLoadLegacyMockMode(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("GOGO_MODE", "MOCK")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.LLM.Adapter)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Policy.Mode = "strict"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Scheduler.MaxConcurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ModelPool.Roles = map[domain.ModelRole][]CandidateConfig{"poet": nil}
	assert.Error(t, cfg.Validate())
}
