// Package config provides configuration for the run engine.
//
// Values are layered: defaults, then an optional YAML file (CONFIG_FILE or
// configs/engine.yaml), then environment variables. A .env file is loaded
// into the environment first when present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/internal/domain"
)

// Config holds the engine configuration.
type Config struct {
	// Server settings
	HTTPPort     int `yaml:"http_port"`
	InternalPort int `yaml:"internal_port"`

	// Storage
	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`
	RedisURL       string `yaml:"redis_url"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	ModelPool ModelPoolConfig `yaml:"model_pool"`
	Policy    PolicyConfig    `yaml:"tool_policy"`
	Features  FeatureFlags    `yaml:"features"`
	LLM       LLMConfig       `yaml:"llm"`

	IdempotencyTTL     time.Duration      `yaml:"idempotency_ttl"`
	ExcludedEventTypes []domain.EventType `yaml:"excluded_event_types"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	MaxConcurrency   int           `yaml:"max_concurrency"`
	TaskTimeout      time.Duration `yaml:"task_timeout"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// ModelPoolConfig configures the fallback router.
type ModelPoolConfig struct {
	MaxAttempts  int                                    `yaml:"max_attempts"`
	BlacklistTTL time.Duration                          `yaml:"blacklist_ttl"`
	Roles        map[domain.ModelRole][]CandidateConfig `yaml:"roles"`
}

// CandidateConfig describes one backend candidate of a role.
type CandidateConfig struct {
	Name         string              `yaml:"name"`
	Model        string              `yaml:"model"`
	Priority     int                 `yaml:"priority"`
	Adapter      string              `yaml:"adapter"`
	BaseURL      string              `yaml:"base_url"`
	APIKey       string              `yaml:"api_key"`
	Timeout      time.Duration       `yaml:"timeout"`
	Capabilities []domain.Capability `yaml:"capabilities"`
}

// PolicyConfig configures the tool policy hooks.
type PolicyConfig struct {
	Mode              domain.PolicyMode `yaml:"mode"`
	Whitelist         []string          `yaml:"whitelist"`
	SandboxRoot       string            `yaml:"sandbox_root"`
	SensitivePatterns []string          `yaml:"sensitive_patterns"`
	MaxOutputBytes    int               `yaml:"max_output_bytes"`
	RegoFile          string            `yaml:"rego_file"`
}

// FeatureFlags toggle behavior for rollout safety.
type FeatureFlags struct {
	VerifyGateEnabled bool                     `yaml:"verify_gate_enabled"`
	VerifyFailureMode domain.VerifyFailureMode `yaml:"verify_failure_mode"`
}

// LLMConfig configures the default model adapter.
type LLMConfig struct {
	Adapter string        `yaml:"adapter"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	Model   string        `yaml:"model"`
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:       8080,
		InternalPort:   8081,
		DatabaseDriver: "sqlite",
		DatabaseURL:    "file:engine.db?cache=shared&mode=rwc",
		Scheduler: SchedulerConfig{
			MaxConcurrency:   4,
			TaskTimeout:      300 * time.Second,
			RetryMaxAttempts: 3,
			RetryBaseDelay:   500 * time.Millisecond,
			RetryMaxDelay:    30 * time.Second,
			SweepInterval:    500 * time.Millisecond,
		},
		ModelPool: ModelPoolConfig{
			MaxAttempts:  3,
			BlacklistTTL: 60 * time.Second,
		},
		Policy: PolicyConfig{
			Mode:           domain.PolicyModeEnforce,
			Whitelist:      []string{"fs.read_file", "fs.write_file", "fs.list_dir", "ask_user"},
			SandboxRoot:    "./sandbox",
			MaxOutputBytes: 16 * 1024,
		},
		Features: FeatureFlags{
			VerifyGateEnabled: true,
			VerifyFailureMode: domain.VerifyFailureFail,
		},
		LLM: LLMConfig{
			Adapter: "litellm",
			BaseURL: "http://localhost:4000",
			Timeout: 120 * time.Second,
			Model:   "gpt-4o-mini",
		},
		IdempotencyTTL:     24 * time.Hour,
		ExcludedEventTypes: append([]domain.EventType(nil), domain.DefaultExcludedEventTypes...),
		LogLevel:           "info",
	}
}

// Load loads configuration from .env, the YAML file and environment variables.
func Load() (*Config, error) {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	cfg := Default()
	path := getEnv("CONFIG_FILE", filepath.Join("configs", "engine.yaml"))
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.InternalPort = getEnvInt("INTERNAL_PORT", c.InternalPort)
	c.DatabaseDriver = getEnv("DATABASE_DRIVER", c.DatabaseDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)

	c.Scheduler.MaxConcurrency = getEnvInt("MAX_CONCURRENCY", c.Scheduler.MaxConcurrency)
	c.Scheduler.TaskTimeout = getEnvDuration("TASK_TIMEOUT_SECONDS", time.Second, c.Scheduler.TaskTimeout)
	c.Scheduler.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", c.Scheduler.RetryMaxAttempts)
	c.Scheduler.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY_MS", time.Millisecond, c.Scheduler.RetryBaseDelay)
	c.Scheduler.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY_MS", time.Millisecond, c.Scheduler.RetryMaxDelay)

	c.ModelPool.MaxAttempts = getEnvInt("FALLBACK_MAX_ATTEMPTS", c.ModelPool.MaxAttempts)
	c.ModelPool.BlacklistTTL = getEnvDuration("BLACKLIST_TTL_SECONDS", time.Second, c.ModelPool.BlacklistTTL)

	c.Policy.Mode = domain.PolicyMode(getEnv("TOOL_POLICY_MODE", string(c.Policy.Mode)))
	c.Policy.Whitelist = getEnvList("TOOL_WHITELIST", c.Policy.Whitelist)
	c.Policy.SandboxRoot = getEnv("SANDBOX_ROOT", c.Policy.SandboxRoot)
	c.Policy.MaxOutputBytes = getEnvInt("TOOL_OUTPUT_MAX_BYTES", c.Policy.MaxOutputBytes)
	c.Policy.RegoFile = getEnv("TOOL_POLICY_REGO_FILE", c.Policy.RegoFile)

	c.Features.VerifyGateEnabled = getEnvBool("VERIFY_GATE_ENABLED", c.Features.VerifyGateEnabled)
	c.Features.VerifyFailureMode = domain.VerifyFailureMode(getEnv("VERIFY_FAILURE_MODE", string(c.Features.VerifyFailureMode)))

	// GOGO_MODE=MOCK predates LLM_ADAPTER and still forces the mock adapter.
	if strings.EqualFold(os.Getenv("GOGO_MODE"), "MOCK") {
		c.LLM.Adapter = "mock"
	}
	c.LLM.Adapter = getEnv("LLM_ADAPTER", c.LLM.Adapter)
	c.LLM.BaseURL = getEnv("LITELLM_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getEnv("LITELLM_API_KEY", c.LLM.APIKey)
	c.LLM.Timeout = getEnvDuration("LLM_TIMEOUT_MS", time.Millisecond, c.LLM.Timeout)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)

	c.IdempotencyTTL = getEnvDuration("IDEMPOTENCY_TTL_HOURS", time.Hour, c.IdempotencyTTL)
	if v := os.Getenv("EVENT_EXCLUDED_TYPES"); v != "" {
		c.ExcludedEventTypes = nil
		for _, t := range splitList(v) {
			c.ExcludedEventTypes = append(c.ExcludedEventTypes, domain.EventType(t))
		}
	}
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	if c.Scheduler.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1")
	}
	if c.Scheduler.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry_max_attempts must be at least 1")
	}
	if c.ModelPool.MaxAttempts < 1 {
		return fmt.Errorf("model_pool.max_attempts must be at least 1")
	}
	switch c.Policy.Mode {
	case domain.PolicyModeOff, domain.PolicyModeLogOnly, domain.PolicyModeEnforce:
	default:
		return fmt.Errorf("unsupported tool policy mode %q", c.Policy.Mode)
	}
	switch c.Features.VerifyFailureMode {
	case domain.VerifyFailureFail, domain.VerifyFailureWaitInput:
	default:
		return fmt.Errorf("unsupported verify failure mode %q", c.Features.VerifyFailureMode)
	}
	for role := range c.ModelPool.Roles {
		if !role.Valid() {
			return fmt.Errorf("unknown model role %q", role)
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration reads an integer count of unit.
func getEnvDuration(key string, unit time.Duration, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return time.Duration(n) * unit
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return splitList(val)
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
