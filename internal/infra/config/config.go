package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	LLM     LLMConfig     `yaml:"llm"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Gateway GatewayConfig `yaml:"gateway"`
}

// AgentConfig holds step-loop behavior settings.
type AgentConfig struct {
	SystemPrompt string           `yaml:"system_prompt"`
	MaxSteps     int              `yaml:"max_steps"`
	Timeout      time.Duration    `yaml:"timeout"`
	Compaction   CompactionConfig `yaml:"compaction"`
}

// CompactionConfig controls token-budget compaction of the
// conversation buffer.
type CompactionConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ThresholdRatio float64 `yaml:"threshold_ratio"`
}

// LLMConfig holds model provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
}

// CircuitBreakerConfig holds circuit breaker settings for model providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig holds request rate limiting settings for model providers.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// PoolConfig holds HTTP connection pool settings for model providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single model provider.
type ProviderConfig struct {
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type"` // "anthropic" or "openai"
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	ContextLimit int           `yaml:"context_limit"`
	MaxTokens    int           `yaml:"max_tokens"`
	ConnTimeout  time.Duration `yaml:"conn_timeout"`
	RespTimeout  time.Duration `yaml:"resp_timeout"`
	Pool         PoolConfig    `yaml:"pool"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			SystemPrompt: "You are a helpful assistant. Use the available tools to complete the task, then call done.",
			MaxSteps:     50,
			Timeout:      300 * time.Second,
			Compaction: CompactionConfig{
				Enabled:        false,
				ThresholdRatio: 0.8,
			},
		},
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    ":8090",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error; defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("AGENTCORE_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps AGENTCORE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTCORE_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("AGENTCORE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTCORE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTCORE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTCORE_AGENT_SYSTEM_PROMPT"); v != "" {
		cfg.Agent.SystemPrompt = v
	}
	if v := os.Getenv("AGENTCORE_AGENT_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxSteps = n
		}
	}
	if v := os.Getenv("AGENTCORE_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Agent.Timeout = d
		}
	}
	if v := os.Getenv("AGENTCORE_AGENT_COMPACTION_ENABLED"); v == "true" {
		cfg.Agent.Compaction.Enabled = true
	}
	if v := os.Getenv("AGENTCORE_AGENT_COMPACTION_THRESHOLD_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.Agent.Compaction.ThresholdRatio = f
		}
	}
	if v := os.Getenv("AGENTCORE_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("AGENTCORE_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}

	// Per-provider API key overrides: AGENTCORE_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("AGENTCORE_LLM_PROVIDER_%s_API_KEY",
			strings.ToUpper(cfg.LLM.Providers[i].Name))
		if v := os.Getenv(envKey); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
	}
}

// Validate checks the configuration for inconsistencies.
func Validate(cfg *Config) error {
	if cfg.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be positive, got %d", cfg.Agent.MaxSteps)
	}
	if r := cfg.Agent.Compaction.ThresholdRatio; cfg.Agent.Compaction.Enabled && (r < 0 || r > 1) {
		return fmt.Errorf("agent.compaction.threshold_ratio must be in [0, 1], got %v", r)
	}

	seen := map[string]bool{}
	for _, p := range cfg.LLM.Providers {
		if p.Name == "" {
			return fmt.Errorf("llm provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate llm provider %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "anthropic", "openai", "":
		default:
			return fmt.Errorf("llm provider %q has unsupported type %q", p.Name, p.Type)
		}
	}

	if cfg.Gateway.Enabled && cfg.Gateway.Addr == "" {
		return fmt.Errorf("gateway.addr required when gateway is enabled")
	}

	return nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
