package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Agent.MaxSteps)
	assert.Equal(t, "anthropic", cfg.LLM.DefaultProvider)
	assert.False(t, cfg.Agent.Compaction.Enabled)
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := writeConfig(t, `
agent:
  max_steps: 12
  timeout: 90s
  compaction:
    enabled: true
    threshold_ratio: 0.7
llm:
  default_provider: local
  providers:
    - name: local
      type: openai
      base_url: http://localhost:8080/v1
      model: test-model
      context_limit: 32000
gateway:
  enabled: true
  addr: ":9001"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Agent.MaxSteps)
	assert.Equal(t, 90*time.Second, cfg.Agent.Timeout)
	assert.True(t, cfg.Agent.Compaction.Enabled)
	assert.InDelta(t, 0.7, cfg.Agent.Compaction.ThresholdRatio, 1e-9)
	require.Len(t, cfg.LLM.Providers, 1)
	assert.Equal(t, 32000, cfg.LLM.Providers[0].ContextLimit)
	assert.Equal(t, ":9001", cfg.Gateway.Addr)
}

func TestLoad_InsecurePermissionsRejected(t *testing.T) {
	path := writeConfig(t, "agent:\n  max_steps: 5\n")
	require.NoError(t, os.Chmod(path, 0666))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTCORE_AGENT_MAX_STEPS", "7")
	t.Setenv("AGENTCORE_LLM_DEFAULT_PROVIDER", "openai")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Agent.MaxSteps)
	assert.Equal(t, "openai", cfg.LLM.DefaultProvider)
}

func TestLoad_ProviderAPIKeyEnvOverride(t *testing.T) {
	path := writeConfig(t, `
llm:
  providers:
    - name: anthropic
      type: anthropic
      model: test
`)
	t.Setenv("AGENTCORE_LLM_PROVIDER_ANTHROPIC_API_KEY", "sk-test-123")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.LLM.Providers[0].APIKey)
}

func TestLoad_EncryptedAPIKey(t *testing.T) {
	enc, err := EncryptValue("sk-secret", "passphrase")
	require.NoError(t, err)

	path := writeConfig(t, `
llm:
  providers:
    - name: anthropic
      type: anthropic
      model: test
      api_key: "enc:`+enc+`"
`)
	t.Setenv("AGENTCORE_CONFIG_KEY", "passphrase")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cfg.LLM.Providers[0].APIKey)
}

func TestLoad_EncryptedAPIKeyWrongPassphrase(t *testing.T) {
	enc, err := EncryptValue("sk-secret", "passphrase")
	require.NoError(t, err)

	path := writeConfig(t, `
llm:
  providers:
    - name: anthropic
      type: anthropic
      model: test
      api_key: "enc:`+enc+`"
`)
	t.Setenv("AGENTCORE_CONFIG_KEY", "wrong")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max steps", func(c *Config) { c.Agent.MaxSteps = 0 }},
		{"bad threshold ratio", func(c *Config) {
			c.Agent.Compaction.Enabled = true
			c.Agent.Compaction.ThresholdRatio = 1.5
		}},
		{"empty provider name", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{Name: ""}}
		}},
		{"duplicate provider", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{Name: "a"}, {Name: "a"}}
		}},
		{"unknown provider type", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{Name: "a", Type: "bedrock"}}
		}},
		{"gateway enabled without addr", func(c *Config) {
			c.Gateway.Enabled = true
			c.Gateway.Addr = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("hello world", "key")
	require.NoError(t, err)
	dec, err := DecryptValue(enc, "key")
	require.NoError(t, err)
	assert.Equal(t, "hello world", dec)
}

func TestDecryptValue_MalformedInput(t *testing.T) {
	_, err := DecryptValue("not-hex", "key")
	assert.Error(t, err)
	_, err = DecryptValue("abcd:zz", "key")
	assert.Error(t, err)
}
