package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, "triage", cfg.EntryRole)
	assert.Equal(t, 3, cfg.Policies.MaxHandoffs)
	assert.Equal(t, 5000, cfg.Policies.DedupWindowMS)
	assert.Equal(t, 3, cfg.Policies.MaxVerifyAttempts)
	assert.Equal(t, "@every 1m", cfg.Policies.SweepSpec)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
	assert.Len(t, cfg.Agents, 3)
	assert.Equal(t, "triage-1", cfg.Agents[0].ID)
}

func TestPolicyDurations(t *testing.T) {
	p := PolicyConfig{DedupWindowMS: 5000, IdleTimeout: 600, MemoryTTL: 900}

	assert.Equal(t, 5*time.Second, p.DedupWindow())
	assert.Equal(t, 10*time.Minute, p.IdleWindow())
	assert.Equal(t, 15*time.Minute, p.MemoryExpiry())
}

func TestAgentAllowsTool(t *testing.T) {
	agent := AgentDescriptor{AllowedToolNames: []string{"get_balance", "transfer_to_triage"}}

	assert.True(t, agent.AllowsTool("get_balance"))
	assert.True(t, agent.AllowsTool("transfer_to_triage"))
	assert.False(t, agent.AllowsTool("verify_identity"))

	wildcard := AgentDescriptor{AllowedToolNames: []string{"*"}}
	assert.True(t, wildcard.AllowsTool("anything"))
}

func TestToolByName(t *testing.T) {
	cfg := DefaultConfig()

	tool := cfg.ToolByName("verify_identity")
	assert.NotNil(t, tool)
	assert.True(t, tool.Verification)

	assert.Nil(t, cfg.ToolByName("no_such_tool"))
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		assert.NoError(t, err)
	})

	t.Run("missing entry role", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EntryRole = ""

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "entry role")
	})

	t.Run("missing agents", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agents = []AgentDescriptor{}

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "agent")
	})

	t.Run("agent missing ID", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agents[0].ID = ""

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "ID is required")
	})

	t.Run("duplicate agent ID", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agents[1].ID = cfg.Agents[0].ID

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate ID")
	})

	t.Run("agent missing endpoint", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agents[0].Endpoint = ""

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "endpoint is required")
	})

	t.Run("no agent for entry role", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EntryRole = "concierge"

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "entry role")
	})

	t.Run("duplicate tool name", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Tools[1].Name = cfg.Tools[0].Name

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate name")
	})

	t.Run("non-positive policy constants", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Policies.MaxHandoffs = 0

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "max_handoffs")
	})

	t.Run("sample ratio out of range", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Tracing.SampleRatio = 1.5

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "sample_ratio")
	})
}
