package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main switchboard configuration
type Config struct {
	// Gateway server for client connections
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Shared session store (redis)
	Store StoreConfig `json:"store" mapstructure:"store"`

	// External tool-execution service
	ToolService ToolServiceConfig `json:"tool_service" mapstructure:"tool_service"`

	// Agent registry (near-static; only liveness mutates at runtime)
	Agents []AgentDescriptor `json:"agents" mapstructure:"agents"`

	// Role new connections are assigned to
	EntryRole string `json:"entry_role" mapstructure:"entry_role"`

	// Domain tool definitions (contract only; execution is external)
	Tools []ToolDefinition `json:"tools" mapstructure:"tools"`

	// Routing and suppression policy constants
	Policies PolicyConfig `json:"policies" mapstructure:"policies"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds client gateway server configuration
type GatewayConfig struct {
	Port int    `json:"port" mapstructure:"port"`
	Host string `json:"host" mapstructure:"host"`
}

// StoreConfig holds shared session store configuration
type StoreConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// ToolServiceConfig holds tool-execution service configuration
type ToolServiceConfig struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	Timeout int    `json:"timeout" mapstructure:"timeout"` // seconds
}

// AgentDescriptor describes one specialized agent. Everything here is
// static configuration; liveness is tracked separately by the Registry.
type AgentDescriptor struct {
	ID               string   `json:"id" mapstructure:"id"`
	Endpoint         string   `json:"endpoint" mapstructure:"endpoint"`
	Role             string   `json:"role" mapstructure:"role"`
	AllowedToolNames []string `json:"allowed_tool_names" mapstructure:"allowed_tool_names"`
	VoiceProfile     string   `json:"voice_profile" mapstructure:"voice_profile"`
	Persona          string   `json:"persona" mapstructure:"persona"`
	Workflow         string   `json:"workflow" mapstructure:"workflow"`
}

// AllowsTool checks a tool name against the agent's allow list.
func (a AgentDescriptor) AllowsTool(name string) bool {
	for _, allowed := range a.AllowedToolNames {
		if allowed == name || allowed == "*" {
			return true
		}
	}
	return false
}

// ToolDefinition declares a domain tool's contract. Schema is a JSON Schema
// document used to validate parameters before dispatch; Verification marks
// tools whose failed attempts are counted against the retry ceiling.
type ToolDefinition struct {
	Name         string         `json:"name" mapstructure:"name"`
	Description  string         `json:"description" mapstructure:"description"`
	Schema       map[string]any `json:"schema" mapstructure:"schema"`
	Verification bool           `json:"verification" mapstructure:"verification"`
}

// PolicyConfig holds the tunable policy constants
type PolicyConfig struct {
	MaxHandoffs       int    `json:"max_handoffs" mapstructure:"max_handoffs"`
	DedupWindowMS     int    `json:"dedup_window_ms" mapstructure:"dedup_window_ms"`
	MaxVerifyAttempts int    `json:"max_verify_attempts" mapstructure:"max_verify_attempts"`
	IdleTimeout       int    `json:"idle_timeout" mapstructure:"idle_timeout"` // seconds
	MemoryTTL         int    `json:"memory_ttl" mapstructure:"memory_ttl"`     // seconds
	SweepSpec         string `json:"sweep_spec" mapstructure:"sweep_spec"`
}

// DedupWindow returns the dedup window as a duration.
func (p PolicyConfig) DedupWindow() time.Duration {
	return time.Duration(p.DedupWindowMS) * time.Millisecond
}

// IdleWindow returns the idle timeout as a duration.
func (p PolicyConfig) IdleWindow() time.Duration {
	return time.Duration(p.IdleTimeout) * time.Second
}

// MemoryExpiry returns the memory TTL as a duration.
func (p PolicyConfig) MemoryExpiry() time.Duration {
	return time.Duration(p.MemoryTTL) * time.Second
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds tracer configuration. SampleRatio applies to session
// root spans; descendants inherit the decision.
type TracingConfig struct {
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Store: StoreConfig{
			Addr: "localhost:6379",
		},
		ToolService: ToolServiceConfig{
			BaseURL: "http://localhost:9090",
			Timeout: 30,
		},
		EntryRole: "triage",
		Policies: PolicyConfig{
			MaxHandoffs:       3,
			DedupWindowMS:     5000,
			MaxVerifyAttempts: 3,
			IdleTimeout:       600,
			MemoryTTL:         900,
			SweepSpec:         "@every 1m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Agents: []AgentDescriptor{
			{
				ID:           "triage-1",
				Role:         "triage",
				Endpoint:     "ws://localhost:7001/stream",
				VoiceProfile: "neutral",
				AllowedToolNames: []string{
					"transfer_to_verification", "transfer_to_banking",
				},
				Persona: "You are the front-desk assistant. Greet the caller, understand their intent, and route them to the right specialist.",
			},
			{
				ID:           "verification-1",
				Role:         "verification",
				Endpoint:     "ws://localhost:7002/stream",
				VoiceProfile: "neutral",
				AllowedToolNames: []string{
					"verify_identity", "transfer_to_triage", "transfer_to_banking",
				},
				Persona: "You verify the caller's identity before any account data is shared.",
			},
			{
				ID:           "banking-1",
				Role:         "banking",
				Endpoint:     "ws://localhost:7003/stream",
				VoiceProfile: "warm",
				AllowedToolNames: []string{
					"get_balance", "get_recent_transactions", "transfer_to_triage",
				},
				Persona: "You answer account questions for verified callers.",
			},
		},
		Tools: []ToolDefinition{
			{
				Name:         "verify_identity",
				Description:  "Check the caller's credentials against the account on file.",
				Verification: true,
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"account_number": map[string]any{"type": "string"},
						"pin":            map[string]any{"type": "string"},
					},
					"required": []any{"account_number", "pin"},
				},
			},
			{
				Name:        "get_balance",
				Description: "Fetch the current balance for a verified account.",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"account_number": map[string]any{"type": "string"},
					},
					"required": []any{"account_number"},
				},
			},
			{
				Name:        "get_recent_transactions",
				Description: "Fetch recent transactions for a verified account.",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"account_number": map[string]any{"type": "string"},
						"limit":          map[string]any{"type": "integer"},
					},
					"required": []any{"account_number"},
				},
			},
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// ToolByName looks up a tool definition.
func (c *Config) ToolByName(name string) *ToolDefinition {
	for i := range c.Tools {
		if c.Tools[i].Name == name {
			return &c.Tools[i]
		}
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 {
		return fmt.Errorf("gateway port must be positive")
	}
	if c.EntryRole == "" {
		return fmt.Errorf("entry role is required")
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	seen := map[string]bool{}
	entryFound := false
	for i, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agent %d: ID is required", i)
		}
		if seen[agent.ID] {
			return fmt.Errorf("agent %s: duplicate ID", agent.ID)
		}
		seen[agent.ID] = true
		if agent.Role == "" {
			return fmt.Errorf("agent %s: role is required", agent.ID)
		}
		if agent.Endpoint == "" {
			return fmt.Errorf("agent %s: endpoint is required", agent.ID)
		}
		if agent.Role == c.EntryRole {
			entryFound = true
		}
	}
	if !entryFound {
		return fmt.Errorf("no agent configured for entry role %q", c.EntryRole)
	}

	toolNames := map[string]bool{}
	for i, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tool %d: name is required", i)
		}
		if toolNames[tool.Name] {
			return fmt.Errorf("tool %s: duplicate name", tool.Name)
		}
		toolNames[tool.Name] = true
	}

	if c.Policies.MaxHandoffs <= 0 {
		return fmt.Errorf("max_handoffs must be positive")
	}
	if c.Policies.DedupWindowMS <= 0 {
		return fmt.Errorf("dedup_window_ms must be positive")
	}
	if c.Policies.MaxVerifyAttempts <= 0 {
		return fmt.Errorf("max_verify_attempts must be positive")
	}
	if c.Policies.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}
	if c.Policies.MemoryTTL <= 0 {
		return fmt.Errorf("memory_ttl must be positive")
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be within [0, 1]")
	}

	return nil
}
