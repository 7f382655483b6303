package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/ylsdamxssjxxdd/wunder/internal/mcp"
)

// ModelConfig is one entry of llm.models[name] in the configuration
// surface (§6).
type ModelConfig struct {
	Provider               string  `json:"provider"`
	Model                  string  `json:"model"`
	BaseURL                string  `json:"base_url,omitempty"`
	TimeoutS               int     `json:"timeout_s"`
	Retry                  int     `json:"retry"`
	MaxRounds              int     `json:"max_rounds"`
	MaxContext             int     `json:"max_context"`
	MaxOutput              int     `json:"max_output"`
	HistoryCompactionRatio float64 `json:"history_compaction_ratio"`
	HistoryCompactionReset string  `json:"history_compaction_reset"` // zero|current|keep
	MockIfUnconfigured     bool    `json:"mock_if_unconfigured,omitempty"`
}

func (m ModelConfig) withDefaults() ModelConfig {
	if m.TimeoutS <= 0 {
		m.TimeoutS = 600
	}
	if m.MaxRounds <= 0 {
		m.MaxRounds = 1
	}
	if m.HistoryCompactionRatio <= 0 {
		m.HistoryCompactionRatio = 0.75
	}
	if m.HistoryCompactionReset == "" {
		m.HistoryCompactionReset = "zero"
	}
	return m
}

// ServerConfig is the server.* section.
type ServerConfig struct {
	MaxActiveSessions int `json:"max_active_sessions"`
}

// LLMConfig is the llm.* section.
type LLMConfig struct {
	Default string                 `json:"default"`
	Models  map[string]ModelConfig `json:"models"`
}

// WorkspaceConfig is the workspace.* section.
type WorkspaceConfig struct {
	Root            string `json:"root"`
	MaxHistoryItems int    `json:"max_history_items"`
	RetentionDays   int    `json:"retention_days"`
}

// ObservabilityConfig is the observability.* section.
type ObservabilityConfig struct {
	MonitorEventLimit      int      `json:"monitor_event_limit"` // 0 = unlimited
	MonitorPayloadMaxChars int      `json:"monitor_payload_max_chars"`
	MonitorDropEventTypes  []string `json:"monitor_drop_event_types"`
}

// A2AConfig is the a2a.* section.
type A2AConfig struct {
	TimeoutS int `json:"timeout_s"`
}

// MCPTimeoutConfig is the mcp.* section: a per-call timeout plus the set of
// MCP servers to connect at startup, keyed by server name and expressed in
// the mcp package's own Config shape (stdio command, remote URL, or headers).
type MCPTimeoutConfig struct {
	TimeoutS int                   `json:"timeout_s"`
	Servers  map[string]mcp.Config `json:"servers,omitempty"`
}

// EngineConfig is the full configuration surface named in spec §6. It is
// loaded with the same global/project merge pattern as the teacher's
// Load (config.go), using github.com/tidwall/jsonc for comment-stripping
// instead of the teacher's regex hack.
type EngineConfig struct {
	Server         ServerConfig        `json:"server"`
	LLM            LLMConfig           `json:"llm"`
	Workspace      WorkspaceConfig     `json:"workspace"`
	Observability  ObservabilityConfig `json:"observability"`
	Sandbox        map[string]any      `json:"sandbox"`
	A2A            A2AConfig           `json:"a2a"`
	MCP            MCPTimeoutConfig    `json:"mcp"`
	DefaultLanguage string             `json:"default_language"`

	// version counts the config files merged into this value by the load
	// that produced it.
	version int
}

func defaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Server:          ServerConfig{MaxActiveSessions: 16},
		LLM:             LLMConfig{Models: make(map[string]ModelConfig)},
		Workspace:       WorkspaceConfig{MaxHistoryItems: 200, RetentionDays: 30},
		A2A:             A2AConfig{TimeoutS: 60},
		MCP:             MCPTimeoutConfig{TimeoutS: 60},
		DefaultLanguage: "en",
	}
}

// LoadEngineConfig loads the engine configuration surface by merging, in
// priority order, wunder.jsonc from the global config dir and then
// directory/.wunder/wunder.jsonc over the built-in defaults. Missing files
// are skipped; environment variables are not read. This is the same
// global/project layering as the teacher's Load.
func LoadEngineConfig(directory string) (*EngineConfig, error) {
	cfg := defaultEngineConfig()

	globalPath := filepath.Join(GetPaths().Config, "wunder.jsonc")
	if err := mergeEngineConfigFile(cfg, globalPath); err != nil {
		return nil, err
	}
	if directory != "" {
		projectPath := filepath.Join(directory, ".wunder", "wunder.jsonc")
		if err := mergeEngineConfigFile(cfg, projectPath); err != nil {
			return nil, err
		}
	}
	for name, m := range cfg.LLM.Models {
		cfg.LLM.Models[name] = m.withDefaults()
	}
	return cfg, nil
}

func mergeEngineConfigFile(cfg *EngineConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil // file doesn't exist: skip, not an error
	}
	data = jsonc.ToJSON(data)

	var file EngineConfig
	file.LLM.Models = make(map[string]ModelConfig)
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if file.Server.MaxActiveSessions > 0 {
		cfg.Server.MaxActiveSessions = file.Server.MaxActiveSessions
	}
	if file.LLM.Default != "" {
		cfg.LLM.Default = file.LLM.Default
	}
	for name, m := range file.LLM.Models {
		cfg.LLM.Models[name] = m
	}
	if file.Workspace.Root != "" {
		cfg.Workspace.Root = file.Workspace.Root
	}
	if file.Workspace.MaxHistoryItems > 0 {
		cfg.Workspace.MaxHistoryItems = file.Workspace.MaxHistoryItems
	}
	if file.Workspace.RetentionDays > 0 {
		cfg.Workspace.RetentionDays = file.Workspace.RetentionDays
	}
	if file.Observability.MonitorEventLimit != 0 {
		cfg.Observability.MonitorEventLimit = file.Observability.MonitorEventLimit
	}
	if file.Observability.MonitorPayloadMaxChars != 0 {
		cfg.Observability.MonitorPayloadMaxChars = file.Observability.MonitorPayloadMaxChars
	}
	if len(file.Observability.MonitorDropEventTypes) > 0 {
		cfg.Observability.MonitorDropEventTypes = file.Observability.MonitorDropEventTypes
	}
	if len(file.Sandbox) > 0 {
		if cfg.Sandbox == nil {
			cfg.Sandbox = make(map[string]any)
		}
		for k, v := range file.Sandbox {
			cfg.Sandbox[k] = v
		}
	}
	if file.A2A.TimeoutS > 0 {
		cfg.A2A.TimeoutS = file.A2A.TimeoutS
	}
	if file.MCP.TimeoutS > 0 {
		cfg.MCP.TimeoutS = file.MCP.TimeoutS
	}
	for name, sc := range file.MCP.Servers {
		if cfg.MCP.Servers == nil {
			cfg.MCP.Servers = make(map[string]mcp.Config)
		}
		cfg.MCP.Servers[name] = sc
	}
	if file.DefaultLanguage != "" {
		cfg.DefaultLanguage = file.DefaultLanguage
	}
	cfg.version++
	return nil
}

// Version returns the number of config files merged into c by the load that
// produced it. The prompt-composition cache key (§4.8) does not use it; the
// orchestrator takes the workspace's ConfigVersion instead.
func (c *EngineConfig) Version() int { return c.version }

// Model resolves a model name to its ModelConfig, falling back to
// LLM.Default when name is empty.
func (c *EngineConfig) Model(name string) (ModelConfig, bool) {
	if name == "" {
		name = c.LLM.Default
	}
	m, ok := c.LLM.Models[name]
	return m, ok
}
