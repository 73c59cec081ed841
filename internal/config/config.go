// Package config provides the configuration schema and loader for the
// Conversator orchestrator.
package config

// LogLevel controls log verbosity for the orchestrator.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Source selects the audio transport the user speaks through.
type Source string

const (
	SourceLocal    Source = "local"
	SourceDiscord  Source = "discord"
	SourceTelegram Source = "telegram"
)

// IsValid reports whether s is a recognised audio source.
func (s Source) IsValid() bool {
	switch s {
	case SourceLocal, SourceDiscord, SourceTelegram:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	// WorkspaceRoot is the directory containing the user's projects and the
	// .conversator state directory.
	WorkspaceRoot string `yaml:"workspace_root"`

	// StatePath is the SQLite file backing the event store. Defaults to
	// <workspace>/.conversator/state.db.
	StatePath string `yaml:"state_path"`

	Logging      LoggingConfig      `yaml:"logging"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Builders     map[string]Builder `yaml:"builders"`
	Models       map[string]string  `yaml:"models"`
	Voice        VoiceConfig        `yaml:"voice"`
	Dashboard    DashboardConfig    `yaml:"dashboard"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level LogLevel `yaml:"level"`
}

// OrchestratorConfig describes the subagent orchestration server (the
// process hosting planner, context-reader, brainstormer and summarizer).
type OrchestratorConfig struct {
	// Port the orchestration HTTP server listens on.
	Port int `yaml:"port"`

	// AutoStart makes Conversator spawn the server itself when nothing
	// healthy answers on Port.
	AutoStart bool `yaml:"auto_start"`

	// StartTimeout bounds the health wait after spawning, in seconds.
	StartTimeout float64 `yaml:"start_timeout"`

	// ConfigDir is the isolated config directory handed to the spawned
	// process, relative to WorkspaceRoot.
	ConfigDir string `yaml:"config_dir"`

	// AgentsSource is the versioned agent definition directory synced into
	// ConfigDir on start, relative to WorkspaceRoot.
	AgentsSource string `yaml:"agents_source"`
}

// Builder describes one code-writing backend.
type Builder struct {
	// Type of backend, e.g. "opencode" or "claude-code".
	Type string `yaml:"type"`

	// Port the builder HTTP server listens on.
	Port int `yaml:"port"`

	// Model identifier passed to the backend.
	Model string `yaml:"model"`
}

// VoiceConfig holds speech-session settings.
type VoiceConfig struct {
	// SystemPromptPath points at the instructions file for the speech model,
	// relative to WorkspaceRoot.
	SystemPromptPath string `yaml:"system_prompt"`

	// Model overrides the default speech model name.
	Model string `yaml:"model"`
}

// DashboardConfig holds settings for the HTTP + WebSocket dashboard.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// ModelFor returns the configured model for a named subagent, falling back
// to the shared default.
func (c *Config) ModelFor(agent string) string {
	if m, ok := c.Models[agent]; ok && m != "" {
		return m
	}
	return "opencode/gemini-3-flash"
}

// BuilderURL returns the HTTP base URL for a named builder, or "" when the
// builder is not configured.
func (c *Config) BuilderURL(name string) string {
	b, ok := c.Builders[name]
	if !ok {
		return ""
	}
	return localURL(b.Port)
}

// OrchestratorURL returns the HTTP base URL of the orchestration server.
func (c *Config) OrchestratorURL() string {
	return localURL(c.Orchestrator.Port)
}
