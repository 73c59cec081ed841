package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. A missing file yields the default config,
// matching the "works out of the box in any directory" behaviour.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "."
	}
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(cfg.WorkspaceRoot, ".conversator", "state.db")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogInfo
	}
	if cfg.Orchestrator.Port == 0 {
		cfg.Orchestrator.Port = 4096
	}
	if cfg.Orchestrator.StartTimeout == 0 {
		cfg.Orchestrator.StartTimeout = 30
	}
	if cfg.Orchestrator.ConfigDir == "" {
		cfg.Orchestrator.ConfigDir = ".conversator/opencode"
	}
	if cfg.Orchestrator.AgentsSource == "" {
		cfg.Orchestrator.AgentsSource = "conversator/agents"
	}
	if cfg.Voice.SystemPromptPath == "" {
		cfg.Voice.SystemPromptPath = ".conversator/prompts/conversator.md"
	}
	if cfg.Dashboard.Port == 0 {
		cfg.Dashboard.Port = 8080
	}
	for name, b := range cfg.Builders {
		if b.Type == "" {
			b.Type = "opencode"
		}
		if b.Model == "" {
			b.Model = "opencode/gemini-3-flash"
		}
		cfg.Builders[name] = b
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}
	if cfg.Orchestrator.Port < 1 || cfg.Orchestrator.Port > 65535 {
		errs = append(errs, fmt.Errorf("orchestrator.port %d is out of range", cfg.Orchestrator.Port))
	}
	if cfg.Dashboard.Port < 1 || cfg.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port %d is out of range", cfg.Dashboard.Port))
	}

	seenPorts := map[int]string{cfg.Orchestrator.Port: "orchestrator"}
	for name, b := range cfg.Builders {
		prefix := fmt.Sprintf("builders[%s]", name)
		if b.Port < 1 || b.Port > 65535 {
			errs = append(errs, fmt.Errorf("%s.port %d is out of range", prefix, b.Port))
			continue
		}
		if prev, ok := seenPorts[b.Port]; ok {
			errs = append(errs, fmt.Errorf("%s.port %d collides with %s", prefix, b.Port, prev))
		}
		seenPorts[b.Port] = prefix
		if b.Type != "opencode" && b.Type != "claude-code" {
			slog.Warn("unknown builder type — may be a typo or third-party backend",
				"builder", name, "type", b.Type)
		}
	}

	return errors.Join(errs...)
}

func localURL(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}
