// Package config loads the engine configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete kiln configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	API       APIConfig       `yaml:"api,omitempty"`
	Runner    RunnerConfig    `yaml:"runner"`
	Events    EventsConfig    `yaml:"events,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// WorkspaceConfig defines where entity state and files live.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// RunnerConfig defines how training subprocesses are launched.
type RunnerConfig struct {
	// Command is the interpreter or binary, e.g. "python3".
	Command string `yaml:"command"`
	// Args are prepended before the per-run config path, e.g. ["train.py"].
	Args []string `yaml:"args,omitempty"`
	// GracePeriod is how long a cancelled run gets between SIGTERM and SIGKILL.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// EventsConfig tunes the in-memory event hub.
type EventsConfig struct {
	BufferCapacity int `yaml:"buffer_capacity"`
}

// Default returns the configuration used when no file is present. The
// workspace root defaults to ~/.kiln.
func Default() *Config {
	root := ".kiln"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".kiln")
	}
	return &Config{
		Service: ServiceConfig{
			Name:     "kiln",
			LogLevel: "INFO",
		},
		Workspace: WorkspaceConfig{Root: root},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8484",
		},
		Runner: RunnerConfig{
			Command:     "python3",
			GracePeriod: 5 * time.Second,
		},
		Events: EventsConfig{BufferCapacity: 256},
	}
}

// Load reads configuration from path. A missing file is not an error when
// path is empty; defaults apply and overrides layer on top.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = def.Workspace.Root
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
	if cfg.Runner.Command == "" {
		cfg.Runner.Command = def.Runner.Command
	}
	if cfg.Runner.GracePeriod <= 0 {
		cfg.Runner.GracePeriod = def.Runner.GracePeriod
	}
	if cfg.Events.BufferCapacity <= 0 {
		cfg.Events.BufferCapacity = def.Events.BufferCapacity
	}
}

func validate(cfg *Config) error {
	switch cfg.Service.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Service.LogLevel)
	}
	if cfg.Workspace.Root == "" {
		return fmt.Errorf("workspace root is empty")
	}
	return nil
}
