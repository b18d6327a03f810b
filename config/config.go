// Package config loads the daemon's declarative configuration from
// bridgeflow.yaml and persists bridge options across restarts.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/bridgeflow/core"
	"github.com/petal-labs/bridgeflow/transport"
)

const (
	projectConfigName = "bridgeflow.yaml"
	homeConfigName    = "config.yaml"
)

// File is the declarative startup config shape.
type File struct {
	// Listen is the HTTP listen address (default ":8080").
	Listen string `yaml:"listen,omitempty"`

	// APIKeys maps provider names to credentials. Values may reference
	// environment variables ($VAR or ${VAR}).
	APIKeys map[string]string `yaml:"api_keys,omitempty"`

	// ToolHost is the default MCP tool host for every bridge.
	ToolHost transport.ToolHostConfig `yaml:"tool_host,omitempty"`

	// Events configures the SQLite event journal.
	Events EventsConfig `yaml:"events,omitempty"`

	// HealthInterval overrides the health monitor cadence.
	HealthInterval Duration `yaml:"health_interval,omitempty"`

	// RefreshSchedule is a cron spec for periodic catalog refresh
	// (e.g. "@every 10m"). Empty disables the refresh job.
	RefreshSchedule string `yaml:"refresh_schedule,omitempty"`

	// Bridges declares bridges created at startup, keyed by a config name.
	Bridges map[string]BridgeDeclaration `yaml:"bridges,omitempty"`
}

// EventsConfig configures event journal persistence.
type EventsConfig struct {
	Path           string   `yaml:"path,omitempty"`
	RetentionAge   Duration `yaml:"retention_age,omitempty"`
	RetentionCount int      `yaml:"retention_count,omitempty"`
}

// BridgeDeclaration defines one bridge in bridgeflow.yaml.
type BridgeDeclaration struct {
	Provider         string   `yaml:"provider"`
	Model            string   `yaml:"model"`
	Endpoint         string   `yaml:"endpoint,omitempty"`
	Temperature      *float64 `yaml:"temperature,omitempty"`
	MaxTokens        *int     `yaml:"max_tokens,omitempty"`
	TopP             *float64 `yaml:"top_p,omitempty"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `yaml:"presence_penalty,omitempty"`
	SystemPrompt     string   `yaml:"system_prompt,omitempty"`

	// AutoStart starts the bridge as soon as the daemon is up.
	AutoStart bool `yaml:"auto_start,omitempty"`
}

// Options converts a declaration to bridge options, expanding environment
// references in string fields.
func (d BridgeDeclaration) Options() core.BridgeOptions {
	return core.BridgeOptions{
		Provider:         expand(d.Provider),
		Model:            expand(d.Model),
		Endpoint:         expand(d.Endpoint),
		Temperature:      d.Temperature,
		MaxTokens:        d.MaxTokens,
		TopP:             d.TopP,
		FrequencyPenalty: d.FrequencyPenalty,
		PresencePenalty:  d.PresencePenalty,
		SystemPrompt:     d.SystemPrompt,
	}
}

// DiscoverPath resolves the config location with first-match semantics:
// an explicit path wins (and must exist), then ./bridgeflow.yaml, then
// ~/.bridgeflow/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath) != ""

	candidates := make([]string, 0, 2)
	if explicit {
		candidates = append(candidates, filepath.Clean(strings.TrimSpace(explicitPath)))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".bridgeflow", homeConfigName))
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and parses a config file.
func Load(path string) (File, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() File {
	var cfg File
	cfg.applyDefaults()
	return cfg
}

func (f *File) applyDefaults() {
	if f.Listen == "" {
		f.Listen = ":8080"
	}
	if f.Events.Path == "" {
		f.Events.Path = "bridgeflow.db"
	}
	for provider, key := range f.APIKeys {
		f.APIKeys[provider] = expand(key)
	}
	f.ToolHost.Command = expand(f.ToolHost.Command)
	f.ToolHost.URL = expand(f.ToolHost.URL)
	for i, arg := range f.ToolHost.Args {
		f.ToolHost.Args[i] = expand(arg)
	}
	for key, value := range f.ToolHost.Env {
		f.ToolHost.Env[key] = expand(value)
	}
}

// BridgeNames returns declared bridge names in stable order.
func (f File) BridgeNames() []string {
	names := make([]string, 0, len(f.Bridges))
	for name := range f.Bridges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func expand(value string) string {
	return os.ExpandEnv(value)
}
