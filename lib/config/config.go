// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for skiff.
//
// Configuration is read from a single YAML file named by:
//   - the SKIFF_CONFIG environment variable, or
//   - the --config flag passed to the command.
//
// The file is optional: every field has a working default, so a fresh
// install runs with no configuration at all. When a file is given it
// is the single source of truth; ambient environment variables never
// override its values. The only expansion performed is ${HOME} in
// paths, for portability of shared config files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVariable names the config file when no --config flag is given.
const EnvVariable = "SKIFF_CONFIG"

// Config is the master configuration for skiff.
type Config struct {
	// Bridge configures the bridge process launch.
	Bridge BridgeConfig `yaml:"bridge"`

	// Defaults are the session settings used when no preset is
	// selected.
	Defaults DefaultsConfig `yaml:"defaults"`

	// Snapshots configures session persistence.
	Snapshots SnapshotsConfig `yaml:"snapshots"`

	// Presets configures the preset catalog.
	Presets PresetsConfig `yaml:"presets"`
}

// BridgeConfig configures how the bridge process is located and run.
type BridgeConfig struct {
	// InterpreterPath overrides interpreter resolution. Empty means
	// search known install paths, then PATH, then bundled resources.
	InterpreterPath string `yaml:"interpreter_path"`

	// ScriptPath overrides bridge script resolution.
	ScriptPath string `yaml:"script_path"`

	// CredentialVariable is the single environment variable forwarded
	// to the bridge process as the backend credential.
	// Default: ANTHROPIC_API_KEY.
	CredentialVariable string `yaml:"credential_variable"`

	// RetryDelay is how long a lazily-starting send waits for the
	// fresh process before writing. Default: 250ms.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultsConfig holds the session settings applied when no preset is
// selected.
type DefaultsConfig struct {
	// WorkingDirectory scopes queries and permission requests.
	// Default: the current directory at startup.
	WorkingDirectory string `yaml:"working_directory"`

	// PermissionMode selects how tool permissions are handled.
	// Default: "default" (ask every time).
	PermissionMode string `yaml:"permission_mode"`

	// Model overrides the backend's default model.
	Model string `yaml:"model"`

	// SystemPrompt overrides the system prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// SnapshotsConfig configures session persistence.
type SnapshotsConfig struct {
	// Directory holds snapshot files.
	// Default: ~/.local/state/skiff/snapshots.
	Directory string `yaml:"directory"`

	// Debounce is the quiet period before a snapshot write.
	// Default: 2s.
	Debounce time.Duration `yaml:"debounce"`
}

// PresetsConfig configures the preset catalog.
type PresetsConfig struct {
	// Directory holds .jsonc preset files.
	// Default: ~/.config/skiff/presets.
	Directory string `yaml:"directory"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	workingDirectory, _ := os.Getwd()

	return &Config{
		Bridge: BridgeConfig{
			CredentialVariable: "ANTHROPIC_API_KEY",
			RetryDelay:         250 * time.Millisecond,
		},
		Defaults: DefaultsConfig{
			WorkingDirectory: workingDirectory,
			PermissionMode:   "default",
		},
		Snapshots: SnapshotsConfig{
			Directory: filepath.Join(homeDir, ".local", "state", "skiff", "snapshots"),
			Debounce:  2 * time.Second,
		},
		Presets: PresetsConfig{
			Directory: filepath.Join(homeDir, ".config", "skiff", "presets"),
		},
	}
}

// Load loads configuration from SKIFF_CONFIG, or returns the defaults
// when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvVariable)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file, merged over the
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables substitutes ${HOME} in path fields.
func (c *Config) expandVariables() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(path *string) {
		*path = strings.ReplaceAll(*path, "${HOME}", homeDir)
	}
	expand(&c.Bridge.InterpreterPath)
	expand(&c.Bridge.ScriptPath)
	expand(&c.Defaults.WorkingDirectory)
	expand(&c.Snapshots.Directory)
	expand(&c.Presets.Directory)
}
