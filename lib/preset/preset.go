// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// Package preset loads session presets from disk. A preset bundles
// the per-session settings (model, permission mode, system prompt)
// under a name, so a session can be started as "reviewer" or
// "scratch" instead of repeating flags.
//
// Presets are authored as JSONC files (JSON extended with comments
// and trailing commas), one preset per file; the preset name defaults
// to the filename stem.
package preset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// Preset is one named settings bundle.
type Preset struct {
	// Name identifies the preset. Defaults to the filename stem when
	// the file does not set it.
	Name string `json:"name"`

	// Model overrides the backend's default model.
	Model string `json:"model,omitempty"`

	// PermissionMode selects how tool permissions are handled.
	PermissionMode string `json:"permissionMode,omitempty"`

	// SystemPrompt overrides the system prompt.
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a Preset.
func Parse(data []byte) (Preset, error) {
	stripped := jsonc.ToJSON(data)

	var parsed Preset
	if err := json.Unmarshal(stripped, &parsed); err != nil {
		return Preset{}, fmt.Errorf("parsing preset: %w", err)
	}
	return parsed, nil
}

// ReadFile reads one JSONC preset file. A missing name falls back to
// the filename stem.
func ReadFile(path string) (Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Preset{}, fmt.Errorf("reading %s: %w", path, err)
	}
	parsed, err := Parse(data)
	if err != nil {
		return Preset{}, fmt.Errorf("%s: %w", path, err)
	}
	if parsed.Name == "" {
		parsed.Name = nameFromPath(path)
	}
	return parsed, nil
}

// Catalog is an immutable set of presets loaded from one directory.
type Catalog struct {
	presets map[string]Preset
}

// LoadCatalog reads every .jsonc and .json file in directory. A
// missing directory yields an empty catalog, not an error: presets
// are optional. Duplicate names are an error, the files are in
// conflict.
func LoadCatalog(directory string) (*Catalog, error) {
	catalog := &Catalog{presets: make(map[string]Preset)}

	entries, err := os.ReadDir(directory)
	if err != nil {
		if os.IsNotExist(err) {
			return catalog, nil
		}
		return nil, fmt.Errorf("listing preset directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		extension := filepath.Ext(entry.Name())
		if extension != ".jsonc" && extension != ".json" {
			continue
		}
		parsed, err := ReadFile(filepath.Join(directory, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, duplicate := catalog.presets[parsed.Name]; duplicate {
			return nil, fmt.Errorf("duplicate preset name %q in %s", parsed.Name, entry.Name())
		}
		catalog.presets[parsed.Name] = parsed
	}
	return catalog, nil
}

// Lookup returns the named preset.
func (catalog *Catalog) Lookup(name string) (Preset, bool) {
	found, ok := catalog.presets[name]
	return found, ok
}

// Names returns all preset names in sorted order.
func (catalog *Catalog) Names() []string {
	names := make([]string, 0, len(catalog.presets))
	for name := range catalog.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
