// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// interpreterName is the executable the bridge script runs under.
const interpreterName = "node"

// scriptName is the bridge script filename looked up next to the
// skiff executable and in the shared resource directory.
const scriptName = "bridge.js"

// knownInterpreterPaths are checked before PATH. Covers the standard
// Homebrew and system install locations so launch works even when the
// caller's PATH is stripped (e.g. launched from a desktop shell).
var knownInterpreterPaths = []string{
	"/opt/homebrew/bin/node",
	"/usr/local/bin/node",
	"/usr/bin/node",
}

// locateInterpreter resolves the interpreter executable: explicit
// override, then known install paths, then PATH, then a bundled copy
// next to the skiff executable.
func locateInterpreter(override string) (string, error) {
	if override != "" {
		if !isExecutableFile(override) {
			return "", &LaunchError{
				Missing: interpreterName + " interpreter",
				Detail:  "configured path " + override + " is not an executable file",
			}
		}
		return override, nil
	}

	for _, candidate := range knownInterpreterPaths {
		if isExecutableFile(candidate) {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath(interpreterName); err == nil {
		return path, nil
	}

	if bundled := filepath.Join(executableDirectory(), interpreterName); isExecutableFile(bundled) {
		return bundled, nil
	}

	return "", &LaunchError{
		Missing: interpreterName + " interpreter",
		Detail:  "searched " + strings.Join(knownInterpreterPaths, ", ") + ", PATH, and bundled resources",
	}
}

// locateScript resolves the bridge script: explicit override, then
// next to the skiff executable, then the shared resource directory.
func locateScript(override string) (string, error) {
	if override != "" {
		if !isRegularFile(override) {
			return "", &LaunchError{
				Missing: "bridge script",
				Detail:  "configured path " + override + " does not exist",
			}
		}
		return override, nil
	}

	executableDir := executableDirectory()
	candidates := []string{
		filepath.Join(executableDir, scriptName),
		filepath.Join(executableDir, "..", "share", "skiff", scriptName),
	}
	for _, candidate := range candidates {
		if isRegularFile(candidate) {
			return candidate, nil
		}
	}

	return "", &LaunchError{
		Missing: "bridge script",
		Detail:  "searched " + strings.Join(candidates, ", "),
	}
}

func executableDirectory() string {
	executable, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(executable)
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
