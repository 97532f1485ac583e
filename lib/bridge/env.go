// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import "os"

// NonceVariable carries the per-launch authentication nonce into the
// bridge process's environment. The process must echo it back in its
// ready handshake.
const NonceVariable = "SKIFF_BRIDGE_NONCE"

// DefaultCredentialVariable is the backend credential forwarded to the
// bridge process when Config.CredentialVariable is empty.
const DefaultCredentialVariable = "ANTHROPIC_API_KEY"

// allowedVariables is the fixed allow-list of ambient variables
// forwarded to the bridge process: interpreter and path resolution,
// and locale. Everything else, cloud credentials included,
// is withheld. This list is enumerated exhaustively and is never
// merged with the full ambient environment.
var allowedVariables = []string{
	"PATH",
	"HOME",
	"USER",
	"SHELL",
	"TMPDIR",
	"LANG",
	"LC_ALL",
	"LC_CTYPE",
}

// buildEnvironment constructs the child's environment from the
// allow-list, the single credential variable, and the launch nonce.
// Variables absent from the ambient environment are omitted rather
// than forwarded empty.
func buildEnvironment(credentialVariable, nonce string) []string {
	names := make([]string, 0, len(allowedVariables)+1)
	names = append(names, allowedVariables...)
	if credentialVariable != "" {
		names = append(names, credentialVariable)
	}

	environment := make([]string, 0, len(names)+1)
	for _, name := range names {
		if value, present := os.LookupEnv(name); present {
			environment = append(environment, name+"="+value)
		}
	}
	environment = append(environment, NonceVariable+"="+nonce)
	return environment
}
