// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
)

// ErrBusy is returned by Send when an exchange is already in flight.
// The protocol supports exactly one in-flight request; the command is
// rejected locally and nothing is written.
var ErrBusy = errors.New("request already in flight")

// ErrAuthenticationFailed is reported through OnFailure when the first
// event from a freshly launched process is not a ready handshake
// carrying the launch nonce. The process is killed; a new Start is
// required.
var ErrAuthenticationFailed = errors.New("bridge handshake failed")

// ErrProcessTerminated is reported through OnFailure when the bridge
// process exits while an exchange is in flight. Fatal to that exchange
// only; the next Send triggers a fresh launch.
var ErrProcessTerminated = errors.New("bridge process terminated")

// LaunchError means a dependency needed to spawn the bridge process
// could not be found. Fatal to the launch attempt; nothing is retried.
type LaunchError struct {
	// Missing names the dependency ("node interpreter", "bridge script").
	Missing string

	// Detail describes where the search looked.
	Detail string
}

func (launchError *LaunchError) Error() string {
	if launchError.Detail == "" {
		return fmt.Sprintf("launching bridge: %s not found", launchError.Missing)
	}
	return fmt.Sprintf("launching bridge: %s not found (%s)", launchError.Missing, launchError.Detail)
}
