// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds small helpers shared by skiff binary
// entrypoints.
package process
