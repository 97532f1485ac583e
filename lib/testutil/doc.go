// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for skiff packages.
package testutil
