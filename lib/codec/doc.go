// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides skiff's standard CBOR encoding. Snapshot
// payloads use Core Deterministic Encoding so that the same session
// state always produces identical bytes, which makes the snapshot
// checksum stable and lets the debounced writer skip no-op writes.
package codec
