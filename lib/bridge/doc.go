// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge supervises the bridge process: the long-lived child
// that is skiff's sole channel to the conversational AI backend.
//
// The package owns four concerns that the session state machine
// depends on for correctness:
//
//   - Environment sanitization: the child is launched with a fixed
//     allow-list of variables plus one credential variable and one
//     generated nonce. Ambient secrets are never forwarded.
//
//   - Process supervision: locating the interpreter and bridge script,
//     idempotent start, lazy start with one deferred retry on send,
//     termination detection, and synchronous shutdown.
//
//   - Line transport: a single reader goroutine accumulates raw bytes,
//     splits them on newline boundaries (buffering a trailing partial
//     line across reads), and decodes one JSON event per line.
//     Malformed lines are dropped at debug level; the stream
//     survives stray diagnostic output. Outbound commands are written
//     as exactly one newline-terminated JSON object each.
//
//   - Authentication gate: the first decoded event must be a ready
//     handshake carrying the launch nonce. Anything else kills the
//     process and reports ErrAuthenticationFailed; no events from
//     that process instance are ever forwarded. The nonce is a local
//     single-use value that rejects a stale or foreign process
//     attached to the same pipes, not a network credential.
//
// Events are delivered through the OnEvent callback in the exact order
// the child wrote them, always from the one reader goroutine; the
// consumer serializes its own state behind that guarantee.
package bridge
