// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// Package session maintains the conversation state for one bridge
// process: the ordered transcript, the streaming buffer for the
// in-progress assistant turn, the task table, usage accounting, and
// the pending permission request.
//
// A Session is driven from two sides. The caller issues Send, Cancel,
// Compact, and RespondPermission. The bridge delivers decoded events
// through HandleEvent and fatal supervision errors through
// HandleFailure. All entry points serialize on an internal mutex, so
// the state machine itself is single-threaded: events mutate state in
// the exact order they arrive.
//
// The streaming buffer is the source of truth for the current
// assistant message. Token deltas append to the buffer and the
// message text is overwritten from it, so a later set_text can
// replace the whole turn atomically.
package session
