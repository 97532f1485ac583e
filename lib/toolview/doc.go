// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolview projects raw tool payloads into display-ready
// summaries: command output for shell tools, diff lines for edit
// tools, file listings for search tools, task records for task tools.
//
// Interpretation is a pure function of (tool name, raw payload).
// Tool names are an open set. The registry dispatches by name and
// falls back to a generic passthrough for names it has never seen, so
// new backend tools degrade to a raw display instead of crashing.
package toolview
