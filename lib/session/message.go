// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/skiffworks/skiff/lib/protocol"
	"github.com/skiffworks/skiff/lib/toolview"
)

// Role classifies a transcript message.
type Role string

const (
	// RoleUser is a prompt entered by the user.
	RoleUser Role = "user"

	// RoleAssistant is backend-produced text. Mutable while the turn
	// streams, fixed once the turn completes.
	RoleAssistant Role = "assistant"

	// RoleSystem is operational text: errors, compaction markers,
	// cancellations.
	RoleSystem Role = "system"

	// RoleTool is a completed tool invocation.
	RoleTool Role = "tool"
)

// Message is one transcript entry. Insertion order is meaningful and
// preserved across snapshot and restore.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// Tool is set when Role is RoleTool.
	Tool *toolview.Activity `json:"tool,omitempty"`
}

// Task is one row of the session's task table. Deleted tasks are
// removed from the table rather than kept with a deleted status.
type Task struct {
	Subject    string   `json:"subject"`
	Status     string   `json:"status"`
	ActiveForm string   `json:"active_form,omitempty"`
	BlockedBy  []string `json:"blocked_by,omitempty"`
}

// PermissionRequest is a pending tool approval. At most one is
// outstanding per session.
type PermissionRequest struct {
	// RequestID correlates the eventual permission_response command.
	RequestID string

	// ToolName is the tool awaiting approval.
	ToolName string

	// InputSummary is a flattened string projection of the proposed
	// tool input, for display.
	InputSummary map[string]string

	// Reason is the backend's optional explanation.
	Reason string

	// WorkingDirectory is the directory the request is scoped to.
	WorkingDirectory string

	// EscapesWorkingDirectory reports whether the request targets a
	// path outside WorkingDirectory.
	EscapesWorkingDirectory bool
}

// targetPath extracts the filesystem target from a flattened input
// summary, if the tool has one.
func targetPath(summary map[string]string) string {
	if path := summary["file_path"]; path != "" {
		return path
	}
	return summary["path"]
}

// escapesDirectory reports whether target resolves outside root.
// Relative targets are resolved against root.
func escapesDirectory(target, root string) bool {
	if target == "" || root == "" {
		return false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	relative, err := filepath.Rel(root, filepath.Clean(target))
	if err != nil {
		return true
	}
	return relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator))
}

// Snapshot is a read-only projection of the full session state,
// sufficient to reconstruct the session without replaying the
// protocol.
type Snapshot struct {
	SessionID         string          `json:"session_id"`
	Messages          []Message       `json:"messages"`
	ContinuationToken string          `json:"continuation_token,omitempty"`
	TotalCostUSD      float64         `json:"total_cost_usd,omitempty"`
	LastUsage         *protocol.Usage `json:"last_usage,omitempty"`
	LastDurationMs    int64           `json:"last_duration_ms,omitempty"`
	LastContextTokens int64           `json:"last_context_tokens,omitempty"`
	Tasks             map[string]Task `json:"tasks,omitempty"`
}
