// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
)

// PermissionBehavior is the verdict carried by a permission_response.
type PermissionBehavior string

const (
	// PermissionAllow approves the tool invocation.
	PermissionAllow PermissionBehavior = "allow"

	// PermissionDeny rejects the tool invocation.
	PermissionDeny PermissionBehavior = "deny"
)

// Command is an outbound bridge command. The concrete types are
// QueryCommand, CompactCommand, PermissionResponseCommand, and
// CancelCommand; EncodeCommand adds the wire "type" discriminator.
type Command interface {
	commandType() string
}

// QueryCommand starts an exchange.
type QueryCommand struct {
	// Prompt is the user's message text.
	Prompt string `json:"prompt"`

	// WorkingDirectory scopes the exchange's file operations.
	WorkingDirectory string `json:"cwd"`

	// PermissionMode selects how tool permissions are handled
	// (e.g. "default", "acceptEdits", "bypassPermissions").
	PermissionMode string `json:"permissionMode"`

	// SessionID is the continuation token from a prior result event.
	// Empty on the first exchange of a conversation.
	SessionID string `json:"sessionId,omitempty"`

	// Model optionally overrides the backend's default model.
	Model string `json:"model,omitempty"`

	// SystemPrompt optionally overrides the system prompt.
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

func (QueryCommand) commandType() string { return "query" }

// CompactCommand asks the backend to compact the conversation context.
type CompactCommand struct {
	// SessionID is the continuation token of the conversation to
	// compact. Required; there is nothing to compact without prior
	// context.
	SessionID string `json:"sessionId"`

	// WorkingDirectory scopes the compaction exchange.
	WorkingDirectory string `json:"cwd"`

	// PermissionMode is carried for parity with query.
	PermissionMode string `json:"permissionMode"`

	// Model optionally overrides the backend's default model.
	Model string `json:"model,omitempty"`

	// FocusInstructions optionally steers what the compacted summary
	// should emphasize.
	FocusInstructions string `json:"focusInstructions,omitempty"`
}

func (CompactCommand) commandType() string { return "compact" }

// PermissionResponseCommand answers a permission_request event. The
// protocol has no acknowledgment for this message; delivery is
// fire-and-forget.
type PermissionResponseCommand struct {
	// RequestID matches the permission_request's correlation ID.
	RequestID string `json:"requestId"`

	// Behavior is the verdict.
	Behavior PermissionBehavior `json:"behavior"`

	// Message optionally explains a denial to the backend.
	Message string `json:"message,omitempty"`
}

func (PermissionResponseCommand) commandType() string { return "permission_response" }

// CancelCommand aborts the in-flight exchange. Fire-and-forget: the
// caller clears its local state without waiting for the backend.
type CancelCommand struct{}

func (CancelCommand) commandType() string { return "cancel" }

// EncodeCommand serializes a command as exactly one newline-terminated
// JSON line. Commands are never batched into one write.
func EncodeCommand(command Command) ([]byte, error) {
	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("encoding %s command: %w", command.commandType(), err)
	}

	// Splice the type discriminator into the object. Every command
	// marshals to a JSON object, so the body always starts with '{'.
	tag, err := json.Marshal(command.commandType())
	if err != nil {
		return nil, fmt.Errorf("encoding command type tag: %w", err)
	}
	line := make([]byte, 0, len(body)+len(tag)+10)
	line = append(line, `{"type":`...)
	line = append(line, tag...)
	if string(body) != "{}" {
		line = append(line, ',')
		line = append(line, body[1:len(body)-1]...)
	}
	line = append(line, '}', '\n')
	return line, nil
}
