// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "encoding/json"

// EventType classifies inbound bridge events.
type EventType string

const (
	// EventTypeReady is the authentication handshake. It must be the
	// first event after process launch and must carry the launch nonce.
	EventTypeReady EventType = "ready"

	// EventTypeToken is an incremental text delta for the current turn.
	EventTypeToken EventType = "token"

	// EventTypeSetText replaces the current turn's text wholesale. The
	// backend sends it when it corrects or reformats output rather
	// than appending.
	EventTypeSetText EventType = "set_text"

	// EventTypePermissionRequest asks the user to allow or deny a tool
	// invocation.
	EventTypePermissionRequest EventType = "permission_request"

	// EventTypeToolActivity is a structured tool invocation with its
	// result payload.
	EventTypeToolActivity EventType = "tool_activity"

	// EventTypeResult is turn completion: final text, continuation
	// token, usage, and cost.
	EventTypeResult EventType = "result"

	// EventTypeError is a backend-reported error. Recoverable at the
	// session level.
	EventTypeError EventType = "error"

	// EventTypeTurnComplete marks a turn boundary: the next token or
	// set_text starts a fresh assistant message.
	EventTypeTurnComplete EventType = "turn_complete"

	// EventTypeDebug is diagnostic output. Forwarded to the debug log
	// only, never to the session.
	EventTypeDebug EventType = "debug"
)

// Event is a decoded bridge event. Type selects which payload pointer
// is set; EventTypeTurnComplete has no payload.
type Event struct {
	Type EventType

	Ready             *ReadyEvent
	Token             *TokenEvent
	SetText           *SetTextEvent
	PermissionRequest *PermissionRequestEvent
	ToolActivity      *ToolActivityEvent
	Result            *ResultEvent
	Error             *ErrorEvent
	Debug             *DebugEvent
}

// ReadyEvent is the authentication handshake payload.
type ReadyEvent struct {
	// Nonce must equal the value skiff generated at launch and placed
	// in the bridge process's environment.
	Nonce string `json:"nonce"`
}

// TokenEvent carries an incremental text delta.
type TokenEvent struct {
	Text string `json:"text"`
}

// SetTextEvent carries a full-text replacement for the current turn.
type SetTextEvent struct {
	Text string `json:"text"`
}

// PermissionRequestEvent asks for approval of a tool invocation.
type PermissionRequestEvent struct {
	// RequestID correlates the eventual permission_response command.
	RequestID string `json:"requestId"`

	// ToolName is the tool awaiting approval (open string, not a
	// closed set).
	ToolName string `json:"toolName"`

	// Input is the tool's proposed input, preserved as raw JSON.
	Input json.RawMessage `json:"input,omitempty"`

	// Reason is an optional human-readable explanation.
	Reason string `json:"reason,omitempty"`
}

// ToolActivityEvent is a completed tool invocation.
type ToolActivityEvent struct {
	// ToolName is the tool that ran. New tool kinds must not break
	// decoding, so this is a free string.
	ToolName string `json:"toolName"`

	// Input is the tool input, preserved as raw JSON.
	Input json.RawMessage `json:"input,omitempty"`

	// Result is the tool result payload, preserved as raw JSON for
	// per-tool interpretation.
	Result json.RawMessage `json:"result"`
}

// Usage is the token accounting attached to a result event.
type Usage struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens"`
}

// ResultEvent is turn completion.
type ResultEvent struct {
	// Text is the final assistant text for the turn.
	Text string `json:"text"`

	// SessionID is the continuation token for resuming conversational
	// context on the next query. Empty when the backend issued none.
	SessionID string `json:"sessionId,omitempty"`

	// Usage is the token accounting for the exchange.
	Usage *Usage `json:"usage,omitempty"`

	// CostUSD is the cost of the exchange in USD.
	CostUSD float64 `json:"costUSD,omitempty"`

	// DurationMs is the exchange wall-clock duration in milliseconds.
	DurationMs int64 `json:"durationMs,omitempty"`

	// ContextTokens is the context window occupancy after the turn.
	ContextTokens int64 `json:"contextTokens,omitempty"`
}

// ErrorEvent is a backend-reported error.
type ErrorEvent struct {
	Message string `json:"message"`
}

// DebugEvent is diagnostic output from the bridge process.
type DebugEvent struct {
	Message string `json:"message"`
}
