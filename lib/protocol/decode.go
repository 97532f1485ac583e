// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
)

// envelope is the common wire envelope: only the discriminator.
type envelope struct {
	Type string `json:"type"`
}

// DecodeLine decodes one wire line into an Event.
//
// The second return value is false when the line carried a known-but-
// reserved tag (tool_progress, tool_use_summary) or an unknown tag;
// both are skipped without error so that new bridge event kinds
// degrade gracefully. An error is returned only for lines that are not
// valid JSON objects or whose payload does not match the declared
// type.
func DecodeLine(line []byte) (Event, bool, error) {
	var head envelope
	if err := json.Unmarshal(line, &head); err != nil {
		return Event{}, false, fmt.Errorf("parsing event envelope: %w", err)
	}

	switch EventType(head.Type) {
	case EventTypeReady:
		payload := &ReadyEvent{}
		if err := json.Unmarshal(line, payload); err != nil {
			return Event{}, false, fmt.Errorf("parsing ready event: %w", err)
		}
		return Event{Type: EventTypeReady, Ready: payload}, true, nil

	case EventTypeToken:
		payload := &TokenEvent{}
		if err := json.Unmarshal(line, payload); err != nil {
			return Event{}, false, fmt.Errorf("parsing token event: %w", err)
		}
		return Event{Type: EventTypeToken, Token: payload}, true, nil

	case EventTypeSetText:
		payload := &SetTextEvent{}
		if err := json.Unmarshal(line, payload); err != nil {
			return Event{}, false, fmt.Errorf("parsing set_text event: %w", err)
		}
		return Event{Type: EventTypeSetText, SetText: payload}, true, nil

	case EventTypePermissionRequest:
		payload := &PermissionRequestEvent{}
		if err := json.Unmarshal(line, payload); err != nil {
			return Event{}, false, fmt.Errorf("parsing permission_request event: %w", err)
		}
		return Event{Type: EventTypePermissionRequest, PermissionRequest: payload}, true, nil

	case EventTypeToolActivity:
		payload := &ToolActivityEvent{}
		if err := json.Unmarshal(line, payload); err != nil {
			return Event{}, false, fmt.Errorf("parsing tool_activity event: %w", err)
		}
		return Event{Type: EventTypeToolActivity, ToolActivity: payload}, true, nil

	case EventTypeResult:
		payload := &ResultEvent{}
		if err := json.Unmarshal(line, payload); err != nil {
			return Event{}, false, fmt.Errorf("parsing result event: %w", err)
		}
		return Event{Type: EventTypeResult, Result: payload}, true, nil

	case EventTypeError:
		payload := &ErrorEvent{}
		if err := json.Unmarshal(line, payload); err != nil {
			return Event{}, false, fmt.Errorf("parsing error event: %w", err)
		}
		return Event{Type: EventTypeError, Error: payload}, true, nil

	case EventTypeTurnComplete:
		return Event{Type: EventTypeTurnComplete}, true, nil

	case EventTypeDebug:
		payload := &DebugEvent{}
		if err := json.Unmarshal(line, payload); err != nil {
			return Event{}, false, fmt.Errorf("parsing debug event: %w", err)
		}
		return Event{Type: EventTypeDebug, Debug: payload}, true, nil

	case "tool_progress", "tool_use_summary":
		// Reserved for future use.
		return Event{}, false, nil

	default:
		// Forward compatibility: unknown tags are not an error.
		return Event{}, false, nil
	}
}
