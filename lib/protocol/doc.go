// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the line-delimited JSON wire protocol spoken
// between skiff and the bridge process, and the typed in-memory events
// and commands it maps to.
//
// Every wire message is a single JSON object on a single line with a
// "type" discriminator. Outbound commands are query, compact,
// permission_response, and cancel. Inbound events are ready, token,
// set_text, permission_request, tool_activity, result, error,
// turn_complete, and debug.
//
// The protocol is forward-compatible: DecodeLine ignores
// unknown event types instead of failing, so a newer bridge can emit
// event kinds this build has never heard of without breaking the
// stream.
package protocol
