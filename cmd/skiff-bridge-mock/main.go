// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// skiff-bridge-mock is a stand-in for the real bridge process. It
// speaks the line-delimited JSON protocol on its standard streams:
// handshake, scripted token streaming, tool activity, and results,
// with no backend or API key involved.
//
// Point skiff at it to exercise the full supervisor path:
//
//	skiff --interpreter $(command -v skiff-bridge-mock)
//
// The mock reads the launch nonce from the environment exactly like
// the real bridge script, so the authentication gate is exercised
// too. Run it with SKIFF_BRIDGE_NONCE unset to watch skiff kill the
// process for failing the handshake.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/skiffworks/skiff/lib/bridge"
	"github.com/skiffworks/skiff/lib/process"
)

func main() {
	writer := bufio.NewWriter(os.Stdout)
	emit := func(event map[string]any) {
		data, err := json.Marshal(event)
		if err != nil {
			process.Fatal(fmt.Errorf("encoding event: %w", err))
		}
		writer.Write(data)
		writer.WriteByte('\n')
		writer.Flush()
	}

	emit(map[string]any{"type": "ready", "nonce": os.Getenv(bridge.NonceVariable)})

	exchange := 0
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var command struct {
			Type              string `json:"type"`
			Prompt            string `json:"prompt"`
			SessionID         string `json:"sessionId"`
			RequestID         string `json:"requestId"`
			Behavior          string `json:"behavior"`
			FocusInstructions string `json:"focusInstructions"`
		}
		if err := json.Unmarshal(line, &command); err != nil {
			emit(map[string]any{"type": "debug", "message": fmt.Sprintf("unparseable command: %v", err)})
			continue
		}

		switch command.Type {
		case "query":
			exchange++
			answerQuery(emit, exchange, command.Prompt)
		case "compact":
			exchange++
			emit(map[string]any{"type": "debug", "message": "compacting " + command.SessionID})
			emit(map[string]any{
				"type":      "result",
				"text":      "",
				"sessionId": fmt.Sprintf("mock-%d", exchange),
				"usage":     map[string]any{"inputTokens": 10, "outputTokens": 1, "cacheReadTokens": 0, "cacheCreationTokens": 0},
				"costUSD":   0.0001,
			})
		case "permission_response":
			emit(map[string]any{"type": "debug",
				"message": fmt.Sprintf("permission %s: %s", command.RequestID, command.Behavior)})
		case "cancel":
			emit(map[string]any{"type": "debug", "message": "cancel acknowledged"})
		default:
			emit(map[string]any{"type": "debug", "message": "unknown command " + command.Type})
		}
	}
}

// answerQuery streams a canned response. A prompt starting with
// "run " additionally produces a Bash tool activity followed by a
// turn boundary, so the transcript shows the tool-splitting behavior.
func answerQuery(emit func(map[string]any), exchange int, prompt string) {
	start := time.Now()

	if shellCommand, isRun := strings.CutPrefix(prompt, "run "); isRun {
		emit(map[string]any{"type": "token", "text": "Running that for you."})
		emit(map[string]any{
			"type":     "tool_activity",
			"toolName": "Bash",
			"input":    map[string]any{"command": shellCommand},
			"result":   map[string]any{"stdout": "mock output\n", "stderr": "", "exitCode": 0},
		})
		emit(map[string]any{"type": "turn_complete"})
	}

	final := "You said: " + prompt
	for _, word := range strings.SplitAfter(final, " ") {
		emit(map[string]any{"type": "token", "text": word})
		time.Sleep(20 * time.Millisecond)
	}

	emit(map[string]any{
		"type":       "result",
		"text":       final,
		"sessionId":  fmt.Sprintf("mock-%d", exchange),
		"usage":      map[string]any{"inputTokens": int64(len(prompt)), "outputTokens": int64(len(final)), "cacheReadTokens": 0, "cacheCreationTokens": 0},
		"costUSD":    0.0005,
		"durationMs": time.Since(start).Milliseconds(),
	})
}
