// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/skiffworks/skiff/lib/bridge"
	"github.com/skiffworks/skiff/lib/clock"
	"github.com/skiffworks/skiff/lib/protocol"
	"github.com/skiffworks/skiff/lib/testutil"
)

// fakeTransport records every command without touching a process.
type fakeTransport struct {
	commands []protocol.Command
	cancels  int
	sendErr  error
}

func (transport *fakeTransport) Send(command protocol.Command) error {
	if transport.sendErr != nil {
		return transport.sendErr
	}
	transport.commands = append(transport.commands, command)
	return nil
}

func (transport *fakeTransport) Cancel() error {
	transport.cancels++
	return nil
}

func newTestSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	session := New(Config{
		ID:        testutil.UniqueID("session"),
		Transport: transport,
		Settings: Settings{
			WorkingDirectory: "/work/project",
			PermissionMode:   "default",
		},
		Clock:  clock.Fake(time.Unix(1700000000, 0)),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return session, transport
}

// deliver feeds pre-encoded event lines through the protocol decoder,
// the same path the bridge uses.
func deliver(t *testing.T, session *Session, lines ...string) {
	t.Helper()
	for _, line := range lines {
		event, ok, err := protocol.DecodeLine([]byte(line))
		if err != nil {
			t.Fatalf("decoding %q: %v", line, err)
		}
		if !ok {
			t.Fatalf("event line ignored: %q", line)
		}
		session.HandleEvent(event)
	}
}

func requireTranscript(t *testing.T, session *Session, want ...Message) {
	t.Helper()
	messages := session.Messages()
	if len(messages) != len(want) {
		t.Fatalf("transcript has %d messages, want %d: %+v", len(messages), len(want), messages)
	}
	for i, message := range messages {
		if message.Role != want[i].Role {
			t.Fatalf("message %d role = %s, want %s", i, message.Role, want[i].Role)
		}
		if message.Text != want[i].Text {
			t.Fatalf("message %d text = %q, want %q", i, message.Text, want[i].Text)
		}
	}
}

func TestSendStreamsTokensIntoOneAssistantMessage(t *testing.T) {
	session, transport := newTestSession(t)

	if err := session.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	deliver(t, session,
		`{"type":"token","text":"x"}`,
		`{"type":"token","text":"y"}`,
		`{"type":"result","text":"xy","sessionId":"s1"}`)

	requireTranscript(t, session,
		Message{Role: RoleUser, Text: "hello"},
		Message{Role: RoleAssistant, Text: "xy"})
	if token := session.ContinuationToken(); token != "s1" {
		t.Fatalf("continuation token = %q, want s1", token)
	}
	if session.Responding() {
		t.Fatal("still responding after result")
	}
	query, ok := transport.commands[0].(protocol.QueryCommand)
	if !ok {
		t.Fatalf("first command = %T, want QueryCommand", transport.commands[0])
	}
	if query.Prompt != "hello" || query.SessionID != "" {
		t.Fatalf("query = %+v", query)
	}
}

func TestSecondSendCarriesContinuationToken(t *testing.T) {
	session, transport := newTestSession(t)

	session.Send("first")
	deliver(t, session, `{"type":"result","text":"ok","sessionId":"s1"}`)
	session.Send("second")

	query := transport.commands[1].(protocol.QueryCommand)
	if query.SessionID != "s1" {
		t.Fatalf("second query sessionId = %q, want s1", query.SessionID)
	}
}

func TestToolActivitySplitsAssistantMessages(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("run ls")
	deliver(t, session,
		`{"type":"tool_activity","toolName":"Bash","input":{"command":"ls"},"result":{"stdout":"a.txt","exitCode":0}}`,
		`{"type":"turn_complete"}`,
		`{"type":"token","text":"done"}`,
		`{"type":"result","text":"done"}`)

	requireTranscript(t, session,
		Message{Role: RoleUser, Text: "run ls"},
		Message{Role: RoleTool},
		Message{Role: RoleAssistant, Text: "done"})

	tool := session.Messages()[1].Tool
	if tool == nil || tool.ToolName != "Bash" {
		t.Fatalf("tool message = %+v", session.Messages()[1])
	}
	if tool.Result.Stdout != "a.txt" {
		t.Fatalf("tool stdout = %q", tool.Result.Stdout)
	}
}

func TestTurnBoundaryCreatesOneMessagePerRun(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("go")
	deliver(t, session,
		`{"type":"token","text":"first "}`,
		`{"type":"token","text":"run"}`,
		`{"type":"tool_activity","toolName":"Bash","input":{"command":"true"},"result":{"exitCode":0}}`,
		`{"type":"token","text":"second run"}`,
		`{"type":"turn_complete"}`,
		`{"type":"token","text":"third run"}`,
		`{"type":"result","text":"third run"}`)

	requireTranscript(t, session,
		Message{Role: RoleUser, Text: "go"},
		Message{Role: RoleAssistant, Text: "first run"},
		Message{Role: RoleTool},
		Message{Role: RoleAssistant, Text: "second run"},
		Message{Role: RoleAssistant, Text: "third run"})
}

func TestSetTextReplacesStreamedTextWholesale(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("go")
	deliver(t, session,
		`{"type":"token","text":"draft draf"}`,
		`{"type":"set_text","text":"final text"}`,
		`{"type":"token","text":" more"}`,
		`{"type":"result","text":"final text more"}`)

	requireTranscript(t, session,
		Message{Role: RoleUser, Text: "go"},
		Message{Role: RoleAssistant, Text: "final text more"})
}

func TestResultTextFillsUnstreamedTurn(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("quiet")
	deliver(t, session, `{"type":"result","text":"only in result"}`)

	requireTranscript(t, session,
		Message{Role: RoleUser, Text: "quiet"},
		Message{Role: RoleAssistant, Text: "only in result"})
}

func TestEmptyTurnRemovesPlaceholder(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("void")
	deliver(t, session, `{"type":"result","text":""}`)

	requireTranscript(t, session, Message{Role: RoleUser, Text: "void"})
}

func TestSendWhileRespondingIsBusy(t *testing.T) {
	session, transport := newTestSession(t)

	session.Send("first")
	before := session.Messages()

	err := session.Send("second")
	if !errors.Is(err, bridge.ErrBusy) {
		t.Fatalf("second Send = %v, want ErrBusy", err)
	}
	if len(transport.commands) != 1 {
		t.Fatalf("busy Send wrote a command: %+v", transport.commands)
	}
	requireTranscript(t, session, before...)
}

func TestCancelWhenIdleIsNoOp(t *testing.T) {
	session, transport := newTestSession(t)

	if err := session.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if transport.cancels != 0 {
		t.Fatal("idle Cancel reached the transport")
	}
}

func TestCancelKeepsPartialTextWithMarker(t *testing.T) {
	session, transport := newTestSession(t)

	session.Send("long story")
	deliver(t, session, `{"type":"token","text":"once upon"}`)

	if err := session.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if transport.cancels != 1 {
		t.Fatalf("cancels = %d, want 1", transport.cancels)
	}
	if session.Responding() {
		t.Fatal("still responding after Cancel")
	}
	requireTranscript(t, session,
		Message{Role: RoleUser, Text: "long story"},
		Message{Role: RoleAssistant, Text: "once upon" + cancelledMarker})
}

func TestCancelRemovesUntouchedPlaceholder(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("nothing yet")
	if err := session.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	requireTranscript(t, session, Message{Role: RoleUser, Text: "nothing yet"})

	// The session is immediately sendable again.
	if err := session.Send("retry"); err != nil {
		t.Fatalf("Send after Cancel: %v", err)
	}
}

func TestErrorEventPreservesPartialText(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("doomed")
	deliver(t, session,
		`{"type":"token","text":"partial"}`,
		`{"type":"error","message":"backend overloaded"}`)

	requireTranscript(t, session,
		Message{Role: RoleUser, Text: "doomed"},
		Message{Role: RoleAssistant, Text: "partial"},
		Message{Role: RoleSystem, Text: "backend overloaded"})
	if session.Busy() {
		t.Fatal("still busy after error event")
	}
}

func TestTodoListReplacesTaskTableWholesale(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("plan")
	deliver(t, session,
		`{"type":"tool_activity","toolName":"TodoWrite","input":{},"result":{"tasks":[{"taskId":"old","subject":"stale","status":"pending"}]}}`,
		`{"type":"tool_activity","toolName":"TodoWrite","input":{},"result":{"tasks":[{"taskId":"A","subject":"one","status":"pending"},{"taskId":"B","subject":"two","status":"completed"}]}}`)

	tasks := session.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("task table = %+v, want exactly A and B", tasks)
	}
	if tasks["A"].Status != "pending" || tasks["B"].Status != "completed" {
		t.Fatalf("task table = %+v", tasks)
	}
}

func TestTaskToolsUpsertAndDelete(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("work")
	deliver(t, session,
		`{"type":"tool_activity","toolName":"TaskCreate","input":{},"result":{"tasks":[{"taskId":"T1","subject":"build","status":"pending"}]}}`,
		`{"type":"tool_activity","toolName":"TaskUpdate","input":{},"result":{"tasks":[{"taskId":"T1","subject":"build","status":"in_progress","activeForm":"Building"}]}}`,
		`{"type":"tool_activity","toolName":"TaskCreate","input":{},"result":{"tasks":[{"taskId":"T2","subject":"test","status":"pending","blockedBy":["T1"]}]}}`,
		`{"type":"tool_activity","toolName":"TaskDelete","input":{},"result":{"tasks":[{"taskId":"T2","subject":"test","status":"deleted"}]}}`)

	tasks := session.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("task table = %+v, want only T1", tasks)
	}
	if tasks["T1"].Status != "in_progress" || tasks["T1"].ActiveForm != "Building" {
		t.Fatalf("T1 = %+v", tasks["T1"])
	}
}

func TestPermissionRequestRoundTrip(t *testing.T) {
	session, transport := newTestSession(t)

	session.Send("edit it")
	deliver(t, session,
		`{"type":"permission_request","requestId":"req-1","toolName":"Edit","input":{"file_path":"/work/project/main.go"},"reason":"modifies source"}`)

	pending := session.PendingPermission()
	if pending == nil {
		t.Fatal("no pending permission request")
	}
	if pending.RequestID != "req-1" || pending.ToolName != "Edit" {
		t.Fatalf("pending = %+v", pending)
	}
	if pending.InputSummary["file_path"] != "/work/project/main.go" {
		t.Fatalf("input summary = %+v", pending.InputSummary)
	}
	if pending.EscapesWorkingDirectory {
		t.Fatal("in-tree path flagged as escaping the working directory")
	}

	if err := session.RespondPermission(true, ""); err != nil {
		t.Fatalf("RespondPermission: %v", err)
	}
	if session.PendingPermission() != nil {
		t.Fatal("pending slot not cleared on respond")
	}
	response := transport.commands[len(transport.commands)-1].(protocol.PermissionResponseCommand)
	if response.RequestID != "req-1" || response.Behavior != protocol.PermissionAllow {
		t.Fatalf("response = %+v", response)
	}
}

func TestPermissionRequestFlagsEscapingPath(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("edit outside")
	deliver(t, session,
		`{"type":"permission_request","requestId":"req-2","toolName":"Write","input":{"file_path":"/etc/passwd"}}`)

	pending := session.PendingPermission()
	if pending == nil || !pending.EscapesWorkingDirectory {
		t.Fatalf("pending = %+v, want escape flagged", pending)
	}
}

func TestSecondPermissionRequestReplacesPending(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("two asks")
	deliver(t, session,
		`{"type":"permission_request","requestId":"req-1","toolName":"Bash","input":{"command":"ls"}}`,
		`{"type":"permission_request","requestId":"req-2","toolName":"Bash","input":{"command":"pwd"}}`)

	pending := session.PendingPermission()
	if pending == nil || pending.RequestID != "req-2" {
		t.Fatalf("pending = %+v, want the newest request", pending)
	}
}

func TestRespondPermissionWithoutPendingFails(t *testing.T) {
	session, _ := newTestSession(t)
	if err := session.RespondPermission(false, ""); !errors.Is(err, ErrNoPendingPermission) {
		t.Fatalf("err = %v, want ErrNoPendingPermission", err)
	}
}

func TestCompactRequiresContinuationToken(t *testing.T) {
	session, _ := newTestSession(t)
	if err := session.Compact(""); !errors.Is(err, ErrNoContinuation) {
		t.Fatalf("Compact = %v, want ErrNoContinuation", err)
	}
}

func TestCompactFlowUpdatesSentinelMessage(t *testing.T) {
	session, transport := newTestSession(t)

	session.Send("hi")
	deliver(t, session, `{"type":"result","text":"hello","sessionId":"s1"}`)

	if err := session.Compact("keep the decisions"); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !session.Compacting() {
		t.Fatal("not compacting after Compact")
	}
	compact := transport.commands[len(transport.commands)-1].(protocol.CompactCommand)
	if compact.SessionID != "s1" || compact.FocusInstructions != "keep the decisions" {
		t.Fatalf("compact command = %+v", compact)
	}

	deliver(t, session, `{"type":"result","text":"","sessionId":"s2"}`)
	if session.Compacting() {
		t.Fatal("still compacting after result")
	}
	requireTranscript(t, session,
		Message{Role: RoleUser, Text: "hi"},
		Message{Role: RoleAssistant, Text: "hello"},
		Message{Role: RoleSystem, Text: compactedText})
	if token := session.ContinuationToken(); token != "s2" {
		t.Fatalf("continuation token = %q, want s2", token)
	}
}

func TestUsageAndCostAccumulate(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("one")
	deliver(t, session, `{"type":"result","text":"a","sessionId":"s1","usage":{"inputTokens":100,"outputTokens":20,"cacheReadTokens":50,"cacheCreationTokens":0},"costUSD":0.01,"durationMs":1500,"contextTokens":4000}`)
	session.Send("two")
	deliver(t, session, `{"type":"result","text":"b","usage":{"inputTokens":200,"outputTokens":40,"cacheReadTokens":90,"cacheCreationTokens":10},"costUSD":0.02,"durationMs":2600,"contextTokens":9000}`)

	if cost := session.TotalCostUSD(); cost < 0.029 || cost > 0.031 {
		t.Fatalf("total cost = %v, want 0.03", cost)
	}
	usage := session.LastUsage()
	if usage == nil || usage.InputTokens != 200 || usage.CacheReadTokens != 90 {
		t.Fatalf("last usage = %+v", usage)
	}
	if duration := session.LastDurationMs(); duration != 2600 {
		t.Fatalf("last duration = %d, want 2600", duration)
	}
	if context := session.LastContextTokens(); context != 9000 {
		t.Fatalf("last context tokens = %d, want 9000", context)
	}
}

func TestResultWithoutDurationKeepsLastValue(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("one")
	deliver(t, session, `{"type":"result","text":"a","sessionId":"s1","durationMs":1200}`)
	session.Send("two")
	deliver(t, session, `{"type":"result","text":"b"}`)

	if duration := session.LastDurationMs(); duration != 1200 {
		t.Fatalf("last duration = %d, want 1200", duration)
	}
}

func TestHandleFailureLandsInTranscript(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("crash")
	deliver(t, session, `{"type":"token","text":"part"}`)
	session.HandleFailure(fmt.Errorf("bridge process exited during an exchange: %w", bridge.ErrProcessTerminated))

	if session.Busy() {
		t.Fatal("still busy after failure")
	}
	messages := session.Messages()
	last := messages[len(messages)-1]
	if last.Role != RoleSystem || last.Text == "" {
		t.Fatalf("last message = %+v, want system error text", last)
	}

	// A fresh send works without any explicit restart call.
	if err := session.Send("again"); err != nil {
		t.Fatalf("Send after failure: %v", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	session, _ := newTestSession(t)

	session.Send("hello")
	deliver(t, session,
		`{"type":"tool_activity","toolName":"TodoWrite","input":{},"result":{"tasks":[{"taskId":"A","subject":"one","status":"pending"}]}}`,
		`{"type":"token","text":"world"}`,
		`{"type":"result","text":"world","sessionId":"s9","usage":{"inputTokens":10,"outputTokens":5,"cacheReadTokens":0,"cacheCreationTokens":0},"costUSD":0.005,"durationMs":800,"contextTokens":1500}`)

	snapshot := session.Snapshot()
	restored := Restore(Config{
		ID:        snapshot.SessionID,
		Transport: &fakeTransport{},
		Clock:     clock.Fake(time.Unix(1700000000, 0)),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, snapshot)

	requireTranscript(t, restored,
		Message{Role: RoleUser, Text: "hello"},
		Message{Role: RoleTool},
		Message{Role: RoleAssistant, Text: "world"})
	if restored.ContinuationToken() != "s9" {
		t.Fatalf("restored continuation = %q", restored.ContinuationToken())
	}
	if len(restored.Tasks()) != 1 {
		t.Fatalf("restored tasks = %+v", restored.Tasks())
	}
	if restored.TotalCostUSD() != session.TotalCostUSD() {
		t.Fatal("restored cost differs")
	}
	if restored.LastDurationMs() != 800 || restored.LastContextTokens() != 1500 {
		t.Fatalf("restored duration/context = %d/%d",
			restored.LastDurationMs(), restored.LastContextTokens())
	}

	// Mutating the restored session must not touch the snapshot.
	deliver(t, restored, `{"type":"error","message":"later"}`)
	if len(snapshot.Messages) != 3 {
		t.Fatalf("snapshot mutated: %d messages", len(snapshot.Messages))
	}
}

func TestSendErrorLeavesTranscriptUntouched(t *testing.T) {
	transport := &fakeTransport{sendErr: errors.New("no interpreter")}
	session := New(Config{
		ID:        "broken",
		Transport: transport,
		Clock:     clock.Fake(time.Unix(1700000000, 0)),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	if err := session.Send("hello"); err == nil {
		t.Fatal("Send succeeded despite transport error")
	}
	requireTranscript(t, session)
	if session.Busy() {
		t.Fatal("busy after failed Send")
	}
}

func TestOnChangeFiresOnMutation(t *testing.T) {
	transport := &fakeTransport{}
	changes := 0
	session := New(Config{
		ID:        "observed",
		Transport: transport,
		Clock:     clock.Fake(time.Unix(1700000000, 0)),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnChange:  func() { changes++ },
	})

	session.Send("hi")
	deliver(t, session,
		`{"type":"token","text":"a"}`,
		`{"type":"result","text":"a"}`)

	if changes != 3 {
		t.Fatalf("onChange fired %d times, want 3", changes)
	}
}
