// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skiffworks/skiff/lib/protocol"
	"github.com/skiffworks/skiff/lib/testutil"
)

const testTimeout = 5 * time.Second

// fakeChild implements child with in-memory pipes. The test plays the
// bridge process: it reads commands from commandLines and emits event
// lines through emit.
type fakeChild struct {
	stdinReader  *io.PipeReader
	stdinWriter  *io.PipeWriter
	stdoutReader *io.PipeReader
	stdoutWriter *io.PipeWriter

	waitChannel chan error
	exitOnce    sync.Once

	mutex      sync.Mutex
	terminated bool

	// commandLines receives each newline-terminated line the bridge
	// writes to stdin.
	commandLines chan string

	// stdinClosed is closed once the bridge closes its write side.
	stdinClosed chan struct{}
}

func newFakeChild() *fakeChild {
	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()
	fake := &fakeChild{
		stdinReader:  stdinReader,
		stdinWriter:  stdinWriter,
		stdoutReader: stdoutReader,
		stdoutWriter: stdoutWriter,
		waitChannel:  make(chan error, 1),
		commandLines: make(chan string, 16),
		stdinClosed:  make(chan struct{}),
	}
	go func() {
		scanner := bufio.NewScanner(stdinReader)
		for scanner.Scan() {
			fake.commandLines <- scanner.Text()
		}
		close(fake.commandLines)
		close(fake.stdinClosed)
	}()
	return fake
}

func (fake *fakeChild) stdin() io.Writer  { return fake.stdinWriter }
func (fake *fakeChild) closeStdin() error { return fake.stdinWriter.Close() }
func (fake *fakeChild) stdout() io.Reader { return fake.stdoutReader }

func (fake *fakeChild) terminate() error {
	fake.mutex.Lock()
	fake.terminated = true
	fake.mutex.Unlock()
	fake.exit(nil)
	return nil
}

func (fake *fakeChild) wait() error { return <-fake.waitChannel }

// exit simulates process death: stdout reaches EOF and wait returns.
func (fake *fakeChild) exit(err error) {
	fake.exitOnce.Do(func() {
		fake.stdoutWriter.Close()
		fake.waitChannel <- err
	})
}

func (fake *fakeChild) wasTerminated() bool {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.terminated
}

// emit writes one event line to the bridge's stdout.
func (fake *fakeChild) emit(t *testing.T, line string) {
	t.Helper()
	if _, err := fmt.Fprintf(fake.stdoutWriter, "%s\n", line); err != nil {
		t.Fatalf("emitting event line: %v", err)
	}
}

// harness wires a Bridge to a fake child and captures callbacks.
type harness struct {
	bridge   *Bridge
	events   chan protocol.Event
	failures chan error

	mutex    sync.Mutex
	children []*fakeChild
	nonces   []string
}

// fakeExecutable creates an executable file so interpreter resolution
// succeeds before the fake launcher takes over.
func fakeExecutable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-node")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("creating fake executable: %v", err)
	}
	return path
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		events:   make(chan protocol.Event, 64),
		failures: make(chan error, 4),
	}
	h.bridge = New(Config{
		WorkingDirectory: t.TempDir(),
		InterpreterPath:  fakeExecutable(t),
		RetryDelay:       time.Millisecond,
		OnEvent:          func(event protocol.Event) { h.events <- event },
		OnFailure:        func(err error) { h.failures <- err },
	})
	h.bridge.launch = func(spec launchSpec) (child, error) {
		fake := newFakeChild()
		h.mutex.Lock()
		h.children = append(h.children, fake)
		h.nonces = append(h.nonces, nonceFromSpec(spec))
		h.mutex.Unlock()
		return fake, nil
	}
	t.Cleanup(h.bridge.Shutdown)
	return h
}

func nonceFromSpec(spec launchSpec) string {
	for _, entry := range spec.environment {
		if value, found := strings.CutPrefix(entry, NonceVariable+"="); found {
			return value
		}
	}
	return ""
}

// start launches the bridge and returns the fake child and its nonce.
func (h *harness) start(t *testing.T) (*fakeChild, string) {
	t.Helper()
	if err := h.bridge.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.children[len(h.children)-1], h.nonces[len(h.nonces)-1]
}

// authenticate starts the bridge and completes the ready handshake.
func (h *harness) authenticate(t *testing.T) *fakeChild {
	t.Helper()
	fake, nonce := h.start(t)
	fake.emit(t, fmt.Sprintf(`{"type":"ready","nonce":%q}`, nonce))
	return fake
}

func requireCommand(t *testing.T, fake *fakeChild, wantType string) map[string]any {
	t.Helper()
	line := testutil.RequireReceive(t, fake.commandLines, testTimeout, "waiting for %s command", wantType)
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		t.Fatalf("command line is not JSON: %q: %v", line, err)
	}
	if fields["type"] != wantType {
		t.Fatalf("command type = %v, want %s (line %q)", fields["type"], wantType, line)
	}
	return fields
}

func requireNoEvents(t *testing.T, h *harness) {
	t.Helper()
	select {
	case event := <-h.events:
		t.Fatalf("unexpected event forwarded: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	if err := h.bridge.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	h.mutex.Lock()
	launches := len(h.children)
	h.mutex.Unlock()
	if launches != 1 {
		t.Fatalf("Start launched %d processes, want 1", launches)
	}
}

func TestNoncesAreUniquePerLaunch(t *testing.T) {
	h := newHarness(t)
	_, first := h.start(t)
	h.bridge.Shutdown()
	_, second := h.start(t)
	if first == "" || second == "" {
		t.Fatal("launch nonce missing from child environment")
	}
	if first == second {
		t.Fatal("nonce reused across launches")
	}
}

func TestAuthenticationForwardsEventsAfterReady(t *testing.T) {
	h := newHarness(t)
	fake := h.authenticate(t)

	fake.emit(t, `{"type":"token","text":"hi"}`)
	event := testutil.RequireReceive(t, h.events, testTimeout, "waiting for token event")
	if event.Type != protocol.EventTypeToken || event.Token.Text != "hi" {
		t.Fatalf("event = %+v", event)
	}
}

func TestAuthenticationSkipsUnrecognizedTagsBeforeReady(t *testing.T) {
	h := newHarness(t)
	fake, nonce := h.start(t)

	// Reserved and unknown tags are not decoded events; the handshake
	// is judged on the first event that decodes.
	fake.emit(t, `{"type":"tool_progress"}`)
	fake.emit(t, `{"type":"something_new"}`)
	fake.emit(t, fmt.Sprintf(`{"type":"ready","nonce":%q}`, nonce))

	fake.emit(t, `{"type":"token","text":"hi"}`)
	event := testutil.RequireReceive(t, h.events, testTimeout, "waiting for token event")
	if event.Type != protocol.EventTypeToken || event.Token.Text != "hi" {
		t.Fatalf("event = %+v", event)
	}
}

func TestAuthenticationRejectsWrongNonce(t *testing.T) {
	h := newHarness(t)
	fake, _ := h.start(t)

	fake.emit(t, `{"type":"ready","nonce":"forged"}`)

	failure := testutil.RequireReceive(t, h.failures, testTimeout, "waiting for auth failure")
	if !errors.Is(failure, ErrAuthenticationFailed) {
		t.Fatalf("failure = %v, want ErrAuthenticationFailed", failure)
	}
	if !fake.wasTerminated() {
		t.Fatal("process not terminated after handshake rejection")
	}
	requireNoEvents(t, h)
	if h.bridge.Running() {
		t.Fatal("bridge still marked running after auth failure")
	}
}

func TestAuthenticationRejectsNonReadyFirstEvent(t *testing.T) {
	h := newHarness(t)
	fake, _ := h.start(t)

	// A stale process blurting a token before any handshake.
	fake.emit(t, `{"type":"token","text":"stale"}`)

	failure := testutil.RequireReceive(t, h.failures, testTimeout, "waiting for auth failure")
	if !errors.Is(failure, ErrAuthenticationFailed) {
		t.Fatalf("failure = %v, want ErrAuthenticationFailed", failure)
	}
	if !fake.wasTerminated() {
		t.Fatal("process not terminated")
	}
	requireNoEvents(t, h)
}

func TestSendRejectsSecondExchangeAsBusy(t *testing.T) {
	h := newHarness(t)
	fake := h.authenticate(t)

	if err := h.bridge.Send(protocol.QueryCommand{Prompt: "first"}); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	requireCommand(t, fake, "query")

	err := h.bridge.Send(protocol.QueryCommand{Prompt: "second"})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second Send = %v, want ErrBusy", err)
	}
	// Busy rejection performs no write.
	select {
	case line := <-fake.commandLines:
		t.Fatalf("busy Send wrote %q", line)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResultEventClearsInFlight(t *testing.T) {
	h := newHarness(t)
	fake := h.authenticate(t)

	if err := h.bridge.Send(protocol.QueryCommand{Prompt: "one"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	requireCommand(t, fake, "query")

	fake.emit(t, `{"type":"result","text":"answer","sessionId":"s1"}`)
	testutil.RequireReceive(t, h.events, testTimeout, "waiting for result event")

	if err := h.bridge.Send(protocol.QueryCommand{Prompt: "two"}); err != nil {
		t.Fatalf("Send after result: %v", err)
	}
	requireCommand(t, fake, "query")
}

func TestCancelWritesCommandAndClearsInFlight(t *testing.T) {
	h := newHarness(t)
	fake := h.authenticate(t)

	if err := h.bridge.Send(protocol.QueryCommand{Prompt: "long task"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	requireCommand(t, fake, "query")

	if err := h.bridge.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	requireCommand(t, fake, "cancel")

	// The in-flight flag cleared locally without waiting for any ack.
	if err := h.bridge.Send(protocol.QueryCommand{Prompt: "next"}); err != nil {
		t.Fatalf("Send after cancel: %v", err)
	}
	requireCommand(t, fake, "query")
}

func TestCancelWhenNotRunningIsNoOp(t *testing.T) {
	h := newHarness(t)
	if err := h.bridge.Cancel(); err != nil {
		t.Fatalf("Cancel on idle bridge: %v", err)
	}
}

func TestProcessExitDuringExchangeReportsTerminated(t *testing.T) {
	h := newHarness(t)
	fake := h.authenticate(t)

	if err := h.bridge.Send(protocol.QueryCommand{Prompt: "doomed"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	requireCommand(t, fake, "query")

	fake.exit(errors.New("exit status 1"))

	failure := testutil.RequireReceive(t, h.failures, testTimeout, "waiting for termination failure")
	if !errors.Is(failure, ErrProcessTerminated) {
		t.Fatalf("failure = %v, want ErrProcessTerminated", failure)
	}
	if h.bridge.Running() {
		t.Fatal("bridge still marked running after process exit")
	}
}

func TestProcessExitWhileIdleIsSilent(t *testing.T) {
	h := newHarness(t)
	fake := h.authenticate(t)

	fake.exit(nil)

	select {
	case failure := <-h.failures:
		t.Fatalf("idle exit reported failure: %v", failure)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShutdownResetsStateSynchronously(t *testing.T) {
	h := newHarness(t)
	fake := h.authenticate(t)

	h.bridge.Shutdown()
	if h.bridge.Running() {
		t.Fatal("Running() = true after Shutdown")
	}
	if !fake.wasTerminated() {
		t.Fatal("child not terminated by Shutdown")
	}
	testutil.RequireClosed(t, fake.stdinClosed, testTimeout, "waiting for stdin to close")
	// Shutdown is not a termination failure.
	select {
	case failure := <-h.failures:
		t.Fatalf("Shutdown reported failure: %v", failure)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendLazilyStartsProcess(t *testing.T) {
	h := newHarness(t)

	done := make(chan error, 1)
	go func() { done <- h.bridge.Send(protocol.QueryCommand{Prompt: "wake up"}) }()

	// The bridge must launch, wait out the retry delay, then write.
	if err := testutil.RequireReceive(t, done, testTimeout, "waiting for lazy Send"); err != nil {
		t.Fatalf("lazy Send: %v", err)
	}
	h.mutex.Lock()
	fake := h.children[0]
	h.mutex.Unlock()
	requireCommand(t, fake, "query")
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	h := newHarness(t)
	fake := h.authenticate(t)

	fake.emit(t, `this is not json`)
	fake.emit(t, `{"type":"token","text":`)
	fake.emit(t, `{"type":"token","text":"survived"}`)

	event := testutil.RequireReceive(t, h.events, testTimeout, "waiting for valid token after garbage")
	if event.Type != protocol.EventTypeToken || event.Token.Text != "survived" {
		t.Fatalf("event = %+v", event)
	}
}

func TestDebugEventsNotForwarded(t *testing.T) {
	h := newHarness(t)
	fake := h.authenticate(t)

	fake.emit(t, `{"type":"debug","message":"verbose internals"}`)
	fake.emit(t, `{"type":"token","text":"visible"}`)

	event := testutil.RequireReceive(t, h.events, testTimeout, "waiting for token")
	if event.Type != protocol.EventTypeToken {
		t.Fatalf("first forwarded event = %+v, want the token (debug must stay in the log)", event)
	}
}

func TestLaunchErrorNamesMissingInterpreter(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-node")
	bridgeWithBadPath := New(Config{InterpreterPath: missing})

	err := bridgeWithBadPath.Start()
	var launchError *LaunchError
	if !errors.As(err, &launchError) {
		t.Fatalf("Start = %v, want LaunchError", err)
	}
	if !strings.Contains(launchError.Missing, "interpreter") {
		t.Fatalf("LaunchError.Missing = %q, should name the interpreter", launchError.Missing)
	}
}
