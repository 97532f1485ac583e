// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/skiffworks/skiff/lib/clock"
	"github.com/skiffworks/skiff/lib/protocol"
)

// defaultRetryDelay is how long a lazily started Send waits before
// writing, giving the freshly spawned process time to open its pipes.
const defaultRetryDelay = 250 * time.Millisecond

// Config holds the configuration for a Bridge.
type Config struct {
	// WorkingDirectory is where the bridge process starts and what
	// its file operations are scoped to.
	WorkingDirectory string

	// InterpreterPath overrides interpreter resolution. When set, the
	// path is used verbatim; the usual search order is skipped.
	InterpreterPath string

	// ScriptPath overrides bridge script resolution. When
	// InterpreterPath is set and ScriptPath is empty, the interpreter
	// is assumed self-contained and launched without a script
	// argument (used by the mock backend).
	ScriptPath string

	// CredentialVariable names the one ambient credential forwarded
	// to the process. Defaults to DefaultCredentialVariable.
	CredentialVariable string

	// RetryDelay overrides the lazy-start write delay. Defaults to
	// defaultRetryDelay.
	RetryDelay time.Duration

	// Clock drives the lazy-start delay. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives transport diagnostics: dropped malformed lines,
	// bridge debug events, stderr output. Defaults to a stderr text
	// handler.
	Logger *slog.Logger

	// OnEvent receives authenticated, decoded events in the exact
	// order the process wrote them. Always called from the one reader
	// goroutine, never concurrently.
	OnEvent func(event protocol.Event)

	// OnFailure receives fatal conditions: ErrAuthenticationFailed
	// and ErrProcessTerminated. The bridge never restarts itself; the
	// next Send launches fresh.
	OnFailure func(err error)
}

// Bridge supervises one bridge process. One Bridge per Session; the
// child process and its pipes are exclusively owned.
type Bridge struct {
	config Config
	launch launcher

	mu            sync.Mutex
	child         child
	nonce         string
	authenticated bool
	inFlight      bool

	// generation increments on every launch and reset. Goroutines
	// belonging to an earlier process instance see a stale generation
	// and stand down instead of mutating current state.
	generation int
}

// New creates a Bridge. The process is not launched until Start or
// the first Send.
func New(config Config) *Bridge {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if config.CredentialVariable == "" {
		config.CredentialVariable = DefaultCredentialVariable
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = defaultRetryDelay
	}
	return &Bridge{config: config, launch: launchProcess}
}

// Start launches the bridge process. Idempotent: a no-op when the
// process is already running.
func (bridge *Bridge) Start() error {
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	return bridge.startLocked()
}

func (bridge *Bridge) startLocked() error {
	if bridge.child != nil {
		return nil
	}

	interpreterPath, err := locateInterpreter(bridge.config.InterpreterPath)
	if err != nil {
		return err
	}
	scriptPath := ""
	if bridge.config.InterpreterPath == "" || bridge.config.ScriptPath != "" {
		scriptPath, err = locateScript(bridge.config.ScriptPath)
		if err != nil {
			return err
		}
	}

	nonce, err := newNonce()
	if err != nil {
		return err
	}

	spawned, err := bridge.launch(launchSpec{
		interpreterPath:  interpreterPath,
		scriptPath:       scriptPath,
		workingDirectory: bridge.config.WorkingDirectory,
		environment:      buildEnvironment(bridge.config.CredentialVariable, nonce),
	})
	if err != nil {
		return err
	}

	bridge.child = spawned
	bridge.nonce = nonce
	bridge.authenticated = false
	bridge.inFlight = false
	bridge.generation++

	bridge.config.Logger.Debug("bridge process launched",
		"interpreter", interpreterPath, "script", scriptPath)

	generation := bridge.generation
	go bridge.readLoop(spawned, generation)
	go bridge.waitLoop(spawned, generation)
	if withStderr, ok := spawned.(interface{ stderr() io.Reader }); ok {
		go bridge.drainStderr(withStderr.stderr())
	}
	return nil
}

// Send writes one command as one newline-terminated JSON line.
//
// If the process is not running it is started and the write is
// deferred once by RetryDelay. A query or compact while an exchange
// is in flight fails with ErrBusy and writes nothing. Writes are
// synchronous and best-effort: no queueing, no acknowledgment.
func (bridge *Bridge) Send(command protocol.Command) error {
	encoded, err := protocol.EncodeCommand(command)
	if err != nil {
		return err
	}

	bridge.mu.Lock()
	if isExchange(command) && bridge.inFlight {
		bridge.mu.Unlock()
		return ErrBusy
	}

	if bridge.child == nil {
		if err := bridge.startLocked(); err != nil {
			bridge.mu.Unlock()
			return err
		}
		launched := bridge.child
		bridge.mu.Unlock()

		// Deferred retry: give the process a moment to come up, then
		// write once. The lock is released so events (including an
		// authentication failure) can be processed meanwhile.
		bridge.config.Clock.Sleep(bridge.config.RetryDelay)

		bridge.mu.Lock()
		if bridge.child != launched {
			bridge.mu.Unlock()
			return fmt.Errorf("bridge process exited during startup: %w", ErrProcessTerminated)
		}
		if isExchange(command) && bridge.inFlight {
			bridge.mu.Unlock()
			return ErrBusy
		}
	}

	_, writeErr := bridge.child.stdin().Write(encoded)
	if writeErr == nil && isExchange(command) {
		bridge.inFlight = true
	}
	bridge.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing bridge command: %w", writeErr)
	}
	return nil
}

// Cancel writes a cancel command and clears the in-flight flag
// locally without waiting for acknowledgment. No-op when nothing is
// running.
func (bridge *Bridge) Cancel() error {
	bridge.mu.Lock()
	bridge.inFlight = false
	running := bridge.child
	bridge.mu.Unlock()

	if running == nil {
		return nil
	}
	encoded, err := protocol.EncodeCommand(protocol.CancelCommand{})
	if err != nil {
		return err
	}
	if _, err := running.stdin().Write(encoded); err != nil {
		return fmt.Errorf("writing cancel command: %w", err)
	}
	return nil
}

// Shutdown closes the write side, kills the process group, and resets
// all lifecycle state synchronously. Safe to call when not running.
func (bridge *Bridge) Shutdown() {
	bridge.mu.Lock()
	running := bridge.child
	bridge.resetLocked()
	bridge.mu.Unlock()

	if running != nil {
		_ = running.closeStdin()
		_ = running.terminate()
	}
}

// Running reports whether a bridge process is currently attached.
func (bridge *Bridge) Running() bool {
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	return bridge.child != nil
}

// resetLocked clears all process state and invalidates outstanding
// goroutines by bumping the generation.
func (bridge *Bridge) resetLocked() {
	bridge.child = nil
	bridge.nonce = ""
	bridge.authenticated = false
	bridge.inFlight = false
	bridge.generation++
}

// readLoop is the single reader: it accumulates stdout bytes, frames
// them into lines, and dispatches decoded events. Exactly one
// readLoop runs per process instance.
func (bridge *Bridge) readLoop(running child, generation int) {
	framer := &lineFramer{}
	buffer := make([]byte, 32*1024)

	for {
		n, readErr := running.stdout().Read(buffer)
		if n > 0 {
			for _, line := range framer.split(buffer[:n]) {
				if !bridge.handleLine(line, generation) {
					return
				}
			}
		}
		if readErr != nil {
			// EOF or closed pipe; waitLoop reports termination.
			return
		}
	}
}

// handleLine decodes and dispatches one line. Returns false when the
// loop must stop: the process instance was replaced or failed
// authentication.
func (bridge *Bridge) handleLine(line []byte, generation int) bool {
	event, ok, err := protocol.DecodeLine(line)
	if err != nil {
		// Malformed lines are dropped without bounding how many we
		// tolerate; stray diagnostic output must not kill the stream.
		bridge.config.Logger.Debug("dropping malformed bridge line",
			"error", err, "line", truncateForLog(line))
		return true
	}
	if !ok {
		return true
	}

	bridge.mu.Lock()
	if generation != bridge.generation {
		bridge.mu.Unlock()
		return false
	}

	if !bridge.authenticated {
		if event.Type != protocol.EventTypeReady || event.Ready.Nonce != bridge.nonce {
			failed := bridge.child
			bridge.resetLocked()
			bridge.mu.Unlock()

			_ = failed.closeStdin()
			_ = failed.terminate()
			bridge.config.Logger.Warn("bridge handshake rejected", "event_type", string(event.Type))
			if bridge.config.OnFailure != nil {
				bridge.config.OnFailure(fmt.Errorf(
					"first event %q did not present the launch nonce: %w",
					event.Type, ErrAuthenticationFailed))
			}
			return false
		}
		bridge.authenticated = true
		bridge.mu.Unlock()
		bridge.config.Logger.Debug("bridge authenticated")
		return true
	}

	// A result or error event ends the in-flight exchange before the
	// consumer sees it, so a follow-up Send from inside the event
	// callback is not rejected as busy.
	if event.Type == protocol.EventTypeResult || event.Type == protocol.EventTypeError {
		bridge.inFlight = false
	}
	bridge.mu.Unlock()

	switch event.Type {
	case protocol.EventTypeReady:
		bridge.config.Logger.Debug("ignoring duplicate ready event")
	case protocol.EventTypeDebug:
		// Debug events go to the debug sink only, never the session.
		bridge.config.Logger.Debug("bridge debug", "message", event.Debug.Message)
	default:
		if bridge.config.OnEvent != nil {
			bridge.config.OnEvent(event)
		}
	}
	return true
}

// waitLoop reaps the process and reports unexpected termination. A
// stale generation means Shutdown or the authentication gate already
// reset the state; nothing to report.
func (bridge *Bridge) waitLoop(running child, generation int) {
	waitErr := running.wait()

	bridge.mu.Lock()
	if generation != bridge.generation {
		bridge.mu.Unlock()
		return
	}
	wasInFlight := bridge.inFlight
	bridge.resetLocked()
	bridge.mu.Unlock()

	bridge.config.Logger.Debug("bridge process exited", "error", waitErr, "in_flight", wasInFlight)
	if wasInFlight && bridge.config.OnFailure != nil {
		bridge.config.OnFailure(fmt.Errorf(
			"bridge process exited during an exchange: %w", ErrProcessTerminated))
	}
}

// drainStderr forwards the child's stderr to the debug log line by
// line. The bridge script prints startup diagnostics there.
func (bridge *Bridge) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		bridge.config.Logger.Debug("bridge stderr", "line", scanner.Text())
	}
}

// isExchange reports whether a command opens an exchange and is
// therefore subject to the single in-flight rule.
func isExchange(command protocol.Command) bool {
	switch command.(type) {
	case protocol.QueryCommand, protocol.CompactCommand:
		return true
	default:
		return false
	}
}

// newNonce generates the per-launch authentication nonce.
func newNonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating launch nonce: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// truncateForLog bounds a dropped line for the debug log.
func truncateForLog(line []byte) string {
	const limit = 160
	if len(line) <= limit {
		return string(line)
	}
	return string(line[:limit]) + "…"
}
