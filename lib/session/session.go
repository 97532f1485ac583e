// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/skiffworks/skiff/lib/bridge"
	"github.com/skiffworks/skiff/lib/clock"
	"github.com/skiffworks/skiff/lib/protocol"
	"github.com/skiffworks/skiff/lib/toolview"
)

var (
	// ErrNoContinuation is returned by Compact when no continuation
	// token has been issued yet: there is no prior context to compact.
	ErrNoContinuation = errors.New("session: no continuation token yet")

	// ErrNoPendingPermission is returned by RespondPermission when no
	// permission request is outstanding.
	ErrNoPendingPermission = errors.New("session: no pending permission request")
)

// cancelledMarker is appended to partial assistant text when the user
// cancels mid-stream.
const cancelledMarker = "\n\n[cancelled]"

// Sentinel texts for the compaction system message.
const (
	compactingText         = "Compacting conversation…"
	compactedText          = "Conversation compacted."
	compactionFailedText   = "Compaction failed."
	compactionCancelledTxt = "Compaction cancelled."
)

// Transport is the command channel to the bridge process. *bridge.Bridge
// satisfies it.
type Transport interface {
	Send(command protocol.Command) error
	Cancel() error
}

// Settings are the per-session defaults carried on every query. They
// are a snapshot taken at construction, not a live reference to any
// shared configuration.
type Settings struct {
	WorkingDirectory string
	PermissionMode   string
	Model            string
	SystemPrompt     string
}

// Config configures a Session.
type Config struct {
	// ID identifies the session locally (snapshot filenames, logs).
	// Distinct from the backend's continuation token.
	ID string

	// Transport carries commands to the bridge process. Required.
	Transport Transport

	// Settings are the defaults attached to every query.
	Settings Settings

	// Clock stamps transcript messages. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives state machine diagnostics. Defaults to a text
	// handler on stderr.
	Logger *slog.Logger

	// OnChange fires after every state mutation, outside the session
	// lock. The UI and the snapshot store hang off this.
	OnChange func()
}

// Session is the state machine for one conversation. All methods are
// safe for concurrent use; mutations are serialized internally.
type Session struct {
	id        string
	transport Transport
	settings  Settings
	clock     clock.Clock
	logger    *slog.Logger
	onChange  func()

	mutex        sync.Mutex
	messages     []Message
	continuation string
	totalCostUSD float64
	lastUsage    *protocol.Usage

	// lastDurationMs and lastContextTokens accompany lastUsage: the
	// wall-clock latency and context window occupancy reported by the
	// most recent result event.
	lastDurationMs    int64
	lastContextTokens int64

	tasks map[string]Task

	responding bool
	compacting bool

	// compactingIndex points at the sentinel system message while a
	// compaction is in flight; -1 otherwise.
	compactingIndex int

	// streamBuffer is the authoritative text of the in-progress
	// assistant message; streamIndex points at that message, -1 when
	// no turn is streaming.
	streamBuffer []byte
	streamIndex  int

	// newTurn marks that the next token or set_text starts a fresh
	// assistant message.
	newTurn bool

	pending *PermissionRequest
}

// New creates a fresh session with an empty transcript.
func New(config Config) *Session {
	return build(config, Snapshot{})
}

// Restore creates a session from a persisted snapshot. The transport
// pairing is fresh: the bridge process is launched lazily on the
// first Send.
func Restore(config Config, snapshot Snapshot) *Session {
	return build(config, snapshot)
}

func build(config Config, snapshot Snapshot) *Session {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	tasks := make(map[string]Task, len(snapshot.Tasks))
	for id, task := range snapshot.Tasks {
		tasks[id] = task
	}
	session := &Session{
		id:                config.ID,
		transport:         config.Transport,
		settings:          config.Settings,
		clock:             config.Clock,
		logger:            config.Logger,
		onChange:          config.OnChange,
		messages:          append([]Message(nil), snapshot.Messages...),
		continuation:      snapshot.ContinuationToken,
		totalCostUSD:      snapshot.TotalCostUSD,
		lastDurationMs:    snapshot.LastDurationMs,
		lastContextTokens: snapshot.LastContextTokens,
		tasks:             tasks,
		compactingIndex:   -1,
		streamIndex:       -1,
	}
	if snapshot.LastUsage != nil {
		usage := *snapshot.LastUsage
		session.lastUsage = &usage
	}
	return session
}

// ID returns the local session identifier.
func (session *Session) ID() string { return session.id }

// Send submits a user prompt. It appends the user message and an
// empty assistant placeholder, then emits a query carrying the
// continuation token and the session settings. Returns bridge.ErrBusy
// while an exchange is already in flight.
func (session *Session) Send(text string) error {
	session.mutex.Lock()
	if session.busyLocked() {
		session.mutex.Unlock()
		return bridge.ErrBusy
	}

	command := protocol.QueryCommand{
		Prompt:           text,
		WorkingDirectory: session.settings.WorkingDirectory,
		PermissionMode:   session.settings.PermissionMode,
		SessionID:        session.continuation,
		Model:            session.settings.Model,
		SystemPrompt:     session.settings.SystemPrompt,
	}
	if err := session.transport.Send(command); err != nil {
		session.mutex.Unlock()
		return err
	}

	now := session.clock.Now()
	session.messages = append(session.messages,
		Message{Role: RoleUser, Text: text, Timestamp: now},
		Message{Role: RoleAssistant, Timestamp: now})
	session.responding = true
	session.streamBuffer = session.streamBuffer[:0]
	session.streamIndex = len(session.messages) - 1
	session.newTurn = false
	session.mutex.Unlock()

	session.notify()
	return nil
}

// Compact asks the backend to summarize the conversation so far. It
// requires a continuation token and an idle session. The optional
// focus string steers what the summary should emphasize.
func (session *Session) Compact(focus string) error {
	session.mutex.Lock()
	if session.busyLocked() {
		session.mutex.Unlock()
		return bridge.ErrBusy
	}
	if session.continuation == "" {
		session.mutex.Unlock()
		return ErrNoContinuation
	}

	command := protocol.CompactCommand{
		SessionID:         session.continuation,
		WorkingDirectory:  session.settings.WorkingDirectory,
		PermissionMode:    session.settings.PermissionMode,
		Model:             session.settings.Model,
		FocusInstructions: focus,
	}
	if err := session.transport.Send(command); err != nil {
		session.mutex.Unlock()
		return err
	}

	now := session.clock.Now()
	session.messages = append(session.messages,
		Message{Role: RoleSystem, Text: compactingText, Timestamp: now},
		Message{Role: RoleAssistant, Timestamp: now})
	session.compacting = true
	session.compactingIndex = len(session.messages) - 2
	session.streamBuffer = session.streamBuffer[:0]
	session.streamIndex = len(session.messages) - 1
	session.newTurn = false
	session.mutex.Unlock()

	session.notify()
	return nil
}

// Cancel aborts the in-flight exchange. It is a no-op when the
// session is idle. State is cleared locally without waiting for any
// acknowledgment: partial streamed text is kept with a cancellation
// marker, an untouched placeholder is removed.
func (session *Session) Cancel() error {
	session.mutex.Lock()
	if !session.busyLocked() {
		session.mutex.Unlock()
		return nil
	}

	cancelErr := session.transport.Cancel()

	if session.compactingIndex >= 0 {
		session.messages[session.compactingIndex].Text = compactionCancelledTxt
		session.compactingIndex = -1
	}
	if session.streamIndex >= 0 && session.messages[session.streamIndex].Text != "" {
		session.messages[session.streamIndex].Text += cancelledMarker
	} else {
		session.removeTrailingEmptyAssistantLocked()
	}
	session.responding = false
	session.compacting = false
	session.resetStreamLocked()
	session.mutex.Unlock()

	session.notify()
	return cancelErr
}

// RespondPermission answers the pending permission request. The
// pending slot is cleared immediately on send; the protocol carries
// no acknowledgment for this message.
func (session *Session) RespondPermission(allow bool, message string) error {
	session.mutex.Lock()
	if session.pending == nil {
		session.mutex.Unlock()
		return ErrNoPendingPermission
	}
	requestID := session.pending.RequestID
	session.pending = nil

	behavior := protocol.PermissionDeny
	if allow {
		behavior = protocol.PermissionAllow
	}
	err := session.transport.Send(protocol.PermissionResponseCommand{
		RequestID: requestID,
		Behavior:  behavior,
		Message:   message,
	})
	session.mutex.Unlock()

	session.notify()
	return err
}

// HandleEvent consumes one decoded bridge event. Wire it to
// bridge.Config.OnEvent. Events mutate state in arrival order.
func (session *Session) HandleEvent(event protocol.Event) {
	session.mutex.Lock()
	switch event.Type {
	case protocol.EventTypeToken:
		session.appendStreamLocked(event.Token.Text, false)
	case protocol.EventTypeSetText:
		session.appendStreamLocked(event.SetText.Text, true)
	case protocol.EventTypeTurnComplete:
		session.newTurn = true
	case protocol.EventTypeToolActivity:
		session.handleToolActivityLocked(event.ToolActivity)
	case protocol.EventTypePermissionRequest:
		session.handlePermissionRequestLocked(event.PermissionRequest)
	case protocol.EventTypeResult:
		session.handleResultLocked(event.Result)
	case protocol.EventTypeError:
		session.handleErrorLocked(event.Error.Message)
	default:
		// ready and debug never reach the session; anything else is
		// forward-compatible noise.
		session.logger.Debug("ignoring event", "event_type", string(event.Type))
	}
	session.mutex.Unlock()

	session.notify()
}

// HandleFailure consumes a fatal supervision error (authentication
// failure, process death mid-exchange). Wire it to
// bridge.Config.OnFailure. The error lands in the transcript as a
// system message and the session becomes sendable again.
func (session *Session) HandleFailure(err error) {
	session.mutex.Lock()
	if session.compactingIndex >= 0 {
		session.messages[session.compactingIndex].Text = compactionFailedText
		session.compactingIndex = -1
	}
	session.messages = append(session.messages, Message{
		Role:      RoleSystem,
		Text:      err.Error(),
		Timestamp: session.clock.Now(),
	})
	session.responding = false
	session.compacting = false
	session.resetStreamLocked()
	session.mutex.Unlock()

	session.notify()
}

// appendStreamLocked applies a token delta or a set_text replacement.
// The buffer holds the turn's authoritative text; the message is
// overwritten from it on every event.
func (session *Session) appendStreamLocked(text string, replace bool) {
	if session.newTurn || session.streamIndex < 0 {
		session.messages = append(session.messages, Message{
			Role:      RoleAssistant,
			Timestamp: session.clock.Now(),
		})
		session.streamIndex = len(session.messages) - 1
		session.streamBuffer = session.streamBuffer[:0]
		session.newTurn = false
	}
	if replace {
		session.streamBuffer = append(session.streamBuffer[:0], text...)
	} else {
		session.streamBuffer = append(session.streamBuffer, text...)
	}
	session.messages[session.streamIndex].Text = string(session.streamBuffer)
}

// handleToolActivityLocked appends a tool message and reconciles the
// task table. Tool calls always start a discrete message: a
// placeholder that never received text is dropped so the tool entry
// is not preceded by an empty bubble, and the next assistant content
// opens a new message.
func (session *Session) handleToolActivityLocked(activity *protocol.ToolActivityEvent) {
	interpreted := toolview.Interpret(activity.ToolName, activity.Input, activity.Result)

	session.removeTrailingEmptyAssistantLocked()
	session.messages = append(session.messages, Message{
		Role:      RoleTool,
		Timestamp: session.clock.Now(),
		Tool:      &interpreted,
	})
	session.reconcileTasksLocked(activity.ToolName, interpreted.Result.Tasks)
	session.newTurn = true
}

// reconcileTasksLocked folds a task tool's records into the table.
// The todo tool sends the full list, so it replaces the table
// wholesale; the single-task tools upsert or delete one record each.
func (session *Session) reconcileTasksLocked(toolName string, records []toolview.TaskRecord) {
	switch toolName {
	case "TodoWrite":
		session.tasks = make(map[string]Task, len(records))
		for _, record := range records {
			if record.Status == "deleted" {
				continue
			}
			session.tasks[record.ID] = taskFromRecord(record)
		}
	case "TaskCreate", "TaskUpdate", "TaskDelete":
		if session.tasks == nil {
			session.tasks = make(map[string]Task)
		}
		for _, record := range records {
			if toolName == "TaskDelete" || record.Status == "deleted" {
				delete(session.tasks, record.ID)
				continue
			}
			session.tasks[record.ID] = taskFromRecord(record)
		}
	}
}

func taskFromRecord(record toolview.TaskRecord) Task {
	return Task{
		Subject:    record.Subject,
		Status:     record.Status,
		ActiveForm: record.ActiveForm,
		BlockedBy:  append([]string(nil), record.BlockedBy...),
	}
}

// handlePermissionRequestLocked records the pending request. The
// protocol allows only one outstanding; a second one is a sequencing
// violation, logged and then adopted so the user always sees the
// newest request.
func (session *Session) handlePermissionRequestLocked(request *protocol.PermissionRequestEvent) {
	if session.pending != nil {
		session.logger.Warn("overlapping permission request",
			"pending_id", session.pending.RequestID,
			"new_id", request.RequestID,
			"tool", request.ToolName)
	}
	summary := toolview.FlattenInput(request.Input)
	target := targetPath(summary)
	session.pending = &PermissionRequest{
		RequestID:               request.RequestID,
		ToolName:                request.ToolName,
		InputSummary:            summary,
		Reason:                  request.Reason,
		WorkingDirectory:        session.settings.WorkingDirectory,
		EscapesWorkingDirectory: escapesDirectory(target, session.settings.WorkingDirectory),
	}
}

// handleResultLocked ends the exchange: adopt the continuation token
// and accounting, finalize the streamed text, drop a placeholder that
// never produced content.
func (session *Session) handleResultLocked(result *protocol.ResultEvent) {
	session.responding = false
	session.compacting = false
	if session.compactingIndex >= 0 {
		session.messages[session.compactingIndex].Text = compactedText
		session.compactingIndex = -1
	}

	if result.SessionID != "" {
		session.continuation = result.SessionID
	}
	if result.Usage != nil {
		usage := *result.Usage
		session.lastUsage = &usage
	}
	if result.DurationMs > 0 {
		session.lastDurationMs = result.DurationMs
	}
	if result.ContextTokens > 0 {
		session.lastContextTokens = result.ContextTokens
	}
	session.totalCostUSD += result.CostUSD

	if last := len(session.messages) - 1; last >= 0 &&
		session.messages[last].Role == RoleAssistant &&
		session.messages[last].Text == "" {
		if result.Text != "" {
			// Nothing streamed for the final turn; the result carries
			// the only copy of the text.
			session.messages[last].Text = result.Text
		} else {
			session.messages = session.messages[:last]
		}
	}
	session.resetStreamLocked()
}

// handleErrorLocked records a backend error as a system message. The
// transcript is otherwise untouched: partial streamed text stays.
func (session *Session) handleErrorLocked(message string) {
	session.responding = false
	session.compacting = false
	if session.compactingIndex >= 0 {
		session.messages[session.compactingIndex].Text = compactionFailedText
		session.compactingIndex = -1
	}
	session.messages = append(session.messages, Message{
		Role:      RoleSystem,
		Text:      message,
		Timestamp: session.clock.Now(),
	})
	session.resetStreamLocked()
}

func (session *Session) removeTrailingEmptyAssistantLocked() {
	last := len(session.messages) - 1
	if last >= 0 && session.messages[last].Role == RoleAssistant && session.messages[last].Text == "" {
		session.messages = session.messages[:last]
		if session.streamIndex == last {
			session.streamIndex = -1
		}
	}
}

func (session *Session) resetStreamLocked() {
	session.streamBuffer = session.streamBuffer[:0]
	session.streamIndex = -1
	session.newTurn = false
}

func (session *Session) busyLocked() bool {
	return session.responding || session.compacting
}

func (session *Session) notify() {
	if session.onChange != nil {
		session.onChange()
	}
}

// Responding reports whether a query exchange is in flight.
func (session *Session) Responding() bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.responding
}

// Compacting reports whether a compaction exchange is in flight.
func (session *Session) Compacting() bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.compacting
}

// Busy reports whether any exchange is in flight.
func (session *Session) Busy() bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.busyLocked()
}

// Messages returns a copy of the transcript in insertion order.
func (session *Session) Messages() []Message {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return append([]Message(nil), session.messages...)
}

// Tasks returns a copy of the task table.
func (session *Session) Tasks() map[string]Task {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	tasks := make(map[string]Task, len(session.tasks))
	for id, task := range session.tasks {
		tasks[id] = task
	}
	return tasks
}

// PendingPermission returns a copy of the outstanding permission
// request, or nil.
func (session *Session) PendingPermission() *PermissionRequest {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if session.pending == nil {
		return nil
	}
	pending := *session.pending
	return &pending
}

// ContinuationToken returns the backend's resume token, empty before
// the first successful exchange.
func (session *Session) ContinuationToken() string {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.continuation
}

// TotalCostUSD returns the cumulative cost across all exchanges.
func (session *Session) TotalCostUSD() float64 {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.totalCostUSD
}

// LastUsage returns the most recent exchange's token accounting, or
// nil before the first result.
func (session *Session) LastUsage() *protocol.Usage {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if session.lastUsage == nil {
		return nil
	}
	usage := *session.lastUsage
	return &usage
}

// LastDurationMs returns the wall-clock duration of the most recent
// exchange in milliseconds, or zero before the first result.
func (session *Session) LastDurationMs() int64 {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.lastDurationMs
}

// LastContextTokens returns the context window occupancy after the
// most recent exchange, or zero before the first result.
func (session *Session) LastContextTokens() int64 {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.lastContextTokens
}

// Snapshot returns a deep copy of the session state for persistence.
func (session *Session) Snapshot() Snapshot {
	session.mutex.Lock()
	defer session.mutex.Unlock()

	messages := make([]Message, len(session.messages))
	for i, message := range session.messages {
		copied := message
		if message.Tool != nil {
			tool := *message.Tool
			copied.Tool = &tool
		}
		messages[i] = copied
	}
	tasks := make(map[string]Task, len(session.tasks))
	for id, task := range session.tasks {
		tasks[id] = task
	}
	snapshot := Snapshot{
		SessionID:         session.id,
		Messages:          messages,
		ContinuationToken: session.continuation,
		TotalCostUSD:      session.totalCostUSD,
		LastDurationMs:    session.lastDurationMs,
		LastContextTokens: session.lastContextTokens,
		Tasks:             tasks,
	}
	if session.lastUsage != nil {
		usage := *session.lastUsage
		snapshot.LastUsage = &usage
	}
	return snapshot
}
