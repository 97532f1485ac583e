// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package toolview

// ResultKind classifies the shape of an interpreted tool result.
type ResultKind string

const (
	// ResultKindCommand is shell output: stdout, stderr, exit code.
	ResultKindCommand ResultKind = "command"

	// ResultKindDiff is a list of diff lines from an edit tool.
	ResultKindDiff ResultKind = "diff"

	// ResultKindFiles is a file listing from a search tool.
	ResultKindFiles ResultKind = "files"

	// ResultKindTasks is a list of task records from a task tool.
	ResultKindTasks ResultKind = "tasks"

	// ResultKindRaw is the passthrough for unrecognized tools: the
	// payload rendered as compact JSON.
	ResultKindRaw ResultKind = "raw"
)

// Activity is the interpreted form of one tool invocation, attached to
// a tool-role transcript message.
type Activity struct {
	// ToolName is the tool that ran.
	ToolName string `json:"tool_name"`

	// Input is the typed input projection. All fields optional.
	Input Input `json:"input"`

	// Result is the typed result projection.
	Result Result `json:"result"`
}

// Input is the tool-input projection. Which fields are populated
// depends on the tool; unrecognized input shapes leave everything
// empty.
type Input struct {
	// FilePath is the target file for read/write/edit tools.
	FilePath string `json:"file_path,omitempty"`

	// Command is the shell command for command tools.
	Command string `json:"command,omitempty"`

	// Pattern is the search pattern for search tools.
	Pattern string `json:"pattern,omitempty"`

	// Path is the directory scope for search/list tools.
	Path string `json:"path,omitempty"`

	// Description is a human-readable description when the backend
	// supplies one.
	Description string `json:"description,omitempty"`
}

// Result is the tool-result projection. Kind selects which fields are
// meaningful.
type Result struct {
	Kind ResultKind `json:"kind"`

	// IsError marks a failed invocation.
	IsError bool `json:"is_error,omitempty"`

	// Stdout and Stderr are set for ResultKindCommand.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// ExitCode is set for ResultKindCommand.
	ExitCode int `json:"exit_code,omitempty"`

	// Diff is set for ResultKindDiff.
	Diff []DiffLine `json:"diff,omitempty"`

	// Files is set for ResultKindFiles.
	Files []string `json:"files,omitempty"`

	// Tasks is set for ResultKindTasks.
	Tasks []TaskRecord `json:"tasks,omitempty"`

	// Raw is set for ResultKindRaw: the payload as compact JSON.
	Raw string `json:"raw,omitempty"`
}

// DiffOp classifies a diff line.
type DiffOp string

const (
	// DiffAdd is an added line.
	DiffAdd DiffOp = "add"

	// DiffDelete is a removed line.
	DiffDelete DiffOp = "delete"

	// DiffContext is an unchanged context line.
	DiffContext DiffOp = "context"
)

// DiffLine is one line of an edit tool's diff.
type DiffLine struct {
	Op   DiffOp `json:"op"`
	Text string `json:"text"`
}

// TaskRecord is a task row carried in a task tool's payload. The
// session reconciles these into its task table.
type TaskRecord struct {
	// ID identifies the task within the session's task table.
	ID string `json:"id"`

	// Subject is the task's one-line description.
	Subject string `json:"subject"`

	// Status is one of "pending", "in_progress", "completed", or
	// "deleted". Deleted tasks are removed from the table, not kept
	// as tombstones.
	Status string `json:"status"`

	// ActiveForm is the optional present-tense label shown while the
	// task is in progress.
	ActiveForm string `json:"active_form,omitempty"`

	// BlockedBy lists task IDs this task waits on.
	BlockedBy []string `json:"blocked_by,omitempty"`
}
