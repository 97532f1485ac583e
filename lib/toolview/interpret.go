// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package toolview

import (
	"encoding/json"
	"fmt"
	"sort"
)

// interpreter projects a raw result payload into a typed Result.
type interpreter func(result json.RawMessage) Result

// interpreters dispatches by tool name. Names absent from this table
// fall through to the raw passthrough; an exhaustive match would
// break the first time the backend ships a new tool.
var interpreters = map[string]interpreter{
	"Bash":      interpretCommand,
	"TodoWrite": interpretTasks,

	"Edit":      interpretDiff,
	"MultiEdit": interpretDiff,
	"Write":     interpretDiff,

	"Glob": interpretFiles,
	"Grep": interpretFiles,
	"LS":   interpretFiles,

	"TaskCreate": interpretTasks,
	"TaskUpdate": interpretTasks,
	"TaskDelete": interpretTasks,
}

// Interpret builds the display projection for one tool invocation.
// It is a pure function of (toolName, input, result); no behavior
// depends on accumulated state.
func Interpret(toolName string, input, result json.RawMessage) Activity {
	activity := Activity{
		ToolName: toolName,
		Input:    interpretInput(input),
	}

	if project, known := interpreters[toolName]; known {
		activity.Result = project(result)
	} else {
		activity.Result = interpretRaw(result)
	}
	return activity
}

// interpretInput extracts the common input fields. Tools share field
// names on the wire (file_path, command, pattern, path), so a single
// projection covers all of them; fields a tool does not send stay
// empty.
func interpretInput(input json.RawMessage) Input {
	if len(input) == 0 {
		return Input{}
	}
	var fields struct {
		FilePath    string `json:"file_path"`
		Command     string `json:"command"`
		Pattern     string `json:"pattern"`
		Path        string `json:"path"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(input, &fields); err != nil {
		return Input{}
	}
	return Input{
		FilePath:    fields.FilePath,
		Command:     fields.Command,
		Pattern:     fields.Pattern,
		Path:        fields.Path,
		Description: fields.Description,
	}
}

func interpretCommand(result json.RawMessage) Result {
	var fields struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exitCode"`
		IsError  bool   `json:"isError"`
	}
	if err := json.Unmarshal(result, &fields); err != nil {
		return interpretRaw(result)
	}
	return Result{
		Kind:     ResultKindCommand,
		IsError:  fields.IsError || fields.ExitCode != 0,
		Stdout:   fields.Stdout,
		Stderr:   fields.Stderr,
		ExitCode: fields.ExitCode,
	}
}

func interpretDiff(result json.RawMessage) Result {
	var fields struct {
		Diff []struct {
			Op   string `json:"op"`
			Text string `json:"text"`
		} `json:"diff"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &fields); err != nil || fields.Diff == nil {
		return interpretRaw(result)
	}
	lines := make([]DiffLine, 0, len(fields.Diff))
	for _, line := range fields.Diff {
		op := DiffOp(line.Op)
		switch op {
		case DiffAdd, DiffDelete, DiffContext:
		default:
			op = DiffContext
		}
		lines = append(lines, DiffLine{Op: op, Text: line.Text})
	}
	return Result{Kind: ResultKindDiff, IsError: fields.IsError, Diff: lines}
}

func interpretFiles(result json.RawMessage) Result {
	var fields struct {
		Files   []string `json:"files"`
		IsError bool     `json:"isError"`
	}
	if err := json.Unmarshal(result, &fields); err != nil || fields.Files == nil {
		return interpretRaw(result)
	}
	return Result{Kind: ResultKindFiles, IsError: fields.IsError, Files: fields.Files}
}

func interpretTasks(result json.RawMessage) Result {
	var fields struct {
		Tasks []struct {
			ID         string   `json:"taskId"`
			Subject    string   `json:"subject"`
			Status     string   `json:"status"`
			ActiveForm string   `json:"activeForm"`
			BlockedBy  []string `json:"blockedBy"`
		} `json:"tasks"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &fields); err != nil || fields.Tasks == nil {
		return interpretRaw(result)
	}
	records := make([]TaskRecord, 0, len(fields.Tasks))
	for _, task := range fields.Tasks {
		records = append(records, TaskRecord{
			ID:         task.ID,
			Subject:    task.Subject,
			Status:     task.Status,
			ActiveForm: task.ActiveForm,
			BlockedBy:  task.BlockedBy,
		})
	}
	return Result{Kind: ResultKindTasks, IsError: fields.IsError, Tasks: records}
}

// interpretRaw is the passthrough for unrecognized tools and for
// payloads that do not match their tool's expected shape.
func interpretRaw(result json.RawMessage) Result {
	if len(result) == 0 {
		return Result{Kind: ResultKindRaw}
	}
	compact := result
	var value any
	if err := json.Unmarshal(result, &value); err == nil {
		if encoded, err := json.Marshal(value); err == nil {
			compact = encoded
		}
	}
	return Result{Kind: ResultKindRaw, Raw: string(compact)}
}

// FlattenInput flattens the top-level scalar fields of a raw tool
// input into a string-keyed summary, for presenting a permission
// request. Nested objects and arrays are rendered as compact JSON.
func FlattenInput(input json.RawMessage) map[string]string {
	if len(input) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return nil
	}
	flattened := make(map[string]string, len(fields))
	for key, value := range fields {
		switch typed := value.(type) {
		case string:
			flattened[key] = typed
		case bool:
			flattened[key] = fmt.Sprintf("%t", typed)
		case float64:
			flattened[key] = formatNumber(typed)
		case nil:
			flattened[key] = ""
		default:
			if encoded, err := json.Marshal(typed); err == nil {
				flattened[key] = string(encoded)
			}
		}
	}
	return flattened
}

// SortedKeys returns the keys of a flattened input in stable order,
// for deterministic display.
func SortedKeys(flattened map[string]string) []string {
	keys := make([]string, 0, len(flattened))
	for key := range flattened {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// formatNumber renders a JSON number without a trailing ".0" for
// integral values.
func formatNumber(value float64) string {
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d", int64(value))
	}
	return fmt.Sprintf("%g", value)
}
