// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/skiffworks/skiff/lib/bridge"
	"github.com/skiffworks/skiff/lib/session"
	"github.com/skiffworks/skiff/lib/toolview"
)

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Italic(true)
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	toolErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	permStyle      = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("11")).
			Padding(0, 1)
	escapeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧"}

// stateChangedMsg repaints after any session mutation. Sent from the
// session's OnChange callback.
type stateChangedMsg struct{}

type spinnerTickMsg struct{}

type uiModel struct {
	session    *session.Session
	supervisor *bridge.Bridge

	viewport viewport.Model
	input    textarea.Model

	width   int
	height  int
	ready   bool
	status  string
	spinner int
}

func newUIModel(activeSession *session.Session, supervisor *bridge.Bridge) *uiModel {
	input := textarea.New()
	input.Placeholder = "Type a prompt (Enter sends, /compact summarizes, Esc cancels)"
	input.Focus()
	input.CharLimit = 0
	input.SetHeight(3)
	input.ShowLineNumbers = false

	return &uiModel{
		session:    activeSession,
		supervisor: supervisor,
		input:      input,
	}
}

// runUI owns the interactive loop. notifyUI is pointed at the running
// program so session changes from the bridge's read goroutine repaint
// the screen.
func runUI(activeSession *session.Session, supervisor *bridge.Bridge, notifyUI *func()) error {
	program := tea.NewProgram(newUIModel(activeSession, supervisor), tea.WithAltScreen())
	*notifyUI = func() { program.Send(stateChangedMsg{}) }
	defer func() { *notifyUI = func() {} }()

	_, err := program.Run()
	return err
}

func (m *uiModel) Init() tea.Cmd {
	return textarea.Blink
}

func spinnerTick() tea.Cmd {
	return tea.Tick(150*time.Millisecond, func(time.Time) tea.Msg {
		return spinnerTickMsg{}
	})
}

func (m *uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		inputHeight := m.input.Height() + 1
		chromeHeight := inputHeight + 3
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-chromeHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - chromeHeight
		}
		m.input.SetWidth(msg.Width - 2)
		m.refreshTranscript()
		return m, nil

	case stateChangedMsg:
		m.refreshTranscript()
		if m.session.Busy() {
			return m, spinnerTick()
		}
		return m, nil

	case spinnerTickMsg:
		if m.session.Busy() {
			m.spinner = (m.spinner + 1) % len(spinnerFrames)
			return m, spinnerTick()
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *uiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if pending := m.session.PendingPermission(); pending != nil {
		switch msg.String() {
		case "y", "Y":
			m.reportIfError(m.session.RespondPermission(true, ""))
			return m, nil
		case "n", "N":
			m.reportIfError(m.session.RespondPermission(false, "denied by user"))
			return m, nil
		case "ctrl+c":
			m.supervisor.Shutdown()
			return m, tea.Quit
		default:
			// Everything else waits for the verdict.
			return m, nil
		}
	}

	switch msg.String() {
	case "ctrl+c":
		m.supervisor.Shutdown()
		return m, tea.Quit
	case "esc":
		m.reportIfError(m.session.Cancel())
		return m, nil
	case "enter":
		return m.submit()
	case "pgup":
		m.viewport.HalfViewUp()
		return m, nil
	case "pgdown":
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *uiModel) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}

	var err error
	switch {
	case text == "/quit":
		m.supervisor.Shutdown()
		return m, tea.Quit
	case text == "/compact" || strings.HasPrefix(text, "/compact "):
		focus := strings.TrimSpace(strings.TrimPrefix(text, "/compact"))
		err = m.session.Compact(focus)
	default:
		err = m.session.Send(text)
	}

	if err != nil {
		m.reportIfError(err)
		return m, nil
	}
	m.input.Reset()
	m.status = ""
	return m, spinnerTick()
}

func (m *uiModel) reportIfError(err error) {
	switch {
	case err == nil:
		m.status = ""
	case err == bridge.ErrBusy:
		m.status = "still responding; Esc cancels"
	default:
		m.status = err.Error()
	}
}

func (m *uiModel) refreshTranscript() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderTranscript())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *uiModel) View() string {
	if !m.ready {
		return "starting…"
	}

	var sections []string
	sections = append(sections, m.viewport.View())
	if pending := m.session.PendingPermission(); pending != nil {
		sections = append(sections, m.renderPermission(pending))
	}
	sections = append(sections, m.renderStatus(), m.input.View())
	return strings.Join(sections, "\n")
}

func (m *uiModel) renderTranscript() string {
	var builder strings.Builder
	for _, message := range m.session.Messages() {
		builder.WriteString(renderMessage(message, m.width))
		builder.WriteString("\n\n")
	}
	return builder.String()
}

func renderMessage(message session.Message, width int) string {
	switch message.Role {
	case session.RoleUser:
		return userStyle.Render("you") + "\n" + message.Text
	case session.RoleAssistant:
		return assistantStyle.Render(message.Text)
	case session.RoleSystem:
		return systemStyle.Render(message.Text)
	case session.RoleTool:
		return renderTool(message.Tool, width)
	}
	return message.Text
}

func renderTool(activity *toolview.Activity, width int) string {
	if activity == nil {
		return ""
	}
	style := toolStyle
	if activity.Result.IsError {
		style = toolErrorStyle
	}
	header := style.Render("⚙ " + activity.ToolName + inputSummary(activity.Input))

	body := ""
	switch activity.Result.Kind {
	case toolview.ResultKindCommand:
		body = strings.TrimRight(activity.Result.Stdout, "\n")
		if activity.Result.Stderr != "" {
			body += "\n" + activity.Result.Stderr
		}
		if activity.Result.ExitCode != 0 {
			body += fmt.Sprintf("\n(exit %d)", activity.Result.ExitCode)
		}
	case toolview.ResultKindDiff:
		lines := make([]string, 0, len(activity.Result.Diff))
		for _, line := range activity.Result.Diff {
			prefix := " "
			switch line.Op {
			case toolview.DiffAdd:
				prefix = "+"
			case toolview.DiffDelete:
				prefix = "-"
			}
			lines = append(lines, prefix+line.Text)
		}
		body = strings.Join(lines, "\n")
	case toolview.ResultKindFiles:
		body = strings.Join(activity.Result.Files, "\n")
	case toolview.ResultKindTasks:
		lines := make([]string, 0, len(activity.Result.Tasks))
		for _, task := range activity.Result.Tasks {
			lines = append(lines, fmt.Sprintf("[%s] %s", task.Status, task.Subject))
		}
		body = strings.Join(lines, "\n")
	default:
		body = truncate(activity.Result.Raw, 400)
	}
	if body == "" {
		return header
	}
	return header + "\n" + toolStyle.Render(truncate(body, 2000))
}

func inputSummary(input toolview.Input) string {
	switch {
	case input.Command != "":
		return ": " + input.Command
	case input.FilePath != "":
		return ": " + input.FilePath
	case input.Pattern != "":
		return ": " + input.Pattern
	case input.Description != "":
		return ": " + input.Description
	}
	return ""
}

func (m *uiModel) renderPermission(pending *session.PermissionRequest) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s wants to run. Allow? [y/n]\n", pending.ToolName)
	if pending.Reason != "" {
		builder.WriteString(pending.Reason + "\n")
	}
	for _, key := range toolview.SortedKeys(pending.InputSummary) {
		fmt.Fprintf(&builder, "  %s: %s\n", key, truncate(pending.InputSummary[key], 120))
	}
	if pending.EscapesWorkingDirectory {
		builder.WriteString(escapeStyle.Render("target is outside the working directory"))
	}
	return permStyle.Render(strings.TrimRight(builder.String(), "\n"))
}

func (m *uiModel) renderStatus() string {
	var parts []string
	if m.session.Busy() {
		verb := "responding"
		if m.session.Compacting() {
			verb = "compacting"
		}
		parts = append(parts, spinnerFrames[m.spinner]+" "+verb)
	}
	if tasks := m.session.Tasks(); len(tasks) > 0 {
		parts = append(parts, taskSummary(tasks))
	}
	if usage := m.session.LastUsage(); usage != nil {
		parts = append(parts, fmt.Sprintf("tokens %d→%d", usage.InputTokens, usage.OutputTokens))
	}
	if duration := m.session.LastDurationMs(); duration > 0 {
		parts = append(parts, fmt.Sprintf("%.1fs", float64(duration)/1000))
	}
	if cost := m.session.TotalCostUSD(); cost > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f", cost))
	}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	if len(parts) == 0 {
		parts = append(parts, "session "+m.session.ID())
	}
	return statusStyle.Render(strings.Join(parts, "  ·  "))
}

func taskSummary(tasks map[string]session.Task) string {
	done := 0
	var active []string
	for _, task := range tasks {
		if task.Status == "completed" {
			done++
		}
		if task.Status == "in_progress" {
			label := task.ActiveForm
			if label == "" {
				label = task.Subject
			}
			active = append(active, label)
		}
	}
	sort.Strings(active)
	summary := fmt.Sprintf("tasks %d/%d", done, len(tasks))
	if len(active) > 0 {
		summary += " (" + strings.Join(active, ", ") + ")"
	}
	return summary
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "…"
}
