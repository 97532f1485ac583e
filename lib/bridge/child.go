// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// launchSpec describes the process to spawn.
type launchSpec struct {
	interpreterPath  string
	scriptPath       string
	workingDirectory string
	environment      []string
}

// child is a running bridge process. The exec-backed implementation
// is launchProcess; tests substitute an in-memory pipe pair.
type child interface {
	// stdin is the command write side.
	stdin() io.Writer

	// closeStdin closes the write side, signalling no further commands.
	closeStdin() error

	// stdout is the event read side.
	stdout() io.Reader

	// terminate kills the process group. Used by shutdown and by the
	// authentication gate; the bridge process holds no durable state,
	// so there is no graceful period.
	terminate() error

	// wait blocks until the process exits.
	wait() error
}

// launcher spawns a child from a spec. Bridge holds one as a field so
// tests can substitute a fake process.
type launcher func(spec launchSpec) (child, error)

type execChild struct {
	command      *exec.Cmd
	stdinPipe    io.WriteCloser
	stdoutPipe   io.ReadCloser
	stderrPipe   io.ReadCloser
	processGroup int
}

// launchProcess spawns the bridge process in its own process group so
// terminate can reap the interpreter and anything it forked.
func launchProcess(spec launchSpec) (child, error) {
	var arguments []string
	if spec.scriptPath != "" {
		arguments = append(arguments, spec.scriptPath)
	}

	command := exec.Command(spec.interpreterPath, arguments...)
	command.Dir = spec.workingDirectory
	command.Env = spec.environment
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinPipe, err := command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutPipe, err := command.StdoutPipe()
	if err != nil {
		stdinPipe.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := command.StderrPipe()
	if err != nil {
		stdinPipe.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := command.Start(); err != nil {
		stdinPipe.Close()
		stdoutPipe.Close()
		stderrPipe.Close()
		return nil, fmt.Errorf("starting bridge process: %w", err)
	}

	return &execChild{
		command:      command,
		stdinPipe:    stdinPipe,
		stdoutPipe:   stdoutPipe,
		stderrPipe:   stderrPipe,
		processGroup: command.Process.Pid,
	}, nil
}

func (child *execChild) stdin() io.Writer { return child.stdinPipe }

func (child *execChild) closeStdin() error { return child.stdinPipe.Close() }

func (child *execChild) stdout() io.Reader { return child.stdoutPipe }

func (child *execChild) stderr() io.Reader { return child.stderrPipe }

func (child *execChild) terminate() error {
	// Negative pid signals the whole process group (Setpgid above made
	// the child its own group leader).
	return unix.Kill(-child.processGroup, unix.SIGKILL)
}

func (child *execChild) wait() error { return child.command.Wait() }
