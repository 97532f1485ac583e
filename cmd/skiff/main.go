// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// skiff is a terminal client for a conversational AI backend, driven
// through a supervised bridge process.
//
// With a terminal attached it runs a full-screen chat UI. With
// --prompt (or when stdin is not a terminal) it runs one exchange
// headlessly and prints the assistant's reply to stdout, which makes
// it usable from scripts and schedulers:
//
//	skiff --prompt "summarize the failing tests" --cwd ~/src/project
//
// Session state persists across runs: --session resumes a stored
// transcript, --list-sessions shows what is on disk.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/skiffworks/skiff/lib/bridge"
	"github.com/skiffworks/skiff/lib/config"
	"github.com/skiffworks/skiff/lib/preset"
	"github.com/skiffworks/skiff/lib/process"
	"github.com/skiffworks/skiff/lib/protocol"
	"github.com/skiffworks/skiff/lib/session"
	"github.com/skiffworks/skiff/lib/snapshot"
)

const versionString = "skiff 0.3.0"

// headlessTimeout bounds one scripted exchange; interactive sessions
// have no deadline.
const headlessTimeout = 10 * time.Minute

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath     string
		promptText     string
		sessionID      string
		presetName     string
		interpreter    string
		script         string
		workingDir     string
		model          string
		permissionMode string
		systemPrompt   string
		listPresets    bool
		listSessions   bool
		verbose        bool
		showVersion    bool
	)

	flagSet := pflag.NewFlagSet("skiff", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to skiff.yaml (default: $SKIFF_CONFIG)")
	flagSet.StringVarP(&promptText, "prompt", "p", "", "run one exchange headlessly and print the reply")
	flagSet.StringVarP(&sessionID, "session", "s", "", "resume a stored session by id")
	flagSet.StringVar(&presetName, "preset", "", "apply a named preset from the catalog")
	flagSet.StringVar(&interpreter, "interpreter", "", "bridge interpreter executable (overrides config)")
	flagSet.StringVar(&script, "script", "", "bridge script path (overrides config)")
	flagSet.StringVar(&workingDir, "cwd", "", "working directory for queries and tool permissions")
	flagSet.StringVar(&model, "model", "", "model override")
	flagSet.StringVar(&permissionMode, "permission-mode", "", "tool permission mode (default, acceptEdits, bypassPermissions)")
	flagSet.StringVar(&systemPrompt, "system-prompt", "", "system prompt override")
	flagSet.BoolVar(&listPresets, "list-presets", false, "list preset names and exit")
	flagSet.BoolVar(&listSessions, "list-sessions", false, "list stored sessions and exit")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log bridge diagnostics to stderr")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(versionString)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if interpreter != "" {
		cfg.Bridge.InterpreterPath = interpreter
	}
	if script != "" {
		cfg.Bridge.ScriptPath = script
	}
	if workingDir != "" {
		cfg.Defaults.WorkingDirectory = workingDir
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	catalog, err := preset.LoadCatalog(cfg.Presets.Directory)
	if err != nil {
		return err
	}
	if listPresets {
		for _, name := range catalog.Names() {
			fmt.Println(name)
		}
		return nil
	}

	store, err := snapshot.NewStore(snapshot.Config{
		Directory: cfg.Snapshots.Directory,
		Debounce:  cfg.Snapshots.Debounce,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	if listSessions {
		return printSessions(store)
	}

	settings := session.Settings{
		WorkingDirectory: cfg.Defaults.WorkingDirectory,
		PermissionMode:   cfg.Defaults.PermissionMode,
		Model:            cfg.Defaults.Model,
		SystemPrompt:     cfg.Defaults.SystemPrompt,
	}
	if presetName != "" {
		selected, found := catalog.Lookup(presetName)
		if !found {
			return fmt.Errorf("unknown preset %q (use --list-presets)", presetName)
		}
		applyPreset(&settings, selected)
	}
	if model != "" {
		settings.Model = model
	}
	if permissionMode != "" {
		settings.PermissionMode = permissionMode
	}
	if systemPrompt != "" {
		settings.SystemPrompt = systemPrompt
	}

	// The session and the bridge reference each other: the bridge's
	// callbacks close over the session variable, which is assigned
	// before any process is launched.
	var activeSession *session.Session

	// notifyUI is swapped in by the interactive UI so state changes
	// repaint the screen; headless mode leaves it inert.
	notifyUI := func() {}

	events := make(chan protocol.Event, 256)
	failures := make(chan error, 4)

	supervisor := bridge.New(bridge.Config{
		WorkingDirectory:   settings.WorkingDirectory,
		InterpreterPath:    cfg.Bridge.InterpreterPath,
		ScriptPath:         cfg.Bridge.ScriptPath,
		CredentialVariable: cfg.Bridge.CredentialVariable,
		RetryDelay:         cfg.Bridge.RetryDelay,
		Logger:             logger,
		OnEvent: func(event protocol.Event) {
			activeSession.HandleEvent(event)
			select {
			case events <- event:
			default:
			}
		},
		OnFailure: func(err error) {
			activeSession.HandleFailure(err)
			select {
			case failures <- err:
			default:
			}
		},
	})
	defer supervisor.Shutdown()

	sessionConfig := session.Config{
		ID:        sessionID,
		Transport: supervisor,
		Settings:  settings,
		Logger:    logger,
		OnChange: func() {
			store.Put(activeSession.Snapshot())
			notifyUI()
		},
	}

	if sessionID != "" {
		restored, err := store.Load(sessionID)
		switch {
		case err == nil:
			activeSession = session.Restore(sessionConfig, restored)
		case errors.Is(err, snapshot.ErrNotFound):
			return fmt.Errorf("no stored session %q (use --list-sessions)", sessionID)
		default:
			return err
		}
	} else {
		sessionConfig.ID = newSessionID()
		activeSession = session.New(sessionConfig)
	}

	if promptText != "" || !term.IsTerminal(int(os.Stdin.Fd())) {
		if promptText == "" {
			return errors.New("stdin is not a terminal; use --prompt for headless runs")
		}
		return runHeadless(activeSession, promptText, events, failures)
	}
	return runUI(activeSession, supervisor, &notifyUI)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func applyPreset(settings *session.Settings, selected preset.Preset) {
	if selected.Model != "" {
		settings.Model = selected.Model
	}
	if selected.PermissionMode != "" {
		settings.PermissionMode = selected.PermissionMode
	}
	if selected.SystemPrompt != "" {
		settings.SystemPrompt = selected.SystemPrompt
	}
}

func printSessions(store *snapshot.Store) error {
	manifests, err := store.List()
	if err != nil {
		return err
	}
	for _, manifest := range manifests {
		fmt.Printf("%s\t%s\t%d bytes\n",
			manifest.SessionID,
			manifest.SavedAt.Local().Format(time.RFC3339),
			manifest.PayloadBytes)
	}
	return nil
}

func newSessionID() string {
	return time.Now().UTC().Format("20060102-150405")
}

// runHeadless performs one exchange and streams the reply to stdout.
// Permission requests are denied: there is nobody to ask.
func runHeadless(activeSession *session.Session, promptText string, events chan protocol.Event, failures chan error) error {
	if err := activeSession.Send(promptText); err != nil {
		return err
	}

	deadline := time.NewTimer(headlessTimeout)
	defer deadline.Stop()

	for {
		select {
		case event := <-events:
			switch event.Type {
			case protocol.EventTypeToken:
				fmt.Print(event.Token.Text)
			case protocol.EventTypeSetText:
				fmt.Print("\r" + event.SetText.Text)
			case protocol.EventTypePermissionRequest:
				if err := activeSession.RespondPermission(false, "headless run, nobody to ask"); err != nil {
					return err
				}
			case protocol.EventTypeResult:
				fmt.Println()
				fmt.Fprintf(os.Stderr, "session %s\n", activeSession.ID())
				return nil
			case protocol.EventTypeError:
				fmt.Println()
				return fmt.Errorf("backend error: %s", event.Error.Message)
			}
		case err := <-failures:
			return err
		case <-deadline.C:
			return fmt.Errorf("no result after %v", headlessTimeout)
		}
	}
}
