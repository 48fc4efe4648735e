package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/Veraticus/expectpty/pkg/config"
	"github.com/Veraticus/expectpty/pkg/dialog"
	"github.com/Veraticus/expectpty/pkg/expect"
	"github.com/Veraticus/expectpty/pkg/interfaces"
	"github.com/Veraticus/expectpty/pkg/logging"
	"github.com/Veraticus/expectpty/pkg/process"
	"github.com/Veraticus/expectpty/pkg/transcript"
	"github.com/dustin/go-humanize"
)

// exitGrace is how long a process gets to exit on its own after the
// dialog ends before its terminal is hung up.
var exitGrace = 500 * time.Millisecond

// Exit codes that do not come from the process.
const (
	exitFailure = 1
	exitKilled  = 128 + 9
)

// Dependencies holds all the dependencies for the application
type Dependencies struct {
	Config   *config.Config
	Logger   *slog.Logger
	Dialog   *dialog.Dialog
	Runner   *dialog.Runner
	Terminal *Terminal

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewDependencies creates all dependencies with the given configuration
func NewDependencies(cfg *config.Config, opts *Options) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logging.FromEnv(),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}

	if opts.DialogPath != "" {
		d, err := dialog.Load(opts.DialogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load dialog: %w", err)
		}
		deps.Dialog = d
	}

	deps.Runner = dialog.NewRunner(deps.Logger)
	deps.Terminal = NewTerminal(deps.Stdin)

	return deps, nil
}

// Close cleans up all dependencies
func (d *Dependencies) Close() {
	if d.Terminal != nil {
		_ = d.Terminal.Restore() // Best effort
	}
}

// outputEcho copies process output to a writer as it is read.
type outputEcho struct {
	w io.Writer
}

func (e outputEcho) Record(dir interfaces.Direction, data []byte) error {
	if dir != interfaces.Output {
		return nil
	}
	_, err := e.w.Write(data)
	return err
}

// Application represents the main application
type Application struct {
	deps *Dependencies

	mu       sync.Mutex
	session  *expect.Session
	exitCode int
}

// NewApplication creates a new application with the given dependencies
func NewApplication(deps *Dependencies) *Application {
	return &Application{
		deps: deps,
	}
}

// Run opens the session, runs the dialog and hands over to the user when
// asked to. The exit code is set on return.
func (a *Application) Run(opts *Options) error {
	cfg, err := a.sessionConfig(opts)
	if err != nil {
		a.setExitCode(exitFailure)
		return err
	}

	sess, err := a.open(opts, cfg)
	if err != nil {
		a.setExitCode(exitFailure)
		return err
	}
	a.mu.Lock()
	a.session = sess
	a.mu.Unlock()
	defer func() { _ = sess.Close() }()

	started := time.Now()
	if a.deps.Dialog != nil {
		report, err := a.deps.Runner.Run(sess, a.deps.Dialog)
		if opts.Verbose || err != nil {
			printReport(a.deps.Stderr, report, opts.Verbose)
		}
		if err != nil {
			a.setExitCode(exitFailure)
			return fmt.Errorf("dialog failed: %w", err)
		}
	}

	if opts.Interact {
		if err := a.interact(sess, !opts.Quiet); err != nil {
			a.setExitCode(exitFailure)
			return fmt.Errorf("interact: %w", err)
		}
	}

	a.setExitCode(a.finish(sess))

	if opts.Verbose {
		_ = sess.Close()
		a.printSummary(cfg, time.Since(started))
	}
	return nil
}

// sessionConfig layers the dialog's config section and then explicit
// flags over the loaded configuration.
func (a *Application) sessionConfig(opts *Options) (*config.Config, error) {
	var cfg *config.Config
	if a.deps.Dialog != nil {
		c, err := a.deps.Dialog.ApplyConfig(a.deps.Config)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		c := *a.deps.Config
		cfg = &c
	}

	if opts.Changed("timeout") {
		cfg.Timeout = opts.Timeout
	}
	if opts.Changed("max-buffer") {
		cfg.MaxBufferSize = opts.MaxBuffer
	}
	if opts.Changed("strip-ansi") {
		cfg.StripANSI = opts.StripANSI
	}
	if opts.Changed("transcript") {
		cfg.TranscriptPath = opts.Transcript
	}
	if opts.Changed("compress") {
		cfg.CompressTranscript = opts.Compress
	}
	if opts.Replay != "" && cfg.TranscriptPath != "" {
		a.deps.Logger.Debug("not recording a replayed session", "transcript", cfg.TranscriptPath)
		cfg.TranscriptPath = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// command picks the program to run: the command line wins over the dialog.
func (a *Application) command(opts *Options) (string, []string, error) {
	if len(opts.Command) > 0 {
		return opts.Command[0], opts.Command[1:], nil
	}
	if a.deps.Dialog != nil && a.deps.Dialog.Command != "" {
		return a.deps.Dialog.Command, a.deps.Dialog.Args, nil
	}
	return "", nil, errors.New("no command: name one on the command line or in the dialog")
}

func (a *Application) open(opts *Options, cfg *config.Config) (*expect.Session, error) {
	sessOpts := []expect.Option{expect.WithLogger(a.deps.Logger)}
	if !opts.Quiet {
		sessOpts = append(sessOpts, expect.WithRecorder(outputEcho{w: a.deps.Stdout}))
	}

	if opts.Replay != "" {
		entries, err := transcript.Load(opts.Replay)
		if err != nil {
			return nil, fmt.Errorf("failed to load transcript: %w", err)
		}
		replay := transcript.NewReplayer(entries, transcript.WithPacing(opts.Pacing))
		return expect.New(replay, cfg, sessOpts...)
	}

	name, args, err := a.command(opts)
	if err != nil {
		return nil, err
	}
	a.deps.Logger.Debug("starting command", "command", name, "args", args)
	return expect.SpawnArgs(name, args, cfg, sessOpts...)
}

// interact connects the user to the process until its output ends. When
// output is already echoed, Interact only pumps input.
func (a *Application) interact(sess *expect.Session, echoing bool) error {
	t := a.deps.Terminal
	if t != nil && t.IsTerminal() {
		if err := t.MakeRaw(); err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer func() { _ = t.Restore() }()

		if sig, ok := sess.Process().(process.Signaler); ok {
			fwd := process.NewForwarder(sig, t.File(), a.deps.Logger)
			fwd.Start()
			defer fwd.Stop()
		}
	}

	out := a.deps.Stdout
	if echoing {
		out = io.Discard
	}
	return sess.Interact(a.deps.Stdin, out)
}

type terminator interface {
	Terminate() error
}

type killer interface {
	Kill() error
}

// finish reaps the process. One still running after exitGrace is hung up,
// which gives exit code 0. If it outlives that by another exitGrace it is
// sent SIGTERM, and after one more SIGKILL, which gives exitKilled.
func (a *Application) finish(sess *expect.Session) int {
	type waitResult struct {
		code int
		err  error
	}
	done := make(chan waitResult, 1)
	go func() {
		code, err := sess.Wait()
		done <- waitResult{code: code, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			a.deps.Logger.Warn("failed to wait for process", "error", r.err)
			return exitFailure
		}
		if r.code < 0 {
			return exitFailure
		}
		return r.code
	case <-time.After(exitGrace):
	}

	a.deps.Logger.Debug("process still running, hanging up")
	_ = sess.Close()
	select {
	case <-done:
		return 0
	case <-time.After(exitGrace):
	}

	if t, ok := sess.Process().(terminator); ok {
		a.deps.Logger.Debug("process ignored hangup, terminating")
		_ = t.Terminate()
	}
	select {
	case <-done:
		return 0
	case <-time.After(exitGrace):
	}

	k, ok := sess.Process().(killer)
	if !ok {
		<-done
		return 0
	}
	a.deps.Logger.Debug("process ignored SIGTERM, killing")
	if err := k.Kill(); err != nil {
		a.deps.Logger.Warn("failed to kill process", "error", err)
		return exitKilled
	}
	<-done
	return exitKilled
}

// Stop closes the session and restores the terminal.
func (a *Application) Stop() error {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Close()
	}
	if a.deps.Terminal != nil {
		err = errors.Join(err, a.deps.Terminal.Restore())
	}
	return err
}

// ExitCode returns the exit code of the run
func (a *Application) ExitCode() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitCode
}

func (a *Application) setExitCode(code int) {
	a.mu.Lock()
	a.exitCode = code
	a.mu.Unlock()
}

// printReport lists the steps that ran. Unless all is set only the failing
// step is shown.
func printReport(w io.Writer, report *dialog.Report, all bool) {
	if report == nil {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range report.Steps {
		if !all && s.Err == nil {
			continue
		}
		status := "ok"
		if s.Err != nil {
			status = "FAILED: " + s.Err.Error()
		}
		name := s.Name
		if name == "" {
			name = "-"
		}
		detail := ""
		if s.Match != nil && s.Match.Matched != "" {
			detail = fmt.Sprintf("%q", s.Match.Matched)
		}
		fmt.Fprintf(tw, "step %d\t%s\t%s\t%s\t%s\t%s\n",
			s.Index, name, s.Action, s.Duration.Round(time.Millisecond), detail, status)
	}
	_ = tw.Flush()
}

func (a *Application) printSummary(cfg *config.Config, elapsed time.Duration) {
	steps := 0
	if a.deps.Dialog != nil {
		steps = len(a.deps.Dialog.Steps)
	}
	fmt.Fprintf(a.deps.Stderr, "%s steps in %s, exit code %d\n",
		humanize.Comma(int64(steps)), elapsed.Round(time.Millisecond), a.ExitCode())

	if cfg.TranscriptPath == "" {
		return
	}
	if info, err := os.Stat(cfg.TranscriptPath); err == nil {
		fmt.Fprintf(a.deps.Stderr, "transcript %s (%s)\n", cfg.TranscriptPath, humanize.Bytes(uint64(info.Size()))) // #nosec G115 -- sizes are non-negative
	}
}
