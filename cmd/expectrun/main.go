package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Veraticus/expectpty/pkg/config"
	"github.com/Veraticus/expectpty/pkg/logging"
	flag "github.com/spf13/pflag"
)

// Options are the command line settings of one run.
type Options struct {
	ConfigPath string
	DialogPath string
	Timeout    time.Duration
	MaxBuffer  int
	StripANSI  bool
	Transcript string
	Compress   bool
	Interact   bool
	Replay     string
	Pacing     float64
	Quiet      bool
	Verbose    bool
	Help       bool

	// Command overrides the dialog's command when not empty.
	Command []string

	changed func(name string) bool
}

// Changed reports whether the flag was given explicitly.
func (o *Options) Changed(name string) bool {
	return o.changed != nil && o.changed(name)
}

func newFlagSet(opts *Options) *flag.FlagSet {
	fs := flag.NewFlagSet("expectrun", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	// Everything after the first positional argument belongs to the command.
	fs.SetInterspersed(false)

	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to config file")
	fs.StringVarP(&opts.DialogPath, "dialog", "d", "", "Dialog file to run")
	fs.DurationVarP(&opts.Timeout, "timeout", "t", config.DefaultTimeout, "Expect timeout (0 waits forever)")
	fs.IntVar(&opts.MaxBuffer, "max-buffer", config.DefaultMaxBufferSize, "Maximum buffered output in bytes")
	fs.BoolVar(&opts.StripANSI, "strip-ansi", false, "Remove escape sequences before matching")
	fs.StringVarP(&opts.Transcript, "transcript", "o", "", "Record the session to this file")
	fs.BoolVar(&opts.Compress, "compress", false, "Compress the transcript with zstd")
	fs.BoolVarP(&opts.Interact, "interact", "i", false, "Hand the terminal to the user after the dialog")
	fs.StringVar(&opts.Replay, "replay", "", "Run against a recorded transcript instead of a process")
	fs.Float64Var(&opts.Pacing, "pacing", 0, "Replay speed; 1 reproduces recorded timing, 0 replays at once")
	fs.BoolVarP(&opts.Quiet, "quiet", "q", false, "Do not echo process output")
	fs.BoolVarP(&opts.Verbose, "verbose", "v", false, "Print a report of every step")
	fs.BoolVarP(&opts.Help, "help", "h", false, "Show help message")

	return fs
}

// parseArgs parses the command line without the program name.
func parseArgs(args []string) (*Options, error) {
	opts := &Options{}
	fs := newFlagSet(opts)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.Command = fs.Args()
	opts.changed = func(name string) bool { return fs.Changed(name) }

	if opts.Help {
		return opts, nil
	}
	if opts.DialogPath == "" && !opts.Interact {
		return nil, errors.New("nothing to do: give --dialog or --interact")
	}
	if opts.Replay != "" && len(opts.Command) > 0 {
		return nil, errors.New("--replay does not take a command")
	}
	if opts.Pacing < 0 {
		return nil, errors.New("--pacing must not be negative")
	}
	return opts, nil
}

// loadConfig reads the config file named by --config, or the default one.
func loadConfig(opts *Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.LoadFile(opts.ConfigPath)
	}
	return config.Load()
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if opts.Help {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	deps, err := NewDependencies(cfg, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	app := NewApplication(deps)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Ensure terminal restoration on panic
	defer func() {
		if r := recover(); r != nil {
			_ = app.Stop()
			panic(r)
		}
	}()

	go func() {
		<-sigChan
		if err := app.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping process: %v\n", err)
		}
		os.Exit(130)
	}()

	if logging.DebugEnabled() {
		deps.Logger.Debug("starting", "dialog", opts.DialogPath, "command", opts.Command, "replay", opts.Replay)
	}

	if err := app.Run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "expectrun: %v\n", err)
	}

	deps.Close()
	os.Exit(app.ExitCode())
}

func printUsage(w io.Writer) {
	fs := newFlagSet(&Options{})

	fmt.Fprintln(w, "expectrun - drive interactive programs from a dialog file")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: expectrun [OPTIONS] [COMMAND [ARGS...]]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fmt.Fprint(w, fs.FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "COMMAND overrides the command named in the dialog. Flags after it are")
	fmt.Fprintln(w, "passed to the command.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment Variables:")
	fmt.Fprintln(w, "  EXPECTPTY_CONFIG       Path to config file")
	fmt.Fprintln(w, "  EXPECTPTY_TIMEOUT      Expect timeout (default: 30s)")
	fmt.Fprintln(w, "  EXPECTPTY_MAX_BUFFER   Maximum buffered output (default: 8192)")
	fmt.Fprintln(w, "  EXPECTPTY_STRIP_ANSI   Remove escape sequences (true/false)")
	fmt.Fprintln(w, "  EXPECTPTY_ROWS         Terminal rows (default: 24)")
	fmt.Fprintln(w, "  EXPECTPTY_COLS         Terminal columns (default: 80)")
	fmt.Fprintln(w, "  EXPECTPTY_TRANSCRIPT   Record the session to this file")
	fmt.Fprintln(w, "  EXPECTPTY_DEBUG        Debug logging on stderr (true/false)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Exit status is the command's, 1 when the dialog fails, 130 on interrupt,")
	fmt.Fprintln(w, "137 when a command that outlived the dialog had to be killed.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration file: ~/.config/expectpty/config.yaml")
}
