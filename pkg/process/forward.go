//go:build unix

package process

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Signaler is a process that can receive signals.
type Signaler interface {
	Signal(sig os.Signal) error
}

type sizeInheritor interface {
	InheritSize(tty *os.File) error
}

// forwardedSignals are relayed to the child while a user interacts with it.
var forwardedSignals = []os.Signal{
	syscall.SIGTERM,
	syscall.SIGINT,
	syscall.SIGHUP,
	syscall.SIGQUIT,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
	syscall.SIGWINCH,
}

// Forwarder relays signals received by this process to a child. SIGWINCH
// is turned into a resize of the child's terminal to match tty.
type Forwarder struct {
	target  Signaler
	tty     *os.File
	logger  *slog.Logger
	sigChan chan os.Signal
	done    chan struct{}
	once    sync.Once
}

// NewForwarder creates a forwarder for target. tty may be nil when there
// is no controlling terminal to copy the size from.
func NewForwarder(target Signaler, tty *os.File, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		target:  target,
		tty:     tty,
		logger:  logger,
		sigChan: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
}

// Start syncs the terminal size once and begins forwarding.
func (f *Forwarder) Start() {
	f.resize()
	signal.Notify(f.sigChan, forwardedSignals...)
	go f.loop()
}

func (f *Forwarder) loop() {
	for {
		select {
		case sig := <-f.sigChan:
			f.handle(sig)
		case <-f.done:
			return
		}
	}
}

func (f *Forwarder) handle(sig os.Signal) {
	if sig == syscall.SIGWINCH {
		f.resize()
		return
	}
	if err := f.target.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		f.logger.Warn("signal forward failed", "signal", sig, "error", err)
	}
}

func (f *Forwarder) resize() {
	if f.tty == nil {
		return
	}
	si, ok := f.target.(sizeInheritor)
	if !ok {
		return
	}
	if err := si.InheritSize(f.tty); err != nil {
		f.logger.Debug("resize failed", "error", err)
	}
}

// Stop ends forwarding and restores default signal handling.
func (f *Forwarder) Stop() {
	f.once.Do(func() {
		signal.Stop(f.sigChan)
		close(f.done)
	})
}
