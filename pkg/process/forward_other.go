//go:build !unix

package process

import (
	"log/slog"
	"os"
)

// Signaler is a process that can receive signals.
type Signaler interface {
	Signal(sig os.Signal) error
}

// Forwarder does nothing on platforms without POSIX signals.
type Forwarder struct{}

// NewForwarder returns a no-op forwarder.
func NewForwarder(Signaler, *os.File, *slog.Logger) *Forwarder {
	return &Forwarder{}
}

// Start is a no-op.
func (f *Forwarder) Start() {}

// Stop is a no-op.
func (f *Forwarder) Stop() {}
