package main

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

var errNotTerminal = errors.New("input is not a terminal")

// Terminal is the user's terminal, switched to raw mode while the user
// interacts with the process.
type Terminal struct {
	file *os.File

	mu    sync.Mutex
	state *term.State
}

// NewTerminal wraps in when it is a terminal. Any other reader gives a
// Terminal whose IsTerminal is false.
func NewTerminal(in io.Reader) *Terminal {
	f, ok := in.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		return &Terminal{}
	}
	return &Terminal{file: f}
}

// IsTerminal reports whether input comes from a terminal.
func (t *Terminal) IsTerminal() bool {
	return t.file != nil
}

// File returns the terminal, or nil.
func (t *Terminal) File() *os.File {
	return t.file
}

// MakeRaw puts the terminal into raw mode until Restore.
func (t *Terminal) MakeRaw() error {
	if t.file == nil {
		return errNotTerminal
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != nil {
		return nil
	}
	state, err := term.MakeRaw(int(t.file.Fd())) // #nosec G115 -- file descriptors fit in an int
	if err != nil {
		return err
	}
	t.state = state
	return nil
}

// Restore undoes MakeRaw. It is safe to call at any time.
func (t *Terminal) Restore() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == nil {
		return nil
	}
	err := term.Restore(int(t.file.Fd()), t.state) // #nosec G115 -- file descriptors fit in an int
	t.state = nil
	return err
}
