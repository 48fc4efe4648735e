// Package process runs programs under a pseudo-terminal.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/Veraticus/expectpty/pkg/interfaces"
	"github.com/creack/pty"
)

// ErrEmptyCommand is returned when there is nothing to run.
var ErrEmptyCommand = errors.New("empty command")

// Options configures how a process is started.
type Options struct {
	Rows uint16
	Cols uint16
	// Env replaces the environment of the child when non-nil.
	Env []string
	Dir string
}

// PTYProcess is a child process whose stdin, stdout and stderr are the
// slave side of a pseudo-terminal. Reads and writes go through the master.
type PTYProcess struct {
	cmd *exec.Cmd
	pty *os.File

	mu     sync.Mutex
	closed bool

	done     chan struct{}
	exitCode int
	waitErr  error
}

// Ensure PTYProcess implements Process and Resizer
var (
	_ interfaces.Process = (*PTYProcess)(nil)
	_ interfaces.Resizer = (*PTYProcess)(nil)
)

// StartCommand splits command on whitespace and starts it. Quoting is not
// interpreted; use Start to pass arguments verbatim.
func StartCommand(command string, opts Options) (*PTYProcess, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, ErrEmptyCommand
	}
	return Start(parts[0], parts[1:], opts)
}

// Start starts name with args attached to a new pseudo-terminal.
func Start(name string, args []string, opts Options) (*PTYProcess, error) {
	if name == "" {
		return nil, ErrEmptyCommand
	}

	cmd := exec.Command(name, args...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &PTYProcess{
		cmd:  cmd,
		pty:  f,
		done: make(chan struct{}),
	}

	// Reap in the background so IsAlive never blocks.
	go p.reap()

	return p, nil
}

func (p *PTYProcess) reap() {
	err := p.cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr):
		p.exitCode = p.cmd.ProcessState.ExitCode()
	default:
		p.exitCode = -1
		p.waitErr = err
	}
	close(p.done)
}

// Read reads output from the terminal. A hung-up terminal is reported as
// io.EOF and a read that would block as (0, nil).
func (p *PTYProcess) Read(b []byte) (int, error) {
	n, err := p.pty.Read(b)
	if err == nil {
		return n, nil
	}
	switch {
	case isHangup(err), errors.Is(err, os.ErrClosed):
		return n, io.EOF
	case isWouldBlock(err):
		return n, nil
	default:
		return n, err
	}
}

// Write sends input to the terminal.
func (p *PTYProcess) Write(b []byte) (int, error) {
	return p.pty.Write(b)
}

// Wait blocks until the process exits and returns its exit code. A process
// killed by a signal reports -1.
func (p *PTYProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

// Done is closed once the process has exited.
func (p *PTYProcess) Done() <-chan struct{} {
	return p.done
}

// IsAlive reports whether the process is still running.
func (p *PTYProcess) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Pid returns the process id of the child.
func (p *PTYProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Resize changes the terminal size seen by the child.
func (p *PTYProcess) Resize(rows, cols uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return os.ErrClosed
	}
	return pty.Setsize(p.pty, &pty.Winsize{Rows: rows, Cols: cols})
}

// InheritSize copies the size of the terminal tty to the process's
// terminal.
func (p *PTYProcess) InheritSize(tty *os.File) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return os.ErrClosed
	}
	return pty.InheritSize(tty, p.pty)
}

// Signal sends sig to the process.
func (p *PTYProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Size returns the current terminal size.
func (p *PTYProcess) Size() (rows, cols uint16, err error) {
	ws, err := pty.GetsizeFull(p.pty)
	if err != nil {
		return 0, 0, err
	}
	return ws.Rows, ws.Cols, nil
}

// Terminate asks the process to stop with SIGTERM and kills it if the
// signal cannot be delivered.
func (p *PTYProcess) Terminate() error {
	if !p.IsAlive() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return p.cmd.Process.Kill()
	}
	return nil
}

// Kill stops the process with SIGKILL.
func (p *PTYProcess) Kill() error {
	if !p.IsAlive() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Close releases the master side of the terminal. The child sees a hangup.
func (p *PTYProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.pty.Close()
}
