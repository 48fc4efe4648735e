// Package testutil provides scripted processes and recorders for tests.
package testutil

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/Veraticus/expectpty/pkg/interfaces"
)

// Chunk is one scripted result of a Read on a MockProcess.
type Chunk struct {
	Data  []byte
	Delay time.Duration
	Err   error
}

// Output returns a chunk that delivers s immediately.
func Output(s string) Chunk {
	return Chunk{Data: []byte(s)}
}

// Delayed returns a chunk that delivers s after d.
func Delayed(d time.Duration, s string) Chunk {
	return Chunk{Data: []byte(s), Delay: d}
}

// Failure returns a chunk that makes Read fail with err.
func Failure(err error) Chunk {
	return Chunk{Err: err}
}

// WouldBlock returns a chunk that makes Read return (0, nil) once.
func WouldBlock() Chunk {
	return Chunk{}
}

// Size is a terminal size passed to Resize.
type Size struct {
	Rows, Cols uint16
}

// MockProcess is a scripted implementation of interfaces.Process.
//
// Reads consume the script in order and block once it runs out, until more
// output is emitted, the process ends, or it is closed. After End the
// remaining script is still delivered, then Read returns io.EOF.
type MockProcess struct {
	mu       sync.Mutex
	script   []Chunk
	ended    bool
	closed   bool
	exitCode int
	waitErr  error
	writeErr error
	input    bytes.Buffer
	writes   [][]byte
	resizes  []Size

	wake   chan struct{}
	exited chan struct{}
	done   chan struct{}
}

// Ensure MockProcess implements Process and Resizer
var (
	_ interfaces.Process = (*MockProcess)(nil)
	_ interfaces.Resizer = (*MockProcess)(nil)
)

// NewMockProcess creates a running process that will produce chunks.
func NewMockProcess(chunks ...Chunk) *MockProcess {
	return &MockProcess{
		script: chunks,
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Emit appends chunks to the script.
func (m *MockProcess) Emit(chunks ...Chunk) {
	m.mu.Lock()
	m.script = append(m.script, chunks...)
	m.mu.Unlock()
	m.notify()
}

// EmitString appends immediate output.
func (m *MockProcess) EmitString(s string) {
	m.Emit(Output(s))
}

// End marks the process as exited with code. Output already scripted is
// still readable before io.EOF.
func (m *MockProcess) End(code int) {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return
	}
	m.ended = true
	m.exitCode = code
	close(m.exited)
	m.mu.Unlock()
	m.notify()
}

func (m *MockProcess) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Read implements io.Reader
func (m *MockProcess) Read(b []byte) (int, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, io.EOF
		}

		if len(m.script) > 0 {
			c := m.script[0]
			if c.Delay > 0 {
				m.script[0].Delay = 0
				m.mu.Unlock()
				select {
				case <-time.After(c.Delay):
				case <-m.done:
				}
				continue
			}
			if c.Err != nil {
				m.script = m.script[1:]
				m.mu.Unlock()
				return 0, c.Err
			}
			n := copy(b, c.Data)
			if n < len(c.Data) {
				m.script[0].Data = c.Data[n:]
			} else {
				m.script = m.script[1:]
			}
			m.mu.Unlock()
			return n, nil
		}

		if m.ended {
			m.mu.Unlock()
			return 0, io.EOF
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-m.done:
		}
	}
}

// Write implements io.Writer and records the input.
func (m *MockProcess) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	m.input.Write(b)
	m.writes = append(m.writes, append([]byte(nil), b...))
	return len(b), nil
}

// Wait blocks until End or Close and returns the exit code.
func (m *MockProcess) Wait() (int, error) {
	select {
	case <-m.exited:
	case <-m.done:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ended {
		return -1, m.waitErr
	}
	return m.exitCode, m.waitErr
}

// IsAlive reports whether End has not been called.
func (m *MockProcess) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.ended && !m.closed
}

// Close unblocks pending reads, which then return io.EOF.
func (m *MockProcess) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}

// Resize implements interfaces.Resizer
func (m *MockProcess) Resize(rows, cols uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resizes = append(m.resizes, Size{Rows: rows, Cols: cols})
	return nil
}

// SetWriteError sets the error to return from Write
func (m *MockProcess) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetWaitError sets the error to return from Wait
func (m *MockProcess) SetWaitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitErr = err
}

// Input returns everything written to the process.
func (m *MockProcess) Input() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.input.String()
}

// Writes returns a copy of each Write call's data.
func (m *MockProcess) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([][]byte, len(m.writes))
	copy(result, m.writes)
	return result
}

// Resizes returns the sizes passed to Resize.
func (m *MockProcess) Resizes() []Size {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Size, len(m.resizes))
	copy(result, m.resizes)
	return result
}

// IsClosed returns whether Close was called
func (m *MockProcess) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
