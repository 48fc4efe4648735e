package transcript

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/Veraticus/expectpty/pkg/interfaces"
)

// Replayer plays the output of a recorded session back as a process.
// Input written to it is kept for inspection and otherwise ignored.
type Replayer struct {
	mu      sync.Mutex
	outputs []Entry
	pos     int
	pending []byte
	input   bytes.Buffer
	closed  bool
	pacing  float64

	finishOnce sync.Once
	finished   chan struct{}
	done       chan struct{}
}

// Ensure Replayer implements Process
var _ interfaces.Process = (*Replayer)(nil)

// ReplayOption configures a Replayer.
type ReplayOption func(*Replayer)

// WithPacing reproduces the recorded gaps between outputs, scaled by
// scale. 1 replays in real time, 0 (the default) replays at once.
func WithPacing(scale float64) ReplayOption {
	return func(r *Replayer) {
		r.pacing = scale
	}
}

// NewReplayer serves the output entries of entries in order, then io.EOF.
func NewReplayer(entries []Entry, opts ...ReplayOption) *Replayer {
	r := &Replayer{
		finished: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, e := range entries {
		if e.Dir == interfaces.Output {
			r.outputs = append(r.outputs, e)
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read implements io.Reader
func (r *Replayer) Read(b []byte) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, io.EOF
	}

	if len(r.pending) == 0 {
		if r.pos >= len(r.outputs) {
			r.mu.Unlock()
			r.finish()
			return 0, io.EOF
		}

		var gap time.Duration
		if r.pacing > 0 && r.pos > 0 {
			gap = time.Duration(float64(r.outputs[r.pos].Time.Sub(r.outputs[r.pos-1].Time)) * r.pacing)
		}
		r.pending = r.outputs[r.pos].Data
		r.pos++

		if gap > 0 {
			r.mu.Unlock()
			select {
			case <-time.After(gap):
			case <-r.done:
				return 0, io.EOF
			}
			r.mu.Lock()
		}
	}

	n := copy(b, r.pending)
	r.pending = r.pending[n:]
	r.mu.Unlock()
	return n, nil
}

func (r *Replayer) finish() {
	r.finishOnce.Do(func() { close(r.finished) })
}

// Write implements io.Writer
func (r *Replayer) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, io.ErrClosedPipe
	}
	return r.input.Write(b)
}

// Wait blocks until all output has been read or the replayer is closed.
// The exit code is always 0.
func (r *Replayer) Wait() (int, error) {
	select {
	case <-r.finished:
	case <-r.done:
	}
	return 0, nil
}

// IsAlive reports whether output remains to be read.
func (r *Replayer) IsAlive() bool {
	select {
	case <-r.finished:
		return false
	case <-r.done:
		return false
	default:
		return true
	}
}

// Close implements io.Closer
func (r *Replayer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		r.closed = true
		close(r.done)
	}
	return nil
}

// Input returns everything written to the replayer.
func (r *Replayer) Input() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.input.String()
}
