// Package expect automates interactive programs. A Session waits for
// patterns in a process's output and sends input in reply.
package expect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Veraticus/expectpty/pkg/buffer"
	"github.com/Veraticus/expectpty/pkg/config"
	"github.com/Veraticus/expectpty/pkg/interfaces"
	"github.com/Veraticus/expectpty/pkg/logging"
	"github.com/Veraticus/expectpty/pkg/pattern"
	"github.com/Veraticus/expectpty/pkg/process"
	"github.com/Veraticus/expectpty/pkg/transcript"
)

const (
	readSize   = 4096
	retryDelay = 10 * time.Millisecond
)

// MatchResult describes a successful expect call.
type MatchResult struct {
	// PatternIndex is the position of the winning pattern in the list
	// given to ExpectAny.
	PatternIndex int

	// Matched is the matched text. It is empty when EOF, Timeout or
	// FullBuffer won.
	Matched string

	// Start and End are offsets into the session buffer.
	Start int
	End   int

	// Before holds the buffered output preceding Start.
	Before string

	// Captures is set for regex patterns; see pattern.Match.
	Captures []string
}

type readResult struct {
	data []byte
	err  error
}

// Session is a running process together with the output it has produced
// that expect calls have not consumed yet.
//
// Expect calls on a Session must not overlap; a concurrent call fails with
// ErrBusy. Send may be used while an expect call is waiting.
type Session struct {
	proc      interfaces.Process
	recorders []interfaces.Recorder
	logger    *slog.Logger
	closers   []io.Closer

	timeout atomic.Int64
	busy    atomic.Bool

	// mu guards the buffer and the read state.
	mu         sync.Mutex
	buf        *buffer.Buffer
	eofReached bool
	readErr    error

	writeMu sync.Mutex

	reads chan readResult

	waitMu sync.Mutex
	waited bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. The default logs to stderr only when
// EXPECTPTY_DEBUG is set.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithRecorder copies all output and input to r. It may be given more
// than once.
func WithRecorder(r interfaces.Recorder) Option {
	return func(s *Session) {
		s.recorders = append(s.recorders, r)
	}
}

// New creates a session around an already running process. A nil cfg
// means config.DefaultConfig().
func New(proc interfaces.Process, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Session{
		proc:   proc,
		logger: logging.FromEnv(),
		buf:    buffer.New(cfg.MaxBufferSize, cfg.StripANSI),
		reads:  make(chan readResult),
		closed: make(chan struct{}),
	}
	s.timeout.Store(int64(cfg.Timeout))
	for _, opt := range opts {
		opt(s)
	}

	go s.readLoop()

	return s, nil
}

// Spawn starts command under a pseudo-terminal. The command is split on
// whitespace without any shell quoting.
func Spawn(command string, cfg *config.Config, opts ...Option) (*Session, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, process.ErrEmptyCommand
	}
	return SpawnArgs(parts[0], parts[1:], cfg, opts...)
}

// SpawnDefault starts command with the default configuration.
func SpawnDefault(command string) (*Session, error) {
	return Spawn(command, config.DefaultConfig())
}

// SpawnArgs starts name with args under a pseudo-terminal sized and set up
// from cfg. When cfg names a transcript file, the session records to it and
// closes it on Close.
func SpawnArgs(name string, args []string, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var closers []io.Closer
	if cfg.TranscriptPath != "" {
		w, err := transcript.Create(cfg.TranscriptPath, cfg.CompressTranscript)
		if err != nil {
			return nil, fmt.Errorf("failed to create transcript: %w", err)
		}
		closers = append(closers, w)
		opts = append([]Option{WithRecorder(w)}, opts...)
	}

	proc, err := process.Start(name, args, process.Options{
		Rows: cfg.Rows,
		Cols: cfg.Cols,
		Env:  cfg.ProcessEnv(),
		Dir:  cfg.Dir,
	})
	if err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, err
	}

	s, err := New(proc, cfg, opts...)
	if err != nil {
		_ = proc.Close()
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, err
	}
	s.closers = closers

	s.logger.Debug("spawned process", "command", name, "args", args, "pid", proc.Pid())
	return s, nil
}

// readLoop owns the read side of the process. Chunks are handed to expect
// calls one at a time; a chunk nobody is waiting for stays pending until the
// next call.
func (s *Session) readLoop() {
	defer close(s.reads)

	chunk := make([]byte, readSize)
	for {
		n, err := s.proc.Read(chunk)
		if n > 0 {
			data := append([]byte(nil), chunk[:n]...)
			s.record(interfaces.Output, data)
			if !s.deliver(readResult{data: data}) {
				return
			}
		}
		if err != nil {
			s.deliver(readResult{err: err})
			return
		}
		if n == 0 {
			select {
			case <-time.After(retryDelay):
			case <-s.closed:
				return
			}
		}
	}
}

func (s *Session) deliver(r readResult) bool {
	select {
	case s.reads <- r:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Session) record(dir interfaces.Direction, data []byte) {
	for _, r := range s.recorders {
		if err := r.Record(dir, data); err != nil {
			s.logger.Warn("failed to record", "dir", dir, "error", err)
		}
	}
}

type compiledPattern struct {
	index   int
	matcher pattern.Matcher
}

// patternSet is a pattern list split into content matchers and the first
// index of each special pattern (-1 when absent).
type patternSet struct {
	matchers   []compiledPattern
	eof        int
	timeout    int
	fullBuffer int
}

func compile(patterns []pattern.Pattern) (*patternSet, error) {
	set := &patternSet{eof: -1, timeout: -1, fullBuffer: -1}

	for i, p := range patterns {
		switch p.Kind() {
		case pattern.KindEOF:
			if set.eof < 0 {
				set.eof = i
			}
		case pattern.KindTimeout:
			if set.timeout < 0 {
				set.timeout = i
			}
		case pattern.KindFullBuffer:
			if set.fullBuffer < 0 {
				set.fullBuffer = i
			}
		default:
			m, err := p.ToMatcher()
			if err != nil {
				return nil, fmt.Errorf("pattern %d (%s): %w", i, p, err)
			}
			set.matchers = append(set.matchers, compiledPattern{index: i, matcher: m})
		}
	}

	return set, nil
}

// Expect waits for a single pattern.
func (s *Session) Expect(p pattern.Pattern) (*MatchResult, error) {
	return s.ExpectAny(p)
}

// ExpectAny waits until one of patterns is satisfied.
//
// Content patterns are tried in the order given and the first one found
// anywhere in the unconsumed output wins, even if a later pattern matches
// earlier in the output. When nothing matches, end of output, a full
// buffer, and the timeout are checked in that order. Each is a success if
// the corresponding special pattern was given and an error otherwise.
//
// The timeout is measured once from the start of the call.
func (s *Session) ExpectAny(patterns ...pattern.Pattern) (*MatchResult, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.busy.Store(false)

	if s.isClosed() {
		return nil, ErrClosed
	}

	set, err := compile(patterns)
	if err != nil {
		return nil, err
	}

	timeout := s.Timeout()
	start := time.Now()

	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		s.logger.Debug("expect", "patterns", describe(patterns), "timeout", timeout)
	}

	for {
		// Output that arrives while the session closes must not satisfy EOF.
		if s.isClosed() {
			return nil, ErrClosed
		}

		s.mu.Lock()
		res, done, err := s.evaluate(set, timeout, start)
		s.mu.Unlock()
		if done {
			return res, err
		}

		var timer *time.Timer
		var expired <-chan time.Time
		if timeout > 0 {
			timer = time.NewTimer(timeout - time.Since(start))
			expired = timer.C
		}

		select {
		case r, ok := <-s.reads:
			s.handleRead(r, ok)
		case <-expired:
		case <-s.closed:
			if timer != nil {
				timer.Stop()
			}
			return nil, ErrClosed
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// evaluate runs one pass of the race between matchers and session state.
// It reports done once the call has an outcome. Callers hold s.mu.
func (s *Session) evaluate(set *patternSet, timeout time.Duration, start time.Time) (*MatchResult, bool, error) {
	if s.readErr != nil {
		return nil, true, s.readErr
	}

	base := s.buf.Boundary()
	unmatched := s.buf.Unmatched()
	for _, c := range set.matchers {
		m, ok := c.matcher.Find(unmatched)
		if !ok {
			continue
		}

		from, to := base+m.Start, base+m.End
		res := &MatchResult{
			PatternIndex: c.index,
			Matched:      string(s.buf.Bytes()[from:to]),
			Start:        from,
			End:          to,
			Before:       string(s.buf.Before(from)),
			Captures:     m.Captures,
		}
		s.buf.MarkMatched(to)
		s.logger.Debug("pattern matched", "index", c.index, "start", from, "end", to)
		return res, true, nil
	}

	if s.eofReached {
		if set.eof >= 0 {
			s.logger.Debug("matched eof", "index", set.eof)
			return s.stateMatch(set.eof), true, nil
		}
		return nil, true, ErrEOF
	}

	if s.buf.Full() {
		if set.fullBuffer >= 0 {
			res := s.stateMatch(set.fullBuffer)
			s.buf.MarkMatched(s.buf.Len())
			s.buf.DropMatched()
			s.logger.Debug("matched full buffer", "index", set.fullBuffer, "bytes", res.End)
			return res, true, nil
		}

		dropped := s.buf.Trim()
		if dropped == 0 {
			return nil, true, &FullBufferError{Size: s.buf.Len()}
		}
		s.logger.Debug("buffer trimmed", "bytes", dropped)
		return s.evaluate(set, timeout, start)
	}

	if timeout > 0 && time.Since(start) >= timeout {
		if set.timeout >= 0 {
			s.logger.Debug("matched timeout", "index", set.timeout)
			return s.stateMatch(set.timeout), true, nil
		}
		return nil, true, &TimeoutError{Duration: timeout}
	}

	return nil, false, nil
}

// stateMatch is the result for a win by EOF, Timeout or FullBuffer: an
// empty match at the end of the buffer.
func (s *Session) stateMatch(index int) *MatchResult {
	n := s.buf.Len()
	return &MatchResult{
		PatternIndex: index,
		Start:        n,
		End:          n,
		Before:       string(s.buf.Bytes()),
	}
}

func (s *Session) handleRead(r readResult, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !ok, errors.Is(r.err, io.EOF):
		s.eofReached = true
		s.buf.Flush()
		s.logger.Debug("end of output")
	case r.err != nil:
		s.readErr = fmt.Errorf("read: %w", r.err)
		s.logger.Debug("read failed", "error", r.err)
	default:
		s.buf.Append(r.data)
	}
}

func describe(patterns []pattern.Pattern) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = p.String()
	}
	return out
}

// Send writes data to the process.
func (s *Session) Send(data []byte) error {
	if s.isClosed() {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.proc.Write(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	s.record(interfaces.Input, data)
	s.logger.Debug("sent", "bytes", len(data))
	return nil
}

// SendString writes str to the process.
func (s *Session) SendString(str string) error {
	return s.Send([]byte(str))
}

// SendLine writes line followed by a newline.
func (s *Session) SendLine(line string) error {
	return s.Send([]byte(line + "\n"))
}

// SendControl sends the control character for c, so 'c' sends ETX (0x03)
// and '[' sends ESC. '?' sends DEL.
func (s *Session) SendControl(c byte) error {
	code, err := controlCode(c)
	if err != nil {
		return err
	}
	return s.Send([]byte{code})
}

func controlCode(c byte) (byte, error) {
	switch {
	case c >= 'a' && c <= 'z':
		return c - 'a' + 1, nil
	case c >= '@' && c <= '_':
		return c - '@', nil
	case c == '?':
		return 0x7f, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidControl, c)
	}
}

// IsAlive reports whether the process is running. It is false once Wait
// has returned.
func (s *Session) IsAlive() bool {
	s.waitMu.Lock()
	waited := s.waited
	s.waitMu.Unlock()

	return !waited && s.proc.IsAlive()
}

// Wait blocks until the process exits and returns its exit code. The
// process can be reaped once; later calls fail with ErrProcessExited.
// Output already read stays available to expect calls.
func (s *Session) Wait() (int, error) {
	s.waitMu.Lock()
	if s.waited {
		s.waitMu.Unlock()
		return 0, ErrProcessExited
	}
	s.waited = true
	s.waitMu.Unlock()

	code, err := s.proc.Wait()
	s.logger.Debug("process exited", "code", code)
	return code, err
}

// Close releases the process's terminal and any transcript opened by
// Spawn. Pending and later expect calls fail with ErrClosed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		err := s.proc.Close()
		for _, c := range s.closers {
			err = errors.Join(err, c.Close())
		}
		s.closeErr = err
		s.logger.Debug("session closed")
	})
	return s.closeErr
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Buffer returns a copy of the buffered output, consumed or not.
func (s *Session) Buffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// SetTimeout changes the timeout of later expect calls. Zero waits
// indefinitely.
func (s *Session) SetTimeout(d time.Duration) {
	s.timeout.Store(int64(d))
}

// Timeout returns the current expect timeout.
func (s *Session) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// Resize changes the terminal size of the process.
func (s *Session) Resize(rows, cols uint16) error {
	r, ok := s.proc.(interfaces.Resizer)
	if !ok {
		return ErrResizeUnsupported
	}
	return r.Resize(rows, cols)
}

// Process returns the underlying process.
func (s *Session) Process() interfaces.Process {
	return s.proc
}

// Interact hands the process over to a user. Unconsumed output is written
// to out first; after that process output is copied to out and in is sent
// to the process until the output ends, which returns nil.
func (s *Session) Interact(in io.Reader, out io.Writer) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	pending := append([]byte(nil), s.buf.Unmatched()...)
	s.buf.MarkMatched(s.buf.Len())
	eof, readErr := s.eofReached, s.readErr
	s.mu.Unlock()

	if len(pending) > 0 {
		if _, err := out.Write(pending); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	if readErr != nil {
		return readErr
	}
	if eof {
		return nil
	}

	go func() {
		b := make([]byte, readSize)
		for {
			n, err := in.Read(b)
			if n > 0 {
				if s.Send(b[:n]) != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case r, ok := <-s.reads:
			if !ok || r.err != nil {
				s.handleRead(r, ok)
				if s.isClosed() {
					return ErrClosed
				}
				s.mu.Lock()
				err := s.readErr
				s.mu.Unlock()
				return err
			}
			if _, err := out.Write(r.data); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
		case <-s.closed:
			return ErrClosed
		}
	}
}
