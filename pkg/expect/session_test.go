package expect

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/expectpty/pkg/config"
	"github.com/Veraticus/expectpty/pkg/interfaces"
	"github.com/Veraticus/expectpty/pkg/logging"
	"github.com/Veraticus/expectpty/pkg/pattern"
	"github.com/Veraticus/expectpty/pkg/testutil"
	"github.com/Veraticus/expectpty/pkg/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, proc interfaces.Process, modify func(*config.Config), opts ...Option) *Session {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Timeout = time.Second
	if modify != nil {
		modify(cfg)
	}

	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	s, err := New(proc, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func withTimeout(d time.Duration) func(*config.Config) {
	return func(c *config.Config) { c.Timeout = d }
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxBufferSize = 0

	_, err := New(testutil.NewMockProcess(), cfg)
	assert.Error(t, err)
}

func TestExpect_Exact(t *testing.T) {
	s := newSession(t, testutil.NewMockProcess(testutil.Output("Welcome\nlogin: ")), nil)

	res, err := s.Expect(pattern.Exact("login:"))
	require.NoError(t, err)

	assert.Equal(t, 0, res.PatternIndex)
	assert.Equal(t, "login:", res.Matched)
	assert.Equal(t, 8, res.Start)
	assert.Equal(t, 14, res.End)
	assert.Equal(t, "Welcome\n", res.Before)
	assert.Empty(t, res.Captures)
	assert.Equal(t, "Welcome\nlogin: ", string(s.Buffer()))
}

func TestExpectAny_DeclaredOrderWins(t *testing.T) {
	// B occurs at offset 2, A at offset 10.
	s := newSession(t, testutil.NewMockProcess(testutil.Output("..BB......AAAA..")), nil)

	res, err := s.ExpectAny(pattern.Exact("AAAA"), pattern.Exact("BB"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.PatternIndex)
	assert.Equal(t, 10, res.Start)
	assert.Equal(t, "..BB......", res.Before)
}

func TestExpect_MatchSpansReads(t *testing.T) {
	proc := testutil.NewMockProcess(
		testutil.Output("Pass"),
		testutil.Delayed(10*time.Millisecond, "word: "),
	)
	s := newSession(t, proc, nil)

	res, err := s.Expect(pattern.Exact("Password:"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Start)
}

func TestExpect_ConsumedOutputIsNotSearchedAgain(t *testing.T) {
	s := newSession(t, testutil.NewMockProcess(testutil.Output("one two three")), withTimeout(50*time.Millisecond))

	res, err := s.Expect(pattern.Exact("two"))
	require.NoError(t, err)
	assert.Equal(t, "one ", res.Before)

	res, err = s.Expect(pattern.Exact("three"))
	require.NoError(t, err)
	assert.Equal(t, "one two ", res.Before)

	_, err = s.Expect(pattern.Exact("one"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 50*time.Millisecond, te.Duration)
}

func TestExpectAny_TimeoutPattern(t *testing.T) {
	s := newSession(t, testutil.NewMockProcess(), withTimeout(100*time.Millisecond))

	start := time.Now()
	res, err := s.ExpectAny(pattern.Exact("NEVER"), pattern.Timeout())
	require.NoError(t, err)

	assert.Equal(t, 1, res.PatternIndex)
	assert.Empty(t, res.Matched)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestExpect_TimeoutNotResetByPartialOutput(t *testing.T) {
	proc := testutil.NewMockProcess()
	for i := 0; i < 20; i++ {
		proc.Emit(testutil.Delayed(20*time.Millisecond, "."))
	}
	s := newSession(t, proc, withTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := s.Expect(pattern.Exact("NEVER"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestExpectAny_EOFPattern(t *testing.T) {
	proc := testutil.NewMockProcess(testutil.Output("bye"))
	proc.End(0)
	s := newSession(t, proc, nil)

	res, err := s.ExpectAny(pattern.Exact("NEVER"), pattern.EOF())
	require.NoError(t, err)
	assert.Equal(t, 1, res.PatternIndex)
	assert.Equal(t, 3, res.Start)
	assert.Equal(t, 3, res.End)
	assert.Equal(t, "bye", res.Before)

	// An EOF win does not consume the output.
	res, err = s.Expect(pattern.Exact("bye"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Start)

	_, err = s.Expect(pattern.Exact("NEVER"))
	assert.ErrorIs(t, err, ErrEOF)
}

func TestExpect_MatchBeatsEOF(t *testing.T) {
	proc := testutil.NewMockProcess(testutil.Output("done\n"))
	proc.End(0)
	s := newSession(t, proc, nil)

	// Let the reader reach EOF before the call.
	time.Sleep(20 * time.Millisecond)

	res, err := s.ExpectAny(pattern.EOF(), pattern.Exact("done"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.PatternIndex)
}

func TestExpectAny_FullBufferPattern(t *testing.T) {
	proc := testutil.NewMockProcess(testutil.Output("0123456789abcdefghij"))
	s := newSession(t, proc, func(c *config.Config) { c.MaxBufferSize = 16 })

	res, err := s.ExpectAny(pattern.Exact("NEVER"), pattern.FullBuffer())
	require.NoError(t, err)
	assert.Equal(t, 1, res.PatternIndex)
	assert.Equal(t, "0123456789abcdefghij", res.Before)
	assert.Equal(t, 20, res.End)

	// The full buffer was consumed.
	s.SetTimeout(20 * time.Millisecond)
	res, err = s.ExpectAny(pattern.Exact("abc"), pattern.Timeout())
	require.NoError(t, err)
	assert.Equal(t, 1, res.PatternIndex)
}

func TestExpectAny_FullBufferWinsOncePerFill(t *testing.T) {
	proc := testutil.NewMockProcess(testutil.Output("0123456789abcdefghij"))
	s := newSession(t, proc, func(c *config.Config) { c.MaxBufferSize = 16 })

	res, err := s.ExpectAny(pattern.Exact("NEVER"), pattern.FullBuffer())
	require.NoError(t, err)
	assert.Equal(t, 1, res.PatternIndex)
	assert.Empty(t, s.Buffer())

	// Nothing new was read, so the buffer cannot be full again.
	s.SetTimeout(20 * time.Millisecond)
	res, err = s.ExpectAny(pattern.Exact("NEVER"), pattern.FullBuffer(), pattern.Timeout())
	require.NoError(t, err)
	assert.Equal(t, 2, res.PatternIndex)

	proc.EmitString("ABCDEFGHIJKLMNOPQRST")
	s.SetTimeout(time.Second)
	res, err = s.ExpectAny(pattern.Exact("NEVER"), pattern.FullBuffer())
	require.NoError(t, err)
	assert.Equal(t, 1, res.PatternIndex)
	assert.Equal(t, "ABCDEFGHIJKLMNOPQRST", res.Before)
}

func TestExpectAny_RepeatedSpecialReportsFirstIndex(t *testing.T) {
	t.Run("eof", func(t *testing.T) {
		proc := testutil.NewMockProcess(testutil.Output("bye"))
		proc.End(0)
		s := newSession(t, proc, nil)

		res, err := s.ExpectAny(pattern.Exact("NEVER"), pattern.EOF(), pattern.EOF())
		require.NoError(t, err)
		assert.Equal(t, 1, res.PatternIndex)
	})

	t.Run("timeout", func(t *testing.T) {
		s := newSession(t, testutil.NewMockProcess(), withTimeout(20*time.Millisecond))

		res, err := s.ExpectAny(pattern.Exact("NEVER"), pattern.Timeout(), pattern.EOF(), pattern.Timeout())
		require.NoError(t, err)
		assert.Equal(t, 1, res.PatternIndex)
	})

	t.Run("full buffer", func(t *testing.T) {
		proc := testutil.NewMockProcess(testutil.Output("0123456789abcdefghij"))
		s := newSession(t, proc, func(c *config.Config) { c.MaxBufferSize = 16 })

		res, err := s.ExpectAny(pattern.Exact("NEVER"), pattern.FullBuffer(), pattern.Timeout(), pattern.FullBuffer())
		require.NoError(t, err)
		assert.Equal(t, 1, res.PatternIndex)
	})
}

func TestExpect_FullBufferTrimsWhenNotRequested(t *testing.T) {
	proc := testutil.NewMockProcess(
		testutil.Output("xxxxxxxxxxxx"),
		testutil.Delayed(10*time.Millisecond, "$ "),
	)
	s := newSession(t, proc, func(c *config.Config) { c.MaxBufferSize = 9 })

	res, err := s.Expect(pattern.Exact("$ "))
	require.NoError(t, err)
	assert.Equal(t, "$ ", res.Matched)
	assert.Equal(t, "xxxxxx", res.Before)
}

func TestExpect_FullBufferError(t *testing.T) {
	proc := testutil.NewMockProcess(testutil.Output("abc"))
	s := newSession(t, proc, func(c *config.Config) { c.MaxBufferSize = 2 })

	_, err := s.Expect(pattern.Exact("NEVER"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFullBuffer)

	var fe *FullBufferError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 3, fe.Size)
}

func TestExpectAny_ConstructionErrors(t *testing.T) {
	s := newSession(t, testutil.NewMockProcess(), nil)

	_, err := s.ExpectAny(pattern.Exact("ok"), pattern.Exact(""))
	assert.ErrorIs(t, err, pattern.ErrEmptyPattern)

	_, err = s.Expect(pattern.Glob("[abc"))
	assert.ErrorIs(t, err, pattern.ErrInvalidGlob)
}

func TestExpect_Regex(t *testing.T) {
	s := newSession(t, testutil.NewMockProcess(testutil.Output("Email: user@example.com is valid")), nil)

	res, err := s.Expect(pattern.MustRegex(`(\w+)@(\w+)\.(\w+)`))
	require.NoError(t, err)
	assert.Equal(t, 7, res.Start)
	assert.Equal(t, 23, res.End)
	assert.Equal(t, []string{"user@example.com", "user", "example", "com"}, res.Captures)
}

func TestExpect_StripANSISplitAcrossReads(t *testing.T) {
	proc := testutil.NewMockProcess(
		testutil.Output("\x1b[3"),
		testutil.Delayed(5*time.Millisecond, "1mred\x1b[0m $ "),
	)
	s := newSession(t, proc, func(c *config.Config) { c.StripANSI = true })

	res, err := s.Expect(pattern.Exact("red $ "))
	require.NoError(t, err)
	assert.Empty(t, res.Before)
	assert.Equal(t, "red $ ", string(s.Buffer()))
}

func TestExpect_WouldBlockIsRetried(t *testing.T) {
	s := newSession(t, testutil.NewMockProcess(testutil.WouldBlock(), testutil.Output("ok")), nil)

	_, err := s.Expect(pattern.Exact("ok"))
	require.NoError(t, err)
}

func TestExpect_ReadErrorIsSticky(t *testing.T) {
	boom := errors.New("boom")
	s := newSession(t, testutil.NewMockProcess(testutil.Failure(boom)), nil)

	_, err := s.Expect(pattern.Exact("x"))
	assert.ErrorIs(t, err, boom)

	_, err = s.ExpectAny(pattern.Exact("x"), pattern.EOF(), pattern.Timeout())
	assert.ErrorIs(t, err, boom)
}

func TestExpectAny_Busy(t *testing.T) {
	s := newSession(t, testutil.NewMockProcess(), withTimeout(0))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Expect(pattern.Exact("NEVER"))
		errCh <- err
	}()

	require.Eventually(t, func() bool { return s.busy.Load() }, time.Second, 5*time.Millisecond)

	_, err := s.Expect(pattern.Exact("x"))
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, s.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not end the pending expect")
	}
}

func TestExpectAny_CloseWinsOverEOF(t *testing.T) {
	for i := 0; i < 20; i++ {
		s := newSession(t, testutil.NewMockProcess(), nil)

		errc := make(chan error, 1)
		go func() {
			_, err := s.ExpectAny(pattern.Exact("NEVER"), pattern.EOF())
			errc <- err
		}()

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.Close())

		select {
		case err := <-errc:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("expect did not return after close")
		}
	}
}

func TestSend_WhileExpecting(t *testing.T) {
	proc := testutil.NewMockProcess()
	s := newSession(t, proc, nil)

	resCh := make(chan *MatchResult, 1)
	go func() {
		res, _ := s.Expect(pattern.Exact("pong"))
		resCh <- res
	}()

	require.Eventually(t, func() bool { return s.busy.Load() }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.SendLine("ping"))
	proc.EmitString("pong\n")

	select {
	case res := <-resCh:
		require.NotNil(t, res)
		assert.Equal(t, "pong", res.Matched)
	case <-time.After(time.Second):
		t.Fatal("expect did not finish")
	}
	assert.Equal(t, "ping\n", proc.Input())
}

func TestSendControl(t *testing.T) {
	proc := testutil.NewMockProcess()
	s := newSession(t, proc, nil)

	require.NoError(t, s.SendControl('c'))
	require.NoError(t, s.SendControl('D'))
	require.NoError(t, s.SendControl('['))
	require.NoError(t, s.SendControl('?'))
	assert.Equal(t, "\x03\x04\x1b\x7f", proc.Input())

	assert.ErrorIs(t, s.SendControl('1'), ErrInvalidControl)
}

func TestSend_Errors(t *testing.T) {
	proc := testutil.NewMockProcess()
	s := newSession(t, proc, nil)

	werr := errors.New("write failed")
	proc.SetWriteError(werr)
	assert.ErrorIs(t, s.SendString("x"), werr)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.SendString("x"), ErrClosed)

	_, err := s.Expect(pattern.Exact("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, proc.IsClosed())
}

func TestWait(t *testing.T) {
	proc := testutil.NewMockProcess()
	s := newSession(t, proc, nil)
	assert.True(t, s.IsAlive())

	proc.End(3)
	code, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.False(t, s.IsAlive())

	_, err = s.Wait()
	assert.ErrorIs(t, err, ErrProcessExited)
}

func TestRecorder(t *testing.T) {
	rec := testutil.NewMockRecorder()
	proc := testutil.NewMockProcess(testutil.Output("$ "))
	s := newSession(t, proc, nil, WithRecorder(rec))

	_, err := s.Expect(pattern.Exact("$ "))
	require.NoError(t, err)
	require.NoError(t, s.SendLine("exit"))

	assert.Equal(t, "$ ", rec.Joined(interfaces.Output))
	assert.Equal(t, "exit\n", rec.Joined(interfaces.Input))
}

func TestRecorder_Several(t *testing.T) {
	first, second := testutil.NewMockRecorder(), testutil.NewMockRecorder()
	proc := testutil.NewMockProcess(testutil.Output("> "))
	s := newSession(t, proc, nil, WithRecorder(first), WithRecorder(second))

	_, err := s.Expect(pattern.Exact("> "))
	require.NoError(t, err)

	assert.Equal(t, "> ", first.Joined(interfaces.Output))
	assert.Equal(t, "> ", second.Joined(interfaces.Output))
}

func TestRecorderErrorDoesNotFailSession(t *testing.T) {
	rec := testutil.NewMockRecorder()
	rec.SetError(errors.New("disk full"))
	s := newSession(t, testutil.NewMockProcess(testutil.Output("ok")), nil, WithRecorder(rec))

	_, err := s.Expect(pattern.Exact("ok"))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.GetAttempts())
}

func TestTimeoutAccessors(t *testing.T) {
	s := newSession(t, testutil.NewMockProcess(), nil)
	assert.Equal(t, time.Second, s.Timeout())

	s.SetTimeout(20 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, s.Timeout())

	res, err := s.ExpectAny(pattern.Exact("x"), pattern.Timeout())
	require.NoError(t, err)
	assert.Equal(t, 1, res.PatternIndex)
}

func TestResize(t *testing.T) {
	proc := testutil.NewMockProcess()
	s := newSession(t, proc, nil)

	require.NoError(t, s.Resize(50, 132))
	assert.Equal(t, []testutil.Size{{Rows: 50, Cols: 132}}, proc.Resizes())

	replay := newSession(t, transcript.NewReplayer(nil), nil)
	assert.ErrorIs(t, replay.Resize(1, 1), ErrResizeUnsupported)
}

func TestReplayedSession(t *testing.T) {
	entries := []transcript.Entry{
		{Dir: interfaces.Output, Data: []byte("Username: ")},
		{Dir: interfaces.Input, Data: []byte("admin\n")},
		{Dir: interfaces.Output, Data: []byte("admin\r\nPassword: ")},
		{Dir: interfaces.Output, Data: []byte("\r\nWelcome\r\n")},
	}
	replay := transcript.NewReplayer(entries)
	s := newSession(t, replay, nil)

	_, err := s.Expect(pattern.Exact("Username: "))
	require.NoError(t, err)
	require.NoError(t, s.SendLine("admin"))

	_, err = s.Expect(pattern.Exact("Password: "))
	require.NoError(t, err)

	res, err := s.ExpectAny(pattern.Exact("Denied"), pattern.Exact("Welcome"), pattern.EOF())
	require.NoError(t, err)
	assert.Equal(t, 1, res.PatternIndex)
	assert.Equal(t, "admin\n", replay.Input())
}

func TestInteract(t *testing.T) {
	proc := testutil.NewMockProcess(
		testutil.Output("banner\n$ "),
		testutil.Delayed(20*time.Millisecond, "file.txt\n"),
	)
	proc.End(0)
	s := newSession(t, proc, nil)

	_, err := s.Expect(pattern.Exact("banner\n"))
	require.NoError(t, err)

	var out bytes.Buffer
	err = s.Interact(strings.NewReader("ls\n"), &out)
	require.NoError(t, err)

	assert.Equal(t, "$ file.txt\n", out.String())
	assert.Eventually(t, func() bool { return proc.Input() == "ls\n" }, time.Second, 5*time.Millisecond)
}

func TestControlCode(t *testing.T) {
	tests := []struct {
		in   byte
		want byte
	}{
		{'a', 0x01},
		{'z', 0x1a},
		{'C', 0x03},
		{'@', 0x00},
		{'\\', 0x1c},
		{'_', 0x1f},
		{'?', 0x7f},
	}
	for _, tt := range tests {
		got, err := controlCode(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%q", tt.in)
	}

	_, err := controlCode(' ')
	assert.ErrorIs(t, err, ErrInvalidControl)
}
