package dialog

import (
	"errors"
	"testing"
	"time"

	"github.com/Veraticus/expectpty/pkg/config"
	"github.com/Veraticus/expectpty/pkg/expect"
	"github.com/Veraticus/expectpty/pkg/logging"
	"github.com/Veraticus/expectpty/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, proc *testutil.MockProcess) *expect.Session {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Timeout = time.Second
	s, err := expect.New(proc, cfg, expect.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRun_Success(t *testing.T) {
	proc := testutil.NewMockProcess(
		testutil.Output("login: "),
		testutil.Delayed(10*time.Millisecond, "root\r\n# "),
	)
	s := newSession(t, proc)

	d, err := Parse([]byte(loginDialog))
	require.NoError(t, err)

	report, err := NewRunner(logging.Discard()).Run(s, d)
	require.NoError(t, err)
	require.Len(t, report.Steps, 5)

	assert.Equal(t, "prompt", report.Steps[0].Name)
	require.NotNil(t, report.Steps[0].Match)
	assert.Equal(t, "login: ", report.Steps[0].Match.Matched)
	assert.Equal(t, 0, report.Steps[2].Match.PatternIndex)
	_, failed := report.Failed()
	assert.False(t, failed)

	assert.Equal(t, "root\nexit\n\x04", proc.Input())
	assert.Equal(t, time.Second, s.Timeout(), "step timeout must be restored")
}

func TestRun_FailOnPattern(t *testing.T) {
	proc := testutil.NewMockProcess(
		testutil.Output("login: "),
		testutil.Delayed(10*time.Millisecond, "Login incorrect\r\n"),
	)
	s := newSession(t, proc)

	d, err := Parse([]byte(loginDialog))
	require.NoError(t, err)

	report, err := NewRunner(logging.Discard()).Run(s, d)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepFailed)

	var fe *FailError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 3, fe.Step)
	assert.Equal(t, 1, fe.PatternIndex)

	require.Len(t, report.Steps, 3)
	step, failed := report.Failed()
	require.True(t, failed)
	assert.Equal(t, 3, step.Index)
	assert.Equal(t, "root\n", proc.Input())
}

func TestRun_StepTimeoutFails(t *testing.T) {
	proc := testutil.NewMockProcess(testutil.Output("login: "))
	s := newSession(t, proc)

	d, err := Parse([]byte(loginDialog))
	require.NoError(t, err)

	start := time.Now()
	_, err = NewRunner(logging.Discard()).Run(s, d)
	require.Error(t, err)

	// The timeout pattern is listed in fail_on.
	var fe *FailError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 2, fe.PatternIndex)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_ExpectError(t *testing.T) {
	proc := testutil.NewMockProcess(testutil.Output("bye"))
	proc.End(0)
	s := newSession(t, proc)

	d, err := Parse([]byte("steps:\n  - expect: [\"login: \"]\n"))
	require.NoError(t, err)

	_, err = NewRunner(logging.Discard()).Run(s, d)
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.ErrorIs(t, err, expect.ErrEOF)
}

func TestRun_SendError(t *testing.T) {
	proc := testutil.NewMockProcess()
	werr := errors.New("broken pipe")
	proc.SetWriteError(werr)
	s := newSession(t, proc)

	d, err := Parse([]byte("steps:\n  - send_line: hi\n"))
	require.NoError(t, err)

	report, err := NewRunner(logging.Discard()).Run(s, d)
	assert.ErrorIs(t, err, werr)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, "send_line", report.Steps[0].Action)
}
