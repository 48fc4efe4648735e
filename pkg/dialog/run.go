package dialog

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Veraticus/expectpty/pkg/expect"
	"github.com/Veraticus/expectpty/pkg/pattern"
)

// ErrStepFailed is wrapped by the error Run returns when a step fails.
var ErrStepFailed = errors.New("dialog step failed")

// Session is the part of an expect session a dialog needs.
type Session interface {
	ExpectAny(patterns ...pattern.Pattern) (*expect.MatchResult, error)
	Send(data []byte) error
	SendLine(line string) error
	SendControl(c byte) error
	SetTimeout(d time.Duration)
	Timeout() time.Duration
}

// StepResult records what happened in one step.
type StepResult struct {
	Index    int
	Name     string
	Action   string
	Match    *expect.MatchResult
	Err      error
	Duration time.Duration
}

// Report lists the steps that ran, in order.
type Report struct {
	Steps []StepResult
}

// Failed returns the failing step, if any.
func (r *Report) Failed() (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Err != nil {
			return s, true
		}
	}
	return StepResult{}, false
}

// FailError reports an expect step won by a pattern listed in fail_on.
type FailError struct {
	Step         int
	PatternIndex int
	Pattern      string
}

func (e *FailError) Error() string {
	return fmt.Sprintf("step %d: matched failure pattern %d (%s)", e.Step, e.PatternIndex, e.Pattern)
}

// Is makes errors.Is(err, ErrStepFailed) hold.
func (e *FailError) Is(target error) bool {
	return target == ErrStepFailed
}

// Runner executes dialogs.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a runner that logs progress to logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run executes the steps of d in order and stops at the first failure.
// The report holds every step that ran, including the failing one.
func (r *Runner) Run(s Session, d *Dialog) (*Report, error) {
	report := &Report{}

	for i, step := range d.Steps {
		n := i + 1
		started := time.Now()
		match, err := r.runStep(s, n, step)

		report.Steps = append(report.Steps, StepResult{
			Index:    n,
			Name:     step.Name,
			Action:   step.Action(),
			Match:    match,
			Err:      err,
			Duration: time.Since(started),
		})

		if err != nil {
			r.logger.Debug("dialog step failed", "step", n, "name", step.Name, "error", err)
			return report, err
		}
		r.logger.Debug("dialog step done", "step", n, "name", step.Name, "action", step.Action())
	}

	return report, nil
}

func (r *Runner) runStep(s Session, n int, step Step) (*expect.MatchResult, error) {
	switch {
	case len(step.Expect) > 0:
		return r.runExpect(s, n, step)
	case step.Send != nil:
		return nil, wrapStep(n, s.Send([]byte(*step.Send)))
	case step.SendLine != nil:
		return nil, wrapStep(n, s.SendLine(*step.SendLine))
	case step.SendControl != "":
		return nil, wrapStep(n, s.SendControl(step.SendControl[0]))
	default:
		return nil, fmt.Errorf("%w: step %d: no action", ErrStepFailed, n)
	}
}

func (r *Runner) runExpect(s Session, n int, step Step) (*expect.MatchResult, error) {
	patterns, err := step.Patterns()
	if err != nil {
		return nil, wrapStep(n, err)
	}

	if step.Timeout > 0 {
		prev := s.Timeout()
		s.SetTimeout(step.Timeout)
		defer s.SetTimeout(prev)
	}

	res, err := s.ExpectAny(patterns...)
	if err != nil {
		return nil, wrapStep(n, err)
	}

	if slices.Contains(step.FailOn, res.PatternIndex) {
		return res, &FailError{Step: n, PatternIndex: res.PatternIndex, Pattern: patterns[res.PatternIndex].String()}
	}
	return res, nil
}

func wrapStep(n int, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: step %d: %w", ErrStepFailed, n, err)
}
