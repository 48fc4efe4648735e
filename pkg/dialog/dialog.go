// Package dialog describes a conversation with a program as a flat list of
// expect and send steps in YAML, and runs it against a session.
//
//	command: ftp
//	args: [example.com]
//	config:
//	  timeout: 10s
//	steps:
//	  - expect: ["Name"]
//	  - send_line: anonymous
//	  - expect:
//	      - exact: "ftp> "
//	      - regex: "Login failed"
//	      - timeout: true
//	    fail_on: [1, 2]
//
// There are no variables, branches or loops.
package dialog

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Veraticus/expectpty/pkg/config"
	"github.com/Veraticus/expectpty/pkg/pattern"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDialog is wrapped by every validation error.
var ErrInvalidDialog = errors.New("invalid dialog")

// Dialog is a parsed dialog document.
type Dialog struct {
	Command string    `yaml:"command"`
	Args    []string  `yaml:"args"`
	Config  yaml.Node `yaml:"config"`
	Steps   []Step    `yaml:"steps"`
}

// Step is one action. Exactly one of Expect, Send, SendLine and
// SendControl is set.
type Step struct {
	Name string `yaml:"name"`

	Expect []PatternSpec `yaml:"expect"`
	// FailOn lists indexes into Expect whose win fails the dialog.
	FailOn []int `yaml:"fail_on"`
	// Timeout overrides the session timeout for this expect.
	Timeout time.Duration `yaml:"timeout"`

	Send        *string `yaml:"send"`
	SendLine    *string `yaml:"send_line"`
	SendControl string  `yaml:"send_control"`
}

// PatternSpec is the YAML form of a pattern. A bare string is an exact
// pattern.
type PatternSpec struct {
	Exact      *string `yaml:"exact"`
	Regex      *string `yaml:"regex"`
	Glob       *string `yaml:"glob"`
	Null       bool    `yaml:"null"`
	EOF        bool    `yaml:"eof"`
	Timeout    bool    `yaml:"timeout"`
	FullBuffer bool    `yaml:"full_buffer"`
}

type patternSpecFields PatternSpec

// UnmarshalYAML accepts either a mapping or a plain string.
func (p *PatternSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*p = PatternSpec{Exact: &s}
		return nil
	}
	return node.Decode((*patternSpecFields)(p))
}

// Pattern builds the pattern described by p.
func (p PatternSpec) Pattern() (pattern.Pattern, error) {
	var (
		out   pattern.Pattern
		count int
	)

	if p.Exact != nil {
		out = pattern.Exact(*p.Exact)
		count++
	}
	if p.Regex != nil {
		re, err := pattern.Regex(*p.Regex)
		if err != nil {
			return pattern.Pattern{}, err
		}
		out = re
		count++
	}
	if p.Glob != nil {
		out = pattern.Glob(*p.Glob)
		count++
	}
	if p.Null {
		out = pattern.Null()
		count++
	}
	if p.EOF {
		out = pattern.EOF()
		count++
	}
	if p.Timeout {
		out = pattern.Timeout()
		count++
	}
	if p.FullBuffer {
		out = pattern.FullBuffer()
		count++
	}

	if count != 1 {
		return pattern.Pattern{}, fmt.Errorf("%w: pattern must have exactly one kind, has %d", ErrInvalidDialog, count)
	}
	return out, nil
}

// Action names the kind of a step.
func (s Step) Action() string {
	switch {
	case len(s.Expect) > 0:
		return "expect"
	case s.Send != nil:
		return "send"
	case s.SendLine != nil:
		return "send_line"
	case s.SendControl != "":
		return "send_control"
	default:
		return ""
	}
}

// Patterns builds the expect patterns of s.
func (s Step) Patterns() ([]pattern.Pattern, error) {
	out := make([]pattern.Pattern, 0, len(s.Expect))
	for i, spec := range s.Expect {
		p, err := spec.Pattern()
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		if !p.IsSpecial() {
			if _, err := p.ToMatcher(); err != nil {
				return nil, fmt.Errorf("pattern %d: %w", i, err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (s Step) validate() error {
	actions := 0
	if len(s.Expect) > 0 {
		actions++
	}
	if s.Send != nil {
		actions++
	}
	if s.SendLine != nil {
		actions++
	}
	if s.SendControl != "" {
		actions++
		if len(s.SendControl) != 1 {
			return fmt.Errorf("%w: send_control takes a single character, got %q", ErrInvalidDialog, s.SendControl)
		}
	}
	if actions != 1 {
		return fmt.Errorf("%w: step must have exactly one action, has %d", ErrInvalidDialog, actions)
	}

	if len(s.Expect) == 0 && (len(s.FailOn) > 0 || s.Timeout != 0) {
		return fmt.Errorf("%w: fail_on and timeout only apply to expect steps", ErrInvalidDialog)
	}
	for _, idx := range s.FailOn {
		if idx < 0 || idx >= len(s.Expect) {
			return fmt.Errorf("%w: fail_on index %d out of range", ErrInvalidDialog, idx)
		}
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidDialog)
	}

	if _, err := s.Patterns(); err != nil {
		return err
	}
	return nil
}

// Validate checks every step.
func (d *Dialog) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidDialog)
	}
	for i, s := range d.Steps {
		if err := s.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// ApplyConfig returns a copy of base with the dialog's config section
// applied on top.
func (d *Dialog) ApplyConfig(base *config.Config) (*config.Config, error) {
	cfg := *base
	cfg.Env = append([]string(nil), base.Env...)

	if !d.Config.IsZero() {
		if err := d.Config.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("%w: config: %w", ErrInvalidDialog, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: config: %w", ErrInvalidDialog, err)
	}
	return &cfg, nil
}

// Parse decodes and validates a dialog document.
func Parse(data []byte) (*Dialog, error) {
	var d Dialog
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDialog, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Load reads and parses the dialog at path.
func Load(path string) (*Dialog, error) {
	// #nosec G304 - The dialog path is chosen by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
