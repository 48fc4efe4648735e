// Package pattern describes what an expect call waits for.
//
// A Pattern is one of a closed set of kinds. Content patterns (Exact,
// Regex, Glob, Null) are turned into a Matcher that searches buffered
// output. Special patterns (EOF, Timeout, FullBuffer) never match content;
// they are satisfied by the state of the session and must be routed by the
// caller before ToMatcher is used.
package pattern

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/gobwas/glob"
)

// Sentinel errors for pattern construction. Callers use errors.Is.
var (
	ErrEmptyPattern   = errors.New("pattern cannot be empty")
	ErrInvalidRegex   = errors.New("invalid regex")
	ErrInvalidGlob    = errors.New("invalid glob")
	ErrSpecialPattern = errors.New("special patterns have no matcher")
)

// Kind identifies the variant of a Pattern.
type Kind int

const (
	KindExact Kind = iota
	KindRegex
	KindGlob
	KindNull
	KindEOF
	KindTimeout
	KindFullBuffer
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindRegex:
		return "regex"
	case KindGlob:
		return "glob"
	case KindNull:
		return "null"
	case KindEOF:
		return "eof"
	case KindTimeout:
		return "timeout"
	case KindFullBuffer:
		return "full_buffer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Pattern is an immutable description of something to wait for. The zero
// value is an empty exact pattern, which fails in ToMatcher.
type Pattern struct {
	kind Kind
	text string
	re   *regexp.Regexp
}

// Exact matches text byte for byte.
func Exact(text string) Pattern {
	return Pattern{kind: KindExact, text: text}
}

// Regex compiles expr and matches it against buffered output.
func Regex(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: %w", ErrInvalidRegex, err)
	}
	return Pattern{kind: KindRegex, text: expr, re: re}, nil
}

// MustRegex is like Regex but panics if expr does not compile. It is meant
// for package-level pattern tables.
func MustRegex(expr string) Pattern {
	p, err := Regex(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Compiled wraps an already compiled regular expression.
func Compiled(re *regexp.Regexp) Pattern {
	return Pattern{kind: KindRegex, text: re.String(), re: re}
}

// Glob matches shell-style wildcards (*, ?, [...], {a,b}). The expression
// is compiled by ToMatcher.
func Glob(text string) Pattern {
	return Pattern{kind: KindGlob, text: text}
}

// Null matches a single NUL byte.
func Null() Pattern {
	return Pattern{kind: KindNull}
}

// EOF is satisfied when the process output ends.
func EOF() Pattern {
	return Pattern{kind: KindEOF}
}

// Timeout is satisfied when the session timeout expires.
func Timeout() Pattern {
	return Pattern{kind: KindTimeout}
}

// FullBuffer is satisfied when the output buffer reaches its maximum size
// without any content pattern matching.
func FullBuffer() Pattern {
	return Pattern{kind: KindFullBuffer}
}

// Kind returns the variant of p.
func (p Pattern) Kind() Kind {
	return p.kind
}

// Text returns the exact text, regex source, or glob expression of p.
func (p Pattern) Text() string {
	return p.text
}

// IsSpecial reports whether p is EOF, Timeout, or FullBuffer.
func (p Pattern) IsSpecial() bool {
	switch p.kind {
	case KindEOF, KindTimeout, KindFullBuffer:
		return true
	}
	return false
}

// String describes p for logs and error messages.
func (p Pattern) String() string {
	switch p.kind {
	case KindExact, KindRegex, KindGlob:
		return fmt.Sprintf("%s(%q)", p.kind, p.text)
	default:
		return p.kind.String()
	}
}

// ToMatcher builds the matcher for a content pattern.
func (p Pattern) ToMatcher() (Matcher, error) {
	switch p.kind {
	case KindExact:
		m, err := NewExactMatcher([]byte(p.text))
		if err != nil {
			return nil, err
		}
		return m, nil
	case KindRegex:
		if p.re == nil {
			return nil, fmt.Errorf("%w: not compiled", ErrInvalidRegex)
		}
		return &RegexMatcher{re: p.re}, nil
	case KindGlob:
		g, err := glob.Compile(p.text)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidGlob, p.text, err)
		}
		return &GlobMatcher{glob: g}, nil
	case KindNull:
		return NullMatcher{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrSpecialPattern, p.kind)
	}
}
