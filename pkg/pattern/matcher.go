package pattern

import (
	"bytes"
	"regexp"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

// Match is a successful search within a byte window.
type Match struct {
	// Start and End delimit the match within the searched window.
	Start int
	End   int

	// Captures holds the matched texts of a regex: index 0 is the whole
	// match, followed by the groups that took part in the match. Groups that
	// did not participate are left out, so positions do not line up with
	// group numbers when optional groups are involved.
	Captures []string
}

// Matcher searches a byte window for a pattern.
type Matcher interface {
	// Find returns the first match in buf.
	Find(buf []byte) (Match, bool)

	// PartialMatch reports whether buf ends with something that could grow
	// into a match once more bytes arrive. It is informational only.
	PartialMatch(buf []byte) bool
}

// ExactMatcher finds a fixed byte string using Boyer-Moore-Horspool.
type ExactMatcher struct {
	pattern []byte
	shift   [256]int
}

// NewExactMatcher builds the bad-character table for pattern.
func NewExactMatcher(pattern []byte) (*ExactMatcher, error) {
	if len(pattern) == 0 {
		return nil, ErrEmptyPattern
	}

	m := &ExactMatcher{pattern: bytes.Clone(pattern)}
	last := len(pattern) - 1
	for i := range m.shift {
		m.shift[i] = len(pattern)
	}
	for i := 0; i < last; i++ {
		m.shift[pattern[i]] = last - i
	}
	return m, nil
}

// Find returns the leftmost occurrence of the pattern.
func (m *ExactMatcher) Find(buf []byte) (Match, bool) {
	n := len(m.pattern)
	last := n - 1

	for pos := 0; pos+n <= len(buf); pos += m.shift[buf[pos+last]] {
		if bytes.Equal(buf[pos:pos+n], m.pattern) {
			return Match{Start: pos, End: pos + n}, true
		}
	}
	return Match{}, false
}

// PartialMatch reports whether buf ends with a proper prefix of the pattern.
func (m *ExactMatcher) PartialMatch(buf []byte) bool {
	for i := min(len(m.pattern)-1, len(buf)); i > 0; i-- {
		if bytes.HasSuffix(buf, m.pattern[:i]) {
			return true
		}
	}
	return false
}

// RegexMatcher finds the first match of a regular expression. Windows that
// are not valid UTF-8 never match; a multi-byte character cut in half by a
// read resolves once the rest of it arrives.
type RegexMatcher struct {
	re *regexp.Regexp
}

// Find returns the first match and its participating groups.
func (m *RegexMatcher) Find(buf []byte) (Match, bool) {
	if !utf8.Valid(buf) {
		return Match{}, false
	}

	loc := m.re.FindSubmatchIndex(buf)
	if loc == nil {
		return Match{}, false
	}

	captures := make([]string, 0, len(loc)/2)
	for i := 0; i+1 < len(loc); i += 2 {
		if loc[i] < 0 {
			continue
		}
		captures = append(captures, string(buf[loc[i]:loc[i+1]]))
	}

	return Match{Start: loc[0], End: loc[1], Captures: captures}, true
}

// PartialMatch is not tracked for regular expressions.
func (m *RegexMatcher) PartialMatch([]byte) bool {
	return false
}

// GlobMatcher finds the first substring accepted by a compiled glob. Every
// (start, end) pair is tried in order, so the cost is quadratic in the
// window size; it is meant for the small buffers of interactive sessions.
type GlobMatcher struct {
	glob glob.Glob
}

// Find returns the substring with the lowest start and, for that start, the
// lowest end that the glob accepts.
func (m *GlobMatcher) Find(buf []byte) (Match, bool) {
	if !utf8.Valid(buf) {
		return Match{}, false
	}
	text := string(buf)

	for start := 0; start < len(text); start++ {
		if !utf8.RuneStart(text[start]) {
			continue
		}
		for end := start + 1; end <= len(text); end++ {
			if end < len(text) && !utf8.RuneStart(text[end]) {
				continue
			}
			if m.glob.Match(text[start:end]) {
				return Match{Start: start, End: end}, true
			}
		}
	}
	return Match{}, false
}

// PartialMatch is not tracked for globs.
func (m *GlobMatcher) PartialMatch([]byte) bool {
	return false
}

// NullMatcher finds the first NUL byte.
type NullMatcher struct{}

// Find returns the first NUL byte as a one-byte match.
func (NullMatcher) Find(buf []byte) (Match, bool) {
	i := bytes.IndexByte(buf, 0)
	if i < 0 {
		return Match{}, false
	}
	return Match{Start: i, End: i + 1}, true
}

// PartialMatch is always false: a NUL byte either is there or is not.
func (NullMatcher) PartialMatch([]byte) bool {
	return false
}
