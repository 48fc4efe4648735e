// Package ansi removes terminal escape sequences from process output.
package ansi

const (
	esc = 0x1b
	bel = 0x07
)

// maxCarry bounds how many bytes of an unterminated sequence a Stripper
// holds back between chunks. An OSC that never terminates would otherwise
// swallow all following output.
const maxCarry = 256

// Strip returns a copy of data with ANSI escape sequences removed.
//
// Recognised sequences:
//   - CSI: ESC [ ... up to and including the first ASCII letter
//   - OSC: ESC ] ... terminated by BEL or ESC \
//   - charset selection: ESC ( X and ESC ) X
//   - anything else: ESC plus the following byte
//
// A sequence truncated at the end of data is dropped, except for a lone
// trailing ESC which is kept as is.
func Strip(data []byte) []byte {
	out, _ := strip(make([]byte, 0, len(data)), data, true)
	return out
}

// Stripper strips escape sequences from a stream of chunks. Unlike Strip it
// holds back a sequence that is cut off at the end of a chunk and completes
// it with the next one, so a sequence split across two reads is still
// removed.
type Stripper struct {
	carry []byte
}

// NewStripper creates a new stream stripper
func NewStripper() *Stripper {
	return &Stripper{
		carry: make([]byte, 0, 32),
	}
}

// Write strips chunk and returns the bytes that are safe to emit. The
// returned slice is freshly allocated.
func (s *Stripper) Write(chunk []byte) []byte {
	data := chunk
	if len(s.carry) > 0 {
		data = append(s.carry, chunk...)
	}

	out, rest := strip(make([]byte, 0, len(data)), data, false)

	if len(rest) > maxCarry {
		// Give up on completing it and treat it as truncated.
		out, _ = strip(out, rest, true)
		rest = nil
	}

	s.carry = append(s.carry[:0], rest...)
	return out
}

// Flush returns whatever is still held back, stripped as if the stream
// ended here, and resets the stripper.
func (s *Stripper) Flush() []byte {
	if len(s.carry) == 0 {
		return nil
	}
	out, _ := strip(nil, s.carry, true)
	s.carry = s.carry[:0]
	return out
}

// Pending reports how many bytes are held back waiting for the rest of a
// sequence.
func (s *Stripper) Pending() int {
	return len(s.carry)
}

// strip appends the sequence-free bytes of data to dst. When final is false
// and data ends inside a sequence, the unfinished sequence is returned as
// rest instead of being resolved.
func strip(dst, data []byte, final bool) (out, rest []byte) {
	i := 0
	for i < len(data) {
		if data[i] != esc {
			dst = append(dst, data[i])
			i++
			continue
		}

		start := i
		if i+1 >= len(data) {
			if !final {
				return dst, data[start:]
			}
			dst = append(dst, esc)
			i++
			continue
		}

		var complete bool
		switch data[i+1] {
		case '[':
			i, complete = skipCSI(data, i+2)
		case ']':
			i, complete = skipOSC(data, i+2)
		case '(', ')':
			if i+2 < len(data) {
				i, complete = i+3, true
			} else {
				i = len(data)
			}
		default:
			i, complete = i+2, true
		}

		if !complete && !final {
			return dst, data[start:]
		}
	}
	return dst, nil
}

// skipCSI returns the index just past the final byte of a CSI sequence
// whose parameters start at i.
func skipCSI(data []byte, i int) (int, bool) {
	for i < len(data) {
		c := data[i]
		i++
		if isAlpha(c) {
			return i, true
		}
	}
	return i, false
}

// skipOSC returns the index just past the terminator of an OSC sequence
// whose payload starts at i.
func skipOSC(data []byte, i int) (int, bool) {
	for i < len(data) {
		if data[i] == bel {
			return i + 1, true
		}
		if data[i] == esc {
			if i+1 >= len(data) {
				return len(data), false
			}
			if data[i+1] == '\\' {
				return i + 2, true
			}
		}
		i++
	}
	return i, false
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
