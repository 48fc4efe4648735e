// Package buffer accumulates process output for the expect engine.
//
// A Buffer keeps everything read from a process in one growable byte slice
// together with a matched boundary: bytes before the boundary belong to an
// earlier match and are never searched again. When an append would grow the
// buffer past its maximum size the buffer compacts first, discarding already
// matched bytes from the front. Bytes at or after the boundary are only ever
// dropped by an explicit call to Trim.
package buffer

import (
	"github.com/Veraticus/expectpty/pkg/ansi"
)

// DiscardRatio is the fraction (1/DiscardRatio) of the maximum size that
// compaction and Trim try to free at once.
const DiscardRatio = 3

// Buffer holds process output and the matched boundary.
// It is not safe for concurrent use.
type Buffer struct {
	data     []byte
	matched  int
	maxSize  int
	stripper *ansi.Stripper
}

// New creates a buffer bounded by maxSize bytes. When stripANSI is set,
// escape sequences are removed from every appended chunk.
func New(maxSize int, stripANSI bool) *Buffer {
	b := &Buffer{
		data:    make([]byte, 0, maxSize),
		maxSize: maxSize,
	}
	if stripANSI {
		b.stripper = ansi.NewStripper()
	}
	return b
}

// Append adds data to the end of the buffer, compacting first if the
// result would exceed the maximum size. If compaction cannot make enough
// room the buffer grows anyway; callers check Full.
func (b *Buffer) Append(data []byte) {
	if b.stripper != nil {
		data = b.stripper.Write(data)
	}
	if len(data) == 0 {
		return
	}

	if len(b.data)+len(data) > b.maxSize {
		b.compact(len(b.data) + len(data) - b.maxSize)
	}

	b.data = append(b.data, data...)
}

// Flush appends anything the ANSI stripper is still holding back. Called
// once the stream has ended.
func (b *Buffer) Flush() {
	if b.stripper == nil {
		return
	}
	if rest := b.stripper.Flush(); len(rest) > 0 {
		b.data = append(b.data, rest...)
	}
}

// compact drops matched bytes from the front of the buffer. It aims to free
// a third of the maximum size, or overflow bytes if that is more, but never
// moves past the matched boundary. Keeping the size bounded when too little
// is matched is left to Trim.
func (b *Buffer) compact(overflow int) {
	discard := max(b.maxSize/DiscardRatio, overflow)
	keepFrom := min(discard, b.matched)

	switch {
	case keepFrom <= 0:
		return
	case keepFrom >= len(b.data):
		b.data = b.data[:0]
		b.matched = 0
	default:
		b.shift(keepFrom)
	}
}

// Trim forgets the oldest third of the maximum size regardless of the
// matched boundary. The expect engine calls it when the unmatched region
// alone fills the buffer. It returns the number of bytes dropped.
func (b *Buffer) Trim() int {
	n := min(b.maxSize/DiscardRatio, len(b.data))
	if n <= 0 {
		return 0
	}
	if n == len(b.data) {
		b.data = b.data[:0]
		b.matched = 0
		return n
	}
	b.shift(n)
	return n
}

// DropMatched forgets every byte before the matched boundary and returns how
// many were dropped.
func (b *Buffer) DropMatched() int {
	n := b.matched
	switch {
	case n <= 0:
		return 0
	case n >= len(b.data):
		b.data = b.data[:0]
		b.matched = 0
	default:
		b.shift(n)
	}
	return n
}

// shift moves the buffer left by n bytes and adjusts the boundary.
func (b *Buffer) shift(n int) {
	kept := copy(b.data, b.data[n:])
	b.data = b.data[:kept]
	b.matched = max(b.matched-n, 0)
}

// Unmatched returns the bytes after the matched boundary. The slice aliases
// the buffer and is only valid until the next Append.
func (b *Buffer) Unmatched() []byte {
	return b.data[b.matched:]
}

// MarkMatched moves the matched boundary to end. The boundary never moves
// backwards and never past the end of the buffer.
func (b *Buffer) MarkMatched(end int) {
	end = min(end, len(b.data))
	if end > b.matched {
		b.matched = end
	}
}

// Before returns the bytes in [0, pos), clamped to the buffer length.
func (b *Buffer) Before(pos int) []byte {
	return b.data[:max(min(pos, len(b.data)), 0)]
}

// Bytes returns the whole buffer. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Boundary returns the matched boundary.
func (b *Buffer) Boundary() int {
	return b.matched
}

// MaxSize returns the configured maximum size.
func (b *Buffer) MaxSize() int {
	return b.maxSize
}

// Full reports whether the buffer has reached its maximum size.
func (b *Buffer) Full() bool {
	return len(b.data) >= b.maxSize
}

// Reset empties the buffer and the stripper state.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.matched = 0
	if b.stripper != nil {
		b.stripper.Flush()
	}
}
