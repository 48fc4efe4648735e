package transcript

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Reader reads records back in order, verifying each checksum.
type Reader struct {
	scanner *bufio.Scanner
	zr      *zstd.Decoder
	file    io.Closer
	line    int
}

// NewReader reads a transcript from r, detecting zstd compression.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	var src io.Reader = br
	var zr *zstd.Decoder
	magic, err := br.Peek(len(zstdMagic))
	if err == nil && bytes.Equal(magic, zstdMagic) {
		zr, err = zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		src = zr
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), MaxRecordSize)

	return &Reader{scanner: scanner, zr: zr}, nil
}

// Open opens the transcript at path. The Reader owns the file.
func Open(path string) (*Reader, error) {
	// #nosec G304 - The transcript path is chosen by the user
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// Next returns the next entry, or io.EOF after the last one. A line that
// does not decode or fails its checksum yields an error wrapping
// ErrCorruptRecord.
func (r *Reader) Next() (Entry, error) {
	for r.scanner.Scan() {
		r.line++
		line := r.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return Entry{}, fmt.Errorf("%w: line %d: %w", ErrCorruptRecord, r.line, err)
		}
		return rec.entry()
	}

	if err := r.scanner.Err(); err != nil {
		return Entry{}, fmt.Errorf("failed to read transcript: %w", err)
	}
	return Entry{}, io.EOF
}

// Close releases the decoder and the file opened by Open.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// ReadAll reads the remaining entries.
func ReadAll(r *Reader) ([]Entry, error) {
	var entries []Entry
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}

// Load reads every entry of the transcript at path.
func Load(path string) ([]Entry, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	return ReadAll(r)
}
