package transcript

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Veraticus/expectpty/pkg/interfaces"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Writer appends records to a transcript. It implements
// interfaces.Recorder and is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	dst    io.Writer
	zw     *zstd.Encoder
	file   io.Closer
	seq    uint64
	closed bool
	now    func() time.Time
}

// Ensure Writer implements Recorder
var _ interfaces.Recorder = (*Writer)(nil)

// NewWriter writes uncompressed records to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{dst: w, now: time.Now}
}

// NewCompressedWriter writes a zstd compressed stream to w. Close must be
// called to finish the stream.
func NewCompressedWriter(w io.Writer) (*Writer, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Writer{dst: zw, zw: zw, now: time.Now}, nil
}

// Create truncates or creates path and returns a Writer that owns the
// file. The stream is compressed when compress is set or the path ends in
// ".zst".
func Create(path string, compress bool) (*Writer, error) {
	// #nosec G304 - The transcript path is chosen by the user
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	var w *Writer
	if compress || strings.HasSuffix(path, ".zst") {
		w, err = NewCompressedWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
	} else {
		w = NewWriter(f)
	}
	w.file = f
	return w, nil
}

// Record appends one record. Empty data is ignored.
func (w *Writer) Record(dir interfaces.Direction, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	w.seq++
	line, err := json.Marshal(newRecord(w.seq, w.now(), dir, data))
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.dst.Write(line); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Close finishes the compressed stream, if any, and closes the file opened
// by Create. Later calls to Record fail with ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if w.zw != nil {
		err = w.zw.Close()
	}
	if w.file != nil {
		err = errors.Join(err, w.file.Close())
	}
	return err
}
