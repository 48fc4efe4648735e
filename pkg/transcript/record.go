// Package transcript records everything exchanged with a process as
// line-delimited JSON and plays recordings back as a process.
//
// Each line is one record:
//
//	{"seq":1,"t":1700000000000000000,"dir":"out","data":"login: ","sum":"8c1e..."}
//
// Valid UTF-8 payloads are stored in "data"; anything else is base64 in
// "b64". "sum" is the xxh3 hash of the raw payload. A stream may be zstd
// compressed as a whole.
package transcript

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Veraticus/expectpty/pkg/interfaces"
	"github.com/zeebo/xxh3"
)

// MaxRecordSize is the longest line a Reader accepts (16MB).
const MaxRecordSize = 16 * 1024 * 1024

// Errors returned when reading transcripts.
var (
	ErrCorruptRecord = errors.New("corrupt transcript record")
	ErrClosed        = errors.New("transcript closed")
)

// record is the on-disk form of an Entry.
type record struct {
	Seq  uint64               `json:"seq"`
	Time int64                `json:"t"`
	Dir  interfaces.Direction `json:"dir"`
	Data string               `json:"data,omitempty"`
	B64  []byte               `json:"b64,omitempty"`
	Sum  string               `json:"sum"`
}

// Entry is one recorded read or write.
type Entry struct {
	Seq  uint64
	Time time.Time
	Dir  interfaces.Direction
	Data []byte
}

func checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(data))
}

func newRecord(seq uint64, t time.Time, dir interfaces.Direction, data []byte) record {
	r := record{
		Seq:  seq,
		Time: t.UnixNano(),
		Dir:  dir,
		Sum:  checksum(data),
	}
	if utf8.Valid(data) {
		r.Data = string(data)
	} else {
		r.B64 = data
	}
	return r
}

// entry validates r and converts it to an Entry.
func (r record) entry() (Entry, error) {
	if r.Dir != interfaces.Output && r.Dir != interfaces.Input {
		return Entry{}, fmt.Errorf("%w: seq %d: unknown direction %q", ErrCorruptRecord, r.Seq, r.Dir)
	}

	data := r.B64
	if data == nil {
		data = []byte(r.Data)
	}
	if sum := checksum(data); sum != r.Sum {
		return Entry{}, fmt.Errorf("%w: seq %d: checksum %s, want %s", ErrCorruptRecord, r.Seq, sum, r.Sum)
	}

	return Entry{
		Seq:  r.Seq,
		Time: time.Unix(0, r.Time),
		Dir:  r.Dir,
		Data: data,
	}, nil
}
