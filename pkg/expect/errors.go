package expect

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by Session methods. Callers use errors.Is.
var (
	ErrTimeout           = errors.New("timeout waiting for pattern")
	ErrEOF               = errors.New("EOF reached before pattern matched")
	ErrFullBuffer        = errors.New("buffer full")
	ErrProcessExited     = errors.New("process has already exited")
	ErrBusy              = errors.New("expect already in progress")
	ErrClosed            = errors.New("session closed")
	ErrResizeUnsupported = errors.New("process does not support resizing")
	ErrInvalidControl    = errors.New("invalid control character")
)

// TimeoutError is returned when no pattern matched within the session
// timeout and Timeout was not among the patterns.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for pattern (after %s)", e.Duration)
}

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// FullBufferError is returned when the buffer is full of unmatched output
// and no room can be made for more.
type FullBufferError struct {
	Size int
}

func (e *FullBufferError) Error() string {
	return fmt.Sprintf("buffer full (%d bytes)", e.Size)
}

// Is makes errors.Is(err, ErrFullBuffer) hold.
func (e *FullBufferError) Is(target error) bool {
	return target == ErrFullBuffer
}
