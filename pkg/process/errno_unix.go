//go:build unix

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isHangup reports whether err is what a master reports once every slave
// descriptor is closed. Linux returns EIO.
func isHangup(err error) bool {
	return errors.Is(err, unix.EIO)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
