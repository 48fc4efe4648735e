//go:build !unix

package process

func isHangup(error) bool {
	return false
}

func isWouldBlock(error) bool {
	return false
}
