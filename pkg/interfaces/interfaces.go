// Package interfaces defines the core interfaces used throughout the application.
package interfaces

import "io"

// Process is a running program the expect engine talks to.
//
// Read returns output as it becomes available. End of output is reported
// as io.EOF; a read that returns (0, nil) means nothing was available and
// is retried. Write sends input. Wait reaps the process and returns its
// exit code.
type Process interface {
	io.Reader
	io.Writer
	Wait() (int, error)
	IsAlive() bool
	Close() error
}

// Resizer is implemented by processes attached to a terminal whose size
// can change.
type Resizer interface {
	Resize(rows, cols uint16) error
}

// Direction tells whether recorded bytes were read from or written to a
// process.
type Direction string

const (
	// Output is data read from the process.
	Output Direction = "out"
	// Input is data sent to the process.
	Input Direction = "in"
)

// Recorder receives a copy of everything exchanged with a process.
type Recorder interface {
	Record(dir Direction, data []byte) error
}
