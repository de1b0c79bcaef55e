package transport

import "io"

// Stream is the byte-stream surface of a Session.
type Stream interface {
	io.ReadWriteCloser
	ShutdownState() ShutdownState
	Shutdown(wait bool) (bool, error)
}

// FrameReadWriter exchanges whole messages. Implemented by Framer.
type FrameReadWriter interface {
	// ReadFrame reads a length-prefixed frame.
	ReadFrame() ([]byte, error)

	// WriteFrame writes a length-prefixed frame.
	WriteFrame(data []byte) error
}

// Compile-time interface satisfaction checks.
var (
	_ Stream          = (*Session)(nil)
	_ FrameReadWriter = (*Framer)(nil)
	_ Validator       = (*CAValidator)(nil)
)
