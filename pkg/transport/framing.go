package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/cryptobyte"

	"github.com/mash-protocol/mash-tls/pkg/log"
)

// Message mode carries discrete application messages over the byte stream.
// Each message is a 4-byte big-endian length followed by the payload.
const (
	// FramePrefixSize is the size of the length prefix in bytes.
	FramePrefixSize = 4

	// DefaultMaxMessageSize is the default payload limit (64 KB).
	DefaultMaxMessageSize = 64 * 1024
)

// Framing errors.
var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	ErrFrameTruncated  = errors.New("frame truncated")
)

// FrameSize returns the encoded size of a payload of n bytes.
func FrameSize(n int) int {
	return FramePrefixSize + n
}

// Framer reads and writes length-prefixed messages. WriteFrame may be
// called from several goroutines; ReadFrame may not.
type Framer struct {
	rw  io.ReadWriter
	max uint32

	wmu sync.Mutex
	hdr [FramePrefixSize]byte

	// emit receives one event per message, or is nil.
	emit func(log.Event)
}

// NewFramer frames messages over rw. A maxSize of 0 selects
// DefaultMaxMessageSize.
func NewFramer(rw io.ReadWriter, maxSize uint32) *Framer {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Framer{rw: rw, max: maxSize}
}

// NewSessionFramer frames messages over s. Message events go to the
// session's protocol logger stamped like the session's own events.
func NewSessionFramer(s *Session, maxSize uint32) *Framer {
	f := NewFramer(s, maxSize)
	f.emit = s.emit
	return f
}

// SetLogger sends message events to logger tagged with connID. A nil
// logger disables them.
func (f *Framer) SetLogger(logger log.Logger, connID string) {
	if logger == nil {
		f.emit = nil
		return
	}
	f.emit = func(ev log.Event) {
		ev.Timestamp = time.Now()
		ev.ConnectionID = connID
		logger.Log(ev)
	}
}

func (f *Framer) checkSize(n uint32) error {
	switch {
	case n == 0:
		return ErrMessageEmpty
	case n > f.max:
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, f.max)
	}
	return nil
}

// WriteFrame sends msg as one frame. Prefix and payload go out in a single
// write so they share a TLS record when they fit.
func (f *Framer) WriteFrame(msg []byte) error {
	if err := f.checkSize(uint32(len(msg))); err != nil {
		return err
	}

	var b cryptobyte.Builder
	b.AddUint32(uint32(len(msg)))
	b.AddBytes(msg)
	frame, err := b.Bytes()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	f.wmu.Lock()
	defer f.wmu.Unlock()
	if _, err := f.rw.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	f.trace(log.DirectionOut, msg)
	return nil
}

// ReadFrame returns the next message. A stream that ends cleanly between
// frames yields io.EOF; one that ends inside a frame yields
// ErrFrameTruncated.
func (f *Framer) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.rw, f.hdr[:]); err != nil {
		switch {
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrFrameTruncated
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	var n uint32
	hdr := cryptobyte.String(f.hdr[:])
	hdr.ReadUint32(&n)
	if err := f.checkSize(n); err != nil {
		return nil, err
	}

	msg := make([]byte, n)
	if _, err := io.ReadFull(f.rw, msg); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	f.trace(log.DirectionIn, msg)
	return msg, nil
}

// trace reports a message on the session layer. Raw network bytes are
// traced separately on the transport layer.
func (f *Framer) trace(dir log.Direction, msg []byte) {
	if f.emit == nil {
		return
	}
	data := msg
	if len(data) > MaxLogFrameDataSize {
		data = data[:MaxLogFrameDataSize]
	}
	f.emit(log.Event{
		Direction: dir,
		Layer:     log.LayerSession,
		Category:  log.CategoryData,
		Frame: &log.FrameEvent{
			Size:      FrameSize(len(msg)),
			Data:      append([]byte(nil), data...),
			Truncated: len(data) < len(msg),
		},
	})
}
