package log

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger appends CBOR-encoded events to a file. Each event reaches the
// file in a single write, so a rotated file never ends inside an event.
// Events that cannot be encoded or written are counted and dropped; a
// failing log never fails the session.
type FileLogger struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool

	dropped atomic.Uint64
}

// NewFileLogger opens path for appending, creating it with mode 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{w: f}, nil
}

// RotationConfig controls size-based rotation of a protocol log file.
// Values below the defaults noted per field are raised to them.
type RotationConfig struct {
	Filename   string
	MaxSizeMB  int // default 10
	MaxBackups int // default 1
	MaxAgeDays int // default 7
	Compress   bool
}

// NewRotatingFileLogger creates a FileLogger whose file is rotated once it
// exceeds MaxSizeMB. Every rotated file can be read with NewReader on its
// own. Missing parent directories are created.
func NewRotatingFileLogger(c RotationConfig) (*FileLogger, error) {
	if dir := filepath.Dir(c.Filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &FileLogger{w: &lumberjack.Logger{
		Filename:   c.Filename,
		MaxSize:    atLeast(c.MaxSizeMB, 10),
		MaxBackups: atLeast(c.MaxBackups, 1),
		MaxAge:     atLeast(c.MaxAgeDays, 7),
		Compress:   c.Compress,
	}}, nil
}

func atLeast(v, floor int) int {
	if v > floor {
		return v
	}
	return floor
}

// Log appends the event. Events logged after Close are ignored.
func (l *FileLogger) Log(event Event) {
	data, err := EncodeEvent(event)
	if err != nil {
		l.dropped.Add(1)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, err := l.w.Write(data); err != nil {
		l.dropped.Add(1)
	}
}

// Dropped returns how many events could not be encoded or written.
func (l *FileLogger) Dropped() uint64 {
	return l.dropped.Load()
}

// Close closes the file. Further calls return nil.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.w.Close()
}

var _ Logger = (*FileLogger)(nil)
