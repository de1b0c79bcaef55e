package log

// Logger receives protocol events. A session's reader, writer and engine
// callbacks may log at the same time, so implementations must be safe for
// concurrent use. Log should not block.
type Logger interface {
	Log(event Event)
}

// NoopLogger discards events. The zero value is ready to use.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(Event)

// Log calls f(event).
func (f LoggerFunc) Log(event Event) { f(event) }

// MultiLogger hands each event to several loggers in order.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a MultiLogger. Nil entries are dropped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Log sends the event to every logger.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

// Combine returns a single Logger for the non-nil loggers given: NoopLogger
// when there are none, the logger itself when there is one.
func Combine(loggers ...Logger) Logger {
	m := NewMultiLogger(loggers...)
	switch len(m.loggers) {
	case 0:
		return NoopLogger{}
	case 1:
		return m.loggers[0]
	}
	return m
}

var (
	_ Logger = NoopLogger{}
	_ Logger = LoggerFunc(nil)
	_ Logger = (*MultiLogger)(nil)
)
