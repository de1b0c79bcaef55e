// Package log provides structured protocol tracing for TLS sessions.
//
// This package defines the Logger interface and Event types for capturing
// what a session observes on the engine's trace channels: raw traffic,
// record headers, alerts, certificate verification decisions and session
// state changes. It is separate from operational logging (slog) - the
// protocol trace is a complete machine-readable record for debugging.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to a binary file, rotated by size
//	cfg.ProtocolLogger, _ = log.NewRotatingFileLogger(log.RotationConfig{
//	    Filename:  "/var/log/tls/session.mlog",
//	    MaxSizeMB: 50,
//	})
//
//	// Several sinks at once
//	cfg.ProtocolLogger = log.Combine(log.NewZapAdapter(zapLogger), fileLogger)
//
// # Event Types
//
// Events are captured at three layers:
//   - Transport: raw network bytes (FrameEvent)
//   - Record: TLS records and alerts reported by the engine (RecordEvent, AlertEvent)
//   - Session: state changes, verification decisions and message-mode
//     frames (StateChangeEvent, VerifyEvent, FrameEvent)
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with integer keys. Reader
// iterates them with optional filtering.
package log
