package transport

import (
	"log/slog"

	"github.com/mash-protocol/mash-tls/pkg/engine"
	"github.com/mash-protocol/mash-tls/pkg/log"
)

// Config configures a Session.
type Config struct {
	// Role selects client or server behaviour. Fixed for the session's life.
	Role engine.Role

	// Version is the protocol version the engine is asked to speak.
	Version engine.ProtocolVersion

	// Debug enables hex dumps of raw traffic and warning-level alert logs
	// on Logger.
	Debug bool

	// Logger receives operational and debug output.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// ProtocolLogger receives structured trace events.
	// If nil, events are discarded.
	ProtocolLogger log.Logger
}

// DefaultConfig returns a TLS 1.2 client configuration.
func DefaultConfig() Config {
	return Config{
		Role:    engine.RoleClient,
		Version: engine.VersionTLS12,
		Logger:  slog.Default(),
	}
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ProtocolLogger == nil {
		c.ProtocolLogger = log.NoopLogger{}
	}
	if c.Version == 0 {
		c.Version = engine.VersionTLS12
	}
	return c
}
