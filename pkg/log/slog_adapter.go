package log

import (
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/mash-protocol/mash-tls/pkg/alert"
)

// SlogAdapter writes protocol events to an slog.Logger, one record per
// event with the payload in a group named after it. Fatal alerts and
// errors are logged at Warn, everything else at Debug.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter. A nil logger means slog.Default().
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	ctx := context.Background()
	level := slogLevel(event)
	if !a.logger.Enabled(ctx, level) {
		return
	}

	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
		slog.String("role", event.LocalRole.String()),
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote", event.RemoteAddr))
	}
	if p, ok := slogPayload(event); ok {
		attrs = append(attrs, p)
	}
	a.logger.LogAttrs(ctx, level, "protocol", attrs...)
}

func slogLevel(event Event) slog.Level {
	switch {
	case event.Alert != nil && event.Alert.Level == alert.LevelFatal:
		return slog.LevelWarn
	case event.Error != nil:
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

func slogPayload(event Event) (slog.Attr, bool) {
	switch {
	case event.Frame != nil:
		return slog.Group("frame",
			slog.Int("size", event.Frame.Size),
			slog.Bool("truncated", event.Frame.Truncated),
		), true
	case event.Record != nil:
		return slog.Group("record",
			slog.Int("content_type", int(event.Record.ContentType)),
			slog.String("version", tls.VersionName(event.Record.Version)),
			slog.Int("length", event.Record.Length),
		), true
	case event.Alert != nil:
		return slog.Group("alert",
			slog.String("level", event.Alert.Level.String()),
			slog.String("description", event.Alert.Description.String()),
		), true
	case event.StateChange != nil:
		sc := event.StateChange
		return slog.Group("state",
			slog.String("entity", sc.Entity.String()),
			slog.String("from", sc.OldState),
			slog.String("to", sc.NewState),
			slog.String("reason", sc.Reason),
		), true
	case event.Verify != nil:
		v := event.Verify
		return slog.Group("verify",
			slog.String("subject", v.Subject),
			slog.Bool("preverified", v.Preverified),
			slog.Bool("accepted", v.Accepted),
			slog.String("reason", v.Reason),
		), true
	case event.Error != nil:
		attrs := []any{
			slog.String("layer", event.Error.Layer.String()),
			slog.String("message", event.Error.Message),
			slog.String("context", event.Error.Context),
		}
		if event.Error.Code != nil {
			attrs = append(attrs, slog.Int("code", *event.Error.Code))
		}
		return slog.Group("error", attrs...), true
	}
	return slog.Attr{}, false
}

var _ Logger = (*SlogAdapter)(nil)
