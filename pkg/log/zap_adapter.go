package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapAdapter writes protocol events to a zap.Logger at Debug level.
type ZapAdapter struct {
	logger *zap.Logger
}

// NewZapAdapter creates a ZapAdapter. A nil logger yields zap.NewNop.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAdapter{logger: logger}
}

// Log writes the event as a single structured entry.
func (a *ZapAdapter) Log(event Event) {
	if ce := a.logger.Check(zapcore.DebugLevel, "protocol"); ce != nil {
		fields := []zap.Field{
			zap.String("conn_id", event.ConnectionID),
			zap.Stringer("direction", event.Direction),
			zap.Stringer("layer", event.Layer),
			zap.Stringer("category", event.Category),
			zap.Stringer("role", event.LocalRole),
		}
		if event.RemoteAddr != "" {
			fields = append(fields, zap.String("remote", event.RemoteAddr))
		}
		fields = append(fields, payloadFields(event)...)
		ce.Write(fields...)
	}
}

func payloadFields(event Event) []zap.Field {
	switch {
	case event.Frame != nil:
		return []zap.Field{
			zap.Int("frame_size", event.Frame.Size),
			zap.Binary("data", event.Frame.Data),
			zap.Bool("truncated", event.Frame.Truncated),
		}
	case event.Record != nil:
		return []zap.Field{
			zap.Uint8("content_type", event.Record.ContentType),
			zap.Uint16("version", event.Record.Version),
			zap.Int("length", event.Record.Length),
		}
	case event.Alert != nil:
		return []zap.Field{
			zap.Stringer("alert_level", event.Alert.Level),
			zap.Stringer("alert", event.Alert.Description),
		}
	case event.StateChange != nil:
		return []zap.Field{
			zap.Stringer("entity", event.StateChange.Entity),
			zap.String("old_state", event.StateChange.OldState),
			zap.String("new_state", event.StateChange.NewState),
			zap.String("reason", event.StateChange.Reason),
		}
	case event.Verify != nil:
		return []zap.Field{
			zap.String("subject", event.Verify.Subject),
			zap.String("issuer", event.Verify.Issuer),
			zap.Bool("preverified", event.Verify.Preverified),
			zap.Bool("accepted", event.Verify.Accepted),
			zap.Bool("informational", event.Verify.Informational),
			zap.String("reason", event.Verify.Reason),
		}
	case event.Error != nil:
		f := []zap.Field{
			zap.Stringer("error_layer", event.Error.Layer),
			zap.String("error_msg", event.Error.Message),
			zap.String("error_context", event.Error.Context),
		}
		if event.Error.Code != nil {
			f = append(f, zap.Int("error_code", *event.Error.Code))
		}
		return f
	}
	return nil
}

// Compile-time interface satisfaction check.
var _ Logger = (*ZapAdapter)(nil)
