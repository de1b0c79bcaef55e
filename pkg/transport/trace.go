package transport

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/mash-protocol/mash-tls/pkg/alert"
	"github.com/mash-protocol/mash-tls/pkg/engine"
	"github.com/mash-protocol/mash-tls/pkg/log"
)

// callCapture collects the alert traced while one engine call runs.
type callCapture struct {
	alert *alert.Alert
}

// alertTracker fans traced alerts out to every engine call in flight and
// remembers the most recent alert of the session's lifetime.
type alertTracker struct {
	mu     sync.Mutex
	active map[*callCapture]struct{}
	last   *alert.Alert
}

func (t *alertTracker) begin() *callCapture {
	c := &callCapture{}
	t.mu.Lock()
	if t.active == nil {
		t.active = make(map[*callCapture]struct{})
	}
	t.active[c] = struct{}{}
	t.mu.Unlock()
	return c
}

func (t *alertTracker) end(c *callCapture) *alert.Alert {
	t.mu.Lock()
	delete(t.active, c)
	a := c.alert
	t.mu.Unlock()
	return a
}

func (t *alertTracker) record(a alert.Alert) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range t.active {
		if a.Supersedes(c.alert) {
			stored := a
			c.alert = &stored
		}
	}
	stored := a
	t.last = &stored
}

func (t *alertTracker) lastAlert() *alert.Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil
	}
	a := *t.last
	return &a
}

// MaxLogFrameDataSize bounds raw bytes copied into trace events.
const MaxLogFrameDataSize = 4096

func direction(write bool) log.Direction {
	if write {
		return log.DirectionOut
	}
	return log.DirectionIn
}

// callbacks builds the trace hooks installed at allocation.
func (s *Session) callbacks() engine.Callbacks {
	return engine.Callbacks{
		Debug:   s.onDebug,
		Message: s.onMessage,
	}
}

func (s *Session) onDebug(write bool, data []byte) {
	if !s.cfg.Debug {
		return
	}
	label := "READ"
	if write {
		label = "WRITE"
	}
	s.logger.Debug(label,
		"bytes", len(data),
		"dump", hex.Dump(data))

	frame := data
	truncated := false
	if len(frame) > MaxLogFrameDataSize {
		frame = frame[:MaxLogFrameDataSize]
		truncated = true
	}
	s.emit(log.Event{
		Direction: direction(write),
		Layer:     log.LayerTransport,
		Category:  log.CategoryData,
		Frame: &log.FrameEvent{
			Size:      len(data),
			Data:      append([]byte(nil), frame...),
			Truncated: truncated,
		},
	})
}

func (s *Session) onMessage(write bool, version uint16, contentType uint8, data []byte) {
	s.emit(log.Event{
		Direction: direction(write),
		Layer:     log.LayerRecord,
		Category:  log.CategoryRecord,
		Record: &log.RecordEvent{
			ContentType: contentType,
			Version:     version,
			Length:      len(data),
		},
	})

	if contentType != alert.ContentType || len(data) != alert.RecordSize {
		return
	}
	a, err := alert.Parse(data)
	if err != nil {
		s.logger.Debug("onMessage: unparseable alert record", "error", err)
		return
	}
	s.alerts.record(a)

	dir := "received"
	if write {
		dir = "sent"
	}
	switch {
	case a.IsFatal():
		s.logger.Warn("TLS alert "+dir,
			"level", a.Level.String(),
			"description", a.Description.String())
	case s.cfg.Debug:
		s.logger.Debug("TLS alert "+dir,
			"level", a.Level.String(),
			"description", a.Description.String())
	}

	s.emit(log.Event{
		Direction: direction(write),
		Layer:     log.LayerRecord,
		Category:  log.CategoryAlert,
		Alert: &log.AlertEvent{
			Level:       a.Level,
			Description: a.Description,
		},
	})
}

// emit stamps an event with session identity and hands it to the
// protocol logger.
func (s *Session) emit(ev log.Event) {
	ev.Timestamp = time.Now()
	ev.ConnectionID = s.id
	ev.LocalRole = log.RoleClient
	if s.cfg.Role == engine.RoleServer {
		ev.LocalRole = log.RoleServer
	}
	if ev.RemoteAddr == "" {
		ev.RemoteAddr = s.endpoint.Load().(string)
	}
	s.plog.Log(ev)
}

func (s *Session) emitState(entity log.StateEntity, from, to, reason string) {
	s.emit(log.Event{
		Layer:    log.LayerSession,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			OldState: from,
			NewState: to,
			Reason:   reason,
		},
	})
}

func (s *Session) emitError(op string, err error) {
	ev := &log.ErrorEventData{
		Layer:   log.LayerSession,
		Message: err.Error(),
		Context: op,
	}
	if ee, ok := err.(*EngineError); ok {
		code := int(ee.Status)
		ev.Code = &code
	}
	s.emit(log.Event{
		Layer:    log.LayerSession,
		Category: log.CategoryError,
		Error:    ev,
	})
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, op+": failed", slog.String("error", err.Error()))
}
