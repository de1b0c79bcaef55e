// Package commands implements the tlsession CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mash-protocol/mash-tls/pkg/alert"
	"github.com/mash-protocol/mash-tls/pkg/log"
)

// contentTypeNames labels TLS record content types.
var contentTypeNames = map[uint8]string{
	20: "change_cipher_spec",
	21: "alert",
	22: "handshake",
	23: "application_data",
	24: "heartbeat",
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] ROLE DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	connID := shortenConnID(event.ConnectionID)

	var typeLabel string
	switch {
	case event.Frame != nil:
		typeLabel = "Frame"
	case event.Record != nil:
		typeLabel = "Record"
	case event.StateChange != nil:
		typeLabel = "State"
	case event.Alert != nil:
		typeLabel = "Alert"
	case event.Verify != nil:
		typeLabel = "Verify"
	case event.Error != nil:
		typeLabel = "Error"
	default:
		typeLabel = "Unknown"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-6s %-3s %s %s\n", ts, connID,
		event.LocalRole.String(), event.Direction.String(), event.Layer.String(), typeLabel)
	if event.RemoteAddr != "" {
		fmt.Fprintf(w, "  Peer: %s\n", event.RemoteAddr)
	}

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Record != nil:
		formatRecordDetails(w, event.Record)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Alert != nil:
		formatAlertDetails(w, event.Alert)
	case event.Verify != nil:
		formatVerifyDetails(w, event.Verify)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatRecordDetails(w io.Writer, rec *log.RecordEvent) {
	name, ok := contentTypeNames[rec.ContentType]
	if !ok {
		name = "unknown"
	}
	fmt.Fprintf(w, "  Content: %s (%d)\n", name, rec.ContentType)
	fmt.Fprintf(w, "  Version: 0x%04x  Length: %d\n", rec.Version, rec.Length)
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatAlertDetails(w io.Writer, a *log.AlertEvent) {
	al := alert.Alert{Level: a.Level, Description: a.Description}
	fmt.Fprintf(w, "  Alert: %s\n", al.String())
}

func formatVerifyDetails(w io.Writer, v *log.VerifyEvent) {
	if v.Subject != "" {
		fmt.Fprintf(w, "  Subject: %s\n", v.Subject)
	}
	if v.Issuer != "" {
		fmt.Fprintf(w, "  Issuer: %s\n", v.Issuer)
	}
	if v.Informational {
		fmt.Fprintln(w, "  Informational")
		return
	}
	fmt.Fprintf(w, "  Preverified: %t  Accepted: %t\n", v.Preverified, v.Accepted)
	if v.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", v.Reason)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Code != nil {
		fmt.Fprintf(w, "  Code: %d\n", *err.Code)
	}
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// ParseLayerFlag parses a layer name (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "record":
		return log.LayerRecord, nil
	case "session":
		return log.LayerSession, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, record, or session)", s)
	}
}

// ParseDirectionFlag parses a direction name (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category name (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "data":
		return log.CategoryData, nil
	case "record":
		return log.CategoryRecord, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	case "alert":
		return log.CategoryAlert, nil
	case "verify":
		return log.CategoryVerify, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be data, record, state, error, alert, or verify)", s)
	}
}

// ParseRoleFlag parses a local role name (case-insensitive).
func ParseRoleFlag(s string) (log.Role, error) {
	switch strings.ToLower(s) {
	case "client":
		return log.RoleClient, nil
	case "server":
		return log.RoleServer, nil
	default:
		return 0, fmt.Errorf("invalid role: %s (must be client or server)", s)
	}
}

// ViewOptions carries the raw flag values of the view command.
type ViewOptions struct {
	ConnID     string
	Layer      string
	Direction  string
	Category   string
	Role       string
	TimeStart  string
	TimeEnd    string
	AlertsOnly bool
}

// Filter converts the flag values into a reader filter.
func (o ViewOptions) Filter() (log.Filter, error) {
	f := log.Filter{ConnectionID: o.ConnID, AlertsOnly: o.AlertsOnly}

	if o.Layer != "" {
		l, err := ParseLayerFlag(o.Layer)
		if err != nil {
			return f, err
		}
		f.Layer = &l
	}
	if o.Direction != "" {
		d, err := ParseDirectionFlag(o.Direction)
		if err != nil {
			return f, err
		}
		f.Direction = &d
	}
	if o.Category != "" {
		c, err := ParseCategoryFlag(o.Category)
		if err != nil {
			return f, err
		}
		f.Category = &c
	}
	if o.Role != "" {
		r, err := ParseRoleFlag(o.Role)
		if err != nil {
			return f, err
		}
		f.Role = &r
	}
	if o.TimeStart != "" {
		ts, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return f, fmt.Errorf("invalid time-start: %w", err)
		}
		f.TimeStart = &ts
	}
	if o.TimeEnd != "" {
		te, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return f, fmt.Errorf("invalid time-end: %w", err)
		}
		f.TimeEnd = &te
	}
	return f, nil
}

// RunView prints every event of the log file at path that matches filter.
func RunView(path string, filter log.Filter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
	return nil
}
