package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrTruncated is returned when a log ends inside an event, typically
// because the writer was killed or is still writing.
var ErrTruncated = errors.New("log ends inside an event")

// Filter selects events. Zero fields match everything; set fields must all
// match.
type Filter struct {
	ConnectionID string
	Direction    *Direction
	Layer        *Layer
	Category     *Category
	Role         *Role

	// The time window is half-open: [TimeStart, TimeEnd).
	TimeStart *time.Time
	TimeEnd   *time.Time

	// AlertsOnly keeps events carrying an alert payload.
	AlertsOnly bool
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	switch {
	case f.ConnectionID != "" && e.ConnectionID != f.ConnectionID:
		return false
	case f.Direction != nil && e.Direction != *f.Direction:
		return false
	case f.Layer != nil && e.Layer != *f.Layer:
		return false
	case f.Category != nil && e.Category != *f.Category:
		return false
	case f.Role != nil && e.LocalRole != *f.Role:
		return false
	case f.TimeStart != nil && e.Timestamp.Before(*f.TimeStart):
		return false
	case f.TimeEnd != nil && !e.Timestamp.Before(*f.TimeEnd):
		return false
	case f.AlertsOnly && e.Alert == nil:
		return false
	}
	return true
}

// Reader streams events from a protocol log.
type Reader struct {
	dec    *cbor.Decoder
	closer io.Closer
	filter Filter
}

// NewReader opens the log file at path.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens the log file at path and yields only events
// matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewStreamReader(f, filter)
	r.closer = f
	return r, nil
}

// NewStreamReader reads events from r. Close does not close r.
func NewStreamReader(r io.Reader, filter Filter) *Reader {
	return &Reader{dec: newDecoder(r), filter: filter}
}

// Next returns the next matching event, or io.EOF at the end of the log.
func (r *Reader) Next() (Event, error) {
	for {
		var e Event
		err := r.dec.Decode(&e)
		switch {
		case err == nil:
		case errors.Is(err, io.ErrUnexpectedEOF):
			return Event{}, ErrTruncated
		case errors.Is(err, io.EOF):
			return Event{}, io.EOF
		default:
			return Event{}, fmt.Errorf("decode event: %w", err)
		}
		if r.filter.Match(e) {
			return e, nil
		}
	}
}

// Each calls fn for every remaining matching event. It stops at the end of
// the log or at the first error from the log or from fn.
func (r *Reader) Each(fn func(Event) error) error {
	for {
		e, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Close closes the file opened by NewReader or NewFilteredReader.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
