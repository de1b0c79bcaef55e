package log

import (
	"time"

	"github.com/mash-protocol/mash-tls/pkg/alert"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the session (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates data flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// LocalRole indicates whether this side is the client or the server.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer endpoint, when known.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Transport layer
	Record      *RecordEvent      `cbor:"11,keyasint,omitempty"` // Record layer
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Session state
	Alert       *AlertEvent       `cbor:"13,keyasint,omitempty"` // Alerts in either direction
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // Errors at any layer
	Verify      *VerifyEvent      `cbor:"15,keyasint,omitempty"` // Certificate decisions
}

// Direction indicates the direction of data flow.
type Direction uint8

const (
	// DirectionIn indicates received data.
	DirectionIn Direction = 0
	// DirectionOut indicates sent data.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates where the event was captured.
type Layer uint8

const (
	// LayerTransport is raw network bytes.
	LayerTransport Layer = 0
	// LayerRecord is the TLS record layer as reported by the engine.
	LayerRecord Layer = 1
	// LayerSession is the transport session itself.
	LayerSession Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerRecord:
		return "RECORD"
	case LayerSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryData indicates raw or framed payload bytes.
	CategoryData Category = 0
	// CategoryRecord indicates a TLS record trace.
	CategoryRecord Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
	// CategoryAlert indicates a TLS alert.
	CategoryAlert Category = 4
	// CategoryVerify indicates a certificate verification decision.
	CategoryVerify Category = 5
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryData:
		return "DATA"
	case CategoryRecord:
		return "RECORD"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	case CategoryAlert:
		return "ALERT"
	case CategoryVerify:
		return "VERIFY"
	default:
		return "UNKNOWN"
	}
}

// Role indicates the local side of the connection.
type Role uint8

const (
	// RoleClient indicates this is the client.
	RoleClient Role = 0
	// RoleServer indicates this is the server.
	RoleServer Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "CLIENT"
	case RoleServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw bytes at the transport layer.
type FrameEvent struct {
	// Size is the number of bytes observed.
	Size int `cbor:"1,keyasint"`

	// Data is the raw bytes (may be truncated for large buffers).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// RecordEvent captures one TLS record reported on the message-trace channel.
type RecordEvent struct {
	// ContentType is the record content type (20-23).
	ContentType uint8 `cbor:"1,keyasint"`

	// Version is the record-layer protocol version.
	Version uint16 `cbor:"2,keyasint"`

	// Length is the record body length.
	Length int `cbor:"3,keyasint"`
}

// AlertEvent captures a TLS alert.
type AlertEvent struct {
	Level       alert.Level       `cbor:"1,keyasint"`
	Description alert.Description `cbor:"2,keyasint"`
}

// StateChangeEvent captures session lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a connection establishment change.
	StateEntityConnection StateEntity = 0
	// StateEntityShutdown indicates a shutdown state machine change.
	StateEntityShutdown StateEntity = 1
	// StateEntityHandle indicates a resource handle allocation or release.
	StateEntityHandle StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityShutdown:
		return "SHUTDOWN"
	case StateEntityHandle:
		return "HANDLE"
	default:
		return "UNKNOWN"
	}
}

// VerifyEvent captures a certificate verification step.
type VerifyEvent struct {
	// Subject is the certificate subject (empty if it could not be decoded).
	Subject string `cbor:"1,keyasint,omitempty"`

	// Issuer is the certificate issuer.
	Issuer string `cbor:"2,keyasint,omitempty"`

	// Preverified is the engine's tentative verdict.
	Preverified bool `cbor:"3,keyasint"`

	// Accepted is the final decision relayed to the engine.
	Accepted bool `cbor:"4,keyasint"`

	// Informational marks the diagnostic-only step.
	Informational bool `cbor:"5,keyasint,omitempty"`

	// Reason explains a rejection caused by a fault.
	Reason string `cbor:"6,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the engine status code (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
