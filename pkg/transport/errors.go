package transport

import (
	"errors"
	"fmt"

	"github.com/mash-protocol/mash-tls/pkg/alert"
	"github.com/mash-protocol/mash-tls/pkg/engine"
)

// Session errors. Engine failures are reported as *AlertError or
// *EngineError whose Kind is one of these, so errors.Is works on both.
var (
	ErrInvalidRole         = errors.New("operation not valid for session role")
	ErrInvalidCertificate  = errors.New("invalid certificate")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrConcurrentOperation = errors.New("concurrent operation in progress")
	ErrShortWrite          = errors.New("short write")
	ErrHandshakeFailed     = errors.New("handshake failed")
	ErrShutdownFailed      = errors.New("shutdown failed")
	ErrUseAfterClose       = errors.New("session closed")
	ErrNotConnected        = errors.New("not connected")
	ErrIO                  = errors.New("i/o failure")
	ErrUnsupported         = errors.New("unsupported by engine")
	ErrAllocationFailed    = errors.New("engine allocation failed")
)

// AlertError reports an engine failure for which a TLS alert was traced
// during the same call.
type AlertError struct {
	Op    string
	Alert alert.Alert
	Kind  error

	// Phase is the sentinel of the operation the call belonged to. It
	// differs from Kind when the status names its own failure class.
	Phase error
}

func (e *AlertError) Error() string {
	return fmt.Sprintf("%s: %v: %s alert %s", e.Op, e.Kind, e.Alert.Level.String(), e.Alert.Description.String())
}

// Unwrap exposes the kind, the phase and the alert description, so
// errors.As(err, &desc) recovers the alert code.
func (e *AlertError) Unwrap() []error {
	return appendPhase([]error{e.Kind, e.Alert.Description}, e.Kind, e.Phase)
}

// EngineError reports a non-OK engine status with no accompanying alert.
type EngineError struct {
	Op     string
	Status engine.Status
	Kind   error
	Phase  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v (engine status %s)", e.Op, e.Kind, e.Status)
}

func (e *EngineError) Unwrap() []error {
	return appendPhase([]error{e.Kind}, e.Kind, e.Phase)
}

func appendPhase(errs []error, kind, phase error) []error {
	if phase == nil || phase == kind {
		return errs
	}
	return append(errs, phase)
}

// statusKind maps statuses that name their own failure class. Everything
// else takes the kind of the phase the call belongs to.
var statusKind = map[engine.Status]error{
	engine.StatusInvalidHandle:      ErrUseAfterClose,
	engine.StatusAllocationFailed:   ErrAllocationFailed,
	engine.StatusInvalidCertificate: ErrInvalidCertificate,
	engine.StatusInvalidPrivateKey:  ErrInvalidCertificate,
	engine.StatusKeyMismatch:        ErrInvalidCertificate,
	engine.StatusNoCertificate:      ErrInvalidCertificate,
	engine.StatusCipherList:         ErrInvalidArgument,
	engine.StatusUnsupported:        ErrUnsupported,
	engine.StatusNotBound:           ErrNotConnected,
	engine.StatusInvalidState:       ErrInvalidArgument,
}

// mapStatus turns the outcome of one engine call into an error. A captured
// alert wins over the status; a fatal alert has already superseded any
// warning by the time it reaches here. The result matches both the status
// kind and the phase under errors.Is.
func mapStatus(op string, status engine.Status, captured *alert.Alert, phase error) error {
	if status.OK() {
		return nil
	}
	kind := phase
	if k, ok := statusKind[status]; ok {
		kind = k
	}
	if captured != nil {
		return &AlertError{Op: op, Alert: *captured, Kind: kind, Phase: phase}
	}
	return &EngineError{Op: op, Status: status, Kind: kind, Phase: phase}
}
