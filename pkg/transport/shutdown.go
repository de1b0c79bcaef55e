package transport

import (
	"github.com/mash-protocol/mash-tls/pkg/engine"
	"github.com/mash-protocol/mash-tls/pkg/log"
)

// ShutdownState tracks the close-notify exchange.
type ShutdownState int32

const (
	// ShutdownNone means no shutdown has been attempted.
	ShutdownNone ShutdownState = iota

	// ShutdownSentShutdown means our close-notify went out and the peer's
	// has not been seen yet.
	ShutdownSentShutdown

	// ShutdownClosed means both sides have closed. Terminal.
	ShutdownClosed

	// ShutdownError means the exchange failed. Terminal.
	ShutdownError
)

// String returns the state name.
func (st ShutdownState) String() string {
	switch st {
	case ShutdownNone:
		return "none"
	case ShutdownSentShutdown:
		return "sent_shutdown"
	case ShutdownClosed:
		return "closed"
	case ShutdownError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownState returns the current shutdown state.
func (s *Session) ShutdownState() ShutdownState {
	return ShutdownState(s.shutdown.Load())
}

func (s *Session) setShutdown(to ShutdownState, reason string) {
	from := ShutdownState(s.shutdown.Swap(int32(to)))
	if from != to {
		s.emitState(log.StateEntityShutdown, from.String(), to.String(), reason)
		s.logger.Debug("shutdown: state change", "from", from.String(), "to", to.String())
	}
}

// Shutdown performs the close-notify exchange. It reports true once both
// sides have closed.
//
// Without wait, a single round is run: if the peer's close-notify has not
// arrived yet the state becomes ShutdownSentShutdown and false is
// returned. With wait, a second round waits for the peer; if that does not
// complete the exchange the session enters ShutdownError.
//
// In ShutdownClosed it returns true and in ShutdownError it returns
// ErrShutdownFailed, both without touching the engine. Shutdown needs the
// session to itself and fails with ErrConcurrentOperation while a Read or
// Write is running.
func (s *Session) Shutdown(wait bool) (bool, error) {
	if err := s.acquireBoth(); err != nil {
		return false, err
	}
	defer s.releaseBoth()
	return s.shutdownLocked(wait)
}

func (s *Session) shutdownLocked(wait bool) (bool, error) {
	switch s.ShutdownState() {
	case ShutdownClosed:
		return true, nil
	case ShutdownError:
		return false, ErrShutdownFailed
	}

	ref, ok := s.existingConn()
	if !ok {
		s.setShutdown(ShutdownClosed, "never connected")
		return true, nil
	}

	result, err := s.shutdownRound(ref, "shutdown")
	if err != nil {
		s.setShutdown(ShutdownError, err.Error())
		return false, err
	}
	if result == engine.ShutdownComplete {
		s.setShutdown(ShutdownClosed, "")
		return true, nil
	}
	if !wait {
		s.setShutdown(ShutdownSentShutdown, "")
		return false, nil
	}

	s.setShutdown(ShutdownSentShutdown, "awaiting peer")
	result, err = s.shutdownRound(ref, "shutdown wait")
	if err != nil {
		s.setShutdown(ShutdownError, err.Error())
		return false, err
	}
	if result != engine.ShutdownComplete {
		s.setShutdown(ShutdownError, "peer did not complete shutdown")
		return false, &EngineError{Op: "shutdown wait", Status: engine.StatusShutdownFailed, Kind: ErrShutdownFailed}
	}
	s.setShutdown(ShutdownClosed, "")
	return true, nil
}

func (s *Session) shutdownRound(ref engine.Ref, op string) (engine.ShutdownResult, error) {
	var result engine.ShutdownResult
	err := s.call(op, ErrShutdownFailed, func() engine.Status {
		result = s.eng.Shutdown(ref)
		if result == engine.ShutdownFailed {
			return engine.StatusShutdownFailed
		}
		return engine.StatusOK
	})
	return result, err
}
