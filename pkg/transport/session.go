package transport

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mash-protocol/mash-tls/pkg/alert"
	"github.com/mash-protocol/mash-tls/pkg/cert"
	"github.com/mash-protocol/mash-tls/pkg/cipher"
	"github.com/mash-protocol/mash-tls/pkg/engine"
	"github.com/mash-protocol/mash-tls/pkg/handle"
	"github.com/mash-protocol/mash-tls/pkg/log"
)

// Session drives one TLS connection through an engine.
//
// One Read and one Write may run concurrently; a second call in the same
// direction fails with ErrConcurrentOperation instead of queueing.
// Configuration, connection establishment and shutdown need the session to
// themselves. Close may be called at any time from any goroutine.
type Session struct {
	eng    engine.Engine
	cfg    Config
	id     string
	logger *slog.Logger
	plog   log.Logger

	conn atomic.Pointer[handle.Handle]
	cert atomic.Pointer[handle.Handle]
	key  atomic.Pointer[handle.Handle]

	readFlag  exclusionFlag
	writeFlag exclusionFlag
	closed    atomic.Bool

	handshaken atomic.Bool
	shutdown   atomic.Int32
	endpoint   atomic.Value

	alerts alertTracker
	bridge verifyBridge
}

// New creates a session with no engine resources. Resources are allocated
// by the first call that configures or opens the connection.
func New(eng engine.Engine, cfg Config) (*Session, error) {
	if eng == nil {
		return nil, fmt.Errorf("%w: engine is required", ErrInvalidArgument)
	}
	if cfg.Role != engine.RoleClient && cfg.Role != engine.RoleServer {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRole, cfg.Role)
	}
	cfg = cfg.withDefaults()

	s := &Session{
		eng:  eng,
		cfg:  cfg,
		id:   uuid.NewString(),
		plog: cfg.ProtocolLogger,
	}
	s.logger = cfg.Logger.With("connID", s.id, "role", cfg.Role.String())
	s.endpoint.Store("")
	s.bridge.s = s
	return s, nil
}

// ID returns the session's unique identifier used in trace events.
func (s *Session) ID() string { return s.id }

// Role returns the session's role.
func (s *Session) Role() engine.Role { return s.cfg.Role }

// connRef returns the connection reference, allocating it on first use.
// Callers hold both exclusion flags.
func (s *Session) connRef() (engine.Ref, error) {
	if h := s.conn.Load(); h != nil {
		ref, err := h.Ref()
		if err != nil {
			return engine.InvalidRef, ErrUseAfterClose
		}
		return ref, nil
	}

	ref, status := s.eng.Allocate(s.cfg.Role, s.cfg.Version, s.callbacks())
	if err := mapStatus("allocate", status, nil, ErrAllocationFailed); err != nil {
		return engine.InvalidRef, err
	}
	if ref == engine.InvalidRef {
		return engine.InvalidRef, &EngineError{Op: "allocate", Status: engine.StatusAllocationFailed, Kind: ErrAllocationFailed}
	}
	s.conn.Store(handle.New(handle.KindConnection, ref, s.eng.Destroy))
	// Close may have run while the engine allocated and found no connection
	// to abort. Teardown happens when the caller drops its flags.
	if s.closed.Load() {
		return engine.InvalidRef, ErrUseAfterClose
	}
	s.logger.Debug("allocate: connection context ready", "version", s.cfg.Version.String())
	s.emitState(log.StateEntityHandle, "", "connection-allocated", "")
	return ref, nil
}

// existingConn returns the connection reference without allocating.
func (s *Session) existingConn() (engine.Ref, bool) {
	h := s.conn.Load()
	if h == nil {
		return engine.InvalidRef, false
	}
	ref, err := h.Ref()
	return ref, err == nil
}

// call runs one engine call with alert capture and maps its outcome.
func (s *Session) call(op string, phase error, fn func() engine.Status) error {
	c := s.alerts.begin()
	status := fn()
	captured := s.alerts.end(c)
	if err := mapStatus(op, status, captured, phase); err != nil {
		s.emitError(op, err)
		return err
	}
	return nil
}

// Connect opens a client connection to endpoint ("host:port") and runs
// the handshake.
func (s *Session) Connect(endpoint string) error {
	if s.cfg.Role != engine.RoleClient {
		return fmt.Errorf("connect: %w", ErrInvalidRole)
	}
	if endpoint == "" {
		return fmt.Errorf("connect: %w: empty endpoint", ErrInvalidArgument)
	}
	return s.exclusive(func() error {
		ref, err := s.connRef()
		if err != nil {
			return err
		}
		s.endpoint.Store(endpoint)
		s.emitState(log.StateEntityConnection, "idle", "connecting", endpoint)
		if err := s.call("connect", ErrHandshakeFailed, func() engine.Status {
			return s.eng.Connect(ref, endpoint)
		}); err != nil {
			s.emitState(log.StateEntityConnection, "connecting", "failed", err.Error())
			return err
		}
		s.established("connecting")
		return nil
	})
}

// Bind starts listening on endpoint for a server session.
func (s *Session) Bind(endpoint string) error {
	if s.cfg.Role != engine.RoleServer {
		return fmt.Errorf("bind: %w", ErrInvalidRole)
	}
	if endpoint == "" {
		return fmt.Errorf("bind: %w: empty endpoint", ErrInvalidArgument)
	}
	return s.exclusive(func() error {
		ref, err := s.connRef()
		if err != nil {
			return err
		}
		if err := s.call("bind", ErrHandshakeFailed, func() engine.Status {
			return s.eng.Bind(ref, endpoint)
		}); err != nil {
			return err
		}
		s.endpoint.Store(endpoint)
		s.emitState(log.StateEntityConnection, "idle", "bound", s.eng.LocalAddr(ref))
		s.logger.Debug("bind: listening", "endpoint", endpoint)
		return nil
	})
}

// Accept waits for a client on the bound endpoint and runs the handshake.
// A certificate and private key must already be set.
func (s *Session) Accept() error {
	if s.cfg.Role != engine.RoleServer {
		return fmt.Errorf("accept: %w", ErrInvalidRole)
	}
	if s.cert.Load().IsInvalid() || s.key.Load().IsInvalid() {
		return fmt.Errorf("accept: %w: certificate and private key required", ErrInvalidCertificate)
	}
	return s.exclusive(func() error {
		ref, ok := s.existingConn()
		if !ok {
			return fmt.Errorf("accept: %w: not bound", ErrNotConnected)
		}
		s.emitState(log.StateEntityConnection, "bound", "accepting", "")
		if err := s.call("accept", ErrHandshakeFailed, func() engine.Status {
			return s.eng.Accept(ref)
		}); err != nil {
			s.emitState(log.StateEntityConnection, "accepting", "failed", err.Error())
			return err
		}
		s.established("accepting")
		return nil
	})
}

func (s *Session) established(from string) {
	s.handshaken.Store(true)
	suite := cipher.Suite(s.CurrentCipher())
	s.emitState(log.StateEntityConnection, from, "established", suite.String())
	s.logger.Debug("handshake complete", "cipher", suite.String())
}

// SetCertificate loads a PEM certificate chain, optionally followed or
// preceded by its PEM private key.
func (s *Session) SetCertificate(data []byte) error {
	certs, keys := cert.SplitPEM(data)
	if len(certs) == 0 {
		return fmt.Errorf("set certificate: %w: no PEM certificate", ErrInvalidCertificate)
	}
	return s.exclusive(func() error {
		ref, err := s.connRef()
		if err != nil {
			return err
		}
		var certRef engine.Ref
		if err := s.call("load certificate", ErrInvalidCertificate, func() (st engine.Status) {
			certRef, st = s.eng.LoadCertificatePEM(ref, certs)
			return st
		}); err != nil {
			return err
		}
		s.replace(&s.cert, handle.New(handle.KindCertificate, certRef, s.eng.FreeCertificate))

		if len(keys) > 0 {
			if err := s.loadKey(ref, keys); err != nil {
				return err
			}
		}
		return s.bindIdentity(ref)
	})
}

// SetPrivateKey loads a PEM private key for a certificate set separately.
func (s *Session) SetPrivateKey(data []byte) error {
	_, keys := cert.SplitPEM(data)
	if len(keys) == 0 {
		return fmt.Errorf("set private key: %w: no PEM private key", ErrInvalidCertificate)
	}
	return s.exclusive(func() error {
		ref, err := s.connRef()
		if err != nil {
			return err
		}
		if err := s.loadKey(ref, keys); err != nil {
			return err
		}
		return s.bindIdentity(ref)
	})
}

// SetCertificateWithPassword loads a PKCS#12 bundle holding a certificate
// and its private key.
func (s *Session) SetCertificateWithPassword(data []byte, password string) error {
	if len(data) == 0 {
		return fmt.Errorf("set certificate: %w: empty PKCS#12 data", ErrInvalidCertificate)
	}
	return s.exclusive(func() error {
		ref, err := s.connRef()
		if err != nil {
			return err
		}
		var certRef, keyRef engine.Ref
		if err := s.call("load pkcs12", ErrInvalidCertificate, func() (st engine.Status) {
			certRef, keyRef, st = s.eng.LoadPKCS12(ref, data, password)
			return st
		}); err != nil {
			return err
		}
		s.replace(&s.cert, handle.New(handle.KindCertificate, certRef, s.eng.FreeCertificate))
		s.replace(&s.key, handle.New(handle.KindPrivateKey, keyRef, s.eng.FreePrivateKey))
		return s.bindIdentity(ref)
	})
}

func (s *Session) loadKey(ref engine.Ref, keys []byte) error {
	var keyRef engine.Ref
	if err := s.call("load private key", ErrInvalidCertificate, func() (st engine.Status) {
		keyRef, st = s.eng.LoadPrivateKeyPEM(ref, keys)
		return st
	}); err != nil {
		return err
	}
	s.replace(&s.key, handle.New(handle.KindPrivateKey, keyRef, s.eng.FreePrivateKey))
	return nil
}

// bindIdentity hands certificate and key to the connection once both exist.
func (s *Session) bindIdentity(ref engine.Ref) error {
	certRef, errC := s.cert.Load().Ref()
	keyRef, errK := s.key.Load().Ref()
	if errC != nil || errK != nil {
		return nil
	}
	return s.call("set certificate", ErrInvalidCertificate, func() engine.Status {
		return s.eng.SetCertificate(ref, certRef, keyRef)
	})
}

// replace installs h in slot and releases the handle it displaces.
func (s *Session) replace(slot *atomic.Pointer[handle.Handle], h *handle.Handle) {
	if old := slot.Swap(h); old != nil {
		old.Release()
	}
}

// SetCipherList restricts and orders the cipher suites offered or accepted.
// It must be called before the handshake.
func (s *Session) SetCipherList(list cipher.List) error {
	if len(list) == 0 {
		return fmt.Errorf("set cipher list: %w: empty list", ErrInvalidArgument)
	}
	if s.handshaken.Load() {
		return fmt.Errorf("set cipher list: %w: handshake already done", ErrInvalidArgument)
	}
	codes, err := list.Encode()
	if err != nil {
		return fmt.Errorf("set cipher list: %w: %v", ErrInvalidArgument, err)
	}
	return s.exclusive(func() error {
		ref, err := s.connRef()
		if err != nil {
			return err
		}
		return s.call("set cipher list", ErrInvalidArgument, func() engine.Status {
			return s.eng.SetCipherList(ref, codes, len(list))
		})
	})
}

// SetCertificateVerify installs the peer verification policy. A nil
// validator leaves the decision to the engine.
func (s *Session) SetCertificateVerify(mode engine.VerifyMode, v Validator) error {
	return s.exclusive(func() error {
		ref, err := s.connRef()
		if err != nil {
			return err
		}
		s.bridge.set(v)
		var verify engine.VerifyFunc
		var info engine.CertificateInfoFunc
		if v != nil {
			verify = s.bridge.verify
			info = s.bridge.info
		}
		s.eng.SetCertificateVerify(ref, mode, verify, info, engine.DefaultVerifyDepth)
		s.logger.Debug("verify: policy installed", "mode", mode.String(), "custom", v != nil)
		return nil
	})
}

// SetDHParams supplies finite-field Diffie-Hellman parameters (big-endian).
func (s *Session) SetDHParams(p, g []byte) error {
	if len(p) == 0 || len(g) == 0 {
		return fmt.Errorf("set dh params: %w", ErrInvalidArgument)
	}
	return s.exclusive(func() error {
		ref, err := s.connRef()
		if err != nil {
			return err
		}
		return s.call("set dh params", ErrInvalidArgument, func() engine.Status {
			return s.eng.SetDHParams(ref, p, g)
		})
	})
}

// SetNamedCurve selects the elliptic curve for key exchange, e.g. "P-256".
func (s *Session) SetNamedCurve(name string) error {
	if name == "" {
		return fmt.Errorf("set named curve: %w", ErrInvalidArgument)
	}
	return s.exclusive(func() error {
		ref, err := s.connRef()
		if err != nil {
			return err
		}
		return s.call("set named curve", ErrInvalidArgument, func() engine.Status {
			return s.eng.SetNamedCurve(ref, name)
		})
	})
}

// Read reads decrypted application data. Orderly shutdown by the peer is
// reported as io.EOF.
func (s *Session) Read(p []byte) (int, error) {
	if err := s.acquire(&s.readFlag); err != nil {
		return 0, err
	}
	defer s.release(&s.readFlag)
	return s.read(p)
}

func (s *Session) read(p []byte) (int, error) {
	ref, ok := s.existingConn()
	if !ok {
		return 0, fmt.Errorf("read: %w", ErrNotConnected)
	}
	if len(p) == 0 {
		return 0, nil
	}

	c := s.alerts.begin()
	n, status := s.eng.Read(ref, p)
	captured := s.alerts.end(c)

	switch {
	case status.OK() && n > 0:
		return n, nil
	case status.OK(), status == engine.StatusClosed && (captured == nil || !captured.IsFatal()):
		return 0, io.EOF
	}
	err := mapStatus("read", status, captured, ErrIO)
	s.emitError("read", err)
	return 0, err
}

// Write encrypts and sends p. Fewer bytes accepted by the engine than
// requested is reported as ErrShortWrite; the remainder is not retried.
func (s *Session) Write(p []byte) (int, error) {
	if err := s.acquire(&s.writeFlag); err != nil {
		return 0, err
	}
	defer s.release(&s.writeFlag)
	return s.write(p)
}

func (s *Session) write(p []byte) (int, error) {
	ref, ok := s.existingConn()
	if !ok {
		return 0, fmt.Errorf("write: %w", ErrNotConnected)
	}
	if len(p) == 0 {
		return 0, nil
	}

	var n int
	if err := s.call("write", ErrIO, func() (st engine.Status) {
		n, st = s.eng.Write(ref, p)
		return st
	}); err != nil {
		return n, err
	}
	if n < len(p) {
		return n, fmt.Errorf("write: %w: %d of %d bytes", ErrShortWrite, n, len(p))
	}
	return n, nil
}

// CurrentCipher returns the negotiated cipher suite code, or 0 before the
// handshake.
func (s *Session) CurrentCipher() uint16 {
	ref, ok := s.existingConn()
	if !ok {
		return 0
	}
	return s.eng.CurrentCipher(ref)
}

// LocalAddr returns the bound address of a server session.
func (s *Session) LocalAddr() string {
	ref, ok := s.existingConn()
	if !ok {
		return ""
	}
	return s.eng.LocalAddr(ref)
}

// LastAlert returns the most recent alert traced in either direction.
func (s *Session) LastAlert() *alert.Alert {
	return s.alerts.lastAlert()
}

// Close aborts the connection and releases every engine resource the
// session owns. Nothing further is sent to the peer; use Shutdown first
// for an orderly close. Operations in flight are aborted and the release
// happens when the last of them returns.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.readFlag.held() || s.writeFlag.held() {
		if ref, ok := s.existingConn(); ok {
			s.logger.Debug("close: aborting in-flight operation")
			s.eng.Abort(ref)
		}
	}
	s.maybeTeardown()
	return nil
}

// maybeTeardown releases the handles once the session is closed and no
// operation holds a flag. Whoever observes that state last performs it;
// the handles make a second attempt a no-op.
func (s *Session) maybeTeardown() {
	if !s.closed.Load() || s.readFlag.held() || s.writeFlag.held() {
		return
	}
	released := false
	if h := s.conn.Load(); h != nil && h.Release() {
		released = true
	}
	if h := s.cert.Load(); h != nil && h.Release() {
		released = true
	}
	if h := s.key.Load(); h != nil && h.Release() {
		released = true
	}
	if released {
		s.emitState(log.StateEntityHandle, "", "released", "")
		s.logger.Debug("close: resources released")
	}
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool { return s.closed.Load() }
