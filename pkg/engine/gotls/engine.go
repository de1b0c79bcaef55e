// Package gotls implements engine.Engine on top of crypto/tls and net.
//
// Each connection reference owns one TCP connection (or, for a server, one
// listener that hands over a single accepted connection). Raw traffic is
// observed through a recording net.Conn that feeds the debug and message
// callbacks. Alerts that crypto/tls encrypts are recovered from its errors
// and reported on the message channel as if they had been seen on the wire.
//
// Go's TLS stack differs from a classic engine in a few places:
//   - finite-field DHE is not implemented, so SetDHParams reports
//     StatusUnsupported and DHE suites are dropped from cipher lists
//   - TLS 1.3 suites are not configurable and are accepted without effect
//   - VerifyClientOnce has no meaning without renegotiation and is ignored
package gotls

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"sync"
	"time"

	"github.com/mash-protocol/mash-tls/pkg/cert"
	"github.com/mash-protocol/mash-tls/pkg/engine"
)

// Default timeouts.
const (
	DefaultDialTimeout     = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Options configures an Engine.
type Options struct {
	// Roots is used to compute the preverified bit handed to the verify
	// callback. If nil, the system pool is used.
	Roots *x509.CertPool

	// DialTimeout bounds TCP connection establishment.
	DialTimeout time.Duration

	// ShutdownTimeout bounds the wait for the peer's close-notify in the
	// second shutdown round.
	ShutdownTimeout time.Duration

	// Logger receives engine debug output. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Engine is a crypto/tls backed engine. It is safe for concurrent use.
type Engine struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	next  engine.Ref
	conns map[engine.Ref]*conn
	certs map[engine.Ref][]*x509.Certificate
	keys  map[engine.Ref]crypto.Signer
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		opts:   opts,
		logger: opts.Logger.With("component", "gotls"),
		conns:  make(map[engine.Ref]*conn),
		certs:  make(map[engine.Ref][]*x509.Certificate),
		keys:   make(map[engine.Ref]crypto.Signer),
	}
}

func (e *Engine) nextRef() engine.Ref {
	e.next++
	return e.next
}

func (e *Engine) conn(ref engine.Ref) *conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[ref]
}

// Allocate creates a connection context.
func (e *Engine) Allocate(role engine.Role, version engine.ProtocolVersion, cb engine.Callbacks) (engine.Ref, engine.Status) {
	if role != engine.RoleClient && role != engine.RoleServer {
		return engine.InvalidRef, engine.StatusInvalidState
	}
	if _, ok := tlsVersion(version); !ok {
		return engine.InvalidRef, engine.StatusUnsupported
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ref := e.nextRef()
	e.conns[ref] = newConn(e, ref, role, version, cb)
	e.logger.Debug("allocate", "ref", ref, "role", role.String(), "version", version.String())
	return ref, engine.StatusOK
}

// Destroy closes the connection and forgets it.
func (e *Engine) Destroy(ref engine.Ref) {
	e.mu.Lock()
	c := e.conns[ref]
	delete(e.conns, ref)
	e.mu.Unlock()
	if c != nil {
		c.abort()
		e.logger.Debug("destroy", "ref", ref)
	}
}

// Abort closes the network transport; blocked calls return with an error.
func (e *Engine) Abort(ref engine.Ref) {
	if c := e.conn(ref); c != nil {
		c.abort()
		e.logger.Debug("abort", "ref", ref)
	}
}

// LoadCertificatePEM loads a PEM certificate chain, leaf first.
func (e *Engine) LoadCertificatePEM(conn engine.Ref, data []byte) (engine.Ref, engine.Status) {
	if e.conn(conn) == nil {
		return engine.InvalidRef, engine.StatusInvalidHandle
	}
	chain, err := cert.DecodeCertChainPEM(data)
	if err != nil {
		e.logger.Debug("load certificate failed", "error", err)
		return engine.InvalidRef, engine.StatusInvalidCertificate
	}
	return e.storeCert(chain), engine.StatusOK
}

// LoadPrivateKeyPEM loads a PEM private key.
func (e *Engine) LoadPrivateKeyPEM(conn engine.Ref, data []byte) (engine.Ref, engine.Status) {
	if e.conn(conn) == nil {
		return engine.InvalidRef, engine.StatusInvalidHandle
	}
	key, err := cert.DecodeKeyPEM(data)
	if err != nil {
		e.logger.Debug("load private key failed", "error", err)
		return engine.InvalidRef, engine.StatusInvalidPrivateKey
	}
	return e.storeKey(key), engine.StatusOK
}

// LoadPKCS12 loads a certificate and key from a PKCS#12 container.
func (e *Engine) LoadPKCS12(conn engine.Ref, data []byte, password string) (engine.Ref, engine.Ref, engine.Status) {
	if e.conn(conn) == nil {
		return engine.InvalidRef, engine.InvalidRef, engine.StatusInvalidHandle
	}
	id, err := cert.DecodePKCS12(data, password)
	if err != nil {
		e.logger.Debug("load pkcs12 failed", "error", err)
		return engine.InvalidRef, engine.InvalidRef, engine.StatusInvalidCertificate
	}
	chain := append([]*x509.Certificate{id.Certificate}, id.Chain...)
	return e.storeCert(chain), e.storeKey(id.PrivateKey), engine.StatusOK
}

func (e *Engine) storeCert(chain []*x509.Certificate) engine.Ref {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref := e.nextRef()
	e.certs[ref] = chain
	return ref
}

func (e *Engine) storeKey(key crypto.Signer) engine.Ref {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref := e.nextRef()
	e.keys[ref] = key
	return ref
}

// SetCertificate binds a loaded certificate and key to the connection.
func (e *Engine) SetCertificate(connRef, certRef, keyRef engine.Ref) engine.Status {
	e.mu.Lock()
	c := e.conns[connRef]
	chain, okC := e.certs[certRef]
	key, okK := e.keys[keyRef]
	e.mu.Unlock()

	if c == nil || !okC || !okK {
		return engine.StatusInvalidHandle
	}
	if len(chain) == 0 {
		return engine.StatusNoCertificate
	}
	if !cert.PublicKeyMatches(chain[0], key) {
		return engine.StatusKeyMismatch
	}
	c.setIdentity(chain, key)
	return engine.StatusOK
}

// FreeCertificate releases a loaded certificate.
func (e *Engine) FreeCertificate(ref engine.Ref) {
	e.mu.Lock()
	delete(e.certs, ref)
	e.mu.Unlock()
}

// FreePrivateKey releases a loaded private key.
func (e *Engine) FreePrivateKey(ref engine.Ref) {
	e.mu.Lock()
	delete(e.keys, ref)
	e.mu.Unlock()
}

// SetCipherList installs the suites Go supports out of codes.
func (e *Engine) SetCipherList(ref engine.Ref, codes []byte, count int) engine.Status {
	c := e.conn(ref)
	if c == nil {
		return engine.StatusInvalidHandle
	}
	suites, ok := filterSuites(codes, count, c.version)
	if !ok {
		return engine.StatusCipherList
	}
	c.mu.Lock()
	c.suites = suites
	c.mu.Unlock()
	return engine.StatusOK
}

// SetDHParams is not supported by crypto/tls.
func (e *Engine) SetDHParams(ref engine.Ref, p, g []byte) engine.Status {
	if e.conn(ref) == nil {
		return engine.StatusInvalidHandle
	}
	return engine.StatusUnsupported
}

// SetNamedCurve selects the key exchange curve.
func (e *Engine) SetNamedCurve(ref engine.Ref, name string) engine.Status {
	c := e.conn(ref)
	if c == nil {
		return engine.StatusInvalidHandle
	}
	id, ok := curveID(name)
	if !ok {
		return engine.StatusUnsupported
	}
	c.mu.Lock()
	c.curves = []tls.CurveID{id}
	c.mu.Unlock()
	return engine.StatusOK
}

// SetCertificateVerify installs peer verification.
func (e *Engine) SetCertificateVerify(ref engine.Ref, mode engine.VerifyMode, verify engine.VerifyFunc, info engine.CertificateInfoFunc, depth int) {
	c := e.conn(ref)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.mode, c.verify, c.info, c.depth = mode, verify, info, depth
	c.mu.Unlock()
}

// Connect dials endpoint and performs the client handshake.
func (e *Engine) Connect(ref engine.Ref, endpoint string) engine.Status {
	c := e.conn(ref)
	if c == nil {
		return engine.StatusInvalidHandle
	}
	return c.connect(endpoint)
}

// Bind listens on endpoint.
func (e *Engine) Bind(ref engine.Ref, endpoint string) engine.Status {
	c := e.conn(ref)
	if c == nil {
		return engine.StatusInvalidHandle
	}
	return c.bind(endpoint)
}

// Accept takes one client from the listener and performs the server
// handshake. The listener is closed afterwards.
func (e *Engine) Accept(ref engine.Ref) engine.Status {
	c := e.conn(ref)
	if c == nil {
		return engine.StatusInvalidHandle
	}
	return c.accept()
}

// Read reads decrypted application data.
func (e *Engine) Read(ref engine.Ref, p []byte) (int, engine.Status) {
	c := e.conn(ref)
	if c == nil {
		return 0, engine.StatusInvalidHandle
	}
	return c.read(p)
}

// Write encrypts and sends p.
func (e *Engine) Write(ref engine.Ref, p []byte) (int, engine.Status) {
	c := e.conn(ref)
	if c == nil {
		return 0, engine.StatusInvalidHandle
	}
	return c.write(p)
}

// Shutdown runs one round of the close-notify exchange.
func (e *Engine) Shutdown(ref engine.Ref) engine.ShutdownResult {
	c := e.conn(ref)
	if c == nil {
		return engine.ShutdownFailed
	}
	return c.shutdown()
}

// CurrentCipher returns the negotiated suite, or 0.
func (e *Engine) CurrentCipher(ref engine.Ref) uint16 {
	c := e.conn(ref)
	if c == nil {
		return 0
	}
	return c.cipherSuite()
}

// LocalAddr returns the listener or connection address.
func (e *Engine) LocalAddr(ref engine.Ref) string {
	c := e.conn(ref)
	if c == nil {
		return ""
	}
	return c.localAddr()
}

// Compile-time interface satisfaction check.
var _ engine.Engine = (*Engine)(nil)
