// Package enginestub provides a scriptable in-memory engine for session
// tests. It performs no cryptography: Connect and Accept succeed or fail
// as scripted, Read and Write move bytes through per-connection buffers,
// and alerts are injected through the message-trace callback.
package enginestub

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/mash-protocol/mash-tls/pkg/alert"
	"github.com/mash-protocol/mash-tls/pkg/cipher"
	"github.com/mash-protocol/mash-tls/pkg/engine"
)

// Operation names used for scripting.
const (
	OpAllocate   = "allocate"
	OpConnect    = "connect"
	OpBind       = "bind"
	OpAccept     = "accept"
	OpLoadCert   = "load-cert"
	OpLoadKey    = "load-key"
	OpLoadPKCS12 = "load-pkcs12"
	OpSetCert    = "set-cert"
	OpCipherList = "cipher-list"
	OpDHParams   = "dh-params"
	OpNamedCurve = "named-curve"
	OpRead       = "read"
	OpWrite      = "write"
	OpShutdown   = "shutdown"
)

// TracedAlert is an alert the stub reports on the message channel.
type TracedAlert struct {
	Alert alert.Alert
	Sent  bool
}

// Conn is the stub's per-connection state.
type Conn struct {
	Role      engine.Role
	Version   engine.ProtocolVersion
	Callbacks engine.Callbacks

	Ciphers     cipher.List
	Negotiated  uint16
	Endpoint    string
	Bound       string
	Cert, Key   engine.Ref
	VerifyMode  engine.VerifyMode
	Verify      engine.VerifyFunc
	Info        engine.CertificateInfoFunc
	VerifyDepth int
	Curve       string

	Inbound  bytes.Buffer
	Outbound bytes.Buffer
	PeerEOF  bool

	aborted chan struct{}
	once    sync.Once
}

// Aborted is closed once Abort has been called for the connection.
func (c *Conn) Aborted() <-chan struct{} { return c.aborted }

// Gate blocks a scripted operation until it is opened or the connection
// is aborted.
type Gate struct {
	Entered chan struct{}
	open    chan struct{}
	once    sync.Once
}

// Open lets the blocked operation continue.
func (g *Gate) Open() { g.once.Do(func() { close(g.open) }) }

// Engine is the stub engine. Script fields may be set before the session
// uses the engine; they are read under the engine's lock.
type Engine struct {
	mu    sync.Mutex
	next  engine.Ref
	conns map[engine.Ref]*Conn
	certs map[engine.Ref]bool
	keys  map[engine.Ref]bool
	gates map[string]*Gate
	calls map[string]int

	// Status scripts per operation. Missing entries mean StatusOK.
	Statuses map[string]engine.Status

	// Alerts traced during an operation, in order.
	Alerts map[string][]TracedAlert

	// ShutdownResults are consumed in order. When exhausted, Shutdown
	// reports complete.
	ShutdownResults []engine.ShutdownResult

	// ShortWrite caps the bytes accepted by each Write when positive.
	ShortWrite int

	// PeerChain is presented to the verify callback, deepest first, during
	// Connect and Accept. The informational callback sees the first entry.
	PeerChain []TracedCertificate

	// DefaultCipher is negotiated when no cipher list was set.
	DefaultCipher uint16

	Destroyed    atomic.Int32
	Aborts       atomic.Int32
	FreedCerts   atomic.Int32
	FreedKeys    atomic.Int32
	InvalidFrees atomic.Int32
}

// TracedCertificate is a DER certificate with the preverify bit the stub
// reports for it.
type TracedCertificate struct {
	DER         []byte
	Preverified bool
}

// New returns an empty stub engine.
func New() *Engine {
	return &Engine{
		conns:         make(map[engine.Ref]*Conn),
		certs:         make(map[engine.Ref]bool),
		keys:          make(map[engine.Ref]bool),
		gates:         make(map[string]*Gate),
		calls:         make(map[string]int),
		Statuses:      make(map[string]engine.Status),
		Alerts:        make(map[string][]TracedAlert),
		DefaultCipher: uint16(cipher.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256),
	}
}

// Block makes the next calls of op wait on the returned gate.
func (e *Engine) Block(op string) *Gate {
	g := &Gate{Entered: make(chan struct{}, 16), open: make(chan struct{})}
	e.mu.Lock()
	e.gates[op] = g
	e.mu.Unlock()
	return g
}

// Calls returns how many times op was invoked.
func (e *Engine) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// Conn returns the state for ref, or nil.
func (e *Engine) Conn(ref engine.Ref) *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[ref]
}

// Only returns the single live connection, or nil.
func (e *Engine) Only() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		return c
	}
	return nil
}

// LiveConnections returns the number of connections not yet destroyed.
func (e *Engine) LiveConnections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Feed queues plaintext for the connection's next reads.
func (e *Engine) Feed(ref engine.Ref, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.conns[ref]; c != nil {
		c.Inbound.Write(data)
	}
}

// FeedOnly is Feed for the single live connection.
func (e *Engine) FeedOnly(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		c.Inbound.Write(data)
		return
	}
}

// begin records the call, waits on a gate if one is set, and returns the
// scripted status plus the connection. An abort while gated yields
// StatusIOError.
func (e *Engine) begin(op string, ref engine.Ref) (*Conn, engine.Status) {
	e.mu.Lock()
	e.calls[op]++
	c := e.conns[ref]
	g := e.gates[op]
	status := e.Statuses[op]
	alerts := e.Alerts[op]
	e.mu.Unlock()

	if c == nil && op != OpAllocate {
		return nil, engine.StatusInvalidHandle
	}
	if g != nil && c != nil {
		g.Entered <- struct{}{}
		select {
		case <-g.open:
		case <-c.aborted:
			return c, engine.StatusIOError
		}
	}
	if c != nil && c.Callbacks.Message != nil {
		for _, a := range alerts {
			c.Callbacks.Message(a.Sent, uint16(c.Version), alert.ContentType, a.Alert.Bytes())
		}
	}
	return c, status
}

func (e *Engine) Allocate(role engine.Role, version engine.ProtocolVersion, cb engine.Callbacks) (engine.Ref, engine.Status) {
	_, status := e.begin(OpAllocate, engine.InvalidRef)
	if !status.OK() {
		return engine.InvalidRef, status
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.conns[e.next] = &Conn{
		Role:        role,
		Version:     version,
		Callbacks:   cb,
		VerifyDepth: -1,
		aborted:     make(chan struct{}),
	}
	return e.next, engine.StatusOK
}

func (e *Engine) Destroy(ref engine.Ref) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.conns[ref]; !ok {
		e.InvalidFrees.Add(1)
		return
	}
	delete(e.conns, ref)
	e.Destroyed.Add(1)
}

func (e *Engine) Abort(ref engine.Ref) {
	e.Aborts.Add(1)
	if c := e.Conn(ref); c != nil {
		c.once.Do(func() { close(c.aborted) })
	}
}

func (e *Engine) newResource(set map[engine.Ref]bool) engine.Ref {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	set[e.next] = true
	return e.next
}

func (e *Engine) LoadCertificatePEM(conn engine.Ref, data []byte) (engine.Ref, engine.Status) {
	if _, st := e.begin(OpLoadCert, conn); !st.OK() {
		return engine.InvalidRef, st
	}
	return e.newResource(e.certs), engine.StatusOK
}

func (e *Engine) LoadPrivateKeyPEM(conn engine.Ref, data []byte) (engine.Ref, engine.Status) {
	if _, st := e.begin(OpLoadKey, conn); !st.OK() {
		return engine.InvalidRef, st
	}
	return e.newResource(e.keys), engine.StatusOK
}

func (e *Engine) LoadPKCS12(conn engine.Ref, data []byte, password string) (engine.Ref, engine.Ref, engine.Status) {
	if _, st := e.begin(OpLoadPKCS12, conn); !st.OK() {
		return engine.InvalidRef, engine.InvalidRef, st
	}
	return e.newResource(e.certs), e.newResource(e.keys), engine.StatusOK
}

func (e *Engine) SetCertificate(conn, cert, key engine.Ref) engine.Status {
	c, st := e.begin(OpSetCert, conn)
	if !st.OK() {
		return st
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.certs[cert] || !e.keys[key] {
		return engine.StatusInvalidHandle
	}
	c.Cert, c.Key = cert, key
	return engine.StatusOK
}

func (e *Engine) free(set map[engine.Ref]bool, ref engine.Ref, counter *atomic.Int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !set[ref] {
		e.InvalidFrees.Add(1)
		return
	}
	delete(set, ref)
	counter.Add(1)
}

func (e *Engine) FreeCertificate(cert engine.Ref) { e.free(e.certs, cert, &e.FreedCerts) }
func (e *Engine) FreePrivateKey(key engine.Ref) { e.free(e.keys, key, &e.FreedKeys) }

func (e *Engine) SetCipherList(conn engine.Ref, codes []byte, count int) engine.Status {
	c, st := e.begin(OpCipherList, conn)
	if !st.OK() {
		return st
	}
	list, err := cipher.Decode(codes)
	if err != nil || len(list) != count {
		return engine.StatusCipherList
	}
	e.mu.Lock()
	c.Ciphers = list
	e.mu.Unlock()
	return engine.StatusOK
}

func (e *Engine) SetDHParams(conn engine.Ref, p, g []byte) engine.Status {
	_, st := e.begin(OpDHParams, conn)
	return st
}

func (e *Engine) SetNamedCurve(conn engine.Ref, name string) engine.Status {
	c, st := e.begin(OpNamedCurve, conn)
	if st.OK() {
		e.mu.Lock()
		c.Curve = name
		e.mu.Unlock()
	}
	return st
}

func (e *Engine) SetCertificateVerify(conn engine.Ref, mode engine.VerifyMode, verify engine.VerifyFunc, info engine.CertificateInfoFunc, depth int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["set-verify"]++
	if c := e.conns[conn]; c != nil {
		c.VerifyMode, c.Verify, c.Info, c.VerifyDepth = mode, verify, info, depth
	}
}

// handshake presents PeerChain to the verify callback and negotiates.
func (e *Engine) handshake(c *Conn) engine.Status {
	e.mu.Lock()
	chain := append([]TracedCertificate(nil), e.PeerChain...)
	verify, info := c.Verify, c.Info
	e.mu.Unlock()

	if verify != nil {
		for _, tc := range chain {
			if !verify(tc.Preverified, tc.DER) {
				c.Callbacks.Message(true, uint16(c.Version), alert.ContentType,
					alert.Alert{Level: alert.LevelFatal, Description: alert.BadCertificate}.Bytes())
				return engine.StatusVerifyFailed
			}
		}
	}
	if info != nil && len(chain) > 0 {
		info(chain[len(chain)-1].DER)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(c.Ciphers) > 0 {
		c.Negotiated = uint16(c.Ciphers[0])
	} else {
		c.Negotiated = e.DefaultCipher
	}
	return engine.StatusOK
}

func (e *Engine) Connect(conn engine.Ref, endpoint string) engine.Status {
	c, st := e.begin(OpConnect, conn)
	if !st.OK() {
		return st
	}
	e.mu.Lock()
	c.Endpoint = endpoint
	e.mu.Unlock()
	return e.handshake(c)
}

func (e *Engine) Bind(conn engine.Ref, endpoint string) engine.Status {
	c, st := e.begin(OpBind, conn)
	if !st.OK() {
		return st
	}
	e.mu.Lock()
	c.Bound = endpoint
	e.mu.Unlock()
	return engine.StatusOK
}

func (e *Engine) Accept(conn engine.Ref) engine.Status {
	c, st := e.begin(OpAccept, conn)
	if !st.OK() {
		return st
	}
	e.mu.Lock()
	bound := c.Bound != ""
	e.mu.Unlock()
	if !bound {
		return engine.StatusNotBound
	}
	return e.handshake(c)
}

func (e *Engine) Read(conn engine.Ref, p []byte) (int, engine.Status) {
	c, st := e.begin(OpRead, conn)
	if !st.OK() {
		return 0, st
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c.Inbound.Len() == 0 {
		if c.PeerEOF {
			return 0, engine.StatusClosed
		}
		return 0, engine.StatusOK
	}
	n, _ := c.Inbound.Read(p)
	return n, engine.StatusOK
}

func (e *Engine) Write(conn engine.Ref, p []byte) (int, engine.Status) {
	c, st := e.begin(OpWrite, conn)
	if !st.OK() {
		return 0, st
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(p)
	if e.ShortWrite > 0 && n > e.ShortWrite {
		n = e.ShortWrite
	}
	c.Outbound.Write(p[:n])
	return n, engine.StatusOK
}

func (e *Engine) Shutdown(conn engine.Ref) engine.ShutdownResult {
	if _, st := e.begin(OpShutdown, conn); !st.OK() {
		return engine.ShutdownFailed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.ShutdownResults) == 0 {
		return engine.ShutdownComplete
	}
	r := e.ShutdownResults[0]
	e.ShutdownResults = e.ShutdownResults[1:]
	return r
}

func (e *Engine) CurrentCipher(conn engine.Ref) uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.conns[conn]; c != nil {
		return c.Negotiated
	}
	return 0
}

func (e *Engine) LocalAddr(conn engine.Ref) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.conns[conn]; c != nil {
		return c.Bound
	}
	return ""
}

// Compile-time interface satisfaction check.
var _ engine.Engine = (*Engine)(nil)
