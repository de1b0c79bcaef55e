package gotls

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mash-protocol/mash-tls/pkg/alert"
	"github.com/mash-protocol/mash-tls/pkg/engine"
)

// conn is the per-reference state of the engine.
type conn struct {
	e       *Engine
	ref     engine.Ref
	role    engine.Role
	version engine.ProtocolVersion
	cb      engine.Callbacks

	mu       sync.Mutex
	suites   []uint16
	curves   []tls.CurveID
	identity *tls.Certificate
	mode     engine.VerifyMode
	verify   engine.VerifyFunc
	info     engine.CertificateInfoFunc
	depth    int
	listener net.Listener
	addr     string
	raw      *recordingConn
	tc       *tls.Conn
	aborted  bool

	suite      atomic.Uint32
	sentClose  atomic.Bool
	peerClosed atomic.Bool
}

func newConn(e *Engine, ref engine.Ref, role engine.Role, version engine.ProtocolVersion, cb engine.Callbacks) *conn {
	return &conn{
		e:       e,
		ref:     ref,
		role:    role,
		version: version,
		cb:      cb,
		depth:   engine.DefaultVerifyDepth,
	}
}

func (c *conn) setIdentity(chain []*x509.Certificate, key crypto.Signer) {
	tc := tls.Certificate{PrivateKey: key, Leaf: chain[0]}
	for _, x := range chain {
		tc.Certificate = append(tc.Certificate, x.Raw)
	}
	c.mu.Lock()
	c.identity = &tc
	c.mu.Unlock()
}

func (c *conn) tlsConn() (*tls.Conn, *recordingConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tc, c.raw
}

// install records the transport unless the connection was aborted.
func (c *conn) install(rc *recordingConn, tc *tls.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return false
	}
	c.raw, c.tc = rc, tc
	return true
}

func (c *conn) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// abort closes the raw transport without sending anything.
func (c *conn) abort() {
	c.mu.Lock()
	c.aborted = true
	ln, rc := c.listener, c.raw
	c.listener = nil
	c.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if rc != nil {
		_ = rc.Conn.Close()
	}
}

func (c *conn) connect(endpoint string) engine.Status {
	if c.role != engine.RoleClient {
		return engine.StatusInvalidState
	}
	if tc, _ := c.tlsConn(); tc != nil {
		return engine.StatusInvalidState
	}
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		c.e.logger.Debug("connect: bad endpoint", "ref", c.ref, "endpoint", endpoint, "error", err)
		return engine.StatusSocketError
	}

	d := net.Dialer{Timeout: c.e.opts.DialTimeout}
	nc, err := d.Dial("tcp", endpoint)
	if err != nil {
		c.e.logger.Debug("connect: dial failed", "ref", c.ref, "endpoint", endpoint, "error", err)
		return engine.StatusSocketError
	}
	rc := newRecordingConn(nc, c.cb)
	tc := tls.Client(rc, c.tlsConfig(host))
	if !c.install(rc, tc) {
		_ = nc.Close()
		return engine.StatusIOError
	}
	return c.handshake(tc, rc)
}

func (c *conn) bind(endpoint string) engine.Status {
	if c.role != engine.RoleServer {
		return engine.StatusInvalidState
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil || c.tc != nil || c.aborted {
		return engine.StatusInvalidState
	}
	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		c.e.logger.Debug("bind failed", "ref", c.ref, "endpoint", endpoint, "error", err)
		return engine.StatusSocketError
	}
	c.listener = ln
	c.addr = ln.Addr().String()
	return engine.StatusOK
}

func (c *conn) accept() engine.Status {
	c.mu.Lock()
	ln, haveCert := c.listener, c.identity != nil
	c.mu.Unlock()
	if ln == nil {
		return engine.StatusNotBound
	}
	if !haveCert {
		return engine.StatusNoCertificate
	}

	nc, err := ln.Accept()
	c.mu.Lock()
	c.listener = nil
	c.mu.Unlock()
	_ = ln.Close()
	if err != nil {
		c.e.logger.Debug("accept failed", "ref", c.ref, "error", err)
		if c.isAborted() {
			return engine.StatusIOError
		}
		return engine.StatusSocketError
	}

	rc := newRecordingConn(nc, c.cb)
	tc := tls.Server(rc, c.tlsConfig(""))
	if !c.install(rc, tc) {
		_ = nc.Close()
		return engine.StatusIOError
	}
	return c.handshake(tc, rc)
}

func (c *conn) handshake(tc *tls.Conn, rc *recordingConn) engine.Status {
	inSeen, outSeen := rc.in.alerts.Load(), rc.out.alerts.Load()
	if err := tc.Handshake(); err != nil {
		c.e.logger.Debug("handshake failed", "ref", c.ref, "error", err)
		if a, ok := remoteAlert(err); ok && rc.in.alerts.Load() == inSeen {
			rc.in.report(uint16(c.version), a)
		} else if a, ok := localAlert(err); ok && rc.out.alerts.Load() == outSeen {
			rc.out.report(uint16(c.version), a)
		}

		var verr *tls.CertificateVerificationError
		switch {
		case c.isAborted():
			return engine.StatusIOError
		case errors.Is(err, errRejected), errors.As(err, &verr):
			return engine.StatusVerifyFailed
		default:
			return engine.StatusHandshakeFailed
		}
	}

	suite := tc.ConnectionState().CipherSuite
	c.suite.Store(uint32(suite))
	c.e.logger.Debug("handshake complete", "ref", c.ref, "cipher", tls.CipherSuiteName(suite))
	return engine.StatusOK
}

// ioFailure reports a remote alert hidden in err and returns the status.
func (c *conn) ioFailure(op string, err error, rc *recordingConn) engine.Status {
	if a, ok := remoteAlert(err); ok {
		rc.in.report(uint16(c.version), a)
	}
	c.e.logger.Debug(op+" failed", "ref", c.ref, "error", err)
	return engine.StatusIOError
}

func (c *conn) read(p []byte) (int, engine.Status) {
	tc, rc := c.tlsConn()
	if tc == nil {
		return 0, engine.StatusInvalidState
	}
	n, err := tc.Read(p)
	switch {
	case n > 0:
		return n, engine.StatusOK
	case err == nil:
		return 0, engine.StatusOK
	case errors.Is(err, io.EOF):
		c.peerClosed.Store(true)
		return 0, engine.StatusOK
	}
	return 0, c.ioFailure("read", err, rc)
}

func (c *conn) write(p []byte) (int, engine.Status) {
	tc, rc := c.tlsConn()
	if tc == nil {
		return 0, engine.StatusInvalidState
	}
	n, err := tc.Write(p)
	if err != nil {
		return n, c.ioFailure("write", err, rc)
	}
	return n, engine.StatusOK
}

// shutdown runs one close-notify round. The first round sends our
// close-notify; later rounds wait for the peer's, bounded by the shutdown
// timeout.
func (c *conn) shutdown() engine.ShutdownResult {
	tc, rc := c.tlsConn()
	if tc == nil {
		return engine.ShutdownComplete
	}

	if !c.sentClose.Load() {
		if err := tc.CloseWrite(); err != nil {
			c.e.logger.Debug("shutdown: close-notify failed", "ref", c.ref, "error", err)
			return engine.ShutdownFailed
		}
		c.sentClose.Store(true)
		rc.out.report(uint16(c.version), alert.Alert{Level: alert.LevelWarning, Description: alert.CloseNotify})
		if c.peerClosed.Load() {
			return engine.ShutdownComplete
		}
		return engine.ShutdownPending
	}
	if c.peerClosed.Load() {
		return engine.ShutdownComplete
	}

	if err := tc.SetReadDeadline(time.Now().Add(c.e.opts.ShutdownTimeout)); err != nil {
		return engine.ShutdownFailed
	}
	defer func() { _ = tc.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, 4096)
	for {
		_, err := tc.Read(buf)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			c.peerClosed.Store(true)
			return engine.ShutdownComplete
		}
		c.e.logger.Debug("shutdown: peer close-notify not received", "ref", c.ref, "error", err)
		return engine.ShutdownPending
	}
}

func (c *conn) cipherSuite() uint16 {
	return uint16(c.suite.Load())
}

func (c *conn) localAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addr != "" {
		return c.addr
	}
	if c.raw != nil {
		return c.raw.LocalAddr().String()
	}
	return ""
}

// verifyPeer hands every presented certificate to the verify callback,
// deepest first, with the result of chain verification against the
// engine's roots as the preverified bit.
func (c *conn) verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	c.mu.Lock()
	verify, mode, depth := c.verify, c.mode, c.depth
	c.mu.Unlock()

	if len(rawCerts) == 0 {
		return nil
	}
	certs := make([]*x509.Certificate, len(rawCerts))
	for i, der := range rawCerts {
		certs[i], _ = x509.ParseCertificate(der)
	}

	enforce := mode.Has(engine.VerifyPeer)
	for i := len(rawCerts) - 1; i >= 0; i-- {
		ok := c.preverify(certs, i, depth)
		if verify != nil {
			ok = verify(ok, rawCerts[i])
		}
		if !ok && enforce {
			return fmt.Errorf("%w at depth %d", errRejected, i)
		}
	}
	return nil
}

func (c *conn) preverify(certs []*x509.Certificate, i, depth int) bool {
	if certs[i] == nil || (depth >= 0 && i > depth) {
		return false
	}
	inter := x509.NewCertPool()
	for _, x := range certs[i+1:] {
		if x != nil {
			inter.AddCert(x)
		}
	}
	_, err := certs[i].Verify(x509.VerifyOptions{
		Roots:         c.e.opts.Roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err == nil
}

// observePeer passes the settled peer certificate to the info callback.
func (c *conn) observePeer(cs tls.ConnectionState) error {
	c.mu.Lock()
	info := c.info
	c.mu.Unlock()
	if info != nil && len(cs.PeerCertificates) > 0 {
		info(cs.PeerCertificates[0].Raw)
	}
	return nil
}
