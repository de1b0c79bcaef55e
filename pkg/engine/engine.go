// Package engine defines the boundary between a transport session and the
// cryptographic engine that performs the actual TLS work.
//
// The engine owns record-layer encryption, the handshake and key schedule.
// It is addressed through opaque references (Ref) and reports results as
// numeric status codes. Protocol alerts and raw traffic are reported out of
// band through the callbacks installed at allocation time, and certificate
// verification is delegated back to the caller through VerifyFunc.
//
// Implementations:
//   - gotls: an engine built on crypto/tls and net
//   - internal/enginestub: a scriptable engine for tests
package engine

import (
	"fmt"
	"strings"
)

// Ref is an opaque reference to an engine-owned resource. The zero Ref is
// never a valid resource.
type Ref uint64

// InvalidRef is the zero reference.
const InvalidRef Ref = 0

// Role selects the side of the connection.
type Role uint8

const (
	// RoleClient actively opens connections.
	RoleClient Role = iota

	// RoleServer binds and accepts connections.
	RoleServer
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// ProtocolVersion selects the TLS protocol version the engine negotiates.
type ProtocolVersion uint16

// Protocol versions.
const (
	VersionTLS10 ProtocolVersion = 0x0301
	VersionTLS11 ProtocolVersion = 0x0302
	VersionTLS12 ProtocolVersion = 0x0303
	VersionTLS13 ProtocolVersion = 0x0304
)

// String returns the version name.
func (v ProtocolVersion) String() string {
	switch v {
	case VersionTLS10:
		return "TLS1.0"
	case VersionTLS11:
		return "TLS1.1"
	case VersionTLS12:
		return "TLS1.2"
	case VersionTLS13:
		return "TLS1.3"
	default:
		return fmt.Sprintf("{ProtocolVersion %04x}", uint16(v))
	}
}

// ParseProtocolVersion accepts "TLS1.2", "tls12", "1.2" and similar forms.
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.TrimPrefix(norm, "tls")
	norm = strings.TrimPrefix(norm, "v")
	norm = strings.ReplaceAll(norm, "_", ".")

	switch norm {
	case "1.0", "10":
		return VersionTLS10, nil
	case "1.1", "11":
		return VersionTLS11, nil
	case "1.2", "12":
		return VersionTLS12, nil
	case "1.3", "13":
		return VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported protocol version %q", s)
	}
}

// VerifyMode is a bitset controlling peer certificate verification.
type VerifyMode uint8

// Verify mode flags.
const (
	VerifyNone             VerifyMode = 0x00
	VerifyPeer             VerifyMode = 0x01
	VerifyFailIfNoPeerCert VerifyMode = 0x02
	VerifyClientOnce       VerifyMode = 0x04
)

// Has reports whether all bits of flag are set.
func (m VerifyMode) Has(flag VerifyMode) bool {
	return m&flag == flag
}

// String returns the set flags joined by "|".
func (m VerifyMode) String() string {
	if m == VerifyNone {
		return "none"
	}
	var parts []string
	if m.Has(VerifyPeer) {
		parts = append(parts, "peer")
	}
	if m.Has(VerifyFailIfNoPeerCert) {
		parts = append(parts, "fail-if-no-peer-cert")
	}
	if m.Has(VerifyClientOnce) {
		parts = append(parts, "client-once")
	}
	return strings.Join(parts, "|")
}

// ParseVerifyMode parses flag names as produced by VerifyMode.String.
func ParseVerifyMode(names []string) (VerifyMode, error) {
	var m VerifyMode
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "none", "":
		case "peer":
			m |= VerifyPeer
		case "fail-if-no-peer-cert":
			m |= VerifyFailIfNoPeerCert
		case "client-once":
			m |= VerifyClientOnce
		default:
			return 0, fmt.Errorf("unknown verify flag %q", n)
		}
	}
	return m, nil
}

// DefaultVerifyDepth is the certificate chain depth passed to the engine.
const DefaultVerifyDepth = 10

// ShutdownResult is the outcome of one shutdown round.
type ShutdownResult int

const (
	// ShutdownFailed means the engine could not perform the round.
	ShutdownFailed ShutdownResult = -1

	// ShutdownPending means close-notify was sent but the peer's has not
	// been received yet.
	ShutdownPending ShutdownResult = 0

	// ShutdownComplete means close-notify was exchanged in both directions.
	ShutdownComplete ShutdownResult = 1
)

// String returns the result name.
func (r ShutdownResult) String() string {
	switch r {
	case ShutdownFailed:
		return "failed"
	case ShutdownPending:
		return "pending"
	case ShutdownComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// DebugFunc receives raw bytes crossing the transport. write is true for
// outgoing bytes.
type DebugFunc func(write bool, data []byte)

// MessageFunc receives one protocol record. write is true for records sent
// by the local side. data is the record body as visible to the engine.
type MessageFunc func(write bool, version uint16, contentType uint8, data []byte)

// VerifyFunc decides whether a peer certificate is accepted. preverified is
// the engine's own verdict; cert is the DER-encoded certificate. It is called
// once per chain element, deepest first.
type VerifyFunc func(preverified bool, cert []byte) bool

// CertificateInfoFunc receives the DER-encoded peer certificate after
// verification. It is informational only.
type CertificateInfoFunc func(cert []byte)

// Callbacks are installed once, when the connection context is allocated.
type Callbacks struct {
	// Debug receives raw traffic. Optional.
	Debug DebugFunc

	// Message receives record-level traces, including alerts. Optional.
	Message MessageFunc
}

// Engine is the cryptographic engine a session drives. Every method that
// returns a Status reports StatusOK on success. Implementations must allow
// one Read and one Write to run concurrently on the same reference.
type Engine interface {
	// Allocate creates a connection context.
	Allocate(role Role, version ProtocolVersion, cb Callbacks) (Ref, Status)

	// Destroy closes the connection and releases the context.
	Destroy(conn Ref)

	// Abort tears down the network transport of a connection without
	// releasing the context. Blocked calls on conn return with an error.
	Abort(conn Ref)

	// LoadCertificatePEM loads a PEM certificate chain.
	LoadCertificatePEM(conn Ref, data []byte) (Ref, Status)

	// LoadPrivateKeyPEM loads a PEM private key.
	LoadPrivateKeyPEM(conn Ref, data []byte) (Ref, Status)

	// LoadPKCS12 loads a certificate and private key from a PKCS#12 container.
	LoadPKCS12(conn Ref, data []byte, password string) (cert Ref, key Ref, status Status)

	// SetCertificate binds a loaded certificate and key to the connection.
	SetCertificate(conn, cert, key Ref) Status

	// FreeCertificate releases a loaded certificate.
	FreeCertificate(cert Ref)

	// FreePrivateKey releases a loaded private key.
	FreePrivateKey(key Ref)

	// SetCipherList installs count 2-byte big-endian suite codes.
	SetCipherList(conn Ref, codes []byte, count int) Status

	// SetDHParams configures finite-field Diffie-Hellman parameters.
	SetDHParams(conn Ref, p, g []byte) Status

	// SetNamedCurve configures the preferred ECDHE curve.
	SetNamedCurve(conn Ref, name string) Status

	// SetCertificateVerify installs peer verification.
	SetCertificateVerify(conn Ref, mode VerifyMode, verify VerifyFunc, info CertificateInfoFunc, depth int)

	// Connect opens a connection to endpoint and performs the client handshake.
	Connect(conn Ref, endpoint string) Status

	// Bind prepares the connection to accept a client on endpoint.
	Bind(conn Ref, endpoint string) Status

	// Accept waits for a client on the bound endpoint and performs the
	// server handshake.
	Accept(conn Ref) Status

	// Read reads decrypted application data. A zero count with StatusOK
	// means the peer closed the connection.
	Read(conn Ref, p []byte) (int, Status)

	// Write encrypts and sends application data.
	Write(conn Ref, p []byte) (int, Status)

	// Shutdown performs one round of the close-notify exchange.
	Shutdown(conn Ref) ShutdownResult

	// CurrentCipher returns the negotiated suite code, or 0.
	CurrentCipher(conn Ref) uint16

	// LocalAddr returns the local endpoint, or "" if there is none.
	LocalAddr(conn Ref) string
}
