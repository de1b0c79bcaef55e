package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/mash-tls/internal/enginestub"
	"github.com/mash-protocol/mash-tls/pkg/alert"
	"github.com/mash-protocol/mash-tls/pkg/cert"
	"github.com/mash-protocol/mash-tls/pkg/cipher"
	"github.com/mash-protocol/mash-tls/pkg/engine"
	"github.com/mash-protocol/mash-tls/pkg/log"
)

func newSession(t *testing.T, eng engine.Engine, role engine.Role, plog log.Logger) *Session {
	t.Helper()
	s, err := New(eng, Config{Role: role, Version: engine.VersionTLS12, ProtocolLogger: plog})
	require.NoError(t, err)
	return s
}

// connected returns a client session that completed a stub handshake.
func connected(t *testing.T, stub *enginestub.Engine) *Session {
	t.Helper()
	s := newSession(t, stub, engine.RoleClient, nil)
	require.NoError(t, s.Connect("peer.test:443"))
	return s
}

func refOf(t *testing.T, s *Session) engine.Ref {
	t.Helper()
	ref, ok := s.existingConn()
	require.True(t, ok, "session has no connection")
	return ref
}

func selfSigned(t *testing.T) *cert.Identity {
	t.Helper()
	id, err := cert.GenerateSelfSigned("session-test", "localhost")
	require.NoError(t, err)
	return id
}

func identityPEM(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	id := selfSigned(t)
	keyPEM, err := id.KeyPEM()
	require.NoError(t, err)
	return id.CertPEM(), keyPEM
}

func waitEntered(t *testing.T, g *enginestub.Gate) {
	t.Helper()
	select {
	case <-g.Entered:
	case <-time.After(5 * time.Second):
		t.Fatal("operation never reached the engine")
	}
}

func stateChanges(events []log.Event, entity log.StateEntity) []string {
	var out []string
	for _, e := range events {
		if e.StateChange != nil && e.StateChange.Entity == entity {
			out = append(out, e.StateChange.NewState)
		}
	}
	return out
}

// connectedMock wires a mock engine through a successful Connect.
func connectedMock(t *testing.T) (*mockEngine, *Session) {
	t.Helper()
	m := &mockEngine{}
	m.On("Allocate", engine.RoleClient, engine.VersionTLS12, mock.Anything).Return(engine.Ref(1), engine.StatusOK)
	m.On("Connect", engine.Ref(1), "peer.test:443").Return(engine.StatusOK)
	m.On("CurrentCipher", engine.Ref(1)).Return(uint16(cipher.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256))

	s := newSession(t, m, engine.RoleClient, nil)
	require.NoError(t, s.Connect("peer.test:443"))
	return m, s
}

// --- Construction and roles ---

func TestNewRejectsBadArguments(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(enginestub.New(), Config{Role: engine.Role(7)})
	assert.ErrorIs(t, err, ErrInvalidRole)

	s, err := New(enginestub.New(), DefaultConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, engine.RoleClient, s.Role())
	assert.Equal(t, ShutdownNone, s.ShutdownState())
	assert.False(t, s.IsClosed())
}

func TestLazyAllocation(t *testing.T) {
	stub := enginestub.New()
	s := newSession(t, stub, engine.RoleClient, nil)
	assert.Equal(t, 0, stub.Calls(enginestub.OpAllocate))
	assert.Zero(t, s.CurrentCipher())
	assert.Empty(t, s.LocalAddr())

	require.NoError(t, s.SetNamedCurve("P-256"))
	require.NoError(t, s.Connect("peer.test:443"))
	assert.Equal(t, 1, stub.Calls(enginestub.OpAllocate))
	assert.Equal(t, "P-256", stub.Only().Curve)
	assert.Equal(t, engine.VersionTLS12, stub.Only().Version)
	assert.Equal(t, "peer.test:443", stub.Only().Endpoint)
}

func TestAllocationFailure(t *testing.T) {
	stub := enginestub.New()
	stub.Statuses[enginestub.OpAllocate] = engine.StatusAllocationFailed
	s := newSession(t, stub, engine.RoleClient, nil)

	err := s.Connect("peer.test:443")
	assert.ErrorIs(t, err, ErrAllocationFailed)
	assert.Equal(t, 0, stub.Calls(enginestub.OpConnect))
}

func TestRoleEnforcement(t *testing.T) {
	stub := enginestub.New()
	client := newSession(t, stub, engine.RoleClient, nil)
	server := newSession(t, stub, engine.RoleServer, nil)

	assert.ErrorIs(t, client.Bind("127.0.0.1:0"), ErrInvalidRole)
	assert.ErrorIs(t, client.Accept(), ErrInvalidRole)
	assert.ErrorIs(t, server.Connect("peer.test:443"), ErrInvalidRole)
	assert.ErrorIs(t, client.Connect(""), ErrInvalidArgument)
	assert.Equal(t, 0, stub.Calls(enginestub.OpAllocate))
}

// --- Exclusion ---

func TestSingleReader(t *testing.T) {
	stub := enginestub.New()
	s := connected(t, stub)
	gate := stub.Block(enginestub.OpRead)

	first, err := s.ReadAsync(make([]byte, 16))
	require.NoError(t, err)
	waitEntered(t, gate)

	_, err = s.Read(make([]byte, 16))
	assert.ErrorIs(t, err, ErrConcurrentOperation)
	_, err = s.ReadAsync(make([]byte, 16))
	assert.ErrorIs(t, err, ErrConcurrentOperation)

	// The write direction is independent.
	n, err := s.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	stub.Feed(refOf(t, s), []byte("pong"))
	gate.Open()
	n, err = first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	stub.Feed(refOf(t, s), []byte("again"))
	_, err = s.Read(make([]byte, 16))
	assert.NoError(t, err, "read flag released after the first read")
}

func TestSingleWriter(t *testing.T) {
	stub := enginestub.New()
	s := connected(t, stub)
	gate := stub.Block(enginestub.OpWrite)

	first, err := s.WriteAsync([]byte("one"))
	require.NoError(t, err)
	waitEntered(t, gate)

	_, err = s.Write([]byte("two"))
	assert.ErrorIs(t, err, ErrConcurrentOperation)

	stub.Feed(refOf(t, s), []byte("x"))
	_, err = s.Read(make([]byte, 1))
	assert.NoError(t, err, "reads proceed while a write is in flight")

	gate.Open()
	n, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "one", stub.Only().Outbound.String())
}

func TestConcurrentWritersNeverOverlap(t *testing.T) {
	stub := enginestub.New()
	s := connected(t, stub)
	gate := stub.Block(enginestub.OpWrite)

	const writers = 8
	results := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Write([]byte("x"))
			results <- err
		}()
	}
	waitEntered(t, gate)
	time.Sleep(20 * time.Millisecond)
	gate.Open()
	wg.Wait()
	close(results)

	var ok, busy int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConcurrentOperation):
			busy++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.GreaterOrEqual(t, ok, 1)
	assert.Equal(t, writers, ok+busy)
	assert.Equal(t, ok, stub.Calls(enginestub.OpWrite), "only admitted writers reach the engine")
}

func TestConfigurationWaitsForIO(t *testing.T) {
	stub := enginestub.New()
	s := connected(t, stub)
	gate := stub.Block(enginestub.OpRead)

	op, err := s.ReadAsync(make([]byte, 4))
	require.NoError(t, err)
	waitEntered(t, gate)

	assert.ErrorIs(t, s.SetNamedCurve("P-384"), ErrConcurrentOperation)
	assert.ErrorIs(t, s.SetCertificateVerify(engine.VerifyPeer, AcceptAll), ErrConcurrentOperation)

	gate.Open()
	_, _ = op.Wait(context.Background())
	assert.NoError(t, s.SetNamedCurve("P-384"))
}

// --- Read and write ---

func TestReadDataAndEOF(t *testing.T) {
	stub := enginestub.New()
	s := connected(t, stub)

	stub.Feed(refOf(t, s), []byte("hello"))
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	n, err = s.Read(nil)
	assert.NoError(t, err)
	assert.Zero(t, n)

	stub.Only().PeerEOF = true
	n, err = s.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadWriteBeforeConnect(t *testing.T) {
	s := newSession(t, enginestub.New(), engine.RoleClient, nil)
	_, err := s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestShortWrite(t *testing.T) {
	stub := enginestub.New()
	stub.ShortWrite = 3
	s := connected(t, stub)

	n, err := s.Write([]byte("abcdef"))
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, ErrShortWrite)
	assert.Equal(t, 1, stub.Calls(enginestub.OpWrite), "remainder is not retried")
}

func TestWriteFailureIsIOError(t *testing.T) {
	stub := enginestub.New()
	s := connected(t, stub)
	stub.Statuses[enginestub.OpWrite] = engine.StatusIOError

	_, err := s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrIO)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engine.StatusIOError, ee.Status)
	assert.Equal(t, "write", ee.Op)
}

func TestFatalAlertDuringReadIsNotEOF(t *testing.T) {
	stub := enginestub.New()
	s := connected(t, stub)
	stub.Statuses[enginestub.OpRead] = engine.StatusClosed
	stub.Alerts[enginestub.OpRead] = []enginestub.TracedAlert{
		{Alert: alert.Alert{Level: alert.LevelFatal, Description: alert.BadRecordMAC}},
	}

	_, err := s.Read(make([]byte, 8))
	var ae *AlertError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, alert.BadRecordMAC, ae.Alert.Description)
	assert.NotErrorIs(t, err, io.EOF)
}

// --- Alert mapping ---

func TestFatalAlertTakesPrecedence(t *testing.T) {
	stub := enginestub.New()
	stub.Statuses[enginestub.OpConnect] = engine.StatusHandshakeFailed
	stub.Alerts[enginestub.OpConnect] = []enginestub.TracedAlert{
		{Alert: alert.Alert{Level: alert.LevelWarning, Description: alert.UserCanceled}},
		{Alert: alert.Alert{Level: alert.LevelFatal, Description: alert.HandshakeFailure}},
		{Alert: alert.Alert{Level: alert.LevelWarning, Description: alert.CloseNotify}},
	}
	s := newSession(t, stub, engine.RoleClient, nil)

	err := s.Connect("peer.test:443")
	require.Error(t, err)

	var ae *AlertError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, alert.LevelFatal, ae.Alert.Level)
	assert.Equal(t, alert.HandshakeFailure, ae.Alert.Description)
	assert.ErrorIs(t, err, ErrHandshakeFailed)

	var desc alert.Description
	require.ErrorAs(t, err, &desc)
	assert.Equal(t, alert.HandshakeFailure, desc)

	last := s.LastAlert()
	require.NotNil(t, last)
	assert.Equal(t, alert.CloseNotify, last.Description, "LastAlert keeps the most recent alert")
}

func TestFailureWithoutAlertIsEngineError(t *testing.T) {
	stub := enginestub.New()
	stub.Statuses[enginestub.OpConnect] = engine.StatusSocketError
	s := newSession(t, stub, engine.RoleClient, nil)

	err := s.Connect("peer.test:443")
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engine.StatusSocketError, ee.Status)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Nil(t, s.LastAlert())
}

func TestAlertCaptureIsPerCall(t *testing.T) {
	stub := enginestub.New()
	stub.Statuses[enginestub.OpConnect] = engine.StatusHandshakeFailed
	stub.Alerts[enginestub.OpConnect] = []enginestub.TracedAlert{
		{Alert: alert.Alert{Level: alert.LevelFatal, Description: alert.ProtocolVersion}},
	}
	s := newSession(t, stub, engine.RoleClient, nil)
	require.Error(t, s.Connect("peer.test:443"))

	stub.Alerts[enginestub.OpConnect] = nil
	err := s.Connect("peer.test:443")
	var ee *EngineError
	assert.ErrorAs(t, err, &ee, "alert from an earlier call must not leak")
}

func TestAlertEventsAreTraced(t *testing.T) {
	stub := enginestub.New()
	stub.Statuses[enginestub.OpConnect] = engine.StatusHandshakeFailed
	stub.Alerts[enginestub.OpConnect] = []enginestub.TracedAlert{
		{Alert: alert.Alert{Level: alert.LevelFatal, Description: alert.UnknownCA}, Sent: true},
	}
	plog := &capturingLogger{}
	s := newSession(t, stub, engine.RoleClient, plog)
	require.Error(t, s.Connect("peer.test:443"))

	var records, alerts int
	for _, e := range plog.Events() {
		assert.Equal(t, s.ID(), e.ConnectionID)
		assert.Equal(t, log.RoleClient, e.LocalRole)
		switch {
		case e.Record != nil:
			records++
			assert.Equal(t, alert.ContentType, e.Record.ContentType)
		case e.Alert != nil:
			alerts++
			assert.Equal(t, log.DirectionOut, e.Direction)
			assert.Equal(t, alert.UnknownCA, e.Alert.Description)
		}
	}
	assert.Equal(t, 1, records)
	assert.Equal(t, 1, alerts)
}

func TestStatusKinds(t *testing.T) {
	tests := []struct {
		status engine.Status
		phase  error
		want   error
	}{
		{engine.StatusInvalidHandle, ErrIO, ErrUseAfterClose},
		{engine.StatusInvalidCertificate, ErrHandshakeFailed, ErrInvalidCertificate},
		{engine.StatusKeyMismatch, ErrInvalidCertificate, ErrInvalidCertificate},
		{engine.StatusUnsupported, ErrInvalidArgument, ErrUnsupported},
		{engine.StatusNotBound, ErrHandshakeFailed, ErrNotConnected},
		{engine.StatusSocketError, ErrHandshakeFailed, ErrHandshakeFailed},
		{engine.StatusIOError, ErrIO, ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := mapStatus("op", tt.status, nil, tt.phase)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.phase, "phase survives a status kind")

			captured := &alert.Alert{Level: alert.LevelFatal, Description: alert.InternalError}
			err = mapStatus("op", tt.status, captured, tt.phase)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.phase)
		})
	}
	assert.NoError(t, mapStatus("op", engine.StatusOK, nil, ErrIO))
}

func TestConnectStatusKeepsHandshakePhase(t *testing.T) {
	stub := enginestub.New()
	stub.Statuses[enginestub.OpConnect] = engine.StatusInvalidState
	s := newSession(t, stub, engine.RoleClient, nil)

	err := s.Connect("peer.test:443")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestErrorText(t *testing.T) {
	ae := &AlertError{
		Op:    "connect",
		Alert: alert.Alert{Level: alert.LevelFatal, Description: alert.BadCertificate},
		Kind:  ErrHandshakeFailed,
		Phase: ErrHandshakeFailed,
	}
	assert.Equal(t, "connect: handshake failed: fatal alert bad_certificate", ae.Error())

	ee := &EngineError{Op: "bind", Status: engine.StatusNotBound, Kind: ErrNotConnected, Phase: ErrHandshakeFailed}
	assert.Equal(t, "bind: not connected (engine status "+engine.StatusNotBound.String()+")", ee.Error())
}

// --- Cipher selection ---

func TestCurrentCipherAfterHandshake(t *testing.T) {
	stub := enginestub.New()
	s := newSession(t, stub, engine.RoleClient, nil)

	require.NoError(t, s.SetCipherList(cipher.List{cipher.TLS_DHE_RSA_WITH_AES_256_GCM_SHA384}))
	require.NoError(t, s.Connect("peer.test:443"))
	assert.Equal(t, uint16(0x009F), s.CurrentCipher())
	assert.Equal(t, cipher.List{cipher.TLS_DHE_RSA_WITH_AES_256_GCM_SHA384}, stub.Only().Ciphers)
}

func TestSetCipherListValidation(t *testing.T) {
	stub := enginestub.New()
	s := newSession(t, stub, engine.RoleClient, nil)

	assert.ErrorIs(t, s.SetCipherList(nil), ErrInvalidArgument)
	assert.Equal(t, 0, stub.Calls(enginestub.OpCipherList))

	stub.Statuses[enginestub.OpCipherList] = engine.StatusCipherList
	assert.ErrorIs(t, s.SetCipherList(cipher.List{cipher.TLS_RSA_WITH_AES_128_GCM_SHA256}), ErrInvalidArgument)
	delete(stub.Statuses, enginestub.OpCipherList)

	require.NoError(t, s.Connect("peer.test:443"))
	assert.ErrorIs(t, s.SetCipherList(cipher.List{cipher.TLS_AES_128_GCM_SHA256}), ErrInvalidArgument)
}

func TestDHParams(t *testing.T) {
	stub := enginestub.New()
	s := newSession(t, stub, engine.RoleServer, nil)

	assert.ErrorIs(t, s.SetDHParams(nil, []byte{2}), ErrInvalidArgument)
	stub.Statuses[enginestub.OpDHParams] = engine.StatusUnsupported
	assert.ErrorIs(t, s.SetDHParams([]byte{0xff, 0xfb}, []byte{2}), ErrUnsupported)
}

// --- Certificates ---

func TestAcceptWithoutCertificateTouchesNoEngine(t *testing.T) {
	m := &mockEngine{}
	s := newSession(t, m, engine.RoleServer, nil)

	assert.ErrorIs(t, s.Accept(), ErrInvalidCertificate)
	assert.Empty(t, m.Calls)
}

func TestMalformedCertificateTouchesNoEngine(t *testing.T) {
	m := &mockEngine{}
	s := newSession(t, m, engine.RoleServer, nil)

	assert.ErrorIs(t, s.SetCertificate([]byte("not a certificate")), ErrInvalidCertificate)
	assert.ErrorIs(t, s.SetPrivateKey([]byte("not a key")), ErrInvalidCertificate)
	assert.ErrorIs(t, s.SetCertificateWithPassword(nil, "pw"), ErrInvalidCertificate)
	assert.Empty(t, m.Calls)
}

func TestServerBindAccept(t *testing.T) {
	stub := enginestub.New()
	plog := &capturingLogger{}
	s := newSession(t, stub, engine.RoleServer, plog)
	certPEM, keyPEM := identityPEM(t)

	require.NoError(t, s.SetCertificate(append(certPEM, keyPEM...)))
	assert.ErrorIs(t, s.Accept(), ErrNotConnected, "accept before bind")

	require.NoError(t, s.Bind("127.0.0.1:8443"))
	assert.Equal(t, "127.0.0.1:8443", s.LocalAddr())
	require.NoError(t, s.Accept())

	c := stub.Only()
	assert.NotZero(t, c.Cert)
	assert.NotZero(t, c.Key)
	assert.Equal(t, 1, stub.Calls(enginestub.OpSetCert))
	assert.Equal(t, []string{"accepting", "failed", "bound", "accepting", "established"},
		stateChanges(plog.Events(), log.StateEntityConnection))
}

func TestCertificateThenKey(t *testing.T) {
	stub := enginestub.New()
	s := newSession(t, stub, engine.RoleServer, nil)
	certPEM, keyPEM := identityPEM(t)

	require.NoError(t, s.SetCertificate(certPEM))
	assert.Equal(t, 0, stub.Calls(enginestub.OpSetCert), "no key yet")

	require.NoError(t, s.SetPrivateKey(keyPEM))
	assert.Equal(t, 1, stub.Calls(enginestub.OpSetCert))

	// Replacing the certificate frees the old one.
	require.NoError(t, s.SetCertificate(certPEM))
	assert.Equal(t, int32(1), stub.FreedCerts.Load())
	assert.Equal(t, 2, stub.Calls(enginestub.OpSetCert))
}

func TestCertificateWithPassword(t *testing.T) {
	stub := enginestub.New()
	s := newSession(t, stub, engine.RoleServer, nil)

	data, err := os.ReadFile("../cert/testdata/identity.p12")
	require.NoError(t, err)
	require.NoError(t, s.SetCertificateWithPassword(data, "fixture"))
	assert.Equal(t, 1, stub.Calls(enginestub.OpLoadPKCS12))
	assert.Equal(t, 1, stub.Calls(enginestub.OpSetCert))

	stub.Statuses[enginestub.OpLoadPKCS12] = engine.StatusInvalidCertificate
	assert.ErrorIs(t, s.SetCertificateWithPassword(data, "wrong"), ErrInvalidCertificate)
}

// --- Verification ---

func TestVerifyBridge(t *testing.T) {
	leaf := selfSigned(t).Certificate.Raw

	tests := []struct {
		name        string
		chain       []byte
		preverified bool
		validator   Validator
		wantOK      bool
	}{
		{"accept all", leaf, false, AcceptAll, true},
		{"preverified", leaf, true, AcceptPreverified, true},
		{"not preverified", leaf, false, AcceptPreverified, false},
		{"validator error", leaf, true, ValidatorFunc(func(bool, *x509.Certificate) (bool, error) {
			return true, errors.New("policy says no")
		}), false},
		{"validator panic", leaf, true, ValidatorFunc(func(bool, *x509.Certificate) (bool, error) {
			panic("boom")
		}), false},
		{"garbage certificate", []byte("garbage"), true, AcceptAll, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := enginestub.New()
			stub.PeerChain = []enginestub.TracedCertificate{{DER: tt.chain, Preverified: tt.preverified}}
			plog := &capturingLogger{}
			s := newSession(t, stub, engine.RoleClient, plog)
			require.NoError(t, s.SetCertificateVerify(engine.VerifyPeer, tt.validator))

			err := s.Connect("peer.test:443")
			if tt.wantOK {
				require.NoError(t, err)
				return
			}
			var ae *AlertError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, alert.BadCertificate, ae.Alert.Description)
			assert.ErrorIs(t, err, ErrHandshakeFailed)

			var rejected bool
			for _, e := range plog.Events() {
				if e.Verify != nil && !e.Verify.Informational && !e.Verify.Accepted {
					rejected = true
				}
			}
			assert.True(t, rejected, "rejection is traced")
		})
	}
}

type observingValidator struct {
	Validator
	seen []string
}

func (v *observingValidator) ObserveCertificate(c *x509.Certificate) {
	v.seen = append(v.seen, c.Subject.CommonName)
}

func TestInfoCallbackReachesObserver(t *testing.T) {
	stub := enginestub.New()
	stub.PeerChain = []enginestub.TracedCertificate{{DER: selfSigned(t).Certificate.Raw, Preverified: true}}
	s := newSession(t, stub, engine.RoleClient, nil)

	v := &observingValidator{Validator: AcceptAll}
	require.NoError(t, s.SetCertificateVerify(engine.VerifyPeer, v))
	require.NoError(t, s.Connect("peer.test:443"))
	assert.Equal(t, []string{"session-test"}, v.seen)
	assert.Equal(t, engine.DefaultVerifyDepth, stub.Only().VerifyDepth)
}

func TestNilValidatorLeavesDecisionToEngine(t *testing.T) {
	stub := enginestub.New()
	stub.PeerChain = []enginestub.TracedCertificate{{DER: []byte("garbage")}}
	s := newSession(t, stub, engine.RoleClient, nil)

	require.NoError(t, s.SetCertificateVerify(engine.VerifyNone, nil))
	assert.Nil(t, stub.Only().Verify)
	require.NoError(t, s.Connect("peer.test:443"))
}

// --- Shutdown ---

func TestShutdownNeverConnected(t *testing.T) {
	stub := enginestub.New()
	s := newSession(t, stub, engine.RoleClient, nil)

	done, err := s.Shutdown(false)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, ShutdownClosed, s.ShutdownState())
	assert.Equal(t, 0, stub.Calls(enginestub.OpShutdown))
}

func TestShutdownPaths(t *testing.T) {
	tests := []struct {
		name      string
		results   []engine.ShutdownResult
		wait      bool
		wantDone  bool
		wantErr   error
		wantState ShutdownState
		wantCalls int
	}{
		{"complete", nil, false, true, nil, ShutdownClosed, 1},
		{"pending no wait", []engine.ShutdownResult{engine.ShutdownPending}, false, false, nil, ShutdownSentShutdown, 1},
		{"pending then complete", []engine.ShutdownResult{engine.ShutdownPending, engine.ShutdownComplete}, true, true, nil, ShutdownClosed, 2},
		{"pending twice", []engine.ShutdownResult{engine.ShutdownPending, engine.ShutdownPending}, true, false, ErrShutdownFailed, ShutdownError, 2},
		{"failed", []engine.ShutdownResult{engine.ShutdownFailed}, true, false, ErrShutdownFailed, ShutdownError, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := enginestub.New()
			stub.ShutdownResults = tt.results
			s := connected(t, stub)

			done, err := s.Shutdown(tt.wait)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantDone, done)
			assert.Equal(t, tt.wantState, s.ShutdownState())
			assert.Equal(t, tt.wantCalls, stub.Calls(enginestub.OpShutdown))
		})
	}
}

func TestShutdownResumesFromSentShutdown(t *testing.T) {
	stub := enginestub.New()
	stub.ShutdownResults = []engine.ShutdownResult{engine.ShutdownPending}
	plog := &capturingLogger{}
	s := newSession(t, stub, engine.RoleClient, plog)
	require.NoError(t, s.Connect("peer.test:443"))

	done, err := s.Shutdown(false)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = s.Shutdown(false)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"sent_shutdown", "closed"}, stateChanges(plog.Events(), log.StateEntityShutdown))
}

func TestShutdownTerminalStatesSkipEngine(t *testing.T) {
	m, s := connectedMock(t)
	m.On("Shutdown", engine.Ref(1)).Return(engine.ShutdownComplete).Once()

	done, err := s.Shutdown(true)
	require.NoError(t, err)
	assert.True(t, done)

	for i := 0; i < 3; i++ {
		done, err = s.Shutdown(i%2 == 0)
		require.NoError(t, err)
		assert.True(t, done)
	}
	m.AssertNumberOfCalls(t, "Shutdown", 1)
}

func TestShutdownErrorIsSticky(t *testing.T) {
	m, s := connectedMock(t)
	m.On("Shutdown", engine.Ref(1)).Return(engine.ShutdownFailed).Once()

	_, err := s.Shutdown(false)
	assert.ErrorIs(t, err, ErrShutdownFailed)
	assert.Equal(t, ShutdownError, s.ShutdownState())

	_, err = s.Shutdown(true)
	assert.ErrorIs(t, err, ErrShutdownFailed)
	m.AssertNumberOfCalls(t, "Shutdown", 1)
}

func TestShutdownFailsFastDuringIO(t *testing.T) {
	stub := enginestub.New()
	s := connected(t, stub)
	gate := stub.Block(enginestub.OpWrite)

	op, err := s.WriteAsync([]byte("data"))
	require.NoError(t, err)
	waitEntered(t, gate)

	_, err = s.Shutdown(true)
	assert.ErrorIs(t, err, ErrConcurrentOperation)
	_, err = s.BeginShutdown(true)
	assert.ErrorIs(t, err, ErrConcurrentOperation)
	assert.Equal(t, ShutdownNone, s.ShutdownState())
	assert.Equal(t, 0, stub.Calls(enginestub.OpShutdown))

	// Read flag is not left behind by the failed attempt.
	stub.Feed(refOf(t, s), []byte("r"))
	_, err = s.Read(make([]byte, 1))
	assert.NoError(t, err)

	gate.Open()
	_, err = op.Wait(context.Background())
	require.NoError(t, err)
}

func TestBeginShutdown(t *testing.T) {
	stub := enginestub.New()
	stub.ShutdownResults = []engine.ShutdownResult{engine.ShutdownPending, engine.ShutdownComplete}
	s := connected(t, stub)

	op, err := s.BeginShutdown(true)
	require.NoError(t, err)
	done, err := op.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, ShutdownClosed, s.ShutdownState())
}

// --- Close and teardown ---

func TestCloseReleasesExactlyOnce(t *testing.T) {
	stub := enginestub.New()
	s := newSession(t, stub, engine.RoleServer, nil)
	certPEM, keyPEM := identityPEM(t)
	require.NoError(t, s.SetCertificate(append(keyPEM, certPEM...)))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Close())
		}()
	}
	wg.Wait()

	assert.True(t, s.IsClosed())
	assert.Equal(t, int32(1), stub.Destroyed.Load())
	assert.Equal(t, int32(1), stub.FreedCerts.Load())
	assert.Equal(t, int32(1), stub.FreedKeys.Load())
	assert.Zero(t, stub.InvalidFrees.Load())
	assert.Zero(t, stub.Aborts.Load(), "nothing in flight to abort")
	assert.Zero(t, stub.LiveConnections())
}

func TestUseAfterClose(t *testing.T) {
	stub := enginestub.New()
	s := connected(t, stub)
	require.NoError(t, s.Close())

	_, err := s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrUseAfterClose)
	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrUseAfterClose)
	_, err = s.Shutdown(false)
	assert.ErrorIs(t, err, ErrUseAfterClose)
	assert.ErrorIs(t, s.SetNamedCurve("P-256"), ErrUseAfterClose)
	_, err = s.ReadAsync(make([]byte, 1))
	assert.ErrorIs(t, err, ErrUseAfterClose)
	assert.Zero(t, s.CurrentCipher())
}

func TestCloseDuringInFlightRead(t *testing.T) {
	stub := enginestub.New()
	s := connected(t, stub)
	gate := stub.Block(enginestub.OpRead)

	op, err := s.ReadAsync(make([]byte, 8))
	require.NoError(t, err)
	waitEntered(t, gate)

	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), stub.Aborts.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = op.Wait(ctx)
	assert.ErrorIs(t, err, ErrIO)

	assert.Equal(t, int32(1), stub.Destroyed.Load(), "released once the read returned")
	assert.Zero(t, stub.InvalidFrees.Load())
}

func TestCloseDuringAllocation(t *testing.T) {
	m := &mockEngine{}
	s := newSession(t, m, engine.RoleClient, nil)
	m.On("Allocate", engine.RoleClient, engine.VersionTLS12, mock.Anything).
		Run(func(mock.Arguments) { require.NoError(t, s.Close()) }).
		Return(engine.Ref(1), engine.StatusOK)
	m.On("Destroy", engine.Ref(1)).Return()

	err := s.Connect("peer.test:443")
	assert.ErrorIs(t, err, ErrUseAfterClose)
	m.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
	m.AssertNumberOfCalls(t, "Destroy", 1)
}

// --- Trace ---

func TestDebugTrace(t *testing.T) {
	stub := enginestub.New()
	plog := &capturingLogger{}
	s, err := New(stub, Config{Role: engine.RoleClient, Debug: true, ProtocolLogger: plog})
	require.NoError(t, err)
	require.NoError(t, s.Connect("peer.test:443"))

	big := make([]byte, MaxLogFrameDataSize+100)
	stub.Only().Callbacks.Debug(true, big)
	stub.Only().Callbacks.Debug(false, []byte{0x16, 0x03, 0x03})

	var frames []*log.FrameEvent
	for _, e := range plog.Events() {
		if e.Frame != nil {
			frames = append(frames, e.Frame)
			assert.Equal(t, "peer.test:443", e.RemoteAddr)
		}
	}
	require.Len(t, frames, 2)
	assert.True(t, frames[0].Truncated)
	assert.Len(t, frames[0].Data, MaxLogFrameDataSize)
	assert.Equal(t, len(big), frames[0].Size)
	assert.False(t, frames[1].Truncated)
}

func TestDebugTraceDisabled(t *testing.T) {
	stub := enginestub.New()
	plog := &capturingLogger{}
	s := newSession(t, stub, engine.RoleClient, plog)
	require.NoError(t, s.Connect("peer.test:443"))

	stub.Only().Callbacks.Debug(true, []byte("raw"))
	for _, e := range plog.Events() {
		assert.Nil(t, e.Frame)
	}
}

// --- Async ---

func TestOpWaitHonoursContext(t *testing.T) {
	stub := enginestub.New()
	s := connected(t, stub)
	gate := stub.Block(enginestub.OpRead)

	op, err := s.ReadAsync(make([]byte, 8))
	require.NoError(t, err)
	waitEntered(t, gate)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = op.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-op.Done():
		t.Fatal("operation finished while gated")
	default:
	}

	stub.Feed(refOf(t, s), []byte("late"))
	gate.Open()
	n, err := op.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

// --- Framing over a session ---

func TestSessionFramer(t *testing.T) {
	stub := enginestub.New()
	plog := &capturingLogger{}
	s := newSession(t, stub, engine.RoleClient, plog)
	require.NoError(t, s.Connect("peer.test:443"))

	f := NewSessionFramer(s, 0)
	require.NoError(t, f.WriteFrame([]byte("hello")))
	assert.Equal(t, FrameSize(5), stub.Only().Outbound.Len())

	stub.Feed(refOf(t, s), stub.Only().Outbound.Bytes())
	got, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	var frames int
	for _, e := range plog.Events() {
		if e.Frame != nil && e.Layer == log.LayerSession {
			frames++
			assert.Equal(t, s.ID(), e.ConnectionID)
			assert.Equal(t, log.RoleClient, e.LocalRole)
			assert.Equal(t, "peer.test:443", e.RemoteAddr)
		}
	}
	assert.Equal(t, 2, frames)
}
