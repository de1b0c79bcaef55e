package transport

import (
	"github.com/stretchr/testify/mock"

	"github.com/mash-protocol/mash-tls/pkg/engine"
)

// mockEngine records every engine call. Tests that must prove the session
// left the engine alone set no expectations and assert on the calls.
type mockEngine struct{ mock.Mock }

func (m *mockEngine) Allocate(role engine.Role, v engine.ProtocolVersion, cb engine.Callbacks) (engine.Ref, engine.Status) {
	ret := m.Called(role, v, cb)
	return ret.Get(0).(engine.Ref), ret.Get(1).(engine.Status)
}
func (m *mockEngine) Destroy(ref engine.Ref) { m.Called(ref) }
func (m *mockEngine) Abort(ref engine.Ref)   { m.Called(ref) }
func (m *mockEngine) LoadCertificatePEM(conn engine.Ref, data []byte) (engine.Ref, engine.Status) {
	ret := m.Called(conn, data)
	return ret.Get(0).(engine.Ref), ret.Get(1).(engine.Status)
}
func (m *mockEngine) LoadPrivateKeyPEM(conn engine.Ref, data []byte) (engine.Ref, engine.Status) {
	ret := m.Called(conn, data)
	return ret.Get(0).(engine.Ref), ret.Get(1).(engine.Status)
}
func (m *mockEngine) LoadPKCS12(conn engine.Ref, data []byte, pw string) (engine.Ref, engine.Ref, engine.Status) {
	ret := m.Called(conn, data, pw)
	return ret.Get(0).(engine.Ref), ret.Get(1).(engine.Ref), ret.Get(2).(engine.Status)
}
func (m *mockEngine) SetCertificate(conn, c, k engine.Ref) engine.Status {
	return m.Called(conn, c, k).Get(0).(engine.Status)
}
func (m *mockEngine) FreeCertificate(ref engine.Ref) { m.Called(ref) }
func (m *mockEngine) FreePrivateKey(ref engine.Ref)  { m.Called(ref) }
func (m *mockEngine) SetCipherList(conn engine.Ref, codes []byte, n int) engine.Status {
	return m.Called(conn, codes, n).Get(0).(engine.Status)
}
func (m *mockEngine) SetDHParams(conn engine.Ref, p, g []byte) engine.Status {
	return m.Called(conn, p, g).Get(0).(engine.Status)
}
func (m *mockEngine) SetNamedCurve(conn engine.Ref, name string) engine.Status {
	return m.Called(conn, name).Get(0).(engine.Status)
}
func (m *mockEngine) SetCertificateVerify(conn engine.Ref, mode engine.VerifyMode, v engine.VerifyFunc, i engine.CertificateInfoFunc, depth int) {
	m.Called(conn, mode, v, i, depth)
}
func (m *mockEngine) Connect(conn engine.Ref, ep string) engine.Status {
	return m.Called(conn, ep).Get(0).(engine.Status)
}
func (m *mockEngine) Bind(conn engine.Ref, ep string) engine.Status {
	return m.Called(conn, ep).Get(0).(engine.Status)
}
func (m *mockEngine) Accept(conn engine.Ref) engine.Status {
	return m.Called(conn).Get(0).(engine.Status)
}
func (m *mockEngine) Read(conn engine.Ref, p []byte) (int, engine.Status) {
	ret := m.Called(conn, p)
	return ret.Int(0), ret.Get(1).(engine.Status)
}
func (m *mockEngine) Write(conn engine.Ref, p []byte) (int, engine.Status) {
	ret := m.Called(conn, p)
	return ret.Int(0), ret.Get(1).(engine.Status)
}
func (m *mockEngine) Shutdown(conn engine.Ref) engine.ShutdownResult {
	return m.Called(conn).Get(0).(engine.ShutdownResult)
}
func (m *mockEngine) CurrentCipher(conn engine.Ref) uint16 {
	return m.Called(conn).Get(0).(uint16)
}
func (m *mockEngine) LocalAddr(conn engine.Ref) string {
	return m.Called(conn).String(0)
}

var _ engine.Engine = (*mockEngine)(nil)
