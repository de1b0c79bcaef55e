package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/mash-tls/internal/enginestub"
	"github.com/mash-protocol/mash-tls/pkg/cert"
	"github.com/mash-protocol/mash-tls/pkg/cipher"
	"github.com/mash-protocol/mash-tls/pkg/engine"
	"github.com/mash-protocol/mash-tls/pkg/transport"
)

const yamlConfig = `
role: server
version: TLS1.3
endpoint: 127.0.0.1:8443
ciphers:
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
curve: P-256
debug: true
verify:
  mode: [peer, fail-if-no-peer-cert]
  policy: any
timeouts:
  dial: 3s
  shutdown: 250ms
log:
  level: debug
  format: json
`

const tomlConfig = `
role = "server"
version = "TLS1.3"
endpoint = "127.0.0.1:8443"
ciphers = ["TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384"]
curve = "P-256"
debug = true

[verify]
mode = ["peer", "fail-if-no-peer-cert"]
policy = "any"

[timeouts]
dial = "3s"
shutdown = "250ms"

[log]
level = "debug"
format = "json"
`

func TestParseFormats(t *testing.T) {
	for _, tc := range []struct {
		name   string
		data   string
		format Format
	}{
		{"yaml", yamlConfig, FormatYAML},
		{"toml", tomlConfig, FormatTOML},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Parse([]byte(tc.data), tc.format)
			require.NoError(t, err)

			role, err := f.EngineRole()
			require.NoError(t, err)
			assert.Equal(t, engine.RoleServer, role)
			assert.Equal(t, "127.0.0.1:8443", f.Endpoint)
			assert.True(t, f.Debug)
			assert.Equal(t, "P-256", f.Curve)

			list, err := f.CipherList()
			require.NoError(t, err)
			assert.Equal(t, cipher.List{
				cipher.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				cipher.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			}, list)

			mode, err := f.VerifyMode()
			require.NoError(t, err)
			assert.Equal(t, engine.VerifyPeer|engine.VerifyFailIfNoPeerCert, mode)

			lvl, err := f.SlogLevel()
			require.NoError(t, err)
			assert.Equal(t, slog.LevelDebug, lvl)
			assert.Equal(t, "json", f.Log.Format)
		})
	}
}

func TestParseKeepsDefaults(t *testing.T) {
	f, err := Parse([]byte("endpoint: example.test:443\n"), FormatYAML)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Role, f.Role)
	assert.Equal(t, def.Version, f.Version)
	assert.Equal(t, def.Verify, f.Verify)
	assert.Equal(t, def.Timeouts, f.Timeouts)
	assert.Equal(t, "example.test:443", f.Endpoint)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("rol: server\n"), FormatYAML)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Error(), "failed to parse YAML")

	_, err = Parse([]byte("rol = \"server\"\n"), FormatTOML)
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Error(), `unknown key "rol"`)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*File)
		want   string
	}{
		{"role", func(f *File) { f.Role = "proxy" }, "unknown role"},
		{"version", func(f *File) { f.Version = "SSL3" }, ""},
		{"cipher", func(f *File) { f.Ciphers = []string{"TLS_NOPE"} }, "unknown"},
		{"verify flag", func(f *File) { f.Verify.Mode = []string{"sometimes"} }, "unknown verify flag"},
		{"policy", func(f *File) { f.Verify.Policy = "trust-me" }, "unknown verify policy"},
		{"ca without file", func(f *File) { f.Verify.Policy = PolicyCA }, "requires ca_file"},
		{"pkcs12 and pem", func(f *File) {
			f.Identity.PKCS12 = "id.p12"
			f.Identity.Certificate = "id.pem"
		}, "pkcs12 excludes"},
		{"key without cert", func(f *File) { f.Identity.PrivateKey = "key.pem" }, "requires certificate"},
		{"log level", func(f *File) { f.Log.Level = "loud" }, "log level"},
		{"log format", func(f *File) { f.Log.Format = "xml" }, "unknown log format"},
		{"dial timeout", func(f *File) { f.Timeouts.Dial = "soon" }, "dial timeout"},
		{"shutdown timeout", func(f *File) { f.Timeouts.Shutdown = "later" }, "shutdown timeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := Default()
			tc.mutate(f)
			err := f.Validate()
			require.Error(t, err)
			if tc.want != "" {
				assert.Contains(t, err.Error(), tc.want)
			}
		})
	}

	require.NoError(t, Default().Validate())
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()

	yml := filepath.Join(dir, "session.yml")
	require.NoError(t, os.WriteFile(yml, []byte(yamlConfig), 0o600))
	f, err := Load(yml)
	require.NoError(t, err)
	assert.Equal(t, "server", f.Role)

	tml := filepath.Join(dir, "session.toml")
	require.NoError(t, os.WriteFile(tml, []byte(tomlConfig), 0o600))
	f, err = Load(tml)
	require.NoError(t, err)
	assert.Equal(t, "server", f.Role)

	_, err = Load(filepath.Join(dir, "session.json"))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Message, "cannot determine format")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorAs(t, err, &le)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("role: proxy\n"), 0o600))
	_, err = Load(bad)
	require.ErrorAs(t, err, &le)
	assert.Equal(t, bad, le.File)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestTransportConfig(t *testing.T) {
	f, err := Parse([]byte(yamlConfig), FormatYAML)
	require.NoError(t, err)

	cfg, err := f.TransportConfig(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.RoleServer, cfg.Role)
	assert.Equal(t, engine.VersionTLS13, cfg.Version)
	assert.True(t, cfg.Debug)
}

func TestEngineOptions(t *testing.T) {
	f, err := Parse([]byte(yamlConfig), FormatYAML)
	require.NoError(t, err)

	opts, err := f.EngineOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, opts.DialTimeout)
	assert.Equal(t, 250*time.Millisecond, opts.ShutdownTimeout)
	assert.Nil(t, opts.Roots)

	ca, err := cert.GenerateCA("Config Root", cert.CAValidity)
	require.NoError(t, err)
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, cert.WriteCertFile(caFile, ca.Certificate))

	f.Verify.CAFile = caFile
	opts, err = f.EngineOptions(nil)
	require.NoError(t, err)
	assert.NotNil(t, opts.Roots)

	f.Verify.CAFile = filepath.Join(t.TempDir(), "absent.pem")
	_, err = f.EngineOptions(nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidatorByPolicy(t *testing.T) {
	f := Default()

	v, err := f.Validator()
	require.NoError(t, err)
	assert.Nil(t, v)

	f.Verify.Policy = PolicyAny
	v, err = f.Validator()
	require.NoError(t, err)
	assert.NotNil(t, v)

	ca, err := cert.GenerateCA("Config Root", cert.CAValidity)
	require.NoError(t, err)
	leaf, err := ca.Issue(cert.IssueOptions{CommonName: "server.test", Usage: cert.UsageServer})
	require.NoError(t, err)
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, cert.WriteCertFile(caFile, ca.Certificate))

	f.Verify.Policy = PolicyCA
	f.Verify.CAFile = caFile
	v, err = f.Validator()
	require.NoError(t, err)
	require.IsType(t, &transport.CAValidator{}, v)

	// A client checks for server usage.
	ok, err := v.ValidateCertificate(false, leaf.Certificate)
	require.NoError(t, err)
	assert.True(t, ok)

	f.Role = "server"
	v, err = f.Validator()
	require.NoError(t, err)
	ok, _ = v.ValidateCertificate(false, leaf.Certificate)
	assert.False(t, ok)
}

func TestProtocolLogger(t *testing.T) {
	f := Default()
	pl, err := f.ProtocolLogger()
	require.NoError(t, err)
	assert.Nil(t, pl)

	f.Log.ProtocolFile = filepath.Join(t.TempDir(), "logs", "session.cbor")
	pl, err = f.ProtocolLogger()
	require.NoError(t, err)
	require.NotNil(t, pl)
	require.NoError(t, pl.Close())
}

func TestApply(t *testing.T) {
	id, err := cert.GenerateSelfSigned("apply.test", "apply.test")
	require.NoError(t, err)
	keyPEM, err := id.KeyPEM()
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, id.CertPEM(), 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	f, err := Parse([]byte(yamlConfig), FormatYAML)
	require.NoError(t, err)
	f.Identity.Certificate = certFile
	f.Identity.PrivateKey = keyFile

	cfg, err := f.TransportConfig(nil, nil)
	require.NoError(t, err)
	stub := enginestub.New()
	s, err := transport.New(stub, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, f.Apply(s))

	c := stub.Only()
	require.NotNil(t, c)
	assert.NotZero(t, c.Cert)
	assert.NotZero(t, c.Key)
	assert.Equal(t, cipher.List{
		cipher.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		cipher.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	}, c.Ciphers)
	assert.Equal(t, "P-256", c.Curve)
	assert.Equal(t, engine.VerifyPeer|engine.VerifyFailIfNoPeerCert, c.VerifyMode)
	assert.NotNil(t, c.Verify)
}

func TestApplyPKCS12(t *testing.T) {
	f := Default()
	f.Identity.PKCS12 = filepath.Join("..", "cert", "testdata", "identity.p12")
	f.Identity.Password = "fixture"

	stub := enginestub.New()
	s, err := transport.New(stub, transport.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, f.Apply(s))
	c := stub.Only()
	assert.NotZero(t, c.Cert)
	assert.NotZero(t, c.Key)
	assert.Nil(t, c.Verify, "engine policy installs no callback")
}

func TestApplyMissingFile(t *testing.T) {
	f := Default()
	f.Identity.Certificate = filepath.Join(t.TempDir(), "nope.pem")

	s, err := transport.New(enginestub.New(), transport.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.ErrorIs(t, f.Apply(s), os.ErrNotExist)
}
