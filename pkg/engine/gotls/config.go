package gotls

import (
	"crypto/tls"
	"strings"

	"github.com/mash-protocol/mash-tls/pkg/cipher"
	"github.com/mash-protocol/mash-tls/pkg/engine"
)

func tlsVersion(v engine.ProtocolVersion) (uint16, bool) {
	switch v {
	case engine.VersionTLS10:
		return tls.VersionTLS10, true
	case engine.VersionTLS11:
		return tls.VersionTLS11, true
	case engine.VersionTLS12:
		return tls.VersionTLS12, true
	case engine.VersionTLS13:
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// supportedSuites maps the suites crypto/tls can negotiate to the
// versions they are valid for.
var supportedSuites = func() map[uint16][]uint16 {
	m := make(map[uint16][]uint16)
	for _, s := range tls.CipherSuites() {
		m[s.ID] = s.SupportedVersions
	}
	for _, s := range tls.InsecureCipherSuites() {
		m[s.ID] = s.SupportedVersions
	}
	return m
}()

// filterSuites decodes codes and keeps the suites usable at version, in
// order. TLS 1.3 suites are accepted but not installed since crypto/tls
// does not let them be configured. It fails when nothing usable remains.
func filterSuites(codes []byte, count int, version engine.ProtocolVersion) ([]uint16, bool) {
	list, err := cipher.Decode(codes)
	if err != nil || len(list) != count {
		return nil, false
	}
	v, _ := tlsVersion(version)

	var out []uint16
	usable := 0
	for _, s := range list {
		versions, ok := supportedSuites[uint16(s)]
		if !ok || !containsVersion(versions, v) {
			continue
		}
		usable++
		if !s.IsTLS13() {
			out = append(out, uint16(s))
		}
	}
	return out, usable > 0
}

func containsVersion(versions []uint16, v uint16) bool {
	for _, x := range versions {
		if x == v {
			return true
		}
	}
	return false
}

func curveID(name string) (tls.CurveID, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "p-256", "p256", "prime256v1", "secp256r1":
		return tls.CurveP256, true
	case "p-384", "p384", "secp384r1":
		return tls.CurveP384, true
	case "p-521", "p521", "secp521r1":
		return tls.CurveP521, true
	case "x25519":
		return tls.X25519, true
	default:
		return 0, false
	}
}

// tlsConfig builds the crypto/tls configuration for the connection's
// current settings. Chain verification is always done by verifyPeer so the
// verify callback sees every element with its preverified bit.
func (c *conn) tlsConfig(serverName string) *tls.Config {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, _ := tlsVersion(c.version)
	cfg := &tls.Config{
		MinVersion:             v,
		MaxVersion:             v,
		CipherSuites:           c.suites,
		CurvePreferences:       c.curves,
		SessionTicketsDisabled: true,
		VerifyPeerCertificate:  c.verifyPeer,
		VerifyConnection:       c.observePeer,
	}
	if c.identity != nil {
		cfg.Certificates = []tls.Certificate{*c.identity}
	}

	if c.role == engine.RoleClient {
		cfg.ServerName = serverName
		// Chain checks happen in verifyPeer.
		cfg.InsecureSkipVerify = true
		return cfg
	}

	switch {
	case c.mode.Has(engine.VerifyPeer | engine.VerifyFailIfNoPeerCert):
		cfg.ClientAuth = tls.RequireAnyClientCert
	case c.mode.Has(engine.VerifyPeer):
		cfg.ClientAuth = tls.RequestClientCert
	default:
		cfg.ClientAuth = tls.NoClientCert
	}
	return cfg
}
