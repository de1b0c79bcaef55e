// Package cert provides certificate and key material handling for TLS
// sessions: PEM and PKCS#12 decoding, test and lab PKI generation, and
// chain verification helpers used by certificate validators.
package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"
)

// Default validity periods for generated material.
const (
	// CAValidity is the validity period for generated CA certificates.
	CAValidity = 10 * 365 * 24 * time.Hour

	// LeafValidity is the validity period for issued leaf certificates.
	LeafValidity = 365 * 24 * time.Hour
)

// ErrInvalidCert is returned for nil or unparseable certificates.
var ErrInvalidCert = errors.New("invalid certificate")

// KeyPair holds an ECDSA P-256 key pair.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// Authority is a certificate authority able to issue leaf certificates.
type Authority struct {
	// Certificate is the CA certificate.
	Certificate *x509.Certificate

	// PrivateKey signs issued certificates.
	PrivateKey *ecdsa.PrivateKey

	// chain holds this CA and its issuers below the root, nearest first.
	// Empty for a self-signed root.
	chain []*x509.Certificate
}

// Pool returns a pool containing only this authority, for use as trust roots.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.Certificate)
	return pool
}

// Identity is a leaf certificate with its private key and the
// intermediates needed to present a full chain.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer

	// Chain holds issuer certificates, nearest first. The root is omitted.
	Chain []*x509.Certificate
}

// CertPEM returns the leaf followed by its chain, PEM-encoded.
func (id *Identity) CertPEM() []byte {
	out := EncodeCertPEM(id.Certificate)
	for _, c := range id.Chain {
		out = append(out, EncodeCertPEM(c)...)
	}
	return out
}

// KeyPEM returns the private key PEM-encoded in PKCS#8 form.
func (id *Identity) KeyPEM() ([]byte, error) {
	return EncodeKeyPEM(id.PrivateKey)
}

// TLSCertificate converts the identity to a tls.Certificate.
func (id *Identity) TLSCertificate() tls.Certificate {
	chain := make([][]byte, 0, 1+len(id.Chain))
	chain = append(chain, id.Certificate.Raw)
	for _, c := range id.Chain {
		chain = append(chain, c.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate,
	}
}

// ExpiresAt returns when the leaf certificate expires.
func (id *Identity) ExpiresAt() time.Time {
	return id.Certificate.NotAfter
}
