package transport

import (
	"crypto/x509"
	"sync"

	"github.com/mash-protocol/mash-tls/pkg/cert"
)

// AcceptAll accepts every certificate regardless of the engine's verdict.
// Useful against self-signed test peers.
var AcceptAll Validator = ValidatorFunc(func(bool, *x509.Certificate) (bool, error) {
	return true, nil
})

// AcceptPreverified defers to the engine's verdict.
var AcceptPreverified Validator = ValidatorFunc(func(preverified bool, _ *x509.Certificate) (bool, error) {
	return preverified, nil
})

// CAValidator accepts certificates that chain to a fixed set of roots.
// Certificates arrive deepest first, so intermediates it has accepted are
// remembered and used to verify the certificates below them.
type CAValidator struct {
	roots *x509.CertPool
	usage cert.Usage

	mu            sync.Mutex
	intermediates []*x509.Certificate
}

// AcceptFromCA returns a validator trusting roots.
func AcceptFromCA(roots *x509.CertPool) *CAValidator {
	return &CAValidator{roots: roots}
}

// WithUsage requires the leaf to carry the given extended key usage.
func (v *CAValidator) WithUsage(u cert.Usage) *CAValidator {
	v.usage = u
	return v
}

// ValidateCertificate ignores preverified and checks c against the roots.
func (v *CAValidator) ValidateCertificate(_ bool, c *x509.Certificate) (bool, error) {
	v.mu.Lock()
	inter := append([]*x509.Certificate(nil), v.intermediates...)
	v.mu.Unlock()

	opts := cert.VerifyOptions{Roots: v.roots, Intermediates: inter}
	if !c.IsCA {
		opts.Usage = v.usage
	}
	if err := cert.VerifyChain(c, opts); err != nil {
		return false, err
	}
	if c.IsCA {
		v.mu.Lock()
		v.intermediates = append(v.intermediates, c)
		v.mu.Unlock()
	}
	return true, nil
}
