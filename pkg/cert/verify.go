package cert

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Verification errors.
var (
	ErrCertExpired     = errors.New("certificate has expired")
	ErrCertNotYetValid = errors.New("certificate is not yet valid")
	ErrInvalidChain    = errors.New("invalid certificate chain")
	ErrIssuerMismatch  = errors.New("certificate issuer mismatch")
)

// VerifyOptions controls VerifyChain.
type VerifyOptions struct {
	Roots         *x509.CertPool
	Intermediates []*x509.Certificate

	// Usage is the required extended key usage. Zero accepts any.
	Usage Usage

	// Now overrides the current time.
	Now time.Time
}

// CheckValidity reports whether cert is inside its validity window at now.
func CheckValidity(cert *x509.Certificate, now time.Time) error {
	if cert == nil {
		return ErrInvalidCert
	}
	if now.Before(cert.NotBefore) {
		return ErrCertNotYetValid
	}
	if now.After(cert.NotAfter) {
		return ErrCertExpired
	}
	return nil
}

// VerifyChain verifies that cert chains to one of opts.Roots.
func VerifyChain(cert *x509.Certificate, opts VerifyOptions) error {
	if cert == nil {
		return ErrInvalidCert
	}
	if opts.Roots == nil {
		return fmt.Errorf("%w: trust roots required", ErrInvalidChain)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	if err := CheckValidity(cert, now); err != nil {
		return err
	}

	vo := x509.VerifyOptions{
		Roots:         opts.Roots,
		Intermediates: x509.NewCertPool(),
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, c := range opts.Intermediates {
		vo.Intermediates.AddCert(c)
	}
	switch {
	case opts.Usage&UsageServer != 0 && opts.Usage&UsageClient != 0:
		vo.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	case opts.Usage&UsageServer != 0:
		vo.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case opts.Usage&UsageClient != 0:
		vo.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	if _, err := cert.Verify(vo); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	return nil
}

// VerifyIssuedBy checks that cert's Authority Key ID matches issuer's
// Subject Key ID.
func VerifyIssuedBy(cert, issuer *x509.Certificate) error {
	if cert == nil || issuer == nil {
		return ErrInvalidCert
	}
	if len(cert.AuthorityKeyId) == 0 || len(issuer.SubjectKeyId) == 0 {
		return fmt.Errorf("%w: missing key identifiers", ErrIssuerMismatch)
	}
	if !bytes.Equal(cert.AuthorityKeyId, issuer.SubjectKeyId) {
		return ErrIssuerMismatch
	}
	return nil
}

// CertificateInfo extracts human-readable information from a certificate.
type CertificateInfo struct {
	Subject     string
	CommonName  string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	IsCA        bool
	DNSNames    []string
	Fingerprint string // SHA-256, hex
	SKI         []byte
	AKI         []byte
}

// GetCertificateInfo extracts information from a certificate.
func GetCertificateInfo(cert *x509.Certificate) *CertificateInfo {
	if cert == nil {
		return nil
	}

	sum := sha256.Sum256(cert.Raw)
	return &CertificateInfo{
		Subject:     cert.Subject.String(),
		CommonName:  cert.Subject.CommonName,
		Issuer:      cert.Issuer.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		IsCA:        cert.IsCA,
		DNSNames:    cert.DNSNames,
		Fingerprint: hex.EncodeToString(sum[:]),
		SKI:         cert.SubjectKeyId,
		AKI:         cert.AuthorityKeyId,
	}
}

// ParseDER parses a single DER certificate, wrapping failures in ErrInvalidCert.
func ParseDER(der []byte) (*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, ErrInvalidCert
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCert, err)
	}
	return c, nil
}
