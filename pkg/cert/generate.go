package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Usage selects the extended key usages of an issued certificate.
type Usage uint8

const (
	// UsageServer marks a certificate for TLS server authentication.
	UsageServer Usage = 1 << iota

	// UsageClient marks a certificate for TLS client authentication.
	UsageClient
)

// IssueOptions describes a leaf certificate to issue.
type IssueOptions struct {
	CommonName string

	// Hosts are DNS names or IP literals added as subject alternative names.
	Hosts []string

	// Usage defaults to UsageServer|UsageClient.
	Usage Usage

	// Validity defaults to LeafValidity.
	Validity time.Duration

	// NotBefore defaults to one minute ago.
	NotBefore time.Time
}

// GenerateKeyPair generates a new ECDSA P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
}

// ComputeSKI computes a Subject Key Identifier as the SHA-1 of the
// uncompressed public key point (RFC 5280 method 1).
func ComputeSKI(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, errors.New("nil public key")
	}
	point, err := pub.ECDH()
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(point.Bytes())
	return sum[:], nil
}

// GenerateCA creates a self-signed certificate authority.
func GenerateCA(commonName string, validity time.Duration) (*Authority, error) {
	if validity <= 0 {
		validity = CAValidity
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	ski, err := ComputeSKI(kp.PublicKey)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().Add(-time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, kp.PublicKey, kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Authority{Certificate: c, PrivateKey: kp.PrivateKey}, nil
}

// Issue creates a leaf identity signed by the authority.
func (a *Authority) Issue(opts IssueOptions) (*Identity, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	c, err := a.sign(opts, kp, false)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Certificate: c,
		PrivateKey:  kp.PrivateKey,
		Chain:       append([]*x509.Certificate(nil), a.chain...),
	}, nil
}

// IssueIntermediate creates a subordinate CA signed by a. Identities it
// issues carry it and a's intermediates as their chain.
func (a *Authority) IssueIntermediate(commonName string) (*Authority, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	c, err := a.sign(IssueOptions{CommonName: commonName, Validity: CAValidity}, kp, true)
	if err != nil {
		return nil, err
	}
	chain := append([]*x509.Certificate{c}, a.chain...)
	return &Authority{Certificate: c, PrivateKey: kp.PrivateKey, chain: chain}, nil
}

func (a *Authority) sign(opts IssueOptions, kp *KeyPair, isCA bool) (*x509.Certificate, error) {
	if opts.Validity <= 0 {
		opts.Validity = LeafValidity
	}
	if opts.Usage == 0 {
		opts.Usage = UsageServer | UsageClient
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Minute)
	}
	ski, err := ComputeSKI(kp.PublicKey)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:   serial,
		Subject:        pkix.Name{CommonName: opts.CommonName},
		NotBefore:      opts.NotBefore,
		NotAfter:       opts.NotBefore.Add(opts.Validity),
		SubjectKeyId:   ski,
		AuthorityKeyId: a.Certificate.SubjectKeyId,
	}
	if isCA {
		tmpl.IsCA = true
		tmpl.BasicConstraintsValid = true
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		if opts.Usage&UsageServer != 0 {
			tmpl.ExtKeyUsage = append(tmpl.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
		}
		if opts.Usage&UsageClient != 0 {
			tmpl.ExtKeyUsage = append(tmpl.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
		}
		addHosts(tmpl, opts.Hosts)
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.Certificate, kp.PublicKey, a.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// GenerateSelfSigned creates a self-signed leaf identity for hosts.
func GenerateSelfSigned(commonName string, hosts ...string) (*Identity, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().Add(-time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.Add(LeafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	addHosts(tmpl, hosts)

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, kp.PublicKey, kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create self-signed certificate: %w", err)
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Identity{Certificate: c, PrivateKey: kp.PrivateKey}, nil
}

func addHosts(tmpl *x509.Certificate, hosts []string) {
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
