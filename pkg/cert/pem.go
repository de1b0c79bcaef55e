package cert

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// PEM encoding/decoding errors.
var (
	ErrInvalidPEM     = errors.New("invalid PEM data")
	ErrInvalidKey     = errors.New("invalid private key")
	ErrNoCertificates = errors.New("no certificates found")
	ErrUnsupportedKey = errors.New("unsupported private key type")
)

// PEM block types.
const (
	blockCertificate = "CERTIFICATE"
	blockPKCS8       = "PRIVATE KEY"
	blockPKCS1       = "RSA PRIVATE KEY"
	blockEC          = "EC PRIVATE KEY"
	blockEncrypted   = "ENCRYPTED PRIVATE KEY"
)

// EncodeCertPEM encodes an X.509 certificate to PEM format.
func EncodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  blockCertificate,
		Bytes: cert.Raw,
	})
}

// DecodeCertPEM decodes the first PEM-encoded certificate in data.
func DecodeCertPEM(data []byte) (*x509.Certificate, error) {
	chain, err := DecodeCertChainPEM(data)
	if err != nil {
		return nil, err
	}
	return chain[0], nil
}

// DecodeCertChainPEM decodes every CERTIFICATE block in data, in order.
// Other block types are skipped.
func DecodeCertChainPEM(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != blockCertificate {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCert, err)
		}
		chain = append(chain, c)
	}
	if len(chain) == 0 {
		return nil, ErrNoCertificates
	}
	return chain, nil
}

// EncodeKeyPEM encodes a private key as a PKCS#8 PEM block.
func EncodeKeyPEM(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  blockPKCS8,
		Bytes: der,
	}), nil
}

// DecodeKeyPEM decodes the first private key block in data. PKCS#8,
// PKCS#1 RSA and SEC 1 EC encodings are accepted; encrypted PEM is not.
func DecodeKeyPEM(data []byte) (crypto.Signer, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrInvalidPEM
		}
		switch block.Type {
		case blockPKCS8:
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			return asSigner(k)
		case blockPKCS1:
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			return k, nil
		case blockEC:
			k, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			return k, nil
		case blockEncrypted:
			return nil, fmt.Errorf("%w: encrypted PEM keys are not supported", ErrInvalidKey)
		}
	}
}

// ContainsPrivateKey reports whether data holds a private key PEM block.
func ContainsPrivateKey(data []byte) bool {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return false
		}
		switch block.Type {
		case blockPKCS8, blockPKCS1, blockEC, blockEncrypted:
			return true
		}
	}
}

// LoadCertPool builds a pool from all certificates in PEM data.
func LoadCertPool(data []byte) (*x509.CertPool, error) {
	chain, err := DecodeCertChainPEM(data)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, c := range chain {
		pool.AddCert(c)
	}
	return pool, nil
}

// PublicKeyMatches reports whether key is the private half of cert's key.
func PublicKeyMatches(cert *x509.Certificate, key crypto.Signer) bool {
	type equaler interface{ Equal(crypto.PublicKey) bool }
	pub, ok := key.Public().(equaler)
	return ok && pub.Equal(cert.PublicKey)
}

func asSigner(k any) (crypto.Signer, error) {
	switch key := k.(type) {
	case *ecdsa.PrivateKey:
		return key, nil
	case *rsa.PrivateKey:
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, k)
	}
}

// WriteCertFile writes a certificate to a PEM file.
func WriteCertFile(path string, cert *x509.Certificate) error {
	return os.WriteFile(path, EncodeCertPEM(cert), 0644)
}

// ReadCertFile reads a certificate chain from a PEM file.
func ReadCertFile(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeCertChainPEM(data)
}

// WriteKeyFile writes a private key to a PEM file with restricted permissions.
func WriteKeyFile(path string, key crypto.PrivateKey) error {
	data, err := EncodeKeyPEM(key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ReadKeyFile reads a private key from a PEM file.
func ReadKeyFile(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeKeyPEM(data)
}

// SplitPEM separates certificate blocks from key blocks. Callers that accept
// a combined PEM file hand the halves to different loaders.
func SplitPEM(data []byte) (certs, keys []byte) {
	var cb, kb bytes.Buffer
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case blockCertificate:
			_ = pem.Encode(&cb, block)
		case blockPKCS8, blockPKCS1, blockEC, blockEncrypted:
			_ = pem.Encode(&kb, block)
		}
	}
	return cb.Bytes(), kb.Bytes()
}
