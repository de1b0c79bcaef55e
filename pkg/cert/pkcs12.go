package cert

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/pkcs12"
)

// ErrPKCS12 wraps PKCS#12 decoding failures, including a wrong password.
var ErrPKCS12 = errors.New("invalid PKCS#12 bundle")

// DecodePKCS12 extracts the single certificate and private key from a
// PKCS#12 bundle.
func DecodePKCS12(data []byte, password string) (*Identity, error) {
	key, c, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPKCS12, err)
	}
	signer, err := asSigner(key)
	if err != nil {
		return nil, err
	}
	return &Identity{Certificate: c, PrivateKey: signer}, nil
}

// IsPKCS12 reports whether data looks like a DER PKCS#12 PFX rather than PEM.
func IsPKCS12(data []byte) bool {
	// PFX is a DER SEQUENCE; PEM starts with '-'.
	return len(data) > 2 && data[0] == 0x30
}
