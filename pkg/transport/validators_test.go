package transport

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/mash-tls/pkg/cert"
)

func testChain(t *testing.T) (root, inter *cert.Authority, leaf *cert.Identity) {
	t.Helper()
	root, err := cert.GenerateCA("Test Root", cert.CAValidity)
	require.NoError(t, err)
	inter, err = root.IssueIntermediate("Test Intermediate")
	require.NoError(t, err)
	leaf, err = inter.Issue(cert.IssueOptions{
		CommonName: "server.test",
		Hosts:      []string{"server.test"},
		Usage:      cert.UsageServer,
	})
	require.NoError(t, err)
	return root, inter, leaf
}

func TestAcceptFromCADeepestFirst(t *testing.T) {
	root, inter, leaf := testChain(t)
	v := AcceptFromCA(root.Pool())

	for _, c := range []*x509.Certificate{root.Certificate, inter.Certificate, leaf.Certificate} {
		ok, err := v.ValidateCertificate(false, c)
		require.NoError(t, err, c.Subject.CommonName)
		assert.True(t, ok)
	}
}

func TestAcceptFromCANeedsIntermediate(t *testing.T) {
	root, _, leaf := testChain(t)
	v := AcceptFromCA(root.Pool())

	ok, err := v.ValidateCertificate(true, leaf.Certificate)
	assert.False(t, ok)
	assert.ErrorIs(t, err, cert.ErrInvalidChain)
}

func TestAcceptFromCARejectsForeignRoot(t *testing.T) {
	root, _, _ := testChain(t)
	other, err := cert.GenerateCA("Other Root", cert.CAValidity)
	require.NoError(t, err)

	v := AcceptFromCA(root.Pool())
	ok, err := v.ValidateCertificate(true, other.Certificate)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestAcceptFromCAUsage(t *testing.T) {
	root, inter, leaf := testChain(t)

	v := AcceptFromCA(root.Pool()).WithUsage(cert.UsageClient)
	for _, c := range []*x509.Certificate{root.Certificate, inter.Certificate} {
		ok, err := v.ValidateCertificate(true, c)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := v.ValidateCertificate(true, leaf.Certificate)
	assert.False(t, ok, "server-only leaf fails a client usage check")
	assert.Error(t, err)
}

func TestStaticValidators(t *testing.T) {
	id := selfSigned(t)

	ok, err := AcceptAll.ValidateCertificate(false, id.Certificate)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, _ = AcceptPreverified.ValidateCertificate(false, id.Certificate)
	assert.False(t, ok)
	ok, _ = AcceptPreverified.ValidateCertificate(true, id.Certificate)
	assert.True(t, ok)
}
