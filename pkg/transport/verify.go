package transport

import (
	"crypto/x509"
	"fmt"
	"sync/atomic"

	"github.com/mash-protocol/mash-tls/pkg/cert"
	"github.com/mash-protocol/mash-tls/pkg/log"
)

// Validator makes the trust decision for one certificate presented during
// the handshake. preverified is the engine's own verdict for it.
//
// Implementations must be safe to call from the goroutine running the
// handshake. An error or a panic rejects the certificate.
type Validator interface {
	ValidateCertificate(preverified bool, c *x509.Certificate) (bool, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(preverified bool, c *x509.Certificate) (bool, error)

// ValidateCertificate calls f.
func (f ValidatorFunc) ValidateCertificate(preverified bool, c *x509.Certificate) (bool, error) {
	return f(preverified, c)
}

// CertificateObserver is an optional Validator extension receiving the
// peer certificate once the handshake has settled on it. It cannot
// influence the outcome.
type CertificateObserver interface {
	ObserveCertificate(c *x509.Certificate)
}

// verifyBridge relays engine verification callbacks to the installed
// validator and contains every failure on this side of the boundary.
type verifyBridge struct {
	s         *Session
	validator atomic.Pointer[Validator]
}

func (b *verifyBridge) set(v Validator) {
	if v == nil {
		b.validator.Store(nil)
		return
	}
	b.validator.Store(&v)
}

// verify is the engine's verify callback.
func (b *verifyBridge) verify(preverified bool, der []byte) (accepted bool) {
	ev := &log.VerifyEvent{Preverified: preverified}
	defer func() {
		if r := recover(); r != nil {
			accepted = false
			ev.Reason = fmt.Sprintf("validator panic: %v", r)
			b.s.logger.Debug("verify: validator panicked", "panic", r)
		}
		ev.Accepted = accepted
		b.s.emit(log.Event{
			Direction: log.DirectionIn,
			Layer:     log.LayerSession,
			Category:  log.CategoryVerify,
			Verify:    ev,
		})
	}()

	c, err := cert.ParseDER(der)
	if err != nil {
		ev.Reason = err.Error()
		b.s.logger.Debug("verify: cannot decode certificate", "error", err)
		return false
	}
	ev.Subject = c.Subject.String()
	ev.Issuer = c.Issuer.String()

	vp := b.validator.Load()
	if vp == nil {
		return preverified
	}
	ok, err := (*vp).ValidateCertificate(preverified, c)
	if err != nil {
		ev.Reason = err.Error()
		b.s.logger.Debug("verify: validator error",
			"subject", ev.Subject,
			"error", err)
		return false
	}
	return ok
}

// info is the engine's informational callback.
func (b *verifyBridge) info(der []byte) {
	ev := &log.VerifyEvent{Informational: true, Accepted: true}
	defer func() {
		if r := recover(); r != nil {
			ev.Reason = fmt.Sprintf("observer panic: %v", r)
			b.s.logger.Debug("info: observer panicked", "panic", r)
		}
		b.s.emit(log.Event{
			Direction: log.DirectionIn,
			Layer:     log.LayerSession,
			Category:  log.CategoryVerify,
			Verify:    ev,
		})
	}()

	c, err := cert.ParseDER(der)
	if err != nil {
		ev.Reason = err.Error()
		b.s.logger.Debug("info: cannot decode certificate", "error", err)
		return
	}
	ev.Subject = c.Subject.String()
	ev.Issuer = c.Issuer.String()
	b.s.logger.Debug("info: peer certificate",
		"subject", ev.Subject,
		"issuer", ev.Issuer,
		"notAfter", c.NotAfter)

	if vp := b.validator.Load(); vp != nil {
		if obs, ok := (*vp).(CertificateObserver); ok {
			obs.ObserveCertificate(c)
		}
	}
}
