// Package handle wraps engine-owned resources in single-owner handles that
// release their resource exactly once.
package handle

import (
	"errors"
	"sync/atomic"

	"github.com/mash-protocol/mash-tls/pkg/engine"
)

// ErrInvalid is returned when an invalid handle is dereferenced.
var ErrInvalid = errors.New("invalid handle")

// Kind identifies the resource a handle wraps.
type Kind uint8

const (
	// KindConnection is an engine connection context.
	KindConnection Kind = iota

	// KindCertificate is a loaded certificate.
	KindCertificate

	// KindPrivateKey is a loaded private key.
	KindPrivateKey
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindCertificate:
		return "certificate"
	case KindPrivateKey:
		return "private-key"
	default:
		return "unknown"
	}
}

// ReleaseFunc frees the engine resource behind ref.
type ReleaseFunc func(ref engine.Ref)

// Handle owns one engine resource. The zero value and a nil *Handle are
// invalid. Handles cannot be constructed from a bare Ref outside New, so a
// reference only reaches the engine through its owner.
type Handle struct {
	kind     Kind
	ref      engine.Ref
	release  ReleaseFunc
	released atomic.Bool
}

// New wraps ref. If ref is engine.InvalidRef the returned handle is invalid
// and release is never called.
func New(kind Kind, ref engine.Ref, release ReleaseFunc) *Handle {
	h := &Handle{kind: kind, ref: ref, release: release}
	if ref == engine.InvalidRef {
		h.released.Store(true)
	}
	return h
}

// Kind returns the resource kind.
func (h *Handle) Kind() Kind {
	if h == nil {
		return KindConnection
	}
	return h.kind
}

// IsInvalid reports whether the handle was never allocated or is released.
func (h *Handle) IsInvalid() bool {
	return h == nil || h.released.Load()
}

// Ref returns the engine reference, or ErrInvalid.
func (h *Handle) Ref() (engine.Ref, error) {
	if h.IsInvalid() {
		return engine.InvalidRef, ErrInvalid
	}
	return h.ref, nil
}

// Release frees the resource. Only the first call on a valid handle invokes
// the release function; it reports whether this call performed the release.
func (h *Handle) Release() bool {
	if h == nil {
		return false
	}
	if !h.released.CompareAndSwap(false, true) {
		return false
	}
	if h.release != nil {
		h.release(h.ref)
	}
	return true
}
