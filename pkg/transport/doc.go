// Package transport implements a TLS session on top of an opaque
// cryptographic engine.
//
// A Session owns one engine connection context plus the certificate and
// private key loaded for it, and exposes them as a byte stream:
//
//	s, _ := transport.New(eng, transport.Config{Role: engine.RoleClient, Version: engine.VersionTLS12})
//	defer s.Close()
//	s.SetCipherList(cipher.List{cipher.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256})
//	s.SetCertificateVerify(engine.VerifyPeer, transport.AcceptFromCA(roots))
//	if err := s.Connect("device.local:8443"); err != nil {
//	    var desc alert.Description
//	    if errors.As(err, &desc) { ... }
//	}
//
// # Concurrency
//
// Read and Write each hold their own exclusion flag: one reader and one
// writer may run at the same time, and a second caller in either direction
// fails with ErrConcurrentOperation rather than waiting. Configuration,
// Connect, Accept and Shutdown take both flags.
//
// # Shutdown
//
//	┌──────┐  round 1 complete  ┌────────┐
//	│ none │ ─────────────────> │ closed │
//	└──────┘                    └────────┘
//	   │ round 1 pending            ^
//	   v                            │ round 2 complete
//	┌───────────────┐ ──────────────┘
//	│ sent_shutdown │
//	└───────────────┘ ── round 2 pending or failure ──> error
//
// closed and error are terminal. Close is an abort and never sends
// anything to the peer.
//
// # Errors
//
// Engine failures become *AlertError when the engine traced an alert
// during the failing call and *EngineError otherwise. Both unwrap to a
// sentinel naming the phase, such as ErrHandshakeFailed.
package transport
