package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mash-protocol/mash-tls/pkg/cert"
	"github.com/mash-protocol/mash-tls/pkg/engine"
	"github.com/mash-protocol/mash-tls/pkg/engine/gotls"
	"github.com/mash-protocol/mash-tls/pkg/log"
	"github.com/mash-protocol/mash-tls/pkg/transport"
)

// TransportConfig builds the session configuration. logger and plog may
// be nil.
func (f *File) TransportConfig(logger *slog.Logger, plog log.Logger) (transport.Config, error) {
	role, err := f.EngineRole()
	if err != nil {
		return transport.Config{}, err
	}
	version, err := engine.ParseProtocolVersion(f.Version)
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		Role:           role,
		Version:        version,
		Debug:          f.Debug,
		Logger:         logger,
		ProtocolLogger: plog,
	}, nil
}

// EngineOptions builds the gotls engine options. With the CA policy the
// CA file also serves as the engine's roots.
func (f *File) EngineOptions(logger *slog.Logger) (gotls.Options, error) {
	dial, err := parseDuration("dial", f.Timeouts.Dial)
	if err != nil {
		return gotls.Options{}, err
	}
	shutdown, err := parseDuration("shutdown", f.Timeouts.Shutdown)
	if err != nil {
		return gotls.Options{}, err
	}
	opts := gotls.Options{DialTimeout: dial, ShutdownTimeout: shutdown, Logger: logger}
	if f.Verify.CAFile != "" {
		data, err := os.ReadFile(f.Verify.CAFile)
		if err != nil {
			return gotls.Options{}, fmt.Errorf("read ca_file: %w", err)
		}
		if opts.Roots, err = cert.LoadCertPool(data); err != nil {
			return gotls.Options{}, fmt.Errorf("ca_file: %w", err)
		}
	}
	return opts, nil
}

// Validator returns the validator for the verify policy, or nil for the
// engine policy.
func (f *File) Validator() (transport.Validator, error) {
	switch f.Verify.Policy {
	case "", PolicyEngine:
		return nil, nil
	case PolicyAny:
		return transport.AcceptAll, nil
	case PolicyCA:
		data, err := os.ReadFile(f.Verify.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		pool, err := cert.LoadCertPool(data)
		if err != nil {
			return nil, fmt.Errorf("ca_file: %w", err)
		}
		v := transport.AcceptFromCA(pool)
		if role, _ := f.EngineRole(); role == engine.RoleClient {
			v.WithUsage(cert.UsageServer)
		} else {
			v.WithUsage(cert.UsageClient)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown verify policy %q", f.Verify.Policy)
	}
}

// ProtocolLogger opens the rotating protocol log, or returns nil when no
// protocol file is configured. The caller closes the returned logger.
func (f *File) ProtocolLogger() (*log.FileLogger, error) {
	if f.Log.ProtocolFile == "" {
		return nil, nil
	}
	return log.NewRotatingFileLogger(log.RotationConfig{
		Filename:   f.Log.ProtocolFile,
		MaxSizeMB:  f.Log.MaxSizeMB,
		MaxBackups: f.Log.MaxBackups,
		MaxAgeDays: f.Log.MaxAgeDays,
		Compress:   f.Log.Compress,
	})
}

// Apply configures s with the identity, cipher list, curve and
// verification settings of f.
func (f *File) Apply(s *transport.Session) error {
	if err := f.applyIdentity(s); err != nil {
		return err
	}

	list, err := f.CipherList()
	if err != nil {
		return err
	}
	if len(list) > 0 {
		if err := s.SetCipherList(list); err != nil {
			return err
		}
	}
	if f.Curve != "" {
		if err := s.SetNamedCurve(f.Curve); err != nil {
			return err
		}
	}

	mode, err := f.VerifyMode()
	if err != nil {
		return err
	}
	v, err := f.Validator()
	if err != nil {
		return err
	}
	return s.SetCertificateVerify(mode, v)
}

func (f *File) applyIdentity(s *transport.Session) error {
	id := f.Identity
	switch {
	case id.PKCS12 != "":
		data, err := os.ReadFile(id.PKCS12)
		if err != nil {
			return fmt.Errorf("read pkcs12: %w", err)
		}
		return s.SetCertificateWithPassword(data, id.Password)

	case id.Certificate != "":
		data, err := os.ReadFile(id.Certificate)
		if err != nil {
			return fmt.Errorf("read certificate: %w", err)
		}
		if err := s.SetCertificate(data); err != nil {
			return err
		}
		if id.PrivateKey == "" {
			return nil
		}
		key, err := os.ReadFile(id.PrivateKey)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		return s.SetPrivateKey(key)
	}
	return nil
}
