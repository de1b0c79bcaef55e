// Package config loads file-driven session configuration in YAML or TOML
// and turns it into transport, engine and logging settings.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/mash-protocol/mash-tls/pkg/cipher"
	"github.com/mash-protocol/mash-tls/pkg/engine"
)

// Format is a configuration file syntax.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Verification policies.
const (
	// PolicyEngine leaves trust decisions to the engine's own roots.
	PolicyEngine = "engine"

	// PolicyCA trusts certificates chaining to Verify.CAFile.
	PolicyCA = "ca"

	// PolicyAny accepts every peer certificate.
	PolicyAny = "any"
)

// File is the on-disk session configuration.
type File struct {
	Role     string   `yaml:"role" toml:"role"`
	Version  string   `yaml:"version" toml:"version"`
	Endpoint string   `yaml:"endpoint" toml:"endpoint"`
	Ciphers  []string `yaml:"ciphers" toml:"ciphers"`
	Curve    string   `yaml:"curve" toml:"curve"`
	Debug    bool     `yaml:"debug" toml:"debug"`

	Identity Identity `yaml:"identity" toml:"identity"`
	Verify   Verify   `yaml:"verify" toml:"verify"`
	Timeouts Timeouts `yaml:"timeouts" toml:"timeouts"`
	Log      Log      `yaml:"log" toml:"log"`
}

// Identity locates the local certificate and key.
type Identity struct {
	// Certificate is a PEM file holding the chain, optionally with the key.
	Certificate string `yaml:"certificate" toml:"certificate"`

	// PrivateKey is a PEM key file used when the certificate file has none.
	PrivateKey string `yaml:"private_key" toml:"private_key"`

	// PKCS12 is a PKCS#12 bundle, used instead of Certificate.
	PKCS12 string `yaml:"pkcs12" toml:"pkcs12"`

	// Password unlocks PKCS12.
	Password string `yaml:"password" toml:"password"`
}

// Verify configures peer certificate checks.
type Verify struct {
	Mode   []string `yaml:"mode" toml:"mode"`
	Policy string   `yaml:"policy" toml:"policy"`
	CAFile string   `yaml:"ca_file" toml:"ca_file"`
}

// Timeouts are Go duration strings.
type Timeouts struct {
	Dial     string `yaml:"dial" toml:"dial"`
	Shutdown string `yaml:"shutdown" toml:"shutdown"`
}

// Log configures operational and protocol logging.
type Log struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`

	// ProtocolFile receives CBOR trace events when set.
	ProtocolFile string `yaml:"protocol_file" toml:"protocol_file"`
	MaxSizeMB    int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays   int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress     bool   `yaml:"compress" toml:"compress"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	return &File{
		Role:    engine.RoleClient.String(),
		Version: engine.VersionTLS12.String(),
		Verify: Verify{
			Mode:   []string{"peer"},
			Policy: PolicyEngine,
		},
		Timeouts: Timeouts{Dial: "10s", Shutdown: "5s"},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// LoadError reports a configuration file that could not be used.
type LoadError struct {
	File    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Cause }

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unknown config extension %q", filepath.Ext(path))
	}
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte, format Format) (*File, error) {
	f := Default()
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(f); err != nil {
			return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
		}
	case FormatTOML:
		meta, err := toml.Decode(string(data), f)
		if err != nil {
			return nil, &LoadError{Message: "failed to parse TOML", Cause: err}
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, &LoadError{Message: fmt.Sprintf("unknown key %q", undecoded[0].String())}
		}
	default:
		return nil, &LoadError{Message: fmt.Sprintf("unsupported format %q", format)}
	}
	if err := f.Validate(); err != nil {
		return nil, &LoadError{Message: "invalid configuration", Cause: err}
	}
	return f, nil
}

// Load reads a YAML or TOML file, chosen by extension.
func Load(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "cannot determine format", Cause: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	f, err := Parse(data, format)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.File = path
		}
		return nil, err
	}
	return f, nil
}

// Validate checks every field that has a fixed vocabulary.
func (f *File) Validate() error {
	if _, err := f.EngineRole(); err != nil {
		return err
	}
	if _, err := engine.ParseProtocolVersion(f.Version); err != nil {
		return err
	}
	if _, err := f.CipherList(); err != nil {
		return err
	}
	if _, err := f.VerifyMode(); err != nil {
		return err
	}
	switch f.Verify.Policy {
	case "", PolicyEngine, PolicyAny:
	case PolicyCA:
		if f.Verify.CAFile == "" {
			return fmt.Errorf("verify policy %q requires ca_file", PolicyCA)
		}
	default:
		return fmt.Errorf("unknown verify policy %q", f.Verify.Policy)
	}

	id := f.Identity
	if id.PKCS12 != "" && (id.Certificate != "" || id.PrivateKey != "") {
		return fmt.Errorf("identity: pkcs12 excludes certificate and private_key")
	}
	if id.PrivateKey != "" && id.Certificate == "" {
		return fmt.Errorf("identity: private_key requires certificate")
	}

	if _, err := f.SlogLevel(); err != nil {
		return err
	}
	switch f.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", f.Log.Format)
	}
	if _, err := parseDuration("dial", f.Timeouts.Dial); err != nil {
		return err
	}
	if _, err := parseDuration("shutdown", f.Timeouts.Shutdown); err != nil {
		return err
	}
	return nil
}

// EngineRole returns the configured role.
func (f *File) EngineRole() (engine.Role, error) {
	switch strings.ToLower(strings.TrimSpace(f.Role)) {
	case "", "client":
		return engine.RoleClient, nil
	case "server":
		return engine.RoleServer, nil
	default:
		return 0, fmt.Errorf("unknown role %q", f.Role)
	}
}

// CipherList resolves the configured suite names. It returns nil when no
// ciphers are configured.
func (f *File) CipherList() (cipher.List, error) {
	if len(f.Ciphers) == 0 {
		return nil, nil
	}
	return cipher.ParseList(f.Ciphers)
}

// VerifyMode parses the verify flags.
func (f *File) VerifyMode() (engine.VerifyMode, error) {
	return engine.ParseVerifyMode(f.Verify.Mode)
}

// SlogLevel parses the operational log level.
func (f *File) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if f.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(f.Log.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return lvl, nil
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse %s timeout: %w", name, err)
	}
	return d, nil
}
