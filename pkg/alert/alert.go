// Package alert defines TLS alert levels and descriptions and decodes alert
// records observed on the engine's message-trace channel.
package alert

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// ContentType is the TLS record content type carrying alerts.
const ContentType uint8 = 21

// RecordSize is the size of a plaintext alert record body.
const RecordSize = 2

// ErrMalformed is returned when alert bytes cannot be decoded.
var ErrMalformed = errors.New("malformed alert record")

// Level defines alert severity.
type Level uint8

// Alert levels.
const (
	LevelWarning Level = 1
	LevelFatal   Level = 2
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelFatal:
		return "fatal"
	default:
		return fmt.Sprintf("{Level %d}", int(l))
	}
}

// Description identifies the alert condition. A Description is usable as an
// error so that callers can match it with errors.As.
type Description uint8

// Alert descriptions.
const (
	CloseNotify                  Description = 0
	UnexpectedMessage            Description = 10
	BadRecordMAC                 Description = 20
	DecryptionFailed             Description = 21
	RecordOverflow               Description = 22
	DecompressionFailure         Description = 30
	HandshakeFailure             Description = 40
	NoCertificate                Description = 41
	BadCertificate               Description = 42
	UnsupportedCertificate       Description = 43
	CertificateRevoked           Description = 44
	CertificateExpired           Description = 45
	CertificateUnknown           Description = 46
	IllegalParameter             Description = 47
	UnknownCA                    Description = 48
	AccessDenied                 Description = 49
	DecodeError                  Description = 50
	DecryptError                 Description = 51
	ExportRestriction            Description = 60
	ProtocolVersion              Description = 70
	InsufficientSecurity         Description = 71
	InternalError                Description = 80
	InappropriateFallback        Description = 86
	UserCanceled                 Description = 90
	NoRenegotiation              Description = 100
	MissingExtension             Description = 109
	UnsupportedExtension         Description = 110
	UnrecognizedName             Description = 112
	BadCertificateStatusResponse Description = 113
	UnknownPSKIdentity           Description = 115
	CertificateRequired          Description = 116
	NoApplicationProtocol        Description = 120
)

var descriptions = map[Description]string{
	CloseNotify:                  "close_notify",
	UnexpectedMessage:            "unexpected_message",
	BadRecordMAC:                 "bad_record_mac",
	DecryptionFailed:             "decryption_failed",
	RecordOverflow:               "record_overflow",
	DecompressionFailure:         "decompression_failure",
	HandshakeFailure:             "handshake_failure",
	NoCertificate:                "no_certificate",
	BadCertificate:               "bad_certificate",
	UnsupportedCertificate:       "unsupported_certificate",
	CertificateRevoked:           "certificate_revoked",
	CertificateExpired:           "certificate_expired",
	CertificateUnknown:           "certificate_unknown",
	IllegalParameter:             "illegal_parameter",
	UnknownCA:                    "unknown_ca",
	AccessDenied:                 "access_denied",
	DecodeError:                  "decode_error",
	DecryptError:                 "decrypt_error",
	ExportRestriction:            "export_restriction",
	ProtocolVersion:              "protocol_version",
	InsufficientSecurity:         "insufficient_security",
	InternalError:                "internal_error",
	InappropriateFallback:        "inappropriate_fallback",
	UserCanceled:                 "user_canceled",
	NoRenegotiation:              "no_renegotiation",
	MissingExtension:             "missing_extension",
	UnsupportedExtension:         "unsupported_extension",
	UnrecognizedName:             "unrecognized_name",
	BadCertificateStatusResponse: "bad_certificate_status_response",
	UnknownPSKIdentity:           "unknown_psk_identity",
	CertificateRequired:          "certificate_required",
	NoApplicationProtocol:        "no_application_protocol",
}

// String returns the RFC name of the description.
func (d Description) String() string {
	name, ok := descriptions[d]
	if ok {
		return name
	}
	return fmt.Sprintf("{Description %d}", int(d))
}

// Error implements the error interface.
func (d Description) Error() string {
	return "tls alert: " + d.String()
}

// DefaultLevel returns the level a description is normally sent with.
func (d Description) DefaultLevel() Level {
	switch d {
	case CloseNotify, UserCanceled, NoRenegotiation:
		return LevelWarning
	default:
		return LevelFatal
	}
}

// Alert is a single TLS alert.
type Alert struct {
	Level       Level
	Description Description
}

// IsFatal reports whether the alert terminates the connection.
func (a Alert) IsFatal() bool {
	return a.Level == LevelFatal
}

// IsWarning reports whether the alert is a warning.
func (a Alert) IsWarning() bool {
	return a.Level == LevelWarning
}

// String returns "level:description".
func (a Alert) String() string {
	// Description is also an error, which %s would prefer over String.
	return a.Level.String() + ":" + a.Description.String()
}

// Bytes returns the two-byte record encoding of the alert.
func (a Alert) Bytes() []byte {
	var b cryptobyte.Builder
	b.AddUint8(uint8(a.Level))
	b.AddUint8(uint8(a.Description))
	return b.BytesOrPanic()
}

// Supersedes reports whether a should replace prev as the alert retained for
// error reporting. Fatal alerts win over warnings; otherwise the later alert
// wins.
func (a Alert) Supersedes(prev *Alert) bool {
	if prev == nil {
		return true
	}
	return !(prev.IsFatal() && a.IsWarning())
}

// Parse decodes a plaintext alert record body.
func Parse(data []byte) (Alert, error) {
	s := cryptobyte.String(data)

	var level, desc uint8
	if !s.ReadUint8(&level) || !s.ReadUint8(&desc) || !s.Empty() {
		return Alert{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	if Level(level) != LevelWarning && Level(level) != LevelFatal {
		return Alert{}, fmt.Errorf("%w: level %d", ErrMalformed, level)
	}

	return Alert{Level: Level(level), Description: Description(desc)}, nil
}
