package gotls

import (
	"crypto/tls"
	"errors"
	"net"
	"strings"

	"github.com/mash-protocol/mash-tls/pkg/alert"
)

// errRejected marks a certificate refused by the verify callback.
var errRejected = errors.New("peer certificate rejected")

// goAlertText maps crypto/tls alert messages to descriptions. crypto/tls
// does not export its alert type for received alerts, only its text.
var goAlertText = map[string]alert.Description{
	"close notify":                    alert.CloseNotify,
	"unexpected message":              alert.UnexpectedMessage,
	"bad record MAC":                  alert.BadRecordMAC,
	"decryption failed":               alert.DecryptionFailed,
	"record overflow":                 alert.RecordOverflow,
	"decompression failure":           alert.DecompressionFailure,
	"handshake failure":               alert.HandshakeFailure,
	"bad certificate":                 alert.BadCertificate,
	"unsupported certificate":         alert.UnsupportedCertificate,
	"revoked certificate":             alert.CertificateRevoked,
	"expired certificate":             alert.CertificateExpired,
	"unknown certificate":             alert.CertificateUnknown,
	"illegal parameter":               alert.IllegalParameter,
	"unknown certificate authority":   alert.UnknownCA,
	"access denied":                   alert.AccessDenied,
	"error decoding message":          alert.DecodeError,
	"error decrypting message":        alert.DecryptError,
	"export restriction":              alert.ExportRestriction,
	"protocol version not supported":  alert.ProtocolVersion,
	"insufficient security level":     alert.InsufficientSecurity,
	"internal error":                  alert.InternalError,
	"inappropriate fallback":          alert.InappropriateFallback,
	"user canceled":                   alert.UserCanceled,
	"no renegotiation":                alert.NoRenegotiation,
	"missing extension":               alert.MissingExtension,
	"unsupported extension":           alert.UnsupportedExtension,
	"unrecognized name":               alert.UnrecognizedName,
	"bad certificate status response": alert.BadCertificateStatusResponse,
	"unknown PSK identity":            alert.UnknownPSKIdentity,
	"certificate required":            alert.CertificateRequired,
	"no application protocol":         alert.NoApplicationProtocol,
}

// remoteAlert extracts the alert the peer sent from a crypto/tls error.
func remoteAlert(err error) (alert.Alert, bool) {
	var opErr *net.OpError
	if !errors.As(err, &opErr) || opErr.Op != "remote error" || opErr.Err == nil {
		return alert.Alert{}, false
	}
	text := strings.TrimPrefix(opErr.Err.Error(), "tls: ")
	desc, ok := goAlertText[text]
	if !ok {
		return alert.Alert{}, false
	}
	return alert.Alert{Level: alert.LevelFatal, Description: desc}, true
}

// localAlert returns the alert crypto/tls sends for a handshake error
// raised on this side, when it is known.
func localAlert(err error) (alert.Alert, bool) {
	var verr *tls.CertificateVerificationError
	var aerr tls.AlertError
	switch {
	case errors.Is(err, errRejected), errors.As(err, &verr):
		return alert.Alert{Level: alert.LevelFatal, Description: alert.BadCertificate}, true
	case errors.As(err, &aerr):
		return alert.Alert{Level: alert.LevelFatal, Description: alert.Description(aerr)}, true
	default:
		return alert.Alert{}, false
	}
}
