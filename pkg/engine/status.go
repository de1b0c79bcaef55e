package engine

import "fmt"

// Status is a numeric engine result. StatusOK is the only success value.
type Status int32

// Engine status codes.
const (
	StatusOK                 Status = 0
	StatusInvalidHandle      Status = 1
	StatusAllocationFailed   Status = 2
	StatusInvalidCertificate Status = 3
	StatusInvalidPrivateKey  Status = 4
	StatusKeyMismatch        Status = 5
	StatusNoCertificate      Status = 6
	StatusCipherList         Status = 7
	StatusUnsupported        Status = 8
	StatusSocketError        Status = 9
	StatusNotBound           Status = 10
	StatusHandshakeFailed    Status = 11
	StatusVerifyFailed       Status = 12
	StatusIOError            Status = 13
	StatusClosed             Status = 14
	StatusShutdownFailed     Status = 15
	StatusInvalidState       Status = 16
)

var statusNames = map[Status]string{
	StatusOK:                 "ok",
	StatusInvalidHandle:      "invalid_handle",
	StatusAllocationFailed:   "allocation_failed",
	StatusInvalidCertificate: "invalid_certificate",
	StatusInvalidPrivateKey:  "invalid_private_key",
	StatusKeyMismatch:        "key_mismatch",
	StatusNoCertificate:      "no_certificate",
	StatusCipherList:         "cipher_list",
	StatusUnsupported:        "unsupported",
	StatusSocketError:        "socket_error",
	StatusNotBound:           "not_bound",
	StatusHandshakeFailed:    "handshake_failed",
	StatusVerifyFailed:       "verify_failed",
	StatusIOError:            "io_error",
	StatusClosed:             "closed",
	StatusShutdownFailed:     "shutdown_failed",
	StatusInvalidState:       "invalid_state",
}

// String returns the status name.
func (s Status) String() string {
	name, ok := statusNames[s]
	if ok {
		return name
	}
	return fmt.Sprintf("{Status %d}", int32(s))
}

// OK reports whether the status is StatusOK.
func (s Status) OK() bool {
	return s == StatusOK
}
