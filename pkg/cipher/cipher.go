// Package cipher names TLS cipher suites and encodes preference-ordered
// cipher lists in the form handed to the engine.
package cipher

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// CodeSize is the encoded size of one suite code in bytes.
const CodeSize = 2

// Cipher list errors.
var (
	ErrEmptyList     = errors.New("cipher list is empty")
	ErrInvalidLength = errors.New("cipher list length is not a multiple of 2")
	ErrUnknownSuite  = errors.New("unknown cipher suite")
)

// Suite is a TLS cipher suite identifier.
type Suite uint16

// Cipher suites known by name.
const (
	TLS_NULL_WITH_NULL_NULL                       Suite = 0x0000
	TLS_RSA_WITH_AES_128_CBC_SHA                  Suite = 0x002F
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA              Suite = 0x0033
	TLS_RSA_WITH_AES_256_CBC_SHA                  Suite = 0x0035
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA              Suite = 0x0039
	TLS_RSA_WITH_AES_128_CBC_SHA256               Suite = 0x003C
	TLS_RSA_WITH_AES_256_CBC_SHA256               Suite = 0x003D
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA256           Suite = 0x0067
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA256           Suite = 0x006B
	TLS_RSA_WITH_AES_128_GCM_SHA256               Suite = 0x009C
	TLS_RSA_WITH_AES_256_GCM_SHA384               Suite = 0x009D
	TLS_DHE_RSA_WITH_AES_128_GCM_SHA256           Suite = 0x009E
	TLS_DHE_RSA_WITH_AES_256_GCM_SHA384           Suite = 0x009F
	TLS_AES_128_GCM_SHA256                        Suite = 0x1301
	TLS_AES_256_GCM_SHA384                        Suite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256                  Suite = 0x1303
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA          Suite = 0xC009
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA          Suite = 0xC00A
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA            Suite = 0xC013
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA            Suite = 0xC014
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256       Suite = 0xC023
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384       Suite = 0xC024
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256         Suite = 0xC027
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384         Suite = 0xC028
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256       Suite = 0xC02B
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384       Suite = 0xC02C
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256         Suite = 0xC02F
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384         Suite = 0xC030
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256   Suite = 0xCCA8
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 Suite = 0xCCA9
)

var suiteNames = map[Suite]string{
	TLS_NULL_WITH_NULL_NULL:                       "TLS_NULL_WITH_NULL_NULL",
	TLS_RSA_WITH_AES_128_CBC_SHA:                  "TLS_RSA_WITH_AES_128_CBC_SHA",
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA:              "TLS_DHE_RSA_WITH_AES_128_CBC_SHA",
	TLS_RSA_WITH_AES_256_CBC_SHA:                  "TLS_RSA_WITH_AES_256_CBC_SHA",
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA:              "TLS_DHE_RSA_WITH_AES_256_CBC_SHA",
	TLS_RSA_WITH_AES_128_CBC_SHA256:               "TLS_RSA_WITH_AES_128_CBC_SHA256",
	TLS_RSA_WITH_AES_256_CBC_SHA256:               "TLS_RSA_WITH_AES_256_CBC_SHA256",
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA256:           "TLS_DHE_RSA_WITH_AES_128_CBC_SHA256",
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA256:           "TLS_DHE_RSA_WITH_AES_256_CBC_SHA256",
	TLS_RSA_WITH_AES_128_GCM_SHA256:               "TLS_RSA_WITH_AES_128_GCM_SHA256",
	TLS_RSA_WITH_AES_256_GCM_SHA384:               "TLS_RSA_WITH_AES_256_GCM_SHA384",
	TLS_DHE_RSA_WITH_AES_128_GCM_SHA256:           "TLS_DHE_RSA_WITH_AES_128_GCM_SHA256",
	TLS_DHE_RSA_WITH_AES_256_GCM_SHA384:           "TLS_DHE_RSA_WITH_AES_256_GCM_SHA384",
	TLS_AES_128_GCM_SHA256:                        "TLS_AES_128_GCM_SHA256",
	TLS_AES_256_GCM_SHA384:                        "TLS_AES_256_GCM_SHA384",
	TLS_CHACHA20_POLY1305_SHA256:                  "TLS_CHACHA20_POLY1305_SHA256",
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA:          "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA",
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA:          "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA",
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA:            "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA",
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA:            "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA",
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256:       "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256",
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384:       "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384",
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256:         "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256",
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384:         "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384",
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256:       "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:       "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:         "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384:         "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256:   "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
}

// String returns the IANA name of the suite.
func (s Suite) String() string {
	name, ok := suiteNames[s]
	if ok {
		return name
	}
	return fmt.Sprintf("{Suite 0x%02x,0x%02x}", int(s>>8), int(s&0xff))
}

// Known reports whether the suite has a registered name.
func (s Suite) Known() bool {
	_, ok := suiteNames[s]
	return ok
}

// IsTLS13 reports whether the suite belongs to the TLS 1.3 suite space.
func (s Suite) IsTLS13() bool {
	return s>>8 == 0x13
}

// ParseSuite resolves an IANA suite name or a hex code ("0x009f").
func ParseSuite(name string) (Suite, error) {
	name = strings.TrimSpace(name)
	for code, n := range suiteNames {
		if strings.EqualFold(n, name) {
			return code, nil
		}
	}
	if strings.HasPrefix(name, "0x") || strings.HasPrefix(name, "0X") {
		v, err := strconv.ParseUint(name[2:], 16, 16)
		if err == nil {
			return Suite(v), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSuite, name)
}

// List is an ordered cipher list; index 0 is the most preferred suite.
type List []Suite

// ParseList resolves a list of suite names, keeping their order.
func ParseList(names []string) (List, error) {
	list := make(List, 0, len(names))
	for _, n := range names {
		s, err := ParseSuite(n)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

// Encode returns the list as consecutive 2-byte big-endian codes.
func (l List) Encode() ([]byte, error) {
	if len(l) == 0 {
		return nil, ErrEmptyList
	}

	b := cryptobyte.NewFixedBuilder(make([]byte, 0, len(l)*CodeSize))
	for _, s := range l {
		b.AddUint16(uint16(s))
	}
	return b.Bytes()
}

// Decode parses an encoded cipher list.
func Decode(data []byte) (List, error) {
	if len(data) == 0 {
		return nil, ErrEmptyList
	}
	if len(data)%CodeSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(data))
	}

	s := cryptobyte.String(data)
	list := make(List, 0, len(data)/CodeSize)
	for !s.Empty() {
		var code uint16
		if !s.ReadUint16(&code) {
			return nil, ErrInvalidLength
		}
		list = append(list, Suite(code))
	}
	return list, nil
}

// Contains reports whether the list includes s.
func (l List) Contains(s Suite) bool {
	for _, c := range l {
		if c == s {
			return true
		}
	}
	return false
}

// Strings returns the suite names in order.
func (l List) Strings() []string {
	out := make([]string, len(l))
	for i, s := range l {
		out[i] = s.String()
	}
	return out
}
