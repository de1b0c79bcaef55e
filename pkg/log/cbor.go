package log

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Events are written as a plain concatenation of CBOR items with integer
// keys. Timestamps keep nanoseconds so records of one handshake stay
// ordered when several sessions share a file.
var (
	encMode = mustEncMode(cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	})
	decMode = mustDecMode(cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyQuiet,
		IndefLength:     cbor.IndefLengthAllowed,
		MaxNestedLevels: 16,
	})
)

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	m, err := opts.EncMode()
	if err != nil {
		panic("log: cbor encoder options: " + err.Error())
	}
	return m
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	m, err := opts.DecMode()
	if err != nil {
		panic("log: cbor decoder options: " + err.Error())
	}
	return m
}

// EncodeEvent returns the CBOR encoding of event.
func EncodeEvent(event Event) ([]byte, error) {
	return encMode.Marshal(event)
}

// DecodeEvent decodes one CBOR item into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	err := decMode.Unmarshal(data, &event)
	return event, err
}

func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
