package gotls

import (
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/cryptobyte"

	"github.com/mash-protocol/mash-tls/pkg/alert"
	"github.com/mash-protocol/mash-tls/pkg/engine"
)

const (
	recordHeaderSize = 5
	maxRecordBody    = 1<<14 + 2048
)

// recordingConn tees the raw bytes of a net.Conn to the debug callback and
// splits them into TLS records for the message callback.
type recordingConn struct {
	net.Conn
	debug engine.DebugFunc
	in    recordSplitter
	out   recordSplitter
}

func newRecordingConn(nc net.Conn, cb engine.Callbacks) *recordingConn {
	return &recordingConn{
		Conn:  nc,
		debug: cb.Debug,
		in:    recordSplitter{write: false, fn: cb.Message},
		out:   recordSplitter{write: true, fn: cb.Message},
	}
}

func (r *recordingConn) Read(p []byte) (int, error) {
	n, err := r.Conn.Read(p)
	if n > 0 {
		if r.debug != nil {
			r.debug(false, p[:n])
		}
		r.in.feed(p[:n])
	}
	return n, err
}

func (r *recordingConn) Write(p []byte) (int, error) {
	n, err := r.Conn.Write(p)
	if n > 0 {
		if r.debug != nil {
			r.debug(true, p[:n])
		}
		r.out.feed(p[:n])
	}
	return n, err
}

// recordSplitter reassembles one direction of the byte stream into TLS
// records. It counts the plaintext alerts it sees so that callers can tell
// whether an alert still needs to be reported.
type recordSplitter struct {
	write bool
	fn    engine.MessageFunc

	mu     sync.Mutex
	buf    []byte
	alerts atomic.Int32
}

func (s *recordSplitter) feed(data []byte) {
	if s.fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, data...)
	for {
		in := cryptobyte.String(s.buf)
		var typ uint8
		var version uint16
		var body cryptobyte.String
		if !in.ReadUint8(&typ) || !in.ReadUint16(&version) {
			break
		}
		if typ < 20 || typ > 24 {
			// Not TLS, or lost framing; nothing sensible to report.
			s.buf = s.buf[:0]
			return
		}
		if !in.ReadUint16LengthPrefixed(&body) {
			if len(s.buf) > recordHeaderSize+maxRecordBody {
				s.buf = s.buf[:0]
			}
			break
		}
		if typ == alert.ContentType && len(body) == alert.RecordSize {
			s.alerts.Add(1)
		}
		s.fn(s.write, version, typ, body)
		s.buf = s.buf[len(s.buf)-len(in):]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
}

// report emits a record the wire did not show in the clear.
func (s *recordSplitter) report(version uint16, a alert.Alert) {
	if s.fn == nil {
		return
	}
	s.fn(s.write, version, alert.ContentType, a.Bytes())
}
