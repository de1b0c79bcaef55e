package alert

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestDescriptionAsError(t *testing.T) {
	var desc Description

	err := fmt.Errorf("connect failed: %w", HandshakeFailure)
	if !errors.As(err, &desc) {
		t.Fatalf("%v is not alert.Description", err)
	}
	if desc != HandshakeFailure {
		t.Errorf("desc = %v, want %v", desc, HandshakeFailure)
	}

	err = fmt.Errorf("write failed: %w: %w", io.EOF, BadCertificate)
	if !errors.As(err, &desc) {
		t.Errorf("%v is not alert.Description", err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    Alert
		wantErr bool
	}{
		{"fatal handshake failure", []byte{2, 40}, Alert{LevelFatal, HandshakeFailure}, false},
		{"warning close notify", []byte{1, 0}, Alert{LevelWarning, CloseNotify}, false},
		{"too short", []byte{2}, Alert{}, true},
		{"too long", []byte{2, 40, 0}, Alert{}, true},
		{"bad level", []byte{3, 40}, Alert{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.data)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("Parse(%v) error = %v, want ErrMalformed", tt.data, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%v) error = %v", tt.data, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%v) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestAlertBytesRoundTrip(t *testing.T) {
	a := Alert{Level: LevelFatal, Description: UnknownCA}
	got, err := Parse(a.Bytes())
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if got != a {
		t.Errorf("got %v, want %v", got, a)
	}
}

func TestSupersedes(t *testing.T) {
	fatal := Alert{LevelFatal, HandshakeFailure}
	warning := Alert{LevelWarning, CloseNotify}
	otherFatal := Alert{LevelFatal, BadCertificate}

	if !warning.Supersedes(nil) {
		t.Error("any alert should supersede nothing")
	}
	if warning.Supersedes(&fatal) {
		t.Error("warning must not supersede fatal")
	}
	if !fatal.Supersedes(&warning) {
		t.Error("fatal should supersede warning")
	}
	if !otherFatal.Supersedes(&fatal) {
		t.Error("later fatal should supersede earlier fatal")
	}
}

func TestStrings(t *testing.T) {
	if got := (Alert{LevelFatal, HandshakeFailure}).String(); got != "fatal:handshake_failure" {
		t.Errorf("String() = %q", got)
	}
	if got := fmt.Sprintf("%v", Alert{LevelWarning, CloseNotify}); got != "warning:close_notify" {
		t.Errorf("formatted = %q", got)
	}
	if got := BadCertificate.Error(); got != "tls alert: bad_certificate" {
		t.Errorf("Error() = %q", got)
	}
	if got := Description(255).String(); got != "{Description 255}" {
		t.Errorf("String() = %q", got)
	}
	if CloseNotify.DefaultLevel() != LevelWarning {
		t.Error("close_notify should default to warning")
	}
	if InternalError.DefaultLevel() != LevelFatal {
		t.Error("internal_error should default to fatal")
	}
}
