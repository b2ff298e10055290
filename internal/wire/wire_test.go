package wire

import (
	"errors"
	"testing"

	"github.com/ggoodman/spsession-go/credentials"
	"github.com/ggoodman/spsession-go/native"
)

func TestEventFrames(t *testing.T) {
	t.Parallel()
	cases := []native.Event{
		native.Connected(),
		native.ConnectionError(errors.New("bad password")),
		native.ConnectionLost(native.ReasonKicked),
		native.LoggedOut(),
		native.Message([]byte("hello")),
		native.CredentialsBlob("alice", "blob"),
	}
	for _, ev := range cases {
		t.Run(ev.Kind.String(), func(t *testing.T) {
			b, err := Encode(FromEvent(ev))
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			f, err := Decode(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			got, err := f.Event()
			if err != nil {
				t.Fatalf("event: %v", err)
			}
			if got.Kind != ev.Kind || got.Reason != ev.Reason || string(got.Payload) != string(ev.Payload) ||
				got.Username != ev.Username || got.Blob != ev.Blob {
				t.Fatalf("got %+v; want %+v", got, ev)
			}
			if ev.Err != nil {
				var pe *PeerError
				if !errors.As(got.Err, &pe) || pe.Message != ev.Err.Error() {
					t.Fatalf("expected PeerError carrying %q, got %v", ev.Err, got.Err)
				}
			}
		})
	}
}

func TestLoginFrameCarriesCredentials(t *testing.T) {
	t.Parallel()
	f := Login(credentials.Password("alice", "s3cret", true), "ua/1")
	b, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TypeLogin || got.UserAgent != "ua/1" {
		t.Fatalf("unexpected frame: %+v", got)
	}
	c := got.Credentials()
	if c.Username != "alice" || c.Password != "s3cret" || !c.RememberMe {
		t.Fatalf("unexpected credentials: %+v", c)
	}
}

func TestDecodeRejectsUnknown(t *testing.T) {
	t.Parallel()
	if _, err := Decode([]byte(`{}`)); !errors.Is(err, ErrUnknownFrame) {
		t.Fatalf("expected ErrUnknownFrame, got %v", err)
	}
	f, err := Decode([]byte(`{"type":"bogus"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := f.Event(); !errors.Is(err, ErrUnknownFrame) {
		t.Fatalf("expected ErrUnknownFrame, got %v", err)
	}
}
