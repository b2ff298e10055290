// Package wire is the JSON frame format spoken between a client Conn and a
// remote service peer by the redis and websocket backends.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/spsession-go/credentials"
	"github.com/ggoodman/spsession-go/native"
)

// Upstream frame types (client -> peer).
const (
	TypeLogin = "login"
	TypeSend  = "send"
	TypeClose = "close"
)

var ErrUnknownFrame = errors.New("wire: unknown frame type")

// Frame is a single message in either direction. Downstream frames use the
// native.EventKind names as their Type.
type Frame struct {
	Type       string            `json:"type"`
	Reason     native.LostReason `json:"reason,omitempty"`
	Error      string            `json:"error,omitempty"`
	Payload    []byte            `json:"payload,omitempty"`
	Username   string            `json:"username,omitempty"`
	Password   string            `json:"password,omitempty"`
	Blob       string            `json:"blob,omitempty"`
	RememberMe bool              `json:"remember_me,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
}

// PeerError is the error carried by a connection_error frame.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string { return "peer: " + e.Message }

// Login builds the upstream login frame.
func Login(creds credentials.Credentials, userAgent string) Frame {
	return Frame{
		Type:       TypeLogin,
		Username:   creds.Username,
		Password:   creds.Password,
		Blob:       creds.Blob,
		RememberMe: creds.RememberMe,
		UserAgent:  userAgent,
	}
}

// Credentials extracts the credentials of a login frame.
func (f Frame) Credentials() credentials.Credentials {
	return credentials.Credentials{
		Username:   f.Username,
		Password:   f.Password,
		Blob:       f.Blob,
		RememberMe: f.RememberMe,
	}
}

// FromEvent builds the downstream frame for ev.
func FromEvent(ev native.Event) Frame {
	f := Frame{Type: ev.Kind.String()}
	switch ev.Kind {
	case native.EventConnectionLost:
		f.Reason = ev.Reason
	case native.EventConnectionError:
		if ev.Err != nil {
			f.Error = ev.Err.Error()
		} else {
			f.Error = "unknown error"
		}
	case native.EventMessage:
		f.Payload = ev.Payload
	case native.EventCredentialsBlob:
		f.Username = ev.Username
		f.Blob = ev.Blob
	}
	return f
}

// Event converts a downstream frame back into a native.Event.
func (f Frame) Event() (native.Event, error) {
	kind, ok := native.ParseEventKind(f.Type)
	if !ok {
		return native.Event{}, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
	switch kind {
	case native.EventConnected:
		return native.Connected(), nil
	case native.EventConnectionError:
		return native.ConnectionError(&PeerError{Message: f.Error}), nil
	case native.EventConnectionLost:
		return native.ConnectionLost(f.Reason), nil
	case native.EventLoggedOut:
		return native.LoggedOut(), nil
	case native.EventMessage:
		return native.Message(f.Payload), nil
	default:
		return native.CredentialsBlob(f.Username, f.Blob), nil
	}
}

func Encode(f Frame) ([]byte, error) { return json.Marshal(f) }

func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrUnknownFrame)
	}
	return f, nil
}
