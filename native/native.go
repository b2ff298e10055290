package native

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ggoodman/spsession-go/credentials"
)

var (
	// ErrResourceExhausted indicates the backend refused to allocate another
	// connection resource.
	ErrResourceExhausted = errors.New("native: resource exhausted")
	// ErrInitializationFailed indicates the connection resource could not be
	// created, e.g. because of a bad application key or unreachable peer.
	ErrInitializationFailed = errors.New("native: initialization failed")
	// ErrHandleDestroyed is returned by operations on a destroyed handle.
	ErrHandleDestroyed = errors.New("native: handle destroyed")
)

// Config is the construction configuration handed verbatim to
// Backend.Create.
type Config struct {
	// AppKey is the application credential blob issued by the service.
	AppKey []byte
	// UserAgent identifies the client application to the service.
	UserAgent string
	// CachePath is an optional directory for persistent client state.
	CachePath string
}

// Backend is the native layer a session drives. Implementations own the
// actual connection resource and report asynchronous outcomes through the
// Sink supplied at creation.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// Create allocates a connection resource. It must not perform the login
	// handshake. Events for the resulting Conn are delivered to sink, from any
	// goroutine, in the order the backend observed them.
	Create(ctx context.Context, cfg Config, sink Sink) (Conn, error)
}

// Conn is one connection resource created by a Backend.
type Conn interface {
	ID() string
	// Login initiates the asynchronous handshake and returns without waiting
	// for it. The outcome is reported as EventConnected or
	// EventConnectionError.
	Login(ctx context.Context, creds credentials.Credentials) error
	// Send forwards an application message to the peer.
	Send(ctx context.Context, payload []byte) error
	// Close tears the resource down. After Close returns no further events
	// are delivered.
	Close(ctx context.Context) error
}

// Sink receives events from a Conn. Deliver may block until the event is
// accepted and returns false once the receiver no longer accepts events for
// the Conn; the backend should stop delivering at that point.
type Sink interface {
	Deliver(ev Event) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) bool

func (f SinkFunc) Deliver(ev Event) bool { return f(ev) }

// EventKind classifies events reported by a Conn.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventConnectionError
	EventConnectionLost
	EventLoggedOut
	EventMessage
	EventCredentialsBlob
)

var eventKindNames = map[EventKind]string{
	EventConnected:       "connected",
	EventConnectionError: "connection_error",
	EventConnectionLost:  "connection_lost",
	EventLoggedOut:       "logged_out",
	EventMessage:         "message",
	EventCredentialsBlob: "credentials_blob",
}

var eventKindFromName = map[string]EventKind{
	"connected":        EventConnected,
	"connection_error": EventConnectionError,
	"connection_lost":  EventConnectionLost,
	"logged_out":       EventLoggedOut,
	"message":          EventMessage,
	"credentials_blob": EventCredentialsBlob,
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, bool) {
	k, ok := eventKindFromName[s]
	return k, ok
}

// LostReason explains an EventConnectionLost.
type LostReason int

const (
	ReasonUnknown LostReason = iota
	ReasonNetworkError
	ReasonServerShutdown
	ReasonKicked
)

var lostReasonNames = map[LostReason]string{
	ReasonUnknown:        "unknown",
	ReasonNetworkError:   "network_error",
	ReasonServerShutdown: "server_shutdown",
	ReasonKicked:         "kicked",
}

var lostReasonFromName = map[string]LostReason{
	"unknown":         ReasonUnknown,
	"network_error":   ReasonNetworkError,
	"server_shutdown": ReasonServerShutdown,
	"kicked":          ReasonKicked,
}

func (r LostReason) String() string {
	if s, ok := lostReasonNames[r]; ok {
		return s
	}
	return "unknown"
}

// ParseLostReason maps a reason name to a LostReason; unknown names map to
// ReasonUnknown.
func ParseLostReason(s string) LostReason {
	return lostReasonFromName[s]
}

func (r LostReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *LostReason) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = ParseLostReason(s)
	return nil
}

// Event is a single asynchronous notification from a Conn. Which fields are
// meaningful depends on Kind.
type Event struct {
	Kind EventKind
	// Reason is set for EventConnectionLost.
	Reason LostReason
	// Err is set for EventConnectionError.
	Err error
	// Payload is set for EventMessage.
	Payload []byte
	// Username and Blob are set for EventCredentialsBlob.
	Username string
	Blob     string
}

// Connected, ConnectionError, ConnectionLost, LoggedOut, Message and
// CredentialsBlob build events.
func Connected() Event { return Event{Kind: EventConnected} }

func ConnectionError(err error) Event { return Event{Kind: EventConnectionError, Err: err} }

func ConnectionLost(reason LostReason) Event {
	return Event{Kind: EventConnectionLost, Reason: reason}
}

func LoggedOut() Event { return Event{Kind: EventLoggedOut} }

func Message(payload []byte) Event {
	return Event{Kind: EventMessage, Payload: append([]byte(nil), payload...)}
}

func CredentialsBlob(username, blob string) Event {
	return Event{Kind: EventCredentialsBlob, Username: username, Blob: blob}
}
