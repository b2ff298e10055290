package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStateTransition is matched by every *TransitionError.
	ErrInvalidStateTransition = errors.New("session: invalid state transition")
	// ErrAlreadyConnecting is returned by Connect while a connect is in flight.
	ErrAlreadyConnecting = errors.New("session: already connecting")
	// ErrAlreadyConnected is returned by Connect while connected.
	ErrAlreadyConnected = errors.New("session: already connected")
	// ErrNotConnected is returned by operations that require StateConnected.
	ErrNotConnected = errors.New("session: not connected")
	// ErrConnectAborted is returned by a Connect that was overtaken by a
	// Disconnect, a connection loss or Close before its login started.
	ErrConnectAborted = errors.New("session: connect aborted")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session: closed")
	// ErrListenerDispatch wraps errors and panics raised by a Listener.
	ErrListenerDispatch = errors.New("session: listener dispatch failed")
	// ErrNoRememberedCredentials is returned by Relogin when nothing is
	// remembered.
	ErrNoRememberedCredentials = errors.New("session: no remembered credentials")
)

// TransitionError reports a trigger that is not allowed from the current
// state. It matches ErrInvalidStateTransition, and for a connect while
// connecting or connected, ErrAlreadyConnecting or ErrAlreadyConnected.
type TransitionError struct {
	From    State
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: invalid state transition from %s to %s (%s)", e.From, requested[e.Trigger], e.Trigger)
}

func (e *TransitionError) Is(target error) bool {
	switch target {
	case ErrInvalidStateTransition:
		return true
	case ErrAlreadyConnecting:
		return e.Trigger == TriggerConnect && e.From == StateConnecting
	case ErrAlreadyConnected:
		return e.Trigger == TriggerConnect && e.From == StateConnected
	}
	return false
}
