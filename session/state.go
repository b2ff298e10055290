package session

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateLoggedOut
	StateError
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateLoggedOut:    "logged_out",
	StateError:        "error",
}

var stateFromName = map[string]State{
	"disconnected": StateDisconnected,
	"connecting":   StateConnecting,
	"connected":    StateConnected,
	"logged_out":   StateLoggedOut,
	"error":        StateError,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateLoggedOut || s == StateError
}

// Active reports whether a handle is expected to be live in s.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	if s, ok := stateFromName[name]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
