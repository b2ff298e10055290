package session

import "sync/atomic"

// Trigger is an input to the Machine.
type Trigger int

const (
	TriggerConnect Trigger = iota + 1
	TriggerDisconnect
	TriggerConnected
	TriggerConnectionError
	TriggerConnectionLost
	TriggerLoggedOut
)

var triggerNames = map[Trigger]string{
	TriggerConnect:         "connect",
	TriggerDisconnect:      "disconnect",
	TriggerConnected:       "connected",
	TriggerConnectionError: "connection_error",
	TriggerConnectionLost:  "connection_lost",
	TriggerLoggedOut:       "logged_out",
}

// requested is the state a trigger asks for, used to name the requested
// state in a TransitionError.
var requested = map[Trigger]State{
	TriggerConnect:         StateConnecting,
	TriggerDisconnect:      StateDisconnected,
	TriggerConnected:       StateConnected,
	TriggerConnectionError: StateError,
	TriggerConnectionLost:  StateDisconnected,
	TriggerLoggedOut:       StateLoggedOut,
}

func (t Trigger) String() string {
	if n, ok := triggerNames[t]; ok {
		return n
	}
	return "unknown"
}

type edge struct {
	from    State
	trigger Trigger
}

var transitions = map[edge]State{
	{StateDisconnected, TriggerConnect}:       StateConnecting,
	{StateConnecting, TriggerConnected}:       StateConnected,
	{StateConnecting, TriggerConnectionError}: StateError,
	{StateConnecting, TriggerConnectionLost}:  StateDisconnected,
	{StateConnecting, TriggerDisconnect}:      StateDisconnected,
	{StateConnected, TriggerDisconnect}:       StateDisconnected,
	{StateConnected, TriggerConnectionLost}:   StateDisconnected,
	{StateConnected, TriggerLoggedOut}:        StateLoggedOut,
}

// Next returns the state trigger t leads to from, or a *TransitionError.
func Next(from State, t Trigger) (State, error) {
	if to, ok := transitions[edge{from, t}]; ok {
		return to, nil
	}
	return from, &TransitionError{From: from, Trigger: t}
}

// Machine holds the current State. Fire must only be called from one
// goroutine at a time; State may be called from anywhere.
type Machine struct {
	state atomic.Int32
}

func NewMachine() *Machine { return &Machine{} }

func (m *Machine) State() State { return State(m.state.Load()) }

// Fire applies t. On error the state is unchanged.
func (m *Machine) Fire(t Trigger) (from, to State, err error) {
	from = m.State()
	to, err = Next(from, t)
	if err != nil {
		return from, from, err
	}
	m.state.Store(int32(to))
	return from, to, nil
}
