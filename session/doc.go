// Package session manages the lifecycle of one connection to a streaming
// service: the state machine, the native handle and the delivery of the
// service's asynchronous events to an application Listener.
//
// # States
//
//	Disconnected --connect--> Connecting --connected--> Connected
//	Connecting   --connection_error--> Error        (terminal)
//	Connecting   --connection_lost | disconnect--> Disconnected
//	Connected    --connection_lost | disconnect--> Disconnected
//	Connected    --logged_out--> LoggedOut          (terminal)
//
// A Session in Error or LoggedOut cannot be reused; build a new one.
//
// # Event loop
//
// Each Session runs one goroutine that owns the state machine. Caller
// operations (Connect, Disconnect, SendMessage) and native events are
// serialized through it, so listener callbacks never overlap each other or a
// state change. The context passed to a callback is bound to that loop and
// calling back into the Session with it runs inline:
//
//	l := session.Funcs{
//	    Connected: func(ctx context.Context) error {
//	        return s.SendMessage(ctx, []byte("hello"))
//	    },
//	}
//
// # Epochs
//
// Every handle is stamped with an epoch. Once a handle is torn down its
// events no longer match the live epoch and are dropped before they reach
// the state machine, so a late "connected" from a disconnected attempt is
// never observed.
//
// # Remember me
//
// When the service issues a credential blob the Session stores it in a
// credstore.Store (rooted at native.Config.CachePath by default). Relogin
// connects with it; ForgetMe discards it.
package session
