// Package native defines the contract between a session and the layer that
// actually talks to the streaming service, plus the Handle type that owns one
// connection resource for its whole lifetime.
//
// Layers & Roles
//
//	session.Session -> state machine + serialized listener dispatch
//	native.Handle   -> single owner of one Conn; epoch stamping; idempotent destroy
//	native.Backend  -> creates Conns and reports their events from its own goroutines
//
// # Implementations
//
//	memorynative : in-process simulated service for tests and examples
//	redisnative  : peer reached through Redis Streams (one stream per direction)
//	wsnative     : peer reached through a WebSocket
//
// Backends are free to deliver events from any goroutine. Delivery blocks
// until the owning session accepts the event or the handle is retired, so a
// backend must never deliver while holding a lock that Close also needs.
package native
