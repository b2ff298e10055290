// Package memorynative provides an in-process native.Backend that simulates
// the streaming service. It is suitable for tests, examples and local
// development of code built on session.Session.
//
// Characteristics
//
//	Accounts          : username/password pairs registered with WithAccount
//	Remember-me       : HS256 blobs minted by credentials.Issuer, accepted on later logins
//	Handshake         : automatic (optionally delayed) or fully manual via Conn.Emit
//	Ordering          : per-Conn FIFO, delivered from one goroutine per Conn
//	Limits            : WithMaxConns reports native.ErrResourceExhausted
//
// Example:
//
//	svc := memorynative.New(memorynative.WithAccount("alice", "s3cret"))
//	sess, _ := session.New(cfg, svc, listener)
//
// Tests that need to interleave events with caller operations should use
// WithManualHandshake and drive the Conn returned by Accept.
package memorynative
