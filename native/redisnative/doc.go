// Package redisnative implements native.Backend on top of Redis Streams, for
// deployments where the service side runs in another process and both ends
// share a Redis instance.
//
// Design Notes
//   - Registry: every Conn is announced on <prefix>conns (approximate MAXLEN trimming)
//   - Upstream: <prefix>up:<id> carries login, send and close frames
//   - Downstream: <prefix>down:<id> carries event frames, read with XREAD from "0"
//   - Frames are the JSON envelope shared with wsnative
//   - A read error other than cancellation is reported as connection_lost(network_error)
//
// The service side is exposed through Backend.Accept, which yields a Peer per
// registered Conn.
//
// Example:
//
//	b, _ := redisnative.NewFromEnv()
//	defer b.Close()
//	sess, _ := session.New(cfg, b, listener)
package redisnative
