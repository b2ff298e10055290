// Package wsnative implements native.Backend over WebSockets. Each Conn is
// one WebSocket; frames are the JSON envelope shared with redisnative.
//
// Client side
//   - Dials with fortify retry (exponential backoff, jitter); a rejected
//     upgrade is not retried
//   - The application key travels base64 encoded in the X-Spsession-App-Key header
//   - A ping loop keeps the connection alive; writes are serialised
//   - A going-away close frame is reported as connection_lost(server_shutdown),
//     any other read failure as connection_lost(network_error)
//
// Service side
//
// Accept upgrades an incoming request and returns a Peer that reads client
// frames and emits events.
package wsnative
