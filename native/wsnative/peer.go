package wsnative

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/spsession-go/internal/wire"
	"github.com/ggoodman/spsession-go/native"
	"github.com/gorilla/websocket"
)

// ErrMissingAppKey is returned by Accept when the upgrade request carries no
// application key.
var ErrMissingAppKey = errors.New("wsnative: missing app key")

// Peer is the service side of one WebSocket Conn.
type Peer struct {
	ws        *websocket.Conn
	appKey    []byte
	userAgent string
	writeMu   sync.Mutex
}

var upgrader = websocket.Upgrader{
	// Clients are native processes, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Accept upgrades r and returns the service side of the connection. On error
// a response has already been written.
func Accept(w http.ResponseWriter, r *http.Request) (*Peer, error) {
	key, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderAppKey))
	if err != nil || len(key) == 0 {
		http.Error(w, "missing app key", http.StatusUnauthorized)
		return nil, ErrMissingAppKey
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Peer{ws: ws, appKey: key, userAgent: r.UserAgent()}, nil
}

func (p *Peer) AppKey() []byte    { return p.appKey }
func (p *Peer) UserAgent() string { return p.userAgent }

// Recv blocks until the client's next frame arrives. A ctx deadline becomes
// the read deadline; after it expires the Peer is unusable.
func (p *Peer) Recv(ctx context.Context) (wire.Frame, error) {
	if d, ok := ctx.Deadline(); ok {
		_ = p.ws.SetReadDeadline(d)
	} else {
		_ = p.ws.SetReadDeadline(time.Time{})
	}
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	return wire.Decode(data)
}

// Emit sends ev to the client.
func (p *Peer) Emit(ctx context.Context, ev native.Event) error {
	data, err := wire.Encode(wire.FromEvent(ev))
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.ws.SetWriteDeadline(deadline)
	return p.ws.WriteMessage(websocket.TextMessage, data)
}

// Shutdown closes the connection with a going-away close frame, which the
// client reports as connection_lost(server_shutdown).
func (p *Peer) Shutdown() error {
	p.writeMu.Lock()
	_ = p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	p.writeMu.Unlock()
	return p.ws.Close()
}

// Close drops the connection without a close frame.
func (p *Peer) Close() error { return p.ws.Close() }
