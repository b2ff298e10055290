package controlhttp

import (
	"context"
	"sync"

	"github.com/ggoodman/spsession-go/native"
	"github.com/ggoodman/spsession-go/session"
)

// Hub is a session.Listener that fans every event out to its subscribers.
// Each subscriber gets its own bounded session.Queue, so a slow reader loses
// its oldest notifications instead of stalling the session.
type Hub struct {
	mu        sync.Mutex
	subs      map[*session.Queue]struct{}
	queueSize int
}

// NewHub returns a Hub whose subscriber queues hold queueSize notifications.
func NewHub(queueSize int) *Hub {
	return &Hub{subs: make(map[*session.Queue]struct{}), queueSize: queueSize}
}

// Subscribe registers a new subscriber. The returned func unregisters it and
// closes its queue.
func (h *Hub) Subscribe() (*session.Queue, func()) {
	q := session.NewQueue(h.queueSize)
	h.mu.Lock()
	h.subs[q] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return q, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, q)
			h.mu.Unlock()
			q.Close()
		})
	}
}

// Subscribers is the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) each(fn func(q *session.Queue)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for q := range h.subs {
		fn(q)
	}
}

func (h *Hub) OnConnected(ctx context.Context) error {
	h.each(func(q *session.Queue) { _ = q.OnConnected(ctx) })
	return nil
}

func (h *Hub) OnConnectionLost(ctx context.Context, reason native.LostReason) error {
	h.each(func(q *session.Queue) { _ = q.OnConnectionLost(ctx, reason) })
	return nil
}

func (h *Hub) OnLoggedOut(ctx context.Context) error {
	h.each(func(q *session.Queue) { _ = q.OnLoggedOut(ctx) })
	return nil
}

func (h *Hub) OnMessageReceived(ctx context.Context, payload []byte) error {
	h.each(func(q *session.Queue) { _ = q.OnMessageReceived(ctx, payload) })
	return nil
}

func (h *Hub) OnConnectionError(ctx context.Context, err error) error {
	h.each(func(q *session.Queue) { _ = q.OnConnectionError(ctx, err) })
	return nil
}

func (h *Hub) OnCredentialsUpdated(ctx context.Context, username string) error {
	h.each(func(q *session.Queue) { _ = q.OnCredentialsUpdated(ctx, username) })
	return nil
}

func (h *Hub) OnStateChanged(ctx context.Context, from, to session.State) error {
	h.each(func(q *session.Queue) { _ = q.OnStateChanged(ctx, from, to) })
	return nil
}

var (
	_ session.Listener                = (*Hub)(nil)
	_ session.ConnectionErrorListener = (*Hub)(nil)
	_ session.CredentialsListener     = (*Hub)(nil)
	_ session.StateListener           = (*Hub)(nil)
)
