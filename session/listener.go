package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/spsession-go/native"
)

// Listener receives the asynchronous events of a Session. Callbacks are
// never run concurrently with each other or with a state-changing operation
// of the same Session, and the Session's state already reflects the event
// when a callback runs.
//
// The ctx passed to a callback is bound to the Session's event loop: calling
// back into the same Session with it runs the operation inline. Calling
// back with any other context blocks until that context is done.
type Listener interface {
	OnConnected(ctx context.Context) error
	OnConnectionLost(ctx context.Context, reason native.LostReason) error
	OnLoggedOut(ctx context.Context) error
	OnMessageReceived(ctx context.Context, payload []byte) error
}

// ConnectionErrorListener is implemented by listeners that want to know why
// a handshake failed.
type ConnectionErrorListener interface {
	OnConnectionError(ctx context.Context, err error) error
}

// CredentialsListener is implemented by listeners that want to know when the
// service issued a new remember-me blob.
type CredentialsListener interface {
	OnCredentialsUpdated(ctx context.Context, username string) error
}

// StateListener is implemented by listeners that want every transition.
type StateListener interface {
	OnStateChanged(ctx context.Context, from, to State) error
}

// Funcs adapts a set of functions to Listener and every optional listener
// interface. Nil fields are ignored.
type Funcs struct {
	Connected          func(ctx context.Context) error
	ConnectionLost     func(ctx context.Context, reason native.LostReason) error
	LoggedOut          func(ctx context.Context) error
	MessageReceived    func(ctx context.Context, payload []byte) error
	ConnectionError    func(ctx context.Context, err error) error
	CredentialsUpdated func(ctx context.Context, username string) error
	StateChanged       func(ctx context.Context, from, to State) error
}

func (f Funcs) OnConnected(ctx context.Context) error {
	if f.Connected == nil {
		return nil
	}
	return f.Connected(ctx)
}

func (f Funcs) OnConnectionLost(ctx context.Context, reason native.LostReason) error {
	if f.ConnectionLost == nil {
		return nil
	}
	return f.ConnectionLost(ctx, reason)
}

func (f Funcs) OnLoggedOut(ctx context.Context) error {
	if f.LoggedOut == nil {
		return nil
	}
	return f.LoggedOut(ctx)
}

func (f Funcs) OnMessageReceived(ctx context.Context, payload []byte) error {
	if f.MessageReceived == nil {
		return nil
	}
	return f.MessageReceived(ctx, payload)
}

func (f Funcs) OnConnectionError(ctx context.Context, err error) error {
	if f.ConnectionError == nil {
		return nil
	}
	return f.ConnectionError(ctx, err)
}

func (f Funcs) OnCredentialsUpdated(ctx context.Context, username string) error {
	if f.CredentialsUpdated == nil {
		return nil
	}
	return f.CredentialsUpdated(ctx, username)
}

func (f Funcs) OnStateChanged(ctx context.Context, from, to State) error {
	if f.StateChanged == nil {
		return nil
	}
	return f.StateChanged(ctx, from, to)
}

var (
	_ Listener                = Funcs{}
	_ ConnectionErrorListener = Funcs{}
	_ CredentialsListener     = Funcs{}
	_ StateListener           = Funcs{}
)

// Nop ignores every event.
type Nop struct{}

func (Nop) OnConnected(context.Context) error                        { return nil }
func (Nop) OnConnectionLost(context.Context, native.LostReason) error { return nil }
func (Nop) OnLoggedOut(context.Context) error                        { return nil }
func (Nop) OnMessageReceived(context.Context, []byte) error          { return nil }

// Tee forwards every event to each listener in order. Optional interfaces
// are forwarded to the listeners that implement them. Errors are joined.
func Tee(listeners ...Listener) Listener {
	return tee(listeners)
}

type tee []Listener

func (t tee) each(fn func(Listener) error) error {
	var errs []error
	for _, l := range t {
		if err := fn(l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t tee) OnConnected(ctx context.Context) error {
	return t.each(func(l Listener) error { return l.OnConnected(ctx) })
}

func (t tee) OnConnectionLost(ctx context.Context, reason native.LostReason) error {
	return t.each(func(l Listener) error { return l.OnConnectionLost(ctx, reason) })
}

func (t tee) OnLoggedOut(ctx context.Context) error {
	return t.each(func(l Listener) error { return l.OnLoggedOut(ctx) })
}

func (t tee) OnMessageReceived(ctx context.Context, payload []byte) error {
	return t.each(func(l Listener) error { return l.OnMessageReceived(ctx, payload) })
}

func (t tee) OnConnectionError(ctx context.Context, err error) error {
	return t.each(func(l Listener) error {
		if cl, ok := l.(ConnectionErrorListener); ok {
			return cl.OnConnectionError(ctx, err)
		}
		return nil
	})
}

func (t tee) OnCredentialsUpdated(ctx context.Context, username string) error {
	return t.each(func(l Listener) error {
		if cl, ok := l.(CredentialsListener); ok {
			return cl.OnCredentialsUpdated(ctx, username)
		}
		return nil
	})
}

func (t tee) OnStateChanged(ctx context.Context, from, to State) error {
	return t.each(func(l Listener) error {
		if sl, ok := l.(StateListener); ok {
			return sl.OnStateChanged(ctx, from, to)
		}
		return nil
	})
}

// Notification types produced by Queue.
const (
	NotifyConnected          = "connected"
	NotifyConnectionLost     = "connection_lost"
	NotifyLoggedOut          = "logged_out"
	NotifyMessage            = "message"
	NotifyConnectionError    = "connection_error"
	NotifyCredentialsUpdated = "credentials_updated"
	NotifyStateChanged       = "state_changed"
)

// Notification is a listener event captured by Queue.
type Notification struct {
	Type     string            `json:"type"`
	At       time.Time         `json:"at"`
	Reason   native.LostReason `json:"reason,omitempty"`
	Error    string            `json:"error,omitempty"`
	Payload  []byte            `json:"payload,omitempty"`
	Username string            `json:"username,omitempty"`
	From     *State            `json:"from,omitempty"`
	To       *State            `json:"to,omitempty"`
}

// DefaultQueueSize is the capacity of a Queue created with size <= 0.
const DefaultQueueSize = 64

// Queue is a Listener that turns events into Notifications on a bounded
// channel. When the channel is full the oldest notification is discarded.
type Queue struct {
	mu      sync.Mutex
	ch      chan Notification
	closed  bool
	dropped atomic.Int64
	now     func() time.Time
}

// NewQueue returns a Queue holding up to size notifications.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Notification, size), now: time.Now}
}

// Events yields notifications until Close.
func (q *Queue) Events() <-chan Notification { return q.ch }

// Dropped is the number of notifications discarded because the queue was full.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Close closes the Events channel. Later events are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Push enqueues n, stamping At when unset. It never blocks.
func (q *Queue) Push(n Notification) {
	if n.At.IsZero() {
		n.At = q.now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- n:
		return
	default:
	}
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.ch <- n:
	default:
		q.dropped.Add(1)
	}
}

func (q *Queue) OnConnected(context.Context) error {
	q.Push(Notification{Type: NotifyConnected})
	return nil
}

func (q *Queue) OnConnectionLost(_ context.Context, reason native.LostReason) error {
	q.Push(Notification{Type: NotifyConnectionLost, Reason: reason})
	return nil
}

func (q *Queue) OnLoggedOut(context.Context) error {
	q.Push(Notification{Type: NotifyLoggedOut})
	return nil
}

func (q *Queue) OnMessageReceived(_ context.Context, payload []byte) error {
	q.Push(Notification{Type: NotifyMessage, Payload: append([]byte(nil), payload...)})
	return nil
}

func (q *Queue) OnConnectionError(_ context.Context, err error) error {
	n := Notification{Type: NotifyConnectionError}
	if err != nil {
		n.Error = err.Error()
	}
	q.Push(n)
	return nil
}

func (q *Queue) OnCredentialsUpdated(_ context.Context, username string) error {
	q.Push(Notification{Type: NotifyCredentialsUpdated, Username: username})
	return nil
}

func (q *Queue) OnStateChanged(_ context.Context, from, to State) error {
	q.Push(Notification{Type: NotifyStateChanged, From: &from, To: &to})
	return nil
}

var (
	_ Listener                = (*Queue)(nil)
	_ ConnectionErrorListener = (*Queue)(nil)
	_ CredentialsListener     = (*Queue)(nil)
	_ StateListener           = (*Queue)(nil)
)
