package native

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/spsession-go/credentials"
	"github.com/google/uuid"
)

// Posted is an Event stamped with the epoch of the handle that produced it.
type Posted struct {
	Epoch    uint64
	HandleID string
	Event    Event
}

// PostFunc forwards a Posted event to its owner. It must return false
// without blocking forever once ctx is done.
type PostFunc func(ctx context.Context, p Posted) bool

// Handle owns exactly one Conn. It stamps the Conn's events with an epoch
// token and guarantees the Conn is closed at most once.
type Handle struct {
	id      string
	epoch   uint64
	backend string
	conn    Conn
	post    PostFunc

	ctx    context.Context
	cancel context.CancelFunc

	retired    atomic.Bool
	closeOnce  sync.Once
	destroyErr error
}

var _ Sink = (*Handle)(nil)

// Open creates a Conn on b and wraps it in a Handle. Errors that do not
// already match ErrResourceExhausted or ErrInitializationFailed are wrapped
// with ErrInitializationFailed.
func Open(ctx context.Context, b Backend, cfg Config, epoch uint64, post PostFunc) (*Handle, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInitializationFailed)
	}
	if post == nil {
		return nil, fmt.Errorf("%w: nil post func", ErrInitializationFailed)
	}
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		id:      uuid.NewString(),
		epoch:   epoch,
		backend: b.Name(),
		post:    post,
		ctx:     hctx,
		cancel:  cancel,
	}
	conn, err := b.Create(ctx, cfg, h)
	if err != nil {
		cancel()
		if errors.Is(err, ErrResourceExhausted) || errors.Is(err, ErrInitializationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInitializationFailed, err)
	}
	if conn == nil {
		cancel()
		return nil, fmt.Errorf("%w: backend returned nil conn", ErrInitializationFailed)
	}
	h.conn = conn
	return h, nil
}

func (h *Handle) ID() string      { return h.id }
func (h *Handle) Epoch() uint64   { return h.epoch }
func (h *Handle) Backend() string { return h.backend }

// ConnID is the backend's identifier for the underlying Conn.
func (h *Handle) ConnID() string { return h.conn.ID() }

// Retired reports whether Retire or Destroy has been called.
func (h *Handle) Retired() bool { return h.retired.Load() }

// Deliver implements Sink for the wrapped Conn.
func (h *Handle) Deliver(ev Event) bool {
	if h.retired.Load() {
		return false
	}
	return h.post(h.ctx, Posted{Epoch: h.epoch, HandleID: h.id, Event: ev})
}

// Login starts the Conn's handshake.
func (h *Handle) Login(ctx context.Context, creds credentials.Credentials) error {
	if h.retired.Load() {
		return ErrHandleDestroyed
	}
	return h.conn.Login(ctx, creds)
}

// Send forwards payload to the peer.
func (h *Handle) Send(ctx context.Context, payload []byte) error {
	if h.retired.Load() {
		return ErrHandleDestroyed
	}
	return h.conn.Send(ctx, payload)
}

// Retire stops event delivery without closing the Conn. It never blocks and
// is safe to call any number of times.
func (h *Handle) Retire() {
	h.retired.Store(true)
	h.cancel()
}

// Destroy retires the handle and closes the Conn. Only the first call
// closes; every call returns the result of that close.
func (h *Handle) Destroy(ctx context.Context) error {
	h.Retire()
	h.closeOnce.Do(func() {
		h.destroyErr = h.conn.Close(ctx)
	})
	return h.destroyErr
}
