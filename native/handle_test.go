package native

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/spsession-go/credentials"
)

type fakeConn struct {
	closes atomic.Int32
	err    error
}

func (c *fakeConn) ID() string { return "fake" }
func (c *fakeConn) Login(ctx context.Context, creds credentials.Credentials) error {
	return nil
}
func (c *fakeConn) Send(ctx context.Context, payload []byte) error { return nil }
func (c *fakeConn) Close(ctx context.Context) error {
	c.closes.Add(1)
	return c.err
}

type fakeBackend struct {
	conn *fakeConn
	err  error
	sink Sink
}

func (b *fakeBackend) Name() string { return "fake" }
func (b *fakeBackend) Create(ctx context.Context, cfg Config, sink Sink) (Conn, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.sink = sink
	return b.conn, nil
}

func collect() (PostFunc, func() []Posted) {
	var mu sync.Mutex
	var got []Posted
	post := func(ctx context.Context, p Posted) bool {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		return true
	}
	return post, func() []Posted {
		mu.Lock()
		defer mu.Unlock()
		return append([]Posted(nil), got...)
	}
}

func TestHandle_DestroyIsIdempotent(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{err: errors.New("close failed")}
	post, _ := collect()
	h, err := Open(context.Background(), &fakeBackend{conn: conn}, Config{}, 1, post)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	first := h.Destroy(context.Background())
	for i := 0; i < 5; i++ {
		if err := h.Destroy(context.Background()); err != first {
			t.Fatalf("destroy %d returned %v; want %v", i, err, first)
		}
	}
	if n := conn.closes.Load(); n != 1 {
		t.Fatalf("expected exactly one close, got %d", n)
	}
}

func TestHandle_ConcurrentDestroyClosesOnce(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	post, _ := collect()
	h, err := Open(context.Background(), &fakeBackend{conn: conn}, Config{}, 1, post)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Destroy(context.Background())
		}()
	}
	wg.Wait()
	if n := conn.closes.Load(); n != 1 {
		t.Fatalf("expected exactly one close, got %d", n)
	}
}

func TestHandle_StampsEpochAndStopsAfterRetire(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{conn: &fakeConn{}}
	post, got := collect()
	h, err := Open(context.Background(), b, Config{}, 7, post)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if !b.sink.Deliver(Connected()) {
		t.Fatalf("expected delivery to be accepted")
	}
	h.Retire()
	if b.sink.Deliver(LoggedOut()) {
		t.Fatalf("expected delivery after retire to be refused")
	}
	if err := h.Login(context.Background(), credentials.Password("a", "b", false)); !errors.Is(err, ErrHandleDestroyed) {
		t.Fatalf("expected ErrHandleDestroyed, got %v", err)
	}

	posted := got()
	if len(posted) != 1 {
		t.Fatalf("expected 1 posted event, got %d", len(posted))
	}
	if posted[0].Epoch != 7 || posted[0].HandleID != h.ID() || posted[0].Event.Kind != EventConnected {
		t.Fatalf("unexpected posted event: %+v", posted[0])
	}
}

func TestOpen_ClassifiesErrors(t *testing.T) {
	t.Parallel()
	post, _ := collect()

	_, err := Open(context.Background(), &fakeBackend{err: ErrResourceExhausted}, Config{}, 1, post)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}

	_, err = Open(context.Background(), &fakeBackend{err: errors.New("boom")}, Config{}, 1, post)
	if !errors.Is(err, ErrInitializationFailed) {
		t.Fatalf("expected ErrInitializationFailed, got %v", err)
	}

	_, err = Open(context.Background(), nil, Config{}, 1, post)
	if !errors.Is(err, ErrInitializationFailed) {
		t.Fatalf("expected ErrInitializationFailed for nil backend, got %v", err)
	}
}

func TestLostReason_JSON(t *testing.T) {
	t.Parallel()
	b, err := ReasonKicked.MarshalJSON()
	if err != nil || string(b) != `"kicked"` {
		t.Fatalf("marshal: %s %v", b, err)
	}
	var r LostReason
	if err := r.UnmarshalJSON([]byte(`"network_error"`)); err != nil || r != ReasonNetworkError {
		t.Fatalf("unmarshal: %v %v", r, err)
	}
}
