package memorynative

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/spsession-go/credentials"
	"github.com/ggoodman/spsession-go/native"
	"github.com/ggoodman/spsession-go/native/nativetest"
)

type peer struct{ c *Conn }

func (p peer) Recv(ctx context.Context) (nativetest.Request, error) {
	select {
	case <-ctx.Done():
		return nativetest.Request{}, ctx.Err()
	case r := <-p.c.Requests():
		return nativetest.Request{Type: r.Type, Credentials: r.Credentials, Payload: r.Payload}, nil
	}
}

func (p peer) Emit(ctx context.Context, ev native.Event) error { return p.c.Emit(ev) }

func TestMemoryBackend(t *testing.T) {
	nativetest.RunBackendTests(t, func(t *testing.T) nativetest.Harness {
		svc := New(WithManualHandshake())
		return nativetest.Harness{
			Backend: svc,
			Accept: func(ctx context.Context) (nativetest.Peer, error) {
				c, err := svc.Accept(ctx)
				if err != nil {
					return nil, err
				}
				return peer{c}, nil
			},
		}
	})
}

func sinkChan() (native.Sink, chan native.Event) {
	ch := make(chan native.Event, 16)
	return native.SinkFunc(func(ev native.Event) bool {
		ch <- ev
		return true
	}), ch
}

func next(t *testing.T, ch <-chan native.Event) native.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return native.Event{}
	}
}

func TestAutomaticHandshake(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	svc := New(WithAccount("alice", "s3cret"))

	sink, events := sinkChan()
	conn, err := svc.Create(ctx, nativetest.TestConfig(), sink)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer conn.Close(context.Background())

	if err := conn.Login(ctx, credentials.Password("alice", "wrong", false)); err != nil {
		t.Fatalf("login: %v", err)
	}
	ev := next(t, events)
	if ev.Kind != native.EventConnectionError || !errors.Is(ev.Err, ErrBadCredentials) {
		t.Fatalf("expected bad credentials, got %+v", ev)
	}

	if err := conn.Login(ctx, credentials.Password("alice", "s3cret", false)); err != nil {
		t.Fatalf("login: %v", err)
	}
	if ev := next(t, events); ev.Kind != native.EventConnected {
		t.Fatalf("expected connected, got %+v", ev)
	}
}

func TestRememberMeIssuesUsableBlob(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	svc := New(WithAccount("alice", "s3cret"))

	sink, events := sinkChan()
	conn, err := svc.Create(ctx, nativetest.TestConfig(), sink)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := conn.Login(ctx, credentials.Password("alice", "s3cret", true)); err != nil {
		t.Fatalf("login: %v", err)
	}
	if ev := next(t, events); ev.Kind != native.EventConnected {
		t.Fatalf("expected connected, got %+v", ev)
	}
	ev := next(t, events)
	if ev.Kind != native.EventCredentialsBlob || ev.Username != "alice" || ev.Blob == "" {
		t.Fatalf("expected credentials blob, got %+v", ev)
	}
	_ = conn.Close(ctx)

	sink2, events2 := sinkChan()
	conn2, err := svc.Create(ctx, nativetest.TestConfig(), sink2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer conn2.Close(context.Background())
	if err := conn2.Login(ctx, credentials.FromBlob("alice", ev.Blob)); err != nil {
		t.Fatalf("blob login: %v", err)
	}
	if got := next(t, events2); got.Kind != native.EventConnected {
		t.Fatalf("expected blob login to connect, got %+v", got)
	}

	if err := conn2.Login(ctx, credentials.FromBlob("mallory", ev.Blob)); err != nil {
		t.Fatalf("blob login: %v", err)
	}
	if got := next(t, events2); got.Kind != native.EventConnectionError {
		t.Fatalf("expected blob for another user to be rejected, got %+v", got)
	}
}

func TestMaxConns(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	svc := New(WithMaxConns(1))
	sink, _ := sinkChan()

	c1, err := svc.Create(ctx, nativetest.TestConfig(), sink)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, nativetest.TestConfig(), sink); !errors.Is(err, native.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if err := c1.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if svc.OpenConns() != 0 {
		t.Fatalf("expected no open conns after close")
	}
	c2, err := svc.Create(ctx, nativetest.TestConfig(), sink)
	if err != nil {
		t.Fatalf("create after close: %v", err)
	}
	_ = c2.Close(ctx)
}

func TestEcho(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	svc := New(WithAccount("alice", "s3cret"), WithEcho())
	sink, events := sinkChan()
	conn, err := svc.Create(ctx, nativetest.TestConfig(), sink)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer conn.Close(context.Background())

	if err := conn.Send(ctx, []byte("early")); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
	if err := conn.Login(ctx, credentials.Password("alice", "s3cret", false)); err != nil {
		t.Fatalf("login: %v", err)
	}
	next(t, events)
	if err := conn.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ev := next(t, events); ev.Kind != native.EventMessage || string(ev.Payload) != "hello" {
		t.Fatalf("expected echo, got %+v", ev)
	}
}
