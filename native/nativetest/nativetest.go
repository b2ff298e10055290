// Package nativetest is a conformance suite for native.Backend
// implementations. Each backend test supplies a Factory returning the backend
// under test and a way to reach the service side of the Conns it creates.
package nativetest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/spsession-go/credentials"
	"github.com/ggoodman/spsession-go/native"
)

// Request types a Peer reports.
const (
	RequestLogin = "login"
	RequestSend  = "send"
	RequestClose = "close"
)

// Request is one call the client made, as observed by the service side.
type Request struct {
	Type        string
	Credentials credentials.Credentials
	Payload     []byte
}

// Peer is the service side of one Conn.
type Peer interface {
	// Recv blocks until the client's next request arrives.
	Recv(ctx context.Context) (Request, error)
	// Emit sends ev to the client.
	Emit(ctx context.Context, ev native.Event) error
}

// Harness is what a Factory returns.
type Harness struct {
	Backend native.Backend
	// Accept returns the Peer of the next Conn Backend creates.
	Accept func(ctx context.Context) (Peer, error)
}

// Factory creates a fresh Harness for a single subtest.
type Factory func(t *testing.T) Harness

// RunBackendTests runs the complete native.Backend suite against factory.
func RunBackendTests(t *testing.T, factory Factory) {
	t.Run("Login_RoundTrip", func(t *testing.T) { testLoginRoundTrip(t, factory) })
	t.Run("Login_Rejected", func(t *testing.T) { testLoginRejected(t, factory) })
	t.Run("Events_DeliveredInOrder", func(t *testing.T) { testEventsInOrder(t, factory) })
	t.Run("Events_CredentialsBlob", func(t *testing.T) { testCredentialsBlob(t, factory) })
	t.Run("Send_ReachesPeer", func(t *testing.T) { testSendReachesPeer(t, factory) })
	t.Run("Close_StopsDelivery", func(t *testing.T) { testCloseStopsDelivery(t, factory) })
	t.Run("Create_RequiresAppKey", func(t *testing.T) { testCreateRequiresAppKey(t, factory) })
}

// TestConfig is the native.Config the suite creates Conns with.
func TestConfig() native.Config {
	return native.Config{AppKey: []byte("nativetest-app-key"), UserAgent: "nativetest/1.0"}
}

type recorder struct {
	events chan native.Event
}

func newRecorder() *recorder { return &recorder{events: make(chan native.Event, 64)} }

func (r *recorder) Deliver(ev native.Event) bool {
	r.events <- ev
	return true
}

func (r *recorder) next(t *testing.T, ctx context.Context) native.Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-ctx.Done():
		t.Fatalf("timed out waiting for event: %v", ctx.Err())
		return native.Event{}
	}
}

type fixture struct {
	h    Harness
	conn native.Conn
	peer Peer
	rec  *recorder
}

func setup(t *testing.T, ctx context.Context, factory Factory) *fixture {
	t.Helper()
	h := factory(t)
	rec := newRecorder()
	conn, err := h.Backend.Create(ctx, TestConfig(), rec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	peer, err := h.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return &fixture{h: h, conn: conn, peer: peer, rec: rec}
}

func (f *fixture) login(t *testing.T, ctx context.Context, creds credentials.Credentials) Request {
	t.Helper()
	if err := f.conn.Login(ctx, creds); err != nil {
		t.Fatalf("login: %v", err)
	}
	req, err := f.peer.Recv(ctx)
	if err != nil {
		t.Fatalf("recv login: %v", err)
	}
	if req.Type != RequestLogin {
		t.Fatalf("expected login request, got %q", req.Type)
	}
	return req
}

func testLoginRoundTrip(t *testing.T, factory Factory) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := setup(t, ctx, factory)

	req := f.login(t, ctx, credentials.Password("alice", "s3cret", true))
	if req.Credentials.Username != "alice" || req.Credentials.Password != "s3cret" || !req.Credentials.RememberMe {
		t.Fatalf("peer saw unexpected credentials: %+v", req.Credentials)
	}

	if err := f.peer.Emit(ctx, native.Connected()); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if ev := f.rec.next(t, ctx); ev.Kind != native.EventConnected {
		t.Fatalf("expected connected, got %v", ev.Kind)
	}
}

func testLoginRejected(t *testing.T, factory Factory) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := setup(t, ctx, factory)

	f.login(t, ctx, credentials.Password("alice", "wrong", false))
	if err := f.peer.Emit(ctx, native.ConnectionError(errors.New("bad credentials"))); err != nil {
		t.Fatalf("emit: %v", err)
	}
	ev := f.rec.next(t, ctx)
	if ev.Kind != native.EventConnectionError {
		t.Fatalf("expected connection_error, got %v", ev.Kind)
	}
	if ev.Err == nil {
		t.Fatalf("expected connection_error to carry an error")
	}
}

func testEventsInOrder(t *testing.T, factory Factory) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := setup(t, ctx, factory)
	f.login(t, ctx, credentials.Password("alice", "s3cret", false))

	want := []native.Event{
		native.Connected(),
		native.Message([]byte("one")),
		native.Message([]byte("two")),
		native.Message([]byte("three")),
		native.ConnectionLost(native.ReasonKicked),
	}
	for _, ev := range want {
		if err := f.peer.Emit(ctx, ev); err != nil {
			t.Fatalf("emit %v: %v", ev.Kind, err)
		}
	}
	for i, w := range want {
		got := f.rec.next(t, ctx)
		if got.Kind != w.Kind || !bytes.Equal(got.Payload, w.Payload) || got.Reason != w.Reason {
			t.Fatalf("event %d: got %+v; want %+v", i, got, w)
		}
	}
}

func testCredentialsBlob(t *testing.T, factory Factory) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := setup(t, ctx, factory)
	f.login(t, ctx, credentials.Password("alice", "s3cret", true))

	if err := f.peer.Emit(ctx, native.CredentialsBlob("alice", "opaque-blob")); err != nil {
		t.Fatalf("emit: %v", err)
	}
	ev := f.rec.next(t, ctx)
	if ev.Kind != native.EventCredentialsBlob || ev.Username != "alice" || ev.Blob != "opaque-blob" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func testSendReachesPeer(t *testing.T, factory Factory) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := setup(t, ctx, factory)
	f.login(t, ctx, credentials.Password("alice", "s3cret", false))
	if err := f.peer.Emit(ctx, native.Connected()); err != nil {
		t.Fatalf("emit: %v", err)
	}
	f.rec.next(t, ctx)

	if err := f.conn.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	req, err := f.peer.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if req.Type != RequestSend || string(req.Payload) != "ping" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func testCloseStopsDelivery(t *testing.T, factory Factory) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := setup(t, ctx, factory)
	f.login(t, ctx, credentials.Password("alice", "s3cret", false))

	if err := f.conn.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	// The peer may or may not be able to emit after close; either way the
	// client must not see it.
	_ = f.peer.Emit(ctx, native.Connected())

	select {
	case ev := <-f.rec.events:
		t.Fatalf("unexpected event after close: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func testCreateRequiresAppKey(t *testing.T, factory Factory) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := factory(t)
	cfg := TestConfig()
	cfg.AppKey = nil
	conn, err := h.Backend.Create(ctx, cfg, newRecorder())
	if err == nil {
		_ = conn.Close(ctx)
		t.Fatalf("expected create without app key to fail")
	}
	if !errors.Is(err, native.ErrInitializationFailed) {
		t.Fatalf("expected ErrInitializationFailed, got %v", err)
	}
}
