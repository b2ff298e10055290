package controlhttp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/spsession-go/controlhttp"
	"github.com/ggoodman/spsession-go/credentials"
	"github.com/ggoodman/spsession-go/native"
	"github.com/ggoodman/spsession-go/native/memorynative"
	"github.com/ggoodman/spsession-go/session"
)

type fixture struct {
	srv  *httptest.Server
	h    *controlhttp.Handler
	sess *session.Session
	svc  *memorynative.Service
	hub  *controlhttp.Hub
}

func newFixture(t *testing.T, mutate func(*controlhttp.Config), opts ...memorynative.Option) *fixture {
	t.Helper()
	svc := memorynative.New(append([]memorynative.Option{memorynative.WithAccount("alice", "s3cret")}, opts...)...)
	hub := controlhttp.NewHub(32)
	newSession := func() (*session.Session, error) {
		return session.New(native.Config{AppKey: []byte("k"), UserAgent: "controlhttp-test"}, svc, hub)
	}
	sess, err := newSession()
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	cfg := controlhttp.Config{Session: sess, NewSession: newSession, Hub: hub}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := controlhttp.New(cfg)
	if err != nil {
		t.Fatalf("controlhttp.New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		_ = h.Close(context.Background())
		_ = sess.Close(context.Background())
	})
	return &fixture{srv: srv, h: h, sess: sess, svc: svc, hub: hub}
}

func (f *fixture) post(t *testing.T, path, ctype, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeSession(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func credentialsFor(user string) credentials.Credentials {
	return credentials.Password(user, "s3cret", false)
}

func waitState(t *testing.T, s *session.Session, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s (state %s)", want, s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/session")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if resp.Header.Get("x-request-id") == "" {
		t.Fatalf("expected a request id header")
	}
	body := decodeSession(t, resp)
	if body["state"] != "disconnected" || body["backend"] != "memory" || body["id"] != f.sess.ID() {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	resp := f.post(t, "/session/connect", "application/json", `{"username":"alice","password":"s3cret"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect: status %d", resp.StatusCode)
	}
	waitState(t, f.sess, session.StateConnected)

	resp = f.post(t, "/session/connect", "application/json", `{"username":"alice","password":"s3cret"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second connect: expected 409, got %d", resp.StatusCode)
	}

	resp = f.post(t, "/session/disconnect", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect: status %d", resp.StatusCode)
	}
	if body := decodeSession(t, resp); body["state"] != "disconnected" {
		t.Fatalf("unexpected body after disconnect: %v", body)
	}

	resp = f.post(t, "/session/disconnect", "", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("disconnect while disconnected: expected 409, got %d", resp.StatusCode)
	}
}

func TestConnectRejectsBadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if resp := f.post(t, "/session/connect", "text/plain", `{}`); resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}
	if resp := f.post(t, "/session/connect", "application/json", `{"username":`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
	if resp := f.post(t, "/session/connect", "application/json", `{"username":"alice"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid credentials, got %d", resp.StatusCode)
	}
	if f.sess.State() != session.StateDisconnected {
		t.Fatalf("rejected requests changed state to %s", f.sess.State())
	}
	if resp := f.post(t, "/session/relogin", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("relogin without remembered credentials: expected 404, got %d", resp.StatusCode)
	}
}

func TestConnectFailureReportsServiceUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, memorynative.WithMaxConns(1), memorynative.WithManualHandshake())

	// Occupy the only slot.
	other, err := session.New(native.Config{AppKey: []byte("k")}, f.svc, session.Nop{})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer other.Close(context.Background())
	if err := other.Connect(t.Context(), credentialsFor("alice")); err != nil {
		t.Fatalf("connect: %v", err)
	}

	resp := f.post(t, "/session/connect", "application/json", `{"username":"alice","password":"s3cret"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if f.sess.State() != session.StateError {
		t.Fatalf("expected error state, got %s", f.sess.State())
	}
	if msg, _ := decodeSession(t, resp)["error"].(string); msg == "" {
		t.Fatalf("expected an error message")
	}
}

func TestConnectRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *controlhttp.Config) {
		cfg.ConnectRate = 1
		cfg.ConnectBurst = 1
		cfg.ConnectInterval = time.Hour
	})

	limited := false
	for i := 0; i < 3; i++ {
		resp := f.post(t, "/session/relogin", "", "")
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Fatalf("expected a request to be rate limited")
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, memorynative.WithEcho())

	if resp := f.post(t, "/session/messages", "application/json", `{"payload":{"hello":"world"}}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("send while disconnected: expected 409, got %d", resp.StatusCode)
	}
	f.post(t, "/session/connect", "application/json", `{"username":"alice","password":"s3cret"}`)
	waitState(t, f.sess, session.StateConnected)

	if resp := f.post(t, "/session/messages", "application/json", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty payload: expected 400, got %d", resp.StatusCode)
	}
	if resp := f.post(t, "/session/messages", "application/json", `{"payload":{"hello":"world"}}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("send: expected 204, got %d", resp.StatusCode)
	}
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.event != "" {
				return ev
			}
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/session/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if ev := readEvent(t, r); ev.event != "snapshot" || ev.id != "0" {
		t.Fatalf("expected snapshot first, got %+v", ev)
	}
	if f.hub.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", f.hub.Subscribers())
	}

	f.post(t, "/session/connect", "application/json", `{"username":"alice","password":"s3cret"}`)

	var seen []string
	for {
		ev := readEvent(t, r)
		seen = append(seen, ev.event)
		if ev.event == session.NotifyConnected {
			break
		}
		if ev.event == session.NotifyStateChanged {
			var n session.Notification
			if err := json.Unmarshal([]byte(ev.data), &n); err != nil {
				t.Fatalf("decode notification: %v", err)
			}
			if n.From == nil || n.To == nil {
				t.Fatalf("state change without from/to: %s", ev.data)
			}
		}
	}
	if seen[0] != session.NotifyStateChanged {
		t.Fatalf("expected a state change before connected, got %v", seen)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not released after client went away")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsRequiresEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/session/events", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("expected 406, got %d", resp.StatusCode)
	}
}

func TestHubFanOut(t *testing.T) {
	t.Parallel()
	hub := controlhttp.NewHub(4)
	a, unsubA := hub.Subscribe()
	b, unsubB := hub.Subscribe()
	defer unsubB()

	_ = hub.OnMessageReceived(context.Background(), []byte("x"))
	for _, q := range []*session.Queue{a, b} {
		if n := <-q.Events(); n.Type != session.NotifyMessage || string(n.Payload) != "x" {
			t.Fatalf("unexpected notification %+v", n)
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a.Events(); ok {
		t.Fatalf("expected unsubscribed queue to be closed")
	}
	_ = hub.OnLoggedOut(context.Background())
	if n := <-b.Events(); n.Type != session.NotifyLoggedOut {
		t.Fatalf("unexpected notification %+v", n)
	}
	if hub.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", hub.Subscribers())
	}
}

func TestTerminalSessionIsRenewedOnConnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	resp := f.post(t, "/session/connect", "application/json", `{"username":"alice","password":"wrong"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect with a bad password: status %d", resp.StatusCode)
	}
	waitState(t, f.sess, session.StateError)

	resp = f.post(t, "/session/connect", "application/json", `{"username":"alice","password":"s3cret"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect after a failed login: status %d", resp.StatusCode)
	}
	body := decodeSession(t, resp)

	cur := f.h.Session()
	if cur == f.sess || body["id"] != cur.ID() {
		t.Fatalf("expected a fresh session, got id %v (old %s)", body["id"], f.sess.ID())
	}
	waitState(t, cur, session.StateConnected)

	if err := f.sess.Connect(t.Context(), credentialsFor("alice")); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("replaced session should be closed, got %v", err)
	}

	get, err := http.Get(f.srv.URL + "/session")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer get.Body.Close()
	if snap := decodeSession(t, get); snap["id"] != cur.ID() || snap["state"] != "connected" {
		t.Fatalf("unexpected snapshot after renewal: %v", snap)
	}
}

func TestTerminalSessionWithoutFactoryStaysInPlace(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *controlhttp.Config) { cfg.NewSession = nil })

	resp := f.post(t, "/session/connect", "application/json", `{"username":"alice","password":"wrong"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect: status %d", resp.StatusCode)
	}
	waitState(t, f.sess, session.StateError)

	resp = f.post(t, "/session/connect", "application/json", `{"username":"alice","password":"s3cret"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without a session factory, got %d", resp.StatusCode)
	}
	if f.h.Session() != f.sess {
		t.Fatal("session replaced without a factory")
	}
}
