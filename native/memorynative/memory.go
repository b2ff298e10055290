package memorynative

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/spsession-go/credentials"
	"github.com/ggoodman/spsession-go/native"
)

var (
	// ErrConnClosed is returned by operations on a closed Conn.
	ErrConnClosed = errors.New("memorynative: conn closed")
	// ErrBadCredentials is the error carried by connection_error events for
	// rejected logins.
	ErrBadCredentials = errors.New("memorynative: bad credentials")
	// ErrNotLoggedIn is returned by Send before the handshake completes.
	ErrNotLoggedIn = errors.New("memorynative: not logged in")
)

// Request types observed by the service.
const (
	RequestLogin = "login"
	RequestSend  = "send"
	RequestClose = "close"
)

// Request is one call a client Conn made into the service.
type Request struct {
	Type        string
	Credentials credentials.Credentials
	Payload     []byte
}

// Option configures a Service.
type Option func(*Service)

// WithAccount registers a username/password pair.
func WithAccount(username, password string) Option {
	return func(s *Service) { s.accounts[username] = password }
}

// WithMaxConns limits the number of open Conns. Zero means unlimited.
func WithMaxConns(n int) Option {
	return func(s *Service) { s.maxConns = n }
}

// WithManualHandshake disables the automatic login outcome. Tests then
// drive every event through Conn.Emit.
func WithManualHandshake() Option {
	return func(s *Service) { s.manual = true }
}

// WithLoginLatency delays the automatic login outcome.
func WithLoginLatency(d time.Duration) Option {
	return func(s *Service) { s.latency = d }
}

// WithEcho makes the service answer every Send with a message event carrying
// the same payload.
func WithEcho() Option {
	return func(s *Service) { s.echo = true }
}

// WithBlobKey sets the key remember-me blobs are signed and verified with.
func WithBlobKey(key []byte) Option {
	return func(s *Service) { s.blobKey = key }
}

// Service is an in-process stand-in for the streaming service and
// implements native.Backend.
type Service struct {
	mu       sync.Mutex
	accounts map[string]string
	conns    map[string]*Conn
	counter  atomic.Int64

	maxConns int
	manual   bool
	echo     bool
	latency  time.Duration
	blobKey  []byte

	issuer   *credentials.Issuer
	verifier credentials.Verifier
	accepted chan *Conn
}

// New builds a Service.
func New(opts ...Option) *Service {
	s := &Service{
		accounts: make(map[string]string),
		conns:    make(map[string]*Conn),
		blobKey:  []byte("memorynative-blob-key"),
		accepted: make(chan *Conn, 64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.issuer = credentials.NewIssuer("memorynative", s.blobKey, 0)
	// The key is never empty here, so construction cannot fail.
	s.verifier, _ = credentials.NewHMACVerifier(&credentials.Config{Issuer: "memorynative"}, s.blobKey)
	return s
}

func (s *Service) Name() string { return "memory" }

// Issuer returns the issuer the service signs remember-me blobs with.
func (s *Service) Issuer() *credentials.Issuer { return s.issuer }

// Verifier returns a verifier accepting the blobs this service issues.
func (s *Service) Verifier() credentials.Verifier { return s.verifier }

// Create implements native.Backend.
func (s *Service) Create(ctx context.Context, cfg native.Config, sink native.Sink) (native.Conn, error) {
	if len(cfg.AppKey) == 0 {
		return nil, fmt.Errorf("%w: app key is required", native.ErrInitializationFailed)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: sink is required", native.ErrInitializationFailed)
	}

	s.mu.Lock()
	if s.maxConns > 0 && len(s.conns) >= s.maxConns {
		s.mu.Unlock()
		return nil, native.ErrResourceExhausted
	}
	c := &Conn{
		id:        strconv.FormatInt(s.counter.Add(1), 10),
		svc:       s,
		sink:      sink,
		userAgent: cfg.UserAgent,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
		requests:  make(chan Request, 64),
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	go c.pump()

	select {
	case s.accepted <- c:
	default:
	}
	return c, nil
}

// Accept returns Conns in creation order.
func (s *Service) Accept(ctx context.Context) (*Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-s.accepted:
		return c, nil
	}
}

// Conn returns an open Conn by ID.
func (s *Service) Conn(id string) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

// Conns returns every open Conn.
func (s *Service) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// OpenConns is the number of Conns not yet closed.
func (s *Service) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Service) authenticate(ctx context.Context, creds credentials.Credentials) error {
	if creds.IsBlob() {
		claims, err := s.verifier.VerifyBlob(ctx, creds.Blob)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBadCredentials, err)
		}
		if claims.Username != creds.Username {
			return fmt.Errorf("%w: blob issued to another user", ErrBadCredentials)
		}
		return nil
	}
	s.mu.Lock()
	pw, ok := s.accounts[creds.Username]
	s.mu.Unlock()
	if !ok || pw != creds.Password {
		return ErrBadCredentials
	}
	return nil
}

func (s *Service) remove(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

var _ native.Backend = (*Service)(nil)

// Conn is one client connection to a Service. Events are queued without
// bound and delivered in order from a dedicated goroutine.
type Conn struct {
	id        string
	svc       *Service
	sink      native.Sink
	userAgent string

	mu       sync.Mutex
	queue    []native.Event
	user     string
	loggedIn bool
	closed   bool

	signal    chan struct{}
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
	requests  chan Request
}

func (c *Conn) ID() string { return c.id }

// UserAgent is the user agent the client presented at creation.
func (c *Conn) UserAgent() string { return c.userAgent }

// User is the username of the last login attempt.
func (c *Conn) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Requests yields the calls the client made on this Conn.
func (c *Conn) Requests() <-chan Request { return c.requests }

// Done is closed once the client closes the Conn.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Login implements native.Conn.
func (c *Conn) Login(ctx context.Context, creds credentials.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.user = creds.Username
	c.mu.Unlock()

	c.record(Request{Type: RequestLogin, Credentials: creds})
	if c.svc.manual {
		return nil
	}
	go c.handshake(context.WithoutCancel(ctx), creds)
	return nil
}

func (c *Conn) handshake(ctx context.Context, creds credentials.Credentials) {
	if d := c.svc.latency; d > 0 {
		select {
		case <-time.After(d):
		case <-c.done:
			return
		}
	}
	if err := c.svc.authenticate(ctx, creds); err != nil {
		_ = c.Emit(native.ConnectionError(err))
		return
	}
	_ = c.Emit(native.Connected())
	if creds.RememberMe && !creds.IsBlob() {
		blob, err := c.svc.issuer.Issue(creds.Username)
		if err != nil {
			return
		}
		_ = c.Emit(native.CredentialsBlob(creds.Username, blob))
	}
}

// Send implements native.Conn.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	closed, loggedIn := c.closed, c.loggedIn
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	if !loggedIn && !c.svc.manual {
		return ErrNotLoggedIn
	}
	p := append([]byte(nil), payload...)
	c.record(Request{Type: RequestSend, Payload: p})
	if c.svc.echo {
		return c.Emit(native.Message(p))
	}
	return nil
}

// Close implements native.Conn. It waits for an in-flight delivery to finish
// or ctx to be done.
func (c *Conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.mu.Unlock()
		close(c.done)
		c.svc.remove(c.id)
		c.record(Request{Type: RequestClose})
	})
	select {
	case <-c.pumpDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit queues ev for delivery to the client. It never blocks.
func (c *Conn) Emit(ev native.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	switch ev.Kind {
	case native.EventConnected:
		c.loggedIn = true
	case native.EventConnectionError, native.EventConnectionLost, native.EventLoggedOut:
		c.loggedIn = false
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

// Kick drops the client with the given reason.
func (c *Conn) Kick(reason native.LostReason) error {
	return c.Emit(native.ConnectionLost(reason))
}

// Logout ends the client's login.
func (c *Conn) Logout() error { return c.Emit(native.LoggedOut()) }

// Push delivers an application message to the client.
func (c *Conn) Push(payload []byte) error { return c.Emit(native.Message(payload)) }

func (c *Conn) record(r Request) {
	select {
	case c.requests <- r:
	default:
	}
}

func (c *Conn) pump() {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.done:
			return
		case <-c.signal:
		}
		for {
			c.mu.Lock()
			if c.closed || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if !c.sink.Deliver(ev) {
				return
			}
		}
	}
}

var _ native.Conn = (*Conn)(nil)
