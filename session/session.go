package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/spsession-go/credentials"
	"github.com/ggoodman/spsession-go/credstore"
	"github.com/ggoodman/spsession-go/internal/logctx"
	"github.com/ggoodman/spsession-go/native"
	"github.com/google/uuid"
)

// loopKey marks contexts handed out by a Session's event loop.
type loopKey struct{}

// Session owns one connection to the streaming service: its state machine,
// its native handle and the delivery of its events to a Listener.
//
// All state changes and listener callbacks happen on a single event-loop
// goroutine. Caller operations are sent to that loop and wait only for the
// state check and transition, never for network completion.
type Session struct {
	id             string
	cfg            native.Config
	backend        native.Backend
	listener       Listener
	log            *slog.Logger
	store          *credstore.Store
	verifier       credentials.Verifier
	destroyTimeout time.Duration

	machine *Machine
	epochs  atomic.Uint64
	failure atomic.Pointer[failure]
	user    atomic.Pointer[string]

	// Owned by the event loop. live is the epoch of the current connect
	// attempt, or zero when there is none.
	live   uint64
	handle *native.Handle

	ops      chan func(context.Context)
	events   chan native.Posted
	quit     chan struct{}
	loopDone chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	destroys  sync.WaitGroup

	dispatchFailures atomic.Int64
}

type failure struct{ err error }

// New builds a Session in StateDisconnected. No connection resource is
// allocated until Connect.
func New(cfg native.Config, backend native.Backend, listener Listener, opts ...Option) (*Session, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if listener == nil {
		return nil, fmt.Errorf("listener is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.applyDefaults(cfg.CachePath)

	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	cfg.AppKey = append([]byte(nil), cfg.AppKey...)

	s := &Session{
		id:             id,
		cfg:            cfg,
		backend:        backend,
		listener:       listener,
		log:            slog.New(logctx.Handler{Handler: o.logHandler}),
		store:          o.store,
		verifier:       o.verifier,
		destroyTimeout: o.destroyTimeout,
		machine:        NewMachine(),
		ops:            make(chan func(context.Context)),
		events:         make(chan native.Posted, o.mailboxSize),
		quit:           make(chan struct{}),
		loopDone:       make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// State returns the current state without blocking.
func (s *Session) State() State { return s.machine.State() }

// Err returns the reason the Session entered StateError, or nil.
func (s *Session) Err() error {
	if f := s.failure.Load(); f != nil {
		return f.err
	}
	return nil
}

// User is the username of the most recent connect attempt.
func (s *Session) User() string {
	if u := s.user.Load(); u != nil {
		return *u
	}
	return ""
}

// Epoch is the number of handles this Session has allocated.
func (s *Session) Epoch() uint64 { return s.epochs.Load() }

// DispatchFailures counts listener callbacks that returned an error or
// panicked.
func (s *Session) DispatchFailures() int64 { return s.dispatchFailures.Load() }

// Snapshot is a point-in-time view of a Session.
type Snapshot struct {
	ID      string `json:"id"`
	State   State  `json:"state"`
	User    string `json:"user,omitempty"`
	Epoch   uint64 `json:"epoch"`
	Backend string `json:"backend"`
	Error   string `json:"error,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:      s.id,
		State:   s.State(),
		User:    s.User(),
		Epoch:   s.Epoch(),
		Backend: s.backend.Name(),
	}
	if err := s.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}

// Connect starts logging in with creds. It is valid only in
// StateDisconnected and returns once the handshake has been initiated;
// the outcome is reported to the Listener.
//
// If the connection resource cannot be created or the login cannot be
// started, the Session moves to StateError and the error is returned. When
// that happens because ctx is done, the attempt is abandoned instead: the
// Session returns to StateDisconnected and the error wraps ErrConnectAborted
// and ctx.Err().
func (s *Session) Connect(ctx context.Context, creds credentials.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	if creds.IsBlob() && s.verifier != nil {
		claims, err := s.verifier.VerifyBlob(ctx, creds.Blob)
		if err != nil {
			return fmt.Errorf("verify blob: %w", err)
		}
		if claims.Username != creds.Username {
			return fmt.Errorf("%w: blob was issued to %q", credentials.ErrInvalidCredentials, claims.Username)
		}
	}

	var epoch uint64
	err := s.do(ctx, func(lctx context.Context) error {
		from, to, err := s.machine.Fire(TriggerConnect)
		if err != nil {
			return err
		}
		epoch = s.epochs.Add(1)
		s.live = epoch
		user := creds.Username
		s.user.Store(&user)
		s.notifyState(lctx, from, to)
		return nil
	})
	if err != nil {
		s.log.DebugContext(s.logCtx(ctx), "session.connect.rejected", slog.String("err", err.Error()))
		return err
	}
	s.log.InfoContext(s.logCtx(ctx), "session.connect.start", slog.Any("credentials", creds))

	h, err := native.Open(ctx, s.backend, s.cfg, epoch, s.post)
	if err != nil {
		if ctx.Err() != nil {
			return s.abandonAttempt(ctx, epoch)
		}
		return s.failAttempt(ctx, epoch, err)
	}

	// Install the handle unless the attempt was overtaken while opening.
	if err := s.do(context.WithoutCancel(ctx), func(context.Context) error {
		if s.live != epoch {
			return ErrConnectAborted
		}
		s.handle = h
		return nil
	}); err != nil {
		s.destroyNow(h)
		if errors.Is(err, ErrClosed) {
			return ErrClosed
		}
		return err
	}

	if err := h.Login(ctx, creds); err != nil {
		if ctx.Err() != nil {
			return s.abandonAttempt(ctx, epoch)
		}
		return s.failAttempt(ctx, epoch, err)
	}
	s.log.InfoContext(s.logCtx(ctx), "session.connect.ok", slog.String("handle_id", h.ID()))
	return nil
}

// failAttempt moves a still-live attempt to StateError with err.
func (s *Session) failAttempt(ctx context.Context, epoch uint64, err error) error {
	applied := false
	_ = s.do(context.WithoutCancel(ctx), func(lctx context.Context) error {
		if s.live != epoch {
			return nil
		}
		from, to, ferr := s.machine.Fire(TriggerConnectionError)
		if ferr != nil {
			s.log.WarnContext(s.logCtx(lctx), "session.connect.fail.illegal", slog.String("err", ferr.Error()))
			s.teardown(lctx)
			return nil
		}
		applied = true
		s.setFailure(err)
		s.teardown(lctx)
		s.notifyState(lctx, from, to)
		return nil
	})
	if !applied {
		return fmt.Errorf("%w: %w", ErrConnectAborted, err)
	}
	s.log.ErrorContext(s.logCtx(ctx), "session.connect.fail", slog.String("err", err.Error()))
	return err
}

// abandonAttempt returns a still-live attempt to StateDisconnected after its
// caller gave up. A cancelled caller never leaves the Session in a terminal
// state.
func (s *Session) abandonAttempt(ctx context.Context, epoch uint64) error {
	cause := ctx.Err()
	_ = s.do(context.WithoutCancel(ctx), func(lctx context.Context) error {
		if s.live != epoch {
			return nil
		}
		from, to, err := s.machine.Fire(TriggerDisconnect)
		s.teardown(lctx)
		if err == nil {
			s.notifyState(lctx, from, to)
		}
		return nil
	})
	s.log.InfoContext(s.logCtx(ctx), "session.connect.abandoned", slog.String("err", cause.Error()))
	return fmt.Errorf("%w: %w", ErrConnectAborted, cause)
}

// Disconnect tears the connection down. It is valid in StateConnecting and
// StateConnected; the Session is in StateDisconnected when it returns and
// the handle is destroyed in the background.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.do(ctx, func(lctx context.Context) error {
		from, to, err := s.machine.Fire(TriggerDisconnect)
		if err != nil {
			return err
		}
		s.teardown(lctx)
		s.log.InfoContext(s.logCtx(lctx), "session.disconnect", slog.String("from", from.String()))
		s.notifyState(lctx, from, to)
		return nil
	})
}

// Relogin connects with the remembered remember-me blob.
func (s *Session) Relogin(ctx context.Context) error {
	r, err := s.remembered()
	if err != nil {
		return err
	}
	err = s.Connect(ctx, credentials.FromBlob(r.Username, r.Blob))
	if errors.Is(err, credentials.ErrBlobExpired) {
		s.log.InfoContext(s.logCtx(ctx), "session.relogin.expired", slog.String("user", r.Username))
		_ = s.ForgetMe()
	}
	return err
}

// RememberedUser returns the username whose blob is remembered.
func (s *Session) RememberedUser() (string, error) {
	r, err := s.remembered()
	if err != nil {
		return "", err
	}
	return r.Username, nil
}

// ForgetMe discards the remembered blob. Forgetting nothing is not an error.
func (s *Session) ForgetMe() error {
	if s.store == nil {
		return nil
	}
	return s.store.Forget()
}

func (s *Session) remembered() (credstore.Remembered, error) {
	if s.store == nil {
		return credstore.Remembered{}, ErrNoRememberedCredentials
	}
	r, err := s.store.Load()
	if errors.Is(err, credstore.ErrNotFound) {
		return credstore.Remembered{}, ErrNoRememberedCredentials
	}
	return r, err
}

// SendMessage forwards payload to the service. It requires StateConnected.
func (s *Session) SendMessage(ctx context.Context, payload []byte) error {
	var h *native.Handle
	if err := s.do(ctx, func(context.Context) error {
		if s.machine.State() != StateConnected || s.handle == nil {
			return ErrNotConnected
		}
		h = s.handle
		return nil
	}); err != nil {
		return err
	}
	if err := h.Send(ctx, payload); err != nil {
		if errors.Is(err, native.ErrHandleDestroyed) {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Close releases the Session: a live handle is destroyed, the event loop
// stops and Close waits for outstanding destroys or ctx. Every later
// operation returns ErrClosed. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		onLoop := s.onLoop(ctx)
		s.closed.Store(true)

		final := func(lctx context.Context) error {
			if s.machine.State().Active() {
				if from, _, err := s.machine.Fire(TriggerDisconnect); err == nil {
					s.log.InfoContext(s.logCtx(lctx), "session.close.disconnect", slog.String("from", from.String()))
				}
			}
			s.teardown(lctx)
			return nil
		}
		if onLoop {
			_ = final(ctx)
		} else {
			_ = s.exec(context.WithoutCancel(ctx), final)
		}
		close(s.quit)
		if !onLoop {
			<-s.loopDone
		}

		done := make(chan struct{})
		go func() {
			s.destroys.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.closeErr = ctx.Err()
		}
	})
	return s.closeErr
}

// --- event loop ---

func (s *Session) run() {
	defer close(s.loopDone)
	ctx := context.WithValue(context.Background(), loopKey{}, s)
	for {
		select {
		case <-s.quit:
			return
		case op := <-s.ops:
			op(ctx)
		case p := <-s.events:
			s.handleEvent(ctx, p)
		}
	}
}

func (s *Session) onLoop(ctx context.Context) bool {
	owner, _ := ctx.Value(loopKey{}).(*Session)
	return owner == s
}

// do runs fn on the event loop and returns its result. Called with a
// context handed out by this Session's loop, fn runs inline. Once Close has
// started, fn is skipped even if it was already queued.
func (s *Session) do(ctx context.Context, fn func(context.Context) error) error {
	if s.onLoop(ctx) {
		return fn(ctx)
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return s.exec(ctx, func(lctx context.Context) error {
		if s.closed.Load() {
			return ErrClosed
		}
		return fn(lctx)
	})
}

func (s *Session) exec(ctx context.Context, fn func(context.Context) error) error {
	res := make(chan error, 1)
	op := func(lctx context.Context) { res <- fn(lctx) }
	select {
	case s.ops <- op:
	case <-s.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-s.loopDone:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

// post is the native.PostFunc of every handle this Session opens.
func (s *Session) post(ctx context.Context, p native.Posted) bool {
	select {
	case s.events <- p:
		return true
	case <-ctx.Done():
		return false
	case <-s.quit:
		return false
	}
}

func (s *Session) handleEvent(ctx context.Context, p native.Posted) {
	ev := p.Event
	if p.Epoch == 0 || p.Epoch != s.live {
		s.log.DebugContext(s.logCtx(ctx), "session.event.stale",
			slog.String("kind", ev.Kind.String()),
			slog.Uint64("event_epoch", p.Epoch),
			slog.Uint64("live_epoch", s.live),
		)
		return
	}
	ctx = s.connCtx(ctx)

	switch ev.Kind {
	case native.EventConnected:
		from, to, err := s.machine.Fire(TriggerConnected)
		if err != nil {
			s.dropIllegal(ctx, ev, err)
			return
		}
		s.log.InfoContext(s.logCtx(ctx), "session.connected")
		s.notifyState(ctx, from, to)
		if s.live != p.Epoch {
			return
		}
		s.dispatch(ctx, "on_connected", s.listener.OnConnected)

	case native.EventConnectionError:
		from, to, err := s.machine.Fire(TriggerConnectionError)
		if err != nil {
			s.dropIllegal(ctx, ev, err)
			return
		}
		cause := ev.Err
		if cause == nil {
			cause = errors.New("connection error")
		}
		s.setFailure(cause)
		s.teardown(ctx)
		s.log.WarnContext(s.logCtx(ctx), "session.connection_error", slog.String("err", cause.Error()))
		s.notifyState(ctx, from, to)
		if cl, ok := s.listener.(ConnectionErrorListener); ok {
			s.dispatch(ctx, "on_connection_error", func(ctx context.Context) error {
				return cl.OnConnectionError(ctx, cause)
			})
		}

	case native.EventConnectionLost:
		from, to, err := s.machine.Fire(TriggerConnectionLost)
		if err != nil {
			s.dropIllegal(ctx, ev, err)
			return
		}
		s.teardown(ctx)
		s.log.WarnContext(s.logCtx(ctx), "session.connection_lost", slog.String("reason", ev.Reason.String()))
		s.notifyState(ctx, from, to)
		s.dispatch(ctx, "on_connection_lost", func(ctx context.Context) error {
			return s.listener.OnConnectionLost(ctx, ev.Reason)
		})

	case native.EventLoggedOut:
		from, to, err := s.machine.Fire(TriggerLoggedOut)
		if err != nil {
			s.dropIllegal(ctx, ev, err)
			return
		}
		s.teardown(ctx)
		s.log.InfoContext(s.logCtx(ctx), "session.logged_out")
		s.notifyState(ctx, from, to)
		s.dispatch(ctx, "on_logged_out", s.listener.OnLoggedOut)

	case native.EventMessage:
		if st := s.machine.State(); st != StateConnected {
			s.dropIllegal(ctx, ev, fmt.Errorf("%w: message while %s", ErrNotConnected, st))
			return
		}
		s.dispatch(ctx, "on_message_received", func(ctx context.Context) error {
			return s.listener.OnMessageReceived(ctx, ev.Payload)
		})

	case native.EventCredentialsBlob:
		s.rememberBlob(ctx, ev)

	default:
		s.log.WarnContext(s.logCtx(ctx), "session.event.unknown", slog.Int("kind", int(ev.Kind)))
	}
}

func (s *Session) rememberBlob(ctx context.Context, ev native.Event) {
	if ev.Username == "" || ev.Blob == "" {
		s.log.WarnContext(s.logCtx(ctx), "session.credentials.incomplete")
		return
	}
	if s.store != nil {
		if err := s.store.Save(credstore.Remembered{Username: ev.Username, Blob: ev.Blob}); err != nil {
			s.log.ErrorContext(s.logCtx(ctx), "session.credentials.save.fail", slog.String("err", err.Error()))
		} else {
			s.log.InfoContext(s.logCtx(ctx), "session.credentials.saved", slog.String("path", s.store.Path()))
		}
	}
	if cl, ok := s.listener.(CredentialsListener); ok {
		s.dispatch(ctx, "on_credentials_updated", func(ctx context.Context) error {
			return cl.OnCredentialsUpdated(ctx, ev.Username)
		})
	}
}

func (s *Session) dropIllegal(ctx context.Context, ev native.Event, err error) {
	s.log.WarnContext(s.logCtx(ctx), "session.event.illegal",
		slog.String("kind", ev.Kind.String()),
		slog.String("err", err.Error()),
	)
}

func (s *Session) setFailure(err error) {
	s.failure.Store(&failure{err: err})
}

// teardown ends the live attempt and retires its handle. Must run on the
// loop. The Conn is closed in the background.
func (s *Session) teardown(ctx context.Context) {
	s.live = 0
	h := s.handle
	if h == nil {
		return
	}
	s.handle = nil
	h.Retire()
	s.destroyAsync(ctx, h)
}

func (s *Session) destroyAsync(ctx context.Context, h *native.Handle) {
	log := s.log
	lctx := s.logCtx(ctx)
	s.destroys.Add(1)
	go func() {
		defer s.destroys.Done()
		dctx, cancel := context.WithTimeout(context.Background(), s.destroyTimeout)
		defer cancel()
		if err := h.Destroy(dctx); err != nil {
			log.WarnContext(lctx, "session.handle.destroy.fail", slog.String("handle_id", h.ID()), slog.String("err", err.Error()))
			return
		}
		log.DebugContext(lctx, "session.handle.destroyed", slog.String("handle_id", h.ID()))
	}()
}

// destroyNow destroys a handle that was never installed.
func (s *Session) destroyNow(h *native.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.destroyTimeout)
	defer cancel()
	if err := h.Destroy(ctx); err != nil {
		s.log.WarnContext(s.logCtx(ctx), "session.handle.destroy.fail", slog.String("handle_id", h.ID()), slog.String("err", err.Error()))
	}
}

func (s *Session) logCtx(ctx context.Context) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: s.id,
		User:      s.User(),
		State:     s.State().String(),
		Epoch:     s.epochs.Load(),
	})
}

// connCtx adds the live handle to ctx. Must run on the loop.
func (s *Session) connCtx(ctx context.Context) context.Context {
	if s.handle == nil {
		return ctx
	}
	return logctx.WithConnData(ctx, &logctx.ConnData{Backend: s.handle.Backend(), HandleID: s.handle.ID()})
}
