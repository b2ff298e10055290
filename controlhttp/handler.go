package controlhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/ggoodman/spsession-go/credentials"
	"github.com/ggoodman/spsession-go/internal/logctx"
	"github.com/ggoodman/spsession-go/native"
	"github.com/ggoodman/spsession-go/session"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

// ErrRateLimited is reported when connect attempts arrive faster than the
// configured rate.
var ErrRateLimited = errors.New("connect rate limit exceeded")

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultMaxBodyBytes   = 1 << 20
	requestIDHeader       = "x-request-id"
)

type Config struct {
	// Session is the session controlled by the handler. When nil, NewSession
	// builds the first one.
	Session *session.Session

	// NewSession builds a replacement once the current session has reached a
	// terminal state. Without it a terminal session stays in place and
	// connect and relogin keep failing with a conflict.
	NewSession func() (*session.Session, error)

	// Hub must be registered as (part of) the Session's listener for
	// GET /session/events to report anything.
	Hub *Hub

	// ConnectRate limits connect and relogin requests per ConnectInterval.
	// Zero disables limiting.
	ConnectRate     int
	ConnectBurst    int
	ConnectInterval time.Duration

	// RequestTimeout bounds each non-streaming request. Defaults to 15s.
	RequestTimeout time.Duration

	// LogHandler is an optional slog.Handler. If nil, logging is discarded.
	LogHandler slog.Handler
}

// Handler exposes a Session over HTTP.
type Handler struct {
	mux        *http.ServeMux
	log        *slog.Logger
	newSession func() (*session.Session, error)
	hub        *Hub

	mu   sync.Mutex
	sess *session.Session

	limiter ratelimit.RateLimiter
	timeout time.Duration
}

func New(cfg Config) (*Handler, error) {
	if cfg.Session == nil && cfg.NewSession == nil {
		return nil, fmt.Errorf("session or session factory is required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}

	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.DiscardHandler
	}

	h := &Handler{
		mux:        http.NewServeMux(),
		log:        slog.New(logctx.Handler{Handler: handler}),
		newSession: cfg.NewSession,
		sess:       cfg.Session,
		hub:        cfg.Hub,
		timeout:    cfg.RequestTimeout,
	}
	if h.sess == nil {
		sess, err := h.newSession()
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		h.sess = sess
	}
	if h.timeout <= 0 {
		h.timeout = defaultRequestTimeout
	}
	if cfg.ConnectRate > 0 {
		burst := cfg.ConnectBurst
		if burst <= 0 {
			burst = cfg.ConnectRate
		}
		interval := cfg.ConnectInterval
		if interval <= 0 {
			interval = time.Second
		}
		h.limiter = ratelimit.New(&ratelimit.Config{
			Rate:     cfg.ConnectRate,
			Burst:    burst,
			Interval: interval,
		})
	}

	h.mux.HandleFunc("GET /session", h.handleGetSession)
	h.mux.HandleFunc("POST /session/connect", h.handleConnect)
	h.mux.HandleFunc("POST /session/relogin", h.handleRelogin)
	h.mux.HandleFunc("POST /session/disconnect", h.handleDisconnect)
	h.mux.HandleFunc("POST /session/messages", h.handleSendMessage)
	h.mux.HandleFunc("DELETE /session/remembered", h.handleForget)
	h.mux.HandleFunc("GET /session/events", h.handleEvents)

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	w.Header().Set(requestIDHeader, reqID)
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// Session returns the session currently controlled by the handler.
func (h *Handler) Session() *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

// Renew returns a session that can still connect. A session in a terminal
// state is closed and replaced using Config.NewSession; otherwise the current
// session is returned unchanged.
func (h *Handler) Renew(ctx context.Context) (*session.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.sess
	if !old.State().Terminal() || h.newSession == nil {
		return old, nil
	}
	sess, err := h.newSession()
	if err != nil {
		return nil, fmt.Errorf("renew session: %w", err)
	}
	h.sess = sess
	if err := old.Close(ctx); err != nil {
		h.log.WarnContext(ctx, "controlhttp.session.close.fail", slog.String("session_id", old.ID()), slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "controlhttp.session.renew",
		slog.String("old_session_id", old.ID()),
		slog.String("old_state", old.State().String()),
		slog.String("session_id", sess.ID()),
	)
	return sess, nil
}

// Close closes the current session.
func (h *Handler) Close(ctx context.Context) error {
	return h.Session().Close(ctx)
}

type rememberedResponse struct {
	Username string `json:"username"`
}

type sessionResponse struct {
	session.Snapshot
	Remembered       *rememberedResponse `json:"remembered,omitempty"`
	DispatchFailures int64               `json:"dispatch_failures"`
	Subscribers      int                 `json:"subscribers"`
}

func (h *Handler) snapshot() sessionResponse {
	sess := h.Session()
	res := sessionResponse{
		Snapshot:         sess.Snapshot(),
		DispatchFailures: sess.DispatchFailures(),
		Subscribers:      h.hub.Subscribers(),
	}
	if u, err := sess.RememberedUser(); err == nil {
		res.Remembered = &rememberedResponse{Username: u}
	}
	return res
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

// handleConnect starts a login. It answers 202 once the handshake has been
// initiated; the outcome is published on GET /session/events.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	if !h.allow(r) {
		h.writeError(w, r, ErrRateLimited)
		return
	}

	var creds credentials.Credentials
	dec := json.NewDecoder(io.LimitReader(r.Body, defaultMaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&creds); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sess, err := h.Renew(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := sess.Connect(ctx, creds); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.snapshot())
}

func (h *Handler) handleRelogin(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r) {
		h.writeError(w, r, ErrRateLimited)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sess, err := h.Renew(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := sess.Relogin(ctx); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.snapshot())
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.Session().Disconnect(ctx); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot())
}

type sendMessageRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// handleSendMessage forwards the raw JSON payload to the service.
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, defaultMaxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Payload) == 0 {
		writeJSONError(w, http.StatusBadRequest, "payload is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.Session().SendMessage(ctx, req.Payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleForget(w http.ResponseWriter, r *http.Request) {
	if err := h.Session().ForgetMe(); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type writeFlusher interface {
	io.Writer
	http.Flusher
}

// handleEvents streams listener notifications as Server-Sent Events until the
// client goes away. The first event is a snapshot of the session.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	if err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}

	wf, ok := w.(writeFlusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	q, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	h.log.DebugContext(ctx, "controlhttp.events.subscribe")
	defer func() {
		h.log.DebugContext(ctx, "controlhttp.events.unsubscribe", slog.Int64("dropped", q.Dropped()))
	}()

	var seq int64
	if err := writeSSEEvent(wf, "snapshot", strconv.FormatInt(seq, 10), h.snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-q.Events():
			if !ok {
				return
			}
			seq++
			if err := writeSSEEvent(wf, n.Type, strconv.FormatInt(seq, 10), n); err != nil {
				h.log.DebugContext(ctx, "controlhttp.events.write.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

func (h *Handler) allow(r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	return h.limiter.Allow(r.Context(), "connect")
}

// writeError maps session errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "controlhttp.request.fail", slog.Int("status", status), slog.String("err", err.Error()))
	} else {
		h.log.DebugContext(r.Context(), "controlhttp.request.rejected", slog.Int("status", status), slog.String("err", err.Error()))
	}
	writeJSONError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, credentials.ErrInvalidCredentials),
		errors.Is(err, credentials.ErrBlobInvalid):
		return http.StatusBadRequest
	case errors.Is(err, credentials.ErrBlobExpired):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrNoRememberedCredentials):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidStateTransition),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrConnectAborted):
		return http.StatusConflict
	case errors.Is(err, native.ErrResourceExhausted),
		errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, native.ErrInitializationFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

// writeSSEEvent writes one Server-Sent Event with a JSON encoded data field
// and flushes.
func writeSSEEvent(wf writeFlusher, eventType string, msgID string, message any) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}

	if _, err := fmt.Fprintf(wf, "event: %s\ndata: ", eventType); err != nil {
		return fmt.Errorf("failed to write SSE event header: %w", err)
	}

	if err := json.NewEncoder(wf).Encode(message); err != nil {
		return fmt.Errorf("failed to write SSE event data: %w", err)
	}

	if _, err := wf.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write SSE event footer: %w", err)
	}

	wf.Flush()
	return nil
}
