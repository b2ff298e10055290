package wsnative

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/ggoodman/spsession-go/credentials"
	"github.com/ggoodman/spsession-go/internal/wire"
	"github.com/ggoodman/spsession-go/native"
	"github.com/gorilla/websocket"
	"github.com/joeshaw/envdecode"
)

const (
	writeTimeout = 10 * time.Second

	// HeaderAppKey carries the base64 application key on the upgrade request.
	HeaderAppKey = "X-Spsession-App-Key"
)

// ErrConnClosed is returned by writes after Close.
var ErrConnClosed = errors.New("wsnative: conn closed")

// Config for the WebSocket backend. Defaults can be loaded via envdecode.
type Config struct {
	// URL of the service endpoint. ENV: SPSESSION_WS_URL
	URL string `env:"SPSESSION_WS_URL,default=ws://localhost:8090/native"`
	// DialAttempts is the number of dial attempts per Create. ENV: SPSESSION_WS_DIAL_ATTEMPTS
	DialAttempts int `env:"SPSESSION_WS_DIAL_ATTEMPTS,default=3"`
	// DialBackoff is the delay before the first redial. ENV: SPSESSION_WS_DIAL_BACKOFF
	DialBackoff time.Duration `env:"SPSESSION_WS_DIAL_BACKOFF,default=250ms"`
	// PingInterval between keepalive pings. ENV: SPSESSION_WS_PING_INTERVAL
	PingInterval time.Duration `env:"SPSESSION_WS_PING_INTERVAL,default=30s"`
	// PongTimeout is how long a silent connection is kept. ENV: SPSESSION_WS_PONG_TIMEOUT
	PongTimeout time.Duration `env:"SPSESSION_WS_PONG_TIMEOUT,default=60s"`
}

func (c *Config) applyDefaults() {
	if c.DialAttempts <= 0 {
		c.DialAttempts = 3
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = 250 * time.Millisecond
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
}

// ConfigFromEnv decodes Config from the environment, applying tag defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode websocket config: %w", err)
	}
	return cfg, nil
}

// Backend reaches the service over one WebSocket per Conn.
type Backend struct {
	cfg    Config
	dialer *websocket.Dialer
	dial   retry.Retry[*websocket.Conn]
}

// New builds a Backend. It performs no I/O.
func New(cfg Config) (*Backend, error) {
	if cfg.URL == "" {
		return nil, errors.New("wsnative: url is required")
	}
	cfg.applyDefaults()
	return &Backend{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		dial: retry.New[*websocket.Conn](retry.Config{
			MaxAttempts:   cfg.DialAttempts,
			InitialDelay:  cfg.DialBackoff,
			MaxDelay:      10 * cfg.DialBackoff,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
			IsRetryable: func(err error) bool {
				// A rejected upgrade will be rejected again.
				return !errors.Is(err, websocket.ErrBadHandshake)
			},
		}),
	}, nil
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv() (*Backend, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

func (b *Backend) Name() string { return "websocket" }

// Create implements native.Backend.
func (b *Backend) Create(ctx context.Context, cfg native.Config, sink native.Sink) (native.Conn, error) {
	if len(cfg.AppKey) == 0 {
		return nil, fmt.Errorf("%w: app key is required", native.ErrInitializationFailed)
	}
	hdr := http.Header{}
	hdr.Set(HeaderAppKey, base64.StdEncoding.EncodeToString(cfg.AppKey))
	if cfg.UserAgent != "" {
		hdr.Set("User-Agent", cfg.UserAgent)
	}

	ws, err := b.dial.Do(ctx, func(ctx context.Context) (*websocket.Conn, error) {
		ws, resp, err := b.dialer.DialContext(ctx, b.cfg.URL, hdr)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return ws, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", native.ErrInitializationFailed, b.cfg.URL, err)
	}

	c := &conn{
		ws:        ws,
		id:        ws.LocalAddr().String(),
		userAgent: cfg.UserAgent,
		sink:      sink,
		pongWait:  b.cfg.PongTimeout,
		done:      make(chan struct{}),
		stopPing:  make(chan struct{}),
	}
	go c.pingLoop(b.cfg.PingInterval)
	go c.readLoop()
	return c, nil
}

var _ native.Backend = (*Backend)(nil)

type conn struct {
	ws        *websocket.Conn
	id        string
	userAgent string
	sink      native.Sink
	pongWait  time.Duration

	writeMu   sync.Mutex // serialises all conn writes (ping, frames, close)
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	stopPing  chan struct{}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Login(ctx context.Context, creds credentials.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	return c.write(ctx, wire.Login(creds, c.userAgent))
}

func (c *conn) Send(ctx context.Context, payload []byte) error {
	return c.write(ctx, wire.Frame{Type: wire.TypeSend, Payload: payload})
}

func (c *conn) write(ctx context.Context, f wire.Frame) error {
	if c.closing.Load() {
		return ErrConnClosed
	}
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.write(ctx, wire.Frame{Type: wire.TypeClose})
		c.closing.Store(true)
		close(c.stopPing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (c *conn) readLoop() {
	defer close(c.done)

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				return
			}
			reason := native.ReasonNetworkError
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				reason = native.ReasonServerShutdown
			}
			slog.Debug("wsnative.read.error", slog.String("conn_id", c.id), slog.String("err", err.Error()))
			c.sink.Deliver(native.ConnectionLost(reason))
			_ = c.ws.Close()
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))

		f, err := wire.Decode(data)
		if err != nil {
			slog.Debug("wsnative.read.bad_frame", slog.String("conn_id", c.id), slog.String("err", err.Error()))
			continue
		}
		ev, err := f.Event()
		if err != nil {
			slog.Debug("wsnative.read.bad_frame", slog.String("conn_id", c.id), slog.String("err", err.Error()))
			continue
		}
		if c.closing.Load() || !c.sink.Deliver(ev) {
			return
		}
	}
}

// pingLoop sends periodic pings until the conn closes.
func (c *conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPing:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
