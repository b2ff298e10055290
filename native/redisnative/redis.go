package redisnative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/spsession-go/credentials"
	"github.com/ggoodman/spsession-go/internal/wire"
	"github.com/ggoodman/spsession-go/native"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis backend. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SPSESSION_KEY_PREFIX
	KeyPrefix string `env:"SPSESSION_KEY_PREFIX,default=spsession:"`
	// Block is how long a single XREAD waits. ENV: SPSESSION_REDIS_BLOCK
	Block time.Duration `env:"SPSESSION_REDIS_BLOCK,default=500ms"`
	// MaxLen bounds the registry stream. ENV: SPSESSION_REDIS_MAXLEN
	MaxLen int64 `env:"SPSESSION_REDIS_MAXLEN,default=1000"`
}

// Backend reaches the service through Redis Streams. Each Conn owns an
// upstream stream (client -> service) and a downstream stream
// (service -> client); new Conns are announced on a registry stream.
type Backend struct {
	client    *redis.Client
	keyPrefix string
	block     time.Duration
	maxLen    int64

	acceptMu     sync.Mutex
	acceptCursor string
}

func New(cfg Config) (*Backend, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "spsession:"
	}
	block := cfg.Block
	if block <= 0 {
		block = 500 * time.Millisecond
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &Backend{client: cl, keyPrefix: prefix, block: block, maxLen: maxLen, acceptCursor: "0"}, nil
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv() (*Backend, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// ConfigFromEnv decodes Config from the environment, applying tag defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode redis config: %w", err)
	}
	return cfg, nil
}

// Close closes the Redis client.
func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) Name() string { return "redis" }

// --- Key helpers ---

func (b *Backend) registryKey() string          { return b.keyPrefix + "conns" }
func (b *Backend) upKey(connID string) string   { return b.keyPrefix + "up:" + connID }
func (b *Backend) downKey(connID string) string { return b.keyPrefix + "down:" + connID }

// Create implements native.Backend.
func (b *Backend) Create(ctx context.Context, cfg native.Config, sink native.Sink) (native.Conn, error) {
	if len(cfg.AppKey) == 0 {
		return nil, fmt.Errorf("%w: app key is required", native.ErrInitializationFailed)
	}
	id := uuid.NewString()
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.registryKey(),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"id": id, "ua": cfg.UserAgent},
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("%w: register conn: %w", native.ErrInitializationFailed, err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		b:         b,
		id:        id,
		userAgent: cfg.UserAgent,
		sink:      sink,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.read(rctx)
	return c, nil
}

var _ native.Backend = (*Backend)(nil)

type conn struct {
	b         *Backend
	id        string
	userAgent string
	sink      native.Sink

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (c *conn) ID() string { return c.id }

func (c *conn) Login(ctx context.Context, creds credentials.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	return c.publish(ctx, wire.Login(creds, c.userAgent))
}

func (c *conn) Send(ctx context.Context, payload []byte) error {
	return c.publish(ctx, wire.Frame{Type: wire.TypeSend, Payload: payload})
}

func (c *conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.cancel()
		bg := context.WithoutCancel(ctx)
		if err := c.publish(bg, wire.Frame{Type: wire.TypeClose}); err != nil {
			c.closeErr = err
		}
		// The service may still be reading the upstream; let it expire.
		_ = c.b.client.Expire(bg, c.b.upKey(c.id), time.Minute).Err()
		_ = c.b.client.Del(bg, c.b.downKey(c.id)).Err()
	})
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.closeErr
}

func (c *conn) publish(ctx context.Context, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return c.b.client.XAdd(ctx, &redis.XAddArgs{Stream: c.b.upKey(c.id), Values: map[string]interface{}{"d": data}}).Err()
}

func (c *conn) read(ctx context.Context) {
	defer close(c.done)
	key := c.b.downKey(c.id)
	start := "0"
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := c.b.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: c.b.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Debug("redisnative.read.error", slog.String("conn_id", c.id), slog.String("err", err.Error()))
			c.sink.Deliver(native.ConnectionLost(native.ReasonNetworkError))
			return
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				f, err := wire.Decode(payloadOf(m))
				if err != nil {
					slog.Debug("redisnative.read.bad_frame", slog.String("conn_id", c.id), slog.String("err", err.Error()))
					continue
				}
				ev, err := f.Event()
				if err != nil {
					slog.Debug("redisnative.read.bad_frame", slog.String("conn_id", c.id), slog.String("err", err.Error()))
					continue
				}
				if ctx.Err() != nil || !c.sink.Deliver(ev) {
					return
				}
			}
		}
	}
}

func payloadOf(m redis.XMessage) []byte {
	switch v := m.Values["d"].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

// --- Service side ---

// Peer is the service side of one Conn.
type Peer struct {
	b         *Backend
	id        string
	userAgent string
	cursor    string
}

func (p *Peer) ID() string        { return p.id }
func (p *Peer) UserAgent() string { return p.userAgent }

// Accept blocks until the next Conn is registered and returns its Peer.
// Conns are returned in registration order, starting from the oldest entry
// still in the registry stream.
func (b *Backend) Accept(ctx context.Context) (*Peer, error) {
	b.acceptMu.Lock()
	defer b.acceptMu.Unlock()
	for {
		res, err := b.client.XRead(ctx, &redis.XReadArgs{Streams: []string{b.registryKey(), b.acceptCursor}, Count: 1, Block: b.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, err
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			continue
		}
		m := res[0].Messages[0]
		b.acceptCursor = m.ID
		id, _ := m.Values["id"].(string)
		ua, _ := m.Values["ua"].(string)
		if id == "" {
			continue
		}
		return &Peer{b: b, id: id, userAgent: ua, cursor: "0"}, nil
	}
}

// Recv blocks until the client's next frame arrives.
func (p *Peer) Recv(ctx context.Context) (wire.Frame, error) {
	key := p.b.upKey(p.id)
	for {
		res, err := p.b.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, p.cursor}, Count: 1, Block: p.b.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return wire.Frame{}, ctx.Err()
				}
				continue
			}
			return wire.Frame{}, err
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			continue
		}
		m := res[0].Messages[0]
		p.cursor = m.ID
		return wire.Decode(payloadOf(m))
	}
}

// Emit sends ev to the client.
func (p *Peer) Emit(ctx context.Context, ev native.Event) error {
	data, err := wire.Encode(wire.FromEvent(ev))
	if err != nil {
		return err
	}
	return p.b.client.XAdd(ctx, &redis.XAddArgs{Stream: p.b.downKey(p.id), Values: map[string]interface{}{"d": data}}).Err()
}
