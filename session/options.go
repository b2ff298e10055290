package session

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ggoodman/spsession-go/credentials"
	"github.com/ggoodman/spsession-go/credstore"
)

const (
	defaultMailboxSize    = 64
	defaultDestroyTimeout = 10 * time.Second
)

// Option configures a Session.
type Option func(*options)

type options struct {
	logHandler     slog.Handler
	store          *credstore.Store
	storeSet       bool
	verifier       credentials.Verifier
	mailboxSize    int
	id             string
	destroyTimeout time.Duration
}

func (o *options) applyDefaults(cachePath string) {
	if o.logHandler == nil {
		o.logHandler = slog.DiscardHandler
	}
	if o.mailboxSize <= 0 {
		o.mailboxSize = defaultMailboxSize
	}
	if o.destroyTimeout <= 0 {
		o.destroyTimeout = defaultDestroyTimeout
	}
	if !o.storeSet && cachePath != "" {
		o.store = credstore.New(filepath.Clean(cachePath))
	}
}

// WithLogHandler sets the handler the Session logs through.
func WithLogHandler(h slog.Handler) Option {
	return func(o *options) { o.logHandler = h }
}

// WithLogger is WithLogHandler for an existing logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logHandler = l.Handler()
		}
	}
}

// WithCredentialStore overrides where remember-me blobs are kept. By default
// a store rooted at the config's CachePath is used when CachePath is set.
// Passing nil disables persistence.
func WithCredentialStore(s *credstore.Store) Option {
	return func(o *options) {
		o.store = s
		o.storeSet = true
	}
}

// WithBlobVerifier checks blob credentials locally before they are presented
// to the service.
func WithBlobVerifier(v credentials.Verifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithMailboxSize sets how many native events may be queued for the event
// loop before backends block.
func WithMailboxSize(n int) Option {
	return func(o *options) { o.mailboxSize = n }
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithDestroyTimeout bounds each asynchronous handle destroy.
func WithDestroyTimeout(d time.Duration) Option {
	return func(o *options) { o.destroyTimeout = d }
}
