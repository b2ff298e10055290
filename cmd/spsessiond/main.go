// Command spsessiond keeps one streaming-service session alive and exposes
// it over a small HTTP control API.
//
//	spsessiond -config spsessiond.yaml
//
// Endpoints are served by controlhttp: GET /session, POST /session/connect,
// POST /session/relogin, POST /session/disconnect, POST /session/messages,
// DELETE /session/remembered and GET /session/events (Server-Sent Events).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/spsession-go/controlhttp"
	"github.com/ggoodman/spsession-go/credentials"
	"github.com/ggoodman/spsession-go/credstore"
	"github.com/ggoodman/spsession-go/internal/logctx"
	"github.com/ggoodman/spsession-go/native"
	"github.com/ggoodman/spsession-go/native/memorynative"
	"github.com/ggoodman/spsession-go/native/redisnative"
	"github.com/ggoodman/spsession-go/native/wsnative"
	"github.com/ggoodman/spsession-go/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("SPSESSIOND_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("spsessiond.fatal", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	handler := newLogHandler(cfg.Logging)
	log := slog.New(logctx.Handler{Handler: handler})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, fallbackVerifier, err := newBackend(cfg)
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}
	defer func() {
		if err := closeBackend(); err != nil {
			log.Warn("spsessiond.backend.close.fail", slog.String("err", err.Error()))
		}
	}()

	verifier, err := newVerifier(ctx, cfg.Verifier, fallbackVerifier)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}

	appKey, err := cfg.appKey()
	if err != nil {
		return err
	}

	hub := controlhttp.NewHub(cfg.Control.EventQueueSize)
	opts := []session.Option{
		session.WithLogHandler(handler),
		session.WithMailboxSize(cfg.Session.MailboxSize),
	}
	var store *credstore.Store
	if cfg.Session.CachePath != "" {
		store = credstore.New(cfg.Session.CachePath)
		opts = append(opts, session.WithCredentialStore(store))
	}
	if verifier != nil {
		opts = append(opts, session.WithBlobVerifier(verifier))
	}

	nativeCfg := native.Config{
		AppKey:    appKey,
		UserAgent: cfg.Session.UserAgent,
		CachePath: cfg.Session.CachePath,
	}
	control, err := controlhttp.New(controlhttp.Config{
		NewSession: func() (*session.Session, error) {
			return session.New(nativeCfg, backend, hub, opts...)
		},
		Hub:            hub,
		ConnectRate:    cfg.Control.ConnectRate,
		ConnectBurst:   cfg.Control.ConnectBurst,
		RequestTimeout: ms(cfg.Control.RequestTimeoutMs),
		LogHandler:     handler,
	})
	if err != nil {
		return fmt.Errorf("create control handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/session", control)
	mux.Handle("/session/", control)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              cfg.Listen.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Session.AutoRelogin && store != nil {
		go autoRelogin(ctx, log, control, store)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("spsessiond.listen",
			slog.String("addr", cfg.Listen.Addr),
			slog.String("backend", backend.Name()),
			slog.String("session_id", control.Session().ID()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("spsessiond.shutdown")
	case err := <-serveErr:
		if err != nil {
			_ = control.Close(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("spsessiond.http.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := control.Close(shutdownCtx); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	log.Info("spsessiond.stopped")
	return nil
}

func newLogHandler(cfg LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.JSON {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

// newBackend builds the configured native backend. The returned verifier is
// used when no verifier is configured explicitly.
func newBackend(cfg *Config) (native.Backend, func() error, credentials.Verifier, error) {
	noop := func() error { return nil }

	switch cfg.Backend.Kind {
	case backendMemory:
		opts := []memorynative.Option{memorynative.WithLoginLatency(ms(cfg.Backend.Memory.LoginLatencyMs))}
		for user, pw := range cfg.Backend.Memory.Accounts {
			opts = append(opts, memorynative.WithAccount(user, pw))
		}
		if cfg.Backend.Memory.Echo {
			opts = append(opts, memorynative.WithEcho())
		}
		svc := memorynative.New(opts...)
		return svc, noop, svc.Verifier(), nil

	case backendRedis:
		rc, err := redisnative.ConfigFromEnv()
		if err != nil {
			return nil, nil, nil, err
		}
		if y := cfg.Backend.Redis; y.Addr != "" {
			rc.RedisAddr = y.Addr
		}
		if y := cfg.Backend.Redis; y.KeyPrefix != "" {
			rc.KeyPrefix = y.KeyPrefix
		}
		if y := cfg.Backend.Redis; y.BlockMs > 0 {
			rc.Block = ms(y.BlockMs)
		}
		b, err := redisnative.New(rc)
		if err != nil {
			return nil, nil, nil, err
		}
		return b, b.Close, nil, nil

	case backendWebSocket:
		wc, err := wsnative.ConfigFromEnv()
		if err != nil {
			return nil, nil, nil, err
		}
		if y := cfg.Backend.WebSocket; y.URL != "" {
			wc.URL = y.URL
		}
		if y := cfg.Backend.WebSocket; y.DialAttempts > 0 {
			wc.DialAttempts = y.DialAttempts
		}
		b, err := wsnative.New(wc)
		if err != nil {
			return nil, nil, nil, err
		}
		return b, noop, nil, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
}

func newVerifier(ctx context.Context, cfg VerifierConfig, fallback credentials.Verifier) (credentials.Verifier, error) {
	vc := credentials.DefaultConfig()
	vc.Issuer = cfg.Issuer
	if cfg.LeewayMs > 0 {
		vc.Leeway = ms(cfg.LeewayMs)
	}

	switch cfg.Kind {
	case verifierHMAC:
		return credentials.NewHMACVerifier(vc, []byte(cfg.HMACKey))
	case verifierJWKS:
		return credentials.NewJWKSVerifier(ctx, vc, cfg.JWKSURL)
	case verifierDiscovery:
		return credentials.NewDiscoveryVerifier(ctx, vc)
	}
	return fallback, nil
}

// autoRelogin logs in with remembered credentials at startup and whenever
// the credential store changes while the session is disconnected. A session
// left in a terminal state is renewed first.
func autoRelogin(ctx context.Context, log *slog.Logger, control *controlhttp.Handler, store *credstore.Store) {
	try := func(r credstore.Remembered, err error) {
		if err != nil {
			if !errors.Is(err, credstore.ErrNotFound) {
				log.WarnContext(ctx, "spsessiond.relogin.load.fail", slog.String("err", err.Error()))
			}
			return
		}
		sess, err := control.Renew(ctx)
		if err != nil {
			log.WarnContext(ctx, "spsessiond.relogin.renew.fail", slog.String("err", err.Error()))
			return
		}
		if sess.State() != session.StateDisconnected {
			return
		}
		if err := sess.Relogin(ctx); err != nil {
			log.WarnContext(ctx, "spsessiond.relogin.fail", slog.String("user", r.Username), slog.String("err", err.Error()))
			return
		}
		log.InfoContext(ctx, "spsessiond.relogin.start", slog.String("user", r.Username))
	}

	try(store.Load())
	if err := store.Watch(ctx, 250*time.Millisecond, try); err != nil && !errors.Is(err, context.Canceled) {
		log.WarnContext(ctx, "spsessiond.relogin.watch.fail", slog.String("err", err.Error()))
	}
}
