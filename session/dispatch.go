package session

import (
	"context"
	"fmt"
	"log/slog"
)

// dispatch runs one listener callback. Errors and panics stop here: they are
// logged and counted and never reach the state machine or a backend.
func (s *Session) dispatch(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.dispatchFailed(ctx, fmt.Errorf("%w: %s: panic: %v", ErrListenerDispatch, name, r))
		}
	}()
	if err := fn(ctx); err != nil {
		s.dispatchFailed(ctx, fmt.Errorf("%w: %s: %w", ErrListenerDispatch, name, err))
	}
}

func (s *Session) dispatchFailed(ctx context.Context, err error) {
	s.dispatchFailures.Add(1)
	s.log.ErrorContext(s.logCtx(ctx), "dispatch.listener.fail", slog.String("err", err.Error()))
}

func (s *Session) notifyState(ctx context.Context, from, to State) {
	s.log.DebugContext(s.logCtx(ctx), "session.state", slog.String("from", from.String()), slog.String("to", to.String()))
	sl, ok := s.listener.(StateListener)
	if !ok {
		return
	}
	s.dispatch(ctx, "on_state_changed", func(ctx context.Context) error {
		return sl.OnStateChanged(ctx, from, to)
	})
}
