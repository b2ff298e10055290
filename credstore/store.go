// Package credstore persists the remember-me credential blob of a session
// under the session's cache path so a later process can relogin without a
// password.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileName is the name of the credentials file inside the cache directory.
const FileName = "credentials.json"

// ErrNotFound is returned by Load when nothing is remembered.
var ErrNotFound = errors.New("credstore: no remembered credentials")

// Remembered is the persisted remember-me record.
type Remembered struct {
	Username  string    `json:"username"`
	Blob      string    `json:"blob"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes a single Remembered record. It is safe for
// concurrent use within a process.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New returns a Store rooted at dir. The directory is created lazily on Save.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Path is the full path of the credentials file.
func (s *Store) Path() string { return filepath.Join(s.dir, FileName) }

// Save atomically replaces the remembered record.
func (s *Store) Save(r Remembered) error {
	if r.Username == "" || r.Blob == "" {
		return errors.New("credstore: username and blob are required")
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, FileName+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path()); err != nil {
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}

// Load returns the remembered record or ErrNotFound.
func (s *Store) Load() (Remembered, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Remembered{}, ErrNotFound
		}
		return Remembered{}, fmt.Errorf("read credentials: %w", err)
	}
	var r Remembered
	if err := json.Unmarshal(b, &r); err != nil {
		return Remembered{}, fmt.Errorf("parse credentials: %w", err)
	}
	if r.Username == "" || r.Blob == "" {
		return Remembered{}, ErrNotFound
	}
	return r, nil
}

// Forget removes the remembered record. Forgetting nothing is not an error.
func (s *Store) Forget() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// Watch calls fn with the result of Load whenever the credentials file is
// created, replaced or removed, until ctx is done. Bursts of filesystem
// events are coalesced over debounce. Watch blocks.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, fn func(Remembered, error)) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify unavailable: %w", err)
	}
	defer func() { _ = w.Close() }()

	// Watch the directory: Save replaces the file via rename, which drops a
	// watch placed on the file itself.
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != FileName {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			fn(s.Load())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Debug("fsnotify error", slog.String("err", err.Error()))
		}
	}
}
