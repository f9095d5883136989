package auth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/kleeedolinux/chatsocket.go/debug"
)

// FileStore serves the token written to a file by some login flow. Watch
// keeps the cached value in sync with the file.
type FileStore struct {
	path string

	mu    sync.RWMutex
	token string
}

// NewFileStore loads path once. A missing file is not an error; it reads as
// "no token" until the file appears.
func NewFileStore(path string) (*FileStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	s := &FileStore{path: abs}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) reload() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		b, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}

	token := StripBearer(string(b))
	s.mu.Lock()
	changed := token != s.token
	s.token = token
	s.mu.Unlock()

	if changed {
		debug.Logger().Debug("token file reloaded", "path", s.path, "present", token != "")
	}
	return nil
}

// Watch reloads the token whenever the file is written, replaced or removed.
// The parent directory is watched so editors that rename over the file are
// seen too. Watch blocks until ctx is done; ready, if non-nil, is closed once
// the watcher is installed.
func (s *FileStore) Watch(ctx context.Context, ready chan<- struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("token watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	// Catch writes that landed between NewFileStore and the watch.
	_ = s.reload()
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				debug.Logger().Warn("token file reload failed", "path", s.path, "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			debug.Logger().Debug("token watcher error", "err", err)
		}
	}
}
