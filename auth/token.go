package auth

import (
	"context"
	"os"
	"strings"
	"sync"
)

// TokenStore yields the bearer credential used at connect time.
// An empty token with a nil error means no credential is available.
type TokenStore interface {
	Token(ctx context.Context) (string, error)
}

// TokenStoreFunc adapts a function to TokenStore.
type TokenStoreFunc func(ctx context.Context) (string, error)

func (f TokenStoreFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticStore holds a token in memory. Set("") logs out.
type StaticStore struct {
	mu    sync.RWMutex
	token string
}

func NewStaticStore(token string) *StaticStore {
	return &StaticStore{token: strings.TrimSpace(token)}
}

func (s *StaticStore) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *StaticStore) Set(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

// EnvStore reads the token from an environment variable on every call.
type EnvStore struct {
	Key string
}

func (s EnvStore) Token(context.Context) (string, error) {
	return strings.TrimSpace(os.Getenv(s.Key)), nil
}

// StripBearer removes an optional "Bearer " prefix.
func StripBearer(token string) string {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}
