package auth

import (
	"context"
	"testing"
	"time"
)

func TestRedisStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Quick availability check to allow graceful skip in environments without Redis
	s, err := NewRedisStoreFromEnv(ctx)
	if err != nil {
		t.Skipf("skipping redis token store tests: %v", err)
		return
	}
	defer s.Close()

	s.key = "chatsocket:test:" + t.Name()
	t.Cleanup(func() { _ = s.Store(context.Background(), "") })

	if tok, err := s.Token(ctx); err != nil || tok != "" {
		t.Fatalf("missing key: got %q, %v", tok, err)
	}
	if err := s.Store(ctx, "Bearer from-redis"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if tok, err := s.Token(ctx); err != nil || tok != "from-redis" {
		t.Fatalf("got %q, %v", tok, err)
	}
}
