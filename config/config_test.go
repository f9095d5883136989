package config

import (
	"context"
	"testing"
	"time"

	"github.com/kleeedolinux/chatsocket.go/auth"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.URL != "http://localhost:8080/ws" {
		t.Errorf("URL = %q", cfg.URL)
	}
	if cfg.ReconnectDelay != 5*time.Second || cfg.HandshakeTimeout != 15*time.Second || cfg.ConnectWait != 5*time.Second {
		t.Errorf("unexpected timings %+v", cfg)
	}
	if cfg.ReconnectAttempts != -1 {
		t.Errorf("ReconnectAttempts = %d", cfg.ReconnectAttempts)
	}
	if cfg.HeartbeatOutgoing != 4*time.Second || cfg.HeartbeatIncoming != 4*time.Second {
		t.Errorf("unexpected heart-beats %v/%v", cfg.HeartbeatOutgoing, cfg.HeartbeatIncoming)
	}
	if cfg.Redis.Key != "chatsocket:token" {
		t.Errorf("Redis.Key = %q", cfg.Redis.Key)
	}
	if len(cfg.ClientOptions()) == 0 {
		t.Error("expected client options")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHATSOCKET_URL", "https://chat.example.com/ws")
	t.Setenv("CHATSOCKET_TRANSPORT", "xhr-polling")
	t.Setenv("CHATSOCKET_RECONNECT_DELAY", "3s")
	t.Setenv("CHATSOCKET_TOKEN_SOURCE", "static")
	t.Setenv("CHATSOCKET_TOKEN", "abc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.URL != "https://chat.example.com/ws" || cfg.Transport != "xhr-polling" || cfg.ReconnectDelay != 3*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if _, err := cfg.Dialer(); err != nil {
		t.Fatalf("Dialer: %v", err)
	}

	store, closeFn, err := cfg.TokenStore(context.Background())
	if err != nil {
		t.Fatalf("TokenStore: %v", err)
	}
	defer closeFn()
	if _, ok := store.(*auth.StaticStore); !ok {
		t.Fatalf("expected StaticStore, got %T", store)
	}
	if tok, _ := store.Token(context.Background()); tok != "abc" {
		t.Fatalf("token = %q", tok)
	}
}

func TestLoadRejectsUnknownValues(t *testing.T) {
	t.Setenv("CHATSOCKET_TRANSPORT", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestValidateTokenSource(t *testing.T) {
	cfg := Config{URL: "http://x/ws", Transport: "websocket", TokenSource: "keychain"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown token source")
	}
}
