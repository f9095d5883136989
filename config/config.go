// Package config loads the chat client runtime configuration from the
// environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/kleeedolinux/chatsocket.go/auth"
	"github.com/kleeedolinux/chatsocket.go/socket"
	"github.com/kleeedolinux/chatsocket.go/socket/transport"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	// SockJS endpoint, e.g. http://localhost:8080/ws
	URL       string `env:"CHATSOCKET_URL,default=http://localhost:8080/ws"`
	Transport string `env:"CHATSOCKET_TRANSPORT,default=websocket"`

	ReconnectDelay    time.Duration `env:"CHATSOCKET_RECONNECT_DELAY,default=5s"`
	MaxReconnectDelay time.Duration `env:"CHATSOCKET_MAX_RECONNECT_DELAY,default=5s"`
	// Negative retries forever, 0 disables background reconnect.
	ReconnectAttempts int `env:"CHATSOCKET_RECONNECT_ATTEMPTS,default=-1"`

	HandshakeTimeout time.Duration `env:"CHATSOCKET_HANDSHAKE_TIMEOUT,default=15s"`
	ConnectWait      time.Duration `env:"CHATSOCKET_CONNECT_WAIT,default=5s"`
	RetrySettle      time.Duration `env:"CHATSOCKET_RETRY_SETTLE,default=1s"`

	HeartbeatOutgoing time.Duration `env:"CHATSOCKET_HEARTBEAT_OUTGOING,default=4s"`
	HeartbeatIncoming time.Duration `env:"CHATSOCKET_HEARTBEAT_INCOMING,default=4s"`

	LogLevel string `env:"CHATSOCKET_LOG_LEVEL,default=info"`
	Debug    bool   `env:"CHATSOCKET_DEBUG,default=false"`

	// One of static, env, file, redis.
	TokenSource string `env:"CHATSOCKET_TOKEN_SOURCE,default=env"`
	Token       string `env:"CHATSOCKET_TOKEN"`
	TokenEnv    string `env:"CHATSOCKET_TOKEN_ENV,default=CHATSOCKET_TOKEN"`
	TokenFile   string `env:"CHATSOCKET_TOKEN_FILE,default=token"`

	Redis auth.RedisConfig
}

// Load decodes Config from the environment, applying tag defaults.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := transport.ParseKind(c.Transport); err != nil {
		return err
	}
	if c.URL == "" {
		return errors.New("CHATSOCKET_URL is empty")
	}
	switch c.TokenSource {
	case "static", "env", "file", "redis":
	default:
		return fmt.Errorf("unknown token source %q", c.TokenSource)
	}
	return nil
}

// Dialer builds the transport dialer selected by Transport.
func (c Config) Dialer() (transport.Dialer, error) {
	kind, err := transport.ParseKind(c.Transport)
	if err != nil {
		return nil, err
	}
	return transport.Dial(kind, c.URL, c.HandshakeTimeout)
}

// TokenStore builds the credential store selected by TokenSource. The
// returned close func releases watchers and connections.
func (c Config) TokenStore(ctx context.Context) (auth.TokenStore, func() error, error) {
	noop := func() error { return nil }

	switch c.TokenSource {
	case "static":
		return auth.NewStaticStore(c.Token), noop, nil
	case "env":
		return auth.EnvStore{Key: c.TokenEnv}, noop, nil
	case "file":
		fs, err := auth.NewFileStore(c.TokenFile)
		if err != nil {
			return nil, nil, err
		}
		wctx, cancel := context.WithCancel(ctx)
		go func() {
			_ = fs.Watch(wctx, nil)
		}()
		return fs, func() error { cancel(); return nil }, nil
	case "redis":
		rs, err := auth.NewRedisStore(ctx, c.Redis)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown token source %q", c.TokenSource)
	}
}

// ClientOptions maps the timing knobs onto socket client options.
func (c Config) ClientOptions() []socket.ClientOption {
	return []socket.ClientOption{
		socket.WithReconnectDelay(c.ReconnectDelay),
		socket.WithMaxReconnectDelay(c.MaxReconnectDelay),
		socket.WithReconnectAttempts(c.ReconnectAttempts),
		socket.WithHandshakeTimeout(c.HandshakeTimeout),
		socket.WithConnectWait(c.ConnectWait),
		socket.WithRetrySettle(c.RetrySettle),
		socket.WithHeartbeat(c.HeartbeatOutgoing, c.HeartbeatIncoming),
	}
}
