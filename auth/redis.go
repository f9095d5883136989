package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// RedisConfig locates the token in Redis. Defaults can be loaded via envdecode.
type RedisConfig struct {
	// Addr like "localhost:6379". ENV: CHATSOCKET_REDIS_ADDR
	Addr string `env:"CHATSOCKET_REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH, if any. ENV: CHATSOCKET_REDIS_PASSWORD
	Password string `env:"CHATSOCKET_REDIS_PASSWORD"`
	// DB index. ENV: CHATSOCKET_REDIS_DB
	DB int `env:"CHATSOCKET_REDIS_DB,default=0"`
	// Key holding the bearer token. ENV: CHATSOCKET_REDIS_TOKEN_KEY
	Key string `env:"CHATSOCKET_REDIS_TOKEN_KEY,default=chatsocket:token"`
}

// RedisStore reads the token from a Redis string key on every call, so a
// token refreshed by another process is picked up on the next connect.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	key := cfg.Key
	if key == "" {
		key = "chatsocket:token"
	}

	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: cl, key: key}, nil
}

// NewRedisStoreFromEnv builds a RedisStore using envdecode to populate RedisConfig.
func NewRedisStoreFromEnv(ctx context.Context) (*RedisStore, error) {
	var cfg RedisConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, err
	}
	return NewRedisStore(ctx, cfg)
}

func (s *RedisStore) Token(ctx context.Context) (string, error) {
	v, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return StripBearer(v), nil
}

// Store writes token under the configured key; an empty token deletes it.
func (s *RedisStore) Store(ctx context.Context, token string) error {
	if token == "" {
		return s.client.Del(ctx, s.key).Err()
	}
	return s.client.Set(ctx, s.key, token, 0).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
