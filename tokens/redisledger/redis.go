package redisledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/graphql-sse-go/tokens"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	valueLive    = "live"
	valueRetired = "retired"
)

// Config for the Redis-backed ledger. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: TOKENS_KEY_PREFIX
	KeyPrefix string `env:"TOKENS_KEY_PREFIX,default=graphql-sse:"`
	// Retention is how long token records are kept. ENV: TOKENS_RETENTION
	Retention time.Duration `env:"TOKENS_RETENTION,default=24h"`
}

type Ledger struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

var _ tokens.Ledger = (*Ledger)(nil)

func New(cfg Config) (*Ledger, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient wraps an existing client. The ledger takes ownership of it.
func NewWithClient(cl *redis.Client, cfg Config) *Ledger {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "graphql-sse:"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Ledger{client: cl, keyPrefix: prefix, retention: retention}
}

// NewFromEnv builds a Ledger using envdecode to populate Config.
func NewFromEnv() (*Ledger, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis ledger config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (l *Ledger) Close() error { return l.client.Close() }

func (l *Ledger) tokenKey(token string) string { return l.keyPrefix + "token:" + tokens.Key(token) }

func (l *Ledger) Claim(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, tokens.ErrEmptyToken
	}
	ok, err := l.client.SetNX(ctx, l.tokenKey(token), valueLive, l.retention).Result()
	if err != nil {
		return false, fmt.Errorf("claim token: %w", err)
	}
	return ok, nil
}

func (l *Ledger) Retire(ctx context.Context, token string) error {
	if token == "" {
		return tokens.ErrEmptyToken
	}
	if err := l.client.Set(ctx, l.tokenKey(token), valueRetired, l.retention).Err(); err != nil {
		return fmt.Errorf("retire token: %w", err)
	}
	return nil
}

func (l *Ledger) Status(ctx context.Context, token string) (tokens.Status, error) {
	if token == "" {
		return tokens.StatusUnknown, tokens.ErrEmptyToken
	}
	v, err := l.client.Get(ctx, l.tokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return tokens.StatusUnknown, nil
		}
		return tokens.StatusUnknown, fmt.Errorf("token status: %w", err)
	}
	switch v {
	case valueLive:
		return tokens.StatusLive, nil
	case valueRetired:
		return tokens.StatusRetired, nil
	}
	return tokens.StatusUnknown, fmt.Errorf("token status: unexpected value %q", v)
}
