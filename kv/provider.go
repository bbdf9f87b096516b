package kv

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/nhalm/canonlog"
	"github.com/redis/go-redis/v9"
)

// Config selects the storage backend. When both RedisURL and RedisToken
// are set the Redis backend is used; otherwise the in-memory fallback is
// used silently. There is deliberately no error path for a missing Redis
// configuration: single-instance deployments and tests run on Memory.
type Config struct {
	RedisURL   string
	RedisToken string
}

// ConfigFromEnv reads the backend selection from GUARDKIT_REDIS_URL and
// GUARDKIT_REDIS_TOKEN.
func ConfigFromEnv() Config {
	return Config{
		RedisURL:   getEnv("GUARDKIT_REDIS_URL", ""),
		RedisToken: getEnv("GUARDKIT_REDIS_TOKEN", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// Provider resolves the backing Store once and hands the same instance to
// every component. Construct one at application startup and inject the
// resulting Store; the Provider itself has no teardown beyond the Store's
// own Close.
type Provider struct {
	cfg   Config
	once  sync.Once
	store Store
}

// NewProvider creates a Provider for the given configuration. The backend
// is not resolved until the first call to Store.
func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// Store returns the selected backend, resolving it on first call. Every
// subsequent call returns the same instance.
func (p *Provider) Store() Store {
	p.once.Do(func() {
		ctx := canonlog.NewContext(context.Background())
		defer canonlog.Flush(ctx)

		if p.cfg.RedisURL != "" && p.cfg.RedisToken != "" {
			opts, err := redis.ParseURL(p.cfg.RedisURL)
			if err == nil {
				opts.Password = p.cfg.RedisToken
				p.store = NewRedis(redis.NewClient(opts))
				canonlog.InfoAdd(ctx, "kv_backend", "redis")
				return
			}
			canonlog.ErrorAdd(ctx, fmt.Errorf("parse redis url: %w", err))
		}

		p.store = NewMemory()
		canonlog.InfoAdd(ctx, "kv_backend", "memory")
	})
	return p.store
}
