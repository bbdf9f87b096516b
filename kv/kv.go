// Package kv defines the key-value storage layer guardkit components are
// built on, along with two interchangeable implementations.
//
// The Store interface is a small Redis-shaped contract: string values,
// optional expiry, and an atomic counter. Memory is a process-local
// implementation suitable for single-instance deployments and tests.
// Redis delegates to a go-redis client for distributed deployments.
//
// Backend selection is handled by Provider, which resolves the backend
// once from configuration and hands the same Store to every component:
//
//	provider := kv.NewProvider(kv.ConfigFromEnv())
//	store := provider.Store()
//	defer store.Close()
package kv

import (
	"context"
	"time"
)

// TTL sentinels returned by Store.TTL, matching Redis TTL command semantics.
const (
	// TTLNone indicates the key exists but has no expiry.
	TTLNone = -1 * time.Second

	// TTLMissing indicates the key does not exist or has already expired.
	TTLMissing = -2 * time.Second
)

// Store is the storage contract shared by every guardkit component.
// Implementations must be safe for concurrent use. A key whose expiry
// has passed behaves as absent for every operation, even if it is still
// physically present in the backing structure.
type Store interface {
	// Get returns the value stored at key, reporting whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value at key. A ttl of zero means the key never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Incr atomically increments the integer stored at key and returns
	// the new value. An absent or non-numeric value counts as zero.
	// Any existing expiry on the key is preserved.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the expiry of key to now+ttl, overwriting any existing
	// expiry. It is a no-op when the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time until key expires, TTLNone when the
	// key has no expiry, or TTLMissing when the key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Close releases any resources held by the store.
	Close() error
}
