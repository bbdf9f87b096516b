// Package searchcache provides a cache-aside helper for expensive search
// queries, backed by a kv.Store with TTL-bounded JSON payloads.
//
// The cache is strictly best-effort: a store failure, a missing key and
// a corrupt payload all read as a miss, and a failed write is logged and
// swallowed. The underlying query's correctness is never affected, only
// its latency.
//
// Cache keys for structured searches are built with Params.Key, which is
// deterministic: two logically identical queries always produce
// byte-identical keys.
//
//	key := searchcache.Params{Type: "posts", Query: q, Page: page}.Key()
//	posts, err := searchcache.Fetch(ctx, cache, key, func(ctx context.Context) ([]Post, error) {
//	    return repo.SearchPosts(ctx, q, page)
//	})
package searchcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/bloomfeed/guardkit/kv"
)

const keyPrefix = "search:"

// DefaultTTL bounds how stale a cached result may get.
const DefaultTTL = 5 * time.Minute

// Params describes a structured search for key construction. Type is
// mandatory; every other field is optional and contributes a segment
// only when set.
type Params struct {
	Type    string
	Query   string
	GenreID string
	Page    int
	Limit   int
	SortBy  string
}

// Key builds the deterministic cache key for the search. The Type comes
// first, followed by the optional segments in fixed order; the query is
// lowercased and trimmed so whitespace and case variants share an entry.
func (p Params) Key() string {
	segs := make([]string, 0, 6)
	segs = append(segs, p.Type)

	if q := strings.ToLower(strings.TrimSpace(p.Query)); q != "" {
		segs = append(segs, "q:"+q)
	}
	if p.GenreID != "" {
		segs = append(segs, "genre:"+p.GenreID)
	}
	if p.Page > 0 {
		segs = append(segs, "page:"+strconv.Itoa(p.Page))
	}
	if p.Limit > 0 {
		segs = append(segs, "limit:"+strconv.Itoa(p.Limit))
	}
	if p.SortBy != "" {
		segs = append(segs, "sort:"+p.SortBy)
	}
	return strings.Join(segs, ":")
}

// Cache stores JSON-encoded search results under "search:<key>".
type Cache struct {
	store kv.Store
	ttl   time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		c.ttl = d
	}
}

// New creates a Cache over the given store.
func New(store kv.Store, opts ...Option) *Cache {
	c := &Cache{store: store, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores v under key. A non-positive ttl uses the cache default.
// Failures are logged and swallowed: a cache write must not fail the
// caller's primary operation.
func (c *Cache) Put(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		logError(ctx, fmt.Errorf("searchcache encode %s: %w", key, err))
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.store.Set(ctx, keyPrefix+key, string(raw), ttl); err != nil {
		logError(ctx, fmt.Errorf("searchcache put %s: %w", key, err))
	}
}

// Del invalidates key. Only exact-key invalidation is supported; entries
// otherwise age out via their TTL. Failures are logged and swallowed.
func (c *Cache) Del(ctx context.Context, key string) {
	if err := c.store.Del(ctx, keyPrefix+key); err != nil {
		logError(ctx, fmt.Errorf("searchcache del %s: %w", key, err))
	}
}

// Get reads the entry for key into T. A store failure or a payload that
// does not decode reads as a miss.
func Get[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var v T

	raw, ok, err := c.store.Get(ctx, keyPrefix+key)
	if err != nil {
		logError(ctx, fmt.Errorf("searchcache get %s: %w", key, err))
		return v, false
	}
	if !ok {
		return v, false
	}

	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		logError(ctx, fmt.Errorf("searchcache decode %s: %w", key, err))
		var zero T
		return zero, false
	}
	return v, true
}

// Fetch is the read-through path: on a hit it returns the cached value;
// on a miss it runs fn, waits for the cache write to complete, and
// returns fn's result. An error from fn propagates untouched and leaves
// the cache unchanged.
func Fetch[T any](ctx context.Context, c *Cache, key string, fn func(context.Context) (T, error)) (T, error) {
	if v, ok := Get[T](ctx, c, key); ok {
		return v, nil
	}

	v, err := fn(ctx)
	if err != nil {
		return v, err
	}

	c.Put(ctx, key, v, 0)
	return v, nil
}

// logError attaches err to the caller's canonical log when one is in the
// context, and emits a standalone log line otherwise. Logging must never
// panic a fail-open path.
func logError(ctx context.Context, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.ErrorAdd(ctx, err)
		return
	}
	ctx = canonlog.NewContext(ctx)
	canonlog.ErrorAdd(ctx, err)
	canonlog.Flush(ctx)
}
