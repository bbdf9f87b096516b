// Package dailylimit enforces calendar-day quotas over a kv.Store.
//
// Unlike the rolling windows in the ratelimit package, a daily quota
// resets at UTC midnight: counters are keyed by the UTC date, so a new
// day simply starts a new key. Counters carry a 24-hour expiry so
// yesterday's keys clean themselves up.
//
// Store failures fail open: a quota check never blocks the user action
// it guards because the backing store is down.
package dailylimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/bloomfeed/guardkit/kv"
)

const keyPrefix = "daily:"

// Cap is a named per-day quota.
type Cap struct {
	Name  string
	Limit int64
}

// Caps is the per-feature quota table.
type Caps struct {
	Upload     Cap
	CreatePost Cap
	Message    Cap
	Report     Cap
}

// DefaultCaps returns the production quota table.
func DefaultCaps() Caps {
	return Caps{
		Upload:     Cap{Name: "upload", Limit: 50},
		CreatePost: Cap{Name: "create_post", Limit: 30},
		Message:    Cap{Name: "message", Limit: 200},
		Report:     Cap{Name: "report", Limit: 10},
	}
}

// Result is the outcome of a quota check.
type Result struct {
	// Allowed reports whether the action may proceed.
	Allowed bool

	// Count is the number of actions consumed today, including this one
	// when allowed.
	Count int64

	// Limit is the quota that applies.
	Limit int64
}

// Limiter counts actions per user per UTC calendar day.
type Limiter struct {
	store kv.Store
	caps  Caps
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCaps replaces the default quota table.
func WithCaps(c Caps) Option {
	return func(l *Limiter) {
		l.caps = c
	}
}

// WithNow overrides the clock used to derive the UTC date. For tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter over the given store.
func New(store kv.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		caps:  DefaultCaps(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Caps returns the limiter's quota table.
func (l *Limiter) Caps() Caps {
	return l.caps
}

// Check consumes one unit of the user's quota for the given cap. At or
// over the limit the action is denied without consuming anything. Store
// failures fail open with a zero count.
func (l *Limiter) Check(ctx context.Context, userID string, c Cap) Result {
	date := l.now().UTC().Format("2006-01-02")
	key := keyPrefix + c.Name + ":" + userID + ":" + date

	val, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return l.failOpen(ctx, c, err)
	}

	var count int64
	if ok {
		count, _ = strconv.ParseInt(val, 10, 64)
	}
	if count >= c.Limit {
		return Result{Allowed: false, Count: count, Limit: c.Limit}
	}

	n, err := l.store.Incr(ctx, key)
	if err != nil {
		return l.failOpen(ctx, c, err)
	}

	// A freshly created counter has no expiry yet; give it 24 hours so
	// the key disappears on its own even if it is never read again.
	ttl, err := l.store.TTL(ctx, key)
	if err == nil && ttl == kv.TTLNone {
		if err := l.store.Expire(ctx, key, 24*time.Hour); err != nil {
			logError(ctx, fmt.Errorf("dailylimit %s expire: %w", c.Name, err))
		}
	}

	return Result{Allowed: true, Count: n, Limit: c.Limit}
}

func (l *Limiter) failOpen(ctx context.Context, c Cap, err error) Result {
	logError(ctx, fmt.Errorf("dailylimit %s fail-open: %w", c.Name, err))
	return Result{Allowed: true, Count: 0, Limit: c.Limit}
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
