// Package loginguard implements brute-force protection for login flows.
//
// Each identifier (conventionally "<ip>:<email>", built with Key) moves
// through three states: clean (no record), accumulating (1 to
// MaxAttempts-1 recent failures), and locked (MaxAttempts failures
// within the window, locked for the lockout duration). A successful
// login must call Reset to clear the record; otherwise it expires on its
// own.
//
// The guard fails open on store errors: an unavailable store never locks
// a legitimate user out, and never blocks a successful login from
// clearing its record.
package loginguard

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/bloomfeed/guardkit/kv"
)

const keyPrefix = "login_attempt:"

// Defaults for the lockout state machine.
const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 15 * time.Minute
	DefaultLockout     = 30 * time.Minute
)

// record is the stored attempt state. Decode failures are treated as an
// absent record, so a corrupt value resets the identifier to clean.
type record struct {
	Count       int        `json:"count"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// Result is the outcome of a check or a recorded failure.
type Result struct {
	// Allowed reports whether a login attempt may proceed.
	Allowed bool

	// Remaining is the number of failures left before lockout.
	Remaining int

	// LockedUntil is when an active lockout ends, nil otherwise.
	LockedUntil *time.Time

	// Message is a human-readable lockout message, set only on denial.
	Message string
}

// Guard tracks failed logins per identifier.
type Guard struct {
	store       kv.Store
	maxAttempts int
	window      time.Duration
	lockout     time.Duration
	now         func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithMaxAttempts overrides the failure threshold.
func WithMaxAttempts(n int) Option {
	return func(g *Guard) {
		g.maxAttempts = n
	}
}

// WithWindow overrides the counting window.
func WithWindow(d time.Duration) Option {
	return func(g *Guard) {
		g.window = d
	}
}

// WithLockout overrides the lockout duration.
func WithLockout(d time.Duration) Option {
	return func(g *Guard) {
		g.lockout = d
	}
}

// WithNow overrides the clock. For tests.
func WithNow(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// New creates a Guard over the given store with the documented defaults.
func New(store kv.Store, opts ...Option) *Guard {
	g := &Guard{
		store:       store,
		maxAttempts: DefaultMaxAttempts,
		window:      DefaultWindow,
		lockout:     DefaultLockout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Key builds the conventional identifier for a login attempt. The email
// is lowercased so case variants share one lockout bucket.
func Key(ip, email string) string {
	return ip + ":" + strings.ToLower(email)
}

// Check reports whether a login attempt for identifier may proceed,
// without recording anything.
func (g *Guard) Check(ctx context.Context, identifier string) Result {
	rec, ok, err := g.load(ctx, identifier)
	if err != nil {
		logError(ctx, fmt.Errorf("loginguard check fail-open: %w", err))
		return Result{Allowed: true, Remaining: g.maxAttempts}
	}
	if !ok {
		return Result{Allowed: true, Remaining: g.maxAttempts}
	}

	now := g.now()
	if rec.LockedUntil != nil && rec.LockedUntil.After(now) {
		mins := ceilMinutes(rec.LockedUntil.Sub(now))
		return Result{
			LockedUntil: rec.LockedUntil,
			Message:     fmt.Sprintf("Too many failed attempts. Try again in %d minutes.", mins),
		}
	}

	// A record at the threshold without an active lock is not reachable
	// through this package's own transitions; deny anyway.
	if rec.Count >= g.maxAttempts {
		return Result{Message: "Too many failed attempts."}
	}

	return Result{Allowed: true, Remaining: g.maxAttempts - rec.Count}
}

// RecordFailure registers a failed login for identifier and returns the
// resulting state. The call that reaches the threshold activates the
// lockout and reports it.
func (g *Guard) RecordFailure(ctx context.Context, identifier string) Result {
	rec, ok, err := g.load(ctx, identifier)
	if err != nil {
		return g.failOpen(ctx, err)
	}

	if !ok {
		if err := g.save(ctx, identifier, record{Count: 1}, g.window); err != nil {
			return g.failOpen(ctx, err)
		}
		return Result{Allowed: true, Remaining: g.maxAttempts - 1}
	}

	newCount := rec.Count + 1
	if newCount >= g.maxAttempts {
		until := g.now().Add(g.lockout)
		if err := g.save(ctx, identifier, record{Count: newCount, LockedUntil: &until}, g.lockout); err != nil {
			return g.failOpen(ctx, err)
		}
		mins := ceilMinutes(g.lockout)
		return Result{
			LockedUntil: &until,
			Message:     fmt.Sprintf("Account temporarily locked. Try again in %d minutes.", mins),
		}
	}

	// Refresh the window on every failure so the count only decays after
	// a quiet period.
	if err := g.save(ctx, identifier, record{Count: newCount}, g.window); err != nil {
		return g.failOpen(ctx, err)
	}
	return Result{Allowed: true, Remaining: g.maxAttempts - newCount}
}

// Reset clears the record for identifier. Called on successful login.
// Store errors are logged and swallowed: a reset failure must never
// block a login that already succeeded.
func (g *Guard) Reset(ctx context.Context, identifier string) {
	if err := g.store.Del(ctx, keyPrefix+identifier); err != nil {
		logError(ctx, fmt.Errorf("loginguard reset: %w", err))
	}
}

func (g *Guard) load(ctx context.Context, identifier string) (record, bool, error) {
	raw, ok, err := g.store.Get(ctx, keyPrefix+identifier)
	if err != nil {
		return record{}, false, err
	}
	if !ok {
		return record{}, false, nil
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		logError(ctx, fmt.Errorf("loginguard corrupt record: %w", err))
		return record{}, false, nil
	}
	return rec, true, nil
}

func (g *Guard) save(ctx context.Context, identifier string, rec record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return g.store.Set(ctx, keyPrefix+identifier, string(raw), ttl)
}

func (g *Guard) failOpen(ctx context.Context, err error) Result {
	logError(ctx, fmt.Errorf("loginguard record fail-open: %w", err))
	return Result{Allowed: true, Remaining: g.maxAttempts - 1}
}

func ceilMinutes(d time.Duration) int {
	return int(math.Ceil(d.Minutes()))
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
