// Package ratelimit implements fixed-window rate limiting over a kv.Store.
//
// Each check is keyed by a caller-chosen identifier and governed by a
// named Policy (window + maximum). The first request in a window creates
// a counter with the window as its expiry; requests at or over the
// maximum are rejected without incrementing, so the counter never grows
// past the limit while the window is open.
//
// Store failures never reject a request: the limiter fails open and
// returns a maximally permissive result, on the principle that rate
// limiting must not be the cause of an outage. Failures are added to the
// request's canonical log.
//
// Basic usage:
//
//	limiter, err := ratelimit.New(store)
//	if err != nil {
//	    return err
//	}
//	res := limiter.CheckUser(ctx, userID, limiter.Policies().CreatePost)
//	if !res.Allowed {
//	    return errThrottled(res.Message)
//	}
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nhalm/canonlog"

	"github.com/bloomfeed/guardkit/kv"
)

const keyPrefix = "ratelimit:"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Policy is a named fixed-window limit. Name is used as the key prefix
// for the identifier strategies and as the metrics label, so it must be
// stable across deployments.
type Policy struct {
	Name   string        `validate:"required"`
	Window time.Duration `validate:"required,gt=0"`
	Max    int64         `validate:"required,gt=0"`
}

// Policies is the per-feature policy table. The zero value is not usable;
// start from DefaultPolicies and override individual entries.
type Policies struct {
	General       Policy
	Login         Policy
	Register      Policy
	PasswordReset Policy
	Upload        Policy
	Search        Policy
	Comment       Policy
	CreatePost    Policy
	Engagement    Policy
	Timeline      Policy
	Read          Policy
}

// DefaultPolicies returns the production policy table.
func DefaultPolicies() Policies {
	return Policies{
		General:       Policy{Name: "general", Window: time.Minute, Max: 100},
		Login:         Policy{Name: "login", Window: 5 * time.Minute, Max: 5},
		Register:      Policy{Name: "register", Window: time.Hour, Max: 3},
		PasswordReset: Policy{Name: "password_reset", Window: time.Hour, Max: 3},
		Upload:        Policy{Name: "upload", Window: time.Hour, Max: 20},
		Search:        Policy{Name: "search", Window: time.Minute, Max: 30},
		Comment:       Policy{Name: "comment", Window: time.Minute, Max: 10},
		CreatePost:    Policy{Name: "create_post", Window: 5 * time.Minute, Max: 10},
		Engagement:    Policy{Name: "engagement", Window: time.Minute, Max: 30},
		Timeline:      Policy{Name: "timeline", Window: time.Minute, Max: 60},
		Read:          Policy{Name: "read", Window: time.Minute, Max: 100},
	}
}

// Result is the outcome of a single rate-limit check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is the number of requests left in the current window.
	Remaining int64

	// ResetAt is when the current window closes and the counter resets.
	ResetAt time.Time

	// Message is a human-readable throttling message, set only on denial.
	Message string
}

// Limiter checks requests against fixed-window policies.
type Limiter struct {
	store    kv.Store
	policies Policies
	recorder MetricsRecorder
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicies replaces the default policy table.
func WithPolicies(p Policies) Option {
	return func(l *Limiter) {
		l.policies = p
	}
}

// WithRecorder injects a metrics backend. The default records nothing.
func WithRecorder(r MetricsRecorder) Option {
	return func(l *Limiter) {
		l.recorder = r
	}
}

// New creates a Limiter over the given store. It returns an error when
// the configured policy table is invalid (missing name, non-positive
// window or maximum); that is a programming error, not a runtime
// condition, so it fails fast instead of being absorbed later.
func New(store kv.Store, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		store:    store,
		policies: DefaultPolicies(),
		recorder: NoopRecorder{},
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := validate.Struct(&l.policies); err != nil {
		return nil, fmt.Errorf("ratelimit: invalid policies: %w", err)
	}
	return l, nil
}

// Policies returns the limiter's policy table.
func (l *Limiter) Policies() Policies {
	return l.policies
}

// Check applies a policy to an arbitrary identifier. The counter key is
// "ratelimit:<identifier>", so identifiers must already carry the policy
// name when isolation between features is wanted; CheckUser and
// CheckRequest compose such identifiers.
func (l *Limiter) Check(ctx context.Context, identifier string, p Policy) Result {
	key := keyPrefix + identifier
	now := time.Now()

	val, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return l.failOpen(ctx, p, now, err)
	}

	if !ok {
		if err := l.store.Set(ctx, key, "1", p.Window); err != nil {
			return l.failOpen(ctx, p, now, err)
		}
		l.recorder.RecordDecision(p.Name, true)
		return Result{Allowed: true, Remaining: p.Max - 1, ResetAt: now.Add(p.Window)}
	}

	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		return l.failOpen(ctx, p, now, err)
	}
	if ttl < 0 {
		// Expired between the reads, or a counter that somehow lost its
		// expiry: either way, start a fresh window.
		if err := l.store.Set(ctx, key, "1", p.Window); err != nil {
			return l.failOpen(ctx, p, now, err)
		}
		l.recorder.RecordDecision(p.Name, true)
		return Result{Allowed: true, Remaining: p.Max - 1, ResetAt: now.Add(p.Window)}
	}

	count, _ := strconv.ParseInt(val, 10, 64)
	if count >= p.Max {
		l.recorder.RecordDecision(p.Name, false)
		return Result{
			Allowed: false,
			ResetAt: now.Add(ttl),
			Message: retryMessage(ttl),
		}
	}

	n, err := l.store.Incr(ctx, key)
	if err != nil {
		return l.failOpen(ctx, p, now, err)
	}
	l.recorder.RecordDecision(p.Name, true)
	return Result{
		Allowed:   true,
		Remaining: max(0, p.Max-n),
		ResetAt:   now.Add(ttl),
	}
}

// CheckUser applies a policy to an authenticated subject, keyed as
// "<policy>:user:<userID>". Use this once a request is known to belong
// to an account so that users sharing an address do not throttle each
// other.
func (l *Limiter) CheckUser(ctx context.Context, userID string, p Policy) Result {
	return l.Check(ctx, p.Name+":user:"+userID, p)
}

// Reset clears the counter for an identifier. Intended for tests and
// manual unblocking; store errors are returned to the caller.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	return l.store.Del(ctx, keyPrefix+identifier)
}

func (l *Limiter) failOpen(ctx context.Context, p Policy, now time.Time, err error) Result {
	logError(ctx, fmt.Errorf("ratelimit %s fail-open: %w", p.Name, err))
	l.recorder.RecordFailOpen(p.Name)
	return Result{Allowed: true, Remaining: p.Max, ResetAt: now.Add(p.Window)}
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

func retryMessage(ttl time.Duration) string {
	secs := int(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("Too many requests. Try again in %d seconds.", secs)
}
