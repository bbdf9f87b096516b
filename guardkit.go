// Package guardkit is an abuse-protection toolkit for web applications:
// rate limiting, login-lockout tracking, daily quotas, and search-result
// caching, all built on one pluggable key-value store.
//
// The toolkit is a library, not a service. An application constructs the
// store once at startup and injects it into the components its action
// layer calls:
//
//	provider := kv.NewProvider(kv.ConfigFromEnv())
//	store := provider.Store()
//
//	limiter, err := ratelimit.New(store)
//	daily := dailylimit.New(store)
//	logins := loginguard.New(store)
//	cache := searchcache.New(store)
//
// Subpackages:
//
//   - kv: the Store contract with in-memory and Redis implementations,
//     plus environment-driven backend selection.
//   - ratelimit: fixed-window rate limiting with named per-feature
//     policies, HTTP middleware, and Prometheus metrics.
//   - dailylimit: per-user quotas that reset at UTC midnight.
//   - loginguard: brute-force login protection with windowed counting
//     and timed lockout.
//   - searchcache: cache-aside helper with deterministic key building.
//
// Every component degrades gracefully when the store is unavailable: the
// limiters and the login guard fail open, the cache reads as a miss. An
// infrastructure outage slows the application down or loosens its
// throttles; it never takes user actions down with it.
package guardkit
