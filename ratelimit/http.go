package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ClientIP extracts the client address from proxy headers, preferring
// CF-Connecting-IP, then the first X-Forwarded-For hop, then X-Real-IP.
// It returns "unknown" when none are present, which collapses all
// unidentifiable clients into a single shared bucket.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return "unknown"
}

// CheckRequest applies a policy keyed by the request's client address,
// as "<policy>:<ip>". Extra key segments (e.g. a target resource ID) are
// appended with ":" so one feature can maintain several buckets per
// address.
func (l *Limiter) CheckRequest(ctx context.Context, r *http.Request, p Policy, extra ...string) Result {
	ip := ClientIP(r)

	var b strings.Builder
	b.Grow(len(p.Name) + 1 + len(ip))
	b.WriteString(p.Name)
	b.WriteByte(':')
	b.WriteString(ip)
	for _, e := range extra {
		b.WriteByte(':')
		b.WriteString(e)
	}
	return l.Check(ctx, b.String(), p)
}

// Middleware returns net/http middleware enforcing a policy per client
// address. It sets RateLimit-Limit, RateLimit-Remaining and
// RateLimit-Reset on every response and answers 429 with Retry-After
// when the limit is exceeded. Works with chi and any standard router.
func (l *Limiter) Middleware(p Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.CheckRequest(r.Context(), r, p)

			w.Header().Set("RateLimit-Limit", strconv.FormatInt(p.Max, 10))
			w.Header().Set("RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			w.Header().Set("RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				retry := int(time.Until(res.ResetAt).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
