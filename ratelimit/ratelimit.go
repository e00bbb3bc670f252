/*
Package ratelimit implements a per-(route, client identity) sliding window
request limiter.

It generalises the sliding-window-of-timestamps shape used elsewhere in
this codebase's HTTP middleware: the same lazy-create-on-first-check
pattern, the same periodic Cleanup sweep — but keyed on (route, identity)
instead of a single global key, and exposing admission info instead of
writing HTTP headers directly (the HTTP-facing concern belongs to the
upgrade orchestrator, not this package).
*/
package ratelimit

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule is a route's rate-limit configuration. A route with a zero-value
// Rule (MaxRequests == 0) has no limiter and bypasses admission entirely.
type Rule struct {
	WindowMs    int64
	MaxRequests int
}

// Info is what Check returns: enough for a caller to make an admission
// decision and, if it wants to, report limit/remaining/reset upstream.
type Info struct {
	Allowed   bool
	Limit     int
	Current   int
	Remaining int
	ResetTime time.Time
}

type bucket struct {
	mu        sync.Mutex
	tokens    []time.Time
	lastClean time.Time
}

// Limiter tracks sliding-window buckets per (route, identity). The zero
// value is not usable; construct with New.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	logger  zerolog.Logger

	redis *redis.Client // optional shared backend, nil when not configured

	cancel func()
	done   chan struct{}
}

// New creates a limiter. redisClient may be nil, in which case the limiter
// is purely in-process.
func New(logger zerolog.Logger, redisClient *redis.Client) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
		redis:   redisClient,
	}
}

func bucketKey(route, identity string) string {
	return route + "\x00" + identity
}

// Identity derives the client identity for rate-limiting purposes, trying
// in order: the leftmost X-Forwarded-For token, X-Real-IP, RemoteAddr, or
// the literal "unknown".
func Identity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// Check evaluates whether a request for (route, identity) is admitted under
// rule, appending the current timestamp on admission. Callers for routes
// without a rate-limit rule should skip calling Check entirely.
func (l *Limiter) Check(route, identity string, rule Rule) Info {
	now := time.Now()
	window := time.Duration(rule.WindowMs) * time.Millisecond
	windowStart := now.Add(-window)

	key := bucketKey(route, identity)

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lastClean: now}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.tokens[:0]
	for _, t := range b.tokens {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	b.tokens = kept
	b.lastClean = now

	resetTime := now.Add(window)
	if len(b.tokens) > 0 {
		resetTime = b.tokens[0].Add(window)
	}

	if len(b.tokens) >= rule.MaxRequests {
		l.mirrorToRedis(key, b.tokens, window)
		return Info{
			Allowed:   false,
			Limit:     rule.MaxRequests,
			Current:   len(b.tokens),
			Remaining: 0,
			ResetTime: resetTime,
		}
	}

	b.tokens = append(b.tokens, now)
	l.mirrorToRedis(key, b.tokens, window)

	return Info{
		Allowed:   true,
		Limit:     rule.MaxRequests,
		Current:   len(b.tokens),
		Remaining: rule.MaxRequests - len(b.tokens),
		ResetTime: resetTime,
	}
}

// mirrorToRedis best-effort publishes the current bucket size to a shared
// counter so other processes sharing Redis can observe approximate load.
// It never blocks admission on Redis availability: errors are logged at
// debug and swallowed rather than surfaced, since infrastructure failures
// here must not crash the process.
func (l *Limiter) mirrorToRedis(key string, tokens []time.Time, window time.Duration) {
	if l.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := l.redis.Set(ctx, "wsrt:ratelimit:"+key, len(tokens), window).Err(); err != nil {
		l.logger.Debug().Err(err).Str("key", key).Msg("rate limiter redis mirror failed")
	}
}

// Sweep removes empty or stale buckets. Intended to run every 60s.
func (l *Limiter) Sweep() {
	cutoff := time.Now().Add(-2 * time.Minute)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := len(b.tokens) == 0 || b.tokens[len(b.tokens)-1].Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
		}
	}
	l.logger.Debug().Int("buckets", len(l.buckets)).Msg("rate limiter sweep complete")
}

// StartSweep begins the 60s background sweep.
func (l *Limiter) StartSweep() {
	done := make(chan struct{})
	stop := make(chan struct{})
	l.done = done
	l.cancel = func() { close(stop) }

	go func() {
		defer close(done)
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Destroy stops the sweep and clears all buckets.
func (l *Limiter) Destroy() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}
