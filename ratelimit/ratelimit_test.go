package ratelimit

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLimiter() *Limiter {
	return New(zerolog.New(io.Discard), nil)
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	l := testLimiter()
	rule := Rule{WindowMs: 1000, MaxRequests: 3}

	for i := 0; i < 3; i++ {
		info := l.Check("/ws/echo", "1.2.3.4", rule)
		if !info.Allowed {
			t.Fatalf("request %d: expected allowed, got denied", i)
		}
	}
}

func TestCheckDeniesOverLimit(t *testing.T) {
	l := testLimiter()
	rule := Rule{WindowMs: 1000, MaxRequests: 2}

	l.Check("/ws/echo", "1.2.3.4", rule)
	l.Check("/ws/echo", "1.2.3.4", rule)
	info := l.Check("/ws/echo", "1.2.3.4", rule)

	if info.Allowed {
		t.Fatal("expected third request to be denied")
	}
	if info.Remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", info.Remaining)
	}
}

func TestCheckIsolatesByRoute(t *testing.T) {
	l := testLimiter()
	rule := Rule{WindowMs: 1000, MaxRequests: 1}

	l.Check("/ws/a", "1.2.3.4", rule)
	info := l.Check("/ws/b", "1.2.3.4", rule)

	if !info.Allowed {
		t.Fatal("expected a different route to have its own independent bucket")
	}
}

func TestCheckIsolatesByIdentity(t *testing.T) {
	l := testLimiter()
	rule := Rule{WindowMs: 1000, MaxRequests: 1}

	l.Check("/ws/echo", "1.2.3.4", rule)
	info := l.Check("/ws/echo", "5.6.7.8", rule)

	if !info.Allowed {
		t.Fatal("expected a different identity to have its own independent bucket")
	}
}

func TestCheckWindowExpires(t *testing.T) {
	l := testLimiter()
	rule := Rule{WindowMs: 20, MaxRequests: 1}

	l.Check("/ws/echo", "1.2.3.4", rule)
	if l.Check("/ws/echo", "1.2.3.4", rule).Allowed {
		t.Fatal("expected immediate second request to be denied")
	}

	time.Sleep(30 * time.Millisecond)

	if !l.Check("/ws/echo", "1.2.3.4", rule).Allowed {
		t.Fatal("expected request to be allowed once the window has elapsed")
	}
}

func TestIdentityPrefersForwardedFor(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/ws/echo", nil)
	r.Header.Set("X-Forwarded-For", " 9.9.9.9 , 10.0.0.1")
	r.Header.Set("X-Real-IP", "8.8.8.8")
	r.RemoteAddr = "127.0.0.1:1234"

	if got := Identity(r); got != "9.9.9.9" {
		t.Fatalf("expected leftmost X-Forwarded-For token, got %q", got)
	}
}

func TestIdentityFallsBackToRealIP(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/ws/echo", nil)
	r.Header.Set("X-Real-IP", "8.8.8.8")
	r.RemoteAddr = "127.0.0.1:1234"

	if got := Identity(r); got != "8.8.8.8" {
		t.Fatalf("expected X-Real-IP, got %q", got)
	}
}

func TestIdentityFallsBackToRemoteAddr(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/ws/echo", nil)
	r.RemoteAddr = "127.0.0.1:1234"

	if got := Identity(r); got != "127.0.0.1:1234" {
		t.Fatalf("expected RemoteAddr, got %q", got)
	}
}

func TestIdentityDefaultsToUnknown(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/ws/echo", nil)

	if got := Identity(r); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestSweepEvictsStaleBuckets(t *testing.T) {
	l := testLimiter()
	rule := Rule{WindowMs: 1, MaxRequests: 5}
	l.Check("/ws/echo", "1.2.3.4", rule)

	l.mu.Lock()
	for _, b := range l.buckets {
		b.mu.Lock()
		for i := range b.tokens {
			b.tokens[i] = b.tokens[i].Add(-3 * time.Minute)
		}
		b.mu.Unlock()
	}
	l.mu.Unlock()

	l.Sweep()

	l.mu.Lock()
	remaining := len(l.buckets)
	l.mu.Unlock()

	if remaining != 0 {
		t.Fatalf("expected stale bucket to be evicted, got %d remaining", remaining)
	}
}
