// Package concurrency bounds how many simultaneous WebSocket connections a
// single client identity may hold open, independent of the request-rate
// limiting in package ratelimit.
package concurrency

import (
	"sync"
	"time"
)

// Guard enforces a per-identity ceiling on concurrently open connections
// using a channel-backed semaphore per key, the same shape as a per-key
// request-concurrency semaphore adapted from request admission to
// connection admission.
type Guard struct {
	mu    sync.Mutex
	semas map[string]chan struct{}
	limit int
}

// NewGuard creates a guard allowing up to limit concurrent connections per
// identity. A non-positive limit disables the cap.
func NewGuard(limit int) *Guard {
	return &Guard{
		semas: make(map[string]chan struct{}),
		limit: limit,
	}
}

// Acquire reserves a slot for identity, waiting up to timeout. It returns
// false if the slot could not be acquired in time, or immediately true if
// the guard has no configured limit.
func (g *Guard) Acquire(identity string, timeout time.Duration) bool {
	if g.limit <= 0 {
		return true
	}

	g.mu.Lock()
	ch, ok := g.semas[identity]
	if !ok {
		ch = make(chan struct{}, g.limit)
		g.semas[identity] = ch
	}
	g.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Release frees a previously acquired slot for identity. It is a no-op if
// the guard has no configured limit.
func (g *Guard) Release(identity string) {
	if g.limit <= 0 {
		return
	}

	g.mu.Lock()
	ch, ok := g.semas[identity]
	g.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-ch:
	default:
	}
}

// ActiveCount returns the number of connections currently held for an
// identity.
func (g *Guard) ActiveCount(identity string) int {
	g.mu.Lock()
	ch, ok := g.semas[identity]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	return len(ch)
}
