/*
Package tracker implements upgrade-time connection deduplication: the
in-flight socket set, the rapid-duplicate squelch, and the cleanup-once
guard.

It generalises a request-fingerprinting in-flight deduplicator into the
WebSocket-upgrade domain: instead of deduplicating identical in-flight HTTP
requests by body fingerprint, it deduplicates in-flight upgrade attempts and
squelches rapid repeat attempts from the same (path, remote address) pair.
*/
package tracker

import (
	"sync"
	"time"
)

// Tracker holds the three pieces of per-upgrade bookkeeping the
// orchestrator needs: which sockets are currently being upgraded, which
// (path, remoteAddr) pairs have recently attempted an upgrade, and which
// connection IDs have already run their cleanup path.
type Tracker struct {
	mu       sync.Mutex
	inFlight map[string]struct{}

	dupMu        sync.Mutex
	dupWindow    time.Duration
	lastAttempt  map[string]time.Time

	cleanupMu sync.Mutex
	cleanedUp map[string]time.Time
}

// Config tunes the tracker's windows. Zero values take sane defaults.
type Config struct {
	DuplicateWindow time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = time.Second
	}
	return c
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		inFlight:    make(map[string]struct{}),
		dupWindow:   cfg.DuplicateWindow,
		lastAttempt: make(map[string]time.Time),
		cleanedUp:   make(map[string]time.Time),
	}
}

func dupKey(path, remoteAddr string) string {
	return path + "\x00" + remoteAddr
}

// BeginUpgrade attempts to mark socketKey as in-flight. It returns false if
// the socket is already mid-upgrade, meaning the caller must refuse this
// attempt rather than race a second upgrade onto the same connection.
func (t *Tracker) BeginUpgrade(socketKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inFlight[socketKey]; ok {
		return false
	}
	t.inFlight[socketKey] = struct{}{}
	return true
}

// EndUpgrade clears the in-flight marker for socketKey. Safe to call even
// if BeginUpgrade was never called or already returned false for this key.
func (t *Tracker) EndUpgrade(socketKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, socketKey)
}

// IsDuplicateAttempt reports whether (path, remoteAddr) attempted an
// upgrade within the duplicate window, and records the current attempt
// regardless of the outcome so a burst of attempts only ever squelches
// after the first.
func (t *Tracker) IsDuplicateAttempt(path, remoteAddr string) bool {
	key := dupKey(path, remoteAddr)
	now := time.Now()

	t.dupMu.Lock()
	defer t.dupMu.Unlock()

	last, ok := t.lastAttempt[key]
	t.lastAttempt[key] = now
	if !ok {
		return false
	}
	return now.Sub(last) < t.dupWindow
}

// MarkCleanedUp records that connID has run its cleanup path, returning
// true the first time it's called for a given ID and false on any
// subsequent call.
func (t *Tracker) MarkCleanedUp(connID string) bool {
	t.cleanupMu.Lock()
	defer t.cleanupMu.Unlock()
	if _, ok := t.cleanedUp[connID]; ok {
		return false
	}
	t.cleanedUp[connID] = time.Now()
	return true
}

// Sweep prunes stale duplicate-attempt and cleanup-once entries. Intended
// to run every 5s; duplicate-attempt entries older than 10s and
// cleanup-once entries older than 30s are evicted.
func (t *Tracker) Sweep() {
	now := time.Now()

	t.dupMu.Lock()
	for k, ts := range t.lastAttempt {
		if now.Sub(ts) > 10*time.Second {
			delete(t.lastAttempt, k)
		}
	}
	t.dupMu.Unlock()

	t.cleanupMu.Lock()
	for k, ts := range t.cleanedUp {
		if now.Sub(ts) > 30*time.Second {
			delete(t.cleanedUp, k)
		}
	}
	t.cleanupMu.Unlock()
}

// StartSweep begins the 5s background sweep.
func (t *Tracker) StartSweep() (stop func()) {
	done := make(chan struct{})
	stopCh := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}()

	return func() {
		close(stopCh)
		<-done
	}
}

// InFlightCount reports how many sockets are currently mid-upgrade, for
// diagnostics.
func (t *Tracker) InFlightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}
