/*
Package breaker implements a per-route, three-state circuit breaker with
sliding-window failure counting.

The shape — a logger-carrying struct guarding a map keyed by route pattern,
each entry pruned on every check — follows the same sliding-window and
per-key health-tracking idiom used by this codebase's rate limiter and its
weighted health scoring.
*/
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds the tunables for every breaker the registry creates.
type Config struct {
	FailureThreshold int           // default 5
	ResetTimeout     time.Duration // default 60s
	MonitoringWindow time.Duration // default 5m
	SuccessThreshold int           // default 3
}

// DefaultConfig returns sane production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:      60 * time.Second,
		MonitoringWindow:  5 * time.Minute,
		SuccessThreshold:  3,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = 5 * time.Minute
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	return c
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	State                State
	FailureCount         int
	ConsecutiveSuccesses int
	LastFailureTime      time.Time
	LastSuccessTime      time.Time
	TotalRequests        int64
}

// breakerEntry is one route's breaker state, guarded by its own mutex so
// routes never contend with each other.
type breakerEntry struct {
	mu sync.Mutex

	cfg Config

	state                State
	failureWindow         []time.Time
	consecutiveSuccesses  int
	lastFailureTime       time.Time
	lastSuccessTime       time.Time
	totalRequests         int64
	lastActivity          time.Time
}

func newEntry(cfg Config) *breakerEntry {
	return &breakerEntry{
		cfg:          cfg,
		state:        Closed,
		lastActivity: time.Now(),
	}
}

// pruneWindowLocked drops failure timestamps outside the monitoring window.
// Caller must hold e.mu.
func (e *breakerEntry) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-e.cfg.MonitoringWindow)
	kept := e.failureWindow[:0]
	for _, t := range e.failureWindow {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.failureWindow = kept
}

func (e *breakerEntry) canExecute(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = now
	e.pruneWindowLocked(now)

	switch e.state {
	case Open:
		if now.Sub(e.lastFailureTime) >= e.cfg.ResetTimeout {
			e.state = HalfOpen
			e.consecutiveSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (e *breakerEntry) recordSuccess(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = now
	e.lastSuccessTime = now
	e.totalRequests++

	switch e.state {
	case HalfOpen:
		e.consecutiveSuccesses++
		if e.consecutiveSuccesses >= e.cfg.SuccessThreshold {
			e.state = Closed
			e.failureWindow = nil
			e.consecutiveSuccesses = 0
		}
	case Closed:
		if len(e.failureWindow) > 0 {
			e.failureWindow = e.failureWindow[1:]
		}
	}
}

func (e *breakerEntry) recordFailure(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = now
	e.lastFailureTime = now
	e.totalRequests++
	e.pruneWindowLocked(now)

	switch e.state {
	case HalfOpen:
		e.state = Open
		e.consecutiveSuccesses = 0
	case Closed:
		e.failureWindow = append(e.failureWindow, now)
		if len(e.failureWindow) >= e.cfg.FailureThreshold {
			e.state = Open
		}
	}
}

func (e *breakerEntry) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Closed
	e.failureWindow = nil
	e.consecutiveSuccesses = 0
}

func (e *breakerEntry) stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		State:                e.state,
		FailureCount:         len(e.failureWindow),
		ConsecutiveSuccesses: e.consecutiveSuccesses,
		LastFailureTime:      e.lastFailureTime,
		LastSuccessTime:      e.lastSuccessTime,
		TotalRequests:        e.totalRequests,
	}
}

func (e *breakerEntry) idleSince(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.lastActivity)
}

// Registry is the process-wide singleton holding one breaker per route
// pattern, created lazily on first reference and pruned after an hour of
// inactivity by a background sweep.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*breakerEntry
	cfg      Config
	logger   zerolog.Logger

	cancel func()
	done   chan struct{}
}

// NewRegistry creates a fresh, unattached breaker registry. Tests can
// construct one without touching any global state.
func NewRegistry(cfg Config, logger zerolog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*breakerEntry),
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "circuit_breaker").Logger(),
	}
}

func (r *Registry) entry(route string) *breakerEntry {
	r.mu.RLock()
	e, ok := r.breakers[route]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.breakers[route]; ok {
		return e
	}
	e = newEntry(r.cfg)
	r.breakers[route] = e
	return e
}

// CanExecute reports whether a request for route may proceed.
func (r *Registry) CanExecute(route string) bool {
	return r.entry(route).canExecute(time.Now())
}

// RecordSuccess records a success for route.
func (r *Registry) RecordSuccess(route string) {
	e := r.entry(route)
	before := e.stats().State
	e.recordSuccess(time.Now())
	after := e.stats().State
	if before != after {
		r.logger.Info().Str("route", route).Str("from", before.String()).Str("to", after.String()).Msg("breaker state transition")
	}
}

// RecordFailure records a failure for route. kind is accepted for callers
// that want to log the triggering error kind; the breaker itself does not
// discriminate between error kinds.
func (r *Registry) RecordFailure(route string, kind string) {
	e := r.entry(route)
	before := e.stats().State
	e.recordFailure(time.Now())
	after := e.stats().State
	if before != after {
		r.logger.Warn().Str("route", route).Str("kind", kind).Str("from", before.String()).Str("to", after.String()).Msg("breaker state transition")
	}
}

// Stats returns a snapshot for route. A route with no prior activity gets a
// fresh Closed breaker created on demand — callers that only want to peek
// without creating entries should check Exists first.
func (r *Registry) Stats(route string) Stats {
	return r.entry(route).stats()
}

// Exists reports whether a breaker has ever been referenced for route,
// without creating one.
func (r *Registry) Exists(route string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.breakers[route]
	return ok
}

// Reset manually resets route's breaker to Closed.
func (r *Registry) Reset(route string) {
	r.entry(route).reset()
}

// AnyOpen reports whether any route currently has an open breaker, used by
// the health monitor's degraded rollup.
func (r *Registry) AnyOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.breakers {
		if e.stats().State == Open {
			return true
		}
	}
	return false
}

// StartSweep begins the background eviction of breakers idle for more than
// an hour, checked every 30 minutes, the same ticker-plus-done-channel
// shape used by every other background loop in this codebase.
func (r *Registry) StartSweep() {
	done := make(chan struct{})
	stop := make(chan struct{})
	r.done = done
	r.cancel = func() { close(stop) }

	go func() {
		defer close(done)
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for route, e := range r.breakers {
		if e.idleSince(now) > time.Hour {
			delete(r.breakers, route)
		}
	}
	r.logger.Debug().Int("remaining", len(r.breakers)).Msg("circuit breaker sweep complete")
}

// Destroy stops the background sweep and clears all state.
func (r *Registry) Destroy() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*breakerEntry)
}
