/*
Package pool manages the live registry of upgraded WebSocket connections.

A RWMutex-guarded map of entries sits alongside atomic counters for
metrics that must stay cheap under read-heavy load, plus a ticker-driven
reaper using the same Start/Stop/loop idiom as the rest of this
codebase's background sweeps. Where a connection-pool primitive
elsewhere in this codebase pools *http.Client per upstream target, this
one pools *websocket.Conn per accepted client.
*/
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Entry is one tracked connection.
type Entry struct {
	ID         string
	Path       string
	Conn       *websocket.Conn
	ConnectedAt time.Time
	LastActive  int64 // unix nano, accessed atomically
}

func (e *Entry) touch() {
	atomic.StoreInt64(&e.LastActive, time.Now().UnixNano())
}

func (e *Entry) idleSince(now time.Time) time.Duration {
	last := atomic.LoadInt64(&e.LastActive)
	return now.Sub(time.Unix(0, last))
}

// Metrics is a snapshot of pool-wide counters.
type Metrics struct {
	Active      int64
	Peak        int64
	TotalAdded  int64
	TotalClosed int64
	IdleClosed  int64
}

// Config tunes reaping behaviour.
type Config struct {
	MaxConnections int           // 0 means unbounded
	IdleTimeout    time.Duration // default 5m
	InactiveAfter  time.Duration // default 60s; not read by the pool, so Metrics.Active also counts idle connections
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.InactiveAfter <= 0 {
		c.InactiveAfter = 60 * time.Second
	}
	return c
}

// Pool is the bounded registry of live connections.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byPath  map[string]map[string]struct{}

	cfg    Config
	logger zerolog.Logger

	active      int64
	peak        int64
	totalAdded  int64
	totalClosed int64
	idleClosed  int64

	cancel func()
	done   chan struct{}
}

// New creates a Pool.
func New(cfg Config, logger zerolog.Logger) *Pool {
	return &Pool{
		entries: make(map[string]*Entry),
		byPath:  make(map[string]map[string]struct{}),
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "connection_pool").Logger(),
	}
}

// ErrAtCapacity is returned by Add when the pool is full.
var ErrAtCapacity = fmt.Errorf("connection pool at capacity")

// Add registers conn under id, refusing if the pool is at capacity. The
// caller is responsible for translating a refusal into a 1013 close.
func (p *Pool) Add(id, path string, conn *websocket.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.MaxConnections > 0 && len(p.entries) >= p.cfg.MaxConnections {
		return ErrAtCapacity
	}

	e := &Entry{ID: id, Path: path, Conn: conn, ConnectedAt: time.Now()}
	e.touch()
	p.entries[id] = e

	if p.byPath[path] == nil {
		p.byPath[path] = make(map[string]struct{})
	}
	p.byPath[path][id] = struct{}{}

	atomic.AddInt64(&p.active, 1)
	atomic.AddInt64(&p.totalAdded, 1)
	if n := atomic.LoadInt64(&p.active); n > atomic.LoadInt64(&p.peak) {
		atomic.StoreInt64(&p.peak, n)
	}
	return nil
}

// Remove unregisters id, if present, and reports whether it was found.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return false
	}
	delete(p.entries, id)
	if set, ok := p.byPath[e.Path]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(p.byPath, e.Path)
		}
	}

	atomic.AddInt64(&p.active, -1)
	atomic.AddInt64(&p.totalClosed, 1)
	return true
}

// Touch marks id as having just seen activity, resetting its idle clock.
func (p *Pool) Touch(id string) {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if ok {
		e.touch()
	}
}

// Get returns the entry for id, if present.
func (p *Pool) Get(id string) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	return e, ok
}

// ConnectionsByPath returns the live connection IDs registered under path.
func (p *Pool) ConnectionsByPath(path string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.byPath[path]))
	for id := range p.byPath[path] {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast writes message to every connection registered under path using
// the given message type, collecting and returning the IDs that failed to
// write so the caller can schedule their cleanup.
func (p *Pool) Broadcast(path string, messageType int, message []byte) []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.byPath[path]))
	for id := range p.byPath[path] {
		ids = append(ids, id)
	}
	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := p.entries[id]; ok {
			entries = append(entries, e)
		}
	}
	p.mu.RUnlock()

	var failed []string
	for _, e := range entries {
		if err := e.Conn.WriteMessage(messageType, message); err != nil {
			failed = append(failed, e.ID)
		}
	}
	return failed
}

// Metrics returns a snapshot of the pool's counters.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Active:      atomic.LoadInt64(&p.active),
		Peak:        atomic.LoadInt64(&p.peak),
		TotalAdded:  atomic.LoadInt64(&p.totalAdded),
		TotalClosed: atomic.LoadInt64(&p.totalClosed),
		IdleClosed:  atomic.LoadInt64(&p.idleClosed),
	}
}

// ResetMetrics zeroes the cumulative counters, leaving Active untouched.
// Used by the memory manager's low-priority reclaim strategy.
func (p *Pool) ResetMetrics() {
	atomic.StoreInt64(&p.totalAdded, 0)
	atomic.StoreInt64(&p.totalClosed, 0)
	atomic.StoreInt64(&p.idleClosed, 0)
}

// CleanupIdleConnections closes and removes every connection idle longer
// than the configured IdleTimeout, returning the number closed. Used both
// by the background reaper and as an on-demand memory-pressure strategy.
func (p *Pool) CleanupIdleConnections() int {
	now := time.Now()

	p.mu.RLock()
	var stale []*Entry
	for _, e := range p.entries {
		if e.idleSince(now) > p.cfg.IdleTimeout {
			stale = append(stale, e)
		}
	}
	p.mu.RUnlock()

	for _, e := range stale {
		_ = e.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle timeout"),
			time.Now().Add(time.Second))
		_ = e.Conn.Close()
		if p.Remove(e.ID) {
			atomic.AddInt64(&p.idleClosed, 1)
		}
	}

	if len(stale) > 0 {
		p.logger.Info().Int("closed", len(stale)).Msg("idle connections reaped")
	}
	return len(stale)
}

// StartReaper begins the periodic idle-connection sweep, default every 5
// minutes, the same ticker lifecycle used by every other background sweep
// in this codebase.
func (p *Pool) StartReaper(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	done := make(chan struct{})
	stop := make(chan struct{})
	p.done = done
	p.cancel = func() { close(stop) }

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.CleanupIdleConnections()
			}
		}
	}()
}

// Destroy stops the reaper and forcibly closes every tracked connection.
func (p *Pool) Destroy() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}

	p.mu.Lock()
	entries := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*Entry)
	p.byPath = make(map[string]map[string]struct{})
	p.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, e := range entries {
		_ = e.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Server shutdown"),
			deadline)
		_ = e.Conn.Close()
	}
	atomic.StoreInt64(&p.active, 0)
}
