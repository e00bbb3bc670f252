/*
Package upgrade implements the top-level admission pipeline that ties
errors, breaker, rate limiter, tracker, pool, memory manager, health
monitor and resolver together into a single http.Handler.

The attach-once-per-host-server guard follows this codebase's pattern of
a single entry point wiring middleware exactly once at startup; the
per-connection heartbeat/cleanup lifecycle follows the same
ticker-plus-done-channel idiom used throughout its background loops.
*/
package upgrade

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nightharbor/wsruntime/breaker"
	"github.com/nightharbor/wsruntime/concurrency"
	"github.com/nightharbor/wsruntime/config"
	"github.com/nightharbor/wsruntime/graceful"
	"github.com/nightharbor/wsruntime/health"
	"github.com/nightharbor/wsruntime/memory"
	"github.com/nightharbor/wsruntime/pool"
	"github.com/nightharbor/wsruntime/ratelimit"
	"github.com/nightharbor/wsruntime/resolver"
	"github.com/nightharbor/wsruntime/tracker"
	"github.com/nightharbor/wsruntime/wserrors"
)

const (
	closeOverloaded = 1013

	heartbeatInterval = 30 * time.Second

	concurrencyAcquireTimeout = 50 * time.Millisecond
)

// ReservedPrefixes are internal path prefixes never eligible for upgrade;
// requests under them get a 404.
var ReservedPrefixes = []string{"/_wsrt/"}

// Orchestrator wires the full admission pipeline into an http.Handler.
type Orchestrator struct {
	cfg      config.Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	Breaker     *breaker.Registry
	Limiter     *ratelimit.Limiter
	Tracker     *tracker.Tracker
	Resolver    *resolver.Resolver
	Pool        *pool.Pool
	Memory      *memory.Manager
	Health      *health.Monitor
	Concurrency *concurrency.Guard

	attached   sync.Map // *http.ServeMux -> struct{}
}

// New wires an Orchestrator from already-constructed components; callers
// build and configure each component (so tests can substitute small
// configs) and hand the assembly to New.
func New(cfg config.Config, logger zerolog.Logger, br *breaker.Registry, lim *ratelimit.Limiter, tr *tracker.Tracker, res *resolver.Resolver, pl *pool.Pool, mem *memory.Manager, hm *health.Monitor) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		logger: logger.With().Str("component", "upgrade_orchestrator").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: cfg.Compression,
			CheckOrigin:       checkOriginFunc(cfg.Security.AllowedOrigins),
		},
		Breaker:     br,
		Limiter:     lim,
		Tracker:     tr,
		Resolver:    res,
		Pool:        pl,
		Memory:      mem,
		Health:      hm,
		Concurrency: concurrency.NewGuard(cfg.MaxConnectionsPerIdentity),
	}
}

func checkOriginFunc(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func isReserved(path string) bool {
	for _, p := range ReservedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Attach registers the orchestrator on mux exactly once; a second call for
// the same mux on the same Orchestrator is a no-op. The guard is held per
// Orchestrator, so a different Orchestrator attaching to the same mux is
// not detected.
func (o *Orchestrator) Attach(mux *http.ServeMux, pattern string) {
	if _, loaded := o.attached.LoadOrStore(mux, struct{}{}); loaded {
		o.logger.Debug().Msg("orchestrator already attached to this server, skipping")
		return
	}
	mux.Handle(pattern, o)
}

// Detach removes the attach marker for mux, allowing a future Attach to
// take effect — ServeMux itself has no listener-removal API, so the
// caller is expected to replace mux's handler (e.g. by swapping in a
// fresh one) as part of shutdown.
func (o *Orchestrator) Detach(mux *http.ServeMux) {
	o.attached.Delete(mux)
	o.Tracker.Sweep()
	o.Resolver = resolver.New()
}

// ServeHTTP runs the admission pipeline for one upgrade attempt.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if isReserved(path) {
		http.NotFound(w, r)
		return
	}

	o.Health.RecordUpgradeAttempt()

	socketKey := r.RemoteAddr
	if !o.Tracker.BeginUpgrade(socketKey) {
		o.logger.Debug().Str("socket", socketKey).Msg("socket already mid-upgrade, dropping")
		o.Health.RecordUpgradeFailure()
		return
	}
	defer o.Tracker.EndUpgrade(socketKey)

	if o.Tracker.IsDuplicateAttempt(path, r.RemoteAddr) {
		o.logger.Debug().Str("path", path).Str("remote", r.RemoteAddr).Msg("rapid duplicate upgrade attempt dropped")
		o.Health.RecordUpgradeFailure()
		return
	}

	match, err := o.Resolver.Resolve(path)
	if err != nil {
		o.Health.RecordUpgradeFailure()
		status, _ := graceful.HandleUpgradeError(err)
		http.Error(w, string(wserrors.KindOf(err)), status)
		return
	}

	identity := ratelimit.Identity(r)

	routeCfg := o.cfg.RouteConfig(match.Pattern)
	if routeCfg.RateLimitRPM > 0 {
		info := o.Limiter.Check(match.Pattern, identity, ratelimit.Rule{WindowMs: 60_000, MaxRequests: routeCfg.RateLimitRPM})
		if !info.Allowed {
			o.Health.RecordUpgradeFailure()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	if !o.Breaker.CanExecute(match.Pattern) {
		o.Health.RecordUpgradeFailure()
		http.Error(w, "route temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	handler, err := match.Handler()
	if err != nil {
		o.Health.RecordUpgradeFailure()
		o.Breaker.RecordFailure(match.Pattern, string(wserrors.KindOf(err)))
		status, _ := graceful.HandleUpgradeError(err)
		http.Error(w, string(wserrors.KindOf(err)), status)
		return
	}

	if !o.Concurrency.Acquire(identity, concurrencyAcquireTimeout) {
		o.Health.RecordUpgradeFailure()
		http.Error(w, "too many concurrent connections", http.StatusTooManyRequests)
		return
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.Concurrency.Release(identity)
		o.Health.RecordUpgradeFailure()
		o.logger.Warn().Err(err).Str("path", path).Msg("handshake failed")
		return
	}

	o.onReady(conn, match.Pattern, path, identity, handler)
}

// onReady takes the matched route pattern (used for breaker/rate-limit
// bookkeeping, shared across every instance of a parameterized route) and
// the concrete request path (used for pool grouping and broadcast, unique
// per room/resource instance).
func (o *Orchestrator) onReady(conn *websocket.Conn, pattern, concretePath, identity string, handler resolver.Handler) {
	if !o.Memory.Acceptable() {
		o.Concurrency.Release(identity)
		closeWithCode(conn, closeOverloaded, "server overloaded")
		return
	}

	id := uuid.NewString()

	if err := o.Pool.Add(id, concretePath, conn); err != nil {
		o.Concurrency.Release(identity)
		closeWithCode(conn, closeOverloaded, "server at capacity")
		return
	}

	o.Health.RecordOpened()
	o.Breaker.RecordSuccess(pattern)
	openedAt := time.Now()

	ctx := &connContext{id: id, path: concretePath, conn: conn}

	stopHeartbeat := o.startHeartbeat(conn)

	var userCleanup func()
	cleanupOnce := func() {
		if !o.Tracker.MarkCleanedUp(id) {
			return
		}
		if userCleanup != nil {
			userCleanup()
		}
		stopHeartbeat()
		o.Pool.Remove(id)
		o.Concurrency.Release(identity)
		o.Health.RecordClosed(time.Since(openedAt))
	}
	defer cleanupOnce()

	err := graceful.ExecuteHandlerSafely(o.logger, func() error {
		cleanup, handlerErr := handler(ctx)
		userCleanup = cleanup
		return handlerErr
	})
	if err != nil {
		o.Health.RecordError()
		o.Breaker.RecordFailure(pattern, string(wserrors.KindOf(err)))
		code, _ := graceful.HandleConnectionError(err)
		closeWithCode(conn, code, "handler error")
	}
}

func (o *Orchestrator) startHeartbeat(conn *websocket.Conn) (stop func()) {
	done := make(chan struct{})
	stopCh := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-done
		})
	}
}

// closeWithCode runs the orderly close sequence for a post-handshake
// connection: a reader goroutine watches for the peer's close-frame ack
// (or any read error, including one caused by a forced Close) and signals
// done, while graceful.CloseWebSocket writes the close frame and waits up
// to its timeout before terminating the raw connection itself.
func closeWithCode(conn *websocket.Conn, code int, reason string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	graceful.CloseWebSocket(conn, code, reason, done, graceful.DefaultTimeout)
}

type connContext struct {
	id   string
	path string
	conn *websocket.Conn
}

func (c *connContext) ConnectionID() string  { return c.id }
func (c *connContext) Path() string          { return c.path }
func (c *connContext) Conn() *websocket.Conn { return c.conn }
