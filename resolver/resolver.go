/*
Package resolver matches upgrade request URLs against registered WebSocket
routes and caches the handler factory invocation.

An RWMutex guards a slice of route entries, added/updated/deleted under
lock and evaluated lock-free per request via a snapshot copy, the same
priority-rule-engine shape used elsewhere in this codebase for matching
a request to a destination by priority predicate. Here matching is
static-first-then-parameterized by URL pattern, so a static route never
loses to an overlapping parameterized one.
*/
package resolver

import (
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nightharbor/wsruntime/wserrors"
)

// Factory builds the connection handler for a route, invoked once per
// route per process and cached thereafter.
type Factory func() (Handler, error)

// Handler is the user-supplied per-connection callback. It may return a
// cleanup func to run once the connection tears down (nil if it has
// nothing to release) and an error that the orchestrator treats the same
// as a panic: the connection is closed with an internal-error code.
type Handler func(ctx ConnContext) (cleanup func(), err error)

// ConnContext is the minimal per-connection context passed to a handler;
// the upgrade orchestrator constructs the concrete value.
type ConnContext interface {
	ConnectionID() string
	Path() string
	Conn() *websocket.Conn
}

type segment struct {
	literal string
	param   string // non-empty if this segment is a :param
}

type route struct {
	pattern  string
	segments []segment
	isStatic bool
	factory  Factory

	cachedHandler Handler
	cacheErr      error
	cached        bool
	cacheMu       sync.Mutex
}

func compilePattern(pattern string) ([]segment, bool) {
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := make([]segment, 0, len(parts))
	static := true
	for _, p := range parts {
		if strings.HasPrefix(p, ":") {
			segs = append(segs, segment{param: p[1:]})
			static = false
			continue
		}
		segs = append(segs, segment{literal: p})
	}
	return segs, static
}

// Resolver holds the registered route table.
type Resolver struct {
	mu     sync.RWMutex
	routes []*route
}

// New creates an empty Resolver.
func New() *Resolver {
	return &Resolver{}
}

// Register adds a route pattern (e.g. "/ws/rooms/:roomID") bound to
// factory. Patterns are matched with static routes taking priority over
// parameterized ones regardless of registration order.
func (r *Resolver) Register(pattern string, factory Factory) {
	segs, static := compilePattern(pattern)
	rt := &route{pattern: pattern, segments: segs, isStatic: static, factory: factory}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, rt)
	less := func(i, j int) bool {
		return r.routes[i].isStatic && !r.routes[j].isStatic
	}
	stableSortRoutes(r.routes, less)
}

// stableSortRoutes is a tiny stable insertion sort over the small route
// table; routes are registered at startup, not on the hot path, so
// simplicity wins over import-sort's generality here.
func stableSortRoutes(routes []*route, less func(i, j int) bool) {
	for i := 1; i < len(routes); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			routes[j], routes[j-1] = routes[j-1], routes[j]
		}
	}
}

// Unregister removes a pattern, if present.
func (r *Resolver) Unregister(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rt := range r.routes {
		if rt.pattern == pattern {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			return
		}
	}
}

// Params is the set of path parameters extracted from a match.
type Params map[string]string

func matchSegments(segs []segment, pathParts []string) (Params, bool) {
	if len(segs) != len(pathParts) {
		return nil, false
	}
	var params Params
	for i, s := range segs {
		if s.param != "" {
			if params == nil {
				params = make(Params)
			}
			params[s.param] = pathParts[i]
			continue
		}
		if s.literal != pathParts[i] {
			return nil, false
		}
	}
	if params == nil {
		params = Params{}
	}
	return params, true
}

// Match is a resolved route.
type Match struct {
	Pattern string
	Params  Params
	route   *route
}

// Resolve finds the route matching urlPath, returning wserrors.RouteNotFound
// if none does.
func (r *Resolver) Resolve(urlPath string) (*Match, error) {
	parts := strings.Split(strings.Trim(urlPath, "/"), "/")

	r.mu.RLock()
	routes := make([]*route, len(r.routes))
	copy(routes, r.routes)
	r.mu.RUnlock()

	for _, rt := range routes {
		if params, ok := matchSegments(rt.segments, parts); ok {
			return &Match{Pattern: rt.pattern, Params: params, route: rt}, nil
		}
	}
	return nil, wserrors.New(wserrors.RouteNotFound, "no route registered for "+urlPath)
}

// Handler invokes the match's factory exactly once per process, caching
// either the resulting handler or the error so every later match reuses
// it instead of re-running the factory.
func (m *Match) Handler() (Handler, error) {
	rt := m.route
	rt.cacheMu.Lock()
	defer rt.cacheMu.Unlock()

	if rt.cached {
		return rt.cachedHandler, rt.cacheErr
	}

	if rt.factory == nil {
		rt.cacheErr = wserrors.New(wserrors.HandlerNotFound, "route "+rt.pattern+" has no handler factory")
		rt.cached = true
		return nil, rt.cacheErr
	}

	h, err := rt.factory()
	if err != nil {
		rt.cacheErr = wserrors.Wrap(wserrors.ModuleImport, "handler factory failed for "+rt.pattern, err)
		rt.cached = true
		return nil, rt.cacheErr
	}
	if h == nil {
		rt.cacheErr = wserrors.New(wserrors.HandlerNotFound, "route "+rt.pattern+" factory returned a nil handler")
		rt.cached = true
		return nil, rt.cacheErr
	}

	rt.cachedHandler = h
	rt.cached = true
	return h, nil
}

// IsSupported reports whether urlPath matches any registered route,
// without triggering factory invocation.
func (r *Resolver) IsSupported(urlPath string) bool {
	_, err := r.Resolve(urlPath)
	return err == nil
}
