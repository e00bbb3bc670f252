// Package router assembles the demo HTTP surface around an upgrade
// orchestrator: CORS, security headers, request IDs and panic recovery in
// front of the health/metrics endpoints, with the orchestrator itself
// mounted as the catch-all for every other path, using the same chi-based
// middleware chaining style as the rest of this codebase.
package router

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nightharbor/wsruntime/health"
	"github.com/nightharbor/wsruntime/middleware"
	"github.com/nightharbor/wsruntime/observability"
	"github.com/nightharbor/wsruntime/upgrade"
)

// Deps collects everything New needs to assemble the router, avoiding a
// long positional constructor as more optional dependencies are wired in.
type Deps struct {
	Logger          zerolog.Logger
	Orchestrator    *upgrade.Orchestrator
	Health          *health.Monitor
	Metrics         *observability.Metrics
	AllowedOrigins  []string
	HealthCheckPath string
}

// New builds the full chi middleware chain in front of the health/metrics
// endpoints and the upgrade orchestrator.
func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.CORSMiddleware(d.AllowedOrigins))
	r.Use(middleware.SecurityHeadersMiddleware)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(requestLogMiddleware(d.Logger))

	healthPath := d.HealthCheckPath
	if healthPath == "" {
		healthPath = "/healthz"
	}
	healthPath = "/" + strings.Trim(healthPath, "/")
	r.Mount(healthPath, http.StripPrefix(healthPath, d.Health.Handler()))

	if d.Metrics != nil {
		r.Get("/metrics", d.Metrics.Handler())
	}

	r.Handle("/*", d.Orchestrator)

	return r
}

func requestLogMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", rw.Header().Get("X-Request-ID")).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request handled")
		})
	}
}
