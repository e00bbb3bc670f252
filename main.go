// Command wsruntime runs a standalone demo server for the embeddable
// WebSocket runtime: one echo route and one broadcast room route, both
// admitted through the full upgrade pipeline (rate limiting, circuit
// breaking, duplicate suppression, memory and concurrency guards) and
// served alongside a health/metrics surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightharbor/wsruntime/breaker"
	"github.com/nightharbor/wsruntime/config"
	"github.com/nightharbor/wsruntime/health"
	"github.com/nightharbor/wsruntime/logger"
	"github.com/nightharbor/wsruntime/memory"
	"github.com/nightharbor/wsruntime/observability"
	"github.com/nightharbor/wsruntime/pool"
	"github.com/nightharbor/wsruntime/ratelimit"
	"github.com/nightharbor/wsruntime/redisclient"
	"github.com/nightharbor/wsruntime/resolver"
	"github.com/nightharbor/wsruntime/router"
	"github.com/nightharbor/wsruntime/tracker"
	"github.com/nightharbor/wsruntime/upgrade"
)

func main() {
	cfg := config.LoadEnv(config.Merge(config.Config{}))
	log := logger.New(cfg)

	if problems := cfg.Validate(); len(problems) > 0 {
		for _, p := range problems {
			log.Error().Str("problem", p).Msg("invalid configuration")
		}
		log.Fatal().Msg("refusing to start with invalid configuration")
	}

	log.Info().Str("env", cfg.Env).Str("addr", cfg.Addr).Msg("wsruntime starting")

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — falling back to in-memory rate-limit buckets")
		rc = nil
	} else if rc != nil {
		if err := redisclient.Ping(rc); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — falling back to in-memory rate-limit buckets")
			rc = nil
		} else {
			log.Info().Msg("redis connected, mirroring rate-limit buckets")
		}
	}

	breakerRegistry := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	}, log)
	breakerRegistry.StartSweep()
	defer breakerRegistry.Destroy()

	limiter := ratelimit.New(log, rc)
	limiter.StartSweep()
	defer limiter.Destroy()

	connTracker := tracker.New(tracker.Config{})
	stopTrackerSweep := connTracker.StartSweep()
	defer stopTrackerSweep()

	connPool := pool.New(pool.Config{MaxConnections: cfg.MaxConnections}, log)
	connPool.StartReaper(5 * time.Minute)
	defer connPool.Destroy()

	memManager := memory.New(memory.Config{}, log)
	memManager.RegisterCleanupStrategy(memory.Strategy{
		Name:     "close-idle-connections",
		Priority: 10,
		Run: func() error {
			closed := connPool.CleanupIdleConnections()
			log.Info().Int("closed", closed).Msg("memory pressure: closed idle connections")
			return nil
		},
	})
	memManager.RegisterCleanupStrategy(memory.Strategy{
		Name:     "reset-pool-metrics",
		Priority: 3,
		Run: func() error {
			connPool.ResetMetrics()
			return nil
		},
	})
	memManager.StartMonitoring(60 * time.Second)
	defer memManager.StopMonitoring()

	healthMonitor := health.New(health.Config{
		BreakerProbe: breakerRegistry.AnyOpen,
		ActiveCap:    int64(cfg.MaxConnections),
	})

	metrics := observability.NewMetrics(log)

	res := resolver.New()
	registerDemoRoutes(res, healthMonitor, metrics, connPool, log)

	orchestrator := upgrade.New(cfg, log, breakerRegistry, limiter, connTracker, res, connPool, memManager, healthMonitor)

	handler := router.New(router.Deps{
		Logger:          log,
		Orchestrator:    orchestrator,
		Health:          healthMonitor,
		Metrics:         metrics,
		AllowedOrigins:  cfg.Security.AllowedOrigins,
		HealthCheckPath: cfg.Monitoring.HealthCheckPath,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		IdleTimeout:  cfg.Performance.KeepAlive * 4,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("wsruntime listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("wsruntime stopped gracefully")
	}
}

// registerDemoRoutes wires the sample routes the demo server exposes: a
// plain echo socket and a broadcast room keyed by :roomID.
func registerDemoRoutes(res *resolver.Resolver, hm *health.Monitor, metrics *observability.Metrics, connPool *pool.Pool, log zerolog.Logger) {
	res.Register("/ws/echo", func() (resolver.Handler, error) {
		return func(ctx resolver.ConnContext) (func(), error) {
			conn := ctx.Conn()
			for {
				msgType, msg, err := conn.ReadMessage()
				if err != nil {
					return nil, nil
				}
				hm.RecordMessageIn()
				metrics.CounterInc("wsrt_messages_total", map[string]string{"route": ctx.Path(), "direction": "in"})
				if err := conn.WriteMessage(msgType, msg); err != nil {
					return nil, nil
				}
				hm.RecordMessageOut()
				metrics.CounterInc("wsrt_messages_total", map[string]string{"route": ctx.Path(), "direction": "out"})
			}
		}, nil
	})

	res.Register("/ws/rooms/:roomID", func() (resolver.Handler, error) {
		return func(ctx resolver.ConnContext) (func(), error) {
			conn := ctx.Conn()
			room := ctx.Path()
			log.Debug().Str("conn", ctx.ConnectionID()).Str("path", room).Msg("room connection opened")
			cleanup := func() {
				log.Debug().Str("conn", ctx.ConnectionID()).Str("path", room).Msg("room connection closed")
			}
			for {
				msgType, msg, err := conn.ReadMessage()
				if err != nil {
					return cleanup, nil
				}
				hm.RecordMessageIn()
				metrics.CounterInc("wsrt_messages_total", map[string]string{"route": room, "direction": "in"})

				failed := connPool.Broadcast(room, msgType, msg)
				if len(failed) > 0 {
					log.Warn().Strs("failed", failed).Str("room", room).Msg("broadcast delivery failed for some connections")
				}
				hm.RecordMessageOut()
				metrics.CounterInc("wsrt_messages_total", map[string]string{"route": room, "direction": "out"})
			}
		}, nil
	})
}
