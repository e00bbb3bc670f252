// Package config implements a layered configuration merge: hard-coded
// defaults, overridden by a supplied Config value, overridden again by
// recognized environment variables — each layer able to override only
// what the layer below it set.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// SecurityConfig governs handshake-time admission.
type SecurityConfig struct {
	AllowedOrigins    []string
	MaxPayloadBytes   int64
	ValidateProtocol  bool
	AllowedProtocols  []string
	VerifyClient      bool
}

// PerformanceConfig governs socket-level tuning.
type PerformanceConfig struct {
	PerMessageDeflate bool
	Backlog           int
	KeepAlive         time.Duration
}

// MonitoringConfig governs the ambient observability surface.
type MonitoringConfig struct {
	MetricsEnabled   bool
	DetailedLogging  bool
	HealthCheckPath  string
}

// CircuitBreakerConfig governs breaker.Config defaults at the runtime
// level; per-route overrides live in RouteOverride.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// RouteOverride holds the per-route tunables allowed to diverge from the
// runtime-wide defaults.
type RouteOverride struct {
	MaxConnections int
	Timeout        time.Duration
	Compression    bool
	RateLimitRPM   int
}

// Config is the fully merged runtime configuration.
type Config struct {
	Enabled        bool
	Addr           string
	Env            string
	MaxConnections int
	Timeout        time.Duration
	Compression    bool

	GracefulTimeout time.Duration
	RedisURL        string
	LogLevel        string

	// MaxConnectionsPerIdentity caps concurrently open connections for a
	// single client identity (see ratelimit.Identity), independent of the
	// request-rate limit. Zero disables the cap.
	MaxConnectionsPerIdentity int

	Security      SecurityConfig
	Performance   PerformanceConfig
	Monitoring    MonitoringConfig
	CircuitBreaker CircuitBreakerConfig

	Routes map[string]RouteOverride
}

func defaults() Config {
	return Config{
		Enabled:         true,
		Addr:            ":8080",
		Env:             "development",
		MaxConnections:  1000,
		Timeout:         30 * time.Second,
		Compression:     false,
		GracefulTimeout: 15 * time.Second,
		LogLevel:        "",
		MaxConnectionsPerIdentity: 0,
		Security: SecurityConfig{
			MaxPayloadBytes:  1 << 20,
			ValidateProtocol: false,
		},
		Performance: PerformanceConfig{
			Backlog:   511,
			KeepAlive: 30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  true,
			HealthCheckPath: "/healthz",
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			SuccessThreshold: 3,
		},
		Routes: map[string]RouteOverride{},
	}
}

// Merge layers supplied over the built-in defaults: zero-valued fields in
// supplied leave the default standing, so each layer only overrides what
// it explicitly sets.
func Merge(supplied Config) Config {
	cfg := defaults()

	cfg.Enabled = supplied.Enabled || cfg.Enabled
	if supplied.Addr != "" {
		cfg.Addr = supplied.Addr
	}
	if supplied.Env != "" {
		cfg.Env = supplied.Env
	}
	if supplied.MaxConnections != 0 {
		cfg.MaxConnections = supplied.MaxConnections
	}
	if supplied.Timeout != 0 {
		cfg.Timeout = supplied.Timeout
	}
	cfg.Compression = supplied.Compression || cfg.Compression
	if supplied.GracefulTimeout != 0 {
		cfg.GracefulTimeout = supplied.GracefulTimeout
	}
	if supplied.RedisURL != "" {
		cfg.RedisURL = supplied.RedisURL
	}
	if supplied.LogLevel != "" {
		cfg.LogLevel = supplied.LogLevel
	}
	if supplied.MaxConnectionsPerIdentity != 0 {
		cfg.MaxConnectionsPerIdentity = supplied.MaxConnectionsPerIdentity
	}
	if supplied.Security.MaxPayloadBytes != 0 {
		cfg.Security.MaxPayloadBytes = supplied.Security.MaxPayloadBytes
	}
	if len(supplied.Security.AllowedOrigins) > 0 {
		cfg.Security.AllowedOrigins = supplied.Security.AllowedOrigins
	}
	if len(supplied.Security.AllowedProtocols) > 0 {
		cfg.Security.AllowedProtocols = supplied.Security.AllowedProtocols
	}
	cfg.Security.ValidateProtocol = supplied.Security.ValidateProtocol || cfg.Security.ValidateProtocol
	cfg.Security.VerifyClient = supplied.Security.VerifyClient || cfg.Security.VerifyClient

	if supplied.Performance.Backlog != 0 {
		cfg.Performance.Backlog = supplied.Performance.Backlog
	}
	if supplied.Performance.KeepAlive != 0 {
		cfg.Performance.KeepAlive = supplied.Performance.KeepAlive
	}
	cfg.Performance.PerMessageDeflate = supplied.Performance.PerMessageDeflate || cfg.Performance.PerMessageDeflate

	if supplied.Monitoring.HealthCheckPath != "" {
		cfg.Monitoring.HealthCheckPath = supplied.Monitoring.HealthCheckPath
	}
	cfg.Monitoring.DetailedLogging = supplied.Monitoring.DetailedLogging || cfg.Monitoring.DetailedLogging

	if supplied.CircuitBreaker.FailureThreshold != 0 {
		cfg.CircuitBreaker.FailureThreshold = supplied.CircuitBreaker.FailureThreshold
	}
	if supplied.CircuitBreaker.ResetTimeout != 0 {
		cfg.CircuitBreaker.ResetTimeout = supplied.CircuitBreaker.ResetTimeout
	}
	if supplied.CircuitBreaker.SuccessThreshold != 0 {
		cfg.CircuitBreaker.SuccessThreshold = supplied.CircuitBreaker.SuccessThreshold
	}

	for pattern, override := range supplied.Routes {
		cfg.Routes[pattern] = override
	}

	return cfg
}

// LoadEnv reads the .env file (if present) and environment variables,
// applying them as the highest-precedence layer over cfg. Malformed
// numeric/bool/duration values are ignored and the prior value is kept;
// they are not logged, and LoadEnv does not report which ones it dropped.
func LoadEnv(cfg Config) Config {
	_ = godotenv.Load()

	cfg.Addr = getEnv("WSRT_ADDR", cfg.Addr)
	cfg.Env = getEnv("WSRT_ENV", cfg.Env)
	cfg.LogLevel = getEnv("WSRT_LOG_LEVEL", cfg.LogLevel)
	cfg.RedisURL = getEnv("WSRT_REDIS_URL", cfg.RedisURL)
	cfg.MaxConnections = getEnvInt("WSRT_MAX_CONNECTIONS", cfg.MaxConnections)
	cfg.MaxConnectionsPerIdentity = getEnvInt("WSRT_MAX_CONN_PER_IDENTITY", cfg.MaxConnectionsPerIdentity)
	cfg.Timeout = getEnvDuration("WSRT_TIMEOUT_SEC", cfg.Timeout)
	cfg.GracefulTimeout = getEnvDuration("WSRT_GRACEFUL_TIMEOUT_SEC", cfg.GracefulTimeout)
	cfg.Compression = getEnvBool("WSRT_COMPRESSION", cfg.Compression)
	cfg.Security.MaxPayloadBytes = int64(getEnvInt("WSRT_MAX_PAYLOAD_BYTES", int(cfg.Security.MaxPayloadBytes)))
	cfg.Monitoring.MetricsEnabled = getEnvBool("WSRT_METRICS_ENABLED", cfg.Monitoring.MetricsEnabled)
	cfg.Monitoring.HealthCheckPath = getEnv("WSRT_HEALTH_CHECK_PATH", cfg.Monitoring.HealthCheckPath)

	return cfg
}

// RouteConfig resolves the effective configuration for a single route,
// applying any registered RouteOverride on top of the runtime defaults.
func (c Config) RouteConfig(pattern string) RouteOverride {
	ro := RouteOverride{
		MaxConnections: c.MaxConnections,
		Timeout:        c.Timeout,
		Compression:    c.Compression,
	}
	if override, ok := c.Routes[pattern]; ok {
		if override.MaxConnections != 0 {
			ro.MaxConnections = override.MaxConnections
		}
		if override.Timeout != 0 {
			ro.Timeout = override.Timeout
		}
		ro.Compression = override.Compression || ro.Compression
		ro.RateLimitRPM = override.RateLimitRPM
	}
	return ro
}

// Validate returns a list of human-readable problems with cfg. An empty
// slice means the configuration is usable.
func (c Config) Validate() []string {
	var problems []string

	if c.MaxConnections <= 0 {
		problems = append(problems, "maxConnections must be positive")
	}
	if c.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if c.Security.MaxPayloadBytes <= 0 {
		problems = append(problems, "security.maxPayloadSize must be positive")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		problems = append(problems, "circuitBreaker.failureThreshold must be positive")
	}
	if c.CircuitBreaker.SuccessThreshold <= 0 {
		problems = append(problems, "circuitBreaker.successThreshold must be positive")
	}
	for pattern, ro := range c.Routes {
		if ro.MaxConnections < 0 {
			problems = append(problems, "route "+pattern+": maxConnections must not be negative")
		}
	}
	return problems
}

// IsDevelopment reports whether the runtime is configured for development.
func (c Config) IsDevelopment() bool { return c.Env == "development" }

// IsProduction reports whether the runtime is configured for production.
func (c Config) IsProduction() bool { return c.Env == "production" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
