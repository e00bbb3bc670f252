/*
Package memory implements a threshold-driven memory pressure monitor: a
set of prioritized cleanup strategies invoked when heap usage crosses
warning/critical/maximum thresholds.

The Gauge/Counter vocabulary and the runtime.ReadMemStats-based sampling
follow the same metrics vocabulary used elsewhere in this codebase; the
Start/Stop/tick background-loop shape follows the same ticker idiom used
by every other background sweep here.
*/
package memory

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is a memory-pressure tier.
type Level string

const (
	Normal   Level = "normal"
	Warning  Level = "warning"
	Critical Level = "critical"
	Maximum  Level = "maximum"
)

// Thresholds are the heap-usage-ratio boundaries for each tier, as a
// fraction of Config.Limit.
type Thresholds struct {
	Warning  float64 // default 0.90
	Critical float64 // default 0.95
	Maximum  float64 // default 0.98
}

func (t Thresholds) withDefaults() Thresholds {
	if t.Warning <= 0 {
		t.Warning = 0.90
	}
	if t.Critical <= 0 {
		t.Critical = 0.95
	}
	if t.Maximum <= 0 {
		t.Maximum = 0.98
	}
	return t
}

// Config tunes the manager.
type Config struct {
	// Limit is the heap size, in bytes, considered "full". A zero value
	// disables pressure-based cleanup entirely: CheckAndCleanup always
	// reports Normal.
	Limit      uint64
	Thresholds Thresholds
	// Cooldown is the minimum time between non-forced cleanup runs,
	// default 30s.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	c.Thresholds = c.Thresholds.withDefaults()
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Strategy is one registered cleanup action. Higher Priority runs first.
type Strategy struct {
	Name     string
	Priority int
	Run      func() error
}

// Priority floors below which a strategy is skipped at a given pressure
// tier: Critical and Maximum run everything, Warning only runs strategies
// judged important enough to matter before things get worse, and a forced
// pass (triggered on demand rather than by a pressure reading) runs
// everything down to a slightly lower floor than Warning.
const (
	warningPriorityFloor = 5
	forcedPriorityFloor  = 3
)

// priorityFloor returns the minimum Strategy.Priority that may run for the
// given level/forced combination.
func priorityFloor(level Level, forced bool) int {
	if forced {
		return forcedPriorityFloor
	}
	if level == Warning {
		return warningPriorityFloor
	}
	return math.MinInt32
}

// Report summarizes one cleanup pass.
type Report struct {
	Level      Level
	HeapRatio  float64
	Ran        []string
	Errors     map[string]error
	Forced     bool
	ExecutedAt time.Time
}

// Manager watches heap usage and runs registered strategies under
// pressure.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	logger     zerolog.Logger
	strategies []Strategy
	lastRun    time.Time

	cancel func()
	done   chan struct{}
}

// New creates a Manager with no registered strategies.
func New(cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "memory_manager").Logger(),
	}
}

// RegisterCleanupStrategy adds a strategy, keeping the list sorted by
// descending priority.
func (m *Manager) RegisterCleanupStrategy(s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies = append(m.strategies, s)
	sort.SliceStable(m.strategies, func(i, j int) bool {
		return m.strategies[i].Priority > m.strategies[j].Priority
	})
}

func heapRatio(limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / float64(limit)
}

// LevelFor classifies a heap ratio into a pressure tier.
func (m *Manager) LevelFor(ratio float64) Level {
	t := m.cfg.Thresholds
	switch {
	case ratio >= t.Maximum:
		return Maximum
	case ratio >= t.Critical:
		return Critical
	case ratio >= t.Warning:
		return Warning
	default:
		return Normal
	}
}

// Acceptable reports whether the runtime currently has enough headroom to
// accept a new connection — false at Maximum pressure, the signal the
// upgrade orchestrator uses to refuse new sockets with 1013.
func (m *Manager) Acceptable() bool {
	if m.cfg.Limit == 0 {
		return true
	}
	return m.LevelFor(heapRatio(m.cfg.Limit)) != Maximum
}

// CheckAndCleanup samples heap usage and, if it has crossed Warning or
// above, executes registered strategies in priority order until the ratio
// falls back under Warning or every strategy has run. Non-forced calls are
// throttled to one execution per Cooldown.
func (m *Manager) CheckAndCleanup(forced bool) Report {
	ratio := heapRatio(m.cfg.Limit)
	level := m.LevelFor(ratio)

	now := time.Now()
	m.mu.Lock()
	if !forced && level == Normal {
		m.mu.Unlock()
		return Report{Level: level, HeapRatio: ratio, ExecutedAt: now}
	}
	if !forced && now.Sub(m.lastRun) < m.cfg.Cooldown {
		m.mu.Unlock()
		return Report{Level: level, HeapRatio: ratio, ExecutedAt: now}
	}
	m.lastRun = now
	strategies := make([]Strategy, len(m.strategies))
	copy(strategies, m.strategies)
	m.mu.Unlock()

	report := Report{
		Level:      level,
		HeapRatio:  ratio,
		Forced:     forced,
		ExecutedAt: now,
		Errors:     make(map[string]error),
	}

	floor := priorityFloor(level, forced)
	for _, s := range strategies {
		if s.Priority < floor {
			continue
		}
		if err := s.Run(); err != nil {
			report.Errors[s.Name] = err
			m.logger.Warn().Err(err).Str("strategy", s.Name).Msg("cleanup strategy failed")
			continue
		}
		report.Ran = append(report.Ran, s.Name)

		if !forced && m.LevelFor(heapRatio(m.cfg.Limit)) == Normal {
			break
		}
	}

	m.logger.Info().
		Str("level", string(level)).
		Float64("heap_ratio", ratio).
		Strs("ran", report.Ran).
		Bool("forced", forced).
		Msg("memory cleanup pass complete")

	return report
}

// StartMonitoring begins the periodic pressure check, default every 60s.
func (m *Manager) StartMonitoring(interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	done := make(chan struct{})
	stop := make(chan struct{})
	m.done = done
	m.cancel = func() { close(stop) }

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.CheckAndCleanup(false)
			}
		}
	}()
}

// StopMonitoring halts the background check.
func (m *Manager) StopMonitoring() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// GenerateReport returns a point-in-time snapshot without triggering any
// cleanup, for the health/metrics surface.
func (m *Manager) GenerateReport() Report {
	ratio := heapRatio(m.cfg.Limit)
	return Report{Level: m.LevelFor(ratio), HeapRatio: ratio, ExecutedAt: time.Now()}
}
