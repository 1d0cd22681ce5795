package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/localdir/dircache/pkg/errors"
)

// Collector records cache, fetch, preload and fallback metrics on a private registry.
// It implements cache.Recorder, preload.Recorder and repository.FallbackRecorder.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	cacheRequests *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	dedupJoins    *prometheus.CounterVec
	preloadItems  *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	cacheEntries  *prometheus.GaugeVec
	circuitState  *prometheus.GaugeVec
	trackerEvents prometheus.Gauge

	fetchStats map[string]*FetchMetrics
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// FetchMetrics tracks repository fetches for one kind of key.
type FetchMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastFetch     time.Time     `json:"last_fetch"`
}

// NewCollector creates a new metrics collector. A disabled collector accepts every call and
// records nothing.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{Enabled: true, Namespace: "dircache"}
	}

	c := &Collector{
		config:     config,
		fetchStats: make(map[string]*FetchMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to register metrics", err).WithComponent("metrics")
	}
	return c, nil
}

// Enabled reports whether metrics are recorded.
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordLookup counts a cache lookup on one tier.
func (c *Collector) RecordLookup(tier, result string) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues(tier, result).Inc()
}

// RecordFetch records a repository fetch started by the coordinator.
func (c *Collector) RecordFetch(kind, status string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}

	c.fetches.WithLabelValues(kind, status).Inc()
	c.fetchDuration.WithLabelValues(kind).Observe(duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.fetchStats[kind]
	if !ok {
		m = &FetchMetrics{}
		c.fetchStats[kind] = m
	}
	m.Count++
	if status != "success" {
		m.Errors++
	}
	m.TotalDuration += duration
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.LastFetch = time.Now()
}

// RecordDedupJoin counts a caller that joined an in-flight fetch.
func (c *Collector) RecordDedupJoin(kind string) {
	if !c.config.Enabled {
		return
	}
	c.dedupJoins.WithLabelValues(kind).Inc()
}

// RecordPreload counts one preloaded id by outcome.
func (c *Collector) RecordPreload(outcome string) {
	if !c.config.Enabled {
		return
	}
	c.preloadItems.WithLabelValues(outcome).Inc()
}

// RecordFallback counts a static fallback substitution.
func (c *Collector) RecordFallback(shape string) {
	if !c.config.Enabled {
		return
	}
	c.fallbacks.WithLabelValues(shape).Inc()
}

// SetCacheEntries sets the entry count gauge for a tier.
func (c *Collector) SetCacheEntries(tier string, n int) {
	if !c.config.Enabled {
		return
	}
	c.cacheEntries.WithLabelValues(tier).Set(float64(n))
}

// SetCircuitState exports a breaker state: 0 closed, 1 open, 2 half-open.
func (c *Collector) SetCircuitState(name string, state int) {
	if !c.config.Enabled {
		return
	}
	c.circuitState.WithLabelValues(name).Set(float64(state))
}

// SetTrackerEvents sets the visit log length gauge.
func (c *Collector) SetTrackerEvents(n int) {
	if !c.config.Enabled {
		return
	}
	c.trackerEvents.Set(float64(n))
}

// FetchStats returns a copy of per-kind fetch statistics.
func (c *Collector) FetchStats() map[string]FetchMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]FetchMetrics, len(c.fetchStats))
	for k, v := range c.fetchStats {
		out[k] = *v
	}
	return out
}

// ResetFetchStats clears per-kind statistics. Prometheus counters are untouched.
func (c *Collector) ResetFetchStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchStats = make(map[string]*FetchMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "cache_requests_total",
		Help: "Cache lookups by tier and result",
	}, []string{"tier", "result"})

	c.fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "fetches_total",
		Help: "Repository fetches started by the coordinator",
	}, []string{"kind", "status"})

	c.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub,
		Name:    "fetch_duration_seconds",
		Help:    "Duration of repository fetches in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	}, []string{"kind"})

	c.dedupJoins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "dedup_joins_total",
		Help: "Callers served by another caller's in-flight fetch",
	}, []string{"kind"})

	c.preloadItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "preload_items_total",
		Help: "Preloaded ids by outcome",
	}, []string{"outcome"})

	c.fallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "fallback_total",
		Help: "Reads answered by the static fallback dataset",
	}, []string{"shape"})

	c.cacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "cache_entries",
		Help: "Entries held per cache tier",
	}, []string{"tier"})

	c.circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "circuit_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"name"})

	c.trackerEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "tracker_events",
		Help: "Visit events held by the access tracker",
	})
}

func (c *Collector) registerMetrics() error {
	for _, m := range []prometheus.Collector{
		c.cacheRequests,
		c.fetches,
		c.fetchDuration,
		c.dedupJoins,
		c.preloadItems,
		c.fallbacks,
		c.cacheEntries,
		c.circuitState,
		c.trackerEvents,
	} {
		if err := c.registry.Register(m); err != nil {
			return err
		}
	}
	return nil
}
