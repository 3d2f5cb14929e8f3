package observability

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig holds configuration for Prometheus metrics
type MetricsConfig struct {
	// Logger for structured logging
	Logger *slog.Logger

	// Namespace for metrics (e.g., "fsroute")
	Namespace string

	// Buckets for response time histogram
	Buckets []float64

	// RuntimeCollectors adds the Go runtime and process collectors
	RuntimeCollectors bool
}

// DefaultMetricsConfig returns a default metrics configuration
func DefaultMetricsConfig(namespace string) *MetricsConfig {
	return &MetricsConfig{
		Namespace:         namespace,
		Buckets:           []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		RuntimeCollectors: true,
	}
}

// Metrics holds Prometheus collectors on a private registry, so several
// servers in one process (and tests) never collide on registration.
// All methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	timeouts        prometheus.Counter

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec

	reloads        *prometheus.CounterVec
	reloadDuration prometheus.Histogram

	workerLoad        *prometheus.GaugeVec
	workerConnections *prometheus.GaugeVec
	workerMemory      *prometheus.GaugeVec
	workerRestarts    prometheus.Counter
	workersAlive      prometheus.Gauge
}

// NewMetrics creates and registers the collectors
func NewMetrics(config *MetricsConfig) *Metrics {
	if config == nil {
		config = DefaultMetricsConfig("fsroute")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.Buckets) == 0 {
		config.Buckets = prometheus.DefBuckets
	}

	logger.Debug("initializing prometheus metrics", "namespace", config.Namespace)

	ns := config.Namespace
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "http",
			Name: "requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "http",
			Name:    "request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: config.Buckets,
		}, []string{"method", "route"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "http",
			Name: "requests_active",
			Help: "Number of requests being dispatched",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "http",
			Name: "request_timeouts_total",
			Help: "Requests answered with 408 by the per-request timer",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache",
			Name: "hits_total",
			Help: "Total number of cache hits",
		}, []string{"cache"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache",
			Name: "misses_total",
			Help: "Total number of cache misses",
		}, []string{"cache"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache",
			Name: "evictions_total",
			Help: "Total number of cache evictions",
		}, []string{"cache"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "routes",
			Name: "reloads_total",
			Help: "Route table reloads by result",
		}, []string{"result"}),
		reloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "routes",
			Name:    "reload_duration_seconds",
			Help:    "Time spent scanning the routes directory",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
		workerLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "worker",
			Name: "load",
			Help: "Last reported busy fraction of a worker",
		}, []string{"worker"}),
		workerConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "worker",
			Name: "connections",
			Help: "Last reported open connections of a worker",
		}, []string{"worker"}),
		workerMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "worker",
			Name: "memory_bytes",
			Help: "Last reported heap usage of a worker",
		}, []string{"worker"}),
		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "worker",
			Name: "restarts_total",
			Help: "Workers respawned after an unexpected exit",
		}),
		workersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "worker",
			Name: "alive",
			Help: "Registered workers",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal, m.requestDuration, m.activeRequests, m.timeouts,
		m.cacheHits, m.cacheMisses, m.cacheEvictions,
		m.reloads, m.reloadDuration,
		m.workerLoad, m.workerConnections, m.workerMemory, m.workerRestarts, m.workersAlive,
	)
	if config.RuntimeCollectors {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry exposes the underlying registry for custom collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestStarted tracks an in-flight request
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.activeRequests.Inc()
}

// RequestFinished records a finished request. route is the matched pattern,
// never the raw path, to keep label cardinality bounded.
func (m *Metrics) RequestFinished(method, route string, status int, d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.activeRequests.Dec()
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
	if timedOut {
		m.timeouts.Inc()
	}
}

// CacheHit implements cache.Observer
func (m *Metrics) CacheHit(name string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(name).Inc()
}

// CacheMiss implements cache.Observer
func (m *Metrics) CacheMiss(name string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(name).Inc()
}

// CacheEvicted implements cache.Observer
func (m *Metrics) CacheEvicted(name string, n int) {
	if m == nil {
		return
	}
	m.cacheEvictions.WithLabelValues(name).Add(float64(n))
}

// RoutesReloaded records the outcome of a route reload
func (m *Metrics) RoutesReloaded(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reloads.WithLabelValues(result).Inc()
	m.reloadDuration.Observe(d.Seconds())
}

// WorkerReported updates the gauges of one worker
func (m *Metrics) WorkerReported(id int, load float64, connections int, memory uint64) {
	if m == nil {
		return
	}
	label := strconv.Itoa(id)
	m.workerLoad.WithLabelValues(label).Set(load)
	m.workerConnections.WithLabelValues(label).Set(float64(connections))
	m.workerMemory.WithLabelValues(label).Set(float64(memory))
}

// WorkerAdded counts a newly registered worker
func (m *Metrics) WorkerAdded() {
	if m == nil {
		return
	}
	m.workersAlive.Inc()
}

// WorkerRemoved drops the gauges of a worker that exited
func (m *Metrics) WorkerRemoved(id int) {
	if m == nil {
		return
	}
	label := strconv.Itoa(id)
	m.workerLoad.DeleteLabelValues(label)
	m.workerConnections.DeleteLabelValues(label)
	m.workerMemory.DeleteLabelValues(label)
	m.workersAlive.Dec()
}

// WorkerRestarted counts a respawn
func (m *Metrics) WorkerRestarted() {
	if m == nil {
		return
	}
	m.workerRestarts.Inc()
}
