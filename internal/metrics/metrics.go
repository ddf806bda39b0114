package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus-backed MetricsInterface implementation.
// Grounded on the teacher's internal/metrics.Metrics: same promauto
// construction style, same per-concern grouping, retargeted from a
// many-connection broadcast hub to one outbound session.
type Metrics struct {
	connectionState    prometheus.Gauge
	connectionDuration prometheus.Histogram
	reconnectsTotal    prometheus.Counter

	queueDepth       prometheus.Gauge
	pendingRequests  prometheus.Gauge

	activeSubscriptions  prometheus.Gauge
	subscriptionErrors   prometheus.Counter

	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	cacheSizeBytes prometheus.Gauge

	errorsTotal  prometheus.Counter
	errorsByKind *prometheus.CounterVec

	goroutinesCount prometheus.Gauge
	memoryUsage     prometheus.Gauge
	cpuUsage        prometheus.Gauge

	startTime time.Time
	mu        sync.RWMutex
}

// NewMetrics registers and returns the process-wide metric set. Callers
// embedding more than one Database in a process should share one instance
// to avoid duplicate-registration panics from promauto.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		connectionState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rdb_connection_state",
			Help: "Connection state of the session (1=connected, 0=disconnected)",
		}),
		connectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rdb_connection_duration_seconds",
			Help:    "Duration of connected periods",
			Buckets: prometheus.DefBuckets,
		}),
		reconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rdb_reconnects_total",
			Help: "Total number of reconnect attempts",
		}),

		queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rdb_event_queue_depth",
			Help: "Number of requests waiting in the session event queue",
		}),
		pendingRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rdb_pending_requests",
			Help: "Number of requests sent and awaiting server ack",
		}),

		activeSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rdb_active_subscriptions",
			Help: "Number of distinct server-side subscriptions currently registered",
		}),
		subscriptionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rdb_subscription_errors_total",
			Help: "Total number of subscriptions that failed or were revoked",
		}),

		cacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rdb_cache_hits_total",
			Help: "Total number of subscription/fetch reads served from the local cache",
		}),
		cacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rdb_cache_misses_total",
			Help: "Total number of subscription/fetch reads not found in the local cache",
		}),
		cacheSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rdb_cache_size_bytes",
			Help: "Total archived object payload bytes held in the cache",
		}),

		errorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rdb_errors_total",
			Help: "Total number of errors surfaced to callers",
		}),
		errorsByKind: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rdb_errors_by_kind_total",
			Help: "Total number of errors, labeled by kind",
		}, []string{"kind"}),

		goroutinesCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rdb_goroutines_count",
			Help: "Number of goroutines in the process",
		}),
		memoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rdb_memory_usage_bytes",
			Help: "Process heap memory usage in bytes",
		}),
		cpuUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rdb_cpu_usage_percent",
			Help: "Process CPU usage percentage",
		}),
	}
}

func (m *Metrics) SetConnectionState(connected bool) {
	if connected {
		m.connectionState.Set(1)
	} else {
		m.connectionState.Set(0)
	}
}

func (m *Metrics) IncrementReconnects()                          { m.reconnectsTotal.Inc() }
func (m *Metrics) RecordConnectionDuration(d time.Duration)      { m.connectionDuration.Observe(d.Seconds()) }
func (m *Metrics) UpdateQueueDepth(n int)                        { m.queueDepth.Set(float64(n)) }
func (m *Metrics) UpdatePendingRequests(n int)                   { m.pendingRequests.Set(float64(n)) }
func (m *Metrics) UpdateActiveSubscriptions(n int)               { m.activeSubscriptions.Set(float64(n)) }
func (m *Metrics) IncrementSubscriptionErrors()                  { m.subscriptionErrors.Inc() }
func (m *Metrics) IncrementCacheHits()                           { m.cacheHits.Inc() }
func (m *Metrics) IncrementCacheMisses()                         { m.cacheMisses.Inc() }
func (m *Metrics) UpdateCacheSizeBytes(n int64)                  { m.cacheSizeBytes.Set(float64(n)) }

func (m *Metrics) RecordError(kind string) {
	m.errorsTotal.Inc()
	m.errorsByKind.WithLabelValues(kind).Inc()
}

func (m *Metrics) UpdateGoroutinesCount(count int)  { m.goroutinesCount.Set(float64(count)) }
func (m *Metrics) UpdateMemoryUsage(bytes uint64)   { m.memoryUsage.Set(float64(bytes)) }
func (m *Metrics) UpdateCPUUsage(percent float64)   { m.cpuUsage.Set(percent) }

func (m *Metrics) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}
