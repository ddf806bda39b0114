package metrics

import "time"

// MetricsInterface is the surface every subsystem depends on, so a caller
// that does not want Prometheus wired up (tests, embedders) can supply a
// no-op or in-memory implementation. Grounded on the teacher's
// MetricsInterface in internal/metrics/interface.go; the connection/message
// counters there are retargeted for a single outbound session rather than
// a fleet of inbound ones.
type MetricsInterface interface {
	// Connection/session state.
	SetConnectionState(connected bool)
	IncrementReconnects()
	RecordConnectionDuration(d time.Duration)

	// Session event queue.
	UpdateQueueDepth(n int)
	UpdatePendingRequests(n int)

	// Subscriptions.
	UpdateActiveSubscriptions(n int)
	IncrementSubscriptionErrors()

	// Cache.
	IncrementCacheHits()
	IncrementCacheMisses()
	UpdateCacheSizeBytes(n int64)

	// Errors, labeled by model.Kind string.
	RecordError(kind string)

	// System.
	UpdateGoroutinesCount(count int)
	UpdateMemoryUsage(bytes uint64)
	UpdateCPUUsage(percent float64)

	GetUptime() time.Duration
}
