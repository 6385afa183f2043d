// Package metrics owns the Prometheus collectors shared by the orchestration
// components. A nil or disabled Recorder turns every call into a no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "llm_orchestrator"

// Recorder provides methods to record metrics
type Recorder struct {
	enabled bool

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sharedCalls     *prometheus.CounterVec

	cacheLookups  *prometheus.CounterVec
	cacheRemovals *prometheus.CounterVec
	cacheBytes    prometheus.Gauge
	cacheEntries  prometheus.Gauge

	rateLimitWaits     *prometheus.HistogramVec
	rateLimitRemaining *prometheus.GaugeVec

	retryTotal    *prometheus.CounterVec
	retryAttempts *prometheus.HistogramVec

	batchSize        prometheus.Histogram
	batchItems       *prometheus.CounterVec
	batchItemSeconds prometheus.Histogram
	queuedRequests   prometheus.Gauge
	inFlightItems    prometheus.Gauge

	circuitBreakerState *prometheus.GaugeVec
	circuitBreakerTrips *prometheus.CounterVec
}

// NewRecorder registers the collectors on reg under namespace. An empty
// namespace selects DefaultNamespace.
func NewRecorder(reg prometheus.Registerer, namespace string) *Recorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Recorder{
		enabled: true,

		// Request metrics
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of orchestrated requests by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of orchestrated requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		sharedCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shared_calls_total",
				Help:      "Requests served by an identical in-flight call",
			},
			[]string{"provider"},
		),

		// Cache metrics
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		),
		cacheRemovals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_removals_total",
				Help:      "Cache entries removed by reason (evicted, expired)",
			},
			[]string{"reason"},
		),
		cacheBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_size_bytes",
				Help:      "Bytes currently held by the response cache",
			},
		),
		cacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Entries currently held by the response cache",
			},
		),

		// Rate limiter metrics
		rateLimitWaits: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rate_limit_wait_seconds",
				Help:      "Time spent waiting for a rate limit slot",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		rateLimitRemaining: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rate_limit_remaining",
				Help:      "Calls remaining in the current rate limit window",
			},
			[]string{"provider"},
		),

		// Retry metrics
		retryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_total",
				Help:      "Total number of retries by label and reason",
			},
			[]string{"label", "reason"},
		),
		retryAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_attempts",
				Help:      "Number of attempts per retried operation",
				Buckets:   []float64{1, 2, 3, 4, 5, 8},
			},
			[]string{"label"},
		),

		// Batch metrics
		batchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Size of drained batches",
				Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
			},
		),
		batchItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_items_total",
				Help:      "Batch items reaching a terminal status",
			},
			[]string{"status"},
		),
		batchItemSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_item_duration_seconds",
				Help:      "Processing time of individual batch items",
				Buckets:   prometheus.DefBuckets,
			},
		),
		queuedRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_requests",
				Help:      "Number of requests waiting in the batch queue",
			},
		),
		inFlightItems: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_items",
				Help:      "Batch items currently being processed",
			},
		),

		// Circuit breaker metrics
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		circuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"name"},
		),
	}
}

func (m *Recorder) on() bool {
	return m != nil && m.enabled
}

// SetEnabled toggles recording without unregistering collectors
func (m *Recorder) SetEnabled(enabled bool) {
	if m == nil {
		return
	}
	m.enabled = enabled
}

// RecordRequest records a request outcome (cache_hit, shared, success, error)
func (m *Recorder) RecordRequest(provider, outcome string) {
	if !m.on() {
		return
	}
	m.requestsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordRequestDuration records request duration
func (m *Recorder) RecordRequestDuration(provider string, d time.Duration) {
	if !m.on() {
		return
	}
	m.requestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordSharedCall records a request that joined an in-flight call
func (m *Recorder) RecordSharedCall(provider string) {
	if !m.on() {
		return
	}
	m.sharedCalls.WithLabelValues(provider).Inc()
}

// RecordCacheHit records a cache hit
func (m *Recorder) RecordCacheHit() {
	if !m.on() {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a cache miss
func (m *Recorder) RecordCacheMiss() {
	if !m.on() {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// RecordCacheRemoval records an eviction or expiry
func (m *Recorder) RecordCacheRemoval(reason string) {
	if !m.on() {
		return
	}
	m.cacheRemovals.WithLabelValues(reason).Inc()
}

// SetCacheSize updates cache occupancy gauges
func (m *Recorder) SetCacheSize(bytes int64, entries int) {
	if !m.on() {
		return
	}
	m.cacheBytes.Set(float64(bytes))
	m.cacheEntries.Set(float64(entries))
}

// RecordRateLimitWait records time spent waiting for a slot
func (m *Recorder) RecordRateLimitWait(provider string, d time.Duration) {
	if !m.on() {
		return
	}
	m.rateLimitWaits.WithLabelValues(provider).Observe(d.Seconds())
}

// SetRateLimitRemaining updates remaining capacity for a provider
func (m *Recorder) SetRateLimitRemaining(provider string, remaining int) {
	if !m.on() {
		return
	}
	m.rateLimitRemaining.WithLabelValues(provider).Set(float64(remaining))
}

// RecordRetry records a retry
func (m *Recorder) RecordRetry(label, reason string) {
	if !m.on() {
		return
	}
	m.retryTotal.WithLabelValues(label, reason).Inc()
}

// RecordRetryAttempts records attempts made by one operation
func (m *Recorder) RecordRetryAttempts(label string, attempts int) {
	if !m.on() {
		return
	}
	m.retryAttempts.WithLabelValues(label).Observe(float64(attempts))
}

// RecordBatchSize records the size of a batch
func (m *Recorder) RecordBatchSize(size int) {
	if !m.on() {
		return
	}
	m.batchSize.Observe(float64(size))
}

// RecordBatchItem records a terminal batch item
func (m *Recorder) RecordBatchItem(status string, d time.Duration) {
	if !m.on() {
		return
	}
	m.batchItems.WithLabelValues(status).Inc()
	m.batchItemSeconds.Observe(d.Seconds())
}

// SetQueuedRequests updates queued request count
func (m *Recorder) SetQueuedRequests(n int) {
	if !m.on() {
		return
	}
	m.queuedRequests.Set(float64(n))
}

// RecordInFlight updates in-flight item count
func (m *Recorder) RecordInFlight(delta float64) {
	if !m.on() {
		return
	}
	m.inFlightItems.Add(delta)
}

// RecordCircuitBreakerState records circuit breaker state
func (m *Recorder) RecordCircuitBreakerState(name string, state int) {
	if !m.on() {
		return
	}
	m.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip
func (m *Recorder) RecordCircuitBreakerTrip(name string) {
	if !m.on() {
		return
	}
	m.circuitBreakerTrips.WithLabelValues(name).Inc()
}

// Handler returns an HTTP handler exposing the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
