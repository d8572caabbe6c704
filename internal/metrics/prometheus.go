package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestErrors   *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Sync metrics
	PushOutcomes       *prometheus.CounterVec
	ConflictsTotal     *prometheus.CounterVec
	PullRecords        prometheus.Histogram
	DiffEntries        *prometheus.CounterVec
	DeviceRegistration *prometheus.CounterVec

	// Transaction metrics
	TxRetries   *prometheus.CounterVec
	TxExhausted *prometheus.CounterVec

	IdempotentReplays prometheus.Counter
}

// NewMetrics creates metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_requests_total",
				Help: "Total number of sync requests processed",
			},
			[]string{"operation", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syncd_request_duration_seconds",
				Help:    "Duration of sync request processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		RequestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_request_errors_total",
				Help: "Total number of sync request errors",
			},
			[]string{"operation", "error_code"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		PushOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_push_outcomes_total",
				Help: "Per-record push outcomes",
			},
			[]string{"kind", "status"},
		),

		ConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_conflicts_total",
				Help: "Concurrent writes detected by the conflict resolver",
			},
			[]string{"forced"},
		),

		PullRecords: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "syncd_pull_records",
				Help:    "Number of records returned per pull page",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		DiffEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_diff_entries_total",
				Help: "Ids reported by diff, by partition",
			},
			[]string{"partition"},
		),

		DeviceRegistration: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_device_registrations_total",
				Help: "Device registrations, by whether the device was new",
			},
			[]string{"result"},
		),

		TxRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_tx_retries_total",
				Help: "Transactions retried after a transient store conflict",
			},
			[]string{"operation"},
		),

		TxExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_tx_exhausted_total",
				Help: "Transactions that failed after exhausting retries",
			},
			[]string{"operation"},
		),

		IdempotentReplays: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "syncd_idempotent_replays_total",
				Help: "Push responses served from the idempotency cache",
			},
		),
	}
}

// RecordRequest records a completed request
func (m *Metrics) RecordRequest(operation, status string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(duration)
}

// RecordError records a request-level error
func (m *Metrics) RecordError(operation, errorCode string) {
	if m == nil {
		return
	}
	m.RequestErrors.WithLabelValues(operation, errorCode).Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(cacheType string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordPushOutcome records one per-record push outcome
func (m *Metrics) RecordPushOutcome(kind, status string) {
	if m == nil {
		return
	}
	m.PushOutcomes.WithLabelValues(kind, status).Inc()
}

// RecordConflict records a concurrent write
func (m *Metrics) RecordConflict(forced bool) {
	if m == nil {
		return
	}
	label := "false"
	if forced {
		label = "true"
	}
	m.ConflictsTotal.WithLabelValues(label).Inc()
}

// RecordPull records the size of a pull page
func (m *Metrics) RecordPull(records int) {
	if m == nil {
		return
	}
	m.PullRecords.Observe(float64(records))
}

// RecordDiff records the sizes of the three diff partitions
func (m *Metrics) RecordDiff(missingOnClient, missingOnServer, updated int) {
	if m == nil {
		return
	}
	m.DiffEntries.WithLabelValues("missing_on_client").Add(float64(missingOnClient))
	m.DiffEntries.WithLabelValues("missing_on_server").Add(float64(missingOnServer))
	m.DiffEntries.WithLabelValues("updated").Add(float64(updated))
}

// RecordRegistration records a device registration
func (m *Metrics) RecordRegistration(created bool) {
	if m == nil {
		return
	}
	result := "updated"
	if created {
		result = "created"
	}
	m.DeviceRegistration.WithLabelValues(result).Inc()
}

// RecordTxRetry records a retried transaction attempt
func (m *Metrics) RecordTxRetry(operation string) {
	if m == nil {
		return
	}
	m.TxRetries.WithLabelValues(operation).Inc()
}

// RecordTxExhausted records a transaction that ran out of retries
func (m *Metrics) RecordTxExhausted(operation string) {
	if m == nil {
		return
	}
	m.TxExhausted.WithLabelValues(operation).Inc()
}

// RecordIdempotentReplay records a replayed push response
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplays.Inc()
}
