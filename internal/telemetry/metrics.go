package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ExceptionsCaptured = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "exceptions_captured_total", Help: "New exceptions recorded"}, []string{"interface_type", "severity"})
	DuplicateEvents    = prometheus.NewCounter(prometheus.CounterOpts{Name: "exceptions_duplicate_events_total", Help: "Failure events for an already recorded transaction"})
	Mutations          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "exception_mutations_total", Help: "Mutations by operation and outcome classification"}, []string{"operation", "outcome"})
	RetryOutcomes      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "exception_retries_completed_total", Help: "Completed retry attempts by terminal status"}, []string{"status"})
	RetryDispatch      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "exception_retry_dispatch_seconds", Help: "Latency of retry dispatch calls", Buckets: prometheus.DefBuckets})
	LoaderBatchSize    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "loader_batch_size", Help: "Keys per loader batch", Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}}, []string{"loader"})
	LoaderCapacityWarn = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "loader_capacity_warnings_total", Help: "Batches above the loader soft limit"}, []string{"loader"})
	PayloadUnavailable = prometheus.NewCounter(prometheus.CounterOpts{Name: "payload_unavailable_total", Help: "Payload lookups that yielded an unavailable result"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "exception_rate_limit_rejects_total", Help: "Mutations rejected by rate limiter"})
	CircuitRejects     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "collaborator_circuit_rejects_total", Help: "Collaborator calls refused by an open circuit breaker"}, []string{"target"})
	EventsEmitted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lifecycle_events_total", Help: "Lifecycle events by type and delivery result"}, []string{"type", "result"})
	IngestSuccess      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_events_processed_total", Help: "Inbound failure events recorded"})
	IngestFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_events_failed_total", Help: "Inbound failure events that failed and will be redelivered"})
	IngestDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_events_dead_letter_total", Help: "Inbound failure events moved to DLQ"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "Inbound queue depth"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_inflight", Help: "Inbound events currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ExceptionsCaptured,
			DuplicateEvents,
			Mutations,
			RetryOutcomes,
			RetryDispatch,
			LoaderBatchSize,
			LoaderCapacityWarn,
			PayloadUnavailable,
			RateLimitRejects,
			CircuitRejects,
			EventsEmitted,
			IngestSuccess,
			IngestFailures,
			IngestDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
