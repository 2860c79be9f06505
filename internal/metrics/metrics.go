package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the crawler's Prometheus collectors on a dedicated registry.
// All methods are nil-safe so components can run without metrics.
type Metrics struct {
	Registry          *prometheus.Registry
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   prometheus.Histogram
	RetriesTotal      prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	RecordsTotal      *prometheus.CounterVec
	StrategyOutcomes  *prometheus.CounterVec
	ChallengesTotal   prometheus.Counter
	PartitionsSkipped *prometheus.CounterVec
	OutboxEvents      *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_http_requests_total",
			Help: "HTTP attempts issued by the resilient client by outcome.",
		},
		[]string{"outcome"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_http_request_duration_seconds",
			Help:    "Latency of individual HTTP attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_http_retries_total",
			Help: "Retry attempts scheduled after a failed HTTP attempt.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_errors_total",
			Help: "Crawler errors by type.",
		},
		[]string{"error_type"},
	)
	records := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_records_total",
			Help: "Review records collected by source.",
		},
		[]string{"source"},
	)
	strategies := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_strategy_outcomes_total",
			Help: "Browser action strategy attempts by action and outcome.",
		},
		[]string{"action", "outcome"},
	)
	challenges := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_challenges_detected_total",
			Help: "Interactive bot challenges detected on rendered pages.",
		},
	)
	skipped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_partitions_skipped_total",
			Help: "Partitions abandoned after a failure, by source.",
		},
		[]string{"source"},
	)
	outbox := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_outbox_events_total",
			Help: "Outbox events handled by the relay, by outcome.",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(requests, requestDuration, retries, errorsTotal, records, strategies, challenges, skipped, outbox)

	return &Metrics{
		Registry:          registry,
		RequestsTotal:     requests,
		RequestDuration:   requestDuration,
		RetriesTotal:      retries,
		ErrorsTotal:       errorsTotal,
		RecordsTotal:      records,
		StrategyOutcomes:  strategies,
		ChallengesTotal:   challenges,
		PartitionsSkipped: skipped,
		OutboxEvents:      outbox,
	}
}

func (m *Metrics) IncRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) AddRecords(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsTotal.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) IncStrategy(action, outcome string) {
	if m == nil {
		return
	}
	m.StrategyOutcomes.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) IncChallenge() {
	if m == nil {
		return
	}
	m.ChallengesTotal.Inc()
}

func (m *Metrics) IncPartitionSkipped(source string) {
	if m == nil {
		return
	}
	m.PartitionsSkipped.WithLabelValues(source).Inc()
}

func (m *Metrics) IncOutbox(outcome string) {
	if m == nil {
		return
	}
	m.OutboxEvents.WithLabelValues(outcome).Inc()
}
