package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the collector.
type Metrics struct {
	Registry             *prometheus.Registry
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      prometheus.Histogram
	RetriesTotal         prometheus.Counter
	ErrorsTotal          *prometheus.CounterVec
	PairsTotal           *prometheus.CounterVec
	RowsWrittenTotal     prometheus.Counter
	TokenRefreshesTotal  prometheus.Counter
	RequestIntervalGauge prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_requests_total",
			Help: "Total pricing API requests by outcome.",
		},
		[]string{"outcome"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collector_request_duration_seconds",
			Help:    "Pricing API request latency.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_retries_total",
			Help: "Total number of request retries after transient failures.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_errors_total",
			Help: "Total number of request errors by type.",
		},
		[]string{"error_type"},
	)
	pairs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_pairs_total",
			Help: "Drug and zip pairs by final status.",
		},
		[]string{"status"},
	)
	rows := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_rows_written_total",
			Help: "Total pharmacy rows appended to the output.",
		},
	)
	refreshes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_token_refreshes_total",
			Help: "Total successful token refreshes.",
		},
	)
	interval := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_request_interval_seconds",
			Help: "Current minimum interval between pricing API requests.",
		},
	)

	registry.MustRegister(requests, requestDuration, retries, errorsTotal, pairs, rows, refreshes, interval)

	return &Metrics{
		Registry:             registry,
		RequestsTotal:        requests,
		RequestDuration:      requestDuration,
		RetriesTotal:         retries,
		ErrorsTotal:          errorsTotal,
		PairsTotal:           pairs,
		RowsWrittenTotal:     rows,
		TokenRefreshesTotal:  refreshes,
		RequestIntervalGauge: interval,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncPairs counts a pair reaching status (completed, failed, skipped).
func (m *Metrics) IncPairs(status string) {
	if m == nil {
		return
	}
	m.PairsTotal.WithLabelValues(status).Inc()
}

// AddRows adds n written rows.
func (m *Metrics) AddRows(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RowsWrittenTotal.Add(float64(n))
}

// IncTokenRefresh counts a successful token refresh.
func (m *Metrics) IncTokenRefresh() {
	if m == nil {
		return
	}
	m.TokenRefreshesTotal.Inc()
}

// SetInterval records the current request interval.
func (m *Metrics) SetInterval(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestIntervalGauge.Set(d.Seconds())
}
