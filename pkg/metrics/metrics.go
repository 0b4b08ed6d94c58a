// Package metrics defines the Prometheus collectors used by the scoring
// service and the CLIs, and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for citescore.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	RunsTotal            *prometheus.CounterVec
	RunDuration          *prometheus.HistogramVec
	RecordsScanned       *prometheus.CounterVec
	ResultsReturned      prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all collectors and registers them with reg. A nil reg means the
// process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 30},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citescore_runs_total",
				Help: "Engine runs by kind (score, count) and status (ok, input_error, error).",
			},
			[]string{"kind", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "citescore_run_duration_seconds",
				Help:    "Wall time of one pass over a citation stream.",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"kind"},
		),
		RecordsScanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citescore_records_scanned_total",
				Help: "Citation records read from streams.",
			},
			[]string{"kind"},
		),
		ResultsReturned: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "citescore_results_returned",
				Help:    "Number of ranked results returned per scoring run.",
				Buckets: []float64{0, 1, 10, 100, 1000, 10000},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "citescore_cache_hits_total",
				Help: "Total number of result cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "citescore_cache_misses_total",
				Help: "Total number of result cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RunsTotal,
		m.RunDuration,
		m.RecordsScanned,
		m.ResultsReturned,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// ObserveRun records one finished engine run.
func (m *Metrics) ObserveRun(kind, status string, seconds float64, scanned uint64) {
	m.RunsTotal.WithLabelValues(kind, status).Inc()
	m.RunDuration.WithLabelValues(kind).Observe(seconds)
	m.RecordsScanned.WithLabelValues(kind).Add(float64(scanned))
}

// Handler returns the Prometheus scrape HTTP handler for the registry the
// metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
