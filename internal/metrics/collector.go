package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every Prometheus metric the load-balance core
// exports, labeled by backend_key ("provider:model") rather than the
// teacher's per-URL host label — this subsystem's identity is the
// backend_key, not a network address.
type Collector struct {
	SelectionsTotal    *prometheus.CounterVec
	SelectionDuration  prometheus.Histogram
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec

	BackendHealth   *prometheus.GaugeVec
	RecoveryStage   *prometheus.GaugeVec
	UnhealthyCount  prometheus.Gauge

	HealthCheckTotal    *prometheus.CounterVec
	HealthCheckDuration *prometheus.HistogramVec

	RetriesTotal      *prometheus.CounterVec
	RetryBudgetTokens prometheus.Gauge
}

// NewCollector creates and registers every metric with the default
// Prometheus registry, the same promauto convention the teacher uses.
func NewCollector() *Collector {
	return &Collector{
		SelectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmlb_selections_total",
				Help: "Total number of backend selections by model and outcome",
			},
			[]string{"model", "result"},
		),

		SelectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "llmlb_selection_duration_seconds",
				Help:    "Time spent inside LoadBalanceService.Select, including internal retries",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
		),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmlb_requests_total",
				Help: "Total number of upstream call outcomes recorded via RecordResult",
			},
			[]string{"backend_key", "model", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmlb_request_duration_seconds",
				Help:    "Latency of upstream calls that returned a response, of any status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend_key", "model"},
		),

		BackendHealth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmlb_backend_healthy",
				Help: "Backend health as last observed by MetricsStore (0=unhealthy, 1=healthy)",
			},
			[]string{"backend_key"},
		),

		RecoveryStage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmlb_backend_recovery_stage",
				Help: "Weighted-recovery ladder position for per-request backends (0=unhealthy, 1=stage1, 2=stage2, 3=fully_recovered)",
			},
			[]string{"backend_key"},
		),

		UnhealthyCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "llmlb_unhealthy_backends",
				Help: "Size of the current unhealthy set",
			},
		),

		HealthCheckTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmlb_health_checks_total",
				Help: "Total number of liveness and recovery probes",
			},
			[]string{"backend_key", "kind", "result"},
		),

		HealthCheckDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmlb_health_check_duration_seconds",
				Help:    "Probe round-trip duration",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"backend_key", "kind"},
		),

		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmlb_internal_retries_total",
				Help: "Total number of internal selection retries, including budget-exhausted stops",
			},
			[]string{"model", "reason"},
		),

		RetryBudgetTokens: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "llmlb_retry_budget_tokens",
				Help: "Tokens available in the process-wide internal-retry budget",
			},
		),
	}
}

// ObserveProbe implements loadbalance.ProbeObserver, recording one
// liveness or recovery probe outcome.
func (c *Collector) ObserveProbe(backendKey, kind, result string, duration time.Duration) {
	c.HealthCheckTotal.WithLabelValues(backendKey, kind, result).Inc()
	c.HealthCheckDuration.WithLabelValues(backendKey, kind).Observe(duration.Seconds())
}

// ObserveRetry implements loadbalance.RetryObserver, recording one
// internal selection retry (or budget-exhausted stop).
func (c *Collector) ObserveRetry(model, reason string) {
	c.RetriesTotal.WithLabelValues(model, reason).Inc()
}
