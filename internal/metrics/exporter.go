package metrics

import (
	"context"
	"time"

	"github.com/relayforge/llmlb/internal/loadbalance"
	"github.com/relayforge/llmlb/internal/retry"
)

// Exporter periodically snapshots LoadBalanceService/MetricsStore state
// into gauge metrics, the same periodic-snapshot pattern the teacher's
// Exporter uses over a backend.Pool — generalized here to backend_key
// health and recovery-stage gauges instead of per-URL connection counts.
type Exporter struct {
	collector   *Collector
	service     *loadbalance.LoadBalanceService
	retryBudget *retry.Budget
	interval    time.Duration
}

// NewExporter creates an exporter that snapshots service and its
// retry budget every 5 seconds, matching the teacher's export cadence.
func NewExporter(collector *Collector, service *loadbalance.LoadBalanceService, retryBudget *retry.Budget) *Exporter {
	return &Exporter{
		collector:   collector,
		service:     service,
		retryBudget: retryBudget,
		interval:    5 * time.Second,
	}
}

// Start begins the export loop until ctx is canceled.
func (e *Exporter) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.export()
		}
	}
}

func (e *Exporter) export() {
	store := e.service.GetMetrics()

	e.collector.UnhealthyCount.Set(float64(len(store.UnhealthyKeys())))

	for _, key := range e.service.AllBackendKeys() {
		healthy := 0.0
		if store.IsHealthy(key) {
			healthy = 1.0
		}
		e.collector.BackendHealth.WithLabelValues(key).Set(healthy)

		if stage, ok := store.RecoveryStageOf(key); ok {
			e.collector.RecoveryStage.WithLabelValues(key).Set(float64(stage))
		}
	}

	if e.retryBudget != nil {
		e.collector.RetryBudgetTokens.Set(float64(e.retryBudget.GetAvailable()))
	}
}
