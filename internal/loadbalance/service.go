package loadbalance

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/relayforge/llmlb/internal/config"
	"github.com/relayforge/llmlb/internal/logging"
	"github.com/relayforge/llmlb/internal/retry"
)

// retryBudgetPercent bounds internal selection retries to a share of
// the process's actual request rate, so one degraded model retrying
// heavily can't crowd out retries for every other model.
const retryBudgetPercent = 20

// LoadBalanceService is the orchestrator: it boots the manager, spawns
// the two background probe loops, exposes Select with internal retry,
// and dispatches RecordResult along per-billing-mode branches (spec
// §4.6).
type LoadBalanceService struct {
	manager *LoadBalanceManager
	checker *HealthChecker
	logger  *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	totalRequests      atomic.Uint64
	successfulRequests atomic.Uint64

	retryBudget   *retry.Budget
	retryObserver RetryObserver
}

// RetryObserver receives a notification for every internal selection
// retry Select performs, for metrics export. It is optional: a nil
// observer is skipped entirely.
type RetryObserver interface {
	ObserveRetry(model, reason string)
}

// NewLoadBalanceService validates cfg, builds the manager, and wires a
// HealthChecker using prober (which may be nil — see NewHealthChecker).
func NewLoadBalanceService(cfg *config.Config, prober Prober, logger *logging.Logger) (*LoadBalanceService, error) {
	manager, err := NewLoadBalanceManager(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &LoadBalanceService{
		manager:     manager,
		checker:     NewHealthChecker(manager, prober, logger),
		logger:      logger,
		retryBudget: retry.NewBudget(retryBudgetPercent),
	}, nil
}

// RetryBudget exposes the global internal-retry budget for metrics
// export (GetAvailable).
func (s *LoadBalanceService) RetryBudget() *retry.Budget {
	return s.retryBudget
}

// SetProbeObserver attaches a ProbeObserver (e.g. a metrics collector)
// to the underlying HealthChecker.
func (s *LoadBalanceService) SetProbeObserver(observer ProbeObserver) {
	s.checker.SetObserver(observer)
}

// SetRetryObserver attaches a RetryObserver (e.g. a metrics collector)
// that is notified of every internal selection retry Select performs.
func (s *LoadBalanceService) SetRetryObserver(observer RetryObserver) {
	s.retryObserver = observer
}

func (s *LoadBalanceService) observeRetry(model, reason string) {
	if s.retryObserver != nil {
		s.retryObserver.ObserveRetry(model, reason)
	}
}

// Start spawns the liveness and recovery loops. Calling Start twice is
// a no-op.
func (s *LoadBalanceService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	go s.checker.RunLivenessLoop(loopCtx)
	go s.checker.RunRecoveryLoop(loopCtx)

	s.logger.Info("load_balance_service_started")
}

// Stop sets the running flag false and cancels the loops' context;
// each loop returns as soon as it sees the cancellation, without
// waiting for its next tick.
func (s *LoadBalanceService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("load_balance_service_stopped")
}

// IsRunning reports whether Start has been called without a matching
// Stop.
func (s *LoadBalanceService) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Select resolves model to a backend with internal retry: up to
// max_internal_retries+1 attempts. An unhealthy selection is retried
// while attempts remain; the final attempt is returned anyway
// (degraded-mode guarantee). A selection error is retried, and on the
// final attempt wrapped into a rich BackendSelectionError. Retries
// beyond the first attempt also draw from the process-wide retry
// budget so a single degraded model cannot monopolize retry capacity;
// budget exhaustion ends the retry loop the same way reaching the
// final attempt would, never as an error on its own.
func (s *LoadBalanceService) Select(model string) (SelectedBackend, error) {
	maxAttempts := int(s.manager.Settings().MaxInternalRetries) + 1
	s.retryBudget.TrackRequest()
	var lastErr error
	var lastSelection SelectedBackend

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		final := attempt == maxAttempts
		if !final && attempt > 1 && !s.retryBudget.TryConsume() {
			final = true
			s.logger.Warn("internal_retry_budget_exhausted", "model", model, "attempt", attempt)
			s.observeRetry(model, "budget_exhausted")
		}

		selected, err := s.manager.Select(model)
		if err != nil {
			lastErr = err
			if !final {
				s.observeRetry(model, "selection_error")
				continue
			}
			stats := s.manager.HealthStatsFor(model)
			return SelectedBackend{}, &BackendSelectionError{
				Model:   model,
				Total:   stats.Total,
				Enabled: stats.Enabled,
				Healthy: stats.Healthy,
				Cause:   err,
			}
		}

		selected.RequestID = uuid.NewString()
		lastSelection = selected

		if s.manager.Store().IsHealthy(selected.Backend.Key()) || final {
			if final && !s.manager.Store().IsHealthy(selected.Backend.Key()) {
				s.logger.Warn("returning_unhealthy_backend_degraded_mode",
					"backend_key", selected.Backend.Key(), "model", model, "attempt", attempt)
			}
			return selected, nil
		}
		s.observeRetry(model, "unhealthy_selection")
	}

	if lastErr != nil {
		return SelectedBackend{}, lastErr
	}
	return lastSelection, nil
}

// RecordResult dispatches the outcome of an upstream call along the
// billing-mode branches of spec §4.6, via LoadBalanceManager.RecordResult.
func (s *LoadBalanceService) RecordResult(providerName, upstreamModel string, result RequestResult) {
	s.totalRequests.Add(1)
	if result.Success {
		s.successfulRequests.Add(1)
	}

	if _, found := s.manager.RecordResult(providerName, upstreamModel, result); !found {
		s.logger.Warn("record_result_unknown_backend", "backend_key", providerName+":"+upstreamModel)
	}
}

// AvailableModels proxies to the manager.
func (s *LoadBalanceService) AvailableModels() []string {
	return s.manager.AvailableModels()
}

// AllBackendKeys returns every configured backend_key, for callers
// (e.g. the metrics exporter) that need to enumerate backends rather
// than just the unhealthy subset.
func (s *LoadBalanceService) AllBackendKeys() []string {
	targets := s.manager.AllBackends()
	keys := make([]string, 0, len(targets))
	for key := range targets {
		keys = append(keys, key)
	}
	return keys
}

// TriggerHealthCheck runs one liveness pass immediately, outside the
// regular ticker cadence.
func (s *LoadBalanceService) TriggerHealthCheck(ctx context.Context) {
	s.checker.probeAllBackends(ctx)
}

// Reload validates and atomically swaps in newCfg.
func (s *LoadBalanceService) Reload(newCfg *config.Config) error {
	return s.manager.Reload(newCfg)
}

// GetMetrics exposes the underlying MetricsStore for callers (e.g. a
// debug endpoint) that need raw per-backend figures beyond
// ServiceHealth's summary.
func (s *LoadBalanceService) GetMetrics() *MetricsStore {
	return s.manager.Store()
}

// ServiceHealth returns the aggregate snapshot described by spec §6.
func (s *LoadBalanceService) ServiceHealth() ServiceHealth {
	return ServiceHealth{
		Running:            s.IsRunning(),
		ModelStats:         s.manager.AllHealthStats(),
		UnhealthyBackends:  s.manager.Store().UnhealthyKeys(),
		TotalRequests:      s.totalRequests.Load(),
		SuccessfulRequests: s.successfulRequests.Load(),
	}
}
