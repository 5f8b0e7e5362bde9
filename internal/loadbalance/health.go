package loadbalance

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/relayforge/llmlb/internal/config"
	"github.com/relayforge/llmlb/internal/logging"
)

// Prober issues a cheap liveness probe against a provider and reports
// success plus observed latency. It is a collaborator dependency
// (spec §9 open question): the subsystem needs only a boolean outcome
// and an optional latency, never the probe's transport.
type Prober interface {
	Probe(ctx context.Context, provider config.Provider) (ok bool, latency time.Duration, err error)
}

// HTTPProber is the default Prober, grounded on the teacher's
// active.go checkBackend: a GET against the provider's base URL plus
// a configurable probe path, treating any 2xx as success.
type HTTPProber struct {
	Path   string
	client *http.Client
}

// NewHTTPProber builds a prober using the given per-probe timeout.
func NewHTTPProber(path string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{Path: path, client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, provider config.Provider) (bool, time.Duration, error) {
	url := provider.BaseURL + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, 0, err
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return false, latency, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, latency, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return true, latency, nil
}

// ProbeObserver receives a notification for every completed probe, for
// metrics export. It is optional: a nil observer is skipped entirely.
type ProbeObserver interface {
	ObserveProbe(backendKey, kind, result string, duration time.Duration)
}

// HealthChecker runs the two independent background loops described
// in spec §4.4: liveness probing of every configured backend, and
// recovery probing of unhealthy PerToken backends only. The two loops
// are never multiplexed onto one ticker — coupling their periods
// would violate the independence the spec calls for.
type HealthChecker struct {
	manager  *LoadBalanceManager
	prober   Prober
	logger   *logging.Logger
	observer ProbeObserver
}

// NewHealthChecker constructs a checker bound to manager. prober may
// be nil, in which case the liveness loop degrades to a no-op per
// spec §9's open question, leaving recovery probes and passive success
// as the only drivers of state.
func NewHealthChecker(manager *LoadBalanceManager, prober Prober, logger *logging.Logger) *HealthChecker {
	return &HealthChecker{manager: manager, prober: prober, logger: logger}
}

// SetObserver attaches a ProbeObserver (e.g. a metrics exporter) that
// is notified after every liveness and recovery probe.
func (h *HealthChecker) SetObserver(observer ProbeObserver) {
	h.observer = observer
}

func (h *HealthChecker) observe(key, kind, result string, d time.Duration) {
	if h.observer != nil {
		h.observer.ObserveProbe(key, kind, result, d)
	}
}

// RunLivenessLoop probes every configured backend on the configured
// interval until ctx is canceled.
func (h *HealthChecker) RunLivenessLoop(ctx context.Context) {
	if h.prober == nil {
		h.logger.Warn("liveness_loop_disabled_no_prober")
		return
	}

	interval := time.Duration(h.manager.Settings().HealthCheckIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Info("liveness_loop_started", "interval_s", interval.Seconds())

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("liveness_loop_stopped")
			return
		case <-ticker.C:
			h.probeAllBackends(ctx)
		}
	}
}

func (h *HealthChecker) probeAllBackends(ctx context.Context) {
	if h.prober == nil {
		return
	}
	for key, target := range h.manager.AllBackends() {
		go h.probeOne(ctx, key, target.provider)
	}
}

func (h *HealthChecker) probeOne(ctx context.Context, key string, provider config.Provider) {
	ok, latency, err := h.prober.Probe(ctx, provider)
	store := h.manager.Store()
	store.TouchHealthCheck(key)

	if !ok {
		h.logger.Warn("liveness_probe_failed", "backend_key", key, "error", errString(err))
		store.RecordFailure(key)
		h.observe(key, "liveness", "failure", latency)
		return
	}

	store.RecordSuccess(key)
	store.RecordLatency(key, latency)
	h.observe(key, "liveness", "success", latency)
}

// RunRecoveryLoop iterates the unhealthy set on the configured
// interval, actively re-probing only PerToken backends whose
// needs_recovery_check fires. PerRequest backends are never touched
// here — their recovery is driven exclusively by passive success.
func (h *HealthChecker) RunRecoveryLoop(ctx context.Context) {
	interval := time.Duration(h.manager.Settings().RecoveryCheckIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Info("recovery_loop_started", "interval_s", interval.Seconds())

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("recovery_loop_stopped")
			return
		case <-ticker.C:
			h.recoveryPass(ctx, interval)
		}
	}
}

func (h *HealthChecker) recoveryPass(ctx context.Context, interval time.Duration) {
	store := h.manager.Store()
	for _, key := range store.UnhealthyKeys() {
		backend, provider, ok := h.manager.ResolveBackend(key)
		if !ok || backend.BillingMode != config.PerToken {
			continue
		}
		if !store.NeedsRecoveryCheck(key, interval) {
			continue
		}
		go h.recoveryProbeOne(ctx, key, provider)
	}
}

func (h *HealthChecker) recoveryProbeOne(ctx context.Context, key string, provider config.Provider) {
	if h.prober == nil {
		return
	}
	store := h.manager.Store()
	ok, latency, err := h.prober.Probe(ctx, provider)
	if ok {
		h.logger.Info("recovery_probe_succeeded", "backend_key", key)
		store.RecordSuccess(key)
		store.RecordLatency(key, latency)
		h.observe(key, "recovery", "success", latency)
		return
	}
	h.logger.Warn("recovery_probe_failed", "backend_key", key, "error", errString(err))
	store.RecordRecoveryAttempt(key)
	h.observe(key, "recovery", "failure", latency)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
