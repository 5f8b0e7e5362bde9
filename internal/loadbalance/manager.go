package loadbalance

import (
	"sync"
	"time"

	"github.com/relayforge/llmlb/internal/config"
	"github.com/relayforge/llmlb/internal/logging"
)

// backendTarget pairs a Backend with its resolved Provider, as handed
// to the health checker and the selector's callers.
type backendTarget struct {
	backend  config.Backend
	provider config.Provider
}

// LoadBalanceManager owns the current Config behind a single swap
// point and the registry from logical model name to its
// BackendSelector. MetricsStore is held independently and survives
// every reload (spec §3 lifecycle, §4.5).
type LoadBalanceManager struct {
	mu        sync.RWMutex
	cfg       *config.Config
	selectors map[string]*BackendSelector

	store  *MetricsStore
	logger *logging.Logger
}

// NewLoadBalanceManager validates cfg and builds the initial selector
// registry.
func NewLoadBalanceManager(cfg *config.Config, logger *logging.Logger) (*LoadBalanceManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &LoadBalanceManager{
		store:  NewMetricsStore(),
		logger: logger,
	}
	m.cfg = cfg
	m.selectors = buildSelectors(cfg, logger)
	return m, nil
}

func buildSelectors(cfg *config.Config, logger *logging.Logger) map[string]*BackendSelector {
	selectors := make(map[string]*BackendSelector, len(cfg.Models))
	for name := range cfg.Models {
		selectors[name] = NewBackendSelector(logger)
	}
	return selectors
}

// Store returns the MetricsStore, shared read-write by the manager,
// the health checker, and the service.
func (m *LoadBalanceManager) Store() *MetricsStore {
	return m.store
}

// Settings returns a copy of the current global settings.
func (m *LoadBalanceManager) Settings() config.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Settings
}

// Select resolves model to its ModelMapping and BackendSelector and
// delegates the strategy-specific decision.
func (m *LoadBalanceManager) Select(model string) (SelectedBackend, error) {
	m.mu.RLock()
	cfg := m.cfg
	selector, ok := m.selectors[model]
	m.mu.RUnlock()

	mapping, mappingOK := cfg.Models[model]
	if !ok || !mappingOK || !mapping.Enabled {
		return SelectedBackend{}, &UnknownModelError{Model: model}
	}

	backend, err := selector.Select(model, mapping, m.store)
	if err != nil {
		return SelectedBackend{}, err
	}

	provider, ok := cfg.Providers[backend.Provider]
	if !ok {
		return SelectedBackend{}, &ProviderMissingError{Name: backend.Provider}
	}

	return SelectedBackend{
		Backend:       backend,
		Provider:      provider,
		Model:         model,
		SelectionTime: time.Now(),
	}, nil
}

// RecordSuccess composes backend_key from (provider, upstreamModel)
// and forwards to the store.
func (m *LoadBalanceManager) RecordSuccess(provider, upstreamModel string, latency time.Duration) {
	key := provider + ":" + upstreamModel
	m.store.RecordSuccess(key)
	m.store.RecordLatency(key, latency)
}

// RecordFailure composes backend_key from (provider, upstreamModel)
// and forwards to the store.
func (m *LoadBalanceManager) RecordFailure(provider, upstreamModel string) {
	key := provider + ":" + upstreamModel
	m.store.RecordFailure(key)
}

// RecordResult is the record_result operation of spec §4.5/§4.6: it
// looks up the backend's original weight and billing mode, then
// dispatches to RecordSuccess/RecordFailure for the plain path or to
// the passive-recovery primitives for a PerRequest backend. found is
// false when (provider, upstreamModel) no longer matches any
// configured backend, in which case billing defaults to PerToken.
func (m *LoadBalanceManager) RecordResult(provider, upstreamModel string, result RequestResult) (billing config.BillingMode, found bool) {
	key := provider + ":" + upstreamModel
	weight, billing, found := m.originalWeight(provider, upstreamModel)
	if !found {
		billing = config.PerToken
	}

	if result.Success {
		if billing == config.PerRequest && m.store.IsInUnhealthySet(key) {
			m.store.RecordPassiveSuccess(key, weight)
		} else {
			m.RecordSuccess(provider, upstreamModel, result.Latency)
		}
		return billing, found
	}

	m.RecordFailure(provider, upstreamModel)
	if billing == config.PerRequest {
		m.store.InitPerRequestRecovery(key, weight)
	}
	return billing, found
}

// Reload validates newCfg, then atomically replaces the config and
// selector registry. MetricsStore is untouched, so entries whose key
// persists in newCfg keep their health and recovery state (spec §3,
// scenario S6); entries whose key disappears are orphaned but
// harmless.
func (m *LoadBalanceManager) Reload(newCfg *config.Config) error {
	if err := newCfg.Validate(); err != nil {
		return err
	}

	selectors := buildSelectors(newCfg, m.logger)

	m.mu.Lock()
	m.cfg = newCfg
	m.selectors = selectors
	m.mu.Unlock()

	return nil
}

// AvailableModels returns logical model names with an enabled mapping
// and at least one enabled backend.
func (m *LoadBalanceManager) AvailableModels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, mapping := range m.cfg.Models {
		if !mapping.Enabled {
			continue
		}
		for _, b := range mapping.Backends {
			if b.Enabled {
				names = append(names, name)
				break
			}
		}
	}
	return names
}

// AllBackends returns a snapshot of every configured backend keyed by
// backend_key, paired with its resolved provider, for the health
// checker's liveness loop.
func (m *LoadBalanceManager) AllBackends() map[string]backendTarget {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]backendTarget)
	for _, mapping := range m.cfg.Models {
		for _, b := range mapping.Backends {
			provider, ok := m.cfg.Providers[b.Provider]
			if !ok {
				continue
			}
			out[b.Key()] = backendTarget{backend: b, provider: provider}
		}
	}
	return out
}

// ResolveBackend looks up the Backend config for key, scanning every
// model mapping for a matching backend_key.
func (m *LoadBalanceManager) ResolveBackend(key string) (config.Backend, config.Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mapping := range m.cfg.Models {
		for _, b := range mapping.Backends {
			if b.Key() == key {
				provider := m.cfg.Providers[b.Provider]
				return b, provider, true
			}
		}
	}
	return config.Backend{}, config.Provider{}, false
}

// originalWeight scans the config for the backend matching (provider,
// upstreamModel) and returns its configured weight and billing mode.
// Unexported: this mirrors the reference implementation's private
// get_backend_original_weight, needed internally to drive
// record_passive_success/init_per_request_recovery with the right
// baseline weight.
func (m *LoadBalanceManager) originalWeight(provider, upstreamModel string) (weight float64, billing config.BillingMode, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mapping := range m.cfg.Models {
		for _, b := range mapping.Backends {
			if b.Provider == provider && b.Model == upstreamModel {
				return b.Weight, b.BillingMode, true
			}
		}
	}
	return 0, "", false
}

// HealthStatsFor returns the per-model health snapshot used by
// ServiceHealth and BackendSelectionError.
func (m *LoadBalanceManager) HealthStatsFor(model string) HealthStats {
	m.mu.RLock()
	mapping, ok := m.cfg.Models[model]
	m.mu.RUnlock()
	if !ok {
		return HealthStats{}
	}

	stats := HealthStats{Total: len(mapping.Backends)}
	for _, b := range mapping.Backends {
		if b.Enabled {
			stats.Enabled++
			if m.store.IsHealthy(b.Key()) {
				stats.Healthy++
			}
		}
	}
	return stats
}

// AllHealthStats returns HealthStatsFor for every model, for
// ServiceHealth's model_stats map.
func (m *LoadBalanceManager) AllHealthStats() map[string]HealthStats {
	m.mu.RLock()
	models := make([]string, 0, len(m.cfg.Models))
	for name := range m.cfg.Models {
		models = append(models, name)
	}
	m.mu.RUnlock()

	out := make(map[string]HealthStats, len(models))
	for _, name := range models {
		out[name] = m.HealthStatsFor(name)
	}
	return out
}
