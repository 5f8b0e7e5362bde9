package loadbalance

import (
	crand "crypto/rand"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/relayforge/llmlb/internal/config"
	"github.com/relayforge/llmlb/internal/logging"
)

const latencySentinel = 1 << 62 // "very large" per spec §4.3, LeastLatency absent-latency sentinel

// lockedRand wraps math/rand.Rand with a mutex so BackendSelector's
// weighted sampling is safe under concurrent Select calls while still
// letting tests fix a seed for reproducible distributions (mirrors
// the teacher's WeightedRoundRobin determinism requirement, extended
// to true discrete sampling per the reference selector).
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{rng: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Intn(n)
}

// BackendSelector is the stateless (except for its round-robin
// cursor) decision engine behind one ModelMapping. LoadBalanceManager
// keeps one instance per logical model so round_robin_counter is
// per-selector as spec §3 invariant 6 requires.
type BackendSelector struct {
	rrCounter uint64
	rng       *lockedRand
	logger    *logging.Logger
}

// NewBackendSelector creates a selector whose RNG is seeded from
// crypto/rand.
func NewBackendSelector(logger *logging.Logger) *BackendSelector {
	return &BackendSelector{rng: newLockedRand(randSeed()), logger: logger}
}

// NewBackendSelectorWithSeed creates a selector whose RNG is
// deterministic, for statistical convergence tests (spec §8.4-5).
func NewBackendSelectorWithSeed(logger *logging.Logger, seed int64) *BackendSelector {
	return &BackendSelector{rng: newLockedRand(seed), logger: logger}
}

func randSeed() int64 {
	var b [8]byte
	// Seed from crypto/rand; fall back to a fixed seed only if the
	// entropy read fails.
	n, err := crand.Read(b[:])
	if err != nil || n != len(b) {
		return 1
	}
	var seed int64
	for _, v := range b {
		seed = seed<<8 | int64(v)
	}
	return seed
}

// Select dispatches on mapping.Strategy over mapping.Backends filtered
// to enabled==true, consulting store for health/latency/effective
// weight as each strategy requires.
func (s *BackendSelector) Select(model string, mapping config.ModelMapping, store *MetricsStore) (config.Backend, error) {
	enabled := make([]config.Backend, 0, len(mapping.Backends))
	for _, b := range mapping.Backends {
		if b.Enabled {
			enabled = append(enabled, b)
		}
	}
	if len(enabled) == 0 {
		return config.Backend{}, &NoEnabledBackendsError{Model: model}
	}

	switch mapping.Strategy {
	case config.RoundRobin:
		return s.selectRoundRobin(enabled), nil
	case config.LeastLatency:
		return s.selectLeastLatency(enabled, store), nil
	case config.Failover:
		return s.selectFailover(enabled, store), nil
	case config.Random:
		return enabled[s.rng.Intn(len(enabled))], nil
	case config.WeightedFailover:
		return s.selectWeightedFailover(model, enabled, store)
	case config.SmartWeightedFailover:
		return s.selectSmartWeightedFailover(model, enabled, store)
	case config.WeightedRandom:
		fallthrough
	default:
		return s.selectWeightedRandom(model, enabled, func(b config.Backend) float64 { return b.Weight })
	}
}

func (s *BackendSelector) selectRoundRobin(enabled []config.Backend) config.Backend {
	i := atomic.AddUint64(&s.rrCounter, 1) - 1
	return enabled[int(i%uint64(len(enabled)))]
}

func (s *BackendSelector) selectLeastLatency(enabled []config.Backend, store *MetricsStore) config.Backend {
	best := enabled[0]
	bestLatency := latencySentinelFor(best, store)
	for _, b := range enabled[1:] {
		l := latencySentinelFor(b, store)
		if l < bestLatency {
			best = b
			bestLatency = l
		}
	}
	return best
}

func latencySentinelFor(b config.Backend, store *MetricsStore) int64 {
	if d, ok := store.GetLatency(b.Key()); ok {
		return int64(d)
	}
	return latencySentinel
}

func (s *BackendSelector) selectFailover(enabled []config.Backend, store *MetricsStore) config.Backend {
	sorted := make([]config.Backend, len(enabled))
	copy(sorted, enabled)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	for _, b := range sorted {
		if store.IsHealthy(b.Key()) {
			return b
		}
	}
	// None healthy: never fail when at least one backend is enabled.
	return sorted[0]
}

func (s *BackendSelector) selectWeightedFailover(model string, enabled []config.Backend, store *MetricsStore) (config.Backend, error) {
	var healthy []config.Backend
	for _, b := range enabled {
		if store.IsHealthy(b.Key()) {
			healthy = append(healthy, b)
		}
	}
	if len(healthy) > 0 {
		return s.selectWeightedRandom(model, healthy, func(b config.Backend) float64 { return b.Weight })
	}
	if s.logger != nil {
		s.logger.Warn("weighted_failover_no_healthy_backends", "model", model)
	}
	return s.selectWeightedRandom(model, enabled, func(b config.Backend) float64 { return b.Weight })
}

func (s *BackendSelector) selectSmartWeightedFailover(model string, enabled []config.Backend, store *MetricsStore) (config.Backend, error) {
	var positive []config.Backend
	weights := make(map[string]float64, len(enabled))
	for _, b := range enabled {
		w := store.EffectiveWeight(b.Key(), b.Weight)
		if w > 0 {
			positive = append(positive, b)
			weights[b.Key()] = w
		}
	}
	if len(positive) == 0 {
		return config.Backend{}, &NoPositiveWeightError{Model: model}
	}
	return s.selectWeightedRandom(model, positive, func(b config.Backend) float64 { return weights[b.Key()] })
}

func (s *BackendSelector) selectWeightedRandom(model string, backends []config.Backend, weightOf func(config.Backend) float64) (config.Backend, error) {
	var total float64
	for _, b := range backends {
		total += weightOf(b)
	}
	if total <= 0 {
		return config.Backend{}, &ZeroWeightError{Model: model}
	}

	target := s.rng.Float64() * total
	var cumulative float64
	for _, b := range backends {
		cumulative += weightOf(b)
		if target < cumulative {
			return b, nil
		}
	}
	// Floating-point edge case: target landed exactly at total.
	return backends[len(backends)-1], nil
}
