package loadbalance

import (
	"sync"
	"time"
)

// MetricsStore is the thread-safe, in-memory accounting of per-backend
// health, latency, failure counts, and recovery state. Entries are
// created lazily on first observation and persist across config
// reloads, keyed only by backend_key — grounded on the reference
// MetricsCollector in the original implementation's selector module.
//
// A single coarse RWMutex guards the whole map, the same discipline
// the teacher's backend.Pool uses for its backend list: readers vastly
// outnumber writers, and per-operation mutations are individually
// atomic even though consistency across fields is only eventual.
type MetricsStore struct {
	mu      sync.RWMutex
	entries map[string]*metricsEntry
}

// NewMetricsStore creates an empty store.
func NewMetricsStore() *MetricsStore {
	return &MetricsStore{entries: make(map[string]*metricsEntry)}
}

func (s *MetricsStore) entry(key string) *metricsEntry {
	e, ok := s.entries[key]
	if !ok {
		e = &metricsEntry{healthy: true}
		s.entries[key] = e
	}
	return e
}

// RecordSuccess marks key healthy, resets its failure count, and
// clears any unhealthy/recovery state.
func (s *MetricsStore) RecordSuccess(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	e.healthy = true
	e.failureCount = 0
	e.unhealthy = nil
	e.recovery = nil
}

// RecordFailure marks key unhealthy and folds it into the unhealthy
// set, bumping failure_count and last_failure_time. Any recovery
// entry is cleared (invariant 3).
func (s *MetricsStore) RecordFailure(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e := s.entry(key)
	e.healthy = false
	e.failureCount++
	e.recovery = nil

	if e.unhealthy == nil {
		e.unhealthy = &unhealthyEntry{
			firstFailureTime: now,
			lastFailureTime:  now,
			failureCount:     1,
		}
	} else {
		e.unhealthy.lastFailureTime = now
		e.unhealthy.failureCount = e.failureCount
	}
}

// RecordLatency records the last observed latency for key.
func (s *MetricsStore) RecordLatency(key string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	e.latency = d
	e.hasLatency = true
}

// GetLatency returns the last observed latency for key, if any.
func (s *MetricsStore) GetLatency(key string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || !e.hasLatency {
		return 0, false
	}
	return e.latency, true
}

// IsHealthy reports key's health; absent keys default to healthy
// (invariant: unknown is assumed healthy).
func (s *MetricsStore) IsHealthy(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return true
	}
	return e.healthy
}

// IsInUnhealthySet reports whether key currently has an unhealthy
// entry. By invariant 2 this always agrees with !IsHealthy(key).
func (s *MetricsStore) IsInUnhealthySet(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	return ok && e.unhealthy != nil
}

// UnhealthyKeys returns a snapshot of the current unhealthy set.
func (s *MetricsStore) UnhealthyKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k, e := range s.entries {
		if e.unhealthy != nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// NeedsRecoveryCheck reports whether key is in the unhealthy set and
// either has never been probed for recovery or was probed at least
// interval ago.
func (s *MetricsStore) NeedsRecoveryCheck(key string, interval time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.unhealthy == nil {
		return false
	}
	if e.unhealthy.lastRecoveryAttempt == nil {
		return true
	}
	return time.Since(*e.unhealthy.lastRecoveryAttempt) >= interval
}

// RecordRecoveryAttempt stamps the unhealthy entry for key with the
// current time and bumps its attempt counter, without altering
// health. Used by the recovery probe loop on a failed probe, so
// repeated probe failures don't inflate the primary failure count.
func (s *MetricsStore) RecordRecoveryAttempt(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.unhealthy == nil {
		return
	}
	now := time.Now()
	e.unhealthy.lastRecoveryAttempt = &now
	e.unhealthy.recoveryAttempts++
}

// InitPerRequestRecovery starts the weighted recovery ladder for key
// at Unhealthy / 0.1·originalWeight.
func (s *MetricsStore) InitPerRequestRecovery(key string, originalWeight float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entry(key).recovery = &recoveryEntry{
		originalWeight: originalWeight,
		currentWeight:  0.1 * originalWeight,
		stage:          Unhealthy,
		successCount:   0,
	}
}

// RecordPassiveSuccess is the recovery advance operator (spec §4.2):
// a real request succeeded against a backend mid-ladder. It ratchets
// current_weight and stage up based on cumulative success_count, and
// on reaching FullyRecovered removes the backend from the unhealthy
// set entirely.
func (s *MetricsStore) RecordPassiveSuccess(key string, originalWeight float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	if e.recovery == nil {
		e.recovery = &recoveryEntry{originalWeight: originalWeight, stage: Unhealthy}
	}
	r := e.recovery
	r.successCount++
	r.lastSuccessTime = time.Now()

	switch {
	case r.successCount >= 5:
		r.stage = FullyRecovered
		r.currentWeight = originalWeight
		e.healthy = true
		e.unhealthy = nil
		e.recovery = nil
		e.failureCount = 0
	case r.successCount >= 3:
		r.stage = RecoveryStage2
		r.currentWeight = 0.5 * originalWeight
	default: // successCount is 1 or 2
		r.stage = RecoveryStage1
		r.currentWeight = 0.3 * originalWeight
	}
}

// EffectiveWeight returns the weight to use for sampling today:
// recovery.current_weight when a recovery entry exists, 0.1·original
// when the key is merely unhealthy with no recovery entry yet, else
// the original weight unmodified.
func (s *MetricsStore) EffectiveWeight(key string, originalWeight float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return originalWeight
	}
	if e.recovery != nil {
		return e.recovery.currentWeight
	}
	if e.unhealthy != nil {
		return 0.1 * originalWeight
	}
	return originalWeight
}

// RecoveryStageOf returns the current recovery stage for key and
// whether a recovery entry exists at all.
func (s *MetricsStore) RecoveryStageOf(key string) (RecoveryStage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.recovery == nil {
		return Unhealthy, false
	}
	return e.recovery.stage, true
}

// TouchHealthCheck stamps last_health_check for key to now.
func (s *MetricsStore) TouchHealthCheck(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entry(key).lastHealthCheck = time.Now()
}
