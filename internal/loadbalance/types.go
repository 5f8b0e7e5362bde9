// Package loadbalance implements the selection and health-management
// core: MetricsStore, BackendSelector, HealthChecker,
// LoadBalanceManager, and LoadBalanceService.
package loadbalance

import (
	"time"

	"github.com/relayforge/llmlb/internal/config"
)

// RecoveryStage is the closed sum type describing where a backend
// sits on the weighted-recovery ladder.
type RecoveryStage int

const (
	Unhealthy RecoveryStage = iota
	RecoveryStage1
	RecoveryStage2
	FullyRecovered
)

func (s RecoveryStage) String() string {
	switch s {
	case Unhealthy:
		return "unhealthy"
	case RecoveryStage1:
		return "recovery_stage_1"
	case RecoveryStage2:
		return "recovery_stage_2"
	case FullyRecovered:
		return "fully_recovered"
	default:
		return "unknown"
	}
}

// RequestResult is the closed sum type an upstream caller reports
// back to LoadBalanceService.RecordResult after completing an
// upstream call.
type RequestResult struct {
	Success bool
	Latency time.Duration
	Err     error
}

// SuccessResult builds a RequestResult for a successful call.
func SuccessResult(latency time.Duration) RequestResult {
	return RequestResult{Success: true, Latency: latency}
}

// FailureResult builds a RequestResult for a failed call.
func FailureResult(err error) RequestResult {
	return RequestResult{Success: false, Err: err}
}

// unhealthyEntry mirrors spec's `unhealthy` map entry: present iff the
// key is currently in the unhealthy set.
type unhealthyEntry struct {
	firstFailureTime   time.Time
	lastFailureTime    time.Time
	failureCount       uint32
	lastRecoveryAttempt *time.Time
	recoveryAttempts   uint32
}

// recoveryEntry mirrors spec's `recovery` map entry: present only
// during weighted recovery for per-request backends.
type recoveryEntry struct {
	originalWeight  float64
	currentWeight   float64
	stage           RecoveryStage
	lastSuccessTime time.Time
	successCount    uint32
}

// metricsEntry is the full per-backend_key MetricsStore row.
type metricsEntry struct {
	healthy         bool
	latency         time.Duration
	hasLatency      bool
	failureCount    uint32
	lastHealthCheck time.Time
	unhealthy       *unhealthyEntry
	recovery        *recoveryEntry
}

// SelectedBackend is what LoadBalanceManager.Select and
// LoadBalanceService.Select return: the chosen backend, its resolved
// provider, and when selection happened.
type SelectedBackend struct {
	Backend      config.Backend
	Provider     config.Provider
	Model        string
	SelectionTime time.Time
	RequestID    string
}

// GetAPIURL joins the provider's base URL with endpoint, matching the
// accessor the out-of-scope relay collaborator needs to issue the
// actual upstream call.
func (s SelectedBackend) GetAPIURL(endpoint string) string {
	base := s.Provider.BaseURL
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(endpoint) > 0 && endpoint[0] != '/' {
		endpoint = "/" + endpoint
	}
	return base + endpoint
}

// GetAPIKey returns the provider's API key, erroring if it is empty —
// the same guard the reference implementation enforces before issuing
// a call.
func (s SelectedBackend) GetAPIKey() (string, error) {
	if s.Provider.APIKey == "" {
		return "", &ProviderMissingError{Name: s.Provider.Name}
	}
	return s.Provider.APIKey, nil
}

// GetHeaders returns the provider's extra request headers.
func (s SelectedBackend) GetHeaders() map[string]string {
	return s.Provider.Headers
}

// GetTimeout returns the provider's configured request timeout.
func (s SelectedBackend) GetTimeout() time.Duration {
	if s.Provider.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.Provider.TimeoutSeconds) * time.Second
}

// HealthStats is the per-model summary exposed by LoadBalanceManager
// and embedded in ServiceHealth.
type HealthStats struct {
	Total   int
	Enabled int
	Healthy int
}

// ServiceHealth is the aggregate snapshot returned by
// LoadBalanceService.ServiceHealth.
type ServiceHealth struct {
	Running           bool
	ModelStats        map[string]HealthStats
	UnhealthyBackends []string
	TotalRequests     uint64
	SuccessfulRequests uint64
}

// IsHealthy reports whether the service is running and has at least
// one model with a healthy backend.
func (h ServiceHealth) IsHealthy() bool {
	if !h.Running {
		return false
	}
	for _, s := range h.ModelStats {
		if s.Healthy > 0 {
			return true
		}
	}
	return false
}

// SuccessRate returns the running success ratio, or 0 when no
// requests have been recorded yet.
func (h ServiceHealth) SuccessRate() float64 {
	if h.TotalRequests == 0 {
		return 0
	}
	return float64(h.SuccessfulRequests) / float64(h.TotalRequests)
}
