package loadbalance

import (
	"context"
	"testing"
	"time"

	"github.com/relayforge/llmlb/internal/config"
	"github.com/relayforge/llmlb/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func perRequestConfig() *config.Config {
	return &config.Config{
		Providers: map[string]config.Provider{
			"acme": {Name: "acme", BaseURL: "https://acme.example", APIKey: "key", Enabled: true},
		},
		Models: map[string]config.ModelMapping{
			"claude": {
				Name:     "claude",
				Enabled:  true,
				Strategy: config.RoundRobin,
				Backends: []config.Backend{
					{Provider: "acme", Model: "claude-x", Weight: 1.0, Enabled: true, BillingMode: config.PerRequest},
				},
			},
		},
		Settings: config.Settings{MaxInternalRetries: 2, HealthCheckIntervalS: 30, RecoveryCheckIntervalS: 60},
	}
}

// TestDegradedModeGuarantee encodes invariant 7 / scenario S5: when
// every backend is unhealthy, Select still returns rather than
// erroring, on the final attempt.
func TestDegradedModeGuarantee(t *testing.T) {
	svc, err := NewLoadBalanceService(perRequestConfig(), nil, logging.NewNop())
	require.NoError(t, err)

	svc.GetMetrics().RecordFailure("acme:claude-x")

	got, err := svc.Select("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude-x", got.Backend.Model)
	assert.NotEmpty(t, got.RequestID)
}

func TestSelectUnknownModelSynthesizesBackendSelectionError(t *testing.T) {
	svc, err := NewLoadBalanceService(perRequestConfig(), nil, logging.NewNop())
	require.NoError(t, err)

	_, err = svc.Select("does-not-exist")
	require.Error(t, err)
	bse, ok := err.(*BackendSelectionError)
	require.True(t, ok, "expected *BackendSelectionError, got %T", err)
	assert.Equal(t, "does-not-exist", bse.Model)
}

func TestRecordResultPerTokenSuccess(t *testing.T) {
	cfg := testConfig()
	svc, err := NewLoadBalanceService(cfg, nil, logging.NewNop())
	require.NoError(t, err)

	svc.GetMetrics().RecordFailure("openai:gpt-4-0613")
	svc.RecordResult("openai", "gpt-4-0613", SuccessResult(50*time.Millisecond))

	assert.True(t, svc.GetMetrics().IsHealthy("openai:gpt-4-0613"))
}

func TestRecordResultPerRequestFailureInitializesRecovery(t *testing.T) {
	svc, err := NewLoadBalanceService(perRequestConfig(), nil, logging.NewNop())
	require.NoError(t, err)

	svc.RecordResult("acme", "claude-x", FailureResult(assertErr{}))

	key := "acme:claude-x"
	assert.False(t, svc.GetMetrics().IsHealthy(key))
	assert.Equal(t, 0.1, svc.GetMetrics().EffectiveWeight(key, 1.0))
}

func TestRecordResultPerRequestPassiveSuccessAdvancesLadder(t *testing.T) {
	svc, err := NewLoadBalanceService(perRequestConfig(), nil, logging.NewNop())
	require.NoError(t, err)

	key := "acme:claude-x"
	svc.RecordResult("acme", "claude-x", FailureResult(assertErr{}))
	svc.RecordResult("acme", "claude-x", SuccessResult(10*time.Millisecond))

	stage, ok := svc.GetMetrics().RecoveryStageOf(key)
	require.True(t, ok)
	assert.Equal(t, RecoveryStage1, stage)
}

func TestServiceHealthSuccessRate(t *testing.T) {
	svc, err := NewLoadBalanceService(testConfig(), nil, logging.NewNop())
	require.NoError(t, err)

	svc.RecordResult("openai", "gpt-4-0613", SuccessResult(time.Millisecond))
	svc.RecordResult("openai", "gpt-4-0613", FailureResult(assertErr{}))

	health := svc.ServiceHealth()
	assert.Equal(t, uint64(2), health.TotalRequests)
	assert.Equal(t, uint64(1), health.SuccessfulRequests)
	assert.InDelta(t, 0.5, health.SuccessRate(), 0.0001)
}

func TestStartStopIdempotent(t *testing.T) {
	svc, err := NewLoadBalanceService(testConfig(), nil, logging.NewNop())
	require.NoError(t, err)

	svc.Start(context.Background())
	svc.Start(context.Background()) // no-op
	assert.True(t, svc.IsRunning())

	svc.Stop()
	svc.Stop() // no-op
	assert.False(t, svc.IsRunning())
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated upstream failure" }
