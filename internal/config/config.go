package config

import (
	"fmt"
	"math"
	"strings"
)

// LoadBalanceStrategy is the closed set of selection algorithms a
// ModelMapping can use.
type LoadBalanceStrategy string

const (
	WeightedRandom        LoadBalanceStrategy = "weighted_random"
	RoundRobin            LoadBalanceStrategy = "round_robin"
	LeastLatency          LoadBalanceStrategy = "least_latency"
	Failover              LoadBalanceStrategy = "failover"
	Random                LoadBalanceStrategy = "random"
	WeightedFailover      LoadBalanceStrategy = "weighted_failover"
	SmartWeightedFailover LoadBalanceStrategy = "smart_weighted_failover"
)

// BillingMode distinguishes providers that charge per token (safe to
// actively probe while unhealthy) from providers that charge per
// request (recovery is observed passively from real traffic only).
type BillingMode string

const (
	PerToken   BillingMode = "per_token"
	PerRequest BillingMode = "per_request"
)

// Provider is an upstream LLM vendor endpoint.
type Provider struct {
	Name           string            `yaml:"name"`
	BaseURL        string            `yaml:"base_url"`
	APIKey         string            `yaml:"api_key"`
	AllowedModels  []string          `yaml:"allowed_models"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	MaxRetries     int               `yaml:"max_retries"`
	Enabled        bool              `yaml:"enabled"`
}

// AllowsModel reports whether upstreamModel is in the provider's
// allowed-models list. An empty list imposes no restriction — the
// relay collaborator is then free to request any model name.
func (p Provider) AllowsModel(upstreamModel string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == upstreamModel {
			return true
		}
	}
	return false
}

// Backend is a (provider, upstream model) pair plus routing metadata.
// backend_key, the MetricsStore's identity for this pair, is
// provider:model.
type Backend struct {
	Provider    string            `yaml:"provider"`
	Model       string            `yaml:"model"`
	Weight      float64           `yaml:"weight"`
	Priority    int               `yaml:"priority"`
	Enabled     bool              `yaml:"enabled"`
	Tags        map[string]string `yaml:"tags"`
	BillingMode BillingMode       `yaml:"billing_mode"`
}

// Key returns the stable backend_key used throughout the MetricsStore
// and BackendSelector: "provider:model".
func (b Backend) Key() string {
	return b.Provider + ":" + b.Model
}

// ModelMapping binds a logical model name to its candidate backends
// and the strategy used to choose among them.
type ModelMapping struct {
	Name     string              `yaml:"name"`
	Backends []Backend           `yaml:"backends"`
	Strategy LoadBalanceStrategy `yaml:"strategy"`
	Enabled  bool                `yaml:"enabled"`
}

// Settings holds the global knobs consumed by the selector, manager,
// and health checker.
type Settings struct {
	MaxInternalRetries     int    `yaml:"max_internal_retries"`
	HealthCheckIntervalS   int    `yaml:"health_check_interval_s"`
	RecoveryCheckIntervalS int    `yaml:"recovery_check_interval_s"`
	ProbePath              string `yaml:"probe_path"`
}

// Config is the whole-object configuration produced by LoadConfig and
// delivered again on every hot reload. LoadBalanceManager swaps it in
// atomically; the MetricsStore is preserved independently across the
// swap.
type Config struct {
	Providers map[string]Provider     `yaml:"providers"`
	Models    map[string]ModelMapping `yaml:"models"`
	Settings  Settings                `yaml:"settings"`
}

// applyDefaults fills zero-valued settings with the documented
// defaults: 30s liveness probes, 60s recovery probes, 2 internal
// retries.
func (c *Config) applyDefaults() {
	if c.Settings.HealthCheckIntervalS == 0 {
		c.Settings.HealthCheckIntervalS = 30
	}
	if c.Settings.RecoveryCheckIntervalS == 0 {
		c.Settings.RecoveryCheckIntervalS = 60
	}
	if c.Settings.MaxInternalRetries == 0 {
		c.Settings.MaxInternalRetries = 2
	}
	if c.Settings.ProbePath == "" {
		c.Settings.ProbePath = "/health"
	}
	for name, p := range c.Providers {
		changed := false
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = 10
			changed = true
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = 3
			changed = true
		}
		if changed {
			c.Providers[name] = p
		}
	}
}

// Validate enforces the structural rules a Config must satisfy before
// a LoadBalanceManager will accept it, at load time and again on every
// reload. Every violation is collected so a caller sees the whole
// picture at once rather than fixing one typo per restart.
func (c *Config) Validate() error {
	var problems []string
	seenKeys := make(map[string]bool) // backend_key already seen, anywhere

	for name, mapping := range c.Models {
		if mapping.Name != "" && mapping.Name != name {
			problems = append(problems, fmt.Sprintf("model mapping key %q does not match its name field %q", name, mapping.Name))
		}

		enabledBackends := 0
		for _, b := range mapping.Backends {
			provider, ok := c.Providers[b.Provider]
			if !ok {
				problems = append(problems, fmt.Sprintf("model %q: backend references unknown provider %q", name, b.Provider))
			}
			if b.Weight < 0 || math.IsNaN(b.Weight) || math.IsInf(b.Weight, 0) {
				problems = append(problems, fmt.Sprintf("model %q: backend %s has non-finite or negative weight %v", name, b.Key(), b.Weight))
			}
			if ok && b.Enabled && !provider.AllowsModel(b.Model) {
				problems = append(problems, fmt.Sprintf("model %q: backend %s is not in provider %q's allowed_models", name, b.Key(), b.Provider))
			}
			if seenKeys[b.Key()] {
				problems = append(problems, fmt.Sprintf("backend_key %q is duplicated (model %q)", b.Key(), name))
			}
			seenKeys[b.Key()] = true

			if b.Enabled {
				enabledBackends++
				if ok && provider.Enabled && provider.APIKey == "" {
					problems = append(problems, fmt.Sprintf("model %q: provider %q backs an enabled backend but has an empty api_key", name, b.Provider))
				}
			}
		}

		if mapping.Enabled && enabledBackends == 0 {
			problems = append(problems, fmt.Sprintf("model %q is enabled but has no enabled backends", name))
		}
	}

	if len(problems) > 0 {
		return &ConfigInvalidError{Reason: strings.Join(problems, "; ")}
	}
	return nil
}

// ConfigInvalidError wraps one or more validation failures surfaced by
// Validate, LoadConfig, and Reload.
type ConfigInvalidError struct {
	Reason string
}

func (e *ConfigInvalidError) Error() string {
	return fmt.Sprintf("config invalid: %s", e.Reason)
}
