package loadbalance

import "fmt"

// UnknownModelError — no mapping found, or the mapping is disabled.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q", e.Model)
}

// NoEnabledBackendsError — the selector's input set of enabled
// backends for a model was empty.
type NoEnabledBackendsError struct {
	Model string
}

func (e *NoEnabledBackendsError) Error() string {
	return fmt.Sprintf("model %q has no enabled backends", e.Model)
}

// ZeroWeightError — a weighted strategy found a zero total weight.
type ZeroWeightError struct {
	Model string
}

func (e *ZeroWeightError) Error() string {
	return fmt.Sprintf("model %q: total backend weight is zero", e.Model)
}

// NoPositiveWeightError — SmartWeightedFailover found no backend with
// a positive effective weight.
type NoPositiveWeightError struct {
	Model string
}

func (e *NoPositiveWeightError) Error() string {
	return fmt.Sprintf("model %q: no backend has a positive effective weight", e.Model)
}

// ProviderMissingError — a backend references a provider absent from
// the current config.
type ProviderMissingError struct {
	Name string
}

func (e *ProviderMissingError) Error() string {
	return fmt.Sprintf("provider %q not found in current config", e.Name)
}

// BackendSelectionError is the terminal, rich error synthesized by
// LoadBalanceService.Select after exhausting max_internal_retries. It
// is the only place this subsystem constructs this type; selectors
// and the manager return the small sentinel errors above.
type BackendSelectionError struct {
	Model   string
	Total   int
	Enabled int
	Healthy int
	Cause   error
}

func (e *BackendSelectionError) Error() string {
	return fmt.Sprintf("backend selection failed for model %q (total=%d enabled=%d healthy=%d): %v",
		e.Model, e.Total, e.Enabled, e.Healthy, e.Cause)
}

func (e *BackendSelectionError) Unwrap() error {
	return e.Cause
}
