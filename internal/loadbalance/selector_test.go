package loadbalance

import (
	"sync"
	"testing"

	"github.com/relayforge/llmlb/internal/config"
)

func backends(specs ...config.Backend) []config.Backend { return specs }

func mappingOf(strategy config.LoadBalanceStrategy, bs ...config.Backend) config.ModelMapping {
	return config.ModelMapping{Name: "m", Enabled: true, Strategy: strategy, Backends: bs}
}

func TestSelectNoEnabledBackendsErrors(t *testing.T) {
	sel := NewBackendSelectorWithSeed(nil, 1)
	mapping := mappingOf(config.WeightedRandom, config.Backend{Provider: "p", Model: "m", Enabled: false})
	_, err := sel.Select("m", mapping, NewMetricsStore())
	if _, ok := err.(*NoEnabledBackendsError); !ok {
		t.Fatalf("expected NoEnabledBackendsError, got %v", err)
	}
}

func TestRoundRobinFairness(t *testing.T) {
	sel := NewBackendSelectorWithSeed(nil, 1)
	mapping := mappingOf(config.RoundRobin,
		config.Backend{Provider: "p", Model: "a", Enabled: true},
		config.Backend{Provider: "p", Model: "b", Enabled: true},
		config.Backend{Provider: "p", Model: "c", Enabled: true},
	)
	store := NewMetricsStore()

	counts := map[string]int{}
	const n = 999
	for i := 0; i < n; i++ {
		b, err := sel.Select("m", mapping, store)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[b.Key()]++
	}

	floor, ceil := n/3, (n+2)/3
	for k, c := range counts {
		if c < floor || c > ceil {
			t.Errorf("backend %s selected %d times, want between %d and %d", k, c, floor, ceil)
		}
	}
}

func TestRoundRobinConcurrency(t *testing.T) {
	sel := NewBackendSelectorWithSeed(nil, 1)
	mapping := mappingOf(config.RoundRobin,
		config.Backend{Provider: "p", Model: "a", Enabled: true},
		config.Backend{Provider: "p", Model: "b", Enabled: true},
	)
	store := NewMetricsStore()

	var wg sync.WaitGroup
	const goroutines, perGoroutine = 50, 200
	total := map[string]*int{"p:a": new(int), "p:b": new(int)}
	var mu sync.Mutex

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := map[string]int{}
			for j := 0; j < perGoroutine; j++ {
				b, _ := sel.Select("m", mapping, store)
				local[b.Key()]++
			}
			mu.Lock()
			for k, v := range local {
				*total[k] += v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if got := *total["p:a"] + *total["p:b"]; got != goroutines*perGoroutine {
		t.Errorf("expected %d total selections, got %d", goroutines*perGoroutine, got)
	}
}

func TestWeightedRandomConvergence(t *testing.T) {
	sel := NewBackendSelectorWithSeed(nil, 42)
	mapping := mappingOf(config.WeightedRandom,
		config.Backend{Provider: "p", Model: "a", Enabled: true, Weight: 0.6},
		config.Backend{Provider: "p", Model: "b", Enabled: true, Weight: 0.3},
		config.Backend{Provider: "p", Model: "c", Enabled: true, Weight: 0.1},
	)
	store := NewMetricsStore()

	const n = 10000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		b, err := sel.Select("m", mapping, store)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[b.Key()]++
	}

	want := map[string]float64{"p:a": 0.6, "p:b": 0.3, "p:c": 0.1}
	for k, w := range want {
		got := float64(counts[k]) / n
		if diff := got - w; diff > 0.05 || diff < -0.05 {
			t.Errorf("backend %s frequency %.3f, want %.3f +/- 0.05", k, got, w)
		}
	}
}

func TestWeightedRandomZeroWeight(t *testing.T) {
	sel := NewBackendSelectorWithSeed(nil, 1)
	mapping := mappingOf(config.WeightedRandom,
		config.Backend{Provider: "p", Model: "a", Enabled: true, Weight: 0},
	)
	_, err := sel.Select("m", mapping, NewMetricsStore())
	if _, ok := err.(*ZeroWeightError); !ok {
		t.Fatalf("expected ZeroWeightError, got %v", err)
	}
}

func TestLeastLatencyPicksSmallest(t *testing.T) {
	sel := NewBackendSelectorWithSeed(nil, 1)
	a := config.Backend{Provider: "p", Model: "a", Enabled: true}
	b := config.Backend{Provider: "p", Model: "b", Enabled: true}
	store := NewMetricsStore()
	store.RecordLatency(a.Key(), 50_000_000)
	store.RecordLatency(b.Key(), 10_000_000)

	mapping := mappingOf(config.LeastLatency, a, b)
	got, err := sel.Select("m", mapping, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Key() != b.Key() {
		t.Errorf("expected backend b (lower latency), got %s", got.Key())
	}
}

func TestLeastLatencyTreatsAbsentAsSentinel(t *testing.T) {
	sel := NewBackendSelectorWithSeed(nil, 1)
	a := config.Backend{Provider: "p", Model: "a", Enabled: true}
	b := config.Backend{Provider: "p", Model: "b", Enabled: true}
	store := NewMetricsStore()
	store.RecordLatency(b.Key(), 10_000_000)

	mapping := mappingOf(config.LeastLatency, a, b)
	got, err := sel.Select("m", mapping, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Key() != b.Key() {
		t.Errorf("expected backend b (a has no recorded latency), got %s", got.Key())
	}
}

// TestFailoverTotalFailure encodes scenario S2: all three backends
// marked failed; Failover must return the backend with priority 1.
func TestFailoverTotalFailure(t *testing.T) {
	sel := NewBackendSelectorWithSeed(nil, 1)
	a := config.Backend{Provider: "p", Model: "a", Enabled: true, Priority: 1}
	b := config.Backend{Provider: "p", Model: "b", Enabled: true, Priority: 2}
	c := config.Backend{Provider: "p", Model: "c", Enabled: true, Priority: 3}

	store := NewMetricsStore()
	store.RecordFailure(a.Key())
	store.RecordFailure(b.Key())
	store.RecordFailure(c.Key())

	mapping := mappingOf(config.Failover, c, a, b) // scrambled order
	got, err := sel.Select("m", mapping, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Key() != a.Key() {
		t.Errorf("expected backend a (priority 1), got %s", got.Key())
	}
}

func TestFailoverPrefersHealthy(t *testing.T) {
	sel := NewBackendSelectorWithSeed(nil, 1)
	a := config.Backend{Provider: "p", Model: "a", Enabled: true, Priority: 1}
	b := config.Backend{Provider: "p", Model: "b", Enabled: true, Priority: 2}

	store := NewMetricsStore()
	store.RecordFailure(a.Key())

	mapping := mappingOf(config.Failover, a, b)
	got, err := sel.Select("m", mapping, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Key() != b.Key() {
		t.Errorf("expected healthy backend b over failed higher-priority a, got %s", got.Key())
	}
}

// TestWeightedFailoverPartialFailure encodes scenario S1: A(w=0.6)
// fails, B(w=0.3) and C(w=0.1) remain healthy. Over 1000 selections A
// is never chosen, and B's share among {B,C} converges to 0.75.
func TestWeightedFailoverPartialFailure(t *testing.T) {
	sel := NewBackendSelectorWithSeed(nil, 7)
	a := config.Backend{Provider: "p", Model: "a", Enabled: true, Weight: 0.6}
	b := config.Backend{Provider: "p", Model: "b", Enabled: true, Weight: 0.3}
	c := config.Backend{Provider: "p", Model: "c", Enabled: true, Weight: 0.1}

	store := NewMetricsStore()
	store.RecordFailure(a.Key())

	mapping := mappingOf(config.WeightedFailover, a, b, c)

	const n = 1000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		got, err := sel.Select("m", mapping, store)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[got.Key()]++
	}

	if counts[a.Key()] != 0 {
		t.Errorf("expected backend a (failed) to never be selected, got %d", counts[a.Key()])
	}
	bc := float64(counts[b.Key()]) / float64(counts[b.Key()]+counts[c.Key()])
	if diff := bc - 0.75; diff > 0.05 || diff < -0.05 {
		t.Errorf("B share among {B,C} = %.3f, want 0.75 +/- 0.05", bc)
	}
}

func TestSmartWeightedFailoverNoPositiveWeight(t *testing.T) {
	sel := NewBackendSelectorWithSeed(nil, 1)
	a := config.Backend{Provider: "p", Model: "a", Enabled: true, Weight: 0}
	mapping := mappingOf(config.SmartWeightedFailover, a)
	_, err := sel.Select("m", mapping, NewMetricsStore())
	if _, ok := err.(*NoPositiveWeightError); !ok {
		t.Fatalf("expected NoPositiveWeightError, got %v", err)
	}
}

func TestSmartWeightedFailoverUsesEffectiveWeight(t *testing.T) {
	sel := NewBackendSelectorWithSeed(nil, 3)
	a := config.Backend{Provider: "p", Model: "a", Enabled: true, Weight: 1.0, BillingMode: config.PerRequest}
	b := config.Backend{Provider: "p", Model: "b", Enabled: true, Weight: 1.0, BillingMode: config.PerRequest}

	store := NewMetricsStore()
	store.RecordFailure(a.Key())
	store.InitPerRequestRecovery(a.Key(), a.Weight) // effective weight 0.1 for a, 1.0 for b

	mapping := mappingOf(config.SmartWeightedFailover, a, b)

	const n = 2000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		got, err := sel.Select("m", mapping, store)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[got.Key()]++
	}

	// a's effective weight (0.1) is far smaller than b's (1.0): expect
	// a to be chosen roughly 1/11 of the time.
	aShare := float64(counts[a.Key()]) / n
	if aShare > 0.2 {
		t.Errorf("a selected %.1f%% of the time, expected it heavily deprioritized", aShare*100)
	}
}
