package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failing(_ context.Context) (int, error) { return 0, errors.New("boom") }
func passing(_ context.Context) (int, error) { return 1, nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("example.org", CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, failing)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after 1 failure, got %s", cb.State())
	}
	_, _ = ExecuteVal(ctx, cb, failing)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 2 failures, got %s", cb.State())
	}

	var called bool
	_, err := ExecuteVal(ctx, cb, func(_ context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while the circuit is open")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("example.org", CircuitBreakerConfig{FailureThreshold: 2})
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, failing)
	_, _ = ExecuteVal(ctx, cb, passing)
	_, _ = ExecuteVal(ctx, cb, failing)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("example.org", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, failing)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after reset timeout, got %s", cb.State())
	}

	v, err := ExecuteVal(ctx, cb, passing)
	if err != nil || v != 1 {
		t.Fatalf("probe should pass through, got %d, %v", v, err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("example.org", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, failing)
	now = now.Add(2 * time.Second)
	_, _ = ExecuteVal(ctx, cb, failing)
	if cb.State() != CircuitOpen {
		t.Errorf("expected open after failed probe, got %s", cb.State())
	}
}

func TestCircuitState_String(t *testing.T) {
	cases := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(99): "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("expected %q, got %q", want, s.String())
		}
	}
}

func TestHostBreakers_Get(t *testing.T) {
	hb := NewHostBreakers(CircuitBreakerConfig{FailureThreshold: 3})
	a := hb.Get("euclinicaltrials.eu")
	b := hb.Get("euclinicaltrials.eu")
	c := hb.Get("www.clinicaltrialsregister.eu")
	if a != b {
		t.Error("expected the same breaker for the same host")
	}
	if a == c {
		t.Error("expected distinct breakers for distinct hosts")
	}
}

func TestFromCircuitConfig(t *testing.T) {
	if _, ok := FromCircuitConfig(0, time.Second); ok {
		t.Error("threshold 0 should disable the breaker")
	}
	cfg, ok := FromCircuitConfig(4, 0)
	if !ok {
		t.Fatal("expected enabled breaker")
	}
	if cfg.FailureThreshold != 4 || cfg.ResetTimeout != 30*time.Second {
		t.Errorf("unexpected config %+v", cfg)
	}
}
