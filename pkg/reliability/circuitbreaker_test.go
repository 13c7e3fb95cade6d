package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 3, RetryTimeout: time.Hour})
	failing := func(context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), failing)
	}
	if cb.State() != Open {
		t.Fatalf("expected OPEN after %d failures, got %v", 3, cb.State())
	}

	err := cb.Execute(context.Background(), failing)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen while open, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, RetryTimeout: 5 * time.Millisecond})
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	if cb.State() != Open {
		t.Fatalf("expected OPEN after first failure")
	}

	time.Sleep(10 * time.Millisecond)
	if cb.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN after retry timeout, got %v", cb.State())
	}

	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error on probe: %v", err)
	}
	if cb.State() != Closed {
		t.Fatalf("expected CLOSED after a successful probe, got %v", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, RetryTimeout: 5 * time.Millisecond})
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	time.Sleep(10 * time.Millisecond)

	err := cb.Execute(context.Background(), func(context.Context) error { return errors.New("still broken") })
	if err == nil {
		t.Fatalf("expected the probe failure to be returned")
	}
	if cb.State() != Open {
		t.Fatalf("expected OPEN again after a failed probe, got %v", cb.State())
	}
}

func TestExecuteWithFallback(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, RetryTimeout: time.Hour})
	fallbackCalled := false

	err := cb.ExecuteWithFallback(context.Background(),
		func(context.Context) error { return errors.New("boom") },
		func(context.Context) error { fallbackCalled = true; return nil },
	)
	if err != nil {
		t.Fatalf("expected fallback to absorb the error, got %v", err)
	}
	if !fallbackCalled {
		t.Fatalf("expected fallback to run")
	}
}
