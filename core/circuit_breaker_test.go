package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestBreaker(t *testing.T, config CircuitBreakerConfig) *SimpleCircuitBreaker {
	t.Helper()
	return NewCircuitBreaker("test", config, &NoOpLogger{})
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{Threshold: 2, Timeout: time.Hour})
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected the function error, got %v", i, err)
		}
	}

	if cb.GetState() != "open" {
		t.Fatalf("expected open state after threshold, got %s", cb.GetState())
	}
	err := cb.Execute(ctx, func() error {
		t.Error("function must not run while the circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{Threshold: 2, Timeout: time.Hour})
	ctx := context.Background()
	boom := errors.New("boom")

	_ = cb.Execute(ctx, func() error { return boom })
	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("success should pass through: %v", err)
	}

	// The earlier failure no longer counts toward the threshold.
	_ = cb.Execute(ctx, func() error { return boom })
	if cb.GetState() != "closed" {
		t.Fatalf("expected closed state, got %s", cb.GetState())
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{
		Threshold:        1,
		Timeout:          10 * time.Millisecond,
		HalfOpenRequests: 1,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	if cb.GetState() != "open" {
		t.Fatalf("expected open state, got %s", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)
	if cb.GetState() != "half-open" {
		t.Fatalf("expected half-open state after timeout, got %s", cb.GetState())
	}

	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("probe should pass through: %v", err)
	}
	if cb.GetState() != "closed" {
		t.Fatalf("successful probe should close the circuit, got %s", cb.GetState())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{Threshold: 1, Timeout: time.Hour})
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	if cb.CanExecute() {
		t.Fatal("open breaker should reject execution")
	}

	cb.Reset()
	if cb.GetState() != "closed" || !cb.CanExecute() {
		t.Fatal("reset should close the circuit")
	}
}

func TestExecuteWithTimeout(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{Threshold: 5, Timeout: time.Hour})

	err := cb.ExecuteWithTimeout(context.Background(), 20*time.Millisecond, func() error {
		time.Sleep(time.Second)
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout for a hung operation, got %v", err)
	}

	if err := cb.ExecuteWithTimeout(context.Background(), time.Second, func() error { return nil }); err != nil {
		t.Fatalf("fast operation should succeed: %v", err)
	}
}
