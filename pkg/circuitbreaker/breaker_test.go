package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 3, Timeout: time.Minute})

	fail := func() error { return errors.New("boom") }
	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), fail); err == nil {
			t.Fatal("expected failure")
		}
	}

	if got := cb.State(); got != StateOpen {
		t.Fatalf("expected open state, got %v", got)
	}

	err := cb.Execute(context.Background(), func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 10 * time.Millisecond})

	cb.Execute(context.Background(), func() error { return errors.New("boom") })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("expected open state, got %v", got)
	}

	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("expected closed state after recovery, got %v", got)
	}
}
