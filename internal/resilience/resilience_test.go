package resilience

import (
	"testing"
	"time"
)

func TestCircuitBreakerTransitions(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
	}
	b := NewCircuitBreaker(cfg)

	if b.State() != StateClosed {
		t.Fatalf("expected closed at start, got %v", b.State())
	}

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after threshold failures, got %v", b.State())
	}
	if b.AllowRequest() {
		t.Fatalf("open breaker must refuse requests")
	}

	time.Sleep(60 * time.Millisecond)
	if !b.AllowRequest() {
		t.Fatalf("expected probe permit after reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after probe, got %v", b.State())
	}

	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %v", b.State())
	}

	// A failure in half-open reverts to open.
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	if !b.AllowRequest() {
		t.Fatalf("expected probe permit after second reset timeout")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after half-open failure, got %v", b.State())
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute})
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("interleaved success should prevent tripping, got %v", b.State())
	}
}

func TestBackoffGrowthAndCap(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     400 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0,
	})

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	for i, want := range expected {
		if got := b.Next(); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", i, want, got)
		}
	}

	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Fatalf("expected initial delay after reset, got %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	})
	for i := 0; i < 20; i++ {
		b.Reset()
		d := b.Next()
		if d < 90*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("jittered delay %v outside expected bounds", d)
		}
	}
}

func TestHealthTrackerReconnectAccounting(t *testing.T) {
	h := NewHealthTracker()
	if h.State() != Healthy {
		t.Fatalf("expected healthy at start")
	}

	h.SetReconnecting()
	h.SetReconnecting()
	if h.State() != Reconnecting {
		t.Fatalf("expected reconnecting")
	}

	h.SetConnected()
	snap := h.Snapshot()
	if snap.State != "healthy" {
		t.Fatalf("expected healthy, got %q", snap.State)
	}
	if snap.TotalReconnections != 1 {
		t.Fatalf("expected 1 reconnection, got %d", snap.TotalReconnections)
	}
	if snap.ReconnectAttempts != 0 {
		t.Fatalf("expected attempt counter reset, got %d", snap.ReconnectAttempts)
	}

	// Connecting while already healthy is not a reconnection.
	h.SetConnected()
	if got := h.Snapshot().TotalReconnections; got != 1 {
		t.Fatalf("expected reconnection count unchanged, got %d", got)
	}

	h.SetCircuitOpen()
	if h.State() != CircuitOpen {
		t.Fatalf("expected circuit_open state")
	}
}
