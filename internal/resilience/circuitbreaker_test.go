package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeSource is a scriptable FailureSource.
type fakeSource struct {
	count int
	last  time.Time
	err   error
}

func (f *fakeSource) FailureStats(context.Context, string, time.Duration, []string) (int, time.Time, error) {
	return f.count, f.last, f.err
}

func newBreaker(src *fakeSource) *CircuitBreaker {
	return New("gemini", Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
		SampleWindow:     2 * time.Minute,
	}, src)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d", cfg.FailureThreshold)
	}
	if cfg.RecoveryTimeout != 60*time.Second {
		t.Errorf("RecoveryTimeout = %v", cfg.RecoveryTimeout)
	}
	if cfg.SuccessThreshold != 2 {
		t.Errorf("SuccessThreshold = %d", cfg.SuccessThreshold)
	}
	if cfg.SampleWindow != 120*time.Second {
		t.Errorf("SampleWindow = %v", cfg.SampleWindow)
	}
}

func TestBreaker_ClosedBelowThreshold(t *testing.T) {
	cb := newBreaker(&fakeSource{count: 2, last: time.Now()})
	state, err := cb.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateClosed {
		t.Fatalf("state = %v, want closed", state)
	}
	if err := cb.Allow(context.Background()); err != nil {
		t.Fatalf("Allow = %v", err)
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	cb := newBreaker(&fakeSource{count: 3, last: time.Now()})
	state, err := cb.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateOpen {
		t.Fatalf("state = %v, want open", state)
	}
	if err := cb.Allow(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	cb := newBreaker(&fakeSource{count: 5, last: time.Now().Add(-2 * time.Minute)})
	state, err := cb.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", state)
	}
	if err := cb.Allow(context.Background()); err != nil {
		t.Fatalf("half-open should allow probes, got %v", err)
	}
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	src := &fakeSource{count: 5, last: time.Now().Add(-2 * time.Minute)}
	cb := newBreaker(src)

	if state, _ := cb.Evaluate(context.Background()); state != StateHalfOpen {
		t.Fatal("expected half-open")
	}
	cb.RecordSuccess()
	cb.RecordSuccess()

	// The log still shows the old failures, but they predate the recovery.
	state, err := cb.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", state)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	src := &fakeSource{count: 5, last: time.Now().Add(-2 * time.Minute)}
	cb := newBreaker(src)

	if state, _ := cb.Evaluate(context.Background()); state != StateHalfOpen {
		t.Fatal("expected half-open")
	}
	cb.RecordSuccess()
	cb.RecordFailure()

	// A fresh failure lands in the log; the breaker re-opens on the next
	// evaluation.
	src.last = time.Now()
	state, _ := cb.Evaluate(context.Background())
	if state != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", state)
	}
}

func TestBreaker_SourceErrorFailsOpen(t *testing.T) {
	cb := newBreaker(&fakeSource{err: errors.New("db down")})
	state, err := cb.Evaluate(context.Background())
	if err == nil {
		t.Fatal("expected source error surfaced")
	}
	if state != StateClosed {
		t.Fatalf("state = %v, want closed on source error", state)
	}
	if err := cb.Allow(context.Background()); err != nil {
		t.Fatalf("Allow should permit traffic on source error, got %v", err)
	}
}

func TestState_String(t *testing.T) {
	if StateClosed.String() != "closed" || StateOpen.String() != "open" || StateHalfOpen.String() != "half-open" {
		t.Fatal("state names wrong")
	}
}
