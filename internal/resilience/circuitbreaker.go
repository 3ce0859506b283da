// Package resilience provides the per-provider circuit breaker.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that protects callers from cascading provider
// failures. Unlike an in-memory breaker, its durable state is derived from
// the usage log on each evaluation: the failure count is the number of
// retryable failures recorded for the provider within the sample window, and
// recovery timing compares "now" to the most recent of those failures. This
// makes breaker state survive process restarts with no shared memory; only
// the half-open probe counters live in memory.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/philhumber/vintner/pkg/types"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Allow] when the breaker is in
// the open state and the recovery timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with [ErrCircuitOpen] until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the recovery timeout.
	// Calls are allowed through as probes; the number of probe calls is not
	// capped. Enough consecutive successes close the breaker, any failure
	// re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// FailureSource supplies the durable failure history the breaker derives its
// state from. The usage store implements it.
type FailureSource interface {
	FailureStats(ctx context.Context, provider string, window time.Duration, retryableKinds []string) (count int, lastFailure time.Time, err error)
}

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// FailureThreshold is the number of retryable failures within the sample
	// window that opens the breaker. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long after the last failure the breaker stays
	// open before transitioning to half-open. Default: 60s.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker. Default: 2.
	SuccessThreshold int

	// SampleWindow is how far back failures are counted. Default: 120s.
	SampleWindow time.Duration
}

// withDefaults replaces zero-value fields with defaults.
func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.SampleWindow <= 0 {
		c.SampleWindow = 120 * time.Second
	}
	return c
}

// retryableKinds lists the error kinds that count toward the breaker.
// Non-retryable failures (e.g., invalid_request) pass through untouched.
var retryableKinds = []string{
	string(types.KindTimeout),
	string(types.KindRateLimit),
	string(types.KindServerError),
	string(types.KindOverloaded),
	string(types.KindSSLError),
}

// CircuitBreaker tracks one provider. Durable state comes from the failure
// source on each evaluation; only the half-open probe counters are held in
// memory.
type CircuitBreaker struct {
	provider string
	cfg      Config
	source   FailureSource
	now      func() time.Time

	mu                sync.Mutex
	halfOpen          bool
	halfOpenSuccesses int
	// halfOpenClosedAt marks a completed half-open recovery; failures older
	// than this are disregarded so the breaker doesn't immediately re-open
	// from stale log rows.
	halfOpenClosedAt time.Time
}

// New creates a breaker for provider with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func New(provider string, cfg Config, source FailureSource) *CircuitBreaker {
	return &CircuitBreaker{
		provider: provider,
		cfg:      cfg.withDefaults(),
		source:   source,
		now:      time.Now,
	}
}

// Evaluate derives the current [State] from the failure source. A source
// error fails open in the availability sense: the breaker reports closed and
// the error is returned for logging, since refusing all traffic on a
// bookkeeping failure would be worse than the occasional wasted call.
func (cb *CircuitBreaker) Evaluate(ctx context.Context) (State, error) {
	count, last, err := cb.source.FailureStats(ctx, cb.provider, cb.cfg.SampleWindow, retryableKinds)
	if err != nil {
		return StateClosed, err
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.halfOpenClosedAt.IsZero() && !last.After(cb.halfOpenClosedAt) {
		// All counted failures predate the last successful recovery.
		return StateClosed, nil
	}

	if count < cb.cfg.FailureThreshold {
		cb.halfOpen = false
		cb.halfOpenSuccesses = 0
		return StateClosed, nil
	}

	if cb.now().Sub(last) >= cb.cfg.RecoveryTimeout {
		if !cb.halfOpen {
			cb.halfOpen = true
			cb.halfOpenSuccesses = 0
			slog.Info("circuit breaker transitioning to half-open", "provider", cb.provider)
		}
		return StateHalfOpen, nil
	}

	cb.halfOpen = false
	cb.halfOpenSuccesses = 0
	return StateOpen, nil
}

// Allow reports whether a call may be dispatched. It returns
// [ErrCircuitOpen] iff the derived state is open.
func (cb *CircuitBreaker) Allow(ctx context.Context) error {
	state, err := cb.Evaluate(ctx)
	if err != nil {
		slog.Warn("circuit breaker state query failed; allowing call",
			"provider", cb.provider, "err", err)
		return nil
	}
	if state == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess advances the half-open probe count. Once the configured
// success threshold is reached the breaker closes: subsequent evaluations
// disregard failures older than this moment. Outside half-open this is a
// no-op; durable success accounting is the usage log's job.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.halfOpen {
		return
	}
	cb.halfOpenSuccesses++
	if cb.halfOpenSuccesses >= cb.cfg.SuccessThreshold {
		cb.halfOpen = false
		cb.halfOpenSuccesses = 0
		cb.halfOpenClosedAt = cb.now()
		slog.Info("circuit breaker closed after successful probes", "provider", cb.provider)
	}
}

// RecordFailure resets the half-open probe count; the failure itself reaches
// the breaker durably through the usage log, which re-opens it on the next
// evaluation. Only call this for retryable failures.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.halfOpen {
		cb.halfOpen = false
		cb.halfOpenSuccesses = 0
		slog.Warn("circuit breaker re-opened from half-open", "provider", cb.provider)
	}
}
