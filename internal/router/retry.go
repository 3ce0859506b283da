package router

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/philhumber/vintner/pkg/provider/llm"
	"github.com/philhumber/vintner/pkg/types"
)

// withRetry runs op under the configured exponential-backoff policy:
// delay_i = min(base × 2^(i-1), max), randomised by the jitter factor.
// Only retryable error kinds are retried; the total number of attempts never
// exceeds retry.max_attempts. Context cancellation between attempts stops
// the loop immediately.
func (r *Router) withRetry(ctx context.Context, op func() (*llm.Response, error)) (*llm.Response, error) {
	maxAttempts := r.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(r.retry.BaseDelayMs) * time.Millisecond
	bo.MaxInterval = time.Duration(r.retry.MaxDelayMs) * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = r.retry.Jitter

	attempts := 0
	resp, err := backoff.Retry(ctx, func() (*llm.Response, error) {
		attempts++
		resp, err := op()
		if err != nil && !types.KindOf(err).Retryable() {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(maxAttempts)))

	if err != nil && attempts >= maxAttempts && types.KindOf(err).Retryable() {
		return nil, &types.AgentError{
			Kind:    types.KindRetryExhausted,
			Message: "all retry attempts failed",
			Err:     err,
		}
	}
	return resp, err
}
