// Package router is the single entry point for all LLM work. It resolves a
// task type to a provider and model, gates the call on daily limits and the
// provider's circuit breaker, runs the retry policy, falls back across
// providers, and emits one usage record per outbound call.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/philhumber/vintner/internal/config"
	"github.com/philhumber/vintner/internal/observe"
	"github.com/philhumber/vintner/internal/resilience"
	"github.com/philhumber/vintner/internal/streamjson"
	"github.com/philhumber/vintner/internal/usage"
	"github.com/philhumber/vintner/pkg/provider/llm"
	"github.com/philhumber/vintner/pkg/types"
)

// Identity carries the requesting user through every dispatch so usage rows
// and limit checks attribute correctly.
type Identity struct {
	UserID    string
	SessionID string
}

// Router dispatches LLM calls. A Router is request-scoped: it is built by
// the AgentContext at request entry and holds no state that outlives the
// request (breaker state is re-derived from the usage log).
type Router struct {
	providers map[string]llm.Provider
	routes    map[string]config.TaskRoute
	tracker   *usage.Tracker
	breakers  map[string]*resilience.CircuitBreaker
	retry     config.RetryConfig
	metrics   *observe.Metrics
}

// New creates a Router over the given providers and routing table. metrics
// may be nil (tests).
func New(
	providers map[string]llm.Provider,
	routes map[string]config.TaskRoute,
	tracker *usage.Tracker,
	breakers map[string]*resilience.CircuitBreaker,
	retry config.RetryConfig,
	metrics *observe.Metrics,
) *Router {
	return &Router{
		providers: providers,
		routes:    routes,
		tracker:   tracker,
		breakers:  breakers,
		retry:     retry,
		metrics:   metrics,
	}
}

// Provider returns the named provider, or nil.
func (r *Router) Provider(name string) llm.Provider { return r.providers[name] }

// ─── Resolution ───────────────────────────────────────────────────────────────

// resolve picks the provider and model for one dispatch. An explicit
// opts.Provider from a higher tier is used verbatim; otherwise the task's
// primary route applies.
func (r *Router) resolve(taskType string, opts llm.Options) (llm.Provider, *config.RouteTarget, error) {
	name := opts.Provider
	model := opts.Model
	var fallback *config.RouteTarget

	route, routed := r.routes[taskType]
	if name == "" {
		if !routed {
			return nil, nil, types.NewError(types.KindInvalidRequest, "",
				fmt.Sprintf("no routing configured for task %q", taskType))
		}
		name = route.Primary.Provider
		if model == "" {
			model = route.Primary.Model
		}
		fallback = route.Fallback
	}

	p, ok := r.providers[name]
	if !ok {
		return nil, nil, types.NewError(types.KindProviderUnavailable, name,
			"provider not configured")
	}
	if model != "" {
		p.SetModel(model)
	}
	return p, fallback, nil
}

// gate applies the daily-limit and circuit-breaker checks that run before
// any provider is touched.
func (r *Router) gate(ctx context.Context, id Identity, provider string) error {
	violations, err := r.tracker.CheckLimits(ctx, id.UserID)
	if err != nil {
		observe.Logger(ctx).Warn("limit check failed; allowing call", "err", err)
	}
	if len(violations) > 0 {
		return types.NewError(types.KindLimitExceeded, "", strings.Join(violations, "; "))
	}

	if cb, ok := r.breakers[provider]; ok {
		if err := cb.Allow(ctx); err != nil {
			return types.NewError(types.KindCircuitOpen, provider, "provider temporarily disabled")
		}
	}
	return nil
}

// ─── Accounting ───────────────────────────────────────────────────────────────

// account writes one usage row for an outbound call and updates the breaker
// and metrics. Every outbound call lands here, successful or failed.
func (r *Router) account(ctx context.Context, id Identity, taskType, provider string, resp *llm.Response, callErr error, latency time.Duration) {
	rec := types.CallRecord{
		UserID:    id.UserID,
		SessionID: id.SessionID,
		Provider:  provider,
		TaskType:  taskType,
		Latency:   latency,
		Success:   callErr == nil,
	}
	if resp != nil {
		rec.Model = resp.Model
		rec.InputTokens = resp.InputTokens
		rec.OutputTokens = resp.OutputTokens
		rec.CostUSD = resp.CostUSD
		rec.Latency = resp.Latency
	}
	if callErr != nil {
		rec.ErrorKind = types.KindOf(callErr)
		rec.ErrorMessage = callErr.Error()
	}
	if err := r.tracker.Log(ctx, rec); err != nil {
		observe.Logger(ctx).Warn("usage log write failed", "provider", provider, "err", err)
	}

	if cb, ok := r.breakers[provider]; ok {
		if callErr == nil {
			cb.RecordSuccess()
		} else if rec.ErrorKind.Retryable() {
			cb.RecordFailure()
		}
	}

	if r.metrics != nil {
		status := "success"
		if callErr != nil {
			status = "failure"
		}
		r.metrics.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("task", taskType),
			attribute.String("status", status),
		))
		r.metrics.LLMDuration.Record(ctx, rec.Latency.Seconds(), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("task", taskType),
		))
		if callErr != nil {
			r.metrics.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("kind", string(rec.ErrorKind)),
			))
		} else if rec.CostUSD > 0 {
			r.metrics.CostUSD.Add(ctx, rec.CostUSD, metric.WithAttributes(
				attribute.String("provider", provider),
			))
		}
	}
}

// ─── Buffered dispatch ────────────────────────────────────────────────────────

// Complete dispatches a buffered text completion for taskType.
func (r *Router) Complete(ctx context.Context, id Identity, taskType, prompt string, opts llm.Options) (*llm.Response, error) {
	return r.dispatch(ctx, id, taskType, opts, func(p llm.Provider) (*llm.Response, error) {
		return p.Complete(ctx, prompt, opts)
	})
}

// CompleteWithImage dispatches a buffered vision completion for taskType.
func (r *Router) CompleteWithImage(ctx context.Context, id Identity, taskType, prompt string, image []byte, mimeType string, opts llm.Options) (*llm.Response, error) {
	return r.dispatch(ctx, id, taskType, opts, func(p llm.Provider) (*llm.Response, error) {
		if !p.Supports(llm.CapVision) {
			return nil, types.NewError(types.KindUnsupportedCapability, p.Name(),
				fmt.Sprintf("model %q does not accept images", p.Model()))
		}
		return p.CompleteWithImage(ctx, prompt, image, mimeType, opts)
	})
}

// dispatch runs the shared buffered algorithm: gate, retry on the primary,
// then a single un-retried attempt on the fallback provider when the primary
// exhausted its budget with a retryable failure.
func (r *Router) dispatch(ctx context.Context, id Identity, taskType string, opts llm.Options, call func(llm.Provider) (*llm.Response, error)) (*llm.Response, error) {
	p, fallback, err := r.resolve(taskType, opts)
	if err != nil {
		return nil, err
	}
	if err := r.gate(ctx, id, p.Name()); err != nil {
		return nil, err
	}

	resp, err := r.withRetry(ctx, func() (*llm.Response, error) {
		start := time.Now()
		resp, callErr := call(p)
		r.account(ctx, id, taskType, p.Name(), resp, callErr, time.Since(start))
		return resp, callErr
	})
	if err == nil {
		return resp, nil
	}

	// Fallback fires only for retryable terminal failures (including an
	// exhausted retry budget) and only when the caller did not pin a
	// provider.
	kind := types.KindOf(err)
	if fallback == nil || opts.Provider != "" ||
		(!kind.Retryable() && kind != types.KindRetryExhausted) {
		return nil, err
	}
	fp, ok := r.providers[fallback.Provider]
	if !ok || fp.Name() == p.Name() {
		return nil, err
	}
	if fallback.Model != "" {
		fp.SetModel(fallback.Model)
	}
	if gateErr := r.gate(ctx, id, fp.Name()); gateErr != nil {
		return nil, err
	}
	observe.Logger(ctx).Info("falling back to secondary provider",
		"task", taskType, "from", p.Name(), "to", fp.Name())

	start := time.Now()
	resp, fbErr := call(fp)
	r.account(ctx, id, taskType, fp.Name(), resp, fbErr, time.Since(start))
	if fbErr != nil {
		return nil, fbErr
	}
	return resp, nil
}

// ─── Streaming dispatch ───────────────────────────────────────────────────────

// StreamComplete dispatches a streaming text completion. Streaming calls are
// never retried — a partial stream cannot safely be redone — and a provider
// without the streaming capability is served by the buffered path with
// synthesised per-field callbacks so clients always see field progress.
func (r *Router) StreamComplete(ctx context.Context, id Identity, taskType, prompt string, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	return r.dispatchStream(ctx, id, taskType, opts, onField,
		func(p llm.Provider) (*llm.StreamingResponse, error) {
			return p.StreamComplete(ctx, prompt, opts, onField)
		},
		func(p llm.Provider) (*llm.Response, error) {
			return p.Complete(ctx, prompt, opts)
		})
}

// StreamCompleteWithImage dispatches a streaming vision completion.
func (r *Router) StreamCompleteWithImage(ctx context.Context, id Identity, taskType, prompt string, image []byte, mimeType string, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	return r.dispatchStream(ctx, id, taskType, opts, onField,
		func(p llm.Provider) (*llm.StreamingResponse, error) {
			if !p.Supports(llm.CapVision) {
				return nil, types.NewError(types.KindUnsupportedCapability, p.Name(),
					fmt.Sprintf("model %q does not accept images", p.Model()))
			}
			return p.StreamCompleteWithImage(ctx, prompt, image, mimeType, opts, onField)
		},
		func(p llm.Provider) (*llm.Response, error) {
			if !p.Supports(llm.CapVision) {
				return nil, types.NewError(types.KindUnsupportedCapability, p.Name(),
					fmt.Sprintf("model %q does not accept images", p.Model()))
			}
			return p.CompleteWithImage(ctx, prompt, image, mimeType, opts)
		})
}

func (r *Router) dispatchStream(ctx context.Context, id Identity, taskType string, opts llm.Options, onField llm.FieldCallback, stream func(llm.Provider) (*llm.StreamingResponse, error), buffered func(llm.Provider) (*llm.Response, error)) (*llm.StreamingResponse, error) {
	p, _, err := r.resolve(taskType, opts)
	if err != nil {
		return nil, err
	}
	if err := r.gate(ctx, id, p.Name()); err != nil {
		return nil, err
	}

	if !p.Supports(llm.CapStreaming) {
		return r.synthesizeStream(ctx, id, taskType, p, onField, buffered)
	}

	start := time.Now()
	resp, callErr := stream(p)
	var plain *llm.Response
	if resp != nil {
		plain = &resp.Response
	}
	r.account(ctx, id, taskType, p.Name(), plain, callErr, time.Since(start))
	if callErr != nil {
		return nil, callErr
	}

	if r.metrics != nil && resp.TTFB > 0 {
		r.metrics.LLMTTFB.Record(ctx, resp.TTFB.Seconds(), metric.WithAttributes(
			attribute.String("provider", p.Name()),
			attribute.String("task", taskType),
		))
	}
	return resp, nil
}

// synthesizeStream serves a streaming request through the buffered path,
// replaying the parsed result through a field detector so onField fires per
// top-level entry in document order.
func (r *Router) synthesizeStream(ctx context.Context, id Identity, taskType string, p llm.Provider, onField llm.FieldCallback, buffered func(llm.Provider) (*llm.Response, error)) (*llm.StreamingResponse, error) {
	start := time.Now()
	resp, callErr := buffered(p)
	r.account(ctx, id, taskType, p.Name(), resp, callErr, time.Since(start))
	if callErr != nil {
		return nil, callErr
	}

	fieldTimings := make(map[string]time.Duration)
	detector := streamjson.NewFieldDetector(func(name string, value any) {
		fieldTimings[name] = time.Since(start)
		if onField != nil {
			onField(name, value)
		}
	})
	detector.Write(streamjson.ExtractJSONDocument(resp.Content))

	return &llm.StreamingResponse{
		Response:     *resp,
		Streamed:     false,
		TTFB:         resp.Latency,
		FieldTimings: fieldTimings,
	}, nil
}
