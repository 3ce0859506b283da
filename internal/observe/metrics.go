// Package observe provides application-wide observability primitives for
// Vintner: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. Tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vintner metrics.
const meterName = "github.com/philhumber/vintner"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks full LLM call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("task", ...)
	LLMDuration metric.Float64Histogram

	// LLMTTFB tracks time to first byte of model output on streaming calls.
	// Perceived latency is dominated by this number.
	LLMTTFB metric.Float64Histogram

	// IdentificationDuration tracks end-to-end identification latency,
	// including all escalation tiers.
	IdentificationDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("task", ...),
	//   attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Escalations counts escalation tier calls past Tier 1, one per tier
	// attempted, so an identification that reaches Tier 2 adds two. Use
	// with attribute: attribute.String("tier", ...)
	Escalations metric.Int64Counter

	// CacheLookups counts enrichment cache lookups. Use with attribute:
	//   attribute.String("outcome", "hit"|"miss"|"fuzzy"|"expired")
	CacheLookups metric.Int64Counter

	// CostUSD accumulates estimated provider spend. Use with attribute:
	//   attribute.String("provider", ...)
	CostUSD metric.Float64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of live SSE sessions.
	ActiveStreams metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM calls: sub-second TTFBs up to grounded multi-tier escalations.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("vintner.llm.duration",
		metric.WithDescription("Latency of LLM provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMTTFB, err = m.Float64Histogram("vintner.llm.ttfb",
		metric.WithDescription("Time to first byte of streamed model output."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IdentificationDuration, err = m.Float64Histogram("vintner.identify.duration",
		metric.WithDescription("End-to-end identification latency across all tiers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vintner.http.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("vintner.provider.requests",
		metric.WithDescription("Count of provider API calls."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("vintner.provider.errors",
		metric.WithDescription("Count of provider failures by error kind."),
	); err != nil {
		return nil, err
	}
	if met.Escalations, err = m.Int64Counter("vintner.identify.escalations",
		metric.WithDescription("Count of escalation tier calls past Tier 1, by tier."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("vintner.enrich.cache_lookups",
		metric.WithDescription("Count of enrichment cache lookups by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CostUSD, err = m.Float64Counter("vintner.provider.cost_usd",
		metric.WithDescription("Accumulated estimated provider spend."),
		metric.WithUnit("{USD}"),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveStreams, err = m.Int64UpDownCounter("vintner.sse.active_streams",
		metric.WithDescription("Number of live SSE sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}
