package observe

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// RequestKind buckets the agent endpoints for metrics and span naming, so
// dashboards slice by what the sommelier was asked rather than by raw URL.
type RequestKind string

const (
	KindIdentifyText  RequestKind = "identify_text"
	KindIdentifyImage RequestKind = "identify_image"
	KindEnrichment    RequestKind = "enrich"
	KindClarify       RequestKind = "clarify"
	KindCancel        RequestKind = "cancel"
	KindUsage         RequestKind = "usage"
	KindProbe         RequestKind = "probe"
	KindOther         RequestKind = "other"
)

// classifyRequest maps a request path onto its kind and whether it is a
// streaming (SSE) surface.
func classifyRequest(path string) (kind RequestKind, streaming bool) {
	streaming = strings.HasSuffix(path, "/stream")
	switch {
	case strings.HasPrefix(path, "/api/agent/identify-image"):
		return KindIdentifyImage, streaming
	case strings.HasPrefix(path, "/api/agent/verify-image"):
		return KindIdentifyImage, false
	case strings.HasPrefix(path, "/api/agent/identify"):
		return KindIdentifyText, streaming
	case strings.HasPrefix(path, "/api/agent/enrich"):
		return KindEnrichment, streaming
	case strings.HasPrefix(path, "/api/agent/clarify-match"):
		return KindClarify, false
	case strings.HasPrefix(path, "/api/agent/cancel"):
		return KindCancel, false
	case strings.HasPrefix(path, "/api/agent/usage"):
		return KindUsage, false
	case path == "/healthz", path == "/readyz", path == "/metrics":
		return KindProbe, false
	default:
		return KindOther, false
	}
}

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// while keeping the Flusher the SSE transport depends on.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush delegates to the wrapped writer when it supports flushing. Without
// this the wrapper would hide the Flusher and break streaming responses.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns an [http.Handler] that wires one agent request into the
// observability stack:
//
//  1. Extracts W3C Trace Context from incoming headers (or starts a trace)
//     and binds the client's X-Request-ID into the context so log lines can
//     be matched to cancel tokens.
//  2. Starts a span named for the request kind (identify_text, enrich, …),
//     not the raw path.
//  3. Sets the X-Correlation-ID response header.
//  4. Records request duration to [Metrics.HTTPRequestDuration] tagged with
//     kind and streaming. Probe and scrape endpoints are excluded so
//     kubelet traffic doesn't drown the agent signal.
//  5. Logs completion for agent requests with kind, status, and duration.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			kind, streaming := classifyRequest(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
				ctx = WithRequestID(ctx, reqID)
			}

			spanAttrs := []attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				attribute.String("vintner.kind", string(kind)),
				attribute.Bool("vintner.streaming", streaming),
			}
			if reqID := RequestID(ctx); reqID != "" {
				spanAttrs = append(spanAttrs,
					attribute.String("vintner.request_id", reqID))
			}
			ctx, span := StartSpan(ctx, "vintner."+string(kind),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(spanAttrs...),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			if kind == KindProbe {
				return
			}

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("kind", string(kind)),
					attribute.Bool("streaming", streaming),
				),
			)
			Logger(ctx).Info("request completed",
				"kind", string(kind),
				"streaming", streaming,
				"status", rec.statusCode,
				"duration", duration,
			)
		})
	}
}
