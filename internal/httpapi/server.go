// Package httpapi exposes the agent core over HTTP. The handlers stay thin:
// parse JSON, build a request-scoped agent context, call the service, frame
// the response as JSON or SSE. Everything interesting happens below.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/philhumber/vintner/internal/cancel"
	"github.com/philhumber/vintner/internal/health"
	"github.com/philhumber/vintner/internal/observe"
	"github.com/philhumber/vintner/internal/router"
	"github.com/philhumber/vintner/pkg/types"
)

// Request headers recognised by the API.
const (
	headerRequestID = "X-Request-ID"
	headerUserID    = "X-User-ID"
	headerSessionID = "X-Session-ID"
)

// AgentContext is the request-scoped bundle of services. One is created at
// request entry and passed down; nothing in it outlives the request.
type AgentContext struct {
	Identify IdentifyService
	Enrich   EnrichService
	Clarify  ClarifyService
	Usage    UsageService
}

// ContextFactory builds a fresh [AgentContext] for one request.
type ContextFactory func(ctx context.Context) (*AgentContext, error)

// Server mounts the Vintner endpoints on an [http.ServeMux].
type Server struct {
	newContext ContextFactory
	cancels    *cancel.Registry
	metrics    *observe.Metrics
	health     *health.Handler
	scrape     http.Handler
}

// NewServer creates a Server. metrics may be nil; healthHandler may be nil
// to skip the probes; a nil scrape handler falls back to the default
// Prometheus registry.
func NewServer(factory ContextFactory, cancels *cancel.Registry, metrics *observe.Metrics, healthHandler *health.Handler, scrape http.Handler) *Server {
	return &Server{
		newContext: factory,
		cancels:    cancels,
		metrics:    metrics,
		health:     healthHandler,
		scrape:     scrape,
	}
}

// Handler returns the fully routed handler, wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/agent/identify", s.handleIdentifyText)
	mux.HandleFunc("POST /api/agent/identify/stream", s.handleIdentifyTextStream)
	mux.HandleFunc("POST /api/agent/identify-image", s.handleIdentifyImage)
	mux.HandleFunc("POST /api/agent/identify-image/stream", s.handleIdentifyImageStream)
	mux.HandleFunc("POST /api/agent/identify/opus", s.handleIdentifyWithOpus)
	mux.HandleFunc("POST /api/agent/verify-image", s.handleVerifyImage)
	mux.HandleFunc("POST /api/agent/enrich", s.handleEnrich)
	mux.HandleFunc("POST /api/agent/enrich/stream", s.handleEnrichStream)
	mux.HandleFunc("POST /api/agent/clarify-match", s.handleClarifyMatch)
	mux.HandleFunc("POST /api/agent/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/agent/usage", s.handleUsage)

	scrape := s.scrape
	if scrape == nil {
		scrape = promhttp.Handler()
	}
	mux.Handle("GET /metrics", scrape)
	if s.health != nil {
		s.health.Register(mux)
	}

	if s.metrics != nil {
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}

// identity extracts the caller identity from headers. A missing user falls
// back to "anonymous" so usage rows still attribute somewhere.
func identity(r *http.Request) router.Identity {
	id := router.Identity{
		UserID:    r.Header.Get(headerUserID),
		SessionID: r.Header.Get(headerSessionID),
	}
	if id.UserID == "" {
		id.UserID = "anonymous"
	}
	return id
}

// requestID returns the client's request ID, minting one when absent so
// correlation still works.
func requestID(r *http.Request) string {
	if id := r.Header.Get(headerRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

// ─── JSON framing ─────────────────────────────────────────────────────────────

// errorBody is the error envelope of buffered endpoints.
type errorBody struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Type        string `json:"type"`
	UserMessage string `json:"userMessage"`
	Retryable   bool   `json:"retryable"`
	SupportRef  string `json:"supportRef,omitempty"`
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"success":false}`, http.StatusInternalServerError)
	}
}

// writeError classifies err, logs it with a support reference, and writes
// the envelope with the kind's HTTP status.
func writeError(ctx context.Context, w http.ResponseWriter, endpoint string, err error) {
	kind := types.KindOf(err)
	ref := types.SupportRef(kind, endpoint)
	observe.Logger(ctx).Error("request failed",
		"endpoint", endpoint, "kind", string(kind), "support_ref", ref, "err", err)

	writeJSON(w, kind.HTTPStatus(), errorBody{
		Success: false,
		Message: kind.UserMessage(),
		Error: errorDetail{
			Type:        string(kind),
			UserMessage: kind.UserMessage(),
			Retryable:   kind.Retryable(),
			SupportRef:  ref,
		},
	})
}

// decodeBody decodes the JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return types.NewError(types.KindInvalidRequest, "", "request body is not valid JSON")
	}
	return nil
}
