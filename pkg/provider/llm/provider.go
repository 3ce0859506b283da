// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote model API (e.g., Google Gemini, Anthropic
// Claude, or OpenAI) and exposes a uniform interface for the Vintner router to
// perform buffered and streaming completions, vision requests, and capability
// queries without coupling to any specific SDK or wire format.
//
// Implementors must be safe for concurrent use. Streaming methods invoke the
// supplied field callback from the goroutine driving the stream; callbacks
// must be fast and must not block.
package llm

import (
	"context"
	"time"
)

// Capability enumerates optional provider/model features. Callers should
// check Supports before relying on a capability; options that require an
// unsupported capability are silently dropped by adapters.
type Capability string

const (
	// CapVision means the model accepts image inputs.
	CapVision Capability = "vision"

	// CapTools means the model supports function/tool declarations.
	CapTools Capability = "tools"

	// CapStreaming means the model can stream completions.
	CapStreaming Capability = "streaming"

	// CapGrounding means the model can answer with a live web-search tool.
	CapGrounding Capability = "grounding"

	// CapThinking means the model accepts an extended-reasoning budget.
	CapThinking Capability = "thinking"
)

// ThinkingLevel selects the extended-reasoning budget for models that
// advertise CapThinking. Adapters silently drop it otherwise.
type ThinkingLevel string

const (
	ThinkingMinimal ThinkingLevel = "MINIMAL"
	ThinkingLow     ThinkingLevel = "LOW"
	ThinkingMedium  ThinkingLevel = "MEDIUM"
	ThinkingHigh    ThinkingLevel = "HIGH"
)

// GoogleSearch is the sentinel tool name enabling grounded retrieval on
// providers that support it.
const GoogleSearch = "google_search"

// Tool is either a function declaration offered to the model or, when Name
// is [GoogleSearch] and Parameters is nil, the grounding sentinel.
type Tool struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// IsGoogleSearch reports whether this tool is the grounding sentinel.
func (t Tool) IsGoogleSearch() bool {
	return t.Name == GoogleSearch && t.Parameters == nil
}

// Options carries the per-call knobs recognised by every adapter. The zero
// value requests provider defaults.
type Options struct {
	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// JSONResponse requests structured JSON output.
	JSONResponse bool

	// ResponseSchema is an opaque JSON schema the provider must constrain
	// output to when streaming. Implies JSONResponse.
	ResponseSchema map[string]any

	// Thinking selects the extended-reasoning budget. Applied only to models
	// advertising CapThinking; silently dropped otherwise.
	Thinking ThinkingLevel

	// Tools is the set of function declarations offered to the model, or the
	// [GoogleSearch] sentinel enabling grounded retrieval.
	Tools []Tool

	// Timeout is the per-call wall-clock budget. Zero means the adapter's
	// configured default.
	Timeout time.Duration

	// Provider and Model are explicit routing overrides used by higher
	// escalation tiers. Interpreted by the router, not by adapters.
	Provider string
	Model    string
}

// Response is the result of a buffered completion.
type Response struct {
	// Content is the raw model text selected as the payload.
	Content string

	// Token accounting for this call. Counts are in the model's native unit.
	InputTokens  int
	OutputTokens int

	// CostUSD is the estimated cost of this call from the adapter's
	// per-model rate table.
	CostUSD float64

	// Latency is the wall-clock duration of the call.
	Latency time.Duration

	// Provider and Model identify what actually served the call (after any
	// in-provider sibling fallback).
	Provider string
	Model    string
}

// StreamingResponse extends Response with streaming-specific timings.
type StreamingResponse struct {
	Response

	// Streamed is false when the call was served by the buffered fallback
	// path with synthesised field callbacks.
	Streamed bool

	// TTFB is the time between request dispatch and the first byte of model
	// output. Perceived latency is dominated by this number.
	TTFB time.Duration

	// FieldTimings records when each top-level field completed, relative to
	// request dispatch.
	FieldTimings map[string]time.Duration
}

// FieldCallback is invoked exactly once per completed top-level field of a
// streaming JSON response, in model emission order.
type FieldCallback func(field string, value any)

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: when ctx is cancelled mid-stream the in-flight
// request is aborted and the method returns.
type Provider interface {
	// Name returns the provider identifier (e.g., "gemini", "claude").
	Name() string

	// Model returns the currently selected model identifier.
	Model() string

	// SetModel overrides the model for subsequent calls. Used by the router
	// when a tier forces a specific model.
	SetModel(model string)

	// Supports reports whether the current model advertises cap.
	Supports(cap Capability) bool

	// IsHealthy reports whether the provider is usable (credentials present
	// and no fatal configuration error).
	IsHealthy() bool

	// Complete sends prompt to the model and waits for the full response.
	Complete(ctx context.Context, prompt string, opts Options) (*Response, error)

	// CompleteWithImage is Complete with an attached image. The adapter
	// returns a kind unsupported_capability error when the model lacks
	// CapVision.
	CompleteWithImage(ctx context.Context, prompt string, image []byte, mimeType string, opts Options) (*Response, error)

	// StreamComplete streams a completion, invoking onField once per
	// completed top-level JSON field. The returned response carries the
	// fully accumulated content.
	StreamComplete(ctx context.Context, prompt string, opts Options, onField FieldCallback) (*StreamingResponse, error)

	// StreamCompleteWithImage is StreamComplete with an attached image.
	StreamCompleteWithImage(ctx context.Context, prompt string, image []byte, mimeType string, opts Options, onField FieldCallback) (*StreamingResponse, error)
}
