// Package gemini provides an LLM provider backed by the Google Generative
// Language API.
//
// The adapter speaks the REST API directly rather than through an SDK: the
// uniform contract needs response-schema constrained streaming, thinking
// budgets, and google_search grounding in one request, which the wrapper
// libraries do not expose together. The API key travels only in the
// x-goog-api-key header and never appears in URLs, logs, or error envelopes.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/philhumber/vintner/internal/streamjson"
	"github.com/philhumber/vintner/pkg/provider/llm"
	"github.com/philhumber/vintner/pkg/types"
)

const (
	// DefaultModel is the fast flash model used by identification Tier 1.
	DefaultModel = "gemini-2.5-flash"

	// DefaultBaseURL is the Generative Language API endpoint root.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultMaxTokens is the default completion token cap.
	DefaultMaxTokens = 8192

	// DefaultTimeout is the default per-call wall-clock budget.
	DefaultTimeout = 60 * time.Second
)

// siblingModels maps a high-tier model to the sibling tried once when the
// vendor reports 503 or 404 for it. A single-shot sibling fallback is not
// counted as a retry.
var siblingModels = map[string]string{
	"gemini-2.5-pro":       "gemini-2.5-flash",
	"gemini-3-pro-preview": "gemini-2.5-pro",
}

// thinkingBudgets maps the capability-neutral thinking levels to Gemini
// thinking-token budgets.
var thinkingBudgets = map[llm.ThinkingLevel]int{
	llm.ThinkingMinimal: 0,
	llm.ThinkingLow:     1024,
	llm.ThinkingMedium:  4096,
	llm.ThinkingHigh:    16384,
}

// Client implements [llm.Provider] for Google Gemini.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	maxTokens   int
	temperature float64
	timeout     time.Duration

	mu    sync.RWMutex
	model string
}

// Config holds configuration for the Gemini client.
type Config struct {
	// APIKey is required; a client without one reports unhealthy.
	APIKey string

	// Model to use. Default: [DefaultModel].
	Model string

	// BaseURL overrides the API endpoint root (used by tests).
	BaseURL string

	MaxTokens   int           // Default: 8192
	Temperature float64       // Default: provider default
	Timeout     time.Duration // Default: 60s
}

// NewClient creates a new Gemini client.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		httpClient:  &http.Client{},
	}
}

// Name returns the provider name.
func (c *Client) Name() string { return "gemini" }

// Model returns the currently selected model identifier.
func (c *Client) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// SetModel overrides the model for subsequent calls.
func (c *Client) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// IsHealthy reports whether the client has credentials.
func (c *Client) IsHealthy() bool { return c.apiKey != "" }

// Supports reports capability support for the current model.
func (c *Client) Supports(cap llm.Capability) bool {
	model := c.Model()
	switch cap {
	case llm.CapVision, llm.CapTools, llm.CapStreaming, llm.CapGrounding:
		return true
	case llm.CapThinking:
		// The 2.5/3 generations accept a thinking budget.
		return strings.HasPrefix(model, "gemini-2.5") || strings.HasPrefix(model, "gemini-3")
	default:
		return false
	}
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	return c.complete(ctx, prompt, nil, "", opts)
}

// CompleteWithImage implements llm.Provider.
func (c *Client) CompleteWithImage(ctx context.Context, prompt string, image []byte, mimeType string, opts llm.Options) (*llm.Response, error) {
	return c.complete(ctx, prompt, image, mimeType, opts)
}

// StreamComplete implements llm.Provider.
func (c *Client) StreamComplete(ctx context.Context, prompt string, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	return c.stream(ctx, prompt, nil, "", opts, onField)
}

// StreamCompleteWithImage implements llm.Provider.
func (c *Client) StreamCompleteWithImage(ctx context.Context, prompt string, image []byte, mimeType string, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	return c.stream(ctx, prompt, image, mimeType, opts, onField)
}

// ─── Request construction ─────────────────────────────────────────────────────

// buildRequest assembles the wire request for one call. Unsupported options
// are dropped silently to keep higher layers vendor-agnostic.
func (c *Client) buildRequest(model, prompt string, image []byte, mimeType string, opts llm.Options) *generateContentRequest {
	parts := []part{{Text: prompt}}
	if len(image) > 0 {
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(image),
		}})
	}

	gc := &generationConfig{MaxOutputTokens: c.maxTokens}
	if opts.MaxTokens > 0 {
		gc.MaxOutputTokens = opts.MaxTokens
	}
	temp := c.temperature
	if opts.Temperature != 0 {
		temp = opts.Temperature
	}
	if temp != 0 {
		gc.Temperature = &temp
	}
	if opts.JSONResponse || opts.ResponseSchema != nil {
		gc.ResponseMimeType = "application/json"
		gc.ResponseSchema = opts.ResponseSchema
	}
	if opts.Thinking != "" && c.modelSupportsThinking(model) {
		if budget, ok := thinkingBudgets[opts.Thinking]; ok {
			gc.ThinkingConfig = &thinkingConfig{ThinkingBudget: budget}
		}
	}

	req := &generateContentRequest{
		Contents:         []content{{Role: "user", Parts: parts}},
		GenerationConfig: gc,
	}

	var decls []functionDeclaration
	for _, t := range opts.Tools {
		if t.IsGoogleSearch() {
			req.Tools = append(req.Tools, tool{GoogleSearch: &struct{}{}})
			continue
		}
		decls = append(decls, functionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if len(decls) > 0 {
		req.Tools = append(req.Tools, tool{FunctionDeclarations: decls})
	}
	return req
}

func (c *Client) modelSupportsThinking(model string) bool {
	return strings.HasPrefix(model, "gemini-2.5") || strings.HasPrefix(model, "gemini-3")
}

// newHTTPRequest builds the POST for one API verb against one model.
func (c *Client) newHTTPRequest(ctx context.Context, model, verb string, body *generateContentRequest, sse bool) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:%s", c.baseURL, model, verb)
	if sse {
		url += "?alt=sse"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)
	return req, nil
}

// ─── Buffered path ────────────────────────────────────────────────────────────

// complete performs a buffered call, trying the sibling model once when the
// vendor rejects a high-tier model with 503 or 404.
func (c *Client) complete(ctx context.Context, prompt string, image []byte, mimeType string, opts llm.Options) (*llm.Response, error) {
	model := c.Model()
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, status, err := c.doJSON(ctx, model, prompt, image, mimeType, opts)
	if err != nil && shouldTrySibling(status) {
		if sibling, ok := siblingModels[model]; ok {
			model = sibling
			resp, _, err = c.doJSON(ctx, model, prompt, image, mimeType, opts)
		}
	}
	if err != nil {
		return nil, err
	}

	out, err := c.toResponse(resp, model)
	if err != nil {
		return nil, err
	}
	out.Latency = time.Since(start)
	return out, nil
}

// doJSON executes one buffered request and decodes the body.
func (c *Client) doJSON(ctx context.Context, model, prompt string, image []byte, mimeType string, opts llm.Options) (*generateContentResponse, int, error) {
	body := c.buildRequest(model, prompt, image, mimeType, opts)
	req, err := c.newHTTPRequest(ctx, model, "generateContent", body, false)
	if err != nil {
		return nil, 0, err
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		kind := types.ClassifyTransport(err)
		return nil, 0, types.WrapError(kind, "gemini", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, httpResp.StatusCode, types.WrapError(types.ClassifyTransport(err), "gemini", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		kind := types.ClassifyHTTP(httpResp.StatusCode, string(raw))
		return nil, httpResp.StatusCode, types.NewError(kind, "gemini",
			fmt.Sprintf("API error (status %d)", httpResp.StatusCode))
	}

	var resp generateContentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, httpResp.StatusCode, types.WrapError(types.KindInvalidResponse, "gemini", err)
	}
	if resp.Error != nil {
		kind := types.ClassifyHTTP(resp.Error.Code, resp.Error.Message)
		return nil, resp.Error.Code, types.NewError(kind, "gemini", resp.Error.Message)
	}
	return &resp, httpResp.StatusCode, nil
}

// toResponse converts a wire response, selecting the JSON payload part when
// the model emitted several (thinking plus final): the first part whose
// trimmed text begins with '{' or '[', otherwise the last non-empty part.
func (c *Client) toResponse(resp *generateContentResponse, model string) (*llm.Response, error) {
	if len(resp.Candidates) == 0 {
		return nil, types.NewError(types.KindInvalidResponse, "gemini", "no candidates in response")
	}

	content := selectPayload(resp.Candidates[0].Content.Parts)
	if content == "" {
		return nil, types.NewError(types.KindInvalidResponse, "gemini", "empty content")
	}

	out := &llm.Response{
		Content:  content,
		Provider: "gemini",
		Model:    model,
	}
	if um := resp.UsageMetadata; um != nil {
		out.InputTokens = um.PromptTokenCount
		out.OutputTokens = um.CandidatesTokenCount
		out.CostUSD = calculateCost(model, um.PromptTokenCount, um.CandidatesTokenCount)
	}
	return out, nil
}

// selectPayload picks the payload part from a multi-part candidate.
func selectPayload(parts []part) string {
	var last string
	for _, p := range parts {
		if p.Thought || p.Text == "" {
			continue
		}
		trimmed := strings.TrimSpace(p.Text)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			return p.Text
		}
		last = p.Text
	}
	return last
}

// shouldTrySibling reports whether the failed status qualifies for the
// single-shot in-provider model fallback.
func shouldTrySibling(status int) bool {
	return status == http.StatusServiceUnavailable || status == http.StatusNotFound
}

// ─── Streaming path ───────────────────────────────────────────────────────────

// stream performs a streaming call against :streamGenerateContent, feeding
// each SSE chunk through the field detector so onField fires as soon as each
// top-level field of the model's JSON output is complete. Context
// cancellation aborts the in-flight read; the response body read loop
// observes it once per chunk.
func (c *Client) stream(ctx context.Context, prompt string, image []byte, mimeType string, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	model := c.Model()
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := c.buildRequest(model, prompt, image, mimeType, opts)
	req, err := c.newHTTPRequest(ctx, model, "streamGenerateContent", body, true)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.WrapError(types.ClassifyTransport(err), "gemini", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(httpResp.Body)
		kind := types.ClassifyHTTP(httpResp.StatusCode, string(raw))
		return nil, types.NewError(kind, "gemini",
			fmt.Sprintf("API error (status %d)", httpResp.StatusCode))
	}

	var (
		ttfb         time.Duration
		fieldTimings = make(map[string]time.Duration)
		usage        usageMetadata
	)
	detector := streamjson.NewFieldDetector(func(name string, value any) {
		fieldTimings[name] = time.Since(start)
		if onField != nil {
			onField(name, value)
		}
	})
	parser := streamjson.NewSSEParser()

	buf := make([]byte, 8<<10)
loop:
	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				// Client cancel: keep what already arrived as a partial
				// result; the call itself still counts as successful.
				break loop
			}
			return nil, types.WrapError(types.KindTimeout, "gemini", err)
		}
		n, readErr := httpResp.Body.Read(buf)
		if n > 0 {
			if ttfb == 0 {
				ttfb = time.Since(start)
			}
			for _, payload := range parser.Feed(buf[:n]) {
				c.consumeChunk(payload, detector, &usage)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				break loop
			}
			return nil, types.WrapError(types.ClassifyTransport(readErr), "gemini", readErr)
		}
	}
	for _, payload := range parser.Flush() {
		c.consumeChunk(payload, detector, &usage)
	}

	text := detector.Buffer()
	if strings.TrimSpace(text) == "" {
		return nil, types.NewError(types.KindInvalidResponse, "gemini", "empty stream")
	}

	return &llm.StreamingResponse{
		Response: llm.Response{
			Content:      text,
			InputTokens:  usage.PromptTokenCount,
			OutputTokens: usage.CandidatesTokenCount,
			CostUSD:      calculateCost(model, usage.PromptTokenCount, usage.CandidatesTokenCount),
			Latency:      time.Since(start),
			Provider:     "gemini",
			Model:        model,
		},
		Streamed:     true,
		TTFB:         ttfb,
		FieldTimings: fieldTimings,
	}, nil
}

// consumeChunk folds one parsed SSE payload into the detector and usage
// accumulator. Malformed chunks are skipped; the stream continues.
func (c *Client) consumeChunk(payload json.RawMessage, detector *streamjson.FieldDetector, usage *usageMetadata) {
	var chunk generateContentResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return
	}
	for _, cand := range chunk.Candidates {
		for _, p := range cand.Content.Parts {
			if p.Thought || p.Text == "" {
				continue
			}
			detector.Write(p.Text)
		}
	}
	if um := chunk.UsageMetadata; um != nil && um.TotalTokenCount > 0 {
		*usage = *um
	}
}

// ─── Cost ─────────────────────────────────────────────────────────────────────

// calculateCost estimates the cost in USD from the per-model rate table
// (input $/Mtok, output $/Mtok). Unknown models use conservative flagship
// pricing so budget enforcement errs on the safe side.
func calculateCost(model string, inputTokens, outputTokens int) float64 {
	var inPerM, outPerM float64
	switch {
	case strings.HasPrefix(model, "gemini-3-pro"):
		inPerM, outPerM = 3.00, 15.00
	case strings.HasPrefix(model, "gemini-2.5-pro"):
		inPerM, outPerM = 1.875, 12.50
	case strings.HasPrefix(model, "gemini-2.5-flash-lite"):
		inPerM, outPerM = 0.10, 0.40
	case strings.HasPrefix(model, "gemini-2.5-flash"):
		inPerM, outPerM = 0.30, 2.50
	default:
		inPerM, outPerM = 3.00, 15.00
	}
	return (float64(inputTokens)*inPerM + float64(outputTokens)*outPerM) / 1e6
}

// Compile-time interface check.
var _ llm.Provider = (*Client)(nil)
