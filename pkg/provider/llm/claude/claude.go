// Package claude provides an LLM provider backed by the Anthropic Messages
// API.
//
// The adapter speaks the REST API directly so streaming, vision, thinking
// budgets, and the web-search server tool compose in a single request. The
// API key travels only in the x-api-key header and never appears in URLs,
// logs, or error envelopes. Anthropic has no response-schema parameter; when
// one is supplied the adapter pins the schema in a system instruction so the
// emitted JSON still matches what the field detector expects.
package claude

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
	// DefaultModel is the balanced model used by identification Tier 2.
	DefaultModel = "claude-sonnet-4-5"

	// DefaultBaseURL is the Anthropic API endpoint root.
	DefaultBaseURL = "https://api.anthropic.com/v1"

	// apiVersion is the pinned anthropic-version header value.
	apiVersion = "2023-06-01"

	// DefaultMaxTokens is the default completion token cap.
	DefaultMaxTokens = 4096

	// DefaultTimeout is the default per-call wall-clock budget.
	DefaultTimeout = 60 * time.Second
)

// siblingModels maps a high-tier model to the sibling tried once when the
// vendor reports 503 or 404 for it.
var siblingModels = map[string]string{
	"claude-opus-4-6":   "claude-sonnet-4-5",
	"claude-opus-4-5":   "claude-sonnet-4-5",
	"claude-sonnet-4-5": "claude-haiku-4-5",
}

// thinkingBudgets maps the capability-neutral thinking levels to Anthropic
// thinking-token budgets. MINIMAL disables extended thinking entirely.
var thinkingBudgets = map[llm.ThinkingLevel]int{
	llm.ThinkingLow:    1024,
	llm.ThinkingMedium: 4096,
	llm.ThinkingHigh:   16384,
}

// Client implements [llm.Provider] for Anthropic Claude.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	maxTokens int
	timeout   time.Duration

	mu    sync.RWMutex
	model string
}

// Config holds configuration for the Claude client.
type Config struct {
	// APIKey is required; a client without one reports unhealthy.
	APIKey string

	// Model to use. Default: [DefaultModel].
	Model string

	// BaseURL overrides the API endpoint root (used by tests).
	BaseURL string

	MaxTokens int           // Default: 4096
	Timeout   time.Duration // Default: 60s
}

// NewClient creates a new Claude client.
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
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
	}
}

// Name returns the provider name.
func (c *Client) Name() string { return "claude" }

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
	switch cap {
	case llm.CapVision, llm.CapTools, llm.CapStreaming, llm.CapGrounding:
		return true
	case llm.CapThinking:
		model := c.Model()
		return strings.Contains(model, "sonnet") || strings.Contains(model, "opus")
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

func (c *Client) buildRequest(model, prompt string, image []byte, mimeType string, opts llm.Options, streaming bool) *messagesRequest {
	blocks := []contentBlock{}
	if len(image) > 0 {
		blocks = append(blocks, contentBlock{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: mimeType,
				Data:      base64.StdEncoding.EncodeToString(image),
			},
		})
	}
	blocks = append(blocks, contentBlock{Type: "text", Text: prompt})

	req := &messagesRequest{
		Model:     model,
		MaxTokens: c.maxTokens,
		Messages:  []message{{Role: "user", Content: blocks}},
		Stream:    streaming,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != 0 {
		t := opts.Temperature
		req.Temperature = &t
	}

	if opts.JSONResponse || opts.ResponseSchema != nil {
		system := "Respond with a single JSON object and nothing else."
		if opts.ResponseSchema != nil {
			if schema, err := json.Marshal(opts.ResponseSchema); err == nil {
				system += " The object must conform to this JSON schema: " + string(schema)
			}
		}
		req.System = system
	}

	if opts.Thinking != "" && opts.Thinking != llm.ThinkingMinimal && c.Supports(llm.CapThinking) {
		if budget, ok := thinkingBudgets[opts.Thinking]; ok {
			req.Thinking = &thinking{Type: "enabled", BudgetTokens: budget}
		}
	}

	for _, t := range opts.Tools {
		if t.IsGoogleSearch() {
			// Grounding maps to the Anthropic web-search server tool.
			req.Tools = append(req.Tools, tool{
				Type:    "web_search_20250305",
				Name:    "web_search",
				MaxUses: 3,
			})
			continue
		}
		req.Tools = append(req.Tools, tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return req
}

func (c *Client) newHTTPRequest(ctx context.Context, body *messagesRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("claude: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("claude: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	return req, nil
}

// ─── Buffered path ────────────────────────────────────────────────────────────

func (c *Client) complete(ctx context.Context, prompt string, image []byte, mimeType string, opts llm.Options) (*llm.Response, error) {
	model := c.Model()
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, status, err := c.doJSON(ctx, c.buildRequest(model, prompt, image, mimeType, opts, false))
	if err != nil && (status == http.StatusServiceUnavailable || status == http.StatusNotFound) {
		if sibling, ok := siblingModels[model]; ok {
			// Single-shot sibling fallback; drop thinking if the sibling
			// lacks the capability.
			req := c.buildRequest(sibling, prompt, image, mimeType, opts, false)
			if !strings.Contains(sibling, "sonnet") && !strings.Contains(sibling, "opus") {
				req.Thinking = nil
			}
			model = sibling
			resp, _, err = c.doJSON(ctx, req)
		}
	}
	if err != nil {
		return nil, err
	}

	out, err := toResponse(resp, model)
	if err != nil {
		return nil, err
	}
	out.Latency = time.Since(start)
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, body *messagesRequest) (*messagesResponse, int, error) {
	req, err := c.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, 0, err
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, types.WrapError(types.ClassifyTransport(err), "claude", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, httpResp.StatusCode, types.WrapError(types.ClassifyTransport(err), "claude", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		kind := types.ClassifyHTTP(httpResp.StatusCode, string(raw))
		return nil, httpResp.StatusCode, types.NewError(kind, "claude",
			fmt.Sprintf("API error (status %d)", httpResp.StatusCode))
	}

	var resp messagesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, httpResp.StatusCode, types.WrapError(types.KindInvalidResponse, "claude", err)
	}
	if resp.Error != nil {
		return nil, httpResp.StatusCode, types.NewError(types.KindServerError, "claude", resp.Error.Message)
	}
	return &resp, httpResp.StatusCode, nil
}

// toResponse selects the payload block: the first text block whose trimmed
// text begins with '{' or '[', otherwise the last non-empty text block.
func toResponse(resp *messagesResponse, model string) (*llm.Response, error) {
	var last string
	content := ""
	for _, b := range resp.Content {
		if b.Type != "text" || b.Text == "" {
			continue
		}
		trimmed := strings.TrimSpace(b.Text)
		if content == "" && (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) {
			content = b.Text
		}
		last = b.Text
	}
	if content == "" {
		content = last
	}
	if content == "" {
		return nil, types.NewError(types.KindInvalidResponse, "claude", "empty content")
	}

	return &llm.Response{
		Content:      content,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      calculateCost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Provider:     "claude",
		Model:        model,
	}, nil
}

// ─── Streaming path ───────────────────────────────────────────────────────────

// stream drives the SSE response through the field detector. Each received
// chunk re-checks the context so a client cancel aborts the in-flight call
// within one read slice.
func (c *Client) stream(ctx context.Context, prompt string, image []byte, mimeType string, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	model := c.Model()
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newHTTPRequest(ctx, c.buildRequest(model, prompt, image, mimeType, opts, true))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.WrapError(types.ClassifyTransport(err), "claude", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(httpResp.Body)
		kind := types.ClassifyHTTP(httpResp.StatusCode, string(raw))
		return nil, types.NewError(kind, "claude",
			fmt.Sprintf("API error (status %d)", httpResp.StatusCode))
	}

	var (
		ttfb         time.Duration
		fieldTimings = make(map[string]time.Duration)
		u            usage
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
			return nil, types.WrapError(types.KindTimeout, "claude", err)
		}
		n, readErr := httpResp.Body.Read(buf)
		if n > 0 {
			if ttfb == 0 {
				ttfb = time.Since(start)
			}
			for _, payload := range parser.Feed(buf[:n]) {
				if err := consumeEvent(payload, detector, &u); err != nil {
					return nil, err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				break loop
			}
			return nil, types.WrapError(types.ClassifyTransport(readErr), "claude", readErr)
		}
	}
	for _, payload := range parser.Flush() {
		if err := consumeEvent(payload, detector, &u); err != nil {
			return nil, err
		}
	}

	text := detector.Buffer()
	if strings.TrimSpace(text) == "" {
		return nil, types.NewError(types.KindInvalidResponse, "claude", "empty stream")
	}

	return &llm.StreamingResponse{
		Response: llm.Response{
			Content:      text,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			CostUSD:      calculateCost(model, u.InputTokens, u.OutputTokens),
			Latency:      time.Since(start),
			Provider:     "claude",
			Model:        model,
		},
		Streamed:     true,
		TTFB:         ttfb,
		FieldTimings: fieldTimings,
	}, nil
}

// consumeEvent folds one parsed SSE payload into the detector and usage
// accumulator.
func consumeEvent(payload json.RawMessage, detector *streamjson.FieldDetector, u *usage) error {
	var ev streamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil // skip malformed chunks, keep the stream alive
	}
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			u.InputTokens = ev.Message.Usage.InputTokens
		}
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" {
			detector.Write(ev.Delta.Text)
		}
	case "message_delta":
		if ev.Usage != nil {
			u.OutputTokens = ev.Usage.OutputTokens
		}
	case "error":
		msg := "stream error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		return types.NewError(types.KindServerError, "claude", msg)
	}
	return nil
}

// ─── Cost ─────────────────────────────────────────────────────────────────────

// calculateCost estimates the cost in USD from the per-model rate table
// (input $/Mtok, output $/Mtok). Unknown models use conservative flagship
// pricing.
func calculateCost(model string, inputTokens, outputTokens int) float64 {
	var inPerM, outPerM float64
	switch {
	case strings.Contains(model, "opus"):
		inPerM, outPerM = 15.00, 75.00
	case strings.Contains(model, "sonnet"):
		inPerM, outPerM = 3.00, 15.00
	case strings.Contains(model, "haiku"):
		inPerM, outPerM = 0.80, 4.00
	default:
		inPerM, outPerM = 15.00, 75.00
	}
	return (float64(inputTokens)*inPerM + float64(outputTokens)*outPerM) / 1e6
}

// Compile-time interface check.
var _ llm.Provider = (*Client)(nil)
