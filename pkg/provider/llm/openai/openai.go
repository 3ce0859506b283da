// Package openai provides an LLM provider backed by the OpenAI API.
//
// Unlike the Gemini and Claude adapters this one goes through the official
// SDK: OpenAI has no response-schema streaming or grounding surface the SDK
// would hide, so the wrapper costs nothing. Grounding and thinking options
// are silently dropped; callers that need them check Supports first.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/philhumber/vintner/internal/streamjson"
	"github.com/philhumber/vintner/pkg/provider/llm"
	"github.com/philhumber/vintner/pkg/types"
)

const (
	// DefaultModel is the default chat model.
	DefaultModel = "gpt-4o"

	// DefaultMaxTokens is the default completion token cap.
	DefaultMaxTokens = 4096

	// DefaultTimeout is the default per-call wall-clock budget.
	DefaultTimeout = 60 * time.Second
)

// Provider implements [llm.Provider] using the OpenAI API.
type Provider struct {
	client    oai.Client
	apiKey    string
	maxTokens int
	timeout   time.Duration

	mu    sync.RWMutex
	model string
}

// Config holds configuration for the OpenAI provider.
type Config struct {
	// APIKey is required; a provider without one reports unhealthy.
	APIKey string

	// Model to use. Default: [DefaultModel].
	Model string

	// BaseURL overrides the default OpenAI API base URL.
	BaseURL string

	MaxTokens int           // Default: 4096
	Timeout   time.Duration // Default: 60s
}

// New constructs a new OpenAI provider.
func New(cfg Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:    oai.NewClient(reqOpts...),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return "openai" }

// Model returns the currently selected model identifier.
func (p *Provider) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

// SetModel overrides the model for subsequent calls.
func (p *Provider) SetModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = model
}

// IsHealthy reports whether the provider has credentials.
func (p *Provider) IsHealthy() bool { return p.apiKey != "" }

// Supports reports capability support for the current model.
func (p *Provider) Supports(cap llm.Capability) bool {
	model := strings.ToLower(p.Model())
	switch cap {
	case llm.CapStreaming, llm.CapTools:
		return true
	case llm.CapVision:
		return strings.HasPrefix(model, "gpt-4o") ||
			strings.HasPrefix(model, "gpt-4.1") ||
			strings.HasPrefix(model, "gpt-5") ||
			strings.HasPrefix(model, "o3")
	case llm.CapGrounding, llm.CapThinking:
		return false
	default:
		return false
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	return p.complete(ctx, prompt, nil, "", opts)
}

// CompleteWithImage implements llm.Provider.
func (p *Provider) CompleteWithImage(ctx context.Context, prompt string, image []byte, mimeType string, opts llm.Options) (*llm.Response, error) {
	if !p.Supports(llm.CapVision) {
		return nil, types.NewError(types.KindUnsupportedCapability, "openai",
			fmt.Sprintf("model %q does not accept images", p.Model()))
	}
	return p.complete(ctx, prompt, image, mimeType, opts)
}

// StreamComplete implements llm.Provider.
func (p *Provider) StreamComplete(ctx context.Context, prompt string, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	return p.stream(ctx, prompt, nil, "", opts, onField)
}

// StreamCompleteWithImage implements llm.Provider.
func (p *Provider) StreamCompleteWithImage(ctx context.Context, prompt string, image []byte, mimeType string, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	if !p.Supports(llm.CapVision) {
		return nil, types.NewError(types.KindUnsupportedCapability, "openai",
			fmt.Sprintf("model %q does not accept images", p.Model()))
	}
	return p.stream(ctx, prompt, image, mimeType, opts, onField)
}

// buildParams converts one call into OpenAI SDK params.
func (p *Provider) buildParams(model, prompt string, image []byte, mimeType string, opts llm.Options) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion

	if opts.JSONResponse || opts.ResponseSchema != nil {
		system := "Respond with a single JSON object and nothing else."
		messages = append(messages, oai.SystemMessage(system))
	}

	if len(image) > 0 {
		dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))
		user := oai.ChatCompletionUserMessageParam{}
		user.Content.OfArrayOfContentParts = []oai.ChatCompletionContentPartUnionParam{
			{OfText: &oai.ChatCompletionContentPartTextParam{Text: prompt}},
			{OfImageURL: &oai.ChatCompletionContentPartImageParam{
				ImageURL: oai.ChatCompletionContentPartImageImageURLParam{URL: dataURL},
			}},
		}
		messages = append(messages, oai.ChatCompletionMessageParamUnion{OfUser: &user})
	} else {
		messages = append(messages, oai.UserMessage(prompt))
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	maxTokens := p.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	if opts.Temperature != 0 {
		params.Temperature = param.NewOpt(opts.Temperature)
	}
	if opts.JSONResponse || opts.ResponseSchema != nil {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	for _, t := range opts.Tools {
		if t.IsGoogleSearch() {
			continue // no grounding surface; dropped silently
		}
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return params
}

// complete performs a buffered chat completion.
func (p *Provider) complete(ctx context.Context, prompt string, image []byte, mimeType string, opts llm.Options) (*llm.Response, error) {
	model := p.Model()
	timeout := p.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(model, prompt, image, mimeType, opts))
	if err != nil {
		return nil, classifySDKError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, types.NewError(types.KindInvalidResponse, "openai", "empty choices in response")
	}

	in, out := int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens)
	return &llm.Response{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      calculateCost(model, in, out),
		Latency:      time.Since(start),
		Provider:     "openai",
		Model:        model,
	}, nil
}

// stream drives the SDK stream through the field detector.
func (p *Provider) stream(ctx context.Context, prompt string, image []byte, mimeType string, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	model := p.Model()
	timeout := p.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := p.buildParams(model, prompt, image, mimeType, opts)
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	start := time.Now()
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	if err := stream.Err(); err != nil {
		return nil, classifySDKError(err)
	}

	var (
		ttfb         time.Duration
		fieldTimings = make(map[string]time.Duration)
		inTok, outTok int
	)
	detector := streamjson.NewFieldDetector(func(name string, value any) {
		fieldTimings[name] = time.Since(start)
		if onField != nil {
			onField(name, value)
		}
	})

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return nil, types.WrapError(types.KindTimeout, "openai", err)
		}
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			inTok = int(chunk.Usage.PromptTokens)
			outTok = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			if ttfb == 0 {
				ttfb = time.Since(start)
			}
			detector.Write(text)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classifySDKError(err)
	}

	text := detector.Buffer()
	if strings.TrimSpace(text) == "" {
		return nil, types.NewError(types.KindInvalidResponse, "openai", "empty stream")
	}

	return &llm.StreamingResponse{
		Response: llm.Response{
			Content:      text,
			InputTokens:  inTok,
			OutputTokens: outTok,
			CostUSD:      calculateCost(model, inTok, outTok),
			Latency:      time.Since(start),
			Provider:     "openai",
			Model:        model,
		},
		Streamed:     true,
		TTFB:         ttfb,
		FieldTimings: fieldTimings,
	}, nil
}

// classifySDKError maps an openai-go error onto the shared taxonomy.
func classifySDKError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		kind := types.ClassifyHTTP(apiErr.StatusCode, apiErr.Message)
		return types.NewError(kind, "openai", fmt.Sprintf("API error (status %d)", apiErr.StatusCode))
	}
	return types.WrapError(types.ClassifyTransport(err), "openai", err)
}

// calculateCost estimates the cost in USD from the per-model rate table
// (input $/Mtok, output $/Mtok). Unknown models use conservative flagship
// pricing.
func calculateCost(model string, inputTokens, outputTokens int) float64 {
	var inPerM, outPerM float64
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o-mini"):
		inPerM, outPerM = 0.15, 0.60
	case strings.HasPrefix(lower, "gpt-4o"):
		inPerM, outPerM = 2.50, 10.00
	case strings.HasPrefix(lower, "gpt-4.1-mini"):
		inPerM, outPerM = 0.40, 1.60
	case strings.HasPrefix(lower, "gpt-4.1"):
		inPerM, outPerM = 2.00, 8.00
	case strings.HasPrefix(lower, "o3"):
		inPerM, outPerM = 2.00, 8.00
	default:
		inPerM, outPerM = 2.50, 10.00
	}
	return (float64(inputTokens)*inPerM + float64(outputTokens)*outPerM) / 1e6
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)
