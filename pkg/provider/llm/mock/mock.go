// Package mock provides a scriptable in-memory [llm.Provider] for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/philhumber/vintner/internal/streamjson"
	"github.com/philhumber/vintner/pkg/provider/llm"
	"github.com/philhumber/vintner/pkg/types"
)

// Call records one invocation of the mock.
type Call struct {
	Method string // "complete", "completeImage", "stream", "streamImage"
	Prompt string
	Opts   llm.Options
}

// Step scripts one response. Either Content or Err is consumed per call, in
// order; when the script is exhausted the last step repeats.
type Step struct {
	Content string
	Err     error

	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Provider is a scriptable mock. The zero value answers every call with an
// empty JSON object; use [Provider.Script] to enqueue responses.
type Provider struct {
	ProviderName string
	ModelName    string

	// Caps lists the capabilities the mock advertises. Nil means all.
	Caps []llm.Capability

	// Unhealthy makes IsHealthy report false.
	Unhealthy bool

	mu    sync.Mutex
	steps []Step
	next  int
	calls []Call
}

// Script enqueues response steps.
func (p *Provider) Script(steps ...Step) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, steps...)
	return p
}

// Calls returns a copy of the recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many times the mock was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *Provider) step(method, prompt string, opts llm.Options) Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Method: method, Prompt: prompt, Opts: opts})
	if len(p.steps) == 0 {
		return Step{Content: "{}"}
	}
	s := p.steps[p.next]
	if p.next < len(p.steps)-1 {
		p.next++
	}
	return s
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Model implements llm.Provider.
func (p *Provider) Model() string {
	if p.ModelName == "" {
		return "mock-model"
	}
	return p.ModelName
}

// SetModel implements llm.Provider.
func (p *Provider) SetModel(model string) { p.ModelName = model }

// IsHealthy implements llm.Provider.
func (p *Provider) IsHealthy() bool { return !p.Unhealthy }

// Supports implements llm.Provider.
func (p *Provider) Supports(cap llm.Capability) bool {
	if p.Caps == nil {
		return true
	}
	for _, c := range p.Caps {
		if c == cap {
			return true
		}
	}
	return false
}

func (p *Provider) respond(s Step) (*llm.Response, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return &llm.Response{
		Content:      s.Content,
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
		CostUSD:      s.CostUSD,
		Latency:      time.Millisecond,
		Provider:     p.Name(),
		Model:        p.Model(),
	}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.KindTimeout, p.Name(), err)
	}
	return p.respond(p.step("complete", prompt, opts))
}

// CompleteWithImage implements llm.Provider.
func (p *Provider) CompleteWithImage(ctx context.Context, prompt string, _ []byte, _ string, opts llm.Options) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.KindTimeout, p.Name(), err)
	}
	return p.respond(p.step("completeImage", prompt, opts))
}

// streamStep runs the scripted content through a real field detector so tests
// exercise the same emission path as production streaming.
func (p *Provider) streamStep(ctx context.Context, method, prompt string, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.KindTimeout, p.Name(), err)
	}
	s := p.step(method, prompt, opts)
	if s.Err != nil {
		return nil, s.Err
	}

	fieldTimings := make(map[string]time.Duration)
	detector := streamjson.NewFieldDetector(func(name string, value any) {
		fieldTimings[name] = time.Millisecond
		if onField != nil {
			onField(name, value)
		}
	})
	detector.Write(s.Content)

	resp, err := p.respond(s)
	if err != nil {
		return nil, err
	}
	return &llm.StreamingResponse{
		Response:     *resp,
		Streamed:     true,
		TTFB:         time.Millisecond,
		FieldTimings: fieldTimings,
	}, nil
}

// StreamComplete implements llm.Provider.
func (p *Provider) StreamComplete(ctx context.Context, prompt string, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	return p.streamStep(ctx, "stream", prompt, opts, onField)
}

// StreamCompleteWithImage implements llm.Provider.
func (p *Provider) StreamCompleteWithImage(ctx context.Context, prompt string, _ []byte, _ string, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	return p.streamStep(ctx, "streamImage", prompt, opts, onField)
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)
