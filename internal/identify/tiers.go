package identify

import (
	"time"

	"github.com/philhumber/vintner/internal/config"
	"github.com/philhumber/vintner/pkg/provider/llm"
)

// Tier keys recognised in configuration.
const (
	TierKey1Stream   = "tier1_stream"
	TierKey1Fallback = "tier1_fallback"
	TierKey15        = "tier1_5"
	TierKey2         = "tier2"
	TierKey3         = "tier3"
)

// tierDef is one rung of the escalation ladder after config resolution.
type tierDef struct {
	// Key is the configuration key; Label is what appears in escalation
	// paths and analytics.
	Key   string
	Label string

	Provider string
	Model    string
	Thinking llm.ThinkingLevel

	// Grounded enables the web-search tool for this tier.
	Grounded bool

	Timeout time.Duration
}

// defaultTiers is the built-in ladder: a fast flash model for the first
// impressions, deeper reasoning with grounding at 1.5, the balanced model at
// 2, and the premium model only on explicit user request at 3.
var defaultTiers = map[string]tierDef{
	TierKey1Stream: {
		Key: TierKey1Stream, Label: "1",
		Provider: "gemini", Model: "gemini-2.5-flash",
		Thinking: llm.ThinkingMinimal, Timeout: 30 * time.Second,
	},
	TierKey1Fallback: {
		Key: TierKey1Fallback, Label: "1-fallback",
		Provider: "gemini", Model: "gemini-2.5-flash",
		Thinking: llm.ThinkingLow, Timeout: 30 * time.Second,
	},
	TierKey15: {
		Key: TierKey15, Label: "1.5",
		Provider: "gemini", Model: "gemini-2.5-flash",
		Thinking: llm.ThinkingHigh, Grounded: true, Timeout: 90 * time.Second,
	},
	TierKey2: {
		Key: TierKey2, Label: "2",
		Provider: "claude", Model: "claude-sonnet-4-5",
		Timeout: 60 * time.Second,
	},
	TierKey3: {
		Key: TierKey3, Label: "3",
		Provider: "claude", Model: "claude-opus-4-6",
		Timeout: 120 * time.Second,
	},
}

// resolveTier merges the configured override for key onto the built-in
// definition.
func resolveTier(key string, overrides map[string]config.TierConfig) tierDef {
	def := defaultTiers[key]
	o, ok := overrides[key]
	if !ok {
		return def
	}
	if o.Provider != "" {
		def.Provider = o.Provider
	}
	if o.Model != "" {
		def.Model = o.Model
	}
	if o.Thinking != "" {
		def.Thinking = llm.ThinkingLevel(o.Thinking)
	}
	if o.TimeoutSeconds > 0 {
		def.Timeout = o.Timeout()
	}
	return def
}

// options builds the router options forcing this tier's provider and model.
func (t tierDef) options(schema map[string]any) llm.Options {
	opts := llm.Options{
		Provider:       t.Provider,
		Model:          t.Model,
		Thinking:       t.Thinking,
		Timeout:        t.Timeout,
		JSONResponse:   true,
		ResponseSchema: schema,
	}
	if t.Grounded {
		opts.Tools = []llm.Tool{{Name: llm.GoogleSearch}}
	}
	return opts
}
