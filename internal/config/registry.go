package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/philhumber/vintner/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by [Registry.CreateLLM] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(name string, entry ProviderEntry) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(string, ProviderEntry) (llm.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(name string, entry ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateLLM instantiates the provider registered under name. When the entry
// carries per-model capability overrides the provider is wrapped so those
// flags win over the adapter's built-in table.
// Returns [ErrProviderNotRegistered] if no factory exists for name.
func (r *Registry) CreateLLM(name string, entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, name)
	}
	p, err := factory(name, entry)
	if err != nil {
		return nil, err
	}
	if len(entry.Models) > 0 {
		p = wrapCapabilityOverrides(p, entry.Models)
	}
	return p, nil
}

// capabilityOverride decorates a provider so configured per-model capability
// flags take precedence over the adapter's built-in table. Thinking levels
// and grounding are capabilities, not keywords: declaring them here keeps
// model metadata in configuration instead of hard-coded names.
type capabilityOverride struct {
	llm.Provider
	models map[string]ModelFlags
}

func wrapCapabilityOverrides(p llm.Provider, models map[string]ModelFlags) llm.Provider {
	return &capabilityOverride{Provider: p, models: models}
}

// Supports consults the configured flags for the current model before
// deferring to the wrapped provider.
func (c *capabilityOverride) Supports(cap llm.Capability) bool {
	flags, ok := c.models[c.Provider.Model()]
	if !ok {
		return c.Provider.Supports(cap)
	}
	var override *bool
	switch cap {
	case llm.CapVision:
		override = flags.SupportsVision
	case llm.CapTools:
		override = flags.SupportsTools
	case llm.CapGrounding:
		override = flags.SupportsGrounding
	case llm.CapThinking:
		override = flags.SupportsThinking
	}
	if override != nil {
		return *override
	}
	return c.Provider.Supports(cap)
}
