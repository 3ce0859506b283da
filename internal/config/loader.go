package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names that ship with Vintner. Used
// by [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"gemini", "claude", "openai"}

// ValidTaskTypes lists the task types the router recognises.
var ValidTaskTypes = []string{
	"identify_text", "identify_image", "enrich", "clarify_match",
}

// ValidTierKeys lists the escalation tier keys.
var ValidTierKeys = []string{
	"tier1_stream", "tier1_fallback", "tier1_5", "tier2", "tier3",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelayMs == 0 {
		cfg.Retry.BaseDelayMs = 500
	}
	if cfg.Retry.MaxDelayMs == 0 {
		cfg.Retry.MaxDelayMs = 8000
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = 0.1
	}
	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.RecoveryTimeoutSeconds == 0 {
		cfg.CircuitBreaker.RecoveryTimeoutSeconds = 60
	}
	if cfg.CircuitBreaker.SuccessThreshold == 0 {
		cfg.CircuitBreaker.SuccessThreshold = 2
	}
	if cfg.CircuitBreaker.SampleWindowSeconds == 0 {
		cfg.CircuitBreaker.SampleWindowSeconds = 120
	}
	if cfg.Identification.Confidence.Tier1Threshold == 0 {
		cfg.Identification.Confidence.Tier1Threshold = 85
	}
	if cfg.Identification.Confidence.Tier15Threshold == 0 {
		cfg.Identification.Confidence.Tier15Threshold = 70
	}
	if cfg.Identification.Confidence.AutoThreshold == 0 {
		cfg.Identification.Confidence.AutoThreshold = 85
	}
	if cfg.Identification.Confidence.SuggestThreshold == 0 {
		cfg.Identification.Confidence.SuggestThreshold = 50
	}
	if cfg.Enrichment.CacheTTLDays == 0 {
		cfg.Enrichment.CacheTTLDays = 90
	}
	if cfg.Enrichment.FuzzyThresholds.Producer == 0 {
		cfg.Enrichment.FuzzyThresholds.Producer = 2
	}
	if cfg.Enrichment.FuzzyThresholds.Wine == 0 {
		cfg.Enrichment.FuzzyThresholds.Wine = 3
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf(
			"server.log_level %q is invalid; valid values: debug, info, warn, error",
			cfg.Server.LogLevel))
	}

	enabled := 0
	for name, entry := range cfg.Providers {
		if !slices.Contains(ValidProviderNames, name) {
			slog.Warn("unknown provider name — may be a typo or third-party provider",
				"name", name, "known", ValidProviderNames)
		}
		if entry.Enabled {
			enabled++
			if entry.APIKey == "" {
				errs = append(errs, fmt.Errorf("providers.%s.api_key is required when enabled", name))
			}
		}
		if entry.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.timeout must not be negative", name))
		}
	}
	if enabled == 0 {
		slog.Warn("no LLM providers enabled; identification and enrichment will not work")
	}

	for task, route := range cfg.TaskRouting {
		if !slices.Contains(ValidTaskTypes, task) {
			slog.Warn("unknown task type in routing", "task", task, "known", ValidTaskTypes)
		}
		if route.Primary.Provider == "" {
			errs = append(errs, fmt.Errorf("task_routing.%s.primary.provider is required", task))
		} else if _, ok := cfg.Providers[route.Primary.Provider]; !ok {
			errs = append(errs, fmt.Errorf(
				"task_routing.%s.primary.provider %q is not configured under providers",
				task, route.Primary.Provider))
		}
		if route.Fallback != nil {
			if _, ok := cfg.Providers[route.Fallback.Provider]; !ok {
				errs = append(errs, fmt.Errorf(
					"task_routing.%s.fallback.provider %q is not configured under providers",
					task, route.Fallback.Provider))
			}
		}
	}

	for key, tier := range cfg.Identification.Tiers {
		if !slices.Contains(ValidTierKeys, key) {
			errs = append(errs, fmt.Errorf(
				"identification.tiers key %q is invalid; valid keys: %v", key, ValidTierKeys))
			continue
		}
		if tier.Provider != "" {
			if _, ok := cfg.Providers[tier.Provider]; !ok {
				errs = append(errs, fmt.Errorf(
					"identification.tiers.%s.provider %q is not configured under providers",
					key, tier.Provider))
			}
		}
	}

	conf := cfg.Identification.Confidence
	if conf.SuggestThreshold > conf.AutoThreshold {
		errs = append(errs, fmt.Errorf(
			"identification.confidence: suggest_threshold (%d) must not exceed auto_threshold (%d)",
			conf.SuggestThreshold, conf.AutoThreshold))
	}

	if cfg.Limits.DailyRequests < 0 || cfg.Limits.DailyCostUSD < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter %.2f is out of range [0, 1]", cfg.Retry.Jitter))
	}
	if cfg.Retry.BaseDelayMs > cfg.Retry.MaxDelayMs {
		errs = append(errs, fmt.Errorf(
			"retry.base_delay_ms (%d) must not exceed retry.max_delay_ms (%d)",
			cfg.Retry.BaseDelayMs, cfg.Retry.MaxDelayMs))
	}

	if cfg.Streaming.Enabled && !cfg.Streaming.Tier1Only {
		slog.Warn("streaming.tier1_only=false is not supported; escalation tiers deliver refined events rather than token streams")
	}

	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; usage tracking and the enrichment cache will not be available")
	}

	return errors.Join(errs...)
}
