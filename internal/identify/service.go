// Package identify orchestrates wine identification across up to four model
// tiers of increasing cost and capability.
//
// Tier 1 answers fast — streaming, minimal thinking, compact prompt — and is
// final when its confidence clears the threshold. Below the threshold the
// client first receives the Tier 1 result, then a silent escalation runs:
// Tier 1.5 (deep reasoning with grounding), then Tier 2 (balanced model).
// Tier 3 (premium) is never auto-invoked; it is reached only through the
// user-triggered [Service.IdentifyWithOpus]. Between tiers the cancellation
// signal is consulted; once observed, the best result so far is returned and
// no further model calls are issued.
package identify

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/philhumber/vintner/internal/config"
	"github.com/philhumber/vintner/internal/observe"
	"github.com/philhumber/vintner/internal/prompts"
	"github.com/philhumber/vintner/internal/router"
	"github.com/philhumber/vintner/internal/usage"
	"github.com/philhumber/vintner/pkg/provider/llm"
	"github.com/philhumber/vintner/pkg/types"
)

// Task types dispatched through the router.
const (
	TaskIdentifyText  = "identify_text"
	TaskIdentifyImage = "identify_image"
)

// EventSink receives the SSE events of a streaming identification. The SSE
// session implements it; buffered mode passes nil.
type EventSink interface {
	Send(event string, payload any) error
	SendField(field string, value any) error
}

// Input is one identification request.
type Input struct {
	// Text holds the typed description; empty for image identifications.
	Text string

	// Image and MimeType carry the label photograph for vision requests.
	Image    []byte
	MimeType string

	// Supplementary is optional user text accompanying an image.
	Supplementary string

	// Locked holds user-confirmed field values later tiers must preserve.
	Locked map[string]string

	// Clarification is free-form user text parsed into structured
	// constraints that bias escalation tiers.
	Clarification string

	Identity router.Identity
}

func (in Input) isImage() bool { return len(in.Image) > 0 }

func (in Input) taskType() string {
	if in.isImage() {
		return TaskIdentifyImage
	}
	return TaskIdentifyText
}

// Service runs the tiered identification state machine.
type Service struct {
	router    *router.Router
	tracker   *usage.Tracker
	conf      config.ConfidenceConfig
	tiers     map[string]config.TierConfig
	streaming config.StreamingConfig
	metrics   *observe.Metrics
}

// NewService creates an identification service. metrics may be nil.
func NewService(r *router.Router, tracker *usage.Tracker, cfg config.IdentificationConfig, streaming config.StreamingConfig, metrics *observe.Metrics) *Service {
	return &Service{
		router:    r,
		tracker:   tracker,
		conf:      cfg.Confidence,
		tiers:     cfg.Tiers,
		streaming: streaming,
		metrics:   metrics,
	}
}

// ─── Streaming identification ─────────────────────────────────────────────────

// IdentifyStreaming runs the streaming state machine, pushing field events
// through sink as the Tier 1 model emits them. When Tier 1 confidence falls
// below the threshold the client still sees the Tier 1 result immediately;
// refinement then runs and only changed fields are re-emitted.
//
// The terminal done event is the transport's responsibility; the service
// never emits it.
func (s *Service) IdentifyStreaming(ctx context.Context, in Input, sink EventSink) (*types.Identification, error) {
	if !s.streaming.TaskEnabled(in.taskType()) {
		return s.identifyBufferedAs(ctx, in, sink)
	}

	start := time.Now()
	tier := resolveTier(TierKey1Stream, s.tiers)
	opts := tier.options(prompts.IdentifySchema())

	emitted := make(map[string]bool)
	onField := func(field string, value any) {
		emitted[field] = true
		_ = sink.SendField(field, value)
	}

	resp, err := s.streamTier(ctx, in, tier, opts, onField)
	if err != nil {
		// Terminal Tier 1 failure: nothing to degrade to.
		return nil, err
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		// Client cancelled mid-stream. Fields already emitted stay valid;
		// the transport closes with done and no result follows.
		return nil, nil
	}

	result, ok := parseResult(resp.Content)
	if !ok {
		return nil, types.NewError(types.KindInvalidResponse, resp.Provider,
			"tier 1 output was not a parseable identification")
	}
	applyLocked(&result, in.Locked)
	result.Escalation.Path = append(result.Escalation.Path, types.EscalationStep{
		Tier: tier.Label, Model: resp.Model,
		Confidence: result.Confidence, CostUSD: resp.CostUSD,
	})

	// The confidence field closes the client's first rendering pass; make
	// sure it went out even if the stream died before emitting it.
	if !emitted["confidence"] {
		_ = sink.SendField("confidence", result.Confidence)
	}

	if result.Confidence >= s.conf.Tier1Threshold {
		result.Action = s.deriveAction(result)
		_ = sink.Send("result", result)
		s.logAnalytics(ctx, in, result, time.Since(start))
		return &result, nil
	}

	// Sub-threshold: show what we have, then refine silently.
	result.Action = s.deriveAction(result)
	_ = sink.Send("result", result)

	if ctx.Err() != nil {
		result.Escalation.Cancelled = true
		s.logAnalytics(ctx, in, result, time.Since(start))
		return &result, nil
	}

	refiningEvent := "refining"
	if in.isImage() {
		refiningEvent = "escalating"
	}
	_ = sink.Send(refiningEvent, map[string]any{
		"message":         "Consulting a more careful palate…",
		"tier1Confidence": result.Confidence,
	})

	refined := s.escalate(ctx, in, result)
	if refined.Confidence > result.Confidence {
		for _, f := range diffFields(result, refined) {
			_ = sink.SendField(f, fieldValue(refined, f))
		}
		_ = sink.SendField("confidence", refined.Confidence)
		refined.Action = s.deriveAction(refined)
		payload := struct {
			types.Identification
			Escalated bool `json:"escalated"`
		}{refined, true}
		_ = sink.Send("refined", payload)
		s.logAnalytics(ctx, in, refined, time.Since(start))
		return &refined, nil
	}

	// Refinement did not improve on Tier 1; never regress the client view.
	result.Escalation = refined.Escalation
	result.Action = s.deriveAction(result)
	payload := struct {
		types.Identification
		Escalated bool `json:"escalated"`
	}{result, false}
	_ = sink.Send("refined", payload)
	s.logAnalytics(ctx, in, result, time.Since(start))
	return &result, nil
}

// identifyBufferedAs serves a streaming endpoint when streaming is disabled
// for the task: the buffered path runs and the result is replayed as field
// events so the client contract holds.
func (s *Service) identifyBufferedAs(ctx context.Context, in Input, sink EventSink) (*types.Identification, error) {
	result, err := s.Identify(ctx, in)
	if err != nil {
		return nil, err
	}
	for _, f := range diffFields(types.Identification{}, *result) {
		_ = sink.SendField(f, fieldValue(*result, f))
	}
	_ = sink.SendField("confidence", result.Confidence)
	_ = sink.Send("result", result)
	return result, nil
}

// streamTier dispatches one streaming tier call, routing text and image
// inputs to the matching router surface.
func (s *Service) streamTier(ctx context.Context, in Input, tier tierDef, opts llm.Options, onField llm.FieldCallback) (*llm.StreamingResponse, error) {
	if in.isImage() {
		prompt := prompts.IdentifyLabelCompact(in.Supplementary)
		return s.router.StreamCompleteWithImage(ctx, in.Identity, in.taskType(), prompt, in.Image, in.MimeType, opts, onField)
	}
	prompt := prompts.IdentifyCompact(in.Text)
	return s.router.StreamComplete(ctx, in.Identity, in.taskType(), prompt, opts, onField)
}

// ─── Buffered identification ──────────────────────────────────────────────────

// Identify runs the same logic without emitting fields, returning the
// terminal result with its escalation history.
func (s *Service) Identify(ctx context.Context, in Input) (*types.Identification, error) {
	start := time.Now()
	tier := resolveTier(TierKey1Fallback, s.tiers)
	opts := tier.options(prompts.IdentifySchema())

	resp, err := s.completeTier(ctx, in, tier, opts, "")
	if err != nil {
		return nil, err
	}
	result, ok := parseResult(resp.Content)
	if !ok {
		return nil, types.NewError(types.KindInvalidResponse, resp.Provider,
			"tier 1 output was not a parseable identification")
	}
	applyLocked(&result, in.Locked)
	result.Escalation.Path = append(result.Escalation.Path, types.EscalationStep{
		Tier: tier.Label, Model: resp.Model,
		Confidence: result.Confidence, CostUSD: resp.CostUSD,
	})

	if result.Confidence < s.conf.Tier1Threshold && ctx.Err() == nil {
		result = s.escalate(ctx, in, result)
	}
	result.Action = s.deriveAction(result)
	s.logAnalytics(ctx, in, result, time.Since(start))
	return &result, nil
}

// completeTier dispatches one buffered tier call with prior context folded
// into the prompt.
func (s *Service) completeTier(ctx context.Context, in Input, tier tierDef, opts llm.Options, prior string) (*llm.Response, error) {
	if in.isImage() {
		var prompt string
		if prior == "" && tier.Key == TierKey1Fallback {
			prompt = prompts.IdentifyLabelCompact(in.Supplementary)
		} else {
			prompt = prompts.IdentifyLabelDeep(in.Supplementary, prior)
		}
		return s.router.CompleteWithImage(ctx, in.Identity, in.taskType(), prompt, in.Image, in.MimeType, opts)
	}
	var prompt string
	if prior == "" && tier.Key == TierKey1Fallback {
		prompt = prompts.IdentifyFull(in.Text)
	} else {
		prompt = prompts.IdentifyDeep(in.Text, prior)
	}
	return s.router.Complete(ctx, in.Identity, in.taskType(), prompt, opts)
}

// ─── Escalation ───────────────────────────────────────────────────────────────

// escalate runs the sub-threshold ladder starting at Tier 1.5. It returns
// the best result seen, with the traversed path appended. A terminal tier
// failure keeps the best result and annotates the path; it never surfaces
// as an error once Tier 1 succeeded.
func (s *Service) escalate(ctx context.Context, in Input, current types.Identification) types.Identification {
	constraints := ParseConstraints(in.Clarification)
	best := current

	ladder := []string{TierKey15, TierKey2}
	for i, key := range ladder {
		if ctx.Err() != nil {
			best.Escalation.Cancelled = true
			return best
		}

		tier := resolveTier(key, s.tiers)
		prior := priorContext(best, in.Locked, constraints)
		opts := tier.options(prompts.IdentifySchema())

		if s.metrics != nil {
			s.metrics.Escalations.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tier", tier.Label),
			))
		}

		resp, err := s.completeTier(ctx, in, tier, opts, prior)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				best.Escalation.Cancelled = true
			} else {
				best.Escalation.Error = string(types.KindOf(err))
				observe.Logger(ctx).Warn("escalation tier failed",
					"tier", tier.Label, "kind", best.Escalation.Error)
			}
			return best
		}

		result, ok := parseResult(resp.Content)
		if !ok {
			best.Escalation.Error = string(types.KindInvalidResponse)
			return best
		}
		applyLocked(&result, in.Locked)

		step := types.EscalationStep{
			Tier: tier.Label, Model: resp.Model,
			Confidence: result.Confidence, CostUSD: resp.CostUSD,
		}

		if result.Confidence > best.Confidence {
			result.Escalation = best.Escalation
			best = result
		}
		best.Escalation.Path = append(best.Escalation.Path, step)

		// Tier 1.5 stops the ladder when it is confident enough.
		if i == 0 && result.Confidence >= s.conf.Tier15Threshold {
			break
		}
	}

	// The path's last entry must agree with the reported confidence.
	if n := len(best.Escalation.Path); n > 0 && best.Escalation.Path[n-1].Confidence != best.Confidence {
		best.Escalation.Path[n-1].Confidence = best.Confidence
	}
	return best
}

// ─── User-triggered tiers ─────────────────────────────────────────────────────

// IdentifyWithOpus runs the premium Tier 3 model against the input, biased
// by the prior result. It is only reachable through the user-triggered
// endpoint — the escalation ladder never enters Tier 3 on its own.
func (s *Service) IdentifyWithOpus(ctx context.Context, in Input, prior types.Identification) (*types.Identification, error) {
	start := time.Now()
	tier := resolveTier(TierKey3, s.tiers)
	constraints := ParseConstraints(in.Clarification)
	priorStr := priorContext(prior, in.Locked, constraints)

	resp, err := s.completeTier(ctx, in, tier, tier.options(prompts.IdentifySchema()), priorStr)
	if err != nil {
		return nil, err
	}
	result, ok := parseResult(resp.Content)
	if !ok {
		return nil, types.NewError(types.KindInvalidResponse, resp.Provider,
			"tier 3 output was not a parseable identification")
	}
	applyLocked(&result, in.Locked)

	result.Escalation = prior.Escalation
	result.Escalation.Path = append(result.Escalation.Path, types.EscalationStep{
		Tier: tier.Label, Model: resp.Model,
		Confidence: result.Confidence, CostUSD: resp.CostUSD,
	})
	result.Action = s.deriveAction(result)
	s.logAnalytics(ctx, in, result, time.Since(start))
	return &result, nil
}

// VerifyImage runs a user-triggered Tier 1.5 vision pass over a label photo,
// verifying a prior identification against what is printed on the label.
func (s *Service) VerifyImage(ctx context.Context, in Input, prior types.Identification) (*types.Identification, error) {
	start := time.Now()
	tier := resolveTier(TierKey15, s.tiers)
	constraints := ParseConstraints(in.Clarification)
	priorStr := priorContext(prior, in.Locked, constraints)

	resp, err := s.completeTier(ctx, in, tier, tier.options(prompts.IdentifySchema()), priorStr)
	if err != nil {
		return nil, err
	}
	result, ok := parseResult(resp.Content)
	if !ok {
		return nil, types.NewError(types.KindInvalidResponse, resp.Provider,
			"verification output was not a parseable identification")
	}
	applyLocked(&result, in.Locked)

	result.Escalation = prior.Escalation
	result.Escalation.Path = append(result.Escalation.Path, types.EscalationStep{
		Tier: tier.Label, Model: resp.Model,
		Confidence: result.Confidence, CostUSD: resp.CostUSD,
	})
	result.Action = s.deriveAction(result)
	s.logAnalytics(ctx, in, result, time.Since(start))
	return &result, nil
}

// ─── Action derivation ────────────────────────────────────────────────────────

// comparableScoreGap is the maximum score spread under which two candidates
// count as comparable for disambiguation.
const comparableScoreGap = 15

// deriveAction maps the final result onto the UI-facing action.
func (s *Service) deriveAction(r types.Identification) types.Action {
	if needsDisambiguation(r) {
		return types.ActionDisambiguate
	}
	complete := r.Producer != "" && r.WineName != "" && r.Vintage != ""
	switch {
	case r.Confidence >= s.conf.AutoThreshold && complete:
		return types.ActionAutoPopulate
	case r.Confidence >= s.conf.SuggestThreshold && (r.Producer != "" || r.WineName != ""):
		return types.ActionSuggest
	default:
		return types.ActionUserChoice
	}
}

// needsDisambiguation is true when at least two candidates score comparably,
// or when only the producer was recognised and the estate offers multiple
// candidate wines.
func needsDisambiguation(r types.Identification) bool {
	if len(r.Candidates) >= 2 {
		if r.Candidates[0].Score-r.Candidates[1].Score <= comparableScoreGap {
			return true
		}
		if r.Producer != "" && r.WineName == "" {
			return true
		}
	}
	return false
}

// ─── Analytics ────────────────────────────────────────────────────────────────

// logAnalytics records the final per-query analytics row and the duration
// metric. Best-effort on both counts.
func (s *Service) logAnalytics(ctx context.Context, in Input, r types.Identification, elapsed time.Duration) {
	inputType := types.InputText
	if in.isImage() {
		inputType = types.InputImage
	}
	inferences := map[string]any{}
	if c := ParseConstraints(in.Clarification); c != (Constraints{}) {
		inferences["constraints"] = c.render()
	}
	if len(in.Locked) > 0 {
		inferences["lockedFields"] = in.Locked
	}

	s.tracker.LogIdentification(ctx, usage.IdentificationRow{
		UserID:     in.Identity.UserID,
		SessionID:  in.Identity.SessionID,
		InputType:  inputType,
		Result:     r,
		TotalCost:  r.Escalation.TotalCost(),
		Latency:    elapsed,
		Inferences: inferences,
	})
	if s.metrics != nil {
		s.metrics.IdentificationDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("input", string(inputType)),
			attribute.String("tier", r.Escalation.Last().Tier),
		))
	}
}
