package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/philhumber/vintner/internal/config"
	"github.com/philhumber/vintner/internal/observe"
	"github.com/philhumber/vintner/internal/prompts"
	"github.com/philhumber/vintner/internal/router"
	"github.com/philhumber/vintner/internal/streamjson"
	"github.com/philhumber/vintner/pkg/provider/llm"
	"github.com/philhumber/vintner/pkg/types"
)

// TaskEnrich is the router task type for enrichment inference.
const TaskEnrich = "enrich"

// cacheHitFieldDelay is the artificial pause between simulated field events
// on a cache hit, so the client renders progressively instead of all at once.
const cacheHitFieldDelay = 50 * time.Millisecond

// enrichTimeout is the wall-clock budget for grounded enrichment inference.
const enrichTimeout = 90 * time.Second

// EventSink receives the SSE events of a streaming enrichment.
type EventSink interface {
	Send(event string, payload any) error
	SendField(field string, value any) error
}

// Request is one enrichment query.
type Request struct {
	Producer string
	WineName string
	Vintage  string
	WineType string
	Region   string

	// ConfirmMatch accepts a previously proposed fuzzy match.
	ConfirmMatch bool

	// ForceRefresh bypasses the cache entirely.
	ForceRefresh bool

	Identity router.Identity
}

// Outcome is the result of an enrichment: either a payload or a pending
// fuzzy-match confirmation the user must decide on.
type Outcome struct {
	Enrichment *types.Enrichment    `json:"enrichment,omitempty"`
	Pending    *types.PendingConfirmation `json:"pendingConfirmation,omitempty"`
}

// Cache is the persistence surface the service needs. *CacheStore
// implements it; tests substitute an in-memory fake.
type Cache interface {
	Get(ctx context.Context, key Key) (*Row, error)
	Candidates(ctx context.Context, vintage string) ([]Key, error)
	Put(ctx context.Context, key Key, payload types.Enrichment, ttl time.Duration) error
}

// Service answers enrichment queries from the cache when it can and from
// grounded model inference when it must.
type Service struct {
	router   *router.Router
	cache    Cache
	resolver *Resolver
	ttl      time.Duration
	metrics  *observe.Metrics
	now      func() time.Time

	// group collapses concurrent buffered misses for one canonical key into
	// a single inference call.
	group singleflight.Group
}

// NewService creates an enrichment service. metrics may be nil.
func NewService(r *router.Router, cache Cache, cfg config.EnrichmentConfig, metrics *observe.Metrics) *Service {
	resolver := NewResolver(cache.Candidates,
		cfg.FuzzyThresholds.Producer, cfg.FuzzyThresholds.Wine)
	return &Service{
		router:   r,
		cache:    cache,
		resolver: resolver,
		ttl:      time.Duration(cfg.CacheTTLDays) * 24 * time.Hour,
		metrics:  metrics,
		now:      time.Now,
	}
}

// ─── Lookup ───────────────────────────────────────────────────────────────────

// lookup runs the cache fast path: exact hit, then fuzzy resolution with the
// confirmation protocol. It returns at most one of (row, pending).
func (s *Service) lookup(ctx context.Context, req Request) (row *Row, pending *types.PendingConfirmation, err error) {
	if req.ForceRefresh {
		return nil, nil, nil
	}
	key := NewKey(req.Producer, req.WineName, req.Vintage)

	row, err = s.cache.Get(ctx, key)
	if err != nil {
		return nil, nil, types.WrapError(types.KindDatabaseError, "", err)
	}
	if row != nil && !row.Expired(s.now()) {
		s.countLookup(ctx, "hit")
		return row, nil, nil
	}
	expired := row // kept for the stale fallback

	match, err := s.resolver.Resolve(ctx, key)
	if err != nil {
		return nil, nil, types.WrapError(types.KindDatabaseError, "", err)
	}
	if match != nil {
		if !req.ConfirmMatch {
			s.countLookup(ctx, "fuzzy")
			return nil, &types.PendingConfirmation{
				MatchType:   "fuzzy",
				SearchedFor: displayName(req.Producer, req.WineName),
				MatchedTo:   displayName(match.Key.Producer, match.Key.WineName),
				Confidence:  match.Confidence,
			}, nil
		}
		// The user accepted the proposal: the matched row is re-returned as
		// a normal cache hit.
		accepted, err := s.cache.Get(ctx, match.Key)
		if err != nil {
			return nil, nil, types.WrapError(types.KindDatabaseError, "", err)
		}
		if accepted != nil && !accepted.Expired(s.now()) {
			s.countLookup(ctx, "hit")
			return accepted, nil, nil
		}
	}

	if expired != nil {
		s.countLookup(ctx, "expired")
	} else {
		s.countLookup(ctx, "miss")
	}
	return nil, nil, nil
}

func displayName(producer, wine string) string {
	return strings.TrimSpace(producer + " " + wine)
}

func (s *Service) countLookup(ctx context.Context, outcome string) {
	if s.metrics != nil {
		s.metrics.CacheLookups.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}
}

// ─── Buffered enrichment ──────────────────────────────────────────────────────

// Enrich answers one buffered enrichment request. Concurrent misses for the
// same canonical key share a single inference flight.
func (s *Service) Enrich(ctx context.Context, req Request) (*Outcome, error) {
	row, pending, err := s.lookup(ctx, req)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return &Outcome{Pending: pending}, nil
	}
	if row != nil {
		e := row.Payload
		e.Source = types.SourceCache
		return &Outcome{Enrichment: &e}, nil
	}

	key := NewKey(req.Producer, req.WineName, req.Vintage)
	v, err, _ := s.group.Do(fmt.Sprintf("%s|%s|%s", key.Producer, key.WineName, key.Vintage),
		func() (any, error) {
			return s.infer(ctx, req, key, nil)
		})
	if err != nil {
		if stale := s.staleFallback(ctx, key); stale != nil {
			return &Outcome{Enrichment: stale}, nil
		}
		return nil, err
	}
	e := v.(types.Enrichment)
	return &Outcome{Enrichment: &e}, nil
}

// ─── Streaming enrichment ─────────────────────────────────────────────────────

// EnrichStreaming answers one streaming request. Cache hits are replayed as
// simulated field events in a display-optimised order; misses stream live
// from the model. The terminal done event is the transport's responsibility.
func (s *Service) EnrichStreaming(ctx context.Context, req Request, sink EventSink) (*Outcome, error) {
	row, pending, err := s.lookup(ctx, req)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		_ = sink.Send("confirmation_required", pending)
		return &Outcome{Pending: pending}, nil
	}
	if row != nil {
		e := row.Payload
		e.Source = types.SourceCache
		s.replayFields(ctx, e, sink)
		_ = sink.Send("result", e)
		return &Outcome{Enrichment: &e}, nil
	}

	key := NewKey(req.Producer, req.WineName, req.Vintage)
	result, err := s.infer(ctx, req, key, sink)
	if err != nil {
		if stale := s.staleFallback(ctx, key); stale != nil {
			_ = sink.Send("result", *stale)
			return &Outcome{Enrichment: stale}, nil
		}
		return nil, err
	}
	_ = sink.Send("result", result)
	return &Outcome{Enrichment: &result}, nil
}

// ─── Inference ────────────────────────────────────────────────────────────────

// infer runs the grounded enrichment inference, validates and merges the
// payload, and persists the new cache row. sink may be nil (buffered path).
func (s *Service) infer(ctx context.Context, req Request, key Key, sink EventSink) (types.Enrichment, error) {
	prompt := prompts.Enrich(req.Producer, req.WineName, req.Vintage, req.WineType, req.Region)
	opts := llm.Options{
		JSONResponse:   true,
		ResponseSchema: prompts.EnrichSchema(),
		Tools:          []llm.Tool{{Name: llm.GoogleSearch}},
		Timeout:        enrichTimeout,
	}

	var onField llm.FieldCallback
	if sink != nil {
		onField = func(field string, value any) {
			_ = sink.SendField(field, value)
		}
	}

	resp, err := s.router.StreamComplete(ctx, req.Identity, TaskEnrich, prompt, opts, onField)
	if err != nil {
		return types.Enrichment{}, err
	}

	result, ok := parseEnrichment(resp.Content)
	if !ok {
		return types.Enrichment{}, types.NewError(types.KindInvalidResponse, resp.Provider,
			"enrichment output was not parseable")
	}
	validate(ctx, &result)
	result.Source = types.SourceWebSearch

	// A prior row being refreshed contributes its sections; newer values
	// win, absent sections survive.
	if prior, err := s.cache.Get(ctx, key); err == nil && prior != nil {
		result = merge(result, prior.Payload)
	}

	if err := s.cache.Put(ctx, key, result, s.ttl); err != nil {
		observe.Logger(ctx).Warn("enrichment cache write failed", "err", err)
	}
	return result, nil
}

// parseEnrichment extracts an enrichment payload from raw model output.
func parseEnrichment(content string) (types.Enrichment, bool) {
	doc := streamjson.ExtractJSONDocument(content)
	if doc == "" {
		return types.Enrichment{}, false
	}
	var e types.Enrichment
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return types.Enrichment{}, false
	}
	return e, true
}

// staleFallback returns the expired cache row for key, if any, annotated as
// stale. A failed refresh with partial data beats an error.
func (s *Service) staleFallback(ctx context.Context, key Key) *types.Enrichment {
	row, err := s.cache.Get(ctx, key)
	if err != nil || row == nil {
		return nil
	}
	e := row.Payload
	e.Source = types.SourceCache
	e.Stale = true
	return &e
}

// ─── Cache-hit replay ─────────────────────────────────────────────────────────

// replayFields simulates streaming for a cache hit: style first for fast
// visual feedback, then grapes, drink window, and the rest, with a small
// pause between fields. A cancelled context stops the replay.
func (s *Service) replayFields(ctx context.Context, e types.Enrichment, sink EventSink) {
	type fv struct {
		name  string
		value any
		skip  bool
	}
	var fields []fv
	if sp := e.StyleProfile; sp != nil {
		// Style lands as individual fields so the four dials render one by
		// one before the heavier sections arrive.
		fields = append(fields,
			fv{name: "body", value: sp.Body, skip: sp.Body == ""},
			fv{name: "tannin", value: sp.Tannin, skip: sp.Tannin == ""},
			fv{name: "acidity", value: sp.Acidity, skip: sp.Acidity == ""},
			fv{name: "sweetness", value: sp.Sweetness, skip: sp.Sweetness == ""},
		)
	}
	fields = append(fields,
		fv{name: "grapeComposition", value: e.GrapeComposition, skip: len(e.GrapeComposition) == 0},
		fv{name: "drinkWindow", value: e.DrinkWindow, skip: e.DrinkWindow == nil},
		fv{name: "criticScores", value: e.CriticScores, skip: len(e.CriticScores) == 0},
		fv{name: "tastingNotes", value: e.TastingNotes, skip: e.TastingNotes == nil},
		fv{name: "overview", value: e.Overview, skip: e.Overview == ""},
		fv{name: "foodPairings", value: e.FoodPairings, skip: len(e.FoodPairings) == 0},
	)

	first := true
	for _, f := range fields {
		if f.skip {
			continue
		}
		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cacheHitFieldDelay):
			}
		}
		first = false
		_ = sink.SendField(f.name, f.value)
	}
}
