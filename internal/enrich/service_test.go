package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/philhumber/vintner/internal/config"
	"github.com/philhumber/vintner/internal/router"
	"github.com/philhumber/vintner/internal/usage"
	"github.com/philhumber/vintner/pkg/provider/llm"
	"github.com/philhumber/vintner/pkg/provider/llm/mock"
	"github.com/philhumber/vintner/pkg/types"
)

// ─── Test doubles ────────────────────────────────────────────────────────────

type fakeCache struct {
	rows map[Key]*Row
	puts []Key
}

func newFakeCache() *fakeCache { return &fakeCache{rows: map[Key]*Row{}} }

func (f *fakeCache) Get(_ context.Context, key Key) (*Row, error) {
	return f.rows[key], nil
}

func (f *fakeCache) Candidates(_ context.Context, vintage string) ([]Key, error) {
	var keys []Key
	for k := range f.rows {
		if k.Vintage == vintage {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeCache) Put(_ context.Context, key Key, payload types.Enrichment, ttl time.Duration) error {
	f.puts = append(f.puts, key)
	f.rows[key] = &Row{
		Key: key, Payload: payload, Source: payload.Source,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(ttl),
	}
	return nil
}

type fakeRecorder struct {
	logs []types.CallRecord
}

func (f *fakeRecorder) InsertLog(_ context.Context, rec types.CallRecord) error {
	f.logs = append(f.logs, rec)
	return nil
}
func (f *fakeRecorder) UpsertDaily(context.Context, types.CallRecord) error { return nil }
func (f *fakeRecorder) DailyTotals(context.Context, string, time.Time) (usage.DailyTotals, error) {
	return usage.DailyTotals{}, nil
}
func (f *fakeRecorder) DailyRows(context.Context, string, int) ([]usage.DailyRow, error) {
	return nil, nil
}
func (f *fakeRecorder) CostSummary(context.Context, string, time.Time, time.Time) (map[string]float64, error) {
	return nil, nil
}
func (f *fakeRecorder) InsertIdentification(context.Context, usage.IdentificationRow) error {
	return nil
}

type event struct {
	name    string
	payload any
}

type captureSink struct {
	events []event
}

func (c *captureSink) Send(name string, payload any) error {
	c.events = append(c.events, event{name, payload})
	return nil
}

func (c *captureSink) SendField(field string, value any) error {
	c.events = append(c.events, event{"field:" + field, value})
	return nil
}

func (c *captureSink) names() []string {
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.name
	}
	return out
}

func testRouter(p llm.Provider) *router.Router {
	providers := map[string]llm.Provider{p.Name(): p}
	routes := map[string]config.TaskRoute{
		TaskEnrich: {Primary: config.RouteTarget{Provider: p.Name()}},
	}
	tracker := usage.NewTracker(&fakeRecorder{}, usage.Limits{})
	return router.New(providers, routes, tracker, nil, config.RetryConfig{MaxAttempts: 1}, nil)
}

func testService(p llm.Provider, cache Cache) *Service {
	cfg := config.EnrichmentConfig{
		CacheTTLDays:    90,
		FuzzyThresholds: config.FuzzyThresholds{Producer: 2, Wine: 3},
	}
	return NewService(testRouter(p), cache, cfg, nil)
}

func freshRow(key Key, payload types.Enrichment) *Row {
	return &Row{
		Key: key, Payload: payload, Source: types.SourceInference,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
}

// ─── Cache hit ───────────────────────────────────────────────────────────────

func TestEnrichStreaming_CacheHitReplaysDisplayOrder(t *testing.T) {
	key := NewKey("Château Margaux", "Château Margaux", "2015")
	cache := newFakeCache()
	cache.rows[key] = freshRow(key, types.Enrichment{
		StyleProfile: &types.StyleProfile{Body: "Full", Tannin: "High", Acidity: "Medium", Sweetness: "Dry"},
		GrapeComposition: []types.GrapeShare{
			{Grape: "Cabernet Sauvignon", Percentage: 87},
			{Grape: "Merlot", Percentage: 13},
		},
		DrinkWindow: &types.DrinkWindow{Start: 2025, Peak: 2040, End: 2060},
	})
	provider := &mock.Provider{}
	svc := testService(provider, cache)

	sink := &captureSink{}
	out, err := svc.EnrichStreaming(context.Background(), Request{
		Producer: "Château Margaux", WineName: "Château Margaux", Vintage: "2015",
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Enrichment == nil || out.Enrichment.Source != types.SourceCache {
		t.Fatalf("outcome = %+v, want cache source", out)
	}
	if provider.CallCount() != 0 {
		t.Fatal("cache hit must not touch any provider")
	}

	want := []string{
		"field:body", "field:tannin", "field:acidity", "field:sweetness",
		"field:grapeComposition", "field:drinkWindow", "result",
	}
	got := sink.names()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

// ─── Fuzzy confirmation protocol ─────────────────────────────────────────────

func TestEnrichStreaming_FuzzyMatchRequiresConfirmation(t *testing.T) {
	stored := NewKey("chateau margeaux", "grand vin", "2015") // typo variant
	cache := newFakeCache()
	cache.rows[stored] = freshRow(stored, types.Enrichment{Overview: "classic"})
	provider := &mock.Provider{}
	svc := testService(provider, cache)

	sink := &captureSink{}
	out, err := svc.EnrichStreaming(context.Background(), Request{
		Producer: "Château Margaux", WineName: "Grand Vin", Vintage: "2015",
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Pending == nil {
		t.Fatal("expected pending confirmation")
	}
	if out.Pending.MatchType != "fuzzy" {
		t.Errorf("matchType = %q", out.Pending.MatchType)
	}
	if out.Pending.Confidence <= 0 || out.Pending.Confidence > 1 {
		t.Errorf("confidence = %f", out.Pending.Confidence)
	}
	if provider.CallCount() != 0 {
		t.Fatal("pending confirmation must not trigger inference")
	}
	if names := sink.names(); len(names) != 1 || names[0] != "confirmation_required" {
		t.Fatalf("events = %v", names)
	}
}

func TestEnrich_ConfirmMatchReturnsCachedRow(t *testing.T) {
	stored := NewKey("chateau margeaux", "grand vin", "2015")
	cache := newFakeCache()
	cache.rows[stored] = freshRow(stored, types.Enrichment{Overview: "classic"})
	provider := &mock.Provider{}
	svc := testService(provider, cache)

	out, err := svc.Enrich(context.Background(), Request{
		Producer: "Château Margaux", WineName: "Grand Vin", Vintage: "2015",
		ConfirmMatch: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Enrichment == nil {
		t.Fatal("expected enrichment")
	}
	if out.Enrichment.Source != types.SourceCache {
		t.Errorf("source = %s", out.Enrichment.Source)
	}
	if out.Enrichment.Overview != "classic" {
		t.Errorf("overview = %q", out.Enrichment.Overview)
	}
	if provider.CallCount() != 0 {
		t.Fatal("accepted fuzzy match must not trigger inference")
	}
}

// ─── Inference ───────────────────────────────────────────────────────────────

const enrichJSON = `{
	"overview": "A benchmark Médoc first growth.",
	"grapeComposition": [{"grape": "Cabernet Sauvignon", "percentage": 87}, {"grape": "Merlot", "percentage": 13}],
	"styleProfile": {"body": "Full", "tannin": "High", "acidity": "Medium", "sweetness": "Dry"},
	"criticScores": [{"critic": "Wine Advocate", "score": 99}],
	"drinkWindow": {"start": 2025, "peak": 2040, "end": 2060},
	"foodPairings": ["roast lamb"]
}`

func TestEnrichStreaming_MissRunsInferenceAndPersists(t *testing.T) {
	cache := newFakeCache()
	provider := (&mock.Provider{}).Script(mock.Step{Content: enrichJSON, CostUSD: 0.01})
	svc := testService(provider, cache)

	sink := &captureSink{}
	out, err := svc.EnrichStreaming(context.Background(), Request{
		Producer: "Château Margaux", WineName: "Château Margaux", Vintage: "2015",
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Enrichment == nil {
		t.Fatal("expected enrichment")
	}
	if out.Enrichment.Source != types.SourceWebSearch {
		t.Errorf("source = %s", out.Enrichment.Source)
	}
	if len(cache.puts) != 1 {
		t.Fatalf("cache puts = %v", cache.puts)
	}

	// Field events streamed before the terminal result.
	names := sink.names()
	if names[len(names)-1] != "result" {
		t.Fatalf("last event = %s", names[len(names)-1])
	}
	sawField := false
	for _, n := range names[:len(names)-1] {
		if n == "field:overview" {
			sawField = true
		}
	}
	if !sawField {
		t.Fatalf("no overview field event in %v", names)
	}
}

func TestEnrich_InvalidSectionDroppedNotFatal(t *testing.T) {
	cache := newFakeCache()
	provider := (&mock.Provider{}).Script(mock.Step{Content: `{
		"overview": "ok",
		"grapeComposition": [{"grape": "Syrah", "percentage": 55}],
		"drinkWindow": {"start": 2050, "peak": 2030, "end": 2060}
	}`})
	svc := testService(provider, cache)

	out, err := svc.Enrich(context.Background(), Request{
		Producer: "Torbreck", WineName: "RunRig",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := out.Enrichment
	if e == nil {
		t.Fatal("expected enrichment")
	}
	if e.GrapeComposition != nil {
		t.Error("invalid grape composition survived")
	}
	if e.DrinkWindow != nil {
		t.Error("invalid drink window survived")
	}
	if e.Overview != "ok" {
		t.Errorf("overview = %q", e.Overview)
	}
}

func TestEnrich_StaleFallbackOnFailure(t *testing.T) {
	key := NewKey("Penfolds", "Grange", "2016")
	cache := newFakeCache()
	cache.rows[key] = &Row{
		Key:       key,
		Payload:   types.Enrichment{Overview: "stale but useful"},
		Source:    types.SourceInference,
		CreatedAt: time.Now().Add(-48 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	provider := (&mock.Provider{}).Script(mock.Step{
		Err: types.NewError(types.KindOverloaded, "mock", "busy"),
	})
	svc := testService(provider, cache)

	out, err := svc.Enrich(context.Background(), Request{
		Producer: "Penfolds", WineName: "Grange", Vintage: "2016",
	})
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	e := out.Enrichment
	if e == nil || !e.Stale {
		t.Fatalf("outcome = %+v, want stale enrichment", out)
	}
	if e.Source != types.SourceCache {
		t.Errorf("source = %s", e.Source)
	}
	if e.Overview != "stale but useful" {
		t.Errorf("overview = %q", e.Overview)
	}
}

func TestEnrich_ForceRefreshBypassesCache(t *testing.T) {
	key := NewKey("Penfolds", "Grange", "2016")
	cache := newFakeCache()
	cache.rows[key] = freshRow(key, types.Enrichment{Overview: "cached"})
	provider := (&mock.Provider{}).Script(mock.Step{Content: enrichJSON})
	svc := testService(provider, cache)

	out, err := svc.Enrich(context.Background(), Request{
		Producer: "Penfolds", WineName: "Grange", Vintage: "2016",
		ForceRefresh: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.CallCount() != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.CallCount())
	}
	if out.Enrichment.Source != types.SourceWebSearch {
		t.Errorf("source = %s", out.Enrichment.Source)
	}
}
