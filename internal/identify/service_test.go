package identify

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

type memRecorder struct {
	logs   []types.CallRecord
	idents []usage.IdentificationRow
}

func (m *memRecorder) InsertLog(_ context.Context, rec types.CallRecord) error {
	m.logs = append(m.logs, rec)
	return nil
}
func (m *memRecorder) UpsertDaily(context.Context, types.CallRecord) error { return nil }
func (m *memRecorder) DailyTotals(context.Context, string, time.Time) (usage.DailyTotals, error) {
	return usage.DailyTotals{}, nil
}
func (m *memRecorder) DailyRows(context.Context, string, int) ([]usage.DailyRow, error) {
	return nil, nil
}
func (m *memRecorder) CostSummary(context.Context, string, time.Time, time.Time) (map[string]float64, error) {
	return nil, nil
}
func (m *memRecorder) InsertIdentification(_ context.Context, row usage.IdentificationRow) error {
	m.idents = append(m.idents, row)
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

func (c *captureSink) has(name string) bool {
	for _, e := range c.events {
		if e.name == name {
			return true
		}
	}
	return false
}

func (c *captureSink) names() []string {
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.name
	}
	return out
}

// testService wires a Service over one mock provider serving every tier.
func testService(p llm.Provider) (*Service, *memRecorder) {
	rec := &memRecorder{}
	providers := map[string]llm.Provider{"mock": p}
	routes := map[string]config.TaskRoute{
		TaskIdentifyText:  {Primary: config.RouteTarget{Provider: "mock"}},
		TaskIdentifyImage: {Primary: config.RouteTarget{Provider: "mock"}},
	}
	tracker := usage.NewTracker(rec, usage.Limits{})
	rt := router.New(providers, routes, tracker, nil, config.RetryConfig{MaxAttempts: 1}, nil)

	cfg := config.IdentificationConfig{
		Confidence: config.ConfidenceConfig{
			Tier1Threshold:   85,
			Tier15Threshold:  70,
			AutoThreshold:    85,
			SuggestThreshold: 50,
		},
		Tiers: map[string]config.TierConfig{
			TierKey1Stream:   {Provider: "mock"},
			TierKey1Fallback: {Provider: "mock"},
			TierKey15:        {Provider: "mock"},
			TierKey2:         {Provider: "mock"},
			TierKey3:         {Provider: "mock"},
		},
	}
	streaming := config.StreamingConfig{Enabled: true, Tier1Only: true}
	return NewService(rt, tracker, cfg, streaming, nil), rec
}

const highConfidence = `{"producer": "Château Margaux", "wineName": "Château Margaux", "vintage": "2019", "region": "Margaux", "country": "France", "wineType": "Red", "grapes": ["Cabernet Sauvignon"], "confidence": 95, "candidates": []}`

const mediumConfidence = `{"producer": "Cloudy Bay", "wineName": "Sauvignon Blanc", "vintage": "2022", "region": "Marlborough", "country": "New Zealand", "wineType": "White", "grapes": ["Sauvignon Blanc"], "confidence": 72, "candidates": []}`

const refinedTeKoko = `{"producer": "Cloudy Bay", "wineName": "Te Koko", "vintage": "2022", "region": "Marlborough", "country": "New Zealand", "wineType": "White", "grapes": ["Sauvignon Blanc"], "confidence": 82, "candidates": []}`

// ─── Streaming ───────────────────────────────────────────────────────────────

func TestIdentifyStreaming_HighConfidenceNoRefining(t *testing.T) {
	provider := (&mock.Provider{}).Script(mock.Step{Content: highConfidence, CostUSD: 0.001})
	svc, rec := testService(provider)

	sink := &captureSink{}
	result, err := svc.IdentifyStreaming(context.Background(), Input{
		Text: "Château Margaux 2019", Identity: router.Identity{UserID: "u1"},
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Confidence != 95 {
		t.Errorf("confidence = %d", result.Confidence)
	}
	if result.Action != types.ActionAutoPopulate {
		t.Errorf("action = %s", result.Action)
	}
	if provider.CallCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (no escalation)", provider.CallCount())
	}
	if sink.has("refining") {
		t.Error("refining emitted for a confident tier 1 result")
	}
	if !sink.has("field:producer") || !sink.has("field:confidence") || !sink.has("result") {
		t.Fatalf("events = %v", sink.names())
	}

	// Escalation path invariant: last entry's confidence == top confidence.
	if got := result.Escalation.Last().Confidence; got != result.Confidence {
		t.Errorf("escalation last confidence = %d, want %d", got, result.Confidence)
	}
	if len(rec.idents) != 1 {
		t.Error("analytics row missing")
	}
	if len(rec.logs) != 1 {
		t.Errorf("usage rows = %d, want 1", len(rec.logs))
	}
}

func TestIdentifyStreaming_ExactThresholdDoesNotEscalate(t *testing.T) {
	at85 := `{"producer": "Penfolds", "wineName": "Bin 389", "vintage": "2018", "confidence": 85, "candidates": []}`
	provider := (&mock.Provider{}).Script(mock.Step{Content: at85})
	svc, _ := testService(provider)

	sink := &captureSink{}
	if _, err := svc.IdentifyStreaming(context.Background(), Input{Text: "Bin 389"}, sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.CallCount() != 1 {
		t.Fatalf("confidence exactly at threshold must not escalate; calls = %d", provider.CallCount())
	}
	if sink.has("refining") {
		t.Fatal("refining emitted at exact threshold")
	}
}

func TestIdentifyStreaming_SubThresholdEscalates(t *testing.T) {
	provider := (&mock.Provider{}).Script(
		mock.Step{Content: mediumConfidence, CostUSD: 0.001},
		mock.Step{Content: refinedTeKoko, CostUSD: 0.003},
	)
	svc, _ := testService(provider)

	sink := &captureSink{}
	result, err := svc.IdentifyStreaming(context.Background(), Input{Text: "Cloudy Bay Sauv Blanc"}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.WineName != "Te Koko" || result.Confidence != 82 {
		t.Fatalf("result = %+v", result)
	}
	if !sink.has("refining") || !sink.has("refined") {
		t.Fatalf("events = %v", sink.names())
	}

	// The result event precedes refining: the user sees tier 1 immediately.
	names := sink.names()
	resultIdx, refiningIdx := -1, -1
	for i, n := range names {
		if n == "result" && resultIdx < 0 {
			resultIdx = i
		}
		if n == "refining" {
			refiningIdx = i
		}
	}
	if resultIdx < 0 || refiningIdx < resultIdx {
		t.Fatalf("event order wrong: %v", names)
	}

	// Only the changed fields re-emit after refining.
	reEmitted := names[refiningIdx+1:]
	for _, n := range reEmitted {
		if n == "field:producer" {
			t.Fatalf("unchanged field re-emitted: %v", reEmitted)
		}
	}
	sawWineName := false
	for _, n := range reEmitted {
		if n == "field:wineName" {
			sawWineName = true
		}
	}
	if !sawWineName {
		t.Fatalf("changed wineName not re-emitted: %v", reEmitted)
	}

	if len(result.Escalation.Path) != 2 {
		t.Fatalf("escalation path = %+v", result.Escalation.Path)
	}
	if result.Escalation.Last().Confidence != result.Confidence {
		t.Error("escalation path last confidence mismatch")
	}
}

func TestIdentifyStreaming_EscalationFailureKeepsTier1(t *testing.T) {
	provider := (&mock.Provider{}).Script(
		mock.Step{Content: mediumConfidence},
		mock.Step{Err: types.NewError(types.KindOverloaded, "mock", "busy")},
	)
	svc, _ := testService(provider)

	sink := &captureSink{}
	result, err := svc.IdentifyStreaming(context.Background(), Input{Text: "Cloudy Bay"}, sink)
	if err != nil {
		t.Fatalf("tier 1 succeeded; escalation failure must degrade, got %v", err)
	}
	if result.Confidence != 72 || result.WineName != "Sauvignon Blanc" {
		t.Fatalf("client view regressed: %+v", result)
	}
	if result.Escalation.Error == "" {
		t.Error("escalation error not annotated")
	}

	// refined arrives with escalated=false.
	found := false
	for _, e := range sink.events {
		if e.name == "refined" {
			found = true
			payload, ok := e.payload.(struct {
				types.Identification
				Escalated bool `json:"escalated"`
			})
			if !ok {
				t.Fatalf("refined payload type %T", e.payload)
			}
			if payload.Escalated {
				t.Error("escalated = true after failed refinement")
			}
		}
	}
	if !found {
		t.Fatalf("no refined event in %v", sink.names())
	}
}

func TestIdentifyStreaming_Tier1FailureSurfaces(t *testing.T) {
	provider := (&mock.Provider{}).Script(mock.Step{
		Err: types.NewError(types.KindOverloaded, "mock", "busy"),
	})
	svc, rec := testService(provider)

	sink := &captureSink{}
	if _, err := svc.IdentifyStreaming(context.Background(), Input{Text: "anything"}, sink); err == nil {
		t.Fatal("expected terminal tier 1 failure")
	}
	// The failed call still produced a usage row.
	if len(rec.logs) != 1 || rec.logs[0].Success {
		t.Fatalf("usage rows = %+v", rec.logs)
	}
}

// ─── Buffered ────────────────────────────────────────────────────────────────

func TestIdentify_LadderStopsAtTier15Threshold(t *testing.T) {
	provider := (&mock.Provider{}).Script(
		mock.Step{Content: mediumConfidence},
		mock.Step{Content: refinedTeKoko}, // 82 ≥ 70 stops the ladder
	)
	svc, _ := testService(provider)

	result, err := svc.Identify(context.Background(), Input{Text: "Cloudy Bay"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.CallCount() != 2 {
		t.Fatalf("calls = %d, want 2 (tier 2 skipped)", provider.CallCount())
	}
	if result.Confidence != 82 {
		t.Errorf("confidence = %d", result.Confidence)
	}
}

func TestIdentify_LadderRunsTier2WhenTier15Weak(t *testing.T) {
	weak := `{"producer": "Cloudy Bay", "wineName": "Sauvignon Blanc", "confidence": 60, "candidates": []}`
	tier2 := `{"producer": "Cloudy Bay", "wineName": "Te Koko", "confidence": 65, "candidates": []}`
	provider := (&mock.Provider{}).Script(
		mock.Step{Content: mediumConfidence}, // 72
		mock.Step{Content: weak},             // tier 1.5: 60
		mock.Step{Content: tier2},            // tier 2: 65
	)
	svc, _ := testService(provider)

	result, err := svc.Identify(context.Background(), Input{Text: "Cloudy Bay"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.CallCount() != 3 {
		t.Fatalf("calls = %d, want 3", provider.CallCount())
	}
	// Neither escalation beat tier 1; the best result never regresses.
	if result.Confidence != 72 || result.WineName != "Sauvignon Blanc" {
		t.Fatalf("result = %+v", result)
	}
	if result.Escalation.Last().Confidence != result.Confidence {
		t.Error("escalation path last confidence mismatch")
	}
}

func TestIdentify_DisambiguateAction(t *testing.T) {
	producerOnly := `{"producer": "Penfolds", "confidence": 38, "candidates": [
		{"wineName": "Grange", "score": 95},
		{"wineName": "Bin 389", "score": 80},
		{"wineName": "RWT", "score": 65}
	]}`
	provider := (&mock.Provider{}).Script(
		mock.Step{Content: producerOnly},
		mock.Step{Content: producerOnly},
		mock.Step{Content: producerOnly},
	)
	svc, _ := testService(provider)

	result, err := svc.Identify(context.Background(), Input{Text: "Penfolds"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != types.ActionDisambiguate {
		t.Fatalf("action = %s, want disambiguate", result.Action)
	}
	if len(result.Candidates) != 3 {
		t.Fatalf("candidates = %v", result.Candidates)
	}
}

func TestIdentify_LockedFieldsPreserved(t *testing.T) {
	wrongProducer := `{"producer": "Lindemans", "wineName": "Bin 389", "confidence": 90, "candidates": []}`
	provider := (&mock.Provider{}).Script(mock.Step{Content: wrongProducer})
	svc, _ := testService(provider)

	result, err := svc.Identify(context.Background(), Input{
		Text:   "Bin 389",
		Locked: map[string]string{"producer": "Penfolds"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Producer != "Penfolds" {
		t.Fatalf("locked producer overwritten: %q", result.Producer)
	}
}

// ─── User-triggered tiers ────────────────────────────────────────────────────

func TestIdentifyWithOpus_AppendsToPriorPath(t *testing.T) {
	opus := `{"producer": "Screaming Eagle", "wineName": "Cabernet Sauvignon", "vintage": "2018", "confidence": 91, "candidates": []}`
	provider := (&mock.Provider{}).Script(mock.Step{Content: opus, CostUSD: 0.25})
	svc, _ := testService(provider)

	prior := types.Identification{
		Producer: "Screaming Eagle", Confidence: 45,
		Escalation: types.EscalationPath{Path: []types.EscalationStep{
			{Tier: "1", Model: "fast", Confidence: 45},
		}},
	}
	result, err := svc.IdentifyWithOpus(context.Background(), Input{Text: "Screaming Eagle 2018"}, prior)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Escalation.Path) != 2 {
		t.Fatalf("path = %+v", result.Escalation.Path)
	}
	if result.Escalation.Last().Tier != "3" {
		t.Errorf("last tier = %s", result.Escalation.Last().Tier)
	}
	if result.Confidence != 91 {
		t.Errorf("confidence = %d", result.Confidence)
	}
}

// ─── Action derivation ───────────────────────────────────────────────────────

func TestDeriveAction(t *testing.T) {
	svc, _ := testService(&mock.Provider{})

	cases := []struct {
		name string
		r    types.Identification
		want types.Action
	}{
		{"auto", types.Identification{Producer: "P", WineName: "W", Vintage: "2019", Confidence: 90}, types.ActionAutoPopulate},
		{"high confidence incomplete", types.Identification{Producer: "P", Confidence: 90}, types.ActionSuggest},
		{"suggest band", types.Identification{Producer: "P", WineName: "W", Vintage: "2019", Confidence: 60}, types.ActionSuggest},
		{"user choice", types.Identification{Confidence: 30}, types.ActionUserChoice},
		{"comparable candidates", types.Identification{
			Producer: "P", WineName: "W", Vintage: "2019", Confidence: 90,
			Candidates: []types.Candidate{{WineName: "A", Score: 90}, {WineName: "B", Score: 85}},
		}, types.ActionDisambiguate},
		{"clear winner", types.Identification{
			Producer: "P", WineName: "W", Vintage: "2019", Confidence: 90,
			Candidates: []types.Candidate{{WineName: "A", Score: 95}, {WineName: "B", Score: 40}},
		}, types.ActionAutoPopulate},
	}
	for _, c := range cases {
		if got := svc.deriveAction(c.r); got != c.want {
			t.Errorf("%s: action = %s, want %s", c.name, got, c.want)
		}
	}
}
