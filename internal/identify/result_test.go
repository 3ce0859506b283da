package identify

import (
	"reflect"
	"testing"

	"github.com/philhumber/vintner/pkg/types"
)

func TestParseResult_FullDocument(t *testing.T) {
	r, ok := parseResult(`{
		"producer": "Château Margaux",
		"wineName": "Château Margaux",
		"vintage": "2019",
		"region": "Margaux",
		"country": "France",
		"wineType": "Red",
		"grapes": ["Cabernet Sauvignon", "Merlot"],
		"confidence": 95,
		"candidates": []
	}`)
	if !ok {
		t.Fatal("parse failed")
	}
	if r.Producer != "Château Margaux" || r.Vintage != "2019" || r.WineType != types.WineTypeRed {
		t.Fatalf("result = %+v", r)
	}
	if r.Confidence != 95 {
		t.Errorf("confidence = %d", r.Confidence)
	}
}

func TestParseResult_NullsAndFences(t *testing.T) {
	r, ok := parseResult("```json\n{\"producer\": \"Penfolds\", \"wineName\": null, \"vintage\": null, \"confidence\": 38}\n```")
	if !ok {
		t.Fatal("parse failed")
	}
	if r.Producer != "Penfolds" || r.WineName != "" || r.Vintage != "" {
		t.Fatalf("result = %+v", r)
	}
}

func TestParseResult_ClampsAndNormalises(t *testing.T) {
	r, ok := parseResult(`{"vintage": "non-vintage", "wineType": "Pink", "confidence": 140}`)
	if !ok {
		t.Fatal("parse failed")
	}
	if r.Vintage != "NV" {
		t.Errorf("vintage = %q, want NV", r.Vintage)
	}
	if r.WineType != "" {
		t.Errorf("invalid wineType kept: %q", r.WineType)
	}
	if r.Confidence != 100 {
		t.Errorf("confidence = %d, want clamped 100", r.Confidence)
	}
}

func TestParseResult_Unparseable(t *testing.T) {
	if _, ok := parseResult("I am sorry, I cannot identify this wine."); ok {
		t.Fatal("prose should not parse")
	}
}

func TestNormalizeVintage(t *testing.T) {
	cases := map[string]string{
		"2019": "2019", "NV": "NV", "nv": "NV", "N.V.": "NV",
		"non vintage": "NV", "about 2015": "", "19": "",
	}
	for in, want := range cases {
		if got := normalizeVintage(in); got != want {
			t.Errorf("normalizeVintage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDiffFields_DeterministicOrder(t *testing.T) {
	prev := types.Identification{Producer: "Cloudy Bay", WineName: "Sauvignon Blanc", Confidence: 72}
	next := types.Identification{Producer: "Cloudy Bay", WineName: "Te Koko", Region: "Marlborough", Confidence: 82}

	got := diffFields(prev, next)
	want := []string{"wineName", "region"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("diff = %v, want %v", got, want)
	}
}

func TestDiffFields_NoChanges(t *testing.T) {
	r := types.Identification{Producer: "Penfolds", Grapes: []string{"Shiraz"}}
	if d := diffFields(r, r); len(d) != 0 {
		t.Fatalf("diff of identical results = %v", d)
	}
}

func TestApplyLocked(t *testing.T) {
	r := types.Identification{Producer: "Wrong", Vintage: "2001"}
	applyLocked(&r, map[string]string{
		"producer": "Penfolds",
		"vintage":  "2016",
		"wineType": "Red",
	})
	if r.Producer != "Penfolds" || r.Vintage != "2016" || r.WineType != types.WineTypeRed {
		t.Fatalf("result = %+v", r)
	}
}
