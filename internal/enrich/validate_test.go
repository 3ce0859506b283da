package enrich

import (
	"context"
	"testing"

	"github.com/philhumber/vintner/pkg/types"
)

func TestValidate_GrapeSum(t *testing.T) {
	e := types.Enrichment{
		GrapeComposition: []types.GrapeShare{
			{Grape: "Cabernet Sauvignon", Percentage: 87},
			{Grape: "Merlot", Percentage: 13},
		},
	}
	validate(context.Background(), &e)
	if len(e.GrapeComposition) != 2 {
		t.Fatal("valid composition was dropped")
	}

	bad := types.Enrichment{
		GrapeComposition: []types.GrapeShare{{Grape: "Syrah", Percentage: 60}},
	}
	validate(context.Background(), &bad)
	if bad.GrapeComposition != nil {
		t.Fatal("composition summing to 60 survived validation")
	}
}

func TestValidate_DrinkWindowOrder(t *testing.T) {
	ok := types.Enrichment{DrinkWindow: &types.DrinkWindow{Start: 2020, Peak: 2030, End: 2045}}
	validate(context.Background(), &ok)
	if ok.DrinkWindow == nil {
		t.Fatal("ordered window was dropped")
	}

	bad := types.Enrichment{DrinkWindow: &types.DrinkWindow{Start: 2040, Peak: 2030, End: 2045}}
	validate(context.Background(), &bad)
	if bad.DrinkWindow != nil {
		t.Fatal("start > peak survived validation")
	}

	partial := types.Enrichment{DrinkWindow: &types.DrinkWindow{Peak: 2030}}
	validate(context.Background(), &partial)
	if partial.DrinkWindow == nil {
		t.Fatal("peak-only window should be accepted")
	}
}

func TestValidate_CriticScoreRange(t *testing.T) {
	e := types.Enrichment{
		CriticScores: []types.CriticScore{
			{Critic: "Wine Advocate", Score: 98},
			{Critic: "Broken", Score: 120},
		},
	}
	validate(context.Background(), &e)
	if len(e.CriticScores) != 1 || e.CriticScores[0].Critic != "Wine Advocate" {
		t.Fatalf("scores after validation: %v", e.CriticScores)
	}
}

func TestMerge_NewerWinsAbsentSurvives(t *testing.T) {
	prior := types.Enrichment{
		Overview:     "old overview",
		FoodPairings: []string{"lamb"},
		StyleProfile: &types.StyleProfile{Body: "Full"},
	}
	fresh := types.Enrichment{
		Overview: "new overview",
		GrapeComposition: []types.GrapeShare{
			{Grape: "Cabernet Sauvignon", Percentage: 100},
		},
	}

	merged := merge(fresh, prior)
	if merged.Overview != "new overview" {
		t.Errorf("newer overview should win, got %q", merged.Overview)
	}
	if len(merged.FoodPairings) != 1 {
		t.Error("prior food pairings were silently deleted")
	}
	if merged.StyleProfile == nil || merged.StyleProfile.Body != "Full" {
		t.Error("prior style profile was silently deleted")
	}
	if len(merged.GrapeComposition) != 1 {
		t.Error("fresh grape composition lost")
	}
}
