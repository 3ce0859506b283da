package enrich

import (
	"context"
	"math"

	"github.com/philhumber/vintner/internal/observe"
	"github.com/philhumber/vintner/pkg/types"
)

// grapeSumTolerance is how far grape percentages may drift from 100 before
// the section is dropped.
const grapeSumTolerance = 5.0

// validate enforces the per-section invariants, dropping any section that
// fails rather than failing the whole enrichment:
//
//   - grape percentages sum to 100 ± tolerance
//   - drink window satisfies start ≤ peak ≤ end for the parts present
//   - critic scores fall within [0, 100]
func validate(ctx context.Context, e *types.Enrichment) {
	log := observe.Logger(ctx)

	if len(e.GrapeComposition) > 0 {
		var sum float64
		for _, g := range e.GrapeComposition {
			sum += g.Percentage
		}
		if math.Abs(sum-100) > grapeSumTolerance {
			log.Warn("dropping grape composition: percentages do not sum to 100", "sum", sum)
			e.GrapeComposition = nil
		}
	}

	if w := e.DrinkWindow; w != nil {
		ok := true
		if w.Start != 0 && w.Peak != 0 && w.Start > w.Peak {
			ok = false
		}
		if w.Peak != 0 && w.End != 0 && w.Peak > w.End {
			ok = false
		}
		if w.Start != 0 && w.End != 0 && w.Start > w.End {
			ok = false
		}
		if !ok {
			log.Warn("dropping drink window: start/peak/end out of order",
				"start", w.Start, "peak", w.Peak, "end", w.End)
			e.DrinkWindow = nil
		}
	}

	if len(e.CriticScores) > 0 {
		kept := e.CriticScores[:0]
		for _, c := range e.CriticScores {
			if c.Score < 0 || c.Score > 100 {
				log.Warn("dropping critic score out of range", "critic", c.Critic, "score", c.Score)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			e.CriticScores = nil
		} else {
			e.CriticScores = kept
		}
	}
}

// merge combines a freshly inferred enrichment with the prior cache row
// section-wise. Newer values win, but a section absent from the fresh payload
// never silently deletes the old one.
func merge(fresh, prior types.Enrichment) types.Enrichment {
	out := fresh
	if out.Overview == "" {
		out.Overview = prior.Overview
	}
	if len(out.GrapeComposition) == 0 {
		out.GrapeComposition = prior.GrapeComposition
	}
	if out.StyleProfile == nil {
		out.StyleProfile = prior.StyleProfile
	}
	if out.TastingNotes == nil {
		out.TastingNotes = prior.TastingNotes
	}
	if len(out.CriticScores) == 0 {
		out.CriticScores = prior.CriticScores
	}
	if out.DrinkWindow == nil {
		out.DrinkWindow = prior.DrinkWindow
	}
	if len(out.FoodPairings) == 0 {
		out.FoodPairings = prior.FoodPairings
	}
	return out
}
