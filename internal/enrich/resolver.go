package enrich

import (
	"context"

	"github.com/antzucaro/matchr"
)

// Match is a fuzzy resolution outcome: the cache key the query most likely
// refers to, with a [0, 1] similarity confidence.
type Match struct {
	Key        Key
	Confidence float64
}

// Resolver performs fuzzy canonical-name resolution over cache keys. It is a
// read-only consumer of a candidate query function — never the cache owner —
// which keeps the enrichment service and the resolver out of a dependency
// cycle.
type Resolver struct {
	// candidates returns the canonical keys sharing a vintage.
	candidates func(ctx context.Context, vintage string) ([]Key, error)

	// producerMax and wineMax are the edit-distance ceilings.
	producerMax int
	wineMax     int
}

// NewResolver creates a resolver over the given candidate source with the
// configured distance ceilings.
func NewResolver(candidates func(ctx context.Context, vintage string) ([]Key, error), producerMax, wineMax int) *Resolver {
	return &Resolver{
		candidates:  candidates,
		producerMax: producerMax,
		wineMax:     wineMax,
	}
}

// Resolve searches for a cache key within edit distance of the query key.
// It returns nil when no candidate is close enough, and the single best
// match otherwise. Ties favour the smaller combined distance; among equals,
// the earlier candidate wins.
func (r *Resolver) Resolve(ctx context.Context, query Key) (*Match, error) {
	keys, err := r.candidates(ctx, query.Vintage)
	if err != nil {
		return nil, err
	}

	var (
		best     *Match
		bestDist int
	)
	for _, k := range keys {
		if k == query {
			continue // exact hits are the caller's fast path
		}
		pd := matchr.DamerauLevenshtein(query.Producer, k.Producer)
		wd := matchr.DamerauLevenshtein(query.WineName, k.WineName)
		if pd > r.producerMax || wd > r.wineMax {
			continue
		}
		if best == nil || pd+wd < bestDist {
			best = &Match{Key: k, Confidence: similarity(query, k)}
			bestDist = pd + wd
		}
	}
	return best, nil
}

// similarity scores a candidate against the query as the mean Jaro-Winkler
// similarity of producer and wine name.
func similarity(query, candidate Key) float64 {
	p, err := matchr.JaroWinkler(query.Producer, candidate.Producer, true)
	if err != nil {
		p = 0
	}
	w, err := matchr.JaroWinkler(query.WineName, candidate.WineName, true)
	if err != nil {
		w = 0
	}
	return (p + w) / 2
}
