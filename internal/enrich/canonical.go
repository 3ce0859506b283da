// Package enrich augments a confirmed identification with grape composition,
// style profile, tasting notes, critic scores, drink window, and food
// pairings, backed by a content-addressed cache with canonical-name
// resolution.
package enrich

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Key is the canonical (producer, wineName, vintage) cache identifier.
// All three parts are case-, diacritic-, and whitespace-folded, so
// "Château Margaux" and "chateau  MARGAUX" address the same row.
type Key struct {
	Producer string
	WineName string
	Vintage  string
}

// NewKey canonicalises the raw tuple. Canonicalisation is idempotent:
// NewKey over an already-canonical tuple returns it unchanged.
func NewKey(producer, wineName, vintage string) Key {
	return Key{
		Producer: Canonical(producer),
		WineName: Canonical(wineName),
		Vintage:  Canonical(vintage),
	}
}

// diacriticFold strips combining marks after NFD decomposition.
var diacriticFold = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Canonical folds diacritics, lowercases, trims, and collapses internal
// whitespace runs to single spaces.
func Canonical(s string) string {
	folded, _, err := transform.String(diacriticFold, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
