package identify

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"

	"github.com/philhumber/vintner/internal/streamjson"
	"github.com/philhumber/vintner/pkg/types"
)

// wireResult mirrors the identification response schema.
type wireResult struct {
	Producer   *string         `json:"producer"`
	WineName   *string         `json:"wineName"`
	Vintage    *string         `json:"vintage"`
	Region     *string         `json:"region"`
	Country    *string         `json:"country"`
	WineType   *string         `json:"wineType"`
	Grapes     []string        `json:"grapes"`
	Confidence int             `json:"confidence"`
	Candidates []wireCandidate `json:"candidates"`
}

type wireCandidate struct {
	Producer *string `json:"producer"`
	WineName *string `json:"wineName"`
	Vintage  *string `json:"vintage"`
	Score    int     `json:"score"`
}

var vintageRe = regexp.MustCompile(`^(\d{4}|NV)$`)

// parseResult extracts an identification from raw model output, tolerating
// fences and prose around the JSON document. Unparseable content reports
// ok=false; the caller treats that as an invalid_response.
func parseResult(content string) (types.Identification, bool) {
	doc := streamjson.ExtractJSONDocument(content)
	if doc == "" {
		return types.Identification{}, false
	}
	var w wireResult
	if err := json.Unmarshal([]byte(doc), &w); err != nil {
		return types.Identification{}, false
	}

	r := types.Identification{
		Producer:   deref(w.Producer),
		WineName:   deref(w.WineName),
		Vintage:    normalizeVintage(deref(w.Vintage)),
		Region:     deref(w.Region),
		Country:    deref(w.Country),
		Grapes:     w.Grapes,
		Confidence: clampConfidence(w.Confidence),
	}
	if wt := types.WineType(deref(w.WineType)); wt.IsValid() {
		r.WineType = wt
	}
	for _, c := range w.Candidates {
		r.Candidates = append(r.Candidates, types.Candidate{
			Producer: deref(c.Producer),
			WineName: deref(c.WineName),
			Vintage:  normalizeVintage(deref(c.Vintage)),
			Score:    clampConfidence(c.Score),
		})
	}
	return r, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// normalizeVintage keeps four-digit years, maps non-vintage spellings to
// "NV", and drops anything else.
func normalizeVintage(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToUpper(v) {
	case "NV", "N.V.", "NON-VINTAGE", "NON VINTAGE":
		return "NV"
	}
	if vintageRe.MatchString(v) {
		return v
	}
	return ""
}

// diffFieldOrder is the deterministic emission order for refinement diffs.
var diffFieldOrder = []string{
	"producer", "wineName", "vintage", "region", "country",
	"wineType", "grapes", "candidates",
}

// fieldValue returns the named top-level field of r as an SSE-emittable
// value.
func fieldValue(r types.Identification, field string) any {
	switch field {
	case "producer":
		return r.Producer
	case "wineName":
		return r.WineName
	case "vintage":
		return r.Vintage
	case "region":
		return r.Region
	case "country":
		return r.Country
	case "wineType":
		return string(r.WineType)
	case "grapes":
		return r.Grapes
	case "candidates":
		return r.Candidates
	default:
		return nil
	}
}

// diffFields returns the top-level fields whose value changed between prev
// and next, in the deterministic [diffFieldOrder].
func diffFields(prev, next types.Identification) []string {
	var changed []string
	for _, f := range diffFieldOrder {
		if !reflect.DeepEqual(fieldValue(prev, f), fieldValue(next, f)) {
			changed = append(changed, f)
		}
	}
	return changed
}

// applyLocked forces user-confirmed field values onto r. Later tiers must
// preserve locked fields unchanged.
func applyLocked(r *types.Identification, locked map[string]string) {
	for field, v := range locked {
		switch field {
		case "producer":
			r.Producer = v
		case "wineName":
			r.WineName = v
		case "vintage":
			r.Vintage = normalizeVintage(v)
		case "region":
			r.Region = v
		case "country":
			r.Country = v
		case "wineType":
			if wt := types.WineType(v); wt.IsValid() {
				r.WineType = wt
			}
		}
	}
}
