// Package prompts is the single source of truth for the templated prompt
// strings and the response schemas handed to providers. The schema for a
// task and its prompt text must agree on field names — divergence silently
// degrades field detection — so both live here and the contract is pinned by
// tests.
package prompts

import (
	"fmt"
	"strings"
)

// ─── Identification ───────────────────────────────────────────────────────────

// IdentifyCompact is the Tier 1 streaming prompt. It stays short because the
// response schema constrains structure; a short prompt minimises TTFB.
func IdentifyCompact(text string) string {
	return fmt.Sprintf(`You are an expert sommelier. Identify the wine described below.
Report only wines you genuinely recognise; confidence reflects recognition of a real wine, not how plausible the fields look. Use "NV" for non-vintage.

Wine: %s`, text)
}

// IdentifyFull is the Tier 1 buffered-fallback prompt with the output format
// spelled out, for providers that cannot take a response schema.
func IdentifyFull(text string) string {
	return fmt.Sprintf(`You are an expert sommelier. Identify the wine described below.

Respond with a single JSON object using exactly these keys:
"producer", "wineName", "vintage", "region", "country", "wineType", "grapes", "confidence", "candidates".

- "wineType" is one of: Red, White, Rosé, Sparkling, Dessert, Fortified.
- "vintage" is a year string or "NV".
- "grapes" is an array of variety names.
- "confidence" is an integer 0-100 reflecting recognition of a real wine.
- "candidates" is an array of {"producer","wineName","vintage","score"} for
  alternative matches when the top result is ambiguous; otherwise [].
- Use null for any field you cannot determine.

Wine: %s`, text)
}

// IdentifyDeep is the Tier 1.5+ prompt: reason carefully, optionally verify
// with web search, and honour the prior attempt and user constraints.
func IdentifyDeep(text, priorContext string) string {
	var b strings.Builder
	b.WriteString(`You are an expert sommelier performing a careful second-pass identification.
Reason step by step about producer, appellation, and labelling conventions before answering. If a web search tool is available, use it to verify the wine exists.

`)
	if priorContext != "" {
		b.WriteString(priorContext)
		b.WriteString("\n\n")
	}
	b.WriteString(`Respond with a single JSON object using exactly these keys:
"producer", "wineName", "vintage", "region", "country", "wineType", "grapes", "confidence", "candidates".
Use null for unknown fields; "confidence" is an integer 0-100.

Wine: `)
	b.WriteString(text)
	return b.String()
}

// IdentifyLabelCompact is the Tier 1 vision prompt. It is framed as reading
// the label text to reduce hallucination.
func IdentifyLabelCompact(supplementary string) string {
	p := `You are an expert sommelier. Read the text on this wine label and identify the wine. Report what the label actually says; do not invent a producer or cuvée that is not printed on it. Use "NV" for non-vintage.`
	if supplementary != "" {
		p += "\n\nAdditional context from the user: " + supplementary
	}
	return p
}

// IdentifyLabelDeep is the higher-tier vision prompt adding web-search
// verification.
func IdentifyLabelDeep(supplementary, priorContext string) string {
	var b strings.Builder
	b.WriteString(`You are an expert sommelier. Read the text on this wine label carefully, then verify the wine with a web search if the tool is available. Cross-check the producer, cuvée, and vintage against what is printed.

`)
	if priorContext != "" {
		b.WriteString(priorContext)
		b.WriteString("\n\n")
	}
	b.WriteString(`Respond with a single JSON object using exactly these keys:
"producer", "wineName", "vintage", "region", "country", "wineType", "grapes", "confidence", "candidates".
Use null for unknown fields; "confidence" is an integer 0-100.`)
	if supplementary != "" {
		b.WriteString("\n\nAdditional context from the user: " + supplementary)
	}
	return b.String()
}

// IdentifySchema is the response schema for all identification tasks.
func IdentifySchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"producer": map[string]any{"type": "string", "nullable": true},
			"wineName": map[string]any{"type": "string", "nullable": true},
			"vintage":  map[string]any{"type": "string", "nullable": true},
			"region":   map[string]any{"type": "string", "nullable": true},
			"country":  map[string]any{"type": "string", "nullable": true},
			"wineType": map[string]any{
				"type":     "string",
				"enum":     []any{"Red", "White", "Rosé", "Sparkling", "Dessert", "Fortified"},
				"nullable": true,
			},
			"grapes": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"confidence": map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
			"candidates": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"producer": map[string]any{"type": "string", "nullable": true},
						"wineName": map[string]any{"type": "string", "nullable": true},
						"vintage":  map[string]any{"type": "string", "nullable": true},
						"score":    map[string]any{"type": "integer"},
					},
				},
			},
		},
		// Field order drives the streaming experience: identity first,
		// confidence last so the client can finalise on it.
		"propertyOrdering": []any{
			"producer", "wineName", "vintage", "region", "country",
			"wineType", "grapes", "candidates", "confidence",
		},
		"required": []any{"confidence"},
	}
}

// ─── Enrichment ───────────────────────────────────────────────────────────────

// Enrich is the enrichment prompt; grounding is enabled for this task so the
// model can pull critic scores and drink windows from the live web.
func Enrich(producer, wineName, vintage, wineType, region string) string {
	var b strings.Builder
	b.WriteString("You are an expert sommelier compiling a dossier on this wine:\n\n")
	fmt.Fprintf(&b, "Producer: %s\nWine: %s\n", producer, wineName)
	if vintage != "" {
		fmt.Fprintf(&b, "Vintage: %s\n", vintage)
	}
	if wineType != "" {
		fmt.Fprintf(&b, "Type: %s\n", wineType)
	}
	if region != "" {
		fmt.Fprintf(&b, "Region: %s\n", region)
	}
	b.WriteString(`
Use web search if available to verify critic scores and drink windows.
Respond with a single JSON object using exactly these keys:
"overview", "grapeComposition", "styleProfile", "tastingNotes", "criticScores", "drinkWindow", "foodPairings".
Omit or null any section you cannot source reliably. Grape percentages must sum to approximately 100.`)
	return b.String()
}

// EnrichSchema is the response schema for the enrichment task, covering the
// seven output sections.
func EnrichSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"overview": map[string]any{"type": "string", "nullable": true},
			"grapeComposition": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"grape":      map[string]any{"type": "string"},
						"percentage": map[string]any{"type": "number"},
					},
				},
			},
			"styleProfile": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"body":      map[string]any{"type": "string"},
					"tannin":    map[string]any{"type": "string"},
					"acidity":   map[string]any{"type": "string"},
					"sweetness": map[string]any{"type": "string"},
				},
				"nullable": true,
			},
			"tastingNotes": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"nose":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"palate": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"finish": map[string]any{"type": "string"},
				},
				"nullable": true,
			},
			"criticScores": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"critic":  map[string]any{"type": "string"},
						"score":   map[string]any{"type": "integer"},
						"vintage": map[string]any{"type": "string", "nullable": true},
					},
				},
			},
			"drinkWindow": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start": map[string]any{"type": "integer"},
					"end":   map[string]any{"type": "integer"},
					"peak":  map[string]any{"type": "integer"},
				},
				"nullable": true,
			},
			"foodPairings": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"propertyOrdering": []any{
			"styleProfile", "grapeComposition", "overview", "tastingNotes",
			"drinkWindow", "criticScores", "foodPairings",
		},
	}
}

// ─── Clarification ────────────────────────────────────────────────────────────

// ClarifyMatch asks the model to pick which option the identified value
// refers to.
func ClarifyMatch(matchType, identified string, options []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are an expert sommelier. A wine %s was identified as %q, which matches none of the user's cellar entries exactly. Decide which of the following options it most likely refers to, or "none" if no option fits.

Options:
`, matchType, identified)
	for i, o := range options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, o)
	}
	b.WriteString(`
Respond with a single JSON object using exactly these keys:
"match" (the chosen option text or null), "confidence" (integer 0-100), "reasoning" (one short sentence).`)
	return b.String()
}

// ClarifySchema is the response schema for the clarify_match task.
func ClarifySchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"match":      map[string]any{"type": "string", "nullable": true},
			"confidence": map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
			"reasoning":  map[string]any{"type": "string"},
		},
		"required": []any{"confidence"},
	}
}

// ─── Prior context ────────────────────────────────────────────────────────────

// PriorContext renders the previous tier's result for the next tier's
// prompt, together with any locked fields and structured constraints.
func PriorContext(producer, wineName, region string, confidence int, locked map[string]string, constraints []string) string {
	var b strings.Builder
	fmt.Fprintf(&b,
		"Previous attempt: Producer=%s, Wine=%s, Region=%s (confidence: %d%%). Analyze more carefully and look for details missed.",
		orUnknown(producer), orUnknown(wineName), orUnknown(region), confidence)
	if len(locked) > 0 {
		b.WriteString("\nThe user confirmed these values; preserve them unchanged:")
		for _, field := range []string{"producer", "wineName", "vintage", "region", "country", "wineType"} {
			if v, ok := locked[field]; ok {
				fmt.Fprintf(&b, "\n- %s: %s", field, v)
			}
		}
	}
	for _, c := range constraints {
		b.WriteString("\n" + c)
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
