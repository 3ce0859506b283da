// Package types defines the shared types used across all Vintner packages.
//
// These types form the lingua franca between provider adapters, the router,
// the identification and enrichment services, and the SSE transport. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// WineType enumerates the recognised wine styles.
type WineType string

const (
	WineTypeRed       WineType = "Red"
	WineTypeWhite     WineType = "White"
	WineTypeRose      WineType = "Rosé"
	WineTypeSparkling WineType = "Sparkling"
	WineTypeDessert   WineType = "Dessert"
	WineTypeFortified WineType = "Fortified"
)

// IsValid reports whether t is one of the recognised wine styles.
func (t WineType) IsValid() bool {
	switch t {
	case WineTypeRed, WineTypeWhite, WineTypeRose, WineTypeSparkling,
		WineTypeDessert, WineTypeFortified:
		return true
	}
	return false
}

// InputType identifies what kind of input drove an identification.
type InputType string

const (
	InputText  InputType = "text"
	InputImage InputType = "image"
)

// Action is the UI-facing recommendation derived from a final identification.
type Action string

const (
	// ActionAutoPopulate means confidence is high enough to fill the form
	// without asking the user.
	ActionAutoPopulate Action = "auto_populate"

	// ActionSuggest means the result is shown as a suggestion the user can
	// accept or edit.
	ActionSuggest Action = "suggest"

	// ActionDisambiguate means several candidates scored comparably and the
	// user must pick one.
	ActionDisambiguate Action = "disambiguate"

	// ActionUserChoice means confidence is too low to suggest anything; the
	// user is offered an explicit premium retry.
	ActionUserChoice Action = "user_choice"
)

// Identification is the result of a wine identification query. Any field may
// be empty when the model did not recognise it. Confidence reflects
// recognition of a real wine, not plausibility of filled fields.
type Identification struct {
	Producer string   `json:"producer,omitempty"`
	WineName string   `json:"wineName,omitempty"`
	Vintage  string   `json:"vintage,omitempty"` // year string or "NV"
	Region   string   `json:"region,omitempty"`
	Country  string   `json:"country,omitempty"`
	WineType WineType `json:"wineType,omitempty"`
	Grapes   []string `json:"grapes,omitempty"`

	// Confidence is an integer score in [0, 100].
	Confidence int `json:"confidence"`

	// Candidates holds alternative matches when the top result is ambiguous.
	Candidates []Candidate `json:"candidates,omitempty"`

	// Action is derived from the final confidence and field coverage.
	Action Action `json:"action,omitempty"`

	// Escalation records the tier path actually traversed.
	Escalation EscalationPath `json:"escalation"`
}

// Candidate is an alternative match offered during disambiguation.
type Candidate struct {
	Producer string `json:"producer,omitempty"`
	WineName string `json:"wineName,omitempty"`
	Vintage  string `json:"vintage,omitempty"`
	Score    int    `json:"score"`
}

// EscalationStep records one tier traversal during identification.
type EscalationStep struct {
	Tier       string  `json:"tier"`
	Model      string  `json:"model"`
	Confidence int     `json:"confidence"`
	CostUSD    float64 `json:"costUSD"`
}

// EscalationPath is the ordered list of tiers traversed, oldest first. The
// last step's confidence always equals the top-level result confidence.
type EscalationPath struct {
	Path      []EscalationStep `json:"path"`
	Cancelled bool             `json:"cancelled,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Last returns the most recent step, or a zero step if the path is empty.
func (p EscalationPath) Last() EscalationStep {
	if len(p.Path) == 0 {
		return EscalationStep{}
	}
	return p.Path[len(p.Path)-1]
}

// TotalCost sums the cost of every traversed tier.
func (p EscalationPath) TotalCost() float64 {
	var total float64
	for _, s := range p.Path {
		total += s.CostUSD
	}
	return total
}

// Source identifies where an enrichment payload came from.
type Source string

const (
	SourceInference Source = "inference"
	SourceCache     Source = "cache"
	SourceWebSearch Source = "web_search"
)

// Enrichment augments a confirmed identification with tasting and drinking
// detail. All sections are optional; a section that failed validation is
// dropped rather than failing the whole enrichment.
type Enrichment struct {
	Overview         string           `json:"overview,omitempty"`
	GrapeComposition []GrapeShare     `json:"grapeComposition,omitempty"`
	StyleProfile     *StyleProfile    `json:"styleProfile,omitempty"`
	TastingNotes     *TastingNotes    `json:"tastingNotes,omitempty"`
	CriticScores     []CriticScore    `json:"criticScores,omitempty"`
	DrinkWindow      *DrinkWindow     `json:"drinkWindow,omitempty"`
	FoodPairings     []string         `json:"foodPairings,omitempty"`

	Source Source `json:"source"`

	// Stale is set when a failed refresh fell back to an expired cache row.
	Stale bool `json:"stale,omitempty"`
}

// GrapeShare is one entry of a grape composition.
type GrapeShare struct {
	Grape      string  `json:"grape"`
	Percentage float64 `json:"percentage"`
}

// StyleProfile describes the structural character of a wine.
type StyleProfile struct {
	Body      string `json:"body,omitempty"`
	Tannin    string `json:"tannin,omitempty"`
	Acidity   string `json:"acidity,omitempty"`
	Sweetness string `json:"sweetness,omitempty"`
}

// TastingNotes holds nose, palate, and finish descriptors.
type TastingNotes struct {
	Nose   []string `json:"nose,omitempty"`
	Palate []string `json:"palate,omitempty"`
	Finish string   `json:"finish,omitempty"`
}

// CriticScore is one critic rating, on a [0, 100] scale.
type CriticScore struct {
	Critic  string `json:"critic"`
	Score   int    `json:"score"`
	Vintage string `json:"vintage,omitempty"`
}

// DrinkWindow is the recommended drinking range. Years satisfy
// Start ≤ Peak ≤ End when all three are present.
type DrinkWindow struct {
	Start int `json:"start,omitempty"`
	End   int `json:"end,omitempty"`
	Peak  int `json:"peak,omitempty"`
}

// PendingConfirmation is returned by an enrichment lookup when a fuzzy cache
// match was found but the caller did not pre-approve fuzzy matches. The user
// must accept or reject before the cached row is reused.
type PendingConfirmation struct {
	MatchType   string  `json:"matchType"`
	SearchedFor string  `json:"searchedFor"`
	MatchedTo   string  `json:"matchedTo"`
	Confidence  float64 `json:"confidence"`
}

// CallRecord is the per-LLM-call usage record emitted by the router and
// persisted by the cost tracker. One record is written for every outbound
// call, successful or failed.
type CallRecord struct {
	UserID       string
	SessionID    string
	Provider     string
	Model        string
	TaskType     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Latency      time.Duration
	Success      bool
	ErrorKind    Kind   // zero value when Success
	ErrorMessage string // empty when Success
	CreatedAt    time.Time
}
