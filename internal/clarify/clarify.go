// Package clarify implements the free-text disambiguation helper: given an
// identified value and the user's candidate options, the model picks the one
// the identification most likely refers to.
package clarify

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/philhumber/vintner/internal/prompts"
	"github.com/philhumber/vintner/internal/router"
	"github.com/philhumber/vintner/internal/streamjson"
	"github.com/philhumber/vintner/pkg/provider/llm"
	"github.com/philhumber/vintner/pkg/types"
)

// TaskClarifyMatch is the router task type for clarification.
const TaskClarifyMatch = "clarify_match"

// maxOptions caps the option list; longer lists are truncated, never
// rejected.
const maxOptions = 10

// validMatchTypes are the accepted values of Request.Type.
var validMatchTypes = []string{"region", "producer", "wine"}

// Request is one clarification query.
type Request struct {
	Type       string   `json:"type"`
	Identified string   `json:"identified"`
	Options    []string `json:"options"`

	Identity router.Identity `json:"-"`
}

// Result is the model's pick.
type Result struct {
	Match      string `json:"match"`
	Confidence int    `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

// Service answers clarification queries through the router.
type Service struct {
	router *router.Router
}

// NewService creates a clarification service.
func NewService(r *router.Router) *Service {
	return &Service{router: r}
}

// Clarify validates req and asks the model which option the identified value
// refers to. An empty option list is an invalid request; a list longer than
// ten options is truncated to ten.
func (s *Service) Clarify(ctx context.Context, req Request) (*Result, error) {
	if len(req.Options) == 0 {
		return nil, types.NewError(types.KindInvalidRequest, "", "at least one option required")
	}
	if req.Identified == "" {
		return nil, types.NewError(types.KindInvalidRequest, "", "identified value is required")
	}
	if !slices.Contains(validMatchTypes, req.Type) {
		return nil, types.NewError(types.KindInvalidRequest, "",
			"type must be one of region, producer, wine")
	}
	options := req.Options
	if len(options) > maxOptions {
		options = options[:maxOptions]
	}

	prompt := prompts.ClarifyMatch(req.Type, req.Identified, options)
	resp, err := s.router.Complete(ctx, req.Identity, TaskClarifyMatch, prompt, llm.Options{
		JSONResponse:   true,
		ResponseSchema: prompts.ClarifySchema(),
	})
	if err != nil {
		return nil, err
	}

	doc := streamjson.ExtractJSONDocument(resp.Content)
	if doc == "" {
		return nil, types.NewError(types.KindClarificationError, resp.Provider,
			"clarification output was not parseable")
	}
	var wire struct {
		Match      *string `json:"match"`
		Confidence int     `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(doc), &wire); err != nil {
		return nil, types.NewError(types.KindClarificationError, resp.Provider,
			"clarification output was not parseable")
	}

	out := &Result{Confidence: wire.Confidence, Reasoning: wire.Reasoning}
	if wire.Match != nil && slices.Contains(options, *wire.Match) {
		out.Match = *wire.Match
	}
	return out, nil
}
