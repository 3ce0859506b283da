package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/philhumber/vintner/internal/clarify"
	"github.com/philhumber/vintner/internal/enrich"
	"github.com/philhumber/vintner/internal/identify"
	"github.com/philhumber/vintner/internal/sse"
	"github.com/philhumber/vintner/internal/usage"
	"github.com/philhumber/vintner/pkg/types"
)

// IdentifyService is the identification surface the handlers call.
type IdentifyService interface {
	Identify(ctx context.Context, in identify.Input) (*types.Identification, error)
	IdentifyStreaming(ctx context.Context, in identify.Input, sink identify.EventSink) (*types.Identification, error)
	IdentifyWithOpus(ctx context.Context, in identify.Input, prior types.Identification) (*types.Identification, error)
	VerifyImage(ctx context.Context, in identify.Input, prior types.Identification) (*types.Identification, error)
}

// EnrichService is the enrichment surface the handlers call.
type EnrichService interface {
	Enrich(ctx context.Context, req enrich.Request) (*enrich.Outcome, error)
	EnrichStreaming(ctx context.Context, req enrich.Request, sink enrich.EventSink) (*enrich.Outcome, error)
}

// ClarifyService is the clarification surface the handlers call.
type ClarifyService interface {
	Clarify(ctx context.Context, req clarify.Request) (*clarify.Result, error)
}

// UsageService is the usage-statistics surface the handlers call.
type UsageService interface {
	DetailedStats(ctx context.Context, userID string, days int) ([]usage.DailyRow, error)
	CostSummary(ctx context.Context, userID string, start, end time.Time) (map[string]float64, error)
}

// ─── Request bodies ───────────────────────────────────────────────────────────

type identifyTextBody struct {
	Text string `json:"text"`
}

type identifyImageBody struct {
	Image             string `json:"image"` // base64
	MimeType          string `json:"mimeType"`
	SupplementaryText string `json:"supplementaryText"`
}

type opusBody struct {
	Text              string                `json:"text"`
	Image             string                `json:"image"`
	MimeType          string                `json:"mimeType"`
	PriorResult       types.Identification  `json:"priorResult"`
	LockedFields      map[string]string     `json:"lockedFields"`
	EscalationContext string                `json:"escalationContext"`
}

type verifyImageBody struct {
	Image             string               `json:"image"`
	MimeType          string               `json:"mimeType"`
	PriorResult       types.Identification `json:"priorResult"`
	SupplementaryText string               `json:"supplementaryText"`
	LockedFields      map[string]string    `json:"lockedFields"`
}

type enrichBody struct {
	Producer     string `json:"producer"`
	WineName     string `json:"wineName"`
	Vintage      string `json:"vintage"`
	WineType     string `json:"wineType"`
	Region       string `json:"region"`
	ConfirmMatch bool   `json:"confirmMatch"`
	ForceRefresh bool   `json:"forceRefresh"`
}

type cancelBody struct {
	RequestID string `json:"requestId"`
}

// decodeImage validates and decodes a base64 image payload.
func decodeImage(b64, mimeType string) ([]byte, error) {
	if b64 == "" {
		return nil, types.NewError(types.KindInvalidRequest, "", "image is required")
	}
	if mimeType == "" {
		return nil, types.NewError(types.KindInvalidRequest, "", "mimeType is required")
	}
	img, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, types.NewError(types.KindInvalidRequest, "", "image is not valid base64")
	}
	return img, nil
}

// ─── Buffered identification ──────────────────────────────────────────────────

func (s *Server) handleIdentifyText(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body identifyTextBody
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, "identifyText", err)
		return
	}
	if body.Text == "" {
		writeError(ctx, w, "identifyText",
			types.NewError(types.KindInvalidRequest, "", "text is required"))
		return
	}

	ac, err := s.newContext(ctx)
	if err != nil {
		writeError(ctx, w, "identifyText", err)
		return
	}
	result, err := ac.Identify.Identify(ctx, identify.Input{
		Text:     body.Text,
		Identity: identity(r),
	})
	if err != nil {
		writeError(ctx, w, "identifyText", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIdentifyImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body identifyImageBody
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, "identifyImage", err)
		return
	}
	img, err := decodeImage(body.Image, body.MimeType)
	if err != nil {
		writeError(ctx, w, "identifyImage", err)
		return
	}

	ac, err := s.newContext(ctx)
	if err != nil {
		writeError(ctx, w, "identifyImage", err)
		return
	}
	result, err := ac.Identify.Identify(ctx, identify.Input{
		Image:         img,
		MimeType:      body.MimeType,
		Supplementary: body.SupplementaryText,
		Identity:      identity(r),
	})
	if err != nil {
		writeError(ctx, w, "identifyImage", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ─── Streaming identification ─────────────────────────────────────────────────

func (s *Server) handleIdentifyTextStream(w http.ResponseWriter, r *http.Request) {
	var body identifyTextBody
	if err := decodeBody(r, &body); err != nil {
		writeError(r.Context(), w, "identifyTextStream", err)
		return
	}
	if body.Text == "" {
		writeError(r.Context(), w, "identifyTextStream",
			types.NewError(types.KindInvalidRequest, "", "text is required"))
		return
	}
	s.streamIdentification(w, r, "identifyTextStream", identify.Input{
		Text:     body.Text,
		Identity: identity(r),
	})
}

func (s *Server) handleIdentifyImageStream(w http.ResponseWriter, r *http.Request) {
	var body identifyImageBody
	if err := decodeBody(r, &body); err != nil {
		writeError(r.Context(), w, "identifyImageStream", err)
		return
	}
	img, err := decodeImage(body.Image, body.MimeType)
	if err != nil {
		writeError(r.Context(), w, "identifyImageStream", err)
		return
	}
	s.streamIdentification(w, r, "identifyImageStream", identify.Input{
		Image:         img,
		MimeType:      body.MimeType,
		Supplementary: body.SupplementaryText,
		Identity:      identity(r),
	})
}

// streamIdentification runs the shared streaming lifecycle: initialise the
// SSE session, bridge the cancel token into the request context, run the
// service, and guarantee the terminal done event.
func (s *Server) streamIdentification(w http.ResponseWriter, r *http.Request, endpoint string, in identify.Input) {
	reqID := requestID(r)
	ctx, stop := s.cancels.Watch(r.Context(), reqID)
	defer stop()

	session, err := sse.NewSession(ctx, w, endpoint, s.metrics)
	if err != nil {
		writeError(ctx, w, endpoint, err)
		return
	}
	defer session.Close(r.Context())

	ac, err := s.newContext(ctx)
	if err != nil {
		session.SendError(ctx, err)
		return
	}
	if _, err := ac.Identify.IdentifyStreaming(ctx, in, session); err != nil {
		session.SendError(ctx, err)
		return
	}
	session.Done()
}

// ─── User-triggered tiers ─────────────────────────────────────────────────────

func (s *Server) handleIdentifyWithOpus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body opusBody
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, "identifyWithOpus", err)
		return
	}

	in := identify.Input{
		Text:          body.Text,
		Locked:        body.LockedFields,
		Clarification: body.EscalationContext,
		Identity:      identity(r),
	}
	if body.Image != "" {
		img, err := decodeImage(body.Image, body.MimeType)
		if err != nil {
			writeError(ctx, w, "identifyWithOpus", err)
			return
		}
		in.Image, in.MimeType = img, body.MimeType
	}
	if in.Text == "" && len(in.Image) == 0 {
		writeError(ctx, w, "identifyWithOpus",
			types.NewError(types.KindInvalidRequest, "", "text or image is required"))
		return
	}

	ac, err := s.newContext(ctx)
	if err != nil {
		writeError(ctx, w, "identifyWithOpus", err)
		return
	}
	result, err := ac.Identify.IdentifyWithOpus(ctx, in, body.PriorResult)
	if err != nil {
		writeError(ctx, w, "identifyWithOpus", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerifyImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body verifyImageBody
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, "verifyImage", err)
		return
	}
	img, err := decodeImage(body.Image, body.MimeType)
	if err != nil {
		writeError(ctx, w, "verifyImage", err)
		return
	}

	ac, err := s.newContext(ctx)
	if err != nil {
		writeError(ctx, w, "verifyImage", err)
		return
	}
	result, err := ac.Identify.VerifyImage(ctx, identify.Input{
		Image:         img,
		MimeType:      body.MimeType,
		Supplementary: body.SupplementaryText,
		Locked:        body.LockedFields,
		Identity:      identity(r),
	}, body.PriorResult)
	if err != nil {
		writeError(ctx, w, "verifyImage", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ─── Enrichment ───────────────────────────────────────────────────────────────

func (b enrichBody) request(r *http.Request) (enrich.Request, error) {
	if b.Producer == "" || b.WineName == "" {
		return enrich.Request{}, types.NewError(types.KindInvalidRequest, "",
			"producer and wineName are required")
	}
	return enrich.Request{
		Producer:     b.Producer,
		WineName:     b.WineName,
		Vintage:      b.Vintage,
		WineType:     b.WineType,
		Region:       b.Region,
		ConfirmMatch: b.ConfirmMatch,
		ForceRefresh: b.ForceRefresh,
		Identity:     identity(r),
	}, nil
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body enrichBody
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, "agentEnrich", err)
		return
	}
	req, err := body.request(r)
	if err != nil {
		writeError(ctx, w, "agentEnrich", err)
		return
	}

	ac, err := s.newContext(ctx)
	if err != nil {
		writeError(ctx, w, "agentEnrich", err)
		return
	}
	outcome, err := ac.Enrich.Enrich(ctx, req)
	if err != nil {
		writeError(ctx, w, "agentEnrich", err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleEnrichStream(w http.ResponseWriter, r *http.Request) {
	var body enrichBody
	if err := decodeBody(r, &body); err != nil {
		writeError(r.Context(), w, "agentEnrichStream", err)
		return
	}
	req, err := body.request(r)
	if err != nil {
		writeError(r.Context(), w, "agentEnrichStream", err)
		return
	}

	reqID := requestID(r)
	ctx, stop := s.cancels.Watch(r.Context(), reqID)
	defer stop()

	session, err := sse.NewSession(ctx, w, "agentEnrichStream", s.metrics)
	if err != nil {
		writeError(ctx, w, "agentEnrichStream", err)
		return
	}
	defer session.Close(r.Context())

	ac, err := s.newContext(ctx)
	if err != nil {
		session.SendError(ctx, err)
		return
	}
	if _, err := ac.Enrich.EnrichStreaming(ctx, req, session); err != nil {
		session.SendError(ctx, err)
		return
	}
	session.Done()
}

// ─── Clarification ────────────────────────────────────────────────────────────

func (s *Server) handleClarifyMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req clarify.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(ctx, w, "clarifyMatch", err)
		return
	}
	req.Identity = identity(r)

	ac, err := s.newContext(ctx)
	if err != nil {
		writeError(ctx, w, "clarifyMatch", err)
		return
	}
	result, err := ac.Clarify.Clarify(ctx, req)
	if err != nil {
		writeError(ctx, w, "clarifyMatch", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ─── Usage ───────────────────────────────────────────────────────────────────

// handleUsage returns the caller's recent per-provider aggregates and spend.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(ctx, w, "usage",
				types.NewError(types.KindInvalidRequest, "", "days must be a positive integer"))
			return
		}
		days = n
	}

	ac, err := s.newContext(ctx)
	if err != nil {
		writeError(ctx, w, "usage", err)
		return
	}
	id := identity(r)
	rows, err := ac.Usage.DetailedStats(ctx, id.UserID, days)
	if err != nil {
		writeError(ctx, w, "usage", types.WrapError(types.KindDatabaseError, "", err))
		return
	}
	end := time.Now()
	start := end.AddDate(0, 0, -days)
	costs, err := ac.Usage.CostSummary(ctx, id.UserID, start, end)
	if err != nil {
		writeError(ctx, w, "usage", types.WrapError(types.KindDatabaseError, "", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"daily":          rows,
		"costByProvider": costs,
	})
}

// ─── Cancellation ─────────────────────────────────────────────────────────────

// handleCancel marks a request ID as cancelled. The streaming request being
// cancelled may be served by a different process instance; the token file is
// the rendezvous.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body cancelBody
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, "cancel", err)
		return
	}
	if body.RequestID == "" {
		body.RequestID = r.Header.Get(headerRequestID)
	}
	if body.RequestID == "" {
		writeError(ctx, w, "cancel",
			types.NewError(types.KindInvalidRequest, "", "requestId is required"))
		return
	}
	if err := s.cancels.Cancel(body.RequestID); err != nil {
		writeError(ctx, w, "cancel", types.WrapError(types.KindUnknown, "", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
