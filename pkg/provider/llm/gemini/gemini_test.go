package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/philhumber/vintner/pkg/provider/llm"
	"github.com/philhumber/vintner/pkg/types"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
}

func buffered(text string, in, out int) string {
	resp := generateContentResponse{
		Candidates: []candidate{{
			Content: content{Parts: []part{{Text: text}}},
		}},
		UsageMetadata: &usageMetadata{
			PromptTokenCount: in, CandidatesTokenCount: out, TotalTokenCount: in + out,
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestComplete_Success(t *testing.T) {
	var gotPath, gotKey string
	var gotReq generateContentRequest
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		fmt.Fprint(w, buffered(`{"producer": "Penfolds"}`, 100, 20))
	})

	resp, err := c.Complete(context.Background(), "identify this", llm.Options{
		JSONResponse: true,
		Thinking:     llm.ThinkingHigh,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"producer": "Penfolds"}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.InputTokens != 100 || resp.OutputTokens != 20 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.CostUSD <= 0 {
		t.Error("cost not computed")
	}
	if resp.Provider != "gemini" || resp.Model != DefaultModel {
		t.Errorf("identity = %s/%s", resp.Provider, resp.Model)
	}

	if !strings.HasSuffix(gotPath, "models/"+DefaultModel+":generateContent") {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Error("API key must travel in the header")
	}
	if gotReq.GenerationConfig.ResponseMimeType != "application/json" {
		t.Error("jsonResponse not applied")
	}
	if gotReq.GenerationConfig.ThinkingConfig == nil {
		t.Error("thinking budget not applied for a thinking-capable model")
	}
}

func TestComplete_KeyNeverInURL(t *testing.T) {
	var rawQuery string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		fmt.Fprint(w, buffered("ok", 1, 1))
	})
	if _, err := c.Complete(context.Background(), "p", llm.Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(rawQuery, "key") {
		t.Fatalf("credential leaked into URL query %q", rawQuery)
	}
}

func TestComplete_SelectsJSONPart(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := generateContentResponse{
			Candidates: []candidate{{Content: content{Parts: []part{
				{Text: "Let me think about this label."},
				{Text: `{"producer": "Penfolds"}`},
			}}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	resp, err := c.Complete(context.Background(), "p", llm.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"producer": "Penfolds"}` {
		t.Fatalf("content = %q, want the JSON part", resp.Content)
	}
}

func TestComplete_EmptyContentIsInvalidResponse(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateContentResponse{
			Candidates: []candidate{{Content: content{Parts: []part{{Text: ""}}}}},
		})
	})
	_, err := c.Complete(context.Background(), "p", llm.Options{})
	if types.KindOf(err) != types.KindInvalidResponse {
		t.Fatalf("kind = %s", types.KindOf(err))
	}
}

func TestComplete_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   types.Kind
	}{
		{http.StatusTooManyRequests, types.KindRateLimit},
		{http.StatusServiceUnavailable, types.KindOverloaded},
		{http.StatusInternalServerError, types.KindServerError},
		{http.StatusUnauthorized, types.KindAuthError},
		{http.StatusBadRequest, types.KindInvalidRequest},
	}
	for _, tc := range cases {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		})
		_, err := c.Complete(context.Background(), "p", llm.Options{})
		if got := types.KindOf(err); got != tc.want {
			t.Errorf("status %d: kind = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestComplete_SiblingFallbackOn503(t *testing.T) {
	var models []string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		model := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/models/"), ":generateContent")
		models = append(models, model)
		if model == "gemini-2.5-pro" {
			http.Error(w, "over capacity", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, buffered("ok", 1, 1))
	})
	c.SetModel("gemini-2.5-pro")

	resp, err := c.Complete(context.Background(), "p", llm.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[0] != "gemini-2.5-pro" || models[1] != "gemini-2.5-flash" {
		t.Fatalf("models tried = %v", models)
	}
	if resp.Model != "gemini-2.5-flash" {
		t.Errorf("reported model = %q, want the sibling that served", resp.Model)
	}
}

func TestComplete_NoSiblingForBaseModel(t *testing.T) {
	calls := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	if _, err := c.Complete(context.Background(), "p", llm.Options{}); err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("calls = %d; flash has no sibling to fall back to", calls)
	}
}

func TestStreamComplete_EmitsFields(t *testing.T) {
	chunks := []string{
		`{"producer": "Cloudy`,
		` Bay", "wineName": "Te Koko",`,
		` "confidence": 82}`,
	}
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "alt=sse") {
			t.Error("streaming request missing alt=sse")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for i, text := range chunks {
			resp := generateContentResponse{
				Candidates: []candidate{{Content: content{Parts: []part{{Text: text}}}}},
			}
			if i == len(chunks)-1 {
				resp.UsageMetadata = &usageMetadata{PromptTokenCount: 50, CandidatesTokenCount: 30, TotalTokenCount: 80}
			}
			b, _ := json.Marshal(resp)
			fmt.Fprintf(w, "data: %s\n\n", b)
			fl.Flush()
		}
	})

	var fields []string
	resp, err := c.StreamComplete(context.Background(), "p", llm.Options{}, func(f string, _ any) {
		fields = append(fields, f)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"producer", "wineName", "confidence"}
	if strings.Join(fields, ",") != strings.Join(want, ",") {
		t.Fatalf("fields = %v, want %v", fields, want)
	}
	if !resp.Streamed {
		t.Error("Streamed = false")
	}
	if resp.TTFB <= 0 {
		t.Error("TTFB not recorded")
	}
	if len(resp.FieldTimings) != 3 {
		t.Errorf("field timings = %v", resp.FieldTimings)
	}
	if resp.InputTokens != 50 || resp.OutputTokens != 30 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.Content != `{"producer": "Cloudy Bay", "wineName": "Te Koko", "confidence": 82}` {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestSupports_ThinkingByModelGeneration(t *testing.T) {
	c := NewClient(Config{APIKey: "k", Model: "gemini-2.5-flash"})
	if !c.Supports(llm.CapThinking) {
		t.Error("2.5 generation should support thinking")
	}
	c.SetModel("gemini-1.5-flash")
	if c.Supports(llm.CapThinking) {
		t.Error("1.5 generation should not support thinking")
	}
	if !c.Supports(llm.CapVision) || !c.Supports(llm.CapStreaming) || !c.Supports(llm.CapGrounding) {
		t.Error("core capabilities missing")
	}
}

func TestIsHealthy(t *testing.T) {
	if NewClient(Config{}).IsHealthy() {
		t.Error("client without credentials reported healthy")
	}
	if !NewClient(Config{APIKey: "k"}).IsHealthy() {
		t.Error("client with credentials reported unhealthy")
	}
}

func TestBuildRequest_DropsThinkingForUnsupportedModel(t *testing.T) {
	c := NewClient(Config{APIKey: "k"})
	req := c.buildRequest("gemini-1.5-flash", "p", nil, "", llm.Options{Thinking: llm.ThinkingHigh})
	if req.GenerationConfig.ThinkingConfig != nil {
		t.Fatal("thinking should be silently dropped for a non-thinking model")
	}
}

func TestBuildRequest_GoogleSearchTool(t *testing.T) {
	c := NewClient(Config{APIKey: "k"})
	req := c.buildRequest(DefaultModel, "p", nil, "", llm.Options{
		Tools: []llm.Tool{{Name: llm.GoogleSearch}},
	})
	if len(req.Tools) != 1 || req.Tools[0].GoogleSearch == nil {
		t.Fatalf("tools = %+v", req.Tools)
	}
}
