// Package sse implements the request-scoped server-sent-events session the
// streaming endpoints write through.
//
// A [Session] disables proxy buffering, emits events in strict write order,
// converts any failure below it into a single error envelope, and guarantees
// that "done" is the final event and appears exactly once.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/philhumber/vintner/internal/observe"
	"github.com/philhumber/vintner/pkg/types"
)

// Event names of the SSE vocabulary.
const (
	EventField                = "field"
	EventResult               = "result"
	EventRefining             = "refining"
	EventRefined              = "refined"
	EventConfirmationRequired = "confirmation_required"
	EventEscalating           = "escalating"
	EventError                = "error"
	EventDone                 = "done"
)

// ErrorEnvelope is the payload of an error event.
type ErrorEnvelope struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	UserMessage string `json:"userMessage"`
	Retryable   bool   `json:"retryable"`
	SupportRef  string `json:"supportRef"`
}

// Session is one live SSE response. Writes are serialised; events appear on
// the wire in the exact order they were sent.
type Session struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	endpoint string
	metrics  *observe.Metrics

	mu       sync.Mutex
	doneSent bool
}

// NewSession initialises an SSE response on w: content type, no-cache and
// keep-alive headers, and an immediate flush so the client sees the stream
// open before the first model byte. metrics may be nil.
func NewSession(ctx context.Context, w http.ResponseWriter, endpoint string, metrics *observe.Metrics) (*Session, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &Session{w: w, flusher: flusher, endpoint: endpoint, metrics: metrics}
	if metrics != nil {
		metrics.ActiveStreams.Add(ctx, 1)
	}
	return s, nil
}

// Send writes one event with a JSON payload and flushes. Events sent after
// done are dropped — done is always final.
func (s *Session) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doneSent {
		return nil
	}
	return s.write(event, payload)
}

// SendField emits a field event.
func (s *Session) SendField(field string, value any) error {
	return s.Send(EventField, map[string]any{"field": field, "value": value})
}

// SendError classifies err into the shared taxonomy, logs it with a support
// reference, and emits a single error event followed by done. It is the
// session's catch-all; callers invoke it from their deferred error path.
func (s *Session) SendError(ctx context.Context, err error) {
	kind := types.KindOf(err)
	ref := types.SupportRef(kind, s.endpoint)
	observe.Logger(ctx).Error("stream failed",
		"endpoint", s.endpoint, "kind", string(kind), "support_ref", ref, "err", err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doneSent {
		return
	}
	_ = s.write(EventError, ErrorEnvelope{
		Type:        string(kind),
		Message:     err.Error(),
		UserMessage: kind.UserMessage(),
		Retryable:   kind.Retryable(),
		SupportRef:  ref,
	})
	s.done()
}

// Done emits the terminal done event. Safe to call more than once; only the
// first call writes.
func (s *Session) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done()
}

// Close releases session accounting and guarantees the terminal done event.
// Call it in a defer from the handler.
func (s *Session) Close(ctx context.Context) {
	s.Done()
	if s.metrics != nil {
		s.metrics.ActiveStreams.Add(ctx, -1)
	}
}

// done writes the done event. Caller must hold s.mu.
func (s *Session) done() {
	if s.doneSent {
		return
	}
	_ = s.write(EventDone, struct{}{})
	s.doneSent = true
}

// write frames one event. Caller must hold s.mu.
func (s *Session) write(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal %s payload: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("sse: write %s: %w", event, err)
	}
	s.flusher.Flush()
	return nil
}
