// Package health reports whether the sommelier backend can actually serve:
// the database that holds the usage log and enrichment cache must answer,
// and at least one LLM provider must be usable.
//
// Two endpoints are exposed:
//
//   - /healthz — liveness; a process that can serve HTTP answers 200 with
//     its version and uptime.
//   - /readyz  — readiness; evaluates every registered [Probe] and reports
//     per-component status. A failed critical probe (the database) or the
//     loss of every provider returns 503; losing some providers while one
//     can still identify wine only degrades the payload.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// probeTimeout bounds how long a single probe may take before its context
// is cancelled.
const probeTimeout = 5 * time.Second

// Probe checks one dependency.
type Probe struct {
	// Name labels the component in the readiness payload (e.g. "database",
	// "provider:gemini").
	Name string

	// Critical marks components the service cannot run without. A failed
	// critical probe makes readiness fail outright; non-critical probes
	// (individual providers) only fail readiness when all of them fail.
	Critical bool

	// Check probes the dependency. It must respect context cancellation and
	// return nil when healthy.
	Check func(ctx context.Context) error
}

// ComponentStatus is the per-component entry of the readiness payload.
type ComponentStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// readiness is the /readyz response body.
type readiness struct {
	Status     string                     `json:"status"` // "ready", "degraded", or "unavailable"
	Components map[string]ComponentStatus `json:"components,omitempty"`
}

// liveness is the /healthz response body.
type liveness struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime"`
}

// Handler serves the /healthz and /readyz endpoints. It is safe for
// concurrent use; the probe list is fixed at construction time.
type Handler struct {
	version string
	started time.Time
	probes  []Probe
}

// NewHandler creates a Handler reporting version, evaluating the given
// probes on each readiness request in the order provided.
func NewHandler(version string, probes ...Probe) *Handler {
	p := make([]Probe, len(probes))
	copy(p, probes)
	return &Handler{version: version, started: time.Now(), probes: p}
}

// Healthz is the liveness endpoint: a running process that can serve HTTP is
// alive, so it always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, liveness{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz evaluates every probe under a [probeTimeout] deadline and reports
// per-component status. The overall verdict:
//
//   - "ready" — everything healthy.
//   - "degraded" (still 200) — some providers down, but the database and at
//     least one provider answer, so identifications can still be served.
//   - "unavailable" (503) — a critical component failed, or no provider is
//     usable at all.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]ComponentStatus, len(h.probes))

	criticalFailed := false
	optionalTotal, optionalFailed := 0, 0

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Check(ctx)
		cancel()

		status := ComponentStatus{Healthy: err == nil}
		if err != nil {
			status.Detail = err.Error()
			if p.Critical {
				criticalFailed = true
			}
		}
		if !p.Critical {
			optionalTotal++
			if err != nil {
				optionalFailed++
			}
		}
		components[p.Name] = status
	}

	res := readiness{Status: "ready", Components: components}
	code := http.StatusOK
	switch {
	case criticalFailed || (optionalTotal > 0 && optionalFailed == optionalTotal):
		res.Status = "unavailable"
		code = http.StatusServiceUnavailable
	case optionalFailed > 0:
		res.Status = "degraded"
	}
	writeJSON(w, code, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// DatabaseProbe builds the critical probe over a pingable database handle
// (e.g. *pgxpool.Pool). Without the database there is no usage log, no
// limits, no breaker state, and no enrichment cache.
func DatabaseProbe(ping func(ctx context.Context) error) Probe {
	return Probe{
		Name:     "database",
		Critical: true,
		Check:    ping,
	}
}

// ProviderProbe builds a non-critical probe over one LLM provider's health
// report (typically: credentials present). One dead provider degrades the
// service; only losing all of them makes it unavailable.
func ProviderProbe(name string, healthy func() bool) Probe {
	return Probe{
		Name: "provider:" + name,
		Check: func(context.Context) error {
			if !healthy() {
				return errProviderUnhealthy
			}
			return nil
		},
	}
}

// errProviderUnhealthy is the detail reported for a provider that declares
// itself unusable.
var errProviderUnhealthy = errors.New("provider reports unhealthy (missing credentials?)")

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
