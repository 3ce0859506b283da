package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/philhumber/vintner/pkg/types"
)

// Limits holds the per-user daily ceilings. Zero values disable a check.
type Limits struct {
	DailyRequests int
	DailyCostUSD  float64
}

// Recorder is the subset of the store the tracker writes through. Separated
// so tests can capture writes without a database.
type Recorder interface {
	InsertLog(ctx context.Context, rec types.CallRecord) error
	UpsertDaily(ctx context.Context, rec types.CallRecord) error
	DailyTotals(ctx context.Context, userID string, date time.Time) (DailyTotals, error)
	DailyRows(ctx context.Context, userID string, days int) ([]DailyRow, error)
	CostSummary(ctx context.Context, userID string, start, end time.Time) (map[string]float64, error)
	InsertIdentification(ctx context.Context, row IdentificationRow) error
}

// Tracker logs every outbound LLM call, maintains daily aggregates, and
// answers limit checks. It is safe for concurrent use.
type Tracker struct {
	store  Recorder
	limits Limits
	now    func() time.Time
}

// NewTracker creates a Tracker over store with the given limits.
func NewTracker(store Recorder, limits Limits) *Tracker {
	return &Tracker{store: store, limits: limits, now: time.Now}
}

// Log persists one call record and folds it into the daily aggregate. The
// log insert is the invariant write (one row per outbound call); an
// aggregate failure is logged and swallowed so it never fails the request.
func (t *Tracker) Log(ctx context.Context, rec types.CallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now()
	}
	if err := t.store.InsertLog(ctx, rec); err != nil {
		return fmt.Errorf("usage: log call: %w", err)
	}
	if err := t.store.UpsertDaily(ctx, rec); err != nil {
		slog.Warn("daily aggregate update failed",
			"user", rec.UserID, "provider", rec.Provider, "err", err)
	}
	return nil
}

// CheckLimits returns a human-readable violation per exceeded ceiling. An
// empty slice means the user is within limits. A database failure fails
// open: the violation list is empty and the error is returned for the
// caller to log.
func (t *Tracker) CheckLimits(ctx context.Context, userID string) ([]string, error) {
	if t.limits.DailyRequests <= 0 && t.limits.DailyCostUSD <= 0 {
		return nil, nil
	}
	totals, err := t.store.DailyTotals(ctx, userID, t.now())
	if err != nil {
		return nil, fmt.Errorf("usage: check limits: %w", err)
	}

	var violations []string
	if t.limits.DailyRequests > 0 && totals.Requests >= t.limits.DailyRequests {
		violations = append(violations, fmt.Sprintf(
			"daily request limit reached (%d of %d)", totals.Requests, t.limits.DailyRequests))
	}
	if t.limits.DailyCostUSD > 0 && totals.CostUSD >= t.limits.DailyCostUSD {
		violations = append(violations, fmt.Sprintf(
			"daily spend limit reached ($%.2f of $%.2f)", totals.CostUSD, t.limits.DailyCostUSD))
	}
	return violations, nil
}

// maxStatsDays bounds how far back detailed stats queries reach.
const maxStatsDays = 90

// DailyUsage returns today's per-provider aggregates for userID.
func (t *Tracker) DailyUsage(ctx context.Context, userID string) ([]DailyRow, error) {
	return t.store.DailyRows(ctx, userID, 1)
}

// DetailedStats returns the per-provider aggregates for the trailing days
// window, clamped to a sane range.
func (t *Tracker) DetailedStats(ctx context.Context, userID string, days int) ([]DailyRow, error) {
	if days <= 0 {
		days = 7
	}
	if days > maxStatsDays {
		days = maxStatsDays
	}
	return t.store.DailyRows(ctx, userID, days)
}

// CostSummary aggregates spend per provider between two dates, inclusive.
func (t *Tracker) CostSummary(ctx context.Context, userID string, start, end time.Time) (map[string]float64, error) {
	return t.store.CostSummary(ctx, userID, start, end)
}

// LogIdentification writes the final analytics row for one identification.
// Best-effort: failures are logged, never surfaced to the user.
func (t *Tracker) LogIdentification(ctx context.Context, row IdentificationRow) {
	if err := t.store.InsertIdentification(ctx, row); err != nil {
		slog.Warn("identification analytics insert failed",
			"user", row.UserID, "err", err)
	}
}
