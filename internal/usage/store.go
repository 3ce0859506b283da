// Package usage persists per-call LLM usage, daily aggregates, and final
// identification analytics, and enforces daily request and spend ceilings.
//
// A usage row is written for every outbound LLM call, successful or failed.
// Daily aggregates are maintained with an upsert after each log write; they
// are eventually consistent with the log (within one row per request) and a
// failed aggregate update is logged but never fails the request.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/philhumber/vintner/pkg/types"
)

// Schema is the SQL DDL for the usage tables. Execute it via [Store.Migrate]
// or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS usage_log (
    id             BIGSERIAL PRIMARY KEY,
    user_id        TEXT NOT NULL,
    session_id     TEXT NOT NULL DEFAULT '',
    provider       TEXT NOT NULL,
    model          TEXT NOT NULL,
    task_type      TEXT NOT NULL,
    input_tokens   INTEGER NOT NULL DEFAULT 0,
    output_tokens  INTEGER NOT NULL DEFAULT 0,
    cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
    latency_ms     INTEGER NOT NULL DEFAULT 0,
    success        BOOLEAN NOT NULL,
    error_type     TEXT,
    error_message  TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_usage_log_user_created ON usage_log(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_log_provider ON usage_log(provider, success, created_at);

CREATE TABLE IF NOT EXISTS usage_daily (
    user_id             TEXT NOT NULL,
    date                DATE NOT NULL,
    provider            TEXT NOT NULL,
    request_count       INTEGER NOT NULL DEFAULT 0,
    success_count       INTEGER NOT NULL DEFAULT 0,
    failure_count       INTEGER NOT NULL DEFAULT 0,
    total_input_tokens  BIGINT NOT NULL DEFAULT 0,
    total_output_tokens BIGINT NOT NULL DEFAULT 0,
    total_cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
    avg_latency_ms      DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, date, provider)
);

CREATE TABLE IF NOT EXISTS identification_results (
    id                    BIGSERIAL PRIMARY KEY,
    user_id               TEXT NOT NULL,
    session_id            TEXT NOT NULL DEFAULT '',
    input_type            TEXT NOT NULL,
    input_hash            TEXT,
    final_confidence      INTEGER NOT NULL,
    final_action          TEXT NOT NULL,
    final_tier            TEXT NOT NULL,
    tier_detail           JSONB NOT NULL DEFAULT '[]',
    total_cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_latency_ms      INTEGER NOT NULL DEFAULT 0,
    identified_producer   TEXT,
    identified_wine_name  TEXT,
    identified_vintage    TEXT,
    identified_region     TEXT,
    inferences_applied    JSONB NOT NULL DEFAULT '{}',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_identification_results_user ON identification_results(user_id, created_at);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL-backed usage store.
type Store struct {
	db DB
}

// NewStore creates a Store over the given connection or pool. The caller is
// responsible for calling [Store.Migrate] before issuing queries.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("usage: migrate: %w", err)
	}
	return nil
}

// InsertLog writes one usage row.
func (s *Store) InsertLog(ctx context.Context, rec types.CallRecord) error {
	const query = `
		INSERT INTO usage_log (
			user_id, session_id, provider, model, task_type,
			input_tokens, output_tokens, cost_usd, latency_ms,
			success, error_type, error_message
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	var errType, errMsg *string
	if !rec.Success {
		t := string(rec.ErrorKind)
		errType = &t
		if rec.ErrorMessage != "" {
			m := rec.ErrorMessage
			errMsg = &m
		}
	}
	_, err := s.db.Exec(ctx, query,
		rec.UserID, rec.SessionID, rec.Provider, rec.Model, rec.TaskType,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.Latency.Milliseconds(),
		rec.Success, errType, errMsg,
	)
	if err != nil {
		return fmt.Errorf("usage: insert log: %w", err)
	}
	return nil
}

// UpsertDaily folds one call into the (user, date, provider) aggregate row.
// The running latency average is recomputed from the previous average and
// the incoming sample.
func (s *Store) UpsertDaily(ctx context.Context, rec types.CallRecord) error {
	const query = `
		INSERT INTO usage_daily (
			user_id, date, provider,
			request_count, success_count, failure_count,
			total_input_tokens, total_output_tokens, total_cost_usd,
			avg_latency_ms, updated_at
		) VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (user_id, date, provider) DO UPDATE SET
			request_count       = usage_daily.request_count + 1,
			success_count       = usage_daily.success_count + EXCLUDED.success_count,
			failure_count       = usage_daily.failure_count + EXCLUDED.failure_count,
			total_input_tokens  = usage_daily.total_input_tokens + EXCLUDED.total_input_tokens,
			total_output_tokens = usage_daily.total_output_tokens + EXCLUDED.total_output_tokens,
			total_cost_usd      = usage_daily.total_cost_usd + EXCLUDED.total_cost_usd,
			avg_latency_ms      = (usage_daily.avg_latency_ms * usage_daily.request_count + EXCLUDED.avg_latency_ms)
			                      / (usage_daily.request_count + 1),
			updated_at          = now()`

	successCount, failureCount := 0, 1
	if rec.Success {
		successCount, failureCount = 1, 0
	}
	date := rec.CreatedAt
	if date.IsZero() {
		date = time.Now()
	}
	_, err := s.db.Exec(ctx, query,
		rec.UserID, date.Format("2006-01-02"), rec.Provider,
		successCount, failureCount,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD,
		float64(rec.Latency.Milliseconds()),
	)
	if err != nil {
		return fmt.Errorf("usage: upsert daily: %w", err)
	}
	return nil
}

// DailyTotals holds the per-user totals for one day across all providers.
type DailyTotals struct {
	Requests int
	CostUSD  float64
}

// DailyTotals returns the request count and spend for userID on the given
// date.
func (s *Store) DailyTotals(ctx context.Context, userID string, date time.Time) (DailyTotals, error) {
	const query = `
		SELECT COALESCE(SUM(request_count), 0), COALESCE(SUM(total_cost_usd), 0)
		FROM usage_daily
		WHERE user_id = $1 AND date = $2`

	var t DailyTotals
	err := s.db.QueryRow(ctx, query, userID, date.Format("2006-01-02")).
		Scan(&t.Requests, &t.CostUSD)
	if err != nil {
		return DailyTotals{}, fmt.Errorf("usage: daily totals: %w", err)
	}
	return t, nil
}

// FailureStats reports how many retryable failures a provider accumulated in
// the trailing window, and when the most recent one happened. The circuit
// breaker derives its durable state from this query, so breaker state
// survives process restarts with no shared memory.
func (s *Store) FailureStats(ctx context.Context, provider string, window time.Duration, retryableKinds []string) (count int, lastFailure time.Time, err error) {
	const query = `
		SELECT COUNT(*), COALESCE(MAX(created_at), 'epoch'::timestamptz)
		FROM usage_log
		WHERE provider = $1
		  AND success = false
		  AND error_type = ANY($2)
		  AND created_at > now() - $3::interval`

	interval := fmt.Sprintf("%d seconds", int(window.Seconds()))
	err = s.db.QueryRow(ctx, query, provider, retryableKinds, interval).
		Scan(&count, &lastFailure)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("usage: failure stats: %w", err)
	}
	return count, lastFailure, nil
}

// DailyRow is one (user, date, provider) aggregate.
type DailyRow struct {
	UserID       string
	Date         time.Time
	Provider     string
	RequestCount int
	SuccessCount int
	FailureCount int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	AvgLatencyMs float64
}

// DailyRows returns the per-provider aggregate rows for userID over the last
// days days, newest first.
func (s *Store) DailyRows(ctx context.Context, userID string, days int) ([]DailyRow, error) {
	const query = `
		SELECT user_id, date, provider, request_count, success_count,
		       failure_count, total_input_tokens, total_output_tokens,
		       total_cost_usd, avg_latency_ms
		FROM usage_daily
		WHERE user_id = $1 AND date > CURRENT_DATE - $2::int
		ORDER BY date DESC, provider`

	rows, err := s.db.Query(ctx, query, userID, days)
	if err != nil {
		return nil, fmt.Errorf("usage: daily rows: %w", err)
	}
	defer rows.Close()

	var out []DailyRow
	for rows.Next() {
		var r DailyRow
		if err := rows.Scan(&r.UserID, &r.Date, &r.Provider, &r.RequestCount,
			&r.SuccessCount, &r.FailureCount, &r.InputTokens, &r.OutputTokens,
			&r.CostUSD, &r.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("usage: daily rows scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage: daily rows: %w", err)
	}
	return out, nil
}

// CostSummary aggregates spend per provider between two dates, inclusive.
func (s *Store) CostSummary(ctx context.Context, userID string, start, end time.Time) (map[string]float64, error) {
	const query = `
		SELECT provider, COALESCE(SUM(total_cost_usd), 0)
		FROM usage_daily
		WHERE user_id = $1 AND date BETWEEN $2 AND $3
		GROUP BY provider`

	rows, err := s.db.Query(ctx, query, userID,
		start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("usage: cost summary: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var provider string
		var cost float64
		if err := rows.Scan(&provider, &cost); err != nil {
			return nil, fmt.Errorf("usage: cost summary scan: %w", err)
		}
		out[provider] = cost
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage: cost summary: %w", err)
	}
	return out, nil
}

// IdentificationRow is the final per-query analytics record.
type IdentificationRow struct {
	UserID     string
	SessionID  string
	InputType  types.InputType
	InputHash  string
	Result     types.Identification
	TotalCost  float64
	Latency    time.Duration
	Inferences map[string]any
}

// InsertIdentification writes one analytics row for a completed
// identification, including the per-tier confidence/model detail as JSONB.
func (s *Store) InsertIdentification(ctx context.Context, row IdentificationRow) error {
	tierDetail, err := json.Marshal(row.Result.Escalation.Path)
	if err != nil {
		return fmt.Errorf("usage: marshal tier detail: %w", err)
	}
	inferences, err := json.Marshal(emptyMap(row.Inferences))
	if err != nil {
		return fmt.Errorf("usage: marshal inferences: %w", err)
	}

	const query = `
		INSERT INTO identification_results (
			user_id, session_id, input_type, input_hash,
			final_confidence, final_action, final_tier, tier_detail,
			total_cost_usd, total_latency_ms,
			identified_producer, identified_wine_name,
			identified_vintage, identified_region, inferences_applied
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	_, err = s.db.Exec(ctx, query,
		row.UserID, row.SessionID, string(row.InputType), nullable(row.InputHash),
		row.Result.Confidence, string(row.Result.Action),
		row.Result.Escalation.Last().Tier, tierDetail,
		row.TotalCost, row.Latency.Milliseconds(),
		nullable(row.Result.Producer), nullable(row.Result.WineName),
		nullable(row.Result.Vintage), nullable(row.Result.Region),
		inferences,
	)
	if err != nil {
		return fmt.Errorf("usage: insert identification: %w", err)
	}
	return nil
}

// nullable maps "" to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// emptyMap ensures JSON marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// IsNotFound reports whether err is the pgx no-rows sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
