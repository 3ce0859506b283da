package enrich

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

// Schema is the SQL DDL for the enrichment cache. Execute it via
// [CacheStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS enrichment_cache (
    canonical_producer  TEXT NOT NULL,
    canonical_wine_name TEXT NOT NULL,
    canonical_vintage   TEXT NOT NULL DEFAULT '',
    payload             JSONB NOT NULL,
    source              TEXT NOT NULL DEFAULT 'inference',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at          TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (canonical_producer, canonical_wine_name, canonical_vintage)
);
CREATE INDEX IF NOT EXISTS idx_enrichment_cache_producer ON enrichment_cache(canonical_producer);
`

// DB is the database interface used by [CacheStore]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Row is one cached enrichment.
type Row struct {
	Key       Key
	Payload   types.Enrichment
	Source    types.Source
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the row has passed its TTL.
func (r Row) Expired(now time.Time) bool { return now.After(r.ExpiresAt) }

// CacheStore persists enrichment rows keyed by canonical tuple.
type CacheStore struct {
	db DB
}

// NewCacheStore creates a CacheStore over the given connection or pool. The
// caller is responsible for calling [CacheStore.Migrate] before issuing
// queries.
func NewCacheStore(db DB) *CacheStore {
	return &CacheStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *CacheStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("enrich: migrate: %w", err)
	}
	return nil
}

// Get retrieves the row under key. It returns (nil, nil) when no row exists;
// expired rows are returned so callers can fall back to stale data.
func (s *CacheStore) Get(ctx context.Context, key Key) (*Row, error) {
	const query = `
		SELECT payload, source, created_at, expires_at
		FROM enrichment_cache
		WHERE canonical_producer = $1 AND canonical_wine_name = $2 AND canonical_vintage = $3`

	var payload []byte
	row := Row{Key: key}
	err := s.db.QueryRow(ctx, query, key.Producer, key.WineName, key.Vintage).
		Scan(&payload, &row.Source, &row.CreatedAt, &row.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("enrich: get: %w", err)
	}
	if err := json.Unmarshal(payload, &row.Payload); err != nil {
		return nil, fmt.Errorf("enrich: unmarshal payload: %w", err)
	}
	return &row, nil
}

// Candidates returns the canonical keys sharing the given vintage, for the
// fuzzy resolver to score. The result carries keys only; the caller fetches
// the winning row with [CacheStore.Get].
func (s *CacheStore) Candidates(ctx context.Context, vintage string) ([]Key, error) {
	const query = `
		SELECT canonical_producer, canonical_wine_name, canonical_vintage
		FROM enrichment_cache
		WHERE canonical_vintage = $1`

	rows, err := s.db.Query(ctx, query, vintage)
	if err != nil {
		return nil, fmt.Errorf("enrich: candidates: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Producer, &k.WineName, &k.Vintage); err != nil {
			return nil, fmt.Errorf("enrich: candidates scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enrich: candidates: %w", err)
	}
	return keys, nil
}

// Put upserts a row under key with the given TTL.
func (s *CacheStore) Put(ctx context.Context, key Key, payload types.Enrichment, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("enrich: marshal payload: %w", err)
	}

	const query = `
		INSERT INTO enrichment_cache (
			canonical_producer, canonical_wine_name, canonical_vintage,
			payload, source, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, now(), now() + $6::interval)
		ON CONFLICT (canonical_producer, canonical_wine_name, canonical_vintage) DO UPDATE SET
			payload    = EXCLUDED.payload,
			source     = EXCLUDED.source,
			created_at = now(),
			expires_at = EXCLUDED.expires_at`

	interval := fmt.Sprintf("%d seconds", int(ttl.Seconds()))
	_, err = s.db.Exec(ctx, query,
		key.Producer, key.WineName, key.Vintage,
		data, string(payload.Source), interval,
	)
	if err != nil {
		return fmt.Errorf("enrich: put: %w", err)
	}
	return nil
}
