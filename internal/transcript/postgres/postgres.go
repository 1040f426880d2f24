// Package postgres provides a PostgreSQL-backed [transcript.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Write(ctx, entry)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voximind/earshot/internal/transcript"
)

var _ transcript.Store = (*Store)(nil)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id           BIGSERIAL         PRIMARY KEY,
    session_id   TEXT              NOT NULL,
    text         TEXT              NOT NULL,
    confidence   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    interrupted  BOOLEAN           NOT NULL DEFAULT false,
    created_at   TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_session_id
    ON transcripts (session_id);

CREATE INDEX IF NOT EXISTS idx_transcripts_session_created
    ON transcripts (session_id, created_at);
`

// defaultRecentLimit caps Recent results when the caller passes 0.
const defaultRecentLimit = 50

// Store is a [transcript.Store] backed by a transcripts table. All methods
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn
// and runs [Migrate] to ensure the transcripts table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate ensures the transcripts schema exists. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		return fmt.Errorf("transcript store: apply ddl: %w", err)
	}
	return nil
}

// Write implements [transcript.Store].
func (s *Store) Write(ctx context.Context, entry transcript.Entry) error {
	const q = `
		INSERT INTO transcripts (session_id, text, confidence, interrupted, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		entry.SessionID,
		entry.Text,
		entry.Confidence,
		entry.Interrupted,
		ts,
	)
	if err != nil {
		return fmt.Errorf("transcript store: write: %w", err)
	}
	return nil
}

// Recent implements [transcript.Store]. Entries are returned newest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]transcript.Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	const q = `
		SELECT session_id, text, confidence, interrupted, created_at
		FROM   transcripts
		WHERE  session_id = $1
		ORDER  BY created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript store: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var e transcript.Entry
		err := row.Scan(&e.SessionID, &e.Text, &e.Confidence, &e.Interrupted, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}

// Ping verifies database connectivity. Suitable as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
