// Package archive persists finished interview turns in PostgreSQL so the
// recording and its transcript can be reviewed or uploaded after the session.
//
// Usage:
//
//	store, err := archive.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.SaveTurn(ctx, turn)
//	turns, _ := store.ListTurns(ctx, sessionID)
//	_, _ = store.DeleteSession(ctx, sessionID) // once uploaded
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInvalidTurn is returned by [Store.SaveTurn] for turns without a session
// ID or with a negative index.
var ErrInvalidTurn = errors.New("archive: invalid turn")

// Turn is one finished question/answer exchange.
type Turn struct {
	SessionID  string
	Index      int
	Transcript string

	// Audio is the recording blob, tagged with MIMEType.
	Audio    []byte
	MIMEType string

	StartedAt time.Time
	Duration  time.Duration
}

const ddlInterviewTurns = `
CREATE TABLE IF NOT EXISTS interview_turns (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    turn_index   INTEGER      NOT NULL,
    transcript   TEXT         NOT NULL DEFAULT '',
    mime_type    TEXT         NOT NULL DEFAULT '',
    audio        BYTEA,
    started_at   TIMESTAMPTZ  NOT NULL,
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, turn_index)
);

CREATE INDEX IF NOT EXISTS idx_interview_turns_session_id
    ON interview_turns (session_id);
`

// Migrate creates the archive schema. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlInterviewTurns); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Store is the PostgreSQL turn archive. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// SaveTurn stores t. Saving the same session and index again replaces the
// earlier row.
func (s *Store) SaveTurn(ctx context.Context, t Turn) error {
	if t.SessionID == "" || t.Index < 0 {
		return fmt.Errorf("%w: session %q index %d", ErrInvalidTurn, t.SessionID, t.Index)
	}
	const q = `
		INSERT INTO interview_turns
		    (session_id, turn_index, transcript, mime_type, audio, started_at, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, turn_index) DO UPDATE SET
		    transcript  = EXCLUDED.transcript,
		    mime_type   = EXCLUDED.mime_type,
		    audio       = EXCLUDED.audio,
		    started_at  = EXCLUDED.started_at,
		    duration_ns = EXCLUDED.duration_ns`

	_, err := s.pool.Exec(ctx, q,
		t.SessionID,
		t.Index,
		t.Transcript,
		t.MIMEType,
		t.Audio,
		t.StartedAt,
		t.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("archive: save turn: %w", err)
	}
	return nil
}

// ListTurns returns every turn of sessionID ordered by index.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	const q = `
		SELECT session_id, turn_index, transcript, mime_type, audio, started_at, duration_ns
		FROM   interview_turns
		WHERE  session_id = $1
		ORDER  BY turn_index`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: list turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var (
			t          Turn
			durationNS int64
		)
		if err := row.Scan(&t.SessionID, &t.Index, &t.Transcript, &t.MIMEType, &t.Audio, &t.StartedAt, &durationNS); err != nil {
			return Turn{}, err
		}
		t.Duration = time.Duration(durationNS)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: list turns: %w", err)
	}
	return turns, nil
}

// DeleteSession removes every turn of sessionID and reports how many were
// deleted.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM interview_turns WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("archive: delete session: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
