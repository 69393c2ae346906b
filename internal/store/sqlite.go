package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store represents the SQLite liveness store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer keeps the decision chain append serialised.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertSession inserts or updates a session's lifecycle row. An empty
// State leaves the stored one unchanged, and once a row has an end time its
// state and end time are final.
func (s *Store) UpsertSession(ctx context.Context, r SessionRecord) error {
	if r.ID == "" {
		return errors.New("session id is empty")
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.UpdatedAt
	}
	var last sql.NullInt64
	if r.LastScore != nil {
		last = sql.NullInt64{Int64: int64(*r.LastScore), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, state, created_ns, ended_ns, error, weights_version, last_score, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = CASE WHEN sessions.ended_ns != 0 OR excluded.state = '' THEN sessions.state ELSE excluded.state END,
			ended_ns = CASE WHEN sessions.ended_ns != 0 THEN sessions.ended_ns ELSE excluded.ended_ns END,
			error = CASE WHEN excluded.error != '' THEN excluded.error ELSE sessions.error END,
			weights_version = CASE WHEN excluded.weights_version != '' THEN excluded.weights_version ELSE sessions.weights_version END,
			last_score = COALESCE(excluded.last_score, sessions.last_score),
			updated_ns = excluded.updated_ns`,
		r.ID, r.State, nanos(r.CreatedAt), nanos(r.EndedAt), r.Error, r.WeightsVersion, last, nanos(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, state, created_ns, ended_ns, error, weights_version, last_score, updated_ns`

func scanSession(row interface{ Scan(...any) error }) (*SessionRecord, error) {
	var r SessionRecord
	var created, ended, updated int64
	var last sql.NullInt64
	if err := row.Scan(&r.ID, &r.State, &created, &ended, &r.Error, &r.WeightsVersion, &last, &updated); err != nil {
		return nil, err
	}
	r.CreatedAt = fromNanos(created)
	r.EndedAt = fromNanos(ended)
	r.UpdatedAt = fromNanos(updated)
	if last.Valid {
		v := int(last.Int64)
		r.LastScore = &v
	}
	return &r, nil
}

// GetSession returns a session by ID or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	r, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return r, nil
}

// ListSessions returns the newest sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// InsertScore appends a score to the history and updates the session's
// last score. The record's ID is filled in.
func (s *Store) InsertScore(ctx context.Context, r *ScoreRecord) error {
	if r.ComputedAt.IsZero() {
		r.ComputedAt = s.now()
	}
	breakdown := r.Breakdown
	if len(breakdown) == 0 {
		breakdown = json.RawMessage("{}")
	}
	notes, err := json.Marshal(nonNil(r.Notes))
	if err != nil {
		return fmt.Errorf("marshal notes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO score_history (session_id, score, level, weights_version, breakdown, notes, computed_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Score, r.Level, r.WeightsVersion, string(breakdown), string(notes), nanos(r.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_score = ?, updated_ns = ? WHERE id = ?`,
		r.Score, nanos(r.ComputedAt), r.SessionID,
	); err != nil {
		return fmt.Errorf("update session score: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// ListScores returns a session's score history, newest first.
func (s *Store) ListScores(ctx context.Context, sessionID string, limit int) ([]ScoreRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, score, level, weights_version, breakdown, notes, computed_ns
		FROM score_history WHERE session_id = ?
		ORDER BY computed_ns DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	var out []ScoreRecord
	for rows.Next() {
		var r ScoreRecord
		var breakdown, notes string
		var computed int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Score, &r.Level, &r.WeightsVersion, &breakdown, &notes, &computed); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		r.Breakdown = json.RawMessage(breakdown)
		if err := json.Unmarshal([]byte(notes), &r.Notes); err != nil {
			return nil, fmt.Errorf("decode notes of score %d: %w", r.ID, err)
		}
		r.ComputedAt = fromNanos(computed)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertEvaluation records an evaluation. A later call with the same ID
// replaces the pending row with its outcome.
func (s *Store) UpsertEvaluation(ctx context.Context, r EvaluationRecord) error {
	if r.ID == "" {
		return errors.New("evaluation id is empty")
	}
	flags, err := json.Marshal(nonNil(r.Flags))
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	var decision sql.NullString
	if len(r.Decision) > 0 {
		decision = sql.NullString{String: string(r.Decision), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, session_id, status, score, requested_ns, completed_ns, risk_level, flags, explanation, error_kind, error_detail, decision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_ns = excluded.completed_ns,
			risk_level = excluded.risk_level,
			flags = excluded.flags,
			explanation = excluded.explanation,
			error_kind = excluded.error_kind,
			error_detail = excluded.error_detail,
			decision = excluded.decision`,
		r.ID, r.SessionID, r.Status, r.Score, nanos(r.RequestedAt), nanos(r.CompletedAt),
		r.RiskLevel, string(flags), r.Explanation, r.ErrorKind, r.ErrorDetail, decision,
	)
	if err != nil {
		return fmt.Errorf("upsert evaluation: %w", err)
	}
	return nil
}

// ListEvaluations returns a session's evaluations, newest first.
func (s *Store) ListEvaluations(ctx context.Context, sessionID string) ([]EvaluationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, status, score, requested_ns, completed_ns, risk_level, flags, explanation, error_kind, error_detail, decision
		FROM evaluations WHERE session_id = ?
		ORDER BY requested_ns DESC, id DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	var out []EvaluationRecord
	for rows.Next() {
		var r EvaluationRecord
		var requested, completed int64
		var flags string
		var decision sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Status, &r.Score, &requested, &completed,
			&r.RiskLevel, &flags, &r.Explanation, &r.ErrorKind, &r.ErrorDetail, &decision); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		r.RequestedAt = fromNanos(requested)
		r.CompletedAt = fromNanos(completed)
		if err := json.Unmarshal([]byte(flags), &r.Flags); err != nil {
			return nil, fmt.Errorf("decode flags of evaluation %s: %w", r.ID, err)
		}
		if decision.Valid {
			r.Decision = json.RawMessage(decision.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneBefore deletes ended sessions, and their scores and evaluations,
// that ended before cutoff. Decisions are never pruned.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	const stale = `SELECT id FROM sessions WHERE ended_ns != 0 AND ended_ns < ?`
	for _, q := range []string{
		`DELETE FROM score_history WHERE session_id IN (` + stale + `)`,
		`DELETE FROM evaluations WHERE session_id IN (` + stale + `)`,
	} {
		if _, err := tx.ExecContext(ctx, q, cutoff.UnixNano()); err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE ended_ns != 0 AND ended_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetStats returns row counts per table.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	for _, q := range []struct {
		table string
		dst   *int64
	}{
		{"sessions", &st.Sessions},
		{"score_history", &st.Scores},
		{"evaluations", &st.Evaluations},
		{"decisions", &st.Decisions},
	} {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+q.table).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("count %s: %w", q.table, err)
		}
	}
	return &st, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
