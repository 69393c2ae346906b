package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Errors returned by the decision log.
var (
	ErrShortKey            = errors.New("store: HMAC key must be at least 32 bytes")
	ErrIntegrityCompromised = errors.New("store: decision log integrity compromised")
)

// DecisionLog is an append-only, HMAC-chained log of governance
// decisions. Each entry stores the hash of the previous entry, and a
// single integrity row seals the chain head and entry count.
type DecisionLog struct {
	store   *Store
	hmacKey []byte

	mu          sync.RWMutex
	lastHash    [32]byte
	count       int64
	integrityOK bool
}

// DecisionLog opens the decision log on s. On a fresh database the
// integrity record is created; otherwise the whole chain is verified.
// A verification failure still returns a usable read-only log alongside
// the error.
func (s *Store) DecisionLog(ctx context.Context, hmacKey []byte) (*DecisionLog, error) {
	if len(hmacKey) < 32 {
		return nil, ErrShortKey
	}
	l := &DecisionLog{store: s, hmacKey: append([]byte(nil), hmacKey...)}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_integrity`).Scan(&exists); err != nil {
		return nil, fmt.Errorf("read integrity record: %w", err)
	}
	if exists == 0 {
		if err := l.initializeIntegrity(ctx); err != nil {
			return nil, fmt.Errorf("initialize integrity: %w", err)
		}
		l.integrityOK = true
		return l, nil
	}

	if err := l.Verify(ctx); err != nil {
		return l, err
	}
	return l, nil
}

func (l *DecisionLog) initializeIntegrity(ctx context.Context) error {
	var zero [32]byte
	mac := l.integrityHMAC(zero, 0)
	_, err := l.store.db.ExecContext(ctx, `
		INSERT INTO decision_integrity (id, chain_hash, entry_count, last_verified, hmac)
		VALUES (1, ?, 0, ?, ?)`,
		zero[:], l.store.now().UnixNano(), mac,
	)
	return err
}

// IntegrityOK reports whether the last verification passed.
func (l *DecisionLog) IntegrityOK() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.integrityOK
}

// Head returns the current chain head and entry count.
func (l *DecisionLog) Head() ([32]byte, int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHash, l.count
}

// Append links d onto the chain and persists it. ID, PreviousHash and
// EntryHash are filled in.
func (l *DecisionLog) Append(ctx context.Context, d *DecisionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.integrityOK {
		return fmt.Errorf("%w: refusing to write", ErrIntegrityCompromised)
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = l.store.now()
	}
	d.Timestamp = d.Timestamp.UTC()
	if d.Flags == nil {
		d.Flags = []string{}
	}
	if len(d.Input) == 0 {
		d.Input = json.RawMessage("{}")
	}
	flags, err := json.Marshal(d.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}

	d.PreviousHash = l.lastHash
	c := contentOf(d, flags)
	d.EntryHash = computeDecisionHash(c)
	mac := computeDecisionHMAC(l.hmacKey, c)

	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO decisions (timestamp_ns, session_id, trust_score, risk_level, flags, explanation, input, previous_hash, entry_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.timestampNs, d.SessionID, d.TrustScore, d.RiskLevel, string(flags), d.Explanation, []byte(d.Input),
		d.PreviousHash[:], d.EntryHash[:], mac,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	id, _ := res.LastInsertId()

	count := l.count + 1
	if _, err := tx.ExecContext(ctx,
		`UPDATE decision_integrity SET chain_hash = ?, entry_count = ?, last_verified = ?, hmac = ? WHERE id = 1`,
		d.EntryHash[:], count, time.Now().UnixNano(), l.integrityHMAC(d.EntryHash, count),
	); err != nil {
		return fmt.Errorf("update integrity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	d.ID = id
	l.lastHash = d.EntryHash
	l.count = count
	return nil
}

const decisionColumns = `id, timestamp_ns, session_id, trust_score, risk_level, flags, explanation, input, previous_hash, entry_hash`

func scanDecision(row interface{ Scan(...any) error }) (*DecisionRecord, error) {
	var d DecisionRecord
	var ts int64
	var flags string
	var input, prev, entry []byte
	if err := row.Scan(&d.ID, &ts, &d.SessionID, &d.TrustScore, &d.RiskLevel, &flags, &d.Explanation, &input, &prev, &entry); err != nil {
		return nil, err
	}
	d.Timestamp = time.Unix(0, ts).UTC()
	if err := json.Unmarshal([]byte(flags), &d.Flags); err != nil {
		return nil, fmt.Errorf("decode flags of decision %d: %w", d.ID, err)
	}
	d.Input = json.RawMessage(input)
	copy(d.PreviousHash[:], prev)
	copy(d.EntryHash[:], entry)
	return &d, nil
}

// Get returns one decision by ID or ErrNotFound.
func (l *DecisionLog) Get(ctx context.Context, id int64) (*DecisionRecord, error) {
	d, err := scanDecision(l.store.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// List returns the newest decisions first. An empty sessionID lists all.
func (l *DecisionLog) List(ctx context.Context, sessionID string, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + decisionColumns + ` FROM decisions`
	args := []any{}
	if sessionID != "" {
		q += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
