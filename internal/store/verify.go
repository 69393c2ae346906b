package store

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"
)

const decisionDomain = "livenessd-decision-v1"

// decisionContent is the canonical, hashed form of a decision entry.
type decisionContent struct {
	timestampNs  int64
	sessionID    string
	trustScore   float64
	riskLevel    string
	flags        []byte
	explanation  string
	input        []byte
	previousHash []byte
}

func contentOf(d *DecisionRecord, flags []byte) decisionContent {
	return decisionContent{
		timestampNs:  d.Timestamp.UnixNano(),
		sessionID:    d.SessionID,
		trustScore:   d.TrustScore,
		riskLevel:    d.RiskLevel,
		flags:        flags,
		explanation:  d.Explanation,
		input:        d.Input,
		previousHash: d.PreviousHash[:],
	}
}

// writeTo emits each field length-prefixed so that field boundaries
// cannot be shifted without changing the digest.
func (c decisionContent) writeTo(w interface{ Write([]byte) (int, error) }) {
	var buf [8]byte
	field := func(b []byte) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(b)))
		w.Write(buf[:])
		w.Write(b)
	}
	w.Write([]byte(decisionDomain))
	binary.BigEndian.PutUint64(buf[:], uint64(c.timestampNs))
	w.Write(buf[:])
	field([]byte(c.sessionID))
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(c.trustScore))
	w.Write(buf[:])
	field([]byte(c.riskLevel))
	field(c.flags)
	field([]byte(c.explanation))
	field(c.input)
	w.Write(c.previousHash)
}

func computeDecisionHash(c decisionContent) [32]byte {
	h := sha256.New()
	c.writeTo(h)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func computeDecisionHMAC(key []byte, c decisionContent) []byte {
	mac := hmac.New(sha256.New, key)
	c.writeTo(mac)
	return mac.Sum(nil)
}

func (l *DecisionLog) integrityHMAC(chainHash [32]byte, count int64) []byte {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte("livenessd-integrity-v1"))
	mac.Write(chainHash[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(count))
	mac.Write(buf[:])
	return mac.Sum(nil)
}

// VerifyReport summarises a chain verification.
type VerifyReport struct {
	Entries    int64     `json:"entries"`
	ChainHash  string    `json:"chain_hash"`
	VerifiedAt time.Time `json:"verified_at"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
}

// Verify walks the whole chain, checking every entry's linkage, hash and
// HMAC plus the sealed integrity record. The log refuses writes after a
// failed verification.
func (l *DecisionLog) Verify(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	head, count, err := l.walk(ctx)
	if err != nil {
		l.integrityOK = false
		return fmt.Errorf("%w: %v", ErrIntegrityCompromised, err)
	}
	l.lastHash = head
	l.count = count
	l.integrityOK = true

	_, err = l.store.db.ExecContext(ctx,
		`UPDATE decision_integrity SET last_verified = ? WHERE id = 1`, l.store.now().UnixNano())
	if err != nil {
		return fmt.Errorf("record verification: %w", err)
	}
	return nil
}

// Report runs Verify and returns its outcome in serialisable form.
func (l *DecisionLog) Report(ctx context.Context) VerifyReport {
	err := l.Verify(ctx)
	head, count := l.Head()
	r := VerifyReport{
		Entries:    count,
		ChainHash:  hex.EncodeToString(head[:]),
		VerifiedAt: l.store.now().UTC(),
		OK:         err == nil,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (l *DecisionLog) walk(ctx context.Context) ([32]byte, int64, error) {
	var head [32]byte

	var chainHash, storedMAC []byte
	var entryCount int64
	err := l.store.db.QueryRowContext(ctx,
		`SELECT chain_hash, entry_count, hmac FROM decision_integrity WHERE id = 1`).
		Scan(&chainHash, &entryCount, &storedMAC)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return head, 0, errors.New("integrity record missing")
		}
		return head, 0, fmt.Errorf("read integrity record: %w", err)
	}

	var sealed [32]byte
	copy(sealed[:], chainHash)
	if !hmac.Equal(storedMAC, l.integrityHMAC(sealed, entryCount)) {
		return head, 0, errors.New("integrity record HMAC mismatch")
	}

	rows, err := l.store.db.QueryContext(ctx, `
		SELECT id, timestamp_ns, session_id, trust_score, risk_level, flags, explanation, input, previous_hash, entry_hash, hmac
		FROM decisions ORDER BY id ASC`)
	if err != nil {
		return head, 0, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		var id int64
		var c decisionContent
		var flags string
		var entryHash, entryMAC []byte
		if err := rows.Scan(&id, &c.timestampNs, &c.sessionID, &c.trustScore, &c.riskLevel, &flags,
			&c.explanation, &c.input, &c.previousHash, &entryHash, &entryMAC); err != nil {
			return head, 0, fmt.Errorf("scan decision %d: %w", id, err)
		}
		c.flags = []byte(flags)

		if !bytes.Equal(c.previousHash, head[:]) {
			return head, 0, fmt.Errorf("chain break at decision %d: previous hash mismatch", id)
		}
		if !hmac.Equal(entryMAC, computeDecisionHMAC(l.hmacKey, c)) {
			return head, 0, fmt.Errorf("decision %d HMAC mismatch", id)
		}
		computed := computeDecisionHash(c)
		if !bytes.Equal(entryHash, computed[:]) {
			return head, 0, fmt.Errorf("decision %d hash mismatch", id)
		}
		head = computed
		count++
	}
	if err := rows.Err(); err != nil {
		return head, 0, fmt.Errorf("iterate decisions: %w", err)
	}

	if count != entryCount {
		return head, 0, fmt.Errorf("entry count mismatch: sealed %d, found %d", entryCount, count)
	}
	if !bytes.Equal(chainHash, head[:]) {
		return head, 0, errors.New("chain head mismatch")
	}
	return head, count, nil
}
