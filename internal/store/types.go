// Package store provides SQLite persistence for livenessd: session
// lifecycle, score history, evaluation outcomes and the tamper-evident
// governance decision log.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionRecord is the persisted lifecycle of a pipeline session.
type SessionRecord struct {
	ID             string    `json:"id"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
	Error          string    `json:"error,omitempty"`
	WeightsVersion string    `json:"weights_version,omitempty"`
	LastScore      *int      `json:"last_score,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ScoreRecord is one computed trust score.
type ScoreRecord struct {
	ID             int64           `json:"id"`
	SessionID      string          `json:"session_id"`
	Score          int             `json:"score"`
	Level          string          `json:"level"`
	WeightsVersion string          `json:"weights_version"`
	Breakdown      json.RawMessage `json:"breakdown"`
	Notes          []string        `json:"notes,omitempty"`
	ComputedAt     time.Time       `json:"computed_at"`
}

// EvaluationRecord is one evaluation gateway call.
type EvaluationRecord struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Status      string          `json:"status"`
	Score       int             `json:"score"`
	RequestedAt time.Time       `json:"requested_at"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
	RiskLevel   string          `json:"risk_level,omitempty"`
	Flags       []string        `json:"flags,omitempty"`
	Explanation string          `json:"explanation,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	Decision    json.RawMessage `json:"decision,omitempty"`
}

// DecisionRecord is one audited governance decision. Entries form a hash
// chain: each EntryHash covers the record and the previous EntryHash.
type DecisionRecord struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	SessionID    string          `json:"session_id,omitempty"`
	TrustScore   float64         `json:"trust_score"`
	RiskLevel    string          `json:"risk_level"`
	Flags        []string        `json:"flags"`
	Explanation  string          `json:"explanation"`
	Input        json.RawMessage `json:"input"`
	PreviousHash [32]byte        `json:"-"`
	EntryHash    [32]byte        `json:"-"`
}

// Stats counts rows per table.
type Stats struct {
	Sessions    int64 `json:"sessions"`
	Scores      int64 `json:"scores"`
	Evaluations int64 `json:"evaluations"`
	Decisions   int64 `json:"decisions"`
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
