package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey() []byte {
	return []byte(strings.Repeat("k", 32))
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

// =============================================================================
// Migrations
// =============================================================================

func TestMigrationStatusAndSchema(t *testing.T) {
	s := openTestStore(t)

	if err := ValidateSchema(s.DB()); err != nil {
		t.Fatalf("ValidateSchema: %v", err)
	}
	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion || len(status.Pending) != 0 {
		t.Errorf("unexpected status %+v", status)
	}

	// Migrating twice is a no-op.
	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("second MigrateDB: %v", err)
	}
}

func TestRollbackMigration(t *testing.T) {
	s := openTestStore(t)

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration: %v", err)
	}
	if err := ValidateSchema(s.DB()); err == nil {
		t.Error("expected missing decisions table after rollback")
	}
	status, _ := GetMigrationStatus(s.DB())
	if len(status.Pending) != 1 {
		t.Errorf("expected one pending migration, got %d", len(status.Pending))
	}
	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("schema after re-migrate: %v", err)
	}
}

// =============================================================================
// Sessions, scores, evaluations
// =============================================================================

func TestSessionUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.UpsertSession(ctx, SessionRecord{ID: "s1", State: "running", CreatedAt: created, WeightsVersion: "v3"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	ended := created.Add(time.Minute)
	if err := s.UpsertSession(ctx, SessionRecord{ID: "s1", State: "failed", EndedAt: ended, Error: "device lost"}); err != nil {
		t.Fatalf("UpsertSession update: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != "failed" || got.Error != "device lost" {
		t.Errorf("unexpected session %+v", got)
	}
	if !got.CreatedAt.Equal(created) || !got.EndedAt.Equal(ended) {
		t.Errorf("timestamps not kept: %v %v", got.CreatedAt, got.EndedAt)
	}
	if got.WeightsVersion != "v3" {
		t.Errorf("weights version overwritten: %q", got.WeightsVersion)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpsertSession(ctx, SessionRecord{}); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestSessionUpsertKeepsTerminalState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ended := created.Add(time.Second)

	s.UpsertSession(ctx, SessionRecord{ID: "s1", State: "running", CreatedAt: created})
	s.UpsertSession(ctx, SessionRecord{ID: "s1", State: "ended", EndedAt: ended})
	if err := s.UpsertSession(ctx, SessionRecord{ID: "s1", WeightsVersion: "v2", UpdatedAt: ended.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertSession(ctx, SessionRecord{ID: "s1", State: "running", UpdatedAt: ended.Add(2 * time.Second)}); err != nil {
		t.Fatal(err)
	}
	s.UpsertSession(ctx, SessionRecord{ID: "s1", State: "stopped", EndedAt: ended.Add(time.Minute)})

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "ended" || !got.EndedAt.Equal(ended) {
		t.Errorf("terminal state not kept: %q ended %v", got.State, got.EndedAt)
	}
	if got.WeightsVersion != "v2" {
		t.Errorf("weights version %q", got.WeightsVersion)
	}
}

func TestScoreHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.UpsertSession(ctx, SessionRecord{ID: "s1", State: "running", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	for i, score := range []int{40, 65, 82} {
		r := &ScoreRecord{
			SessionID:      "s1",
			Score:          score,
			Level:          "medium",
			WeightsVersion: "v3",
			Breakdown:      json.RawMessage(`{"motion":10}`),
			ComputedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if i == 0 {
			r.Notes = []string{"rppg_pending"}
		}
		if err := s.InsertScore(ctx, r); err != nil {
			t.Fatalf("InsertScore: %v", err)
		}
		if r.ID == 0 {
			t.Error("score ID not assigned")
		}
	}

	scores, err := s.ListScores(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("ListScores: %v", err)
	}
	if len(scores) != 2 || scores[0].Score != 82 || scores[1].Score != 65 {
		t.Fatalf("unexpected scores %+v", scores)
	}
	if string(scores[0].Breakdown) != `{"motion":10}` {
		t.Errorf("breakdown = %s", scores[0].Breakdown)
	}

	sess, _ := s.GetSession(ctx, "s1")
	if sess.LastScore == nil || *sess.LastScore != 82 {
		t.Errorf("last score not updated: %v", sess.LastScore)
	}
}

func TestEvaluationUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	pending := EvaluationRecord{ID: "ev-1", SessionID: "s1", Status: "pending", Score: 70, RequestedAt: at}
	if err := s.UpsertEvaluation(ctx, pending); err != nil {
		t.Fatalf("UpsertEvaluation: %v", err)
	}
	done := pending
	done.Status = "succeeded"
	done.CompletedAt = at.Add(time.Second)
	done.RiskLevel = "LOW"
	done.Explanation = "No integrity risks were detected."
	done.Decision = json.RawMessage(`{"risk_level":"LOW"}`)
	if err := s.UpsertEvaluation(ctx, done); err != nil {
		t.Fatalf("UpsertEvaluation outcome: %v", err)
	}

	evals, err := s.ListEvaluations(ctx, "s1")
	if err != nil {
		t.Fatalf("ListEvaluations: %v", err)
	}
	if len(evals) != 1 {
		t.Fatalf("expected 1 evaluation, got %d", len(evals))
	}
	e := evals[0]
	if e.Status != "succeeded" || e.RiskLevel != "LOW" || len(e.Flags) != 0 {
		t.Errorf("unexpected evaluation %+v", e)
	}
	if !e.CompletedAt.Equal(done.CompletedAt) {
		t.Errorf("completed_at = %v", e.CompletedAt)
	}
}

func TestPruneBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(48 * time.Hour)

	s.UpsertSession(ctx, SessionRecord{ID: "old", State: "ended", CreatedAt: old, EndedAt: old.Add(time.Minute)})
	s.UpsertSession(ctx, SessionRecord{ID: "new", State: "ended", CreatedAt: recent, EndedAt: recent.Add(time.Minute)})
	s.UpsertSession(ctx, SessionRecord{ID: "live", State: "running", CreatedAt: old})
	s.InsertScore(ctx, &ScoreRecord{SessionID: "old", Score: 10, Level: "low", WeightsVersion: "v3"})

	n, err := s.PruneBefore(ctx, old.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d sessions, want 1", n)
	}
	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Sessions != 2 || stats.Scores != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

// =============================================================================
// Decision log
// =============================================================================

func appendDecisions(t *testing.T, l *DecisionLog, n int) []DecisionRecord {
	t.Helper()
	var out []DecisionRecord
	for i := 0; i < n; i++ {
		d := DecisionRecord{
			SessionID:   "s1",
			TrustScore:  float64(30 + i*20),
			RiskLevel:   "MEDIUM",
			Flags:       []string{"LOW_TRUST_SCORE"},
			Explanation: "The session was classified as high risk.",
			Input:       json.RawMessage(`{"trustScore":30}`),
		}
		if err := l.Append(context.Background(), &d); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		out = append(out, d)
	}
	return out
}

func TestDecisionLogChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	l, err := s.DecisionLog(ctx, testKey())
	if err != nil {
		t.Fatalf("DecisionLog: %v", err)
	}
	if !l.IntegrityOK() {
		t.Fatal("fresh log should be intact")
	}

	ds := appendDecisions(t, l, 3)
	if ds[0].PreviousHash != [32]byte{} {
		t.Error("first entry should link to the zero hash")
	}
	for i := 1; i < len(ds); i++ {
		if ds[i].PreviousHash != ds[i-1].EntryHash {
			t.Errorf("entry %d not linked to %d", i, i-1)
		}
	}
	head, count := l.Head()
	if head != ds[2].EntryHash || count != 3 {
		t.Errorf("head = %x/%d", head, count)
	}

	if err := l.Verify(ctx); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	got, err := l.Get(ctx, ds[1].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TrustScore != 50 || got.EntryHash != ds[1].EntryHash {
		t.Errorf("unexpected decision %+v", got)
	}
	if _, err := l.Get(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := l.List(ctx, "", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != ds[2].ID {
		t.Errorf("unexpected list %+v", list)
	}
	if list, _ := l.List(ctx, "other", 10); len(list) != 0 {
		t.Errorf("expected no decisions for other session, got %d", len(list))
	}
}

func TestDecisionLogReopenVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l, err := s.DecisionLog(ctx, testKey())
	if err != nil {
		t.Fatal(err)
	}
	appendDecisions(t, l, 2)
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	l, err = s.DecisionLog(ctx, testKey())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, count := l.Head(); count != 2 {
		t.Errorf("count after reopen = %d", count)
	}
	appendDecisions(t, l, 1)

	// A different key cannot vouch for the chain.
	other := []byte(strings.Repeat("z", 32))
	if _, err := s.DecisionLog(ctx, other); !errors.Is(err, ErrIntegrityCompromised) {
		t.Errorf("expected ErrIntegrityCompromised with wrong key, got %v", err)
	}
}

func TestDecisionLogDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper string
	}{
		{"rewritten risk level", `UPDATE decisions SET risk_level = 'LOW' WHERE id = 2`},
		{"deleted entry", `DELETE FROM decisions WHERE id = 2`},
		{"truncated tail", `DELETE FROM decisions WHERE id = 3`},
		{"edited score", `UPDATE decisions SET trust_score = 99 WHERE id = 1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			ctx := context.Background()
			l, err := s.DecisionLog(ctx, testKey())
			if err != nil {
				t.Fatal(err)
			}
			appendDecisions(t, l, 3)

			if _, err := s.DB().Exec(tt.tamper); err != nil {
				t.Fatalf("tamper: %v", err)
			}

			err = l.Verify(ctx)
			if !errors.Is(err, ErrIntegrityCompromised) {
				t.Fatalf("expected ErrIntegrityCompromised, got %v", err)
			}
			if l.IntegrityOK() {
				t.Error("IntegrityOK should be false after failed verification")
			}
			d := DecisionRecord{RiskLevel: "LOW"}
			if err := l.Append(ctx, &d); !errors.Is(err, ErrIntegrityCompromised) {
				t.Errorf("append after tamper: %v", err)
			}

			report := l.Report(ctx)
			if report.OK || report.Error == "" {
				t.Errorf("unexpected report %+v", report)
			}
		})
	}
}

func TestDecisionLogShortKey(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.DecisionLog(context.Background(), []byte("short")); !errors.Is(err, ErrShortKey) {
		t.Errorf("expected ErrShortKey, got %v", err)
	}
}
