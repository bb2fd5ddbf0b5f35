package provenance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ehr/recordmerge/internal/domain/record"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seedStore commits a fact created by tx1, confirmed by tx2 and superseded by
// a conflict resolution in tx3.
func seedStore(t *testing.T) record.Store {
	t.Helper()
	s := record.NewMemoryStore()
	ctx := context.Background()
	p := record.ConditionPayload{Name: "Asthma"}
	actor := record.Actor{Kind: record.ActorAutomated, ID: "extractor-v1"}

	rev1 := record.FactRevision{
		FactID: "f1", Revision: 1, Version: 1, Type: record.TypeCondition, Payload: p,
		ContentHash: record.ContentHash(p), Status: record.StatusActive, Confidence: 0.9,
		SourceDocumentID: "doc-1", TxID: "tx1", RecordedAt: t0,
	}
	tx1 := &record.Transaction{ID: "tx1", PatientID: "p1", Kind: record.TxMerge, Status: record.TxStaged,
		SourceDocumentID: "doc-1", Actor: actor, CreatedAt: t0,
		Changes: []record.FactChange{{FactID: "f1", New: rev1}}}
	NewRecorder(tx1, t0).Origin(rev1)
	if _, err := s.Commit(ctx, "p1", 0, tx1); err != nil {
		t.Fatal(err)
	}

	tx2 := &record.Transaction{ID: "tx2", PatientID: "p1", Kind: record.TxMerge, Status: record.TxStaged,
		SourceDocumentID: "doc-2", Actor: actor, BaseVersion: 1, CreatedAt: t0}
	NewRecorder(tx2, t0).Confirmation(rev1, 0.7)
	if _, err := s.Commit(ctx, "p1", 1, tx2); err != nil {
		t.Fatal(err)
	}

	rev2 := rev1
	rev2.Revision = 2
	rev2.Status = record.StatusSuperseded
	rev2.TxID = "tx3"
	prior := rev1
	c := record.Conflict{ID: "c1", PatientID: "p1", TxID: "tx3", Strategy: record.StrategyConfidence,
		Rationale: "incoming confidence 0.95 > existing 0.90", Status: record.ConflictResolved}
	tx3 := &record.Transaction{ID: "tx3", PatientID: "p1", Kind: record.TxMerge, Status: record.TxStaged,
		SourceDocumentID: "doc-3", Actor: actor, BaseVersion: 2, CreatedAt: t0,
		Changes:   []record.FactChange{{FactID: "f1", New: rev2, Prior: &prior}},
		Conflicts: []record.Conflict{c}}
	NewRecorder(tx3, t0).Resolution(rev2, c)
	if _, err := s.Commit(ctx, "p1", 2, tx3); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestService_FactHistory(t *testing.T) {
	svc := NewService(seedStore(t))
	h, err := svc.FactHistory(context.Background(), "p1", "f1")
	if err != nil {
		t.Fatalf("FactHistory: %v", err)
	}
	if h.Status != record.StatusSuperseded || len(h.Revisions) != 2 {
		t.Fatalf("expected 2 revisions ending superseded, got %d / %s", len(h.Revisions), h.Status)
	}
	first := h.Revisions[0]
	if len(first.Provenance) != 2 {
		t.Fatalf("expected origin and confirmation on revision 1, got %d", len(first.Provenance))
	}
	if first.Provenance[0].Kind != record.ProvenanceOrigin || first.Provenance[1].Kind != record.ProvenanceConfirmation {
		t.Errorf("expected origin before confirmation, got %s, %s", first.Provenance[0].Kind, first.Provenance[1].Kind)
	}
	if first.Provenance[1].SourceDocumentID != "doc-2" {
		t.Errorf("expected confirmation from doc-2, got %s", first.Provenance[1].SourceDocumentID)
	}
	second := h.Revisions[1]
	if len(second.Provenance) != 1 || second.Provenance[0].ConflictID != "c1" {
		t.Errorf("expected resolution entry referencing c1, got %+v", second.Provenance)
	}
	if second.Provenance[0].Strategy != record.StrategyConfidence {
		t.Errorf("expected strategy recorded, got %s", second.Provenance[0].Strategy)
	}
}

func TestService_FactHistory_NotFound(t *testing.T) {
	svc := NewService(seedStore(t))
	if _, err := svc.FactHistory(context.Background(), "p1", "missing"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_SearchEntries(t *testing.T) {
	svc := NewService(seedStore(t))
	ctx := context.Background()

	all, total, err := svc.SearchEntries(ctx, "p1", Filter{}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d/%d", len(all), total)
	}

	conf, total, _ := svc.SearchEntries(ctx, "p1", Filter{Kind: record.ProvenanceConfirmation}, 10, 0)
	if total != 1 || conf[0].TxID != "tx2" {
		t.Errorf("expected the tx2 confirmation, got %+v", conf)
	}

	page, total, _ := svc.SearchEntries(ctx, "p1", Filter{}, 2, 2)
	if total != 3 || len(page) != 1 {
		t.Errorf("expected last page of 1, got %d of %d", len(page), total)
	}

	empty, _, _ := svc.SearchEntries(ctx, "p1", Filter{}, 2, 10)
	if len(empty) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(empty))
	}
}

func TestVerifyLedger(t *testing.T) {
	s := seedStore(t)
	rec, _ := s.Read(context.Background(), "p1")
	if err := VerifyLedger(rec); err != nil {
		t.Fatalf("expected consistent ledger, got %v", err)
	}

	broken := rec.Clone()
	broken.Provenance = broken.Provenance[:2]
	err := VerifyLedger(broken)
	if !errors.Is(err, ErrLedger) {
		t.Fatalf("expected ErrLedger, got %v", err)
	}
	if !strings.Contains(err.Error(), "f1@2 has no originating entry") {
		t.Errorf("unexpected message %q", err.Error())
	}

	dup := rec.Clone()
	extra := dup.Provenance[0]
	extra.ID = "dup"
	dup.Provenance = append(dup.Provenance, extra)
	if err := VerifyLedger(dup); err == nil || !strings.Contains(err.Error(), "2 originating entries") {
		t.Errorf("expected duplicate origin to be reported, got %v", err)
	}
}

func TestRecorder_StampsTransaction(t *testing.T) {
	tx := &record.Transaction{ID: "tx9", PatientID: "p9", SourceDocumentID: "doc-9", ExtractorID: "gpt-x",
		Actor: record.Actor{Kind: record.ActorAutomated, ID: "gpt-x"}}
	rev := record.FactRevision{FactID: "f9", Revision: 3, Version: 2, Confidence: 0.4}

	e := NewRecorder(tx, t0).Rollback(rev, "revert tx5")
	if len(tx.Provenance) != 1 || tx.Provenance[0].ID != e.ID {
		t.Fatalf("expected entry appended to transaction")
	}
	if e.Kind != record.ProvenanceRollback || e.TxID != "tx9" || e.FactRevision != 3 || e.FactVersion != 2 {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.ExtractorID != "gpt-x" || e.SourceDocumentID != "doc-9" || !e.RecordedAt.Equal(t0) {
		t.Errorf("expected transaction metadata on entry, got %+v", e)
	}
	if e.ID == "" {
		t.Error("expected generated id")
	}
}
