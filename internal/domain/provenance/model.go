// Package provenance writes and reads the ledger that ties every fact
// revision to its origin and to the decisions that produced it.
package provenance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/recordmerge/internal/domain/record"
)

// ErrLedger is wrapped by VerifyLedger failures.
var ErrLedger = errors.New("provenance ledger inconsistent")

// Revision pairs one stored fact revision with its provenance entries: the
// originating entry first, then any confirmations from later documents.
type Revision struct {
	record.FactRevision
	Provenance []record.ProvenanceEntry `json:"provenance"`
}

// FactHistory is the replayed history of one fact.
type FactHistory struct {
	FactID    string          `json:"fact_id"`
	PatientID string          `json:"patient_id"`
	Type      record.FactType `json:"type"`
	Status    record.Status   `json:"status"`
	Revisions []Revision      `json:"revisions"`
}

// Filter narrows ledger listings. Empty fields match everything.
type Filter struct {
	FactID           string
	Kind             record.ProvenanceKind
	SourceDocumentID string
	TxID             string
}

func (f Filter) match(e record.ProvenanceEntry) bool {
	return (f.FactID == "" || e.FactID == f.FactID) &&
		(f.Kind == "" || e.Kind == f.Kind) &&
		(f.SourceDocumentID == "" || e.SourceDocumentID == f.SourceDocumentID) &&
		(f.TxID == "" || e.TxID == f.TxID)
}

// History replays the revisions of factID in order and attaches each
// revision's provenance.
func History(rec *record.Record, factID string) (*FactHistory, error) {
	f := rec.Fact(factID)
	if f == nil {
		return nil, fmt.Errorf("fact %s: %w", factID, record.ErrNotFound)
	}
	byRev := map[int][]record.ProvenanceEntry{}
	for _, e := range rec.ProvenanceFor(factID) {
		byRev[e.FactRevision] = append(byRev[e.FactRevision], e)
	}

	h := &FactHistory{FactID: f.ID, PatientID: rec.PatientID, Type: f.Type, Status: f.Status}
	for _, rev := range f.History {
		entries := byRev[rev.Revision]
		ordered := make([]record.ProvenanceEntry, 0, len(entries))
		for _, e := range entries {
			if e.Kind != record.ProvenanceConfirmation {
				ordered = append(ordered, e)
			}
		}
		for _, e := range entries {
			if e.Kind == record.ProvenanceConfirmation {
				ordered = append(ordered, e)
			}
		}
		h.Revisions = append(h.Revisions, Revision{FactRevision: rev, Provenance: ordered})
	}
	return h, nil
}

// Entries lists ledger entries matching filter in commit order.
func Entries(rec *record.Record, filter Filter) []record.ProvenanceEntry {
	var out []record.ProvenanceEntry
	for _, e := range rec.Provenance {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	return out
}

// VerifyLedger checks that every fact revision has exactly one originating
// entry written by the same transaction, and that every entry points at a
// stored revision.
func VerifyLedger(rec *record.Record) error {
	type key struct {
		fact string
		rev  int
	}
	origins := map[key][]record.ProvenanceEntry{}
	var problems []string
	for _, e := range rec.Provenance {
		f := rec.Fact(e.FactID)
		if f == nil {
			problems = append(problems, fmt.Sprintf("entry %s references unknown fact %s", e.ID, e.FactID))
			continue
		}
		if _, ok := f.RevisionAt(e.FactRevision); !ok {
			problems = append(problems, fmt.Sprintf("entry %s references unknown revision %s@%d", e.ID, e.FactID, e.FactRevision))
			continue
		}
		if e.Kind != record.ProvenanceConfirmation {
			k := key{e.FactID, e.FactRevision}
			origins[k] = append(origins[k], e)
		}
	}
	for _, f := range rec.Facts {
		for _, rev := range f.History {
			got := origins[key{f.ID, rev.Revision}]
			switch {
			case len(got) == 0:
				problems = append(problems, fmt.Sprintf("%s@%d has no originating entry", f.ID, rev.Revision))
			case len(got) > 1:
				problems = append(problems, fmt.Sprintf("%s@%d has %d originating entries", f.ID, rev.Revision, len(got)))
			case got[0].TxID != rev.TxID:
				problems = append(problems, fmt.Sprintf("%s@%d originated by %s but written by %s", f.ID, rev.Revision, got[0].TxID, rev.TxID))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrLedger, strings.Join(problems, "; "))
	}
	return nil
}
