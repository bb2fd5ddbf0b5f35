package provenance

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/recordmerge/internal/domain/record"
)

// Recorder appends provenance entries to a staged transaction. Entries only
// become visible when the transaction commits.
type Recorder struct {
	tx  *record.Transaction
	now time.Time
}

// NewRecorder returns a Recorder writing into tx with now as the entry time.
func NewRecorder(tx *record.Transaction, now time.Time) *Recorder {
	return &Recorder{tx: tx, now: now}
}

func (r *Recorder) entry(kind record.ProvenanceKind, rev record.FactRevision) record.ProvenanceEntry {
	return record.ProvenanceEntry{
		ID:               uuid.New().String(),
		PatientID:        r.tx.PatientID,
		FactID:           rev.FactID,
		FactRevision:     rev.Revision,
		FactVersion:      rev.Version,
		Kind:             kind,
		SourceDocumentID: r.tx.SourceDocumentID,
		ExtractorID:      r.tx.ExtractorID,
		Actor:            r.tx.Actor,
		Confidence:       rev.Confidence,
		TxID:             r.tx.ID,
		RecordedAt:       r.now,
	}
}

func (r *Recorder) add(e record.ProvenanceEntry) record.ProvenanceEntry {
	r.tx.Provenance = append(r.tx.Provenance, e)
	return e
}

// Origin records a new fact version extracted from the transaction's
// source document.
func (r *Recorder) Origin(rev record.FactRevision) record.ProvenanceEntry {
	return r.add(r.entry(record.ProvenanceOrigin, rev))
}

// ConflictOrigin records a new fact whose initial status was decided by
// conflict c.
func (r *Recorder) ConflictOrigin(rev record.FactRevision, c record.Conflict) record.ProvenanceEntry {
	e := r.entry(record.ProvenanceOrigin, rev)
	e.ConflictID = c.ID
	e.Strategy = c.Strategy
	e.Rationale = c.Rationale
	return r.add(e)
}

// Confirmation records that the transaction's document re-asserted the
// current revision of an existing fact.
func (r *Recorder) Confirmation(current record.FactRevision, confidence float64) record.ProvenanceEntry {
	e := r.entry(record.ProvenanceConfirmation, current)
	e.Confidence = confidence
	return r.add(e)
}

// Resolution records a revision produced by a conflict decision.
func (r *Recorder) Resolution(rev record.FactRevision, c record.Conflict) record.ProvenanceEntry {
	e := r.entry(record.ProvenanceResolution, rev)
	e.ConflictID = c.ID
	e.Strategy = c.Strategy
	e.Rationale = c.Rationale
	return r.add(e)
}

// Rollback records a revision written by a compensating transaction.
func (r *Recorder) Rollback(rev record.FactRevision, rationale string) record.ProvenanceEntry {
	e := r.entry(record.ProvenanceRollback, rev)
	e.Rationale = rationale
	return r.add(e)
}
