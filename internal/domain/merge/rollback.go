package merge

import (
	"context"
	"fmt"

	"github.com/ehr/recordmerge/internal/domain/provenance"
	"github.com/ehr/recordmerge/internal/domain/record"
)

// stageRollback builds the compensating transaction for target. Facts the
// target created are retracted; facts it changed get their pre-target
// revision back as a new revision. Facts that later transactions changed
// are restored too and returned as diverged.
func (m *Manager) stageRollback(ctx context.Context, target *record.Transaction, snap *record.Record, txID string, actor record.Actor) (*record.Transaction, []string, error) {
	now := m.now()
	tx := &record.Transaction{
		ID:          txID,
		PatientID:   snap.PatientID,
		Kind:        record.TxRollback,
		Status:      record.TxOpen,
		Actor:       actor,
		BaseVersion: snap.Version,
		RollbackOf:  target.ID,
		CreatedAt:   now,
	}
	work := snap.Clone()
	prov := provenance.NewRecorder(tx, now)
	rationale := "revert " + target.ID

	// First and last change per fact, in first-touch order.
	type span struct{ first, last record.FactChange }
	var order []string
	spans := map[string]*span{}
	for _, ch := range target.Changes {
		if sp, ok := spans[ch.FactID]; ok {
			sp.last = ch
			continue
		}
		spans[ch.FactID] = &span{first: ch, last: ch}
		order = append(order, ch.FactID)
	}

	var diverged []string
	for i := len(order) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrAborted, err)
		}
		id := order[i]
		sp := spans[id]
		f := work.Fact(id)
		if f == nil {
			tx.Warnings = append(tx.Warnings, fmt.Sprintf("fact %s is missing from the record", id))
			continue
		}
		cur := f.Current()
		if cur.Revision != sp.last.New.Revision {
			diverged = append(diverged, id)
			tx.Warnings = append(tx.Warnings, fmt.Sprintf("fact %s was changed after %s; restored anyway", id, target.ID))
		}

		want := cur
		if sp.first.Prior == nil {
			want.Status = record.StatusRetracted
		} else {
			p := *sp.first.Prior
			want.Payload = p.Payload
			want.ContentHash = p.ContentHash
			want.Confidence = p.Confidence
			want.Status = p.Status
			want.SourceDocumentID = p.SourceDocumentID
			want.SourceTimestamp = p.SourceTimestamp
			want.AsRecordedBy = p.AsRecordedBy
		}
		contentChanged := want.ContentHash != cur.ContentHash || want.Confidence != cur.Confidence
		if !contentChanged && want.Status == cur.Status && want.AsRecordedBy == cur.AsRecordedBy {
			continue
		}

		want.Revision = cur.Revision + 1
		if contentChanged {
			want.Version = cur.Version + 1
		}
		want.TxID = tx.ID
		want.RecordedAt = now
		applyRevision(tx, work, want)
		prov.Rollback(want, rationale)
	}

	for _, tc := range target.Conflicts {
		c, ok := work.Conflict(tc.ID)
		if !ok {
			continue
		}
		c = c.Clone()
		c.Status = record.ConflictRolledBack
		c.ClosedByTx = tx.ID
		tx.Conflicts = append(tx.Conflicts, c)
	}

	if err := tx.Transition(record.TxStaged); err != nil {
		return nil, nil, err
	}
	return tx, diverged, nil
}
