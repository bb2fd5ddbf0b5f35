package merge

import (
	"context"

	"github.com/ehr/recordmerge/internal/domain/record"
	"github.com/ehr/recordmerge/internal/domain/review"
	"github.com/ehr/recordmerge/internal/platform/audit"
)

// afterCommit emits audit events, review notifications, metrics and a log
// line for a committed transaction. Failures are logged only; the commit
// stands.
func (m *Manager) afterCommit(ctx context.Context, tx *record.Transaction, rec *record.Record) {
	log := m.logger.With().Str("tx_id", tx.ID).Str("patient_id", tx.PatientID).Logger()

	if m.audit != nil {
		for _, e := range auditEvents(tx) {
			e := e
			if err := m.audit.LogEvent(ctx, &e); err != nil {
				log.Warn().Err(err).Str("action", string(e.Action)).Msg("audit event delivery failed")
			}
		}
	}

	if m.reviews != nil && tx.Kind == record.TxMerge {
		for _, c := range tx.Conflicts {
			if c.Status != record.ConflictOpen {
				continue
			}
			n := review.ForConflict(tx, c, rec)
			n.ID = c.ReviewRef
			if err := m.reviews.Publish(ctx, n); err != nil {
				log.Warn().Err(err).Str("conflict_id", c.ID).Msg("conflict review notification failed")
			}
		}
		if tx.Quality.Flagged {
			if err := m.reviews.Publish(ctx, review.ForQuality(tx, *tx.CommittedAt)); err != nil {
				log.Warn().Err(err).Msg("quality review notification failed")
			}
		}
	}

	outcome := "committed"
	switch {
	case tx.Kind == record.TxRollback:
		outcome = "rolled_back"
	case tx.Quality.Flagged:
		outcome = "flagged"
	}
	m.metrics.Transaction(string(tx.Kind), outcome)
	for _, c := range tx.Conflicts {
		if tx.Kind == record.TxMerge {
			m.metrics.Conflict(string(c.Severity), string(c.Strategy))
		}
	}
	for _, d := range tx.Duplicates {
		m.metrics.Duplicate(string(d.Match))
	}
	for _, r := range tx.Quality.Reasons {
		m.metrics.QualityFlag(r)
	}

	log.Info().
		Str("kind", string(tx.Kind)).
		Str("outcome", outcome).
		Int64("record_version", tx.RecordVersion).
		Int("changes", len(tx.Changes)).
		Int("duplicates", len(tx.Duplicates)).
		Int("conflicts", len(tx.Conflicts)).
		Str("rollback_of", tx.RollbackOf).
		Msg("transaction committed")
}

// auditEvents lists one event per fact creation, status change and version
// change, per conflict decision, and one for the transaction itself.
func auditEvents(tx *record.Transaction) []audit.Event {
	base := audit.Event{
		TxID:      tx.ID,
		PatientID: tx.PatientID,
		ActorKind: string(tx.Actor.Kind),
		ActorID:   tx.Actor.ID,
	}
	if tx.CommittedAt != nil {
		base.Recorded = *tx.CommittedAt
	}

	var out []audit.Event
	for _, ch := range tx.Changes {
		e := base
		e.FactID = ch.FactID
		e.ToStatus = string(ch.New.Status)
		if ch.Created() {
			e.Action = audit.ActionFactCreated
			out = append(out, e)
			continue
		}
		e.FromStatus = string(ch.Prior.Status)
		if ch.Prior.Version != ch.New.Version {
			e.Action = audit.ActionFactVersionChanged
			out = append(out, e)
		}
		if ch.Prior.Status != ch.New.Status {
			e.Action = audit.ActionFactStatusChanged
			out = append(out, e)
		}
	}

	for _, c := range tx.Conflicts {
		e := base
		e.ConflictID = c.ID
		e.ToStatus = string(c.Status)
		switch c.Status {
		case record.ConflictResolved:
			e.Action = audit.ActionConflictResolved
		case record.ConflictOpen:
			e.Action = audit.ActionConflictEscalated
		default:
			continue
		}
		out = append(out, e)
	}

	e := base
	if tx.Kind == record.TxRollback {
		e.Action = audit.ActionTransactionRolledBack
		e.RelatedTxID = tx.RollbackOf
		e.FromStatus = string(record.TxCommitted)
		e.ToStatus = string(record.TxRolledBack)
	} else {
		e.Action = audit.ActionTransactionCommitted
		e.ToStatus = string(record.TxCommitted)
	}
	out = append(out, e)
	return out
}
