package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/recordmerge/internal/domain/conflict"
	"github.com/ehr/recordmerge/internal/domain/dedup"
	"github.com/ehr/recordmerge/internal/domain/provenance"
	"github.com/ehr/recordmerge/internal/domain/quality"
	"github.com/ehr/recordmerge/internal/domain/record"
)

// stager holds the in-memory state of one staging attempt. It only ever
// writes to its own clone of the snapshot and to the staged transaction.
type stager struct {
	m     *Manager
	delta *record.ResourceDelta
	tx    *record.Transaction
	work  *record.Record
	prov  *provenance.Recorder
	now   time.Time
}

func (m *Manager) stageMerge(ctx context.Context, delta *record.ResourceDelta, snap *record.Record, txID string, actor record.Actor) (*record.Transaction, error) {
	now := m.now()
	tx := &record.Transaction{
		ID:                   txID,
		PatientID:            snap.PatientID,
		Kind:                 record.TxMerge,
		Status:               record.TxOpen,
		SourceDocumentID:     delta.SourceDocumentID,
		ExtractorID:          delta.ExtractorID,
		ExtractorKind:        delta.Kind(),
		ExtractionConfidence: delta.ExtractionConfidence,
		CandidateCount:       len(delta.Candidates),
		Actor:                actor,
		BaseVersion:          snap.Version,
		CreatedAt:            now,
	}
	s := &stager{
		m:     m,
		delta: delta,
		tx:    tx,
		work:  snap.Clone(),
		prov:  provenance.NewRecorder(tx, now),
		now:   now,
	}

	for i, c := range delta.Candidates {
		if err := ctx.Err(); err != nil {
			tx.Transition(record.TxAborted)
			return nil, fmt.Errorf("%w: %v", ErrAborted, err)
		}
		s.candidate(i, c)
	}
	if err := ctx.Err(); err != nil {
		tx.Transition(record.TxAborted)
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}

	if err := tx.Transition(record.TxStaged); err != nil {
		return nil, err
	}
	tx.Quality = m.gate.Assess(quality.FromTransaction(tx))
	return tx, nil
}

func (s *stager) candidate(i int, c record.Candidate) {
	p := c.Payload.Normalize()
	conf := s.delta.CandidateConfidence(c)
	hash := record.ContentHash(p)

	if f := s.replayed(c.Type, hash); f != nil {
		s.confirm(i, f, dedup.Match{FactID: f.ID, Score: 1, Kind: record.MatchExact}, conf)
		return
	}

	d := s.m.dedup.Classify(p, s.delta.SourceDocumentID, s.work.ActiveFacts(c.Type))
	if d.Tag == dedup.TagDuplicate {
		s.confirm(i, s.work.Fact(d.Match.FactID), *d.Match, conf)
		return
	}

	var findings []conflict.Finding
	if d.Tag == dedup.TagNeedsConflictCheck || s.m.detector.Checks(c.Type) {
		findings = s.m.detector.Detect(conflict.Candidate{Payload: p, Gray: d.Gray}, s.activeFacts())
	}

	rev := record.FactRevision{
		FactID:           uuid.New().String(),
		Revision:         1,
		Version:          1,
		Type:             c.Type,
		Payload:          p,
		ContentHash:      hash,
		Status:           record.StatusActive,
		Confidence:       conf,
		SourceDocumentID: s.delta.SourceDocumentID,
		SourceTimestamp:  s.delta.SourceTimestamp,
		TxID:             s.tx.ID,
		RecordedAt:       s.now,
	}
	if len(findings) == 0 {
		s.apply(rev)
		s.prov.Origin(rev)
		return
	}
	s.resolve(rev, findings)
}

// replayed finds a fact this document already asserted with identical
// content that has since been superseded or marked conflicting, so a
// re-submitted delta does not recreate it. Retracted facts do not count.
func (s *stager) replayed(t record.FactType, hash string) *record.Fact {
	for _, f := range s.work.Facts {
		if f.Type != t || f.ContentHash != hash || f.SourceDocumentID != s.delta.SourceDocumentID {
			continue
		}
		if f.Status == record.StatusSuperseded || f.Status == record.StatusConflicting {
			return f
		}
	}
	return nil
}

func (s *stager) activeFacts() []*record.Fact {
	var out []*record.Fact
	for _, f := range s.work.Facts {
		if f.IsActive() {
			out = append(out, f)
		}
	}
	return out
}

func (s *stager) confirm(i int, f *record.Fact, m dedup.Match, conf float64) {
	s.prov.Confirmation(f.Current(), conf)
	s.tx.Duplicates = append(s.tx.Duplicates, record.Duplicate{
		CandidateIndex: i,
		FactID:         f.ID,
		Match:          m.Kind,
		Score:          m.Score,
	})
}

// resolve opens one conflict for the incoming revision against every
// existing fact with a finding, lets the resolver decide, and applies the
// outcomes to both sides.
func (s *stager) resolve(rev record.FactRevision, findings []conflict.Finding) {
	incoming := conflict.Side{
		FactID:          rev.FactID,
		Confidence:      rev.Confidence,
		SourceTimestamp: rev.SourceTimestamp,
		Incoming:        true,
	}
	var (
		existing []conflict.Side
		ids      []string
	)
	seen := map[string]bool{}
	for _, fd := range findings {
		if seen[fd.ExistingFactID] {
			continue
		}
		seen[fd.ExistingFactID] = true
		f := s.work.Fact(fd.ExistingFactID)
		existing = append(existing, conflict.Side{
			FactID:          f.ID,
			Confidence:      f.Confidence,
			SourceTimestamp: f.SourceTimestamp,
		})
		ids = append(ids, f.ID)
	}

	sev := conflict.MaxSeverity(findings)
	res := s.m.resolver.Resolve(rev.Type, findings, incoming, existing)

	c := record.Conflict{
		ID:              uuid.New().String(),
		PatientID:       s.tx.PatientID,
		TxID:            s.tx.ID,
		FactType:        rev.Type,
		IncomingFactID:  rev.FactID,
		ExistingFactIDs: ids,
		Rule:            conflict.Rules(findings),
		Severity:        sev,
		Strategy:        res.Strategy,
		Rationale:       res.Rationale,
		Status:          res.Status,
		DetectedAt:      s.now,
	}
	c.Sides = append(c.Sides, record.ConflictSide{FactID: rev.FactID, Incoming: true, Outcome: res.Outcomes[rev.FactID]})
	for _, id := range ids {
		c.Sides = append(c.Sides, record.ConflictSide{FactID: id, Outcome: res.Outcomes[id]})
	}
	if res.Escalated() {
		c.ReviewRef = uuid.New().String()
	} else {
		at := s.now
		c.ResolvedAt = &at
		c.ClosedByTx = s.tx.ID
	}

	rev.Status = s.statusFor(res.Outcomes[rev.FactID], record.StatusActive)
	if res.Strategy == record.StrategyPreserveBoth {
		rev.AsRecordedBy = s.delta.SourceDocumentID
	}
	s.apply(rev)
	s.prov.ConflictOrigin(rev, c)

	for _, id := range ids {
		f := s.work.Fact(id)
		cur := f.Current()
		next := s.statusFor(res.Outcomes[id], cur.Status)
		tag := cur.AsRecordedBy
		if res.Strategy == record.StrategyPreserveBoth && tag == "" {
			tag = cur.SourceDocumentID
		}
		if next == cur.Status && tag == cur.AsRecordedBy {
			continue
		}
		nrev := cur
		nrev.Revision = cur.Revision + 1
		nrev.Status = next
		nrev.AsRecordedBy = tag
		nrev.TxID = s.tx.ID
		nrev.RecordedAt = s.now
		s.apply(nrev)
		s.prov.Resolution(nrev, c)
	}

	s.tx.Conflicts = append(s.tx.Conflicts, c)
}

// statusFor maps a side outcome to the fact status it leaves behind.
func (s *stager) statusFor(o record.SideOutcome, current record.Status) record.Status {
	switch o {
	case record.OutcomeSuperseded:
		return record.StatusSuperseded
	case record.OutcomeEscalated:
		if s.m.resolver.MarkEscalatedConflicting() {
			return record.StatusConflicting
		}
		return current
	case record.OutcomeKept, record.OutcomePreserved:
		return record.StatusActive
	}
	return current
}

// apply appends rev to the staged transaction and to the working copy.
func (s *stager) apply(rev record.FactRevision) {
	applyRevision(s.tx, s.work, rev)
}

func applyRevision(tx *record.Transaction, work *record.Record, rev record.FactRevision) {
	ch := record.FactChange{FactID: rev.FactID, New: rev}
	f := work.Fact(rev.FactID)
	if f != nil {
		prior := f.Current()
		ch.Prior = &prior
	} else {
		f = &record.Fact{PatientID: work.PatientID}
		work.Facts = append(work.Facts, f)
	}
	f.Apply(rev)
	tx.Changes = append(tx.Changes, ch)
}
