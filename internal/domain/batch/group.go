package batch

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/recordmerge/internal/domain/merge"
	"github.com/ehr/recordmerge/internal/domain/record"
)

// Item is the outcome of one delta in a batch, reported at the delta's
// input position.
type Item struct {
	Index     int           `json:"index"`
	TxID      string        `json:"tx_id,omitempty"`
	PatientID string        `json:"patient_id"`
	State     State         `json:"state"`
	Result    *merge.Result `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	// Problems lists validation failures for rejected deltas.
	Problems []record.FieldProblem `json:"problems,omitempty"`
}

type queued struct {
	index int
	delta *record.ResourceDelta
}

// Group is the deltas of one patient in merge order.
type Group struct {
	PatientID string
	entries   []queued
}

// Deltas returns the group's deltas in merge order.
func (g Group) Deltas() []*record.ResourceDelta {
	out := make([]*record.ResourceDelta, len(g.entries))
	for i, e := range g.entries {
		out[i] = e.delta
	}
	return out
}

// GroupDeltas buckets deltas by normalized patient id and orders each
// bucket by batch id and sequence, then source timestamp, then arrival.
// Deltas without a timestamp sort after those with one. Groups come back in
// order of first appearance.
func GroupDeltas(deltas []*record.ResourceDelta) []Group {
	return groupQueued(enumerate(deltas))
}

func enumerate(deltas []*record.ResourceDelta) []queued {
	out := make([]queued, len(deltas))
	for i, d := range deltas {
		out[i] = queued{index: i, delta: d}
	}
	return out
}

func groupQueued(items []queued) []Group {
	var groups []Group
	pos := map[string]int{}
	for _, q := range items {
		pid := q.delta.NormalizedPatientID()
		i, ok := pos[pid]
		if !ok {
			i = len(groups)
			pos[pid] = i
			groups = append(groups, Group{PatientID: pid})
		}
		groups[i].entries = append(groups[i].entries, q)
	}
	for i := range groups {
		entries := groups[i].entries
		sort.SliceStable(entries, func(a, b int) bool { return mergesBefore(entries[a], entries[b]) })
	}
	return groups
}

func mergesBefore(a, b queued) bool {
	da, db := a.delta, b.delta
	if da.BatchID != db.BatchID {
		return da.BatchID < db.BatchID
	}
	if da.Sequence != db.Sequence {
		return da.Sequence < db.Sequence
	}
	switch {
	case da.SourceTimestamp != nil && db.SourceTimestamp != nil:
		if !da.SourceTimestamp.Equal(*db.SourceTimestamp) {
			return da.SourceTimestamp.Before(*db.SourceTimestamp)
		}
	case da.SourceTimestamp != nil:
		return true
	case db.SourceTimestamp != nil:
		return false
	}
	return a.index < b.index
}

// RunBatch merges deltas synchronously. Invalid deltas are rejected
// individually; the rest are grouped per patient, groups run in parallel
// bounded by the worker count, and each group runs in order. A failed merge
// does not stop the rest of its group. The error is non-nil only if ctx
// ended first.
func (o *Orchestrator) RunBatch(ctx context.Context, deltas []*record.ResourceDelta) ([]Item, error) {
	items := make([]Item, len(deltas))
	var valid []queued
	for i, d := range deltas {
		items[i] = Item{Index: i, PatientID: d.NormalizedPatientID()}
		if err := d.Validate(); err != nil {
			items[i].State = StateRejected
			items[i].Error = err.Error()
			var ve *record.ValidationError
			if errors.As(err, &ve) {
				items[i].Problems = ve.Problems
			}
			continue
		}
		valid = append(valid, queued{index: i, delta: d})
	}

	groups := groupQueued(valid)
	o.logger.Info().Int("deltas", len(deltas)).Int("patients", len(groups)).Msg("batch started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			for _, q := range grp.entries {
				if err := gctx.Err(); err != nil {
					items[q.index].State = StateFailed
					items[q.index].Error = err.Error()
					continue
				}
				res, err := o.SubmitSync(gctx, q.delta)
				it := &items[q.index]
				if res != nil {
					it.TxID = res.TxID
				}
				st := Status{}.finish(res, err)
				it.State, it.Result, it.Error = st.State, res, st.Error
			}
			return nil
		})
	}
	g.Wait()
	return items, ctx.Err()
}
