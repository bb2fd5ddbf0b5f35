package merge

import (
	"github.com/ehr/recordmerge/internal/domain/record"
)

// Status is the caller-visible outcome of a merge or rollback.
type Status string

const (
	StatusCommitted  Status = "committed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Result is what a merge or rollback returns to its caller.
type Result struct {
	TxID          string             `json:"tx_id"`
	PatientID     string             `json:"patient_id"`
	Kind          record.TxKind      `json:"kind"`
	Status        Status             `json:"status"`
	Created       []string           `json:"created"`
	Updated       []string           `json:"updated"`
	Duplicates    []record.Duplicate `json:"duplicates"`
	Conflicts     []record.Conflict  `json:"conflicts"`
	Quality       record.Quality     `json:"quality"`
	RecordVersion int64              `json:"record_version"`
	Attempts      int                `json:"attempts"`
	Warnings      []string           `json:"warnings,omitempty"`
	// Diverged lists facts a rollback restored although later transactions
	// had changed them.
	Diverged   []string `json:"diverged,omitempty"`
	RollbackOf string   `json:"rollback_of,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Flagged reports whether the quality gate flagged the transaction.
func (r *Result) Flagged() bool { return r.Quality.Flagged }

func resultFor(tx *record.Transaction, attempts int, diverged []string) *Result {
	r := &Result{
		TxID:          tx.ID,
		PatientID:     tx.PatientID,
		Kind:          tx.Kind,
		Status:        StatusCommitted,
		Created:       []string{},
		Updated:       []string{},
		Duplicates:    append([]record.Duplicate{}, tx.Duplicates...),
		Conflicts:     make([]record.Conflict, 0, len(tx.Conflicts)),
		Quality:       tx.Quality,
		RecordVersion: tx.RecordVersion,
		Attempts:      attempts,
		Warnings:      append([]string(nil), tx.Warnings...),
		Diverged:      diverged,
		RollbackOf:    tx.RollbackOf,
	}
	if tx.Kind == record.TxRollback {
		r.Status = StatusRolledBack
	}
	seen := map[string]bool{}
	for _, ch := range tx.Changes {
		if seen[ch.FactID] {
			continue
		}
		seen[ch.FactID] = true
		if ch.Created() {
			r.Created = append(r.Created, ch.FactID)
		} else {
			r.Updated = append(r.Updated, ch.FactID)
		}
	}
	for _, c := range tx.Conflicts {
		r.Conflicts = append(r.Conflicts, c.Clone())
	}
	return r
}

func failedResult(txID, patientID string, kind record.TxKind, attempts int, err error) *Result {
	return &Result{
		TxID:      txID,
		PatientID: patientID,
		Kind:      kind,
		Status:    StatusFailed,
		Created:   []string{},
		Updated:   []string{},
		Attempts:  attempts,
		Error:     err.Error(),
	}
}
