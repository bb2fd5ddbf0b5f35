package batch

import (
	"errors"
	"time"

	"github.com/ehr/recordmerge/internal/domain/merge"
	"github.com/ehr/recordmerge/internal/domain/record"
)

// State is where a submitted delta is in its life.
type State string

const (
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateCommitted  State = "committed"
	StateFlagged    State = "flagged"
	StateFailed     State = "failed"
	StateRejected   State = "rejected"
	StateRolledBack State = "rolled_back"
)

// Status is the submission record kept for async callers. Failed merges are
// a distinct state, never reported as committed or flagged.
type Status struct {
	TxID         string        `json:"tx_id"`
	PatientID    string        `json:"patient_id"`
	State        State         `json:"state"`
	Requeues     int           `json:"requeues,omitempty"`
	Result       *merge.Result `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	RolledBackBy string        `json:"rolled_back_by,omitempty"`
	SubmittedAt  time.Time     `json:"submitted_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// finish returns st updated with the outcome of a merge.
func (st Status) finish(res *merge.Result, err error) Status {
	st.Result = res
	st.UpdatedAt = time.Now().UTC()
	switch {
	case err != nil && record.IsValidation(err):
		st.State = StateRejected
		st.Error = err.Error()
	case err != nil:
		st.State = StateFailed
		st.Error = err.Error()
	case res.Flagged():
		st.State = StateFlagged
	default:
		st.State = StateCommitted
	}
	return st
}

// statusFromTransaction describes a stored transaction as a submission
// status.
func statusFromTransaction(tx *record.Transaction) Status {
	st := Status{
		TxID:         tx.ID,
		PatientID:    tx.PatientID,
		RolledBackBy: tx.RolledBackBy,
		SubmittedAt:  tx.CreatedAt,
		UpdatedAt:    tx.CreatedAt,
	}
	if tx.CommittedAt != nil {
		st.UpdatedAt = *tx.CommittedAt
	}
	switch {
	case tx.Status == record.TxRolledBack:
		st.State = StateRolledBack
	case tx.Status == record.TxCommitted && tx.Quality.Flagged:
		st.State = StateFlagged
	case tx.Status == record.TxCommitted:
		st.State = StateCommitted
	default:
		st.State = StateFailed
	}
	return st
}

// IsBusy reports whether err means the caller should retry later.
func IsBusy(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrQueueFull) || errors.Is(err, ErrShuttingDown)
}
