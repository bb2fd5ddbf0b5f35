package merge

import (
	"errors"
	"fmt"
)

var (
	// ErrMergeFailed reports a delta that could not be committed after the
	// bounded retries. The delta had no effect on the record.
	ErrMergeFailed = errors.New("merge failed")
	// ErrAborted reports a merge cancelled during staging.
	ErrAborted = errors.New("merge aborted")
)

// FailedError carries the context of a failed merge or rollback for manual
// resubmission.
type FailedError struct {
	TxID      string
	PatientID string
	Attempts  int
	Err       error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("transaction %s for patient %s failed after %d attempt(s): %v", e.TxID, e.PatientID, e.Attempts, e.Err)
}

// Unwrap exposes both ErrMergeFailed and the last underlying error.
func (e *FailedError) Unwrap() []error {
	return []error{ErrMergeFailed, e.Err}
}
