package record

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a transaction or fact does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by Commit when the record advanced past
	// the expected version.
	ErrVersionConflict = errors.New("record version conflict")
	// ErrAlreadyRolledBack is returned when the rollback target was already
	// reverted.
	ErrAlreadyRolledBack = errors.New("transaction already rolled back")
	// ErrRollbackNotApplicable is returned when the target cannot be rolled
	// back at all, e.g. it is itself a rollback.
	ErrRollbackNotApplicable = errors.New("rollback not applicable")
)

// FieldProblem is one validation failure.
type FieldProblem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a malformed delta.
type ValidationError struct {
	Problems []FieldProblem `json:"problems"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+" "+p.Message)
	}
	return "invalid delta: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Problems = append(e.Problems, FieldProblem{Field: field, Message: fmt.Sprintf(format, args...)})
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
