package record

import (
	"context"
)

// Store is the durable home of patient records. Commit is the only way a
// record changes.
type Store interface {
	// Read returns a snapshot of the patient's record. An unknown patient
	// yields an empty record at version 0.
	Read(ctx context.Context, patientID string) (*Record, error)
	// Commit applies tx if the record is still at expectedVersion, otherwise
	// it returns ErrVersionConflict. Fact revisions, provenance, conflicts
	// and the transaction row are written atomically. For rollback
	// transactions the target is flipped to rolled_back in the same unit.
	Commit(ctx context.Context, patientID string, expectedVersion int64, tx *Transaction) (*Record, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// ListTransactions returns the patient's transactions, newest first.
	ListTransactions(ctx context.Context, patientID string, limit, offset int) ([]*Transaction, int, error)
	Close() error
}

// Pinger is implemented by stores backed by a database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}
