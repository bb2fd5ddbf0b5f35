package record

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Snapshots handed out are deep
// copies, so callers can never mutate stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	txs     map[string]*Transaction
	byPat   map[string][]string
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		txs:     make(map[string]*Transaction),
		byPat:   make(map[string][]string),
		now:     time.Now,
	}
}

func (s *MemoryStore) Read(ctx context.Context, patientID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := NormalizePatientID(patientID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return NewRecord(key), nil
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Commit(ctx context.Context, patientID string, expectedVersion int64, tx *Transaction) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := NormalizePatientID(patientID)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[key]
	if !ok {
		current = NewRecord(key)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("patient %s at version %d, expected %d: %w", key, current.Version, expectedVersion, ErrVersionConflict)
	}

	var target *Transaction
	if tx.Kind == TxRollback {
		target = s.txs[tx.RollbackOf]
		if err := checkRollbackTarget(target, tx); err != nil {
			return nil, err
		}
	}

	if err := stampCommit(tx, expectedVersion+1, s.now().UTC()); err != nil {
		return nil, err
	}
	next := current.Clone()
	next.Apply(tx)
	s.records[key] = next
	s.txs[tx.ID] = tx.Clone()
	s.byPat[key] = append(s.byPat[key], tx.ID)
	if target != nil {
		target.Status = TxRolledBack
		target.RolledBackBy = tx.ID
	}
	return next.Clone(), nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, patientID string, limit, offset int) ([]*Transaction, int, error) {
	key := NormalizePatientID(patientID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byPat[key]
	total := len(ids)
	var out []*Transaction
	for i := total - 1 - offset; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.txs[ids[i]].Clone())
	}
	return out, total, nil
}

func (s *MemoryStore) Close() error { return nil }
