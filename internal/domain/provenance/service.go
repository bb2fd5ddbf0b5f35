package provenance

import (
	"context"

	"github.com/ehr/recordmerge/internal/domain/record"
)

// Service reads the ledger from the record store.
type Service struct {
	store record.Store
}

// NewService creates a new provenance read service.
func NewService(store record.Store) *Service {
	return &Service{store: store}
}

func (s *Service) FactHistory(ctx context.Context, patientID, factID string) (*FactHistory, error) {
	rec, err := s.store.Read(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return History(rec, factID)
}

func (s *Service) SearchEntries(ctx context.Context, patientID string, filter Filter, limit, offset int) ([]record.ProvenanceEntry, int, error) {
	rec, err := s.store.Read(ctx, patientID)
	if err != nil {
		return nil, 0, err
	}
	all := Entries(rec, filter)
	total := len(all)
	if offset >= total {
		return []record.ProvenanceEntry{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// Verify runs VerifyLedger over the patient's stored record.
func (s *Service) Verify(ctx context.Context, patientID string) error {
	rec, err := s.store.Read(ctx, patientID)
	if err != nil {
		return err
	}
	return VerifyLedger(rec)
}
