package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExtractorKind distinguishes the primary extraction process from fallbacks.
type ExtractorKind string

const (
	ExtractorPrimary  ExtractorKind = "primary"
	ExtractorFallback ExtractorKind = "fallback"
)

// Candidate is one fact proposed by an extractor.
type Candidate struct {
	Type       FactType `json:"type"`
	Payload    Payload  `json:"payload"`
	Confidence *float64 `json:"confidence,omitempty"`

	decodeErr error
}

// UnmarshalJSON decodes the payload variant named by "type". Unknown types
// and malformed payloads are kept and reported by Validate so the whole
// delta can be rejected with every problem listed.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	var aux struct {
		Type       FactType        `json:"type"`
		Payload    json.RawMessage `json:"payload"`
		Confidence *float64        `json:"confidence"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Type = aux.Type
	c.Confidence = aux.Confidence
	c.Payload = nil
	c.decodeErr = nil
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		return nil
	}
	p, err := DecodePayload(aux.Type, aux.Payload)
	if err != nil {
		c.decodeErr = err
		return nil
	}
	c.Payload = p
	return nil
}

// ResourceDelta is the set of candidate facts extracted from one source
// document for one patient.
type ResourceDelta struct {
	PatientID            string        `json:"patient_id"`
	SourceDocumentID     string        `json:"source_document_id"`
	SourceTimestamp      *time.Time    `json:"source_timestamp,omitempty"`
	BatchID              string        `json:"batch_id,omitempty"`
	Sequence             int           `json:"sequence,omitempty"`
	ExtractionConfidence float64       `json:"extraction_confidence"`
	ExtractorID          string        `json:"extractor_id"`
	ExtractorKind        ExtractorKind `json:"extractor_kind,omitempty"`
	Candidates           []Candidate   `json:"candidates"`
}

// Validate checks the delta and returns a *ValidationError listing every
// problem, or nil.
func (d *ResourceDelta) Validate() error {
	ve := &ValidationError{}
	if strings.TrimSpace(d.PatientID) == "" {
		ve.add("patient_id", "is required")
	}
	if strings.TrimSpace(d.SourceDocumentID) == "" {
		ve.add("source_document_id", "is required")
	}
	if d.ExtractionConfidence < 0 || d.ExtractionConfidence > 1 {
		ve.add("extraction_confidence", "must be within [0,1], got %v", d.ExtractionConfidence)
	}
	switch d.ExtractorKind {
	case "", ExtractorPrimary, ExtractorFallback:
	default:
		ve.add("extractor_kind", "must be primary or fallback, got %q", d.ExtractorKind)
	}
	for i, c := range d.Candidates {
		prefix := fmt.Sprintf("candidates[%d]", i)
		if !ValidFactTypes[c.Type] {
			ve.add(prefix+".type", "unknown fact type %q", c.Type)
			continue
		}
		if c.decodeErr != nil {
			ve.add(prefix+".payload", "malformed: %v", c.decodeErr)
			continue
		}
		if c.Payload == nil {
			ve.add(prefix+".payload", "is required")
			continue
		}
		if c.Payload.Type() != c.Type {
			ve.add(prefix+".payload", "variant %s does not match type %s", c.Payload.Type(), c.Type)
			continue
		}
		for _, p := range c.Payload.Validate() {
			ve.add(prefix+".payload."+p.Field, "%s", p.Message)
		}
		if c.Confidence != nil && (*c.Confidence < 0 || *c.Confidence > 1) {
			ve.add(prefix+".confidence", "must be within [0,1], got %v", *c.Confidence)
		}
	}
	if len(ve.Problems) > 0 {
		return ve
	}
	return nil
}

// NormalizedPatientID is the key used to group and lock deltas.
func (d *ResourceDelta) NormalizedPatientID() string {
	return NormalizePatientID(d.PatientID)
}

// NormalizePatientID trims and case-folds a patient identifier.
func NormalizePatientID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Kind returns the extractor kind, defaulting to primary.
func (d *ResourceDelta) Kind() ExtractorKind {
	if d.ExtractorKind == "" {
		return ExtractorPrimary
	}
	return d.ExtractorKind
}

// CandidateConfidence is the candidate's own confidence, falling back to the
// delta's extraction confidence.
func (d *ResourceDelta) CandidateConfidence(c Candidate) float64 {
	if c.Confidence != nil {
		return *c.Confidence
	}
	return d.ExtractionConfidence
}

// TxKind distinguishes merge transactions from compensating rollbacks.
type TxKind string

const (
	TxMerge    TxKind = "merge"
	TxRollback TxKind = "rollback"
)

// TxStatus is the lifecycle state of a Transaction.
type TxStatus string

const (
	TxOpen       TxStatus = "open"
	TxStaged     TxStatus = "staged"
	TxCommitted  TxStatus = "committed"
	TxAborted    TxStatus = "aborted"
	TxRolledBack TxStatus = "rolled_back"
)

var txTransitions = map[TxStatus][]TxStatus{
	TxOpen:      {TxStaged, TxAborted},
	TxStaged:    {TxCommitted, TxAborted},
	TxCommitted: {TxRolledBack},
}

// Transition moves the transaction to the next lifecycle state.
func (t *Transaction) Transition(to TxStatus) error {
	for _, allowed := range txTransitions[t.Status] {
		if allowed == to {
			t.Status = to
			return nil
		}
	}
	return fmt.Errorf("transaction %s: illegal transition %s -> %s", t.ID, t.Status, to)
}

// FactChange is one fact revision appended by a transaction. Prior is nil
// when the transaction created the fact.
type FactChange struct {
	FactID string        `json:"fact_id"`
	New    FactRevision  `json:"new"`
	Prior  *FactRevision `json:"prior,omitempty"`
}

// Created reports whether the change created the fact.
func (c FactChange) Created() bool { return c.Prior == nil }

// MatchKind says how a duplicate was recognised.
type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchFuzzy MatchKind = "fuzzy"
)

// Duplicate records a candidate that matched an existing fact.
type Duplicate struct {
	CandidateIndex int       `json:"candidate_index"`
	FactID         string    `json:"fact_id"`
	Match          MatchKind `json:"match"`
	Score          float64   `json:"score"`
}

// Quality is the quality-gate assessment of a staged transaction.
type Quality struct {
	Score   float64  `json:"score"`
	Flagged bool     `json:"flagged"`
	Reasons []string `json:"reasons,omitempty"`
}

// Transaction is the staging context for one delta (or one rollback)
// applied to one record.
type Transaction struct {
	ID                   string            `json:"id"`
	PatientID            string            `json:"patient_id"`
	Kind                 TxKind            `json:"kind"`
	Status               TxStatus          `json:"status"`
	SourceDocumentID     string            `json:"source_document_id,omitempty"`
	ExtractorID          string            `json:"extractor_id,omitempty"`
	ExtractorKind        ExtractorKind     `json:"extractor_kind,omitempty"`
	ExtractionConfidence float64           `json:"extraction_confidence"`
	CandidateCount       int               `json:"candidate_count"`
	Actor                Actor             `json:"actor"`
	BaseVersion          int64             `json:"base_version"`
	RecordVersion        int64             `json:"record_version"`
	RollbackOf           string            `json:"rollback_of,omitempty"`
	RolledBackBy         string            `json:"rolled_back_by,omitempty"`
	Changes              []FactChange      `json:"changes"`
	Provenance           []ProvenanceEntry `json:"provenance"`
	Conflicts            []Conflict        `json:"conflicts"`
	Duplicates           []Duplicate       `json:"duplicates,omitempty"`
	Quality              Quality           `json:"quality"`
	Warnings             []string          `json:"warnings,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	CommittedAt          *time.Time        `json:"committed_at,omitempty"`
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.Changes = make([]FactChange, len(t.Changes))
	for i, ch := range t.Changes {
		cp.Changes[i] = ch
		if ch.Prior != nil {
			prior := *ch.Prior
			cp.Changes[i].Prior = &prior
		}
	}
	cp.Provenance = append([]ProvenanceEntry(nil), t.Provenance...)
	cp.Conflicts = make([]Conflict, len(t.Conflicts))
	for i, c := range t.Conflicts {
		cp.Conflicts[i] = c.Clone()
	}
	cp.Duplicates = append([]Duplicate(nil), t.Duplicates...)
	cp.Quality.Reasons = append([]string(nil), t.Quality.Reasons...)
	cp.Warnings = append([]string(nil), t.Warnings...)
	if t.CommittedAt != nil {
		at := *t.CommittedAt
		cp.CommittedAt = &at
	}
	return &cp
}

// ChangeFor returns the change this transaction made to factID.
func (t *Transaction) ChangeFor(factID string) (FactChange, bool) {
	for _, ch := range t.Changes {
		if ch.FactID == factID {
			return ch, true
		}
	}
	return FactChange{}, false
}

// stampCommit marks tx committed at version; stores call it inside their
// atomic commit unit.
func stampCommit(tx *Transaction, version int64, at time.Time) error {
	if err := tx.Transition(TxCommitted); err != nil {
		return err
	}
	tx.RecordVersion = version
	tx.CommittedAt = &at
	return nil
}

// checkRollbackTarget validates that target may be reverted by rb.
func checkRollbackTarget(target *Transaction, rb *Transaction) error {
	if target == nil {
		return fmt.Errorf("transaction %s: %w", rb.RollbackOf, ErrNotFound)
	}
	if target.Kind == TxRollback {
		return fmt.Errorf("transaction %s is a rollback: %w", target.ID, ErrRollbackNotApplicable)
	}
	if NormalizePatientID(target.PatientID) != NormalizePatientID(rb.PatientID) {
		return fmt.Errorf("transaction %s belongs to another patient: %w", target.ID, ErrRollbackNotApplicable)
	}
	switch target.Status {
	case TxCommitted:
		return nil
	case TxRolledBack:
		return fmt.Errorf("transaction %s: %w", target.ID, ErrAlreadyRolledBack)
	default:
		return fmt.Errorf("transaction %s is %s: %w", target.ID, target.Status, ErrRollbackNotApplicable)
	}
}
