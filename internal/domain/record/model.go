package record

import (
	"time"
)

// FactType is the clinical category of a Fact.
type FactType string

const (
	TypeCondition    FactType = "condition"
	TypeMedication   FactType = "medication"
	TypeAllergy      FactType = "allergy"
	TypeObservation  FactType = "observation"
	TypeProcedure    FactType = "procedure"
	TypeImmunization FactType = "immunization"
	TypeBirthDate    FactType = "birth_date"
	TypeSex          FactType = "sex"
)

// ValidFactTypes are the allowed fact types.
var ValidFactTypes = map[FactType]bool{
	TypeCondition:    true,
	TypeMedication:   true,
	TypeAllergy:      true,
	TypeObservation:  true,
	TypeProcedure:    true,
	TypeImmunization: true,
	TypeBirthDate:    true,
	TypeSex:          true,
}

// Status is the lifecycle state of a Fact.
type Status string

const (
	StatusActive      Status = "active"
	StatusSuperseded  Status = "superseded"
	StatusConflicting Status = "conflicting"
	StatusRetracted   Status = "retracted"
)

// ActorKind distinguishes automated pipeline actions from human ones.
type ActorKind string

const (
	ActorAutomated ActorKind = "automated"
	ActorHuman     ActorKind = "human"
)

// Actor identifies who caused a change.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// FactRevision is one immutable stored state of a Fact. Revision increments
// on every stored change; Version only when payload or confidence changes.
type FactRevision struct {
	FactID           string     `json:"fact_id"`
	Revision         int        `json:"revision"`
	Version          int        `json:"version"`
	Type             FactType   `json:"type"`
	Payload          Payload    `json:"payload"`
	ContentHash      string     `json:"content_hash"`
	Status           Status     `json:"status"`
	Confidence       float64    `json:"confidence"`
	SourceDocumentID string     `json:"source_document_id"`
	SourceTimestamp  *time.Time `json:"source_timestamp,omitempty"`
	AsRecordedBy     string     `json:"as_recorded_by,omitempty"`
	TxID             string     `json:"tx_id"`
	RecordedAt       time.Time  `json:"recorded_at"`
}

// Fact is one clinical assertion with its current state and full history.
type Fact struct {
	ID               string         `json:"id"`
	PatientID        string         `json:"patient_id"`
	Type             FactType       `json:"type"`
	Payload          Payload        `json:"payload"`
	ContentHash      string         `json:"content_hash"`
	Status           Status         `json:"status"`
	Confidence       float64        `json:"confidence"`
	Version          int            `json:"version"`
	Revision         int            `json:"revision"`
	SourceDocumentID string         `json:"source_document_id"`
	SourceTimestamp  *time.Time     `json:"source_timestamp,omitempty"`
	AsRecordedBy     string         `json:"as_recorded_by,omitempty"`
	CreatedTx        string         `json:"created_tx"`
	UpdatedTx        string         `json:"updated_tx"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	History          []FactRevision `json:"history,omitempty"`
}

// Apply appends rev to the fact's history and makes it current.
func (f *Fact) Apply(rev FactRevision) {
	if len(f.History) == 0 {
		f.ID = rev.FactID
		f.Type = rev.Type
		f.CreatedTx = rev.TxID
		f.CreatedAt = rev.RecordedAt
	}
	f.Payload = rev.Payload
	f.ContentHash = rev.ContentHash
	f.Status = rev.Status
	f.Confidence = rev.Confidence
	f.Version = rev.Version
	f.Revision = rev.Revision
	f.SourceDocumentID = rev.SourceDocumentID
	f.SourceTimestamp = rev.SourceTimestamp
	f.AsRecordedBy = rev.AsRecordedBy
	f.UpdatedTx = rev.TxID
	f.UpdatedAt = rev.RecordedAt
	f.History = append(f.History, rev)
}

// Current returns the latest revision.
func (f *Fact) Current() FactRevision {
	return f.History[len(f.History)-1]
}

// RevisionAt returns the revision with the given number.
func (f *Fact) RevisionAt(n int) (FactRevision, bool) {
	for _, r := range f.History {
		if r.Revision == n {
			return r, true
		}
	}
	return FactRevision{}, false
}

// IsActive reports whether the fact currently counts as active.
func (f *Fact) IsActive() bool { return f.Status == StatusActive }

// Clone returns a deep copy. Payload values are immutable and shared.
func (f *Fact) Clone() *Fact {
	cp := *f
	cp.History = append([]FactRevision(nil), f.History...)
	return &cp
}

// ProvenanceKind classifies why a provenance entry was written.
type ProvenanceKind string

const (
	ProvenanceOrigin       ProvenanceKind = "origin"
	ProvenanceConfirmation ProvenanceKind = "confirmation"
	ProvenanceResolution   ProvenanceKind = "resolution"
	ProvenanceRollback     ProvenanceKind = "rollback"
)

// ProvenanceEntry links one fact revision to where it came from.
type ProvenanceEntry struct {
	ID               string         `json:"id"`
	PatientID        string         `json:"patient_id"`
	FactID           string         `json:"fact_id"`
	FactRevision     int            `json:"fact_revision"`
	FactVersion      int            `json:"fact_version"`
	Kind             ProvenanceKind `json:"kind"`
	SourceDocumentID string         `json:"source_document_id"`
	ExtractorID      string         `json:"extractor_id,omitempty"`
	Actor            Actor          `json:"actor"`
	Confidence       float64        `json:"confidence"`
	ConflictID       string         `json:"conflict_id,omitempty"`
	Strategy         Strategy       `json:"strategy,omitempty"`
	Rationale        string         `json:"rationale,omitempty"`
	TxID             string         `json:"tx_id"`
	RecordedAt       time.Time      `json:"recorded_at"`
}

// Severity grades how much a contradiction matters clinically.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyConfidence   Strategy = "confidence-based"
	StrategyNewest       Strategy = "newest-wins"
	StrategyPreserveBoth Strategy = "preserve-both"
	StrategyManualReview Strategy = "manual-review"
)

// ValidStrategies are the allowed resolution strategies.
var ValidStrategies = map[Strategy]bool{
	StrategyConfidence:   true,
	StrategyNewest:       true,
	StrategyPreserveBoth: true,
	StrategyManualReview: true,
}

// SideOutcome is what happened to one side of a conflict.
type SideOutcome string

const (
	OutcomeKept       SideOutcome = "kept"
	OutcomeSuperseded SideOutcome = "superseded"
	OutcomePreserved  SideOutcome = "merged-both-preserved"
	OutcomeEscalated  SideOutcome = "escalated"
)

// ConflictStatus is the lifecycle state of a Conflict.
type ConflictStatus string

const (
	ConflictOpen       ConflictStatus = "open"
	ConflictResolved   ConflictStatus = "resolved"
	ConflictRolledBack ConflictStatus = "rolled_back"
)

// ConflictSide is one fact participating in a conflict.
type ConflictSide struct {
	FactID   string      `json:"fact_id"`
	Incoming bool        `json:"incoming"`
	Outcome  SideOutcome `json:"outcome"`
}

// Conflict is a detected disagreement between an incoming fact and one or
// more existing active facts.
type Conflict struct {
	ID              string         `json:"id"`
	PatientID       string         `json:"patient_id"`
	TxID            string         `json:"tx_id"`
	FactType        FactType       `json:"fact_type"`
	IncomingFactID  string         `json:"incoming_fact_id"`
	ExistingFactIDs []string       `json:"existing_fact_ids"`
	Rule            string         `json:"rule"`
	Severity        Severity       `json:"severity"`
	Strategy        Strategy       `json:"strategy"`
	Rationale       string         `json:"rationale"`
	Sides           []ConflictSide `json:"sides"`
	Status          ConflictStatus `json:"status"`
	ReviewRef       string         `json:"review_ref,omitempty"`
	DetectedAt      time.Time      `json:"detected_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ClosedByTx      string         `json:"closed_by_tx,omitempty"`
}

// Clone returns a deep copy.
func (c Conflict) Clone() Conflict {
	c.ExistingFactIDs = append([]string(nil), c.ExistingFactIDs...)
	c.Sides = append([]ConflictSide(nil), c.Sides...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

// Record is the cumulative structured record of one patient.
type Record struct {
	PatientID  string            `json:"patient_id"`
	Version    int64             `json:"version"`
	Facts      []*Fact           `json:"facts"`
	Provenance []ProvenanceEntry `json:"provenance"`
	Conflicts  []Conflict        `json:"conflicts"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// NewRecord returns an empty record at version 0.
func NewRecord(patientID string) *Record {
	return &Record{PatientID: patientID}
}

// Fact finds a fact by id.
func (r *Record) Fact(id string) *Fact {
	for _, f := range r.Facts {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// Conflict finds a conflict by id.
func (r *Record) Conflict(id string) (Conflict, bool) {
	for _, c := range r.Conflicts {
		if c.ID == id {
			return c, true
		}
	}
	return Conflict{}, false
}

// ActiveFacts returns the active facts of type t in creation order.
func (r *Record) ActiveFacts(t FactType) []*Fact {
	var out []*Fact
	for _, f := range r.Facts {
		if f.Type == t && f.IsActive() {
			out = append(out, f)
		}
	}
	return out
}

// ProvenanceFor returns the provenance entries of one fact in order.
func (r *Record) ProvenanceFor(factID string) []ProvenanceEntry {
	var out []ProvenanceEntry
	for _, p := range r.Provenance {
		if p.FactID == factID {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy so callers can never mutate shared state.
func (r *Record) Clone() *Record {
	cp := &Record{
		PatientID:  r.PatientID,
		Version:    r.Version,
		UpdatedAt:  r.UpdatedAt,
		Facts:      make([]*Fact, len(r.Facts)),
		Provenance: append([]ProvenanceEntry(nil), r.Provenance...),
		Conflicts:  make([]Conflict, len(r.Conflicts)),
	}
	for i, f := range r.Facts {
		cp.Facts[i] = f.Clone()
	}
	for i, c := range r.Conflicts {
		cp.Conflicts[i] = c.Clone()
	}
	return cp
}

// Apply folds a committed transaction into the record.
func (r *Record) Apply(tx *Transaction) {
	for _, ch := range tx.Changes {
		f := r.Fact(ch.New.FactID)
		if f == nil {
			f = &Fact{PatientID: r.PatientID}
			r.Facts = append(r.Facts, f)
		}
		f.Apply(ch.New)
	}
	r.Provenance = append(r.Provenance, tx.Provenance...)
	for _, c := range tx.Conflicts {
		r.upsertConflict(c.Clone())
	}
	if tx.RecordVersion > r.Version {
		r.Version = tx.RecordVersion
	}
	if tx.CommittedAt != nil {
		r.UpdatedAt = *tx.CommittedAt
	}
}

func (r *Record) upsertConflict(c Conflict) {
	for i := range r.Conflicts {
		if r.Conflicts[i].ID == c.ID {
			r.Conflicts[i] = c
			return
		}
	}
	r.Conflicts = append(r.Conflicts, c)
}
