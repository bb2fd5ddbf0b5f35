package conflict

import (
	"fmt"
	"time"

	"github.com/ehr/recordmerge/internal/domain/record"
)

// ResolverConfig selects and orders resolution strategies.
type ResolverConfig struct {
	// Order is the default strategy precedence.
	Order []record.Strategy `yaml:"order" json:"order"`
	// TypeOrder overrides Order for specific fact types.
	TypeOrder map[record.FactType][]record.Strategy `yaml:"type_order" json:"type_order"`
	// CoexistingTypes may keep both sides active via preserve-both.
	CoexistingTypes []record.FactType `yaml:"coexisting_types" json:"coexisting_types"`
	// ExclusiveRules name findings whose values cannot both be true; a
	// conflict carrying one never resolves by preserve-both.
	ExclusiveRules []string `yaml:"exclusive_rules" json:"exclusive_rules"`
	// TieEpsilon is the confidence difference treated as a tie.
	TieEpsilon float64 `yaml:"tie_epsilon" json:"tie_epsilon"`
	// MarkEscalatedConflicting gives escalated sides the conflicting status
	// instead of leaving them active.
	MarkEscalatedConflicting bool `yaml:"mark_escalated_conflicting" json:"mark_escalated_conflicting"`
}

// DefaultResolverConfig returns the built-in resolver policy.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Order: []record.Strategy{
			record.StrategyConfidence,
			record.StrategyNewest,
			record.StrategyPreserveBoth,
			record.StrategyManualReview,
		},
		TypeOrder: map[record.FactType][]record.Strategy{
			record.TypeObservation: {record.StrategyManualReview},
		},
		CoexistingTypes: []record.FactType{
			record.TypeCondition,
			record.TypeAllergy,
			record.TypeObservation,
			record.TypeProcedure,
			record.TypeImmunization,
		},
		ExclusiveRules: []string{
			RuleBirthDate,
			RuleSex,
			RuleDosageForm,
			RuleMedicationAllergy,
			RuleConditionStatus,
			RuleConditionExclusive,
		},
		TieEpsilon: 0.01,
	}
}

// Side is one participant of a conflict as the resolver sees it.
type Side struct {
	FactID          string
	Confidence      float64
	SourceTimestamp *time.Time
	Incoming        bool
}

// Resolution is the decision for one conflict.
type Resolution struct {
	Strategy  record.Strategy
	Rationale string
	Status    record.ConflictStatus
	Outcomes  map[string]record.SideOutcome
}

// Escalated reports whether the conflict was left open for review.
func (r Resolution) Escalated() bool { return r.Status == record.ConflictOpen }

// Resolver picks a resolution per conflict. It is pure: the caller applies
// the outcomes.
type Resolver struct {
	cfg       ResolverConfig
	coexist   map[record.FactType]bool
	exclusive map[string]bool
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	co := make(map[record.FactType]bool, len(cfg.CoexistingTypes))
	for _, t := range cfg.CoexistingTypes {
		co[t] = true
	}
	ex := make(map[string]bool, len(cfg.ExclusiveRules))
	for _, r := range cfg.ExclusiveRules {
		ex[r] = true
	}
	return &Resolver{cfg: cfg, coexist: co, exclusive: ex}
}

// MarkEscalatedConflicting reports the configured escalation status policy.
func (r *Resolver) MarkEscalatedConflicting() bool { return r.cfg.MarkEscalatedConflicting }

// OrderFor returns the strategy precedence for t.
func (r *Resolver) OrderFor(t record.FactType) []record.Strategy {
	if o, ok := r.cfg.TypeOrder[t]; ok && len(o) > 0 {
		return o
	}
	return r.cfg.Order
}

// Resolve decides between the incoming side and the existing sides, given
// the findings that opened the conflict.
func (r *Resolver) Resolve(t record.FactType, findings []Finding, incoming Side, existing []Side) Resolution {
	if MaxSeverity(findings) == record.SeverityHigh {
		return r.escalate(incoming, existing, "high severity requires manual review")
	}

	var fallthroughs []string
	for _, s := range r.OrderFor(t) {
		switch s {
		case record.StrategyConfidence:
			if res, ok := r.byConfidence(incoming, existing); ok {
				return res
			}
			fallthroughs = append(fallthroughs, "confidence tie")
		case record.StrategyNewest:
			if res, ok := byNewest(incoming, existing); ok {
				return res
			}
			fallthroughs = append(fallthroughs, "source timestamps tie or missing")
		case record.StrategyPreserveBoth:
			if rule, ok := r.exclusiveRule(findings); ok {
				fallthroughs = append(fallthroughs, fmt.Sprintf("%s values are mutually exclusive", rule))
				continue
			}
			if r.coexist[t] {
				return preserveBoth(incoming, existing)
			}
			fallthroughs = append(fallthroughs, fmt.Sprintf("%s values cannot coexist", t))
		case record.StrategyManualReview:
			return r.escalate(incoming, existing, reason("manual review configured", fallthroughs))
		}
	}
	return r.escalate(incoming, existing, reason("all strategies tied", fallthroughs))
}

func (r *Resolver) exclusiveRule(findings []Finding) (string, bool) {
	for _, f := range findings {
		if r.exclusive[f.Rule] {
			return f.Rule, true
		}
	}
	return "", false
}

func reason(base string, fallthroughs []string) string {
	if len(fallthroughs) == 0 {
		return base
	}
	out := base + " after "
	for i, f := range fallthroughs {
		if i > 0 {
			out += "; "
		}
		out += f
	}
	return out
}

func (r *Resolver) byConfidence(incoming Side, existing []Side) (Resolution, bool) {
	best := existing[0]
	for _, e := range existing[1:] {
		if e.Confidence > best.Confidence {
			best = e
		}
	}
	switch {
	case incoming.Confidence > best.Confidence+r.cfg.TieEpsilon:
		return winIncoming(record.StrategyConfidence,
			fmt.Sprintf("incoming confidence %.2f > existing %.2f", incoming.Confidence, best.Confidence),
			incoming, existing), true
	case incoming.Confidence < best.Confidence-r.cfg.TieEpsilon:
		return loseIncoming(record.StrategyConfidence,
			fmt.Sprintf("incoming confidence %.2f < existing %.2f", incoming.Confidence, best.Confidence),
			incoming, existing), true
	}
	return Resolution{}, false
}

func byNewest(incoming Side, existing []Side) (Resolution, bool) {
	if incoming.SourceTimestamp == nil {
		return Resolution{}, false
	}
	var newest *time.Time
	for _, e := range existing {
		if e.SourceTimestamp == nil {
			return Resolution{}, false
		}
		if newest == nil || e.SourceTimestamp.After(*newest) {
			newest = e.SourceTimestamp
		}
	}
	in := *incoming.SourceTimestamp
	switch {
	case in.After(*newest):
		return winIncoming(record.StrategyNewest,
			fmt.Sprintf("incoming source %s is newer than %s", in.Format(time.RFC3339), newest.Format(time.RFC3339)),
			incoming, existing), true
	case in.Before(*newest):
		return loseIncoming(record.StrategyNewest,
			fmt.Sprintf("incoming source %s is older than %s", in.Format(time.RFC3339), newest.Format(time.RFC3339)),
			incoming, existing), true
	}
	return Resolution{}, false
}

func winIncoming(s record.Strategy, why string, incoming Side, existing []Side) Resolution {
	out := map[string]record.SideOutcome{incoming.FactID: record.OutcomeKept}
	for _, e := range existing {
		out[e.FactID] = record.OutcomeSuperseded
	}
	return Resolution{Strategy: s, Rationale: why, Status: record.ConflictResolved, Outcomes: out}
}

func loseIncoming(s record.Strategy, why string, incoming Side, existing []Side) Resolution {
	out := map[string]record.SideOutcome{incoming.FactID: record.OutcomeSuperseded}
	for _, e := range existing {
		out[e.FactID] = record.OutcomeKept
	}
	return Resolution{Strategy: s, Rationale: why, Status: record.ConflictResolved, Outcomes: out}
}

func preserveBoth(incoming Side, existing []Side) Resolution {
	out := map[string]record.SideOutcome{incoming.FactID: record.OutcomePreserved}
	for _, e := range existing {
		out[e.FactID] = record.OutcomePreserved
	}
	return Resolution{
		Strategy:  record.StrategyPreserveBoth,
		Rationale: "values may coexist; kept both tagged by recording source",
		Status:    record.ConflictResolved,
		Outcomes:  out,
	}
}

func (r *Resolver) escalate(incoming Side, existing []Side, why string) Resolution {
	out := map[string]record.SideOutcome{incoming.FactID: record.OutcomeEscalated}
	for _, e := range existing {
		out[e.FactID] = record.OutcomeEscalated
	}
	return Resolution{Strategy: record.StrategyManualReview, Rationale: why, Status: record.ConflictOpen, Outcomes: out}
}
