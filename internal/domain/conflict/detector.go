// Package conflict finds contradictions between incoming and existing facts
// and decides how each one is resolved.
package conflict

import (
	"sort"
	"strings"

	"github.com/ehr/recordmerge/internal/domain/dedup"
	"github.com/ehr/recordmerge/internal/domain/record"
)

// DetectorConfig tunes the contradiction rules.
type DetectorConfig struct {
	// CheckedTypes are the identity-bearing types whose new candidates are
	// always checked, not only gray-band ones.
	CheckedTypes []record.FactType `yaml:"checked_types" json:"checked_types"`
	// ExclusiveConditions lists condition pairs that cannot both be active,
	// by subject key (code or folded name).
	ExclusiveConditions [][2]string `yaml:"exclusive_conditions" json:"exclusive_conditions"`
	// TrendDeviation is the relative distance from the mean of prior values
	// beyond which an observation needs an interpretation note.
	TrendDeviation float64 `yaml:"trend_deviation" json:"trend_deviation"`
	// TrendMinPoints is how many prior values establish a trend.
	TrendMinPoints int `yaml:"trend_min_points" json:"trend_min_points"`
}

// DefaultDetectorConfig returns the built-in detector policy.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		CheckedTypes: []record.FactType{
			record.TypeBirthDate,
			record.TypeSex,
			record.TypeCondition,
			record.TypeMedication,
			record.TypeAllergy,
			record.TypeObservation,
		},
		ExclusiveConditions: [][2]string{
			{"e10", "e11"},
			{"type 1 diabetes mellitus", "type 2 diabetes mellitus"},
			{"pregnant", "not pregnant"},
		},
		TrendDeviation: 0.5,
		TrendMinPoints: 1,
	}
}

// Finding is one rule violation between the incoming fact and one existing
// fact.
type Finding struct {
	Rule           string          `json:"rule"`
	Severity       record.Severity `json:"severity"`
	ExistingFactID string          `json:"existing_fact_id"`
	Detail         string          `json:"detail"`
}

// Detector applies type-specific contradiction rules. It only reads the
// facts it is given.
type Detector struct {
	cfg     DetectorConfig
	checked map[record.FactType]bool
}

// NewDetector creates a Detector.
func NewDetector(cfg DetectorConfig) *Detector {
	checked := make(map[record.FactType]bool, len(cfg.CheckedTypes))
	for _, t := range cfg.CheckedTypes {
		checked[t] = true
	}
	return &Detector{cfg: cfg, checked: checked}
}

// Checks reports whether new candidates of type t are conflict-checked.
func (d *Detector) Checks(t record.FactType) bool { return d.checked[t] }

// Candidate is the incoming side of a detection run.
type Candidate struct {
	Payload record.Payload
	Gray    []dedup.Match
}

// Detect compares the incoming candidate against the active facts and
// returns every finding, at most one per existing fact.
func (d *Detector) Detect(in Candidate, active []*record.Fact) []Finding {
	gray := make(map[string]bool, len(in.Gray))
	for _, m := range in.Gray {
		gray[m.FactID] = true
	}
	p := in.Payload.Normalize()

	var out []Finding
	for _, f := range active {
		if !f.IsActive() {
			continue
		}
		if fd, ok := d.compare(p, f, gray[f.ID], active); ok {
			out = append(out, fd)
		}
	}
	return out
}

func (d *Detector) compare(p record.Payload, f *record.Fact, isGray bool, active []*record.Fact) (Finding, bool) {
	var (
		fd Finding
		ok bool
	)
	switch in := p.(type) {
	case record.BirthDatePayload:
		fd, ok = birthDateRule(in, f)
	case record.SexPayload:
		fd, ok = sexRule(in, f)
	case record.MedicationPayload:
		fd, ok = medicationRule(in, f, isGray)
	case record.AllergyPayload:
		fd, ok = allergyRule(in, f, isGray)
	case record.ConditionPayload:
		fd, ok = d.conditionRule(in, f, isGray)
	case record.ObservationPayload:
		fd, ok = d.observationRule(in, f, active)
	}
	if ok {
		fd.ExistingFactID = f.ID
	}
	return fd, ok
}

// MaxSeverity returns the highest severity among findings.
func MaxSeverity(findings []Finding) record.Severity {
	sev := record.SeverityLow
	for _, f := range findings {
		if rank(f.Severity) > rank(sev) {
			sev = f.Severity
		}
	}
	return sev
}

// Rules returns the distinct rule names in findings, sorted.
func Rules(findings []Finding) string {
	seen := map[string]bool{}
	var names []string
	for _, f := range findings {
		if !seen[f.Rule] {
			seen[f.Rule] = true
			names = append(names, f.Rule)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func rank(s record.Severity) int {
	switch s {
	case record.SeverityHigh:
		return 3
	case record.SeverityMedium:
		return 2
	case record.SeverityLow:
		return 1
	}
	return 0
}
