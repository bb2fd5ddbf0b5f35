// Package quality scores staged merge transactions and decides which ones a
// reviewer should look at. Flagging never blocks a commit.
package quality

import (
	"math"

	"github.com/ehr/recordmerge/internal/domain/record"
)

// Reason codes carried on flagged transactions.
const (
	ReasonLowConfidence = "low_confidence"
	ReasonFallback      = "fallback_extractor"
	ReasonNoFacts       = "no_facts"
	ReasonFewFacts      = "few_facts"
	ReasonHighSeverity  = "high_severity_conflict"
)

// Config holds the gate thresholds.
type Config struct {
	MinConfidence    float64 `yaml:"min_confidence" json:"min_confidence"`
	HighConfidence   float64 `yaml:"high_confidence" json:"high_confidence"`
	MinFactCount     int     `yaml:"min_fact_count" json:"min_fact_count"`
	FallbackFlags    bool    `yaml:"fallback_flags" json:"fallback_flags"`
	FlagHighSeverity bool    `yaml:"flag_high_severity" json:"flag_high_severity"`
}

// DefaultConfig returns the built-in gate policy.
func DefaultConfig() Config {
	return Config{
		MinConfidence:    0.7,
		HighConfidence:   0.95,
		MinFactCount:     2,
		FallbackFlags:    true,
		FlagHighSeverity: true,
	}
}

var penalties = map[string]float64{
	ReasonLowConfidence: 0.2,
	ReasonFallback:      0.15,
	ReasonNoFacts:       0.3,
	ReasonFewFacts:      0.1,
	ReasonHighSeverity:  0.2,
}

// Input is what the gate looks at.
type Input struct {
	ExtractionConfidence float64
	ExtractorKind        record.ExtractorKind
	// CandidateCount is the number of facts the extractor produced.
	CandidateCount int
	Conflicts      []record.Conflict
}

// FromTransaction builds the gate input for a staged transaction.
func FromTransaction(tx *record.Transaction) Input {
	return Input{
		ExtractionConfidence: tx.ExtractionConfidence,
		ExtractorKind:        tx.ExtractorKind,
		CandidateCount:       tx.CandidateCount,
		Conflicts:            tx.Conflicts,
	}
}

// Gate applies Config to staged transactions.
type Gate struct {
	cfg Config
}

// New creates a Gate.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Assess scores in. Reasons are reported in a fixed order.
func (g *Gate) Assess(in Input) record.Quality {
	var reasons []string
	if in.ExtractionConfidence < g.cfg.MinConfidence {
		reasons = append(reasons, ReasonLowConfidence)
	}
	if g.cfg.FallbackFlags && in.ExtractorKind == record.ExtractorFallback {
		reasons = append(reasons, ReasonFallback)
	}
	switch {
	case in.CandidateCount == 0:
		reasons = append(reasons, ReasonNoFacts)
	case in.CandidateCount < g.cfg.MinFactCount && in.ExtractionConfidence < g.cfg.HighConfidence:
		reasons = append(reasons, ReasonFewFacts)
	}
	if g.cfg.FlagHighSeverity {
		for _, c := range in.Conflicts {
			if c.Severity == record.SeverityHigh {
				reasons = append(reasons, ReasonHighSeverity)
				break
			}
		}
	}

	score := in.ExtractionConfidence
	for _, r := range reasons {
		score -= penalties[r]
	}
	score = math.Max(0, math.Min(1, score))
	return record.Quality{
		Score:   math.Round(score*1000) / 1000,
		Flagged: len(reasons) > 0,
		Reasons: reasons,
	}
}
