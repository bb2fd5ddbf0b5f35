// Package dedup decides whether an incoming candidate fact is already known
// to a patient's record.
package dedup

import (
	"sort"

	"github.com/ehr/recordmerge/internal/domain/record"
)

// Tag is the dedup verdict for one candidate.
type Tag string

const (
	TagNew                Tag = "new"
	TagDuplicate          Tag = "duplicate"
	TagNeedsConflictCheck Tag = "needs-conflict-check"
)

// Rule tunes duplicate detection for one fact type.
type Rule struct {
	// Fuzzy enables similarity matching in addition to exact hashes.
	Fuzzy bool `yaml:"fuzzy" json:"fuzzy"`
	// DuplicateThreshold is the similarity at or above which a candidate is
	// treated as a duplicate.
	DuplicateThreshold float64 `yaml:"duplicate_threshold" json:"duplicate_threshold"`
	// GrayBandFloor is the lower edge of the band forwarded to the conflict
	// detector instead of being merged.
	GrayBandFloor float64 `yaml:"gray_band_floor" json:"gray_band_floor"`
	// RepeatsAllowed keeps identical undated content from a different
	// source document as a distinct fact, e.g. repeated lab draws reported
	// without a date. Dated content already differs by date, so an identical
	// dated payload from another document confirms the existing fact.
	RepeatsAllowed bool `yaml:"repeats_allowed" json:"repeats_allowed"`
}

// Config holds the default rule and per-type overrides.
type Config struct {
	Default Rule                     `yaml:"default" json:"default"`
	Types   map[record.FactType]Rule `yaml:"types" json:"types"`
}

// DefaultConfig returns the built-in dedup policy.
func DefaultConfig() Config {
	return Config{
		Default: Rule{DuplicateThreshold: 0.92, GrayBandFloor: 0.75},
		Types: map[record.FactType]Rule{
			record.TypeCondition:    {Fuzzy: true, DuplicateThreshold: 0.9, GrayBandFloor: 0.7},
			record.TypeMedication:   {Fuzzy: true, DuplicateThreshold: 0.92, GrayBandFloor: 0.75},
			record.TypeAllergy:      {Fuzzy: true, DuplicateThreshold: 0.9, GrayBandFloor: 0.7},
			record.TypeProcedure:    {Fuzzy: true, DuplicateThreshold: 0.9, GrayBandFloor: 0.75},
			record.TypeImmunization: {DuplicateThreshold: 0.92, GrayBandFloor: 0.75},
			record.TypeObservation:  {RepeatsAllowed: true, DuplicateThreshold: 0.92, GrayBandFloor: 0.75},
		},
	}
}

// RuleFor returns the rule for t, falling back to the default.
func (c Config) RuleFor(t record.FactType) Rule {
	if r, ok := c.Types[t]; ok {
		return r
	}
	return c.Default
}

// Match is an existing fact a candidate resembles.
type Match struct {
	FactID string           `json:"fact_id"`
	Score  float64          `json:"score"`
	Kind   record.MatchKind `json:"kind"`
}

// Decision is the verdict for one candidate. Match is set for duplicates;
// Gray lists the matches to check for needs-conflict-check: gray-band
// scores, and close text whose details disagree.
type Decision struct {
	Tag   Tag     `json:"tag"`
	Hash  string  `json:"hash"`
	Match *Match  `json:"match,omitempty"`
	Gray  []Match `json:"gray,omitempty"`
}

// Engine classifies candidates. It never mutates the facts it is given.
type Engine struct {
	cfg Config
}

// New creates an Engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Classify compares payload from sourceDocID against the active facts of the
// same type and tags it new, duplicate or needs-conflict-check.
func (e *Engine) Classify(payload record.Payload, sourceDocID string, active []*record.Fact) Decision {
	rule := e.cfg.RuleFor(payload.Type())
	hash := record.ContentHash(payload)
	d := Decision{Tag: TagNew, Hash: hash}
	repeats := rule.RepeatsAllowed && !record.HasEventDate(payload)

	for _, f := range active {
		if f.Type != payload.Type() || f.ContentHash != hash {
			continue
		}
		if !repeats || f.SourceDocumentID == sourceDocID {
			d.Tag = TagDuplicate
			d.Match = &Match{FactID: f.ID, Score: 1, Kind: record.MatchExact}
			return d
		}
	}

	if !rule.Fuzzy {
		return d
	}

	norm := payload.Normalize()
	text := norm.DedupText()
	var best *Match
	for _, f := range active {
		if f.Type != payload.Type() || f.ContentHash == hash {
			continue
		}
		score := Similarity(text, f.Payload.DedupText())
		if score < rule.GrayBandFloor {
			continue
		}
		m := Match{FactID: f.ID, Score: score, Kind: record.MatchFuzzy}
		if score >= rule.DuplicateThreshold && record.DetailsAgree(norm, f.Payload) {
			if best == nil || score > best.Score {
				best = &m
			}
			continue
		}
		d.Gray = append(d.Gray, m)
	}
	if best != nil {
		d.Tag = TagDuplicate
		d.Match = best
		d.Gray = nil
		return d
	}
	if len(d.Gray) > 0 {
		sort.SliceStable(d.Gray, func(i, j int) bool { return d.Gray[i].Score > d.Gray[j].Score })
		d.Tag = TagNeedsConflictCheck
	}
	return d
}
