package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/recordmerge/internal/domain/conflict"
	"github.com/ehr/recordmerge/internal/domain/dedup"
	"github.com/ehr/recordmerge/internal/domain/quality"
	"github.com/ehr/recordmerge/internal/domain/record"
)

// Policy is the tunable part of the merge algorithm.
type Policy struct {
	Dedup    dedup.Config           `yaml:"dedup" json:"dedup"`
	Detector conflict.DetectorConfig `yaml:"detector" json:"detector"`
	Resolver conflict.ResolverConfig `yaml:"resolver" json:"resolver"`
	Quality  quality.Config          `yaml:"quality" json:"quality"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Dedup:    dedup.DefaultConfig(),
		Detector: conflict.DefaultDetectorConfig(),
		Resolver: conflict.DefaultResolverConfig(),
		Quality:  quality.DefaultConfig(),
	}
}

// Validate checks thresholds and strategy names.
func (p Policy) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	checkRule := func(name string, r dedup.Rule) {
		if r.DuplicateThreshold <= 0 || r.DuplicateThreshold > 1 {
			add("%s.duplicate_threshold must be within (0,1]", name)
		}
		if r.GrayBandFloor < 0 || r.GrayBandFloor > r.DuplicateThreshold {
			add("%s.gray_band_floor must be within [0,duplicate_threshold]", name)
		}
	}
	checkRule("dedup.default", p.Dedup.Default)
	for t, r := range p.Dedup.Types {
		if !record.ValidFactTypes[t] {
			add("dedup.types: unknown fact type %q", t)
			continue
		}
		checkRule("dedup.types."+string(t), r)
	}

	checkOrder := func(name string, order []record.Strategy) {
		for _, s := range order {
			if !record.ValidStrategies[s] {
				add("%s: unknown strategy %q", name, s)
			}
		}
	}
	if len(p.Resolver.Order) == 0 {
		add("resolver.order is required")
	}
	checkOrder("resolver.order", p.Resolver.Order)
	for t, o := range p.Resolver.TypeOrder {
		checkOrder("resolver.type_order."+string(t), o)
	}
	if p.Resolver.TieEpsilon < 0 {
		add("resolver.tie_epsilon must not be negative")
	}

	if p.Quality.MinConfidence < 0 || p.Quality.MinConfidence > 1 {
		add("quality.min_confidence must be within [0,1]")
	}
	if p.Quality.HighConfidence < p.Quality.MinConfidence || p.Quality.HighConfidence > 1 {
		add("quality.high_confidence must be within [min_confidence,1]")
	}
	if p.Quality.MinFactCount < 0 {
		add("quality.min_fact_count must not be negative")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid merge policy: %s", strings.Join(problems, "; "))
	}
	return nil
}
