package conflict

import (
	"fmt"
	"math"
	"strings"

	"github.com/ehr/recordmerge/internal/domain/dedup"
	"github.com/ehr/recordmerge/internal/domain/record"
)

const (
	RuleBirthDate          = "birth_date_mismatch"
	RuleSex                = "sex_mismatch"
	RuleDosageForm         = "medication_dosage_form"
	RuleDose               = "medication_dose"
	RuleRoute              = "medication_route"
	RuleMedicationVariant  = "medication_name_variant"
	RuleMedicationAllergy  = "medication_allergy"
	RuleAllergyCriticality = "allergy_criticality"
	RuleConditionStatus    = "condition_status"
	RuleConditionExclusive = "condition_exclusive"
	RuleObservationTrend   = "observation_trend"
	RuleObservationUnit    = "observation_unit"
)

func birthDateRule(in record.BirthDatePayload, f *record.Fact) (Finding, bool) {
	ex, ok := f.Payload.(record.BirthDatePayload)
	if !ok || ex.Date == in.Date {
		return Finding{}, false
	}
	sev := record.SeverityHigh
	if in.Year() != 0 && in.Year() == ex.Year() {
		sev = record.SeverityMedium
	}
	return Finding{Rule: RuleBirthDate, Severity: sev, Detail: fmt.Sprintf("birth date %s vs %s", in.Date, ex.Date)}, true
}

func sexRule(in record.SexPayload, f *record.Fact) (Finding, bool) {
	ex, ok := f.Payload.(record.SexPayload)
	if !ok || ex.Value == in.Value {
		return Finding{}, false
	}
	return Finding{Rule: RuleSex, Severity: record.SeverityHigh, Detail: fmt.Sprintf("sex %s vs %s", in.Value, ex.Value)}, true
}

func medicationRule(in record.MedicationPayload, f *record.Fact, isGray bool) (Finding, bool) {
	switch ex := f.Payload.(type) {
	case record.AllergyPayload:
		if substanceMatches(in.Name, ex.Substance) {
			return Finding{Rule: RuleMedicationAllergy, Severity: record.SeverityHigh,
				Detail: "medication matches recorded allergy substance"}, true
		}
	case record.MedicationPayload:
		if !isGray && ex.SubjectKey() != in.SubjectKey() {
			return Finding{}, false
		}
		switch {
		case differ(in.DosageForm, ex.DosageForm):
			return Finding{Rule: RuleDosageForm, Severity: record.SeverityMedium,
				Detail: fmt.Sprintf("dosage form %s vs %s", in.DosageForm, ex.DosageForm)}, true
		case doseDiffers(in, ex) || differ(in.Frequency, ex.Frequency):
			return Finding{Rule: RuleDose, Severity: record.SeverityMedium, Detail: "dose or frequency differs"}, true
		case differ(in.Route, ex.Route):
			return Finding{Rule: RuleRoute, Severity: record.SeverityLow,
				Detail: fmt.Sprintf("route %s vs %s", in.Route, ex.Route)}, true
		case isGray:
			return Finding{Rule: RuleMedicationVariant, Severity: record.SeverityLow, Detail: "name spelled differently"}, true
		}
	}
	return Finding{}, false
}

func allergyRule(in record.AllergyPayload, f *record.Fact, isGray bool) (Finding, bool) {
	switch ex := f.Payload.(type) {
	case record.MedicationPayload:
		if substanceMatches(ex.Name, in.Substance) {
			return Finding{Rule: RuleMedicationAllergy, Severity: record.SeverityHigh,
				Detail: "allergy substance matches active medication"}, true
		}
	case record.AllergyPayload:
		if (isGray || ex.SubjectKey() == in.SubjectKey()) && differ(in.Criticality, ex.Criticality) {
			return Finding{Rule: RuleAllergyCriticality, Severity: record.SeverityLow,
				Detail: fmt.Sprintf("criticality %s vs %s", in.Criticality, ex.Criticality)}, true
		}
	}
	return Finding{}, false
}

func (d *Detector) conditionRule(in record.ConditionPayload, f *record.Fact, isGray bool) (Finding, bool) {
	ex, ok := f.Payload.(record.ConditionPayload)
	if !ok {
		return Finding{}, false
	}
	// Exclusive pairs apply whether or not the names read alike.
	if d.exclusive(conditionKeys(in), conditionKeys(ex)) {
		return Finding{Rule: RuleConditionExclusive, Severity: record.SeverityMedium,
			Detail: "conditions are mutually exclusive"}, true
	}
	if (isGray || ex.SubjectKey() == in.SubjectKey()) && differ(in.ClinicalStatus, ex.ClinicalStatus) {
		return Finding{Rule: RuleConditionStatus, Severity: record.SeverityMedium,
			Detail: fmt.Sprintf("clinical status %s vs %s", in.ClinicalStatus, ex.ClinicalStatus)}, true
	}
	return Finding{}, false
}

func conditionKeys(p record.ConditionPayload) []string {
	keys := []string{dedup.Fold(p.Name)}
	if p.Code != "" {
		keys = append(keys, strings.ToLower(p.Code))
		// Match on the category prefix too, so E11.9 pairs with E11.
		if i := strings.IndexByte(p.Code, '.'); i > 0 {
			keys = append(keys, strings.ToLower(p.Code[:i]))
		}
	}
	return keys
}

func (d *Detector) exclusive(a, b []string) bool {
	has := func(keys []string, k string) bool {
		k = dedup.Fold(k)
		for _, x := range keys {
			if dedup.Fold(x) == k {
				return true
			}
		}
		return false
	}
	for _, pair := range d.cfg.ExclusiveConditions {
		if (has(a, pair[0]) && has(b, pair[1])) || (has(a, pair[1]) && has(b, pair[0])) {
			return true
		}
	}
	return false
}

func (d *Detector) observationRule(in record.ObservationPayload, f *record.Fact, active []*record.Fact) (Finding, bool) {
	ex, ok := f.Payload.(record.ObservationPayload)
	if !ok || ex.SubjectKey() != in.SubjectKey() {
		return Finding{}, false
	}
	if differ(in.Unit, ex.Unit) {
		return Finding{Rule: RuleObservationUnit, Severity: record.SeverityLow,
			Detail: fmt.Sprintf("unit %s vs %s", in.Unit, ex.Unit)}, true
	}
	if in.Value == nil || ex.Value == nil || in.Interpretation != "" {
		return Finding{}, false
	}

	// The trend is reported once, against the most recent prior value.
	var priors []*record.Fact
	for _, o := range active {
		op, ok := o.Payload.(record.ObservationPayload)
		if !ok || !o.IsActive() || op.SubjectKey() != in.SubjectKey() || op.Value == nil || op.Unit != in.Unit {
			continue
		}
		priors = append(priors, o)
	}
	if len(priors) == 0 || priors[len(priors)-1].ID != f.ID || len(priors) < d.cfg.TrendMinPoints {
		return Finding{}, false
	}
	var sum float64
	for _, o := range priors {
		sum += *o.Payload.(record.ObservationPayload).Value
	}
	mean := sum / float64(len(priors))
	var dev float64
	if mean == 0 {
		dev = math.Abs(*in.Value)
	} else {
		dev = math.Abs(*in.Value-mean) / math.Abs(mean)
	}
	if dev <= d.cfg.TrendDeviation {
		return Finding{}, false
	}
	return Finding{Rule: RuleObservationTrend, Severity: record.SeverityMedium,
		Detail: fmt.Sprintf("value deviates %.0f%% from prior mean without interpretation", dev*100)}, true
}

// differ reports whether both values are present and unequal.
func differ(a, b string) bool {
	return a != "" && b != "" && a != b
}

func doseDiffers(a, b record.MedicationPayload) bool {
	if a.Dose == nil || b.Dose == nil {
		return false
	}
	return *a.Dose != *b.Dose || differ(a.DoseUnit, b.DoseUnit)
}

// substanceMatches reports whether a medication name contains every token
// of an allergy substance.
func substanceMatches(medication, substance string) bool {
	m, s := dedup.Fold(medication), dedup.Fold(substance)
	if m == "" || s == "" {
		return false
	}
	if m == s {
		return true
	}
	tokens := map[string]bool{}
	for _, t := range strings.Fields(m) {
		tokens[t] = true
	}
	for _, t := range strings.Fields(s) {
		if !tokens[t] {
			return false
		}
	}
	return true
}
