package dedup

import (
	"testing"

	"github.com/ehr/recordmerge/internal/domain/record"
)

func f64(v float64) *float64 { return &v }

func fact(id, doc string, p record.Payload) *record.Fact {
	f := &record.Fact{}
	f.Apply(record.FactRevision{
		FactID: id, Revision: 1, Version: 1, Type: p.Type(), Payload: p.Normalize(),
		ContentHash: record.ContentHash(p), Status: record.StatusActive, Confidence: 0.9,
		SourceDocumentID: doc,
	})
	return f
}

func TestClassify_ExactDuplicate(t *testing.T) {
	e := New(DefaultConfig())
	existing := fact("f1", "doc-a", record.ConditionPayload{Name: "Type 2 diabetes", Code: "E11.9"})

	d := e.Classify(record.ConditionPayload{Name: " Type 2  diabetes", Code: "e11.9"}, "doc-b", []*record.Fact{existing})
	if d.Tag != TagDuplicate {
		t.Fatalf("expected duplicate, got %s", d.Tag)
	}
	if d.Match.FactID != "f1" || d.Match.Kind != record.MatchExact {
		t.Errorf("unexpected match %+v", d.Match)
	}
}

func TestClassify_RepeatsAllowedForOtherDocuments(t *testing.T) {
	e := New(DefaultConfig())
	obs := record.ObservationPayload{Code: "2345-7", Value: f64(5.4), Unit: "mmol/L"}
	existing := fact("f1", "doc-a", obs)

	if d := e.Classify(obs, "doc-b", []*record.Fact{existing}); d.Tag != TagNew {
		t.Errorf("expected repeated lab from another document to be new, got %s", d.Tag)
	}
	if d := e.Classify(obs, "doc-a", []*record.Fact{existing}); d.Tag != TagDuplicate {
		t.Errorf("expected resubmission of the same document to be duplicate, got %s", d.Tag)
	}
}

func TestClassify_FuzzyDuplicate(t *testing.T) {
	e := New(DefaultConfig())
	existing := fact("f1", "doc-a", record.MedicationPayload{Name: "Lisinopril", Dose: f64(10), DoseUnit: "mg"})

	d := e.Classify(record.MedicationPayload{Name: "Lisinoprill", Dose: f64(10), DoseUnit: "mg"}, "doc-b", []*record.Fact{existing})
	if d.Tag != TagDuplicate {
		t.Fatalf("expected fuzzy duplicate, got %s", d.Tag)
	}
	if d.Match.Kind != record.MatchFuzzy || d.Match.Score < 0.92 {
		t.Errorf("unexpected match %+v", d.Match)
	}
}

func TestClassify_DoseChangeGoesToConflictCheck(t *testing.T) {
	e := New(DefaultConfig())
	existing := fact("f1", "doc-a", record.MedicationPayload{Name: "Metformin", Dose: f64(500), DoseUnit: "mg", DosageForm: "tablet"})

	d := e.Classify(record.MedicationPayload{Name: "Metformin", Dose: f64(1000), DoseUnit: "mg", DosageForm: "tablet"}, "doc-b", []*record.Fact{existing})
	if d.Tag != TagNeedsConflictCheck {
		t.Fatalf("expected needs-conflict-check, got %s", d.Tag)
	}
	if len(d.Gray) != 1 || d.Gray[0].FactID != "f1" {
		t.Errorf("expected gray match against f1, got %+v", d.Gray)
	}
}

func TestClassify_UnrelatedIsNew(t *testing.T) {
	e := New(DefaultConfig())
	existing := fact("f1", "doc-a", record.AllergyPayload{Substance: "Penicillin"})

	if d := e.Classify(record.AllergyPayload{Substance: "Shellfish"}, "doc-b", []*record.Fact{existing}); d.Tag != TagNew {
		t.Errorf("expected new, got %s", d.Tag)
	}
}

func TestClassify_ExactOnlyTypesIgnoreSimilarity(t *testing.T) {
	e := New(DefaultConfig())
	existing := fact("f1", "doc-a", record.BirthDatePayload{Date: "1980-01-01"})

	if d := e.Classify(record.BirthDatePayload{Date: "1980-01-15"}, "doc-b", []*record.Fact{existing}); d.Tag != TagNew {
		t.Errorf("expected birth date variant to be new for the detector, got %s", d.Tag)
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b     string
		min, max float64
	}{
		{"Sjögren syndrome", "sjogren syndrome", 1, 1},
		{"metformin 500 mg", "metformin 1000 mg", 0, numericMismatchCap},
		{"asthma", "gout", 0, 0.5},
		{"type 2 diabetes", "type 2 diabetes mellitus", 0.75, 0.9},
	}
	for _, tt := range tests {
		got := Similarity(tt.a, tt.b)
		if got < tt.min || got > tt.max {
			t.Errorf("Similarity(%q, %q) = %.3f, want within [%.2f, %.2f]", tt.a, tt.b, got, tt.min, tt.max)
		}
	}
}

func TestLevenshtein(t *testing.T) {
	if d := levenshtein([]rune("kitten"), []rune("sitting")); d != 3 {
		t.Errorf("expected distance 3, got %d", d)
	}
	if d := levenshtein([]rune(""), []rune("abc")); d != 3 {
		t.Errorf("expected distance 3, got %d", d)
	}
}

func TestClassify_DetailsDisagreeGoToConflictCheck(t *testing.T) {
	tests := []struct {
		name     string
		existing record.Payload
		incoming record.Payload
	}{
		{"condition status",
			record.ConditionPayload{Name: "Hypertension", ClinicalStatus: "active"},
			record.ConditionPayload{Name: "Hypertension", ClinicalStatus: "resolved"}},
		{"medication frequency",
			record.MedicationPayload{Name: "Lisinopril", Dose: f64(10), DoseUnit: "mg", Frequency: "daily"},
			record.MedicationPayload{Name: "Lisinopril", Dose: f64(10), DoseUnit: "mg", Frequency: "twice daily"}},
		{"medication route",
			record.MedicationPayload{Name: "Ondansetron", Dose: f64(4), DoseUnit: "mg", Route: "oral"},
			record.MedicationPayload{Name: "Ondansetron", Dose: f64(4), DoseUnit: "mg", Route: "iv"}},
		{"allergy criticality",
			record.AllergyPayload{Substance: "Penicillin", Criticality: "low"},
			record.AllergyPayload{Substance: "Penicillin", Criticality: "high"}},
		{"sibling condition code",
			record.ConditionPayload{Code: "E10", Name: "Diabetes mellitus"},
			record.ConditionPayload{Code: "E11", Name: "Diabetes mellitus"}},
	}
	e := New(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := fact("f1", "doc-a", tt.existing)
			d := e.Classify(tt.incoming, "doc-b", []*record.Fact{existing})
			if d.Tag != TagNeedsConflictCheck {
				t.Fatalf("expected needs-conflict-check, got %s", d.Tag)
			}
			if len(d.Gray) != 1 || d.Gray[0].FactID != "f1" {
				t.Errorf("expected f1 forwarded to the detector, got %+v", d.Gray)
			}
		})
	}
}

func TestClassify_SubcodeIsStillDuplicate(t *testing.T) {
	e := New(DefaultConfig())
	existing := fact("f1", "doc-a", record.ConditionPayload{Code: "E11", Name: "Type 2 diabetes mellitus"})

	d := e.Classify(record.ConditionPayload{Code: "E11.9", Name: "Type 2 diabetes mellitus"}, "doc-b", []*record.Fact{existing})
	if d.Tag != TagDuplicate || d.Match.Kind != record.MatchFuzzy {
		t.Errorf("expected fuzzy duplicate across subcodes, got %+v", d)
	}
}

func TestClassify_DatedResultFromAnotherDocumentConfirms(t *testing.T) {
	e := New(DefaultConfig())
	hba1c := record.ObservationPayload{Code: "4548-4", Value: f64(7.2), Unit: "%", EffectiveDate: "2026-01-10"}
	existing := fact("f1", "lab-report", hba1c)

	d := e.Classify(hba1c, "discharge-summary", []*record.Fact{existing})
	if d.Tag != TagDuplicate || d.Match.FactID != "f1" || d.Match.Kind != record.MatchExact {
		t.Errorf("expected the same dated result to confirm f1, got %+v", d)
	}

	later := hba1c
	later.EffectiveDate = "2026-04-10"
	if d := e.Classify(later, "lab-report-2", []*record.Fact{existing}); d.Tag != TagNew {
		t.Errorf("expected a draw on another date to be new, got %s", d.Tag)
	}
}
