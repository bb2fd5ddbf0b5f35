package record

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func floatPtr(v float64) *float64 { return &v }

func TestContentHash_NormalizesText(t *testing.T) {
	a := ConditionPayload{Name: "Type 2 Diabetes", Code: "E11.9"}
	b := ConditionPayload{Name: "  Type 2   Diabetes ", Code: "e11.9 "}
	if ContentHash(a) != ContentHash(b) {
		t.Error("expected whitespace and code case differences to hash equally")
	}
	c := ConditionPayload{Name: "Type 1 Diabetes", Code: "E10.9"}
	if ContentHash(a) == ContentHash(c) {
		t.Error("expected different conditions to hash differently")
	}
}

func TestContentHash_RoundsNumbers(t *testing.T) {
	a := MedicationPayload{Name: "Metformin", Dose: floatPtr(500.0001), DoseUnit: "MG"}
	b := MedicationPayload{Name: "metformin", Dose: floatPtr(500), DoseUnit: "mg"}
	// Names keep their case; only identifiers fold.
	if ContentHash(a) == ContentHash(b) {
		t.Error("expected name case to remain significant for exact hashing")
	}
	b.Name = "Metformin"
	if ContentHash(a) != ContentHash(b) {
		t.Error("expected dose rounding and unit folding to hash equally")
	}
}

func TestContentHash_TypeTagged(t *testing.T) {
	p := ProcedurePayload{Name: "Appendectomy"}
	c := ConditionPayload{Name: "Appendectomy"}
	if ContentHash(p) == ContentHash(c) {
		t.Error("expected type tag to separate hashes")
	}
}

func TestNormalize_Dates(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"1980-01-01", "1980-01-01"},
		{"01/15/1980", "1980-01-15"},
		{"January 2, 1980", "1980-01-02"},
		{"1980", "1980"},
		{"1980-03", "1980-03"},
		{"sometime", "sometime"},
	}
	for _, tt := range tests {
		got := BirthDatePayload{Date: tt.in}.Normalize().(BirthDatePayload).Date
		if got != tt.want {
			t.Errorf("normDate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSexPayload_Aliases(t *testing.T) {
	if got := (SexPayload{Value: " F "}).Normalize().(SexPayload).Value; got != "female" {
		t.Errorf("expected female, got %q", got)
	}
	if got := (SexPayload{Value: "Male"}).Normalize().(SexPayload).Value; got != "male" {
		t.Errorf("expected male, got %q", got)
	}
}

func TestPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		field   string
	}{
		{"condition without name", ConditionPayload{Code: "E11"}, "name"},
		{"medication negative dose", MedicationPayload{Name: "x", Dose: floatPtr(-1)}, "dose"},
		{"allergy without substance", AllergyPayload{Reaction: "rash"}, "substance"},
		{"observation without subject", ObservationPayload{Value: floatPtr(1)}, "code"},
		{"observation without value", ObservationPayload{Code: "hba1c"}, "value"},
		{"immunization bad date", ImmunizationPayload{Vaccine: "MMR", Date: "not a date"}, "date"},
		{"birth date missing", BirthDatePayload{}, "date"},
		{"sex missing", SexPayload{}, "value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probs := tt.payload.Validate()
			if len(probs) == 0 {
				t.Fatal("expected validation problems")
			}
			if probs[0].Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, probs[0].Field)
			}
		})
	}
}

func TestSubjectKey(t *testing.T) {
	if got := (ObservationPayload{Code: "4548-4", Name: "HbA1c"}).SubjectKey(); got != "4548-4" {
		t.Errorf("expected code as subject, got %q", got)
	}
	if got := (ObservationPayload{Name: "Hemoglobin  A1c"}).SubjectKey(); got != "hemoglobin a1c" {
		t.Errorf("expected folded name as subject, got %q", got)
	}
	if got := (MedicationPayload{Name: "Lisinopril"}).SubjectKey(); got != "lisinopril" {
		t.Errorf("unexpected medication subject %q", got)
	}
}

func TestDetailsAgree(t *testing.T) {
	tests := []struct {
		name string
		a, b Payload
		want bool
	}{
		{"same condition", ConditionPayload{Name: "Hypertension", ClinicalStatus: "active"}, ConditionPayload{Name: "hypertension", ClinicalStatus: "Active"}, true},
		{"status missing on one side", ConditionPayload{Name: "Hypertension"}, ConditionPayload{Name: "Hypertension", ClinicalStatus: "resolved"}, true},
		{"clinical status", ConditionPayload{Name: "Hypertension", ClinicalStatus: "active"}, ConditionPayload{Name: "Hypertension", ClinicalStatus: "resolved"}, false},
		{"subcode", ConditionPayload{Name: "Diabetes", Code: "E11"}, ConditionPayload{Name: "Diabetes", Code: "E11.9"}, true},
		{"sibling code", ConditionPayload{Name: "Diabetes", Code: "E10"}, ConditionPayload{Name: "Diabetes", Code: "E11"}, false},
		{"frequency", MedicationPayload{Name: "Lisinopril", Frequency: "daily"}, MedicationPayload{Name: "Lisinopril", Frequency: "twice daily"}, false},
		{"route", MedicationPayload{Name: "Ondansetron", Route: "oral"}, MedicationPayload{Name: "Ondansetron", Route: "iv"}, false},
		{"dose", MedicationPayload{Name: "Metformin", Dose: floatPtr(500)}, MedicationPayload{Name: "Metformin", Dose: floatPtr(1000)}, false},
		{"criticality", AllergyPayload{Substance: "Penicillin", Criticality: "low"}, AllergyPayload{Substance: "Penicillin", Criticality: "high"}, false},
		{"reaction only", AllergyPayload{Substance: "Penicillin", Reaction: "rash"}, AllergyPayload{Substance: "Penicillin", Reaction: "hives"}, true},
		{"immunization date", ImmunizationPayload{Vaccine: "MMR", Date: "2020-01-01"}, ImmunizationPayload{Vaccine: "MMR", Date: "2021-01-01"}, false},
		{"sex", SexPayload{Value: "F"}, SexPayload{Value: "female"}, true},
		{"birth date", BirthDatePayload{Date: "1980-01-01"}, BirthDatePayload{Date: "1980-01-02"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetailsAgree(tt.a, tt.b); got != tt.want {
				t.Errorf("DetailsAgree = %v, want %v", got, tt.want)
			}
			if got := DetailsAgree(tt.b, tt.a); got != tt.want {
				t.Errorf("DetailsAgree reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasEventDate(t *testing.T) {
	if !HasEventDate(ObservationPayload{Code: "4548-4", EffectiveDate: "2026-01-10"}) {
		t.Error("expected dated observation")
	}
	if HasEventDate(ObservationPayload{Code: "4548-4"}) {
		t.Error("expected undated observation")
	}
	if HasEventDate(ConditionPayload{Name: "Asthma", OnsetDate: "2001-01-01"}) {
		t.Error("onset dates do not pin a condition to one event")
	}
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(TypeMedication, json.RawMessage(`{"name":"Aspirin","dose":81,"dose_unit":"mg"}`))
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	med, ok := p.(MedicationPayload)
	if !ok {
		t.Fatalf("expected MedicationPayload, got %T", p)
	}
	if med.Dose == nil || *med.Dose != 81 {
		t.Errorf("expected dose 81, got %v", med.Dose)
	}

	if _, err := DecodePayload("vitals", json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestFactRevision_JSONRoundTripKeepsVariant(t *testing.T) {
	rev := FactRevision{FactID: "f1", Revision: 1, Version: 1, Type: TypeAllergy,
		Payload: AllergyPayload{Substance: "Penicillin", Criticality: "high"}, Status: StatusActive}
	b, err := json.Marshal(rev)
	if err != nil {
		t.Fatal(err)
	}
	var got FactRevision
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	a, ok := got.Payload.(AllergyPayload)
	if !ok || a.Substance != "Penicillin" {
		t.Errorf("expected allergy payload back, got %#v", got.Payload)
	}
}

func TestResourceDelta_Validate(t *testing.T) {
	raw := `{
		"patient_id": "",
		"source_document_id": "doc-1",
		"extraction_confidence": 1.4,
		"extractor_kind": "tertiary",
		"candidates": [
			{"type": "condition", "payload": {"code": "E11"}},
			{"type": "vitals", "payload": {}},
			{"type": "medication", "payload": {"name": "Aspirin"}, "confidence": -0.1},
			{"type": "allergy"}
		]
	}`
	var d ResourceDelta
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	err := d.Validate()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	want := []string{
		"patient_id",
		"extraction_confidence",
		"extractor_kind",
		"candidates[0].payload.name",
		"candidates[1].type",
		"candidates[2].confidence",
		"candidates[3].payload",
	}
	if len(ve.Problems) != len(want) {
		t.Fatalf("expected %d problems, got %d: %v", len(want), len(ve.Problems), ve)
	}
	for i, f := range want {
		if ve.Problems[i].Field != f {
			t.Errorf("problem %d: expected field %q, got %q", i, f, ve.Problems[i].Field)
		}
	}
	if !strings.Contains(err.Error(), "patient_id is required") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestResourceDelta_ValidateOK(t *testing.T) {
	d := ResourceDelta{
		PatientID:            "p1",
		SourceDocumentID:     "doc-1",
		ExtractionConfidence: 0.9,
		Candidates:           []Candidate{{Type: TypeSex, Payload: SexPayload{Value: "F"}}},
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind() != ExtractorPrimary {
		t.Errorf("expected default extractor kind primary, got %s", d.Kind())
	}
	if got := d.CandidateConfidence(d.Candidates[0]); got != 0.9 {
		t.Errorf("expected candidate confidence to fall back to 0.9, got %v", got)
	}
}

func TestTransaction_Transition(t *testing.T) {
	tx := &Transaction{ID: "t1", Status: TxOpen}
	if err := tx.Transition(TxCommitted); err == nil {
		t.Error("expected open -> committed to be illegal")
	}
	for _, to := range []TxStatus{TxStaged, TxCommitted, TxRolledBack} {
		if err := tx.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if err := tx.Transition(TxCommitted); err == nil {
		t.Error("expected rolled_back to be terminal")
	}
}
