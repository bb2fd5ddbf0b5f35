package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Payload is the typed content of a Fact. Each FactType has exactly one
// implementation with its own fixed schema.
type Payload interface {
	Type() FactType
	// Validate reports missing or malformed required fields.
	Validate() []FieldProblem
	// Normalize returns the canonical form used for hashing and comparison.
	Normalize() Payload
	// SubjectKey identifies what the fact is about, e.g. a medication name.
	SubjectKey() string
	// DedupText is the text compared by fuzzy duplicate matching.
	DedupText() string
}

// ConditionPayload is a diagnosis or problem-list entry.
type ConditionPayload struct {
	Code           string `json:"code,omitempty"`
	Name           string `json:"name"`
	ClinicalStatus string `json:"clinical_status,omitempty"`
	OnsetDate      string `json:"onset_date,omitempty"`
}

func (p ConditionPayload) Type() FactType { return TypeCondition }

func (p ConditionPayload) Validate() []FieldProblem {
	var probs []FieldProblem
	if strings.TrimSpace(p.Name) == "" {
		probs = append(probs, FieldProblem{Field: "name", Message: "is required"})
	}
	if p.OnsetDate != "" && !validDate(p.OnsetDate) {
		probs = append(probs, FieldProblem{Field: "onset_date", Message: "is not a recognised date"})
	}
	return probs
}

func (p ConditionPayload) Normalize() Payload {
	return ConditionPayload{
		Code:           normIdent(p.Code),
		Name:           normText(p.Name),
		ClinicalStatus: normIdent(p.ClinicalStatus),
		OnsetDate:      normDate(p.OnsetDate),
	}
}

func (p ConditionPayload) SubjectKey() string {
	if p.Code != "" {
		return normIdent(p.Code)
	}
	return strings.ToLower(normText(p.Name))
}

func (p ConditionPayload) DedupText() string { return strings.ToLower(normText(p.Name)) }

// MedicationPayload is a medication statement or prescription.
type MedicationPayload struct {
	Name       string   `json:"name"`
	Dose       *float64 `json:"dose,omitempty"`
	DoseUnit   string   `json:"dose_unit,omitempty"`
	DosageForm string   `json:"dosage_form,omitempty"`
	Route      string   `json:"route,omitempty"`
	Frequency  string   `json:"frequency,omitempty"`
	Status     string   `json:"status,omitempty"`
}

func (p MedicationPayload) Type() FactType { return TypeMedication }

func (p MedicationPayload) Validate() []FieldProblem {
	var probs []FieldProblem
	if strings.TrimSpace(p.Name) == "" {
		probs = append(probs, FieldProblem{Field: "name", Message: "is required"})
	}
	if p.Dose != nil && (*p.Dose < 0 || math.IsNaN(*p.Dose) || math.IsInf(*p.Dose, 0)) {
		probs = append(probs, FieldProblem{Field: "dose", Message: "must be a non-negative number"})
	}
	return probs
}

func (p MedicationPayload) Normalize() Payload {
	return MedicationPayload{
		Name:       normText(p.Name),
		Dose:       roundPtr(p.Dose, 3),
		DoseUnit:   normIdent(p.DoseUnit),
		DosageForm: normIdent(p.DosageForm),
		Route:      normIdent(p.Route),
		Frequency:  normIdent(p.Frequency),
		Status:     normIdent(p.Status),
	}
}

func (p MedicationPayload) SubjectKey() string { return strings.ToLower(normText(p.Name)) }

func (p MedicationPayload) DedupText() string {
	parts := []string{strings.ToLower(normText(p.Name))}
	if p.Dose != nil {
		parts = append(parts, formatNumber(*p.Dose))
	}
	if p.DoseUnit != "" {
		parts = append(parts, normIdent(p.DoseUnit))
	}
	if p.DosageForm != "" {
		parts = append(parts, normIdent(p.DosageForm))
	}
	return strings.Join(parts, " ")
}

// AllergyPayload is an allergy or intolerance.
type AllergyPayload struct {
	Substance   string `json:"substance"`
	Reaction    string `json:"reaction,omitempty"`
	Criticality string `json:"criticality,omitempty"`
}

func (p AllergyPayload) Type() FactType { return TypeAllergy }

func (p AllergyPayload) Validate() []FieldProblem {
	if strings.TrimSpace(p.Substance) == "" {
		return []FieldProblem{{Field: "substance", Message: "is required"}}
	}
	return nil
}

func (p AllergyPayload) Normalize() Payload {
	return AllergyPayload{
		Substance:   normText(p.Substance),
		Reaction:    normText(p.Reaction),
		Criticality: normIdent(p.Criticality),
	}
}

func (p AllergyPayload) SubjectKey() string { return strings.ToLower(normText(p.Substance)) }

func (p AllergyPayload) DedupText() string {
	return strings.TrimSpace(strings.ToLower(normText(p.Substance) + " " + normText(p.Reaction)))
}

// ObservationPayload is a lab result or vital sign.
type ObservationPayload struct {
	Code           string   `json:"code,omitempty"`
	Name           string   `json:"name,omitempty"`
	Value          *float64 `json:"value,omitempty"`
	ValueText      string   `json:"value_text,omitempty"`
	Unit           string   `json:"unit,omitempty"`
	EffectiveDate  string   `json:"effective_date,omitempty"`
	Interpretation string   `json:"interpretation,omitempty"`
}

func (p ObservationPayload) Type() FactType { return TypeObservation }

func (p ObservationPayload) Validate() []FieldProblem {
	var probs []FieldProblem
	if strings.TrimSpace(p.Code) == "" && strings.TrimSpace(p.Name) == "" {
		probs = append(probs, FieldProblem{Field: "code", Message: "code or name is required"})
	}
	if p.Value == nil && strings.TrimSpace(p.ValueText) == "" {
		probs = append(probs, FieldProblem{Field: "value", Message: "value or value_text is required"})
	}
	if p.Value != nil && (math.IsNaN(*p.Value) || math.IsInf(*p.Value, 0)) {
		probs = append(probs, FieldProblem{Field: "value", Message: "must be a finite number"})
	}
	if p.EffectiveDate != "" && !validDate(p.EffectiveDate) {
		probs = append(probs, FieldProblem{Field: "effective_date", Message: "is not a recognised date"})
	}
	return probs
}

func (p ObservationPayload) Normalize() Payload {
	return ObservationPayload{
		Code:           normIdent(p.Code),
		Name:           normText(p.Name),
		Value:          roundPtr(p.Value, 4),
		ValueText:      normText(p.ValueText),
		Unit:           normIdent(p.Unit),
		EffectiveDate:  normDate(p.EffectiveDate),
		Interpretation: normText(p.Interpretation),
	}
}

func (p ObservationPayload) SubjectKey() string {
	if p.Code != "" {
		return normIdent(p.Code)
	}
	return strings.ToLower(normText(p.Name))
}

func (p ObservationPayload) DedupText() string {
	parts := []string{p.SubjectKey()}
	if p.Value != nil {
		parts = append(parts, formatNumber(*p.Value))
	} else if p.ValueText != "" {
		parts = append(parts, strings.ToLower(normText(p.ValueText)))
	}
	if p.Unit != "" {
		parts = append(parts, normIdent(p.Unit))
	}
	if p.EffectiveDate != "" {
		parts = append(parts, normDate(p.EffectiveDate))
	}
	return strings.Join(parts, " ")
}

// ProcedurePayload is a performed procedure.
type ProcedurePayload struct {
	Code          string `json:"code,omitempty"`
	Name          string `json:"name"`
	PerformedDate string `json:"performed_date,omitempty"`
}

func (p ProcedurePayload) Type() FactType { return TypeProcedure }

func (p ProcedurePayload) Validate() []FieldProblem {
	var probs []FieldProblem
	if strings.TrimSpace(p.Name) == "" {
		probs = append(probs, FieldProblem{Field: "name", Message: "is required"})
	}
	if p.PerformedDate != "" && !validDate(p.PerformedDate) {
		probs = append(probs, FieldProblem{Field: "performed_date", Message: "is not a recognised date"})
	}
	return probs
}

func (p ProcedurePayload) Normalize() Payload {
	return ProcedurePayload{
		Code:          normIdent(p.Code),
		Name:          normText(p.Name),
		PerformedDate: normDate(p.PerformedDate),
	}
}

func (p ProcedurePayload) SubjectKey() string {
	if p.Code != "" {
		return normIdent(p.Code)
	}
	return strings.ToLower(normText(p.Name))
}

func (p ProcedurePayload) DedupText() string {
	return strings.TrimSpace(strings.ToLower(normText(p.Name)) + " " + normDate(p.PerformedDate))
}

// ImmunizationPayload is an administered vaccine.
type ImmunizationPayload struct {
	Vaccine   string `json:"vaccine"`
	Date      string `json:"date,omitempty"`
	LotNumber string `json:"lot_number,omitempty"`
}

func (p ImmunizationPayload) Type() FactType { return TypeImmunization }

func (p ImmunizationPayload) Validate() []FieldProblem {
	var probs []FieldProblem
	if strings.TrimSpace(p.Vaccine) == "" {
		probs = append(probs, FieldProblem{Field: "vaccine", Message: "is required"})
	}
	if p.Date != "" && !validDate(p.Date) {
		probs = append(probs, FieldProblem{Field: "date", Message: "is not a recognised date"})
	}
	return probs
}

func (p ImmunizationPayload) Normalize() Payload {
	return ImmunizationPayload{
		Vaccine:   normText(p.Vaccine),
		Date:      normDate(p.Date),
		LotNumber: normIdent(p.LotNumber),
	}
}

func (p ImmunizationPayload) SubjectKey() string { return strings.ToLower(normText(p.Vaccine)) }

func (p ImmunizationPayload) DedupText() string {
	return strings.TrimSpace(strings.ToLower(normText(p.Vaccine)) + " " + normDate(p.Date))
}

// BirthDatePayload is the patient's date of birth.
type BirthDatePayload struct {
	Date string `json:"date"`
}

func (p BirthDatePayload) Type() FactType { return TypeBirthDate }

func (p BirthDatePayload) Validate() []FieldProblem {
	if strings.TrimSpace(p.Date) == "" {
		return []FieldProblem{{Field: "date", Message: "is required"}}
	}
	if !validDate(p.Date) {
		return []FieldProblem{{Field: "date", Message: "is not a recognised date"}}
	}
	return nil
}

func (p BirthDatePayload) Normalize() Payload { return BirthDatePayload{Date: normDate(p.Date)} }
func (p BirthDatePayload) SubjectKey() string { return "birth_date" }
func (p BirthDatePayload) DedupText() string  { return normDate(p.Date) }

// Year returns the birth year, or 0 when the date cannot be parsed.
func (p BirthDatePayload) Year() int {
	t, ok := parseDate(p.Date)
	if !ok {
		return 0
	}
	return t.Year()
}

// SexPayload is the administrative sex recorded for the patient.
type SexPayload struct {
	Value string `json:"value"`
}

var sexAliases = map[string]string{
	"m":      "male",
	"male":   "male",
	"f":      "female",
	"female": "female",
	"o":      "other",
	"other":  "other",
	"u":      "unknown",
}

func (p SexPayload) Type() FactType { return TypeSex }

func (p SexPayload) Validate() []FieldProblem {
	if strings.TrimSpace(p.Value) == "" {
		return []FieldProblem{{Field: "value", Message: "is required"}}
	}
	return nil
}

func (p SexPayload) Normalize() Payload {
	v := normIdent(p.Value)
	if alias, ok := sexAliases[v]; ok {
		v = alias
	}
	return SexPayload{Value: v}
}

func (p SexPayload) SubjectKey() string { return "sex" }
func (p SexPayload) DedupText() string  { return normIdent(p.Value) }

// DetailsAgree reports whether two payloads of the same type agree on the
// fields that similar text does not capture: clinical status, codes,
// dosing, criticality and dates. A field missing on either side agrees.
func DetailsAgree(a, b Payload) bool {
	a, b = a.Normalize(), b.Normalize()
	switch x := a.(type) {
	case ConditionPayload:
		y, ok := b.(ConditionPayload)
		return ok && codesAgree(x.Code, y.Code) && !fieldsDiffer(x.ClinicalStatus, y.ClinicalStatus) &&
			!fieldsDiffer(x.OnsetDate, y.OnsetDate)
	case MedicationPayload:
		y, ok := b.(MedicationPayload)
		return ok && !numbersDiffer(x.Dose, y.Dose) && !fieldsDiffer(x.DoseUnit, y.DoseUnit) &&
			!fieldsDiffer(x.DosageForm, y.DosageForm) && !fieldsDiffer(x.Route, y.Route) &&
			!fieldsDiffer(x.Frequency, y.Frequency) && !fieldsDiffer(x.Status, y.Status)
	case AllergyPayload:
		y, ok := b.(AllergyPayload)
		return ok && !fieldsDiffer(x.Criticality, y.Criticality)
	case ObservationPayload:
		y, ok := b.(ObservationPayload)
		return ok && !fieldsDiffer(x.Code, y.Code) && !numbersDiffer(x.Value, y.Value) &&
			!fieldsDiffer(x.Unit, y.Unit) && !fieldsDiffer(x.EffectiveDate, y.EffectiveDate)
	case ProcedurePayload:
		y, ok := b.(ProcedurePayload)
		return ok && !fieldsDiffer(x.Code, y.Code) && !fieldsDiffer(x.PerformedDate, y.PerformedDate)
	case ImmunizationPayload:
		y, ok := b.(ImmunizationPayload)
		return ok && !fieldsDiffer(x.Date, y.Date) && !fieldsDiffer(x.LotNumber, y.LotNumber)
	}
	return ContentHash(a) == ContentHash(b)
}

// HasEventDate reports whether p is pinned to the date it happened on.
func HasEventDate(p Payload) bool {
	switch v := p.(type) {
	case ObservationPayload:
		return strings.TrimSpace(v.EffectiveDate) != ""
	case ProcedurePayload:
		return strings.TrimSpace(v.PerformedDate) != ""
	case ImmunizationPayload:
		return strings.TrimSpace(v.Date) != ""
	}
	return false
}

// codesAgree treats a category code and its subcodes as the same, so E11
// agrees with E11.9 but not with E10.
func codesAgree(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

func fieldsDiffer(a, b string) bool { return a != "" && b != "" && a != b }

func numbersDiffer(a, b *float64) bool { return a != nil && b != nil && *a != *b }

// DecodePayload decodes raw JSON into the variant for t.
func DecodePayload(t FactType, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeCondition:
		var v ConditionPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeMedication:
		var v MedicationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeAllergy:
		var v AllergyPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeObservation:
		var v ObservationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeProcedure:
		var v ProcedurePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeImmunization:
		var v ImmunizationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeBirthDate:
		var v BirthDatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeSex:
		var v SexPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown fact type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// ContentHash is the hex SHA-256 of the type tag and the canonical JSON of
// the normalized payload.
func ContentHash(p Payload) string {
	n := p.Normalize()
	b, err := json.Marshal(n)
	if err != nil {
		// Payload variants are plain structs; Marshal cannot fail on them.
		panic(fmt.Sprintf("record: marshal payload: %v", err))
	}
	h := sha256.New()
	h.Write([]byte(n.Type()))
	h.Write([]byte{0})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// UnmarshalJSON decodes the payload using the revision's type tag.
func (r *FactRevision) UnmarshalJSON(data []byte) error {
	type alias FactRevision
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		return nil
	}
	p, err := DecodePayload(r.Type, aux.Payload)
	if err != nil {
		return err
	}
	r.Payload = p
	return nil
}

// UnmarshalJSON decodes the payload using the fact's type tag.
func (f *Fact) UnmarshalJSON(data []byte) error {
	type alias Fact
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(f)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		return nil
	}
	p, err := DecodePayload(f.Type, aux.Payload)
	if err != nil {
		return err
	}
	f.Payload = p
	return nil
}

func normText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normIdent(s string) string {
	return strings.ToLower(normText(s))
}

func roundPtr(v *float64, places int) *float64 {
	if v == nil {
		return nil
	}
	r := roundTo(*v, places)
	return &r
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02-01-2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	time.RFC3339,
	"2006-01",
	"2006",
}

func parseDate(s string) (time.Time, bool) {
	s = normText(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func validDate(s string) bool {
	_, ok := parseDate(s)
	return ok
}

// normDate renders recognised dates as YYYY-MM-DD and leaves the rest as
// trimmed text. Partial dates keep their precision.
func normDate(s string) string {
	s = normText(s)
	if s == "" {
		return ""
	}
	t, ok := parseDate(s)
	if !ok {
		return s
	}
	switch {
	case len(s) == 4:
		return t.Format("2006")
	case len(s) == 7 && s[4] == '-':
		return t.Format("2006-01")
	}
	return t.Format("2006-01-02")
}
