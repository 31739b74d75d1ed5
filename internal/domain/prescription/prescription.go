// Package prescription defines the prescription input record and its
// validation rules. Records are immutable once accepted by a run.
package prescription

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Condition represents a patient condition relevant to contraindication checks.
type Condition string

const (
	ConditionPregnancy     Condition = "pregnancy"
	ConditionKidneyFailure Condition = "kidney_failure"
	ConditionLiverFailure  Condition = "liver_failure"
	ConditionHeartFailure  Condition = "heart_failure"
	ConditionDiabetes      Condition = "diabetes"
	ConditionAsthma        Condition = "asthma"
	ConditionGlaucoma      Condition = "glaucoma"
)

// Drug is a single prescribed medication line.
type Drug struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	DailyDose float64 `json:"daily_dose"`
	Unit      string  `json:"unit"`
}

// Prescription is the input record for the review pipeline. Unknown input
// fields are preserved in Extras for round-trip fidelity but are never
// consulted by the rule engine.
type Prescription struct {
	ID           string      `json:"prescription_id"`
	PatientTC    string      `json:"patient_tc"`
	PatientAge   *int        `json:"patient_age,omitempty"`
	Conditions   []Condition `json:"patient_conditions,omitempty"`
	Diagnosis    string      `json:"diagnosis_code"`
	Drugs        []Drug      `json:"drugs"`
	ReportRefs   []string    `json:"report_refs,omitempty"`
	MessageCodes []string    `json:"message_codes,omitempty"`
	TotalAmount  float64     `json:"total_amount,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`

	Extras map[string]json.RawMessage `json:"-"`
}

var knownFields = map[string]bool{
	"prescription_id":    true,
	"patient_tc":         true,
	"patient_age":        true,
	"patient_conditions": true,
	"diagnosis_code":     true,
	"drugs":              true,
	"report_refs":        true,
	"message_codes":      true,
	"total_amount":       true,
	"created_at":         true,
}

// UnmarshalJSON decodes a prescription while stashing unrecognized keys
// into Extras.
func (p *Prescription) UnmarshalJSON(data []byte) error {
	type alias Prescription
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		a.Extras = raw
	}

	*p = Prescription(a)
	return nil
}

// MarshalJSON re-emits the prescription including preserved extras.
func (p Prescription) MarshalJSON() ([]byte, error) {
	type alias Prescription
	base, err := json.Marshal(alias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extras) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extras {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

var icd10Pattern = regexp.MustCompile(`^[A-Z]\d{2}(\.\d{1,2})?$`)

// Validation errors surfaced as InputInvalid by the pipeline.
var (
	ErrMissingID        = errors.New("prescription id is required")
	ErrInvalidTC        = errors.New("patient tc is not a valid national id")
	ErrInvalidDiagnosis = errors.New("diagnosis code does not match ICD-10 format")
)

// Validate checks schema and identity constraints. A failing prescription is
// skipped with a warning, never processed.
func (p *Prescription) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrMissingID
	}
	if !ValidTC(p.PatientTC) {
		return fmt.Errorf("%w: %q", ErrInvalidTC, p.PatientTC)
	}
	if !icd10Pattern.MatchString(p.Diagnosis) {
		return fmt.Errorf("%w: %q", ErrInvalidDiagnosis, p.Diagnosis)
	}
	for i, d := range p.Drugs {
		if d.DailyDose < 0 {
			return fmt.Errorf("drug %d (%s): negative daily dose", i, d.Code)
		}
	}
	return nil
}

// ValidTC reports whether s is a valid 11-digit Turkish national id.
// The 10th digit is ((sum of odd positions)*7 - sum of even positions) mod 10
// and the 11th is the sum of the first ten digits mod 10.
func ValidTC(s string) bool {
	if len(s) != 11 || s[0] == '0' {
		return false
	}
	var digits [11]int
	for i := 0; i < 11; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		digits[i] = int(c - '0')
	}

	odd := digits[0] + digits[2] + digits[4] + digits[6] + digits[8]
	even := digits[1] + digits[3] + digits[5] + digits[7]
	d10 := ((odd*7 - even) % 10)
	if d10 < 0 {
		d10 += 10
	}
	if digits[9] != d10 {
		return false
	}

	sum := 0
	for i := 0; i < 10; i++ {
		sum += digits[i]
	}
	return digits[10] == sum%10
}

// NormalizeATC returns the ATC code with dots stripped and letters folded to
// upper case, the form used by all rule-table lookups.
func NormalizeATC(code string) string {
	return strings.ToUpper(strings.ReplaceAll(code, ".", ""))
}

// Age returns the patient age and whether it is known.
func (p *Prescription) Age() (int, bool) {
	if p.PatientAge == nil {
		return 0, false
	}
	return *p.PatientAge, true
}
