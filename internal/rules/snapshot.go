// Package rules implements the SUT rule engine: five deterministic rule
// families evaluated against an immutable rule snapshot, combined into a
// weighted composite verdict.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

// Severity classifies a drug-drug interaction.
type Severity string

const (
	SeverityMinor Severity = "minor"
	SeverityMajor Severity = "major"
)

// Interaction is a known pairwise interaction between canonical drug names.
type Interaction struct {
	DrugA       string   `json:"drug_a"`
	DrugB       string   `json:"drug_b"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description,omitempty"`
}

// DoseLimit is the maximum allowed daily dose for an ATC code.
type DoseLimit struct {
	MaxDaily float64 `json:"max_daily"`
	Unit     string  `json:"unit"`
}

// Snapshot holds the full SUT rule set. It is immutable after load; refresh
// happens by atomic swap through a Holder. ATC patterns are anchored prefixes
// with '*' as a suffix-only wildcard.
type Snapshot struct {
	// Compatibility maps a diagnosis code to the ATC patterns allowed for it.
	Compatibility map[string][]string `json:"diagnosis_compatibility"`

	// Age policy sets, all ATC patterns.
	PediatricOnly  []string `json:"pediatric_only"`
	AdultOnly      []string `json:"adult_only"`
	ElderlyCaution []string `json:"elderly_caution"`

	// CanonicalNames maps brand or alternate drug names to the canonical
	// name used in the interaction table. Keys and values are lower case.
	CanonicalNames map[string]string `json:"canonical_names"`
	Interactions   []Interaction     `json:"interactions"`

	// DoseLimits keys are normalized ATC codes.
	DoseLimits map[string]DoseLimit `json:"dose_limits"`

	// Contraindications maps a patient condition to restricted ATC patterns.
	Contraindications map[string][]string `json:"contraindications"`

	Version string `json:"version,omitempty"`
}

// MatchATC reports whether a normalized ATC code matches a rule-table
// pattern. Patterns are matched anchored at the start; '*' is allowed only as
// a trailing wildcard. No full regex, to keep the tables auditable.
func MatchATC(pattern, atc string) bool {
	pattern = strings.ToUpper(strings.ReplaceAll(pattern, ".", ""))
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(atc, strings.TrimSuffix(pattern, "*"))
	}
	return atc == pattern
}

// CanonicalName resolves a drug name to its canonical interaction-table form.
func (s *Snapshot) CanonicalName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if canon, ok := s.CanonicalNames[n]; ok {
		return canon
	}
	return n
}

// AllowedPatterns returns the compatible ATC patterns for a diagnosis code,
// falling back from the full code to its category root (E11.9 -> E11).
func (s *Snapshot) AllowedPatterns(diagnosis string) ([]string, bool) {
	if patterns, ok := s.Compatibility[diagnosis]; ok {
		return patterns, true
	}
	if i := strings.IndexByte(diagnosis, '.'); i > 0 {
		patterns, ok := s.Compatibility[diagnosis[:i]]
		return patterns, ok
	}
	return nil, false
}

// Holder provides lock-free reads of the current snapshot with atomic
// refresh. Readers always see a complete rule set.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder creates a holder seeded with the given snapshot.
func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	h.current.Store(s)
	return h
}

// Current returns the active snapshot.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Swap atomically replaces the active snapshot.
func (h *Holder) Swap(s *Snapshot) {
	h.current.Store(s)
}

// LoadFile parses a rule snapshot from a JSON file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse rule snapshot: %w", err)
	}
	return &s, nil
}

// DefaultSnapshot returns the built-in SUT tables used when no snapshot file
// is configured.
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		Version: "builtin-2026.08",
		Compatibility: map[string][]string{
			"I10": {"C09*", "C03*", "C07*", "C08*"},
			"E11": {"A10*"},
			"J45": {"R03*"},
			"M54": {"M01A*", "N02B*"},
			"F32": {"N06A*"},
			"K21": {"A02B*"},
			"J06": {"R05*", "N02BE01"},
			"N39": {"J01*"},
		},
		PediatricOnly: []string{"J07BD*"},
		AdultOnly:     []string{"C09*", "C10AA*", "N05BA*", "N02A*"},
		ElderlyCaution: []string{
			"N05BA*", "M01A*", "N02A*",
		},
		CanonicalNames: map[string]string{
			"coumadin":              "warfarin",
			"asa":                   "aspirin",
			"acetylsalicylic acid":  "aspirin",
			"paracetamol":           "acetaminophen",
			"glucophage":            "metformin",
			"prozac":                "fluoxetine",
			"ultram":                "tramadol",
			"advil":                 "ibuprofen",
			"lasix":                 "furosemide",
			"potassium supplements": "potassium",
		},
		Interactions: []Interaction{
			{DrugA: "warfarin", DrugB: "aspirin", Severity: SeverityMajor, Description: "bleeding risk"},
			{DrugA: "warfarin", DrugB: "ibuprofen", Severity: SeverityMajor, Description: "bleeding risk"},
			{DrugA: "fluoxetine", DrugB: "tramadol", Severity: SeverityMajor, Description: "serotonin syndrome"},
			{DrugA: "lisinopril", DrugB: "potassium", Severity: SeverityMajor, Description: "hyperkalemia"},
			{DrugA: "aspirin", DrugB: "ibuprofen", Severity: SeverityMinor, Description: "reduced antiplatelet effect"},
			{DrugA: "metformin", DrugB: "furosemide", Severity: SeverityMinor, Description: "lactic acidosis risk"},
		},
		DoseLimits: map[string]DoseLimit{
			"C09AA01": {MaxDaily: 10, Unit: "mg"},
			"N02BE01": {MaxDaily: 4000, Unit: "mg"},
			"M01AE01": {MaxDaily: 2400, Unit: "mg"},
			"A10BA02": {MaxDaily: 3000, Unit: "mg"},
			"N06AB03": {MaxDaily: 80, Unit: "mg"},
			"B01AC06": {MaxDaily: 300, Unit: "mg"},
			"N02AX02": {MaxDaily: 400, Unit: "mg"},
		},
		Contraindications: map[string][]string{
			"pregnancy":      {"C09*", "M01A*", "C10AA*"},
			"kidney_failure": {"A10BA*", "M01A*"},
			"liver_failure":  {"N02BE*", "C10AA*"},
			"asthma":         {"C07A*"},
			"heart_failure":  {"M01A*", "C08CA*"},
			"glaucoma":       {"N05BA*"},
		},
	}
}
