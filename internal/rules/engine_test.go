package rules

import (
	"math"
	"testing"

	"github.com/medikontrol/go-sut/internal/domain/prescription"
)

func intPtr(v int) *int { return &v }

func newTestEngine() *Engine {
	return NewEngine(NewHolder(DefaultSnapshot()), nil)
}

func lisinopril(dose float64) prescription.Drug {
	return prescription.Drug{Code: "C09AA01", Name: "Lisinopril", DailyDose: dose, Unit: "mg"}
}

func TestCleanApproval(t *testing.T) {
	e := newTestEngine()
	p := &prescription.Prescription{
		ID:         "RX-1",
		PatientTC:  "10000000146",
		PatientAge: intPtr(50),
		Diagnosis:  "I10",
		Drugs:      []prescription.Drug{lisinopril(5)},
	}

	v := e.Evaluate(p)
	if v.OverallScore < 0.999 {
		t.Errorf("overall score = %.3f, want ~1.0", v.OverallScore)
	}
	if v.Status != StatusApproved {
		t.Errorf("status = %s, want approved", v.Status)
	}
	if v.IssuesCount != 0 || v.WarningsCount != 0 {
		t.Errorf("issues=%d warnings=%d, want 0/0", v.IssuesCount, v.WarningsCount)
	}
	if v.Confidence != v.OverallScore {
		t.Error("confidence must equal overall score")
	}
}

func TestDoseCeilingBreach(t *testing.T) {
	e := newTestEngine()
	p := &prescription.Prescription{
		ID:         "RX-2",
		PatientAge: intPtr(50),
		Diagnosis:  "I10",
		Drugs:      []prescription.Drug{lisinopril(15)}, // limit is 10 mg
	}

	v := e.Evaluate(p)
	if math.Abs(v.OverallScore-0.85) > 1e-9 {
		t.Errorf("overall score = %.3f, want 0.85", v.OverallScore)
	}
	if v.Status != StatusApproved {
		t.Errorf("status = %s, want approved", v.Status)
	}
	if v.IssuesCount < 1 {
		t.Error("over-limit drug must count as a hard violation")
	}
	if len(v.Checks[FamilyDosage].ExceedsLimits) != 1 {
		t.Error("dosage family must flag the over-limit drug")
	}
	if v.WarningsCount < 1 {
		t.Errorf("warnings_count = %d, want >= 1 (the breach emits a warning string)", v.WarningsCount)
	}
	if len(v.Checks[FamilyDosage].Warnings) != 1 {
		t.Errorf("dosage warnings = %v, want exactly the over-limit message", v.Checks[FamilyDosage].Warnings)
	}
}

func TestHeavyBreachRejected(t *testing.T) {
	e := newTestEngine()
	p := &prescription.Prescription{
		ID:         "RX-3",
		PatientAge: intPtr(50),
		Diagnosis:  "I10",
		Drugs: []prescription.Drug{
			lisinopril(25),
			{Code: "B01AA03", Name: "Warfarin", DailyDose: 5, Unit: "mg"},
			{Code: "B01AC06", Name: "Aspirin", DailyDose: 100, Unit: "mg"},
		},
	}

	v := e.Evaluate(p)
	if v.OverallScore >= conditionalThreshold {
		t.Errorf("overall score = %.3f, want < 0.6", v.OverallScore)
	}
	if v.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", v.Status)
	}
	if v.Checks[FamilyInteractions].Score != 0 {
		t.Error("major interaction must zero the interaction family")
	}
}

func TestContraindicationPregnancy(t *testing.T) {
	e := newTestEngine()
	clean := &prescription.Prescription{
		ID:         "RX-4",
		PatientAge: intPtr(30),
		Diagnosis:  "I10",
		Drugs:      []prescription.Drug{lisinopril(5)},
	}
	pregnant := &prescription.Prescription{
		ID:         "RX-4",
		PatientAge: intPtr(30),
		Diagnosis:  "I10",
		Conditions: []prescription.Condition{prescription.ConditionPregnancy},
		Drugs:      []prescription.Drug{lisinopril(5)},
	}

	base := e.Evaluate(clean)
	v := e.Evaluate(pregnant)

	if len(v.Checks[FamilyContraindications].Contraindicated) != 1 {
		t.Fatal("expected one contraindicated drug")
	}
	if v.IssuesCount < 1 {
		t.Error("contraindication must count as a hard violation")
	}
	if base.OverallScore-v.OverallScore < 0.10-1e-9 {
		t.Errorf("score drop = %.3f, want >= 0.10", base.OverallScore-v.OverallScore)
	}
}

func TestEmptyDrugsScoreOne(t *testing.T) {
	e := newTestEngine()
	p := &prescription.Prescription{ID: "RX-5", Diagnosis: "I10"}

	v := e.Evaluate(p)
	if v.OverallScore < 0.999 {
		t.Errorf("overall score = %.3f, want 1.0", v.OverallScore)
	}
	for fam, res := range v.Checks {
		if res.Score != 1 {
			t.Errorf("family %s score = %.3f, want 1", fam, res.Score)
		}
		if len(res.Warnings) != 0 {
			t.Errorf("family %s has warnings for empty drug set", fam)
		}
	}
}

func TestUnknownDiagnosis(t *testing.T) {
	e := newTestEngine()
	p := &prescription.Prescription{
		ID:        "RX-6",
		Diagnosis: "Z99",
		Drugs:     []prescription.Drug{lisinopril(5)},
	}

	v := e.Evaluate(p)
	comp := v.Checks[FamilyCompatibility]
	if comp.Score != 0 {
		t.Errorf("compatibility score = %.3f, want 0", comp.Score)
	}
	found := false
	for _, w := range comp.Warnings {
		if w == "unknown diagnosis Z99" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing unknown-diagnosis warning, got %v", comp.Warnings)
	}
}

func TestDiagnosisSubcodeFallsBack(t *testing.T) {
	e := newTestEngine()
	p := &prescription.Prescription{
		ID:        "RX-7",
		Diagnosis: "E11.9",
		Drugs:     []prescription.Drug{{Code: "A10BA02", Name: "Metformin", DailyDose: 1000, Unit: "mg"}},
	}

	v := e.Evaluate(p)
	if v.Checks[FamilyCompatibility].Score != 1 {
		t.Errorf("E11.9 should fall back to E11 tables, score = %.3f",
			v.Checks[FamilyCompatibility].Score)
	}
}

func TestPediatricAdultOnly(t *testing.T) {
	e := newTestEngine()
	p := &prescription.Prescription{
		ID:         "RX-8",
		PatientAge: intPtr(9),
		Diagnosis:  "I10",
		Drugs:      []prescription.Drug{lisinopril(5)},
	}

	v := e.Evaluate(p)
	ageCheck := v.Checks[FamilyAge]
	if len(ageCheck.Inappropriate) != 1 {
		t.Fatal("adult-only drug for a child must be inappropriate")
	}
	if ageCheck.Score != 0 {
		t.Errorf("age score = %.3f, want 0", ageCheck.Score)
	}
	if v.IssuesCount < 1 {
		t.Error("age mismatch is a hard violation")
	}
}

func TestElderlyCautionIsSoft(t *testing.T) {
	e := newTestEngine()
	p := &prescription.Prescription{
		ID:         "RX-9",
		PatientAge: intPtr(70),
		Diagnosis:  "M54",
		Drugs:      []prescription.Drug{{Code: "M01AE01", Name: "Ibuprofen", DailyDose: 1200, Unit: "mg"}},
	}

	v := e.Evaluate(p)
	ageCheck := v.Checks[FamilyAge]
	if ageCheck.Score != 1 {
		t.Errorf("elderly caution must not reduce the score, got %.3f", ageCheck.Score)
	}
	if len(ageCheck.Warnings) == 0 {
		t.Error("expected an elderly caution warning")
	}
}

func TestCanonicalNameInteraction(t *testing.T) {
	e := newTestEngine()
	p := &prescription.Prescription{
		ID:        "RX-10",
		Diagnosis: "I10",
		Drugs: []prescription.Drug{
			{Code: "B01AA03", Name: "Coumadin", DailyDose: 5, Unit: "mg"},
			{Code: "B01AC06", Name: "ASA", DailyDose: 100, Unit: "mg"},
		},
	}

	v := e.Evaluate(p)
	inter := v.Checks[FamilyInteractions]
	if len(inter.Interactions) != 1 {
		t.Fatalf("expected brand names to resolve to one interaction, got %d", len(inter.Interactions))
	}
	if inter.Interactions[0].Severity != SeverityMajor {
		t.Error("warfarin/aspirin should be major")
	}
}

func TestSeverityMonotonicity(t *testing.T) {
	e := newTestEngine()
	prev := math.Inf(1)
	for _, dose := range []float64{5, 15} {
		for _, conds := range [][]prescription.Condition{nil, {prescription.ConditionPregnancy}} {
			p := &prescription.Prescription{
				ID:         "RX-11",
				PatientAge: intPtr(40),
				Diagnosis:  "I10",
				Conditions: conds,
				Drugs:      []prescription.Drug{lisinopril(dose)},
			}
			v := e.Evaluate(p)
			if v.OverallScore > prev+1e-9 {
				t.Errorf("score increased with more violations: %.3f > %.3f", v.OverallScore, prev)
			}
			prev = v.OverallScore
		}
		prev = math.Inf(1)
	}
}

func TestScoreBounds(t *testing.T) {
	e := newTestEngine()
	cases := []*prescription.Prescription{
		{ID: "a", Diagnosis: "I10"},
		{ID: "b", Diagnosis: "Z00", Drugs: []prescription.Drug{lisinopril(999)}},
		{
			ID: "c", Diagnosis: "I10", PatientAge: intPtr(8),
			Conditions: []prescription.Condition{prescription.ConditionPregnancy, prescription.ConditionAsthma},
			Drugs: []prescription.Drug{
				lisinopril(25),
				{Code: "B01AA03", Name: "Warfarin", DailyDose: 5, Unit: "mg"},
				{Code: "M01AE01", Name: "Advil", DailyDose: 5000, Unit: "mg"},
			},
		},
	}

	for _, p := range cases {
		v := e.Evaluate(p)
		if v.OverallScore < 0 || v.OverallScore > 1 {
			t.Errorf("%s: overall score %.3f out of [0,1]", p.ID, v.OverallScore)
		}
		for fam, res := range v.Checks {
			if res.Score < 0 || res.Score > 1 {
				t.Errorf("%s: family %s score %.3f out of [0,1]", p.ID, fam, res.Score)
			}
		}
	}
}

func TestMatchATC(t *testing.T) {
	tests := []struct {
		pattern, atc string
		want         bool
	}{
		{"C09*", "C09AA01", true},
		{"C09*", "C08CA01", false},
		{"C09AA01", "C09AA01", true},
		{"C09AA01", "C09AA02", false},
		{"c09.aa*", "C09AA01", true},
		{"*", "ANYTHING", true},
	}
	for _, tt := range tests {
		if got := MatchATC(tt.pattern, tt.atc); got != tt.want {
			t.Errorf("MatchATC(%q, %q) = %v, want %v", tt.pattern, tt.atc, got, tt.want)
		}
	}
}
