package rules

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/domain/prescription"
)

// Family identifies a rule family in the verdict's checks map.
type Family string

const (
	FamilyCompatibility     Family = "compatibility"
	FamilyAge               Family = "age"
	FamilyInteractions      Family = "interactions"
	FamilyDosage            Family = "dosage"
	FamilyContraindications Family = "contraindications"
)

// Family weights for the composite score.
const (
	weightCompatibility     = 0.30
	weightAge               = 0.20
	weightInteractions      = 0.25
	weightDosage            = 0.15
	weightContraindications = 0.10
)

// Status is the rule-engine verdict status.
type Status string

const (
	StatusApproved    Status = "approved"
	StatusConditional Status = "conditional"
	StatusRejected    Status = "rejected"
	StatusError       Status = "error"
)

// Composite status thresholds.
const (
	approveThreshold     = 0.80
	conditionalThreshold = 0.60
)

// degradedScore is the soft-degrade score for a family that raised an
// internal error.
const degradedScore = 0.5

// InteractionHit records one detected drug-drug interaction.
type InteractionHit struct {
	DrugA       string   `json:"drug_a"`
	DrugB       string   `json:"drug_b"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description,omitempty"`
}

// CheckResult is the outcome of a single rule family. Family-specific fields
// are populated only by the family that owns them.
type CheckResult struct {
	Score    float64  `json:"score"`
	Warnings []string `json:"warnings,omitempty"`

	Compatible      []string         `json:"compatible,omitempty"`
	Incompatible    []string         `json:"incompatible,omitempty"`
	Inappropriate   []string         `json:"inappropriate,omitempty"`
	Interactions    []InteractionHit `json:"interactions,omitempty"`
	ExceedsLimits   []string         `json:"exceeds_limits,omitempty"`
	Contraindicated []string         `json:"contraindicated,omitempty"`

	Error string `json:"error,omitempty"`
}

// Verdict is the composite rule-engine result for one prescription.
type Verdict struct {
	OverallScore    float64                 `json:"overall_score"`
	Status          Status                  `json:"status"`
	Checks          map[Family]*CheckResult `json:"checks"`
	Warnings        []string                `json:"warnings,omitempty"`
	Recommendations []string                `json:"recommendations,omitempty"`
	IssuesCount     int                     `json:"issues_count"`
	WarningsCount   int                     `json:"warnings_count"`
	Confidence      float64                 `json:"confidence"`
}

// MappedAction translates the verdict status to the composer's action space.
func (v *Verdict) MappedAction() string {
	switch v.Status {
	case StatusApproved:
		return "approve"
	case StatusConditional:
		return "hold"
	default:
		return "reject"
	}
}

// Engine evaluates prescriptions against the current rule snapshot. It is
// CPU-bound, pure over (prescription, snapshot) and safe for concurrent use.
type Engine struct {
	holder *Holder
	logger *zap.Logger
}

// NewEngine creates a rule engine reading from the given snapshot holder.
func NewEngine(holder *Holder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{holder: holder, logger: logger}
}

type familyFunc func(*Snapshot, *prescription.Prescription) *CheckResult

// Evaluate runs all five families and composes the weighted verdict.
// A family panic degrades that family to score 0.5 with a warning; three or
// more degraded families turn the whole verdict into an error status.
func (e *Engine) Evaluate(p *prescription.Prescription) *Verdict {
	snap := e.holder.Current()

	families := []struct {
		name   Family
		weight float64
		fn     familyFunc
	}{
		{FamilyCompatibility, weightCompatibility, checkCompatibility},
		{FamilyAge, weightAge, checkAge},
		{FamilyInteractions, weightInteractions, checkInteractions},
		{FamilyDosage, weightDosage, checkDosage},
		{FamilyContraindications, weightContraindications, checkContraindications},
	}

	v := &Verdict{Checks: make(map[Family]*CheckResult, len(families))}

	var overall float64
	errored := 0
	for _, fam := range families {
		res := e.runFamily(fam.name, fam.fn, snap, p)
		if res.Error != "" {
			errored++
		}
		v.Checks[fam.name] = res
		overall += fam.weight * res.Score
		v.Warnings = append(v.Warnings, res.Warnings...)
	}

	v.OverallScore = overall
	v.Confidence = overall
	v.IssuesCount = countIssues(v.Checks)
	v.WarningsCount = countWarnings(v.Checks)
	v.Recommendations = buildRecommendations(v.Checks)

	switch {
	case errored >= 3:
		v.Status = StatusError
	case overall >= approveThreshold:
		v.Status = StatusApproved
	case overall >= conditionalThreshold:
		v.Status = StatusConditional
	default:
		v.Status = StatusRejected
	}
	return v
}

// runFamily executes one family with panic isolation.
func (e *Engine) runFamily(name Family, fn familyFunc, snap *Snapshot, p *prescription.Prescription) (res *CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule family panicked",
				zap.String("family", string(name)),
				zap.String("prescription_id", p.ID),
				zap.Any("panic", r))
			res = &CheckResult{
				Score:    degradedScore,
				Error:    fmt.Sprintf("internal error: %v", r),
				Warnings: []string{fmt.Sprintf("%s check failed internally", name)},
			}
		}
	}()
	return fn(snap, p)
}

func checkCompatibility(snap *Snapshot, p *prescription.Prescription) *CheckResult {
	res := &CheckResult{}
	if len(p.Drugs) == 0 {
		res.Score = 1
		return res
	}

	patterns, known := snap.AllowedPatterns(p.Diagnosis)
	if !known {
		res.Score = 0
		res.Warnings = append(res.Warnings, fmt.Sprintf("unknown diagnosis %s", p.Diagnosis))
		for _, d := range p.Drugs {
			res.Incompatible = append(res.Incompatible, d.Code)
		}
		return res
	}

	compatible := 0
	for _, d := range p.Drugs {
		atc := prescription.NormalizeATC(d.Code)
		matched := false
		for _, pat := range patterns {
			if MatchATC(pat, atc) {
				matched = true
				break
			}
		}
		if matched {
			compatible++
			res.Compatible = append(res.Compatible, d.Code)
		} else {
			res.Incompatible = append(res.Incompatible, d.Code)
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%s is not indicated for %s", drugLabel(d), p.Diagnosis))
		}
	}

	res.Score = float64(compatible) / float64(len(p.Drugs))
	return res
}

func checkAge(snap *Snapshot, p *prescription.Prescription) *CheckResult {
	res := &CheckResult{}
	if len(p.Drugs) == 0 {
		res.Score = 1
		return res
	}
	age, known := p.Age()
	if !known {
		// Age policy cannot be evaluated without a known age.
		res.Score = 1
		return res
	}

	appropriate := 0
	for _, d := range p.Drugs {
		atc := prescription.NormalizeATC(d.Code)
		switch {
		case age < 18 && matchesAny(snap.AdultOnly, atc):
			res.Inappropriate = append(res.Inappropriate, d.Code)
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%s is adult-only, patient is %d", drugLabel(d), age))
		default:
			appropriate++
			if age >= 18 && matchesAny(snap.PediatricOnly, atc) {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("%s is pediatric-only, patient is %d", drugLabel(d), age))
			}
			if age >= 65 && matchesAny(snap.ElderlyCaution, atc) {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("%s requires caution in elderly patients", drugLabel(d)))
			}
		}
	}

	res.Score = float64(appropriate) / float64(len(p.Drugs))
	return res
}

func checkInteractions(snap *Snapshot, p *prescription.Prescription) *CheckResult {
	res := &CheckResult{Score: 1}
	if len(p.Drugs) < 2 {
		return res
	}

	// Index interactions by unordered canonical pair.
	index := make(map[[2]string]*Interaction, len(snap.Interactions))
	for i := range snap.Interactions {
		it := &snap.Interactions[i]
		index[pairKey(it.DrugA, it.DrugB)] = it
	}

	hasMajor := false
	for i := 0; i < len(p.Drugs); i++ {
		for j := i + 1; j < len(p.Drugs); j++ {
			a := snap.CanonicalName(p.Drugs[i].Name)
			b := snap.CanonicalName(p.Drugs[j].Name)
			it, ok := index[pairKey(a, b)]
			if !ok {
				continue
			}
			res.Interactions = append(res.Interactions, InteractionHit{
				DrugA:       p.Drugs[i].Name,
				DrugB:       p.Drugs[j].Name,
				Severity:    it.Severity,
				Description: it.Description,
			})
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%s interaction between %s and %s",
					it.Severity, p.Drugs[i].Name, p.Drugs[j].Name))
			if it.Severity == SeverityMajor {
				hasMajor = true
			}
		}
	}

	switch {
	case hasMajor:
		res.Score = 0
	case len(res.Interactions) > 0:
		res.Score = 0.5
	}
	return res
}

func checkDosage(snap *Snapshot, p *prescription.Prescription) *CheckResult {
	res := &CheckResult{}
	if len(p.Drugs) == 0 {
		res.Score = 1
		return res
	}

	within := 0
	for _, d := range p.Drugs {
		limit, ok := snap.DoseLimits[prescription.NormalizeATC(d.Code)]
		if !ok {
			within++
			continue
		}
		if !strings.EqualFold(limit.Unit, d.Unit) {
			within++
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%s dose unit %q does not match limit unit %q", drugLabel(d), d.Unit, limit.Unit))
			continue
		}
		if d.DailyDose > limit.MaxDaily {
			res.ExceedsLimits = append(res.ExceedsLimits, d.Code)
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%s daily dose %.4g %s exceeds limit %.4g %s",
					drugLabel(d), d.DailyDose, d.Unit, limit.MaxDaily, limit.Unit))
		} else {
			within++
		}
	}

	res.Score = float64(within) / float64(len(p.Drugs))
	return res
}

func checkContraindications(snap *Snapshot, p *prescription.Prescription) *CheckResult {
	res := &CheckResult{}
	if len(p.Drugs) == 0 || len(p.Conditions) == 0 {
		res.Score = 1
		return res
	}

	contraindicated := make(map[string]bool)
	for _, cond := range p.Conditions {
		patterns := snap.Contraindications[string(cond)]
		if len(patterns) == 0 {
			continue
		}
		for _, d := range p.Drugs {
			atc := prescription.NormalizeATC(d.Code)
			if matchesAny(patterns, atc) && !contraindicated[d.Code] {
				contraindicated[d.Code] = true
				res.Contraindicated = append(res.Contraindicated, d.Code)
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("%s is contraindicated with %s", drugLabel(d), cond))
			}
		}
	}
	sort.Strings(res.Contraindicated)

	res.Score = float64(len(p.Drugs)-len(contraindicated)) / float64(len(p.Drugs))
	return res
}

// countIssues counts hard violations: contraindicated drugs, major
// interactions, over-limit drugs and age-inappropriate drugs.
func countIssues(checks map[Family]*CheckResult) int {
	n := 0
	n += len(checks[FamilyContraindications].Contraindicated)
	n += len(checks[FamilyDosage].ExceedsLimits)
	n += len(checks[FamilyAge].Inappropriate)
	for _, hit := range checks[FamilyInteractions].Interactions {
		if hit.Severity == SeverityMajor {
			n++
		}
	}
	return n
}

// countWarnings counts every warning string the families emitted. Hard
// violations are tracked separately in issues_count; their warning text
// still counts here, so a dose breach always surfaces in both counters.
func countWarnings(checks map[Family]*CheckResult) int {
	n := 0
	for _, res := range checks {
		n += len(res.Warnings)
	}
	return n
}

func buildRecommendations(checks map[Family]*CheckResult) []string {
	var recs []string
	for _, code := range checks[FamilyDosage].ExceedsLimits {
		recs = append(recs, fmt.Sprintf("reduce the daily dose of %s to the SUT limit", code))
	}
	for _, code := range checks[FamilyContraindications].Contraindicated {
		recs = append(recs, fmt.Sprintf("review %s against the patient's conditions", code))
	}
	for _, hit := range checks[FamilyInteractions].Interactions {
		if hit.Severity == SeverityMajor {
			recs = append(recs, fmt.Sprintf("avoid combining %s with %s", hit.DrugA, hit.DrugB))
		}
	}
	for _, code := range checks[FamilyAge].Inappropriate {
		recs = append(recs, fmt.Sprintf("substitute %s with an age-appropriate alternative", code))
	}
	if len(checks[FamilyCompatibility].Incompatible) > 0 {
		recs = append(recs, "verify the diagnosis covers every prescribed drug")
	}
	return recs
}

func matchesAny(patterns []string, atc string) bool {
	for _, pat := range patterns {
		if MatchATC(pat, atc) {
			return true
		}
	}
	return false
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func drugLabel(d prescription.Drug) string {
	if d.Name != "" {
		return d.Name
	}
	return d.Code
}
