package advisor

import (
	"context"
	"fmt"

	"github.com/medikontrol/go-sut/internal/domain/prescription"
)

// Stub is a deterministic in-process advisor used when no endpoint is
// configured. It applies a fixed rubric over the prescription shape only, so
// two runs over the same input always agree.
type Stub struct{}

// NewStub returns the deterministic stub advisor.
func NewStub() *Stub { return &Stub{} }

// Advise implements DecisionAdvisor.
func (s *Stub) Advise(_ context.Context, p *prescription.Prescription) (*Verdict, error) {
	switch {
	case len(p.Drugs) == 0:
		return &Verdict{
			Action:     ActionHold,
			Reason:     "no drugs listed on the prescription",
			Confidence: 0.6,
		}, nil
	case len(p.Conditions) > 0 && len(p.Drugs) > 2:
		return &Verdict{
			Action:      ActionHold,
			Reason:      fmt.Sprintf("%d drugs with known patient conditions warrant review", len(p.Drugs)),
			Confidence:  0.7,
			RiskFactors: []string{"polypharmacy with comorbidity"},
		}, nil
	default:
		return &Verdict{
			Action:     ActionApprove,
			Reason:     "no elevated risk markers found",
			Confidence: 0.9,
		}, nil
	}
}
