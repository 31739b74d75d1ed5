package decision

import (
	"testing"

	"github.com/medikontrol/go-sut/internal/advisor"
	"github.com/medikontrol/go-sut/internal/domain/prescription"
	"github.com/medikontrol/go-sut/internal/rules"
)

func sutVerdict(status rules.Status, confidence float64) *rules.Verdict {
	return &rules.Verdict{Status: status, OverallScore: confidence, Confidence: confidence}
}

func aiVerdict(action advisor.Action, confidence float64) *advisor.Verdict {
	return &advisor.Verdict{Action: action, Reason: "test rubric", Confidence: confidence}
}

func plain() *prescription.Prescription {
	return &prescription.Prescription{
		ID:    "RX-1",
		Drugs: []prescription.Drug{{Code: "C09AA01", Name: "Lisinopril"}},
	}
}

func TestComposePolicyTable(t *testing.T) {
	c := NewComposer(DefaultComposerConfig(), nil)

	tests := []struct {
		name string
		sut  *rules.Verdict
		ai   *advisor.Verdict
		want Final
	}{
		{
			"joint approve above threshold",
			sutVerdict(rules.StatusApproved, 0.95),
			aiVerdict(advisor.ActionApprove, 0.95),
			FinalApprove,
		},
		{
			"joint approve below threshold",
			sutVerdict(rules.StatusApproved, 0.80),
			aiVerdict(advisor.ActionApprove, 0.80),
			FinalHold,
		},
		{
			"sut approves advisor holds",
			sutVerdict(rules.StatusApproved, 0.95),
			aiVerdict(advisor.ActionHold, 0.9),
			FinalHold,
		},
		{
			"sut approves advisor rejects",
			sutVerdict(rules.StatusApproved, 0.95),
			aiVerdict(advisor.ActionReject, 0.9),
			FinalHold,
		},
		{
			"conditional always holds",
			sutVerdict(rules.StatusConditional, 0.7),
			aiVerdict(advisor.ActionApprove, 0.99),
			FinalHold,
		},
		{
			"reject wins over advisor approve",
			sutVerdict(rules.StatusRejected, 0.3),
			aiVerdict(advisor.ActionApprove, 0.99),
			FinalReject,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			final, _ := c.Compose(plain(), tt.sut, tt.ai)
			if final != tt.want {
				t.Errorf("Compose() = %s, want %s", final, tt.want)
			}
		})
	}
}

func TestComposeAdvisorAbsent(t *testing.T) {
	conservative := NewComposer(DefaultComposerConfig(), nil)
	final, reasons := conservative.Compose(plain(), sutVerdict(rules.StatusApproved, 0.95), nil)
	if final != FinalHold {
		t.Errorf("conservative mode without advisor should hold, got %s", final)
	}
	if len(reasons) == 0 {
		t.Error("downgrade must carry a reason")
	}

	lenient := NewComposer(ComposerConfig{Conservative: false, AutoApproveThreshold: 0.85}, nil)
	final, _ = lenient.Compose(plain(), sutVerdict(rules.StatusApproved, 0.95), nil)
	if final != FinalApprove {
		t.Errorf("non-conservative mode should keep approve, got %s", final)
	}

	final, _ = conservative.Compose(plain(), sutVerdict(rules.StatusRejected, 0.2), nil)
	if final != FinalReject {
		t.Errorf("reject stands without advisor, got %s", final)
	}
}

func TestComposeRuleEngineErrored(t *testing.T) {
	c := NewComposer(DefaultComposerConfig(), nil)

	// Advisor alone carries the decision, attenuated to half confidence.
	final, reasons := c.Compose(plain(), sutVerdict(rules.StatusError, 0), aiVerdict(advisor.ActionApprove, 0.95))
	if final != FinalHold {
		t.Errorf("attenuated 0.475 should not auto-approve, got %s", final)
	}
	if len(reasons) < 2 {
		t.Errorf("expected attenuation reasons, got %v", reasons)
	}

	final, _ = c.Compose(plain(), sutVerdict(rules.StatusError, 0), aiVerdict(advisor.ActionReject, 0.9))
	if final != FinalReject {
		t.Errorf("advisor reject should stand, got %s", final)
	}
}

func TestComposeBothFailed(t *testing.T) {
	c := NewComposer(DefaultComposerConfig(), nil)
	final, _ := c.Compose(plain(), nil, nil)
	if final != FinalError {
		t.Errorf("both sides failing must yield error, got %s", final)
	}
	final, _ = c.Compose(plain(), sutVerdict(rules.StatusError, 0), nil)
	if final != FinalError {
		t.Errorf("errored SUT with no advisor must yield error, got %s", final)
	}
}

func TestHighRiskTokenOverride(t *testing.T) {
	c := NewComposer(DefaultComposerConfig(), nil)
	p := &prescription.Prescription{
		ID:    "RX-2",
		Drugs: []prescription.Drug{{Code: "N02AA01", Name: "Oxycodone 10mg"}},
	}

	final, reasons := c.Compose(p, sutVerdict(rules.StatusApproved, 0.95), aiVerdict(advisor.ActionApprove, 0.85))
	if final != FinalHold {
		t.Errorf("high-risk drug with confidence < 0.9 must hold, got %s", final)
	}
	if len(reasons) == 0 {
		t.Error("override must append a reason")
	}

	final, _ = c.Compose(p, sutVerdict(rules.StatusApproved, 0.95), aiVerdict(advisor.ActionApprove, 0.95))
	if final != FinalApprove {
		t.Errorf("high confidence clears the high-risk override, got %s", final)
	}
}

func TestAmountHoldOverride(t *testing.T) {
	c := NewComposer(DefaultComposerConfig(), nil)
	p := plain()
	p.TotalAmount = 1500

	// Joint approve passes on the SUT side, advisor sits below 0.8.
	final, _ := c.Compose(p, sutVerdict(rules.StatusApproved, 0.95), aiVerdict(advisor.ActionApprove, 0.7))
	if final != FinalHold {
		t.Errorf("expensive prescription with low advisor confidence must hold, got %s", final)
	}

	p.TotalAmount = 500
	final, _ = c.Compose(p, sutVerdict(rules.StatusApproved, 0.95), aiVerdict(advisor.ActionApprove, 0.7))
	if final != FinalApprove {
		t.Errorf("below the amount threshold approve stands, got %s", final)
	}
}
