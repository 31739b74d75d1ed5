package decision

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/advisor"
	"github.com/medikontrol/go-sut/internal/domain/prescription"
	"github.com/medikontrol/go-sut/internal/rules"
)

// ComposerConfig holds the conflict policy knobs.
type ComposerConfig struct {
	// Conservative never auto-approves when the advisor is absent or unsure.
	Conservative bool
	// AutoApproveThreshold is the minimum confidence for a joint approve.
	AutoApproveThreshold float64
	// HighRiskTokens are case-folded substrings of drug names that force a
	// hold unless the advisor is highly confident.
	HighRiskTokens []string
	// AmountHoldThreshold forces a hold on expensive prescriptions when
	// confidence is below 0.8.
	AmountHoldThreshold float64
}

// DefaultComposerConfig returns the policy defaults.
func DefaultComposerConfig() ComposerConfig {
	return ComposerConfig{
		Conservative:         true,
		AutoApproveThreshold: 0.85,
		HighRiskTokens:       []string{"narkotik", "opioid", "morphine", "fentanyl", "oxycodone"},
		AmountHoldThreshold:  1000,
	}
}

// Composer combines rule-engine and advisor verdicts into a final decision.
type Composer struct {
	config ComposerConfig
	logger *zap.Logger
}

// NewComposer creates a composer.
func NewComposer(cfg ComposerConfig, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AutoApproveThreshold <= 0 {
		cfg.AutoApproveThreshold = DefaultComposerConfig().AutoApproveThreshold
	}
	return &Composer{config: cfg, logger: logger}
}

// Compose renders the final decision. sut may carry an error status and ai
// may be nil (advisor absent); both failing yields FinalError. Downgrade
// reasons are returned alongside the decision.
func (c *Composer) Compose(p *prescription.Prescription, sut *rules.Verdict, ai *advisor.Verdict) (Final, []string) {
	var reasons []string

	sutErrored := sut == nil || sut.Status == rules.StatusError
	if sutErrored && ai == nil {
		return FinalError, []string{"rule engine and advisor both failed"}
	}

	var final Final
	switch {
	case sutErrored:
		// Advisor carries the decision alone with attenuated confidence.
		attenuated := ai.Confidence * 0.5
		reasons = append(reasons,
			fmt.Sprintf("rule engine unavailable, advisor confidence attenuated to %.2f", attenuated))
		final = actionToFinal(ai.Action)
		if final == FinalApprove && attenuated < c.config.AutoApproveThreshold {
			final = FinalHold
			reasons = append(reasons, "attenuated confidence below auto-approve threshold")
		}
	case ai == nil:
		final = sutToFinal(sut.Status)
		if final == FinalApprove && c.config.Conservative {
			final = FinalHold
			reasons = append(reasons, "advisor unavailable, conservative mode holds approvals")
		}
	default:
		final = c.composeJoint(sut, ai, &reasons)
	}

	final = c.applyOverrides(p, ai, final, &reasons)
	return final, reasons
}

// composeJoint applies the policy table for the case where both verdicts are
// present.
func (c *Composer) composeJoint(sut *rules.Verdict, ai *advisor.Verdict, reasons *[]string) Final {
	s := sutToFinal(sut.Status)

	switch s {
	case FinalReject:
		return FinalReject
	case FinalHold:
		return FinalHold
	}

	// SUT approves; advisor arbitrates.
	if ai.Action != advisor.ActionApprove {
		*reasons = append(*reasons, fmt.Sprintf("advisor recommends %s: %s", ai.Action, ai.Reason))
		return FinalHold
	}

	confidence := sut.Confidence
	if ai.Confidence > confidence {
		confidence = ai.Confidence
	}
	if confidence < c.config.AutoApproveThreshold {
		*reasons = append(*reasons,
			fmt.Sprintf("joint approval confidence %.2f below threshold %.2f",
				confidence, c.config.AutoApproveThreshold))
		return FinalHold
	}
	return FinalApprove
}

// applyOverrides enforces the safety downgrades after the policy table. They
// only ever tighten an approval; a reject is never upgraded.
func (c *Composer) applyOverrides(p *prescription.Prescription, ai *advisor.Verdict, final Final, reasons *[]string) Final {
	if final != FinalApprove {
		return final
	}

	aiConfidence := 0.0
	if ai != nil {
		aiConfidence = ai.Confidence
	}

	if token, ok := c.highRiskToken(p); ok && aiConfidence < 0.9 {
		*reasons = append(*reasons,
			fmt.Sprintf("high-risk drug token %q requires advisor confidence >= 0.90", token))
		return FinalHold
	}

	if c.config.AmountHoldThreshold > 0 && p.TotalAmount > c.config.AmountHoldThreshold && aiConfidence < 0.8 {
		*reasons = append(*reasons,
			fmt.Sprintf("amount %.2f above hold threshold %.2f with confidence %.2f",
				p.TotalAmount, c.config.AmountHoldThreshold, aiConfidence))
		return FinalHold
	}

	return final
}

func (c *Composer) highRiskToken(p *prescription.Prescription) (string, bool) {
	for _, d := range p.Drugs {
		name := strings.ToLower(d.Name)
		for _, token := range c.config.HighRiskTokens {
			if token != "" && strings.Contains(name, strings.ToLower(token)) {
				return token, true
			}
		}
	}
	return "", false
}

func sutToFinal(s rules.Status) Final {
	switch s {
	case rules.StatusApproved:
		return FinalApprove
	case rules.StatusConditional:
		return FinalHold
	default:
		return FinalReject
	}
}

func actionToFinal(a advisor.Action) Final {
	switch a {
	case advisor.ActionApprove:
		return FinalApprove
	case advisor.ActionHold:
		return FinalHold
	default:
		return FinalReject
	}
}
