// Package decision holds the final decision record and the composer that
// merges the rule-engine verdict with the advisor's opinion.
package decision

import (
	"time"

	"github.com/medikontrol/go-sut/internal/advisor"
	"github.com/medikontrol/go-sut/internal/domain/prescription"
	"github.com/medikontrol/go-sut/internal/rules"
)

// Final is the single decision rendered per prescription.
type Final string

const (
	FinalApprove Final = "approve"
	FinalReject  Final = "reject"
	FinalHold    Final = "hold"
	FinalError   Final = "error"
)

// Error types attached to error records.
const (
	ErrorTypeTimeout     = "timeout"
	ErrorTypeCancelled   = "cancelled"
	ErrorTypeComposition = "composition"
	ErrorTypeInput       = "input_invalid"
	ErrorTypeStore       = "store_put"
)

// Metadata captures per-item processing facts for analytics.
type Metadata struct {
	Timestamp      time.Time `json:"timestamp"`
	SourceTag      string    `json:"source_tag,omitempty"`
	ProcessingTime float64   `json:"processing_time"` // seconds
	SUTTime        float64   `json:"sut_time"`        // seconds
	AITime         float64   `json:"ai_time"`         // seconds
	AdvisorUsed    bool      `json:"advisor_used"`
	// AdvisorRetries counts transient advisor failures that were retried.
	AdvisorRetries int `json:"advisor_retries,omitempty"`
	// AdvisorError is the kind of the final advisor failure, if any.
	AdvisorError string `json:"advisor_error,omitempty"`
}

// Record is the per-prescription decision output. FinalDecision is error
// exactly when Error is non-empty.
type Record struct {
	PrescriptionID string                     `json:"prescription_id"`
	FinalDecision  Final                      `json:"final_decision"`
	SUT            *rules.Verdict             `json:"sut_analysis,omitempty"`
	AI             *advisor.Verdict           `json:"ai_analysis,omitempty"`
	Error          string                     `json:"error,omitempty"`
	ErrorType      string                     `json:"error_type,omitempty"`
	Reasons        []string                   `json:"reasons,omitempty"`
	Metadata       Metadata                   `json:"processing_metadata"`
	Raw            *prescription.Prescription `json:"raw_data,omitempty"`

	// Position within the run, used to restore input order after
	// concurrent execution. Not serialized.
	BatchIndex int `json:"-"`
	ItemIndex  int `json:"-"`
}

// IsError reports whether the record is an error record.
func (r *Record) IsError() bool {
	return r.FinalDecision == FinalError
}

// Confidence returns the best available confidence across both analyses.
func (r *Record) Confidence() float64 {
	c := 0.0
	if r.SUT != nil {
		c = r.SUT.Confidence
	}
	if r.AI != nil && r.AI.Confidence > c {
		c = r.AI.Confidence
	}
	return c
}
