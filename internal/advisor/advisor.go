// Package advisor defines the external decision advisor contract and its
// concrete clients. The advisor is an oracle producing a second opinion per
// prescription; the pipeline treats it as optional and degrades without it.
package advisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/medikontrol/go-sut/internal/domain/prescription"
)

// Action is the advisor's recommended disposition.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionHold    Action = "hold"
)

// Valid reports whether a is one of the three allowed actions.
func (a Action) Valid() bool {
	return a == ActionApprove || a == ActionReject || a == ActionHold
}

// Verdict is the advisor's structured opinion on one prescription.
type Verdict struct {
	Action          Action   `json:"action"`
	Reason          string   `json:"reason"`
	Confidence      float64  `json:"confidence"`
	RiskFactors     []string `json:"risk_factors,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// DecisionAdvisor produces an advisory verdict for a prescription. Advise
// must honor ctx cancellation and deadline.
type DecisionAdvisor interface {
	Advise(ctx context.Context, p *prescription.Prescription) (*Verdict, error)
}

// Func adapts a plain function to the DecisionAdvisor interface.
type Func func(ctx context.Context, p *prescription.Prescription) (*Verdict, error)

// Advise implements DecisionAdvisor.
func (f Func) Advise(ctx context.Context, p *prescription.Prescription) (*Verdict, error) {
	return f(ctx, p)
}

// ErrorKind classifies advisor failures for retry policy and analytics.
type ErrorKind string

const (
	// KindTransport covers network and HTTP-level failures; retried.
	KindTransport ErrorKind = "transport"
	// KindParse means the response could not be decoded; not retried.
	KindParse ErrorKind = "parse"
	// KindTimeout means the per-call deadline elapsed; retried.
	KindTimeout ErrorKind = "timeout"
)

// Error wraps an advisor failure with its kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("advisor %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the given kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the error kind, defaulting to transport for untyped errors.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}

// Retryable reports whether the failure is worth retrying. Parse failures are
// deterministic on the response and never retried.
func Retryable(err error) bool {
	return KindOf(err) != KindParse
}
