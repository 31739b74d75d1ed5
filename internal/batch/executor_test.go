package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medikontrol/go-sut/internal/advisor"
	"github.com/medikontrol/go-sut/internal/decision"
	"github.com/medikontrol/go-sut/internal/domain/prescription"
	"github.com/medikontrol/go-sut/internal/rules"
)

func newTestExecutor(adv advisor.DecisionAdvisor, cfg ExecutorConfig) *Executor {
	engine := rules.NewEngine(rules.NewHolder(rules.DefaultSnapshot()), nil)
	composer := decision.NewComposer(decision.DefaultComposerConfig(), nil)
	return NewExecutor(cfg, engine, adv, composer, nil)
}

func fastConfig() ExecutorConfig {
	cfg := DefaultExecutorConfig()
	cfg.ItemThrottle = time.Millisecond
	cfg.RetryDelays = []time.Duration{time.Millisecond, 2 * time.Millisecond}
	return cfg
}

func cleanItems(n int) []*prescription.Prescription {
	items := make([]*prescription.Prescription, n)
	age := 50
	for i := range items {
		items[i] = &prescription.Prescription{
			ID:         fmt.Sprintf("RX-%03d", i),
			PatientTC:  "10000000146",
			PatientAge: &age,
			Diagnosis:  "I10",
			Drugs:      []prescription.Drug{{Code: "C09AA01", Name: "Lisinopril", DailyDose: 5, Unit: "mg"}},
		}
	}
	return items
}

func TestRunAllTotalityAndOrder(t *testing.T) {
	items := cleanItems(25)
	e := newTestExecutor(advisor.NewStub(), fastConfig())

	records := e.RunAll(context.Background(), Pack(items, 10))

	if len(records) != len(items) {
		t.Fatalf("got %d records, want %d", len(records), len(items))
	}
	for i, rec := range records {
		if rec.PrescriptionID != items[i].ID {
			t.Errorf("position %d: got %s, want %s", i, rec.PrescriptionID, items[i].ID)
		}
	}
}

func TestCleanApprovalEndToEnd(t *testing.T) {
	items := cleanItems(1)
	adv := advisor.Func(func(_ context.Context, _ *prescription.Prescription) (*advisor.Verdict, error) {
		return &advisor.Verdict{Action: advisor.ActionApprove, Reason: "ok", Confidence: 0.95}, nil
	})
	e := newTestExecutor(adv, fastConfig())

	records := e.RunAll(context.Background(), Pack(items, 10))
	if len(records) != 1 {
		t.Fatalf("got %d records", len(records))
	}
	rec := records[0]
	if rec.FinalDecision != decision.FinalApprove {
		t.Errorf("final = %s, want approve", rec.FinalDecision)
	}
	if rec.SUT == nil || rec.SUT.OverallScore < 0.999 {
		t.Error("expected a clean SUT verdict")
	}
	if !rec.Metadata.AdvisorUsed {
		t.Error("advisor_used should be true")
	}
}

func TestFaultIsolation(t *testing.T) {
	items := cleanItems(6)
	faulty := items[2].ID

	adv := advisor.Func(func(_ context.Context, p *prescription.Prescription) (*advisor.Verdict, error) {
		if p.ID == faulty {
			return nil, advisor.NewError(advisor.KindParse, errors.New("garbled output"))
		}
		return &advisor.Verdict{Action: advisor.ActionApprove, Reason: "ok", Confidence: 0.95}, nil
	})
	e := newTestExecutor(adv, fastConfig())

	records := e.RunAll(context.Background(), Pack(items, 3))
	if len(records) != 6 {
		t.Fatalf("got %d records", len(records))
	}

	for _, rec := range records {
		if rec.PrescriptionID == faulty {
			if rec.Metadata.AdvisorUsed {
				t.Error("parse failure must leave ai_analysis absent")
			}
			if rec.Metadata.AdvisorError != string(advisor.KindParse) {
				t.Errorf("advisor_error = %q, want parse", rec.Metadata.AdvisorError)
			}
			if rec.Metadata.AdvisorRetries != 0 {
				t.Error("parse failures must not be retried")
			}
			// Conservative SUT-only fallback downgrades approve to hold.
			if rec.FinalDecision != decision.FinalHold {
				t.Errorf("faulty item final = %s, want hold", rec.FinalDecision)
			}
		} else {
			if rec.FinalDecision != decision.FinalApprove {
				t.Errorf("%s final = %s, want approve", rec.PrescriptionID, rec.FinalDecision)
			}
		}
	}
}

func TestAdvisorTransientRetry(t *testing.T) {
	items := cleanItems(1)
	attempts := 0
	adv := advisor.Func(func(_ context.Context, _ *prescription.Prescription) (*advisor.Verdict, error) {
		attempts++
		if attempts <= 2 {
			return nil, advisor.NewError(advisor.KindTransport, errors.New("connection reset"))
		}
		return &advisor.Verdict{Action: advisor.ActionApprove, Reason: "ok", Confidence: 0.95}, nil
	})
	e := newTestExecutor(adv, fastConfig())

	records := e.RunAll(context.Background(), Pack(items, 10))
	rec := records[0]
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if rec.Metadata.AdvisorRetries != 2 {
		t.Errorf("advisor_retries = %d, want 2", rec.Metadata.AdvisorRetries)
	}
	if !rec.Metadata.AdvisorUsed {
		t.Error("advisor should have succeeded on the final attempt")
	}
}

func TestAdvisorExhaustedRetries(t *testing.T) {
	items := cleanItems(1)
	adv := advisor.Func(func(_ context.Context, _ *prescription.Prescription) (*advisor.Verdict, error) {
		return nil, advisor.NewError(advisor.KindTransport, errors.New("unreachable"))
	})
	e := newTestExecutor(adv, fastConfig())

	rec := e.RunAll(context.Background(), Pack(items, 10))[0]
	if rec.Metadata.AdvisorUsed {
		t.Error("advisor must be absent after exhausted retries")
	}
	if rec.Metadata.AdvisorRetries != 2 {
		t.Errorf("advisor_retries = %d, want 2", rec.Metadata.AdvisorRetries)
	}
	if rec.Metadata.AdvisorError != string(advisor.KindTransport) {
		t.Errorf("advisor_error = %q", rec.Metadata.AdvisorError)
	}
	// SUT-only conservative fallback.
	if rec.FinalDecision != decision.FinalHold {
		t.Errorf("final = %s, want hold", rec.FinalDecision)
	}
}

func TestItemTimeout(t *testing.T) {
	items := cleanItems(1)
	adv := advisor.Func(func(_ context.Context, _ *prescription.Prescription) (*advisor.Verdict, error) {
		// Ignores cancellation on purpose to pin the timeout path.
		time.Sleep(5 * time.Second)
		return nil, errors.New("too late")
	})
	cfg := fastConfig()
	cfg.ItemTimeout = 50 * time.Millisecond
	e := newTestExecutor(adv, cfg)

	rec := e.RunAll(context.Background(), Pack(items, 10))[0]
	if rec.FinalDecision != decision.FinalError {
		t.Fatalf("final = %s, want error", rec.FinalDecision)
	}
	if rec.ErrorType != decision.ErrorTypeTimeout {
		t.Errorf("error_type = %s, want timeout", rec.ErrorType)
	}
	if rec.Error == "" {
		t.Error("error record must carry a message")
	}
}

func TestCancelDrainsQueuedItems(t *testing.T) {
	items := cleanItems(9)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := fastConfig()
	cfg.MaxConcurrentBatches = 1
	cfg.BatchSize = 3
	cfg.ItemThrottle = 100 * time.Millisecond
	e := newTestExecutor(advisor.NewStub(), cfg)

	out := e.Run(ctx, Pack(items, 3))

	var records []*decision.Record
	for rec := range out {
		records = append(records, rec)
		if len(records) == 2 {
			cancel()
		}
	}

	if len(records) != len(items) {
		t.Fatalf("got %d records, want %d (totality under cancel)", len(records), len(items))
	}

	cancelled := 0
	real := 0
	for _, rec := range records {
		if rec.ErrorType == decision.ErrorTypeCancelled {
			cancelled++
		} else {
			real++
		}
	}
	if real < 2 {
		t.Errorf("completed items before cancel must stand, got %d", real)
	}
	if cancelled < 6 {
		t.Errorf("queued items must drain to cancelled records, got %d", cancelled)
	}
}

func TestCancelBeforeRun(t *testing.T) {
	items := cleanItems(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newTestExecutor(advisor.NewStub(), fastConfig())
	records := e.RunAll(ctx, Pack(items, 2))

	if len(records) != 5 {
		t.Fatalf("got %d records, want 5", len(records))
	}
	for _, rec := range records {
		if rec.ErrorType != decision.ErrorTypeCancelled {
			t.Errorf("%s error_type = %s, want cancelled", rec.PrescriptionID, rec.ErrorType)
		}
	}
}

func TestNoAdvisorComposesSUTOnly(t *testing.T) {
	items := cleanItems(2)
	e := newTestExecutor(nil, fastConfig())

	records := e.RunAll(context.Background(), Pack(items, 10))
	for _, rec := range records {
		if rec.AI != nil || rec.Metadata.AdvisorUsed {
			t.Error("no advisor configured, ai_analysis must be absent")
		}
		if rec.FinalDecision != decision.FinalHold {
			t.Errorf("conservative SUT-only approve maps to hold, got %s", rec.FinalDecision)
		}
	}
}

type countingGauge struct {
	incs atomic.Int64
	decs atomic.Int64
}

func (g *countingGauge) Inc() { g.incs.Add(1) }
func (g *countingGauge) Dec() { g.decs.Add(1) }

func TestActiveGaugeTracksBatches(t *testing.T) {
	items := cleanItems(12)
	gauge := &countingGauge{}

	cfg := fastConfig()
	cfg.ActiveGauge = gauge
	e := newTestExecutor(advisor.NewStub(), cfg)

	e.RunAll(context.Background(), Pack(items, 4))

	if got := gauge.incs.Load(); got != 3 {
		t.Errorf("gauge incremented %d times, want once per batch (3)", got)
	}
	if gauge.incs.Load() != gauge.decs.Load() {
		t.Errorf("gauge unbalanced after run: %d incs, %d decs",
			gauge.incs.Load(), gauge.decs.Load())
	}

	stats := e.Stats()
	if stats.ActiveBatches != 0 {
		t.Errorf("active batches = %d after run, want 0", stats.ActiveBatches)
	}
}

func TestDeterminismWithStub(t *testing.T) {
	items := cleanItems(8)
	e := newTestExecutor(advisor.NewStub(), fastConfig())

	first := e.RunAll(context.Background(), Pack(items, 4))
	second := e.RunAll(context.Background(), Pack(items, 4))

	for i := range first {
		if first[i].FinalDecision != second[i].FinalDecision {
			t.Errorf("item %d decisions differ: %s vs %s",
				i, first[i].FinalDecision, second[i].FinalDecision)
		}
		if first[i].SUT.OverallScore != second[i].SUT.OverallScore {
			t.Errorf("item %d scores differ", i)
		}
	}
}
