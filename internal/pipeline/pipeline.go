// Package pipeline orchestrates a full review run: read, validate, pack,
// execute, persist, aggregate, report.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/advisor"
	"github.com/medikontrol/go-sut/internal/analytics"
	"github.com/medikontrol/go-sut/internal/batch"
	"github.com/medikontrol/go-sut/internal/config"
	"github.com/medikontrol/go-sut/internal/decision"
	"github.com/medikontrol/go-sut/internal/domain/prescription"
	"github.com/medikontrol/go-sut/internal/events"
	"github.com/medikontrol/go-sut/internal/history"
	"github.com/medikontrol/go-sut/internal/observability/metrics"
	"github.com/medikontrol/go-sut/internal/report"
	"github.com/medikontrol/go-sut/internal/rules"
	"github.com/medikontrol/go-sut/internal/source"
	"github.com/medikontrol/go-sut/internal/store"
)

// Exit codes surfaced by the review CLI.
const (
	ExitOK        = 0 // every prescription decided, no error records
	ExitConfig    = 2 // configuration or wiring error before the run started
	ExitPartial   = 3 // run completed with one or more error records
	ExitCancelled = 4 // run was cancelled mid-flight
	ExitFatal     = 5 // input unreadable or decisions could not be persisted
)

// storeRetries is how many times a failing Put is reattempted.
const storeRetries = 2

// RunContext bundles the collaborators a pipeline needs. Store, History,
// Reports, Publisher and Metrics are optional; a nil Advisor runs SUT-only
// composition.
type RunContext struct {
	Config    *config.Config
	Holder    *rules.Holder
	Advisor   advisor.DecisionAdvisor
	Store     store.DecisionStore
	History   *history.Tracker
	Reports   *report.Writer
	Publisher *events.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	RunID      string
	Report     *report.BatchReport
	ReportPath string
	ExitCode   int
}

// Pipeline executes review runs. Safe for sequential reuse; the daemon runs
// one pipeline per trigger.
type Pipeline struct {
	rc       RunContext
	engine   *rules.Engine
	composer *decision.Composer
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New validates the run context and builds a pipeline.
func New(rc RunContext) (*Pipeline, error) {
	if rc.Config == nil {
		return nil, fmt.Errorf("pipeline requires a config")
	}
	if rc.Holder == nil {
		return nil, fmt.Errorf("pipeline requires a rule snapshot holder")
	}
	if rc.Logger == nil {
		rc.Logger = zap.NewNop()
	}
	if rc.Now == nil {
		rc.Now = time.Now
	}

	composerCfg := decision.ComposerConfig{
		Conservative:         rc.Config.Review.Conservative,
		AutoApproveThreshold: rc.Config.Review.AutoApproveThreshold,
		HighRiskTokens:       rc.Config.Review.HighRiskTokens,
		AmountHoldThreshold:  rc.Config.Review.AmountHoldThreshold,
	}

	return &Pipeline{
		rc:       rc,
		engine:   rules.NewEngine(rc.Holder, rc.Logger),
		composer: decision.NewComposer(composerCfg, rc.Logger),
		logger:   rc.Logger,
		tracer:   otel.Tracer("review-pipeline"),
	}, nil
}

// Run processes everything the source yields and writes the run report.
// trigger names what started the run (cli, schedule, watcher) for metrics.
func (p *Pipeline) Run(ctx context.Context, src source.PrescriptionSource, trigger string) (*RunResult, error) {
	runID := uuid.NewString()
	started := p.rc.Now().UTC()

	ctx, span := p.tracer.Start(ctx, "review_run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("source", src.Tag()),
			attribute.String("trigger", trigger),
		))
	defer span.End()

	if p.rc.Metrics != nil {
		p.rc.Metrics.RunsTotal.WithLabelValues(trigger).Inc()
	}
	p.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("source", src.Tag()),
		zap.String("trigger", trigger))

	items, err := source.ReadAll(ctx, src)
	if err != nil {
		span.RecordError(err)
		p.logger.Error("source read failed", zap.String("run_id", runID), zap.Error(err))
		return &RunResult{RunID: runID, ExitCode: ExitFatal},
			fmt.Errorf("read source %s: %w", src.Tag(), err)
	}

	valid, invalidRecords := p.validate(items, src.Tag())

	execCfg := batch.ExecutorConfig{
		MaxConcurrentBatches: p.rc.Config.Review.MaxConcurrentBatches,
		BatchSize:            p.rc.Config.Review.BatchSize,
		ItemThrottle:         p.rc.Config.ItemThrottle(),
		ItemTimeout:          p.rc.Config.ItemTimeout(),
		SourceTag:            src.Tag(),
		IncludeRaw:           p.rc.Config.Review.IncludeRaw,
	}
	if p.rc.Metrics != nil {
		execCfg.ActiveGauge = p.rc.Metrics.ActiveBatches
	}
	exec := batch.NewExecutor(execCfg, p.engine, p.rc.Advisor, p.composer, p.logger)

	batches := batch.Pack(valid, execCfg.BatchSize)

	storeFailures := 0
	var records []*decision.Record
	for rec := range exec.Run(ctx, batches) {
		if p.rc.Publisher != nil {
			p.rc.Publisher.PublishDecision(ctx, runID, rec)
			if p.rc.Metrics != nil {
				p.rc.Metrics.EventsPublished.Inc()
			}
		}
		if p.rc.Metrics != nil {
			p.rc.Metrics.ObserveDecision(string(rec.FinalDecision),
				rec.Metadata.ProcessingTime, rec.Metadata.AITime)
		}
		if !p.putWithRetry(ctx, runID, rec) {
			storeFailures++
		}
		records = append(records, rec)
	}

	for _, rec := range invalidRecords {
		if !p.putWithRetry(ctx, runID, rec) {
			storeFailures++
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].BatchIndex != records[j].BatchIndex {
			return records[i].BatchIndex < records[j].BatchIndex
		}
		return records[i].ItemIndex < records[j].ItemIndex
	})
	records = append(records, invalidRecords...)

	completed := p.rc.Now().UTC()
	duration := completed.Sub(started)
	agg := analytics.Aggregate(records, duration)

	rep := &report.BatchReport{
		Metadata: report.Metadata{
			RunID:       runID,
			SourceTag:   src.Tag(),
			StartedAt:   started,
			CompletedAt: completed,
			Duration:    duration.Seconds(),
			Total:       len(items),
			Skipped:     len(invalidRecords),
			Batches:     len(batches),
		},
		Results:   records,
		Analytics: agg,
	}
	execStats := exec.Stats()
	if p.rc.Metrics != nil {
		p.rc.Metrics.AdvisorRetries.Add(float64(execStats.AdvisorRetries))
	}
	rep.Performance = report.Performance{
		ItemsProcessed: execStats.ItemsProcessed,
		ItemsFailed:    execStats.ItemsFailed,
		AdvisorRetries: execStats.AdvisorRetries,
	}

	result := &RunResult{RunID: runID, Report: rep}

	if p.rc.Reports != nil {
		path, err := p.rc.Reports.Write(rep)
		if err != nil {
			p.logger.Error("report write failed", zap.String("run_id", runID), zap.Error(err))
			result.ExitCode = ExitFatal
			return result, err
		}
		result.ReportPath = path
	}

	if p.rc.History != nil {
		if err := p.rc.History.Record(runID, src.Tag(), completed, agg); err != nil {
			p.logger.Warn("history record failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	if p.rc.Publisher != nil {
		ev := events.BatchClosedEvent{
			RunID:     runID,
			SourceTag: src.Tag(),
			Total:     len(records),
			Decisions: agg.Summary.Decisions,
			Duration:  duration.Seconds(),
			ClosedAt:  completed,
		}
		if err := p.rc.Publisher.PublishBatchClosed(ctx, ev); err != nil {
			p.logger.Warn("batch event not published", zap.String("run_id", runID), zap.Error(err))
		}
	}

	result.ExitCode = exitCode(records, storeFailures)
	p.logger.Info("run complete",
		zap.String("run_id", runID),
		zap.Int("total", len(records)),
		zap.Int("skipped", len(invalidRecords)),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", duration))
	return result, nil
}

// validate splits input into processable prescriptions and input-invalid
// error records. Invalid items are never executed but still appear in the
// report so every input is accounted for.
func (p *Pipeline) validate(items []*prescription.Prescription, tag string) ([]*prescription.Prescription, []*decision.Record) {
	var valid []*prescription.Prescription
	var invalid []*decision.Record

	for _, item := range items {
		if err := item.Validate(); err != nil {
			p.logger.Warn("skipping invalid prescription",
				zap.String("prescription_id", item.ID),
				zap.Error(err))
			if p.rc.Metrics != nil {
				p.rc.Metrics.ItemsSkipped.Inc()
			}
			invalid = append(invalid, &decision.Record{
				PrescriptionID: item.ID,
				FinalDecision:  decision.FinalError,
				Error:          err.Error(),
				ErrorType:      decision.ErrorTypeInput,
				Metadata: decision.Metadata{
					Timestamp: p.rc.Now().UTC(),
					SourceTag: tag,
				},
			})
			continue
		}
		valid = append(valid, item)
	}
	return valid, invalid
}

// putWithRetry persists one record, retrying transient store failures.
func (p *Pipeline) putWithRetry(ctx context.Context, runID string, rec *decision.Record) bool {
	if p.rc.Store == nil {
		return true
	}

	var err error
	for attempt := 0; attempt <= storeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if err = p.rc.Store.Put(ctx, runID, rec); err == nil {
			return true
		}
	}

	p.logger.Error("decision not persisted",
		zap.String("run_id", runID),
		zap.String("prescription_id", rec.PrescriptionID),
		zap.Error(err))
	return false
}

func exitCode(records []*decision.Record, storeFailures int) int {
	if storeFailures > 0 {
		return ExitFatal
	}
	errored := 0
	cancelled := false
	for _, rec := range records {
		if rec.IsError() {
			errored++
		}
		if rec.ErrorType == decision.ErrorTypeCancelled {
			cancelled = true
		}
	}
	switch {
	case cancelled:
		return ExitCancelled
	case errored > 0:
		return ExitPartial
	default:
		return ExitOK
	}
}
