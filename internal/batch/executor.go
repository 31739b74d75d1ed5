package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/advisor"
	"github.com/medikontrol/go-sut/internal/decision"
	"github.com/medikontrol/go-sut/internal/domain/prescription"
	"github.com/medikontrol/go-sut/internal/rules"
)

// ExecutorConfig holds concurrency and throttling knobs.
type ExecutorConfig struct {
	// MaxConcurrentBatches is the number of batches in flight (P).
	MaxConcurrentBatches int
	// BatchSize sizes the bounded output channel (capacity P * BatchSize).
	BatchSize int
	// ItemThrottle is the pause between item completions within a batch.
	// It protects the advisor endpoint from burst traffic.
	ItemThrottle time.Duration
	// ItemTimeout is the total per-item deadline (T_item).
	ItemTimeout time.Duration
	// RetryDelays is the backoff ladder for transient advisor failures.
	RetryDelays []time.Duration
	// SourceTag labels records with their origin (file stem, portal name).
	SourceTag string
	// IncludeRaw attaches the original prescription to each record.
	IncludeRaw bool
	// ActiveGauge, when set, mirrors the number of batches in flight.
	// prometheus.Gauge satisfies it.
	ActiveGauge BatchGauge
}

// BatchGauge receives batch start/finish signals for external metrics.
type BatchGauge interface {
	Inc()
	Dec()
}

// DefaultExecutorConfig returns throughput-oriented defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrentBatches: 3,
		BatchSize:            10,
		ItemThrottle:         100 * time.Millisecond,
		ItemTimeout:          30 * time.Second,
		RetryDelays:          []time.Duration{500 * time.Millisecond, 2 * time.Second},
	}
}

// Executor runs batches with bounded parallelism. Within a batch, items are
// processed sequentially in input order; the advisor and the rule engine run
// in parallel per item and are joined before composition. A failing item
// yields an error record and never aborts its batch.
type Executor struct {
	config   ExecutorConfig
	engine   *rules.Engine
	adv      advisor.DecisionAdvisor
	composer *decision.Composer
	logger   *zap.Logger
	tracer   trace.Tracer

	itemsProcessed int64
	itemsFailed    int64
	advisorRetries int64
	activeBatches  int64
}

// NewExecutor creates an executor. adv may be nil, in which case every item
// is composed from the rule verdict alone.
func NewExecutor(cfg ExecutorConfig, engine *rules.Engine, adv advisor.DecisionAdvisor, composer *decision.Composer, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultExecutorConfig()
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = def.MaxConcurrentBatches
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = def.ItemTimeout
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = def.RetryDelays
	}

	return &Executor{
		config:   cfg,
		engine:   engine,
		adv:      adv,
		composer: composer,
		logger:   logger,
		tracer:   otel.Tracer("batch-executor"),
	}
}

// Run executes the batches and streams decision records. The channel is
// bounded (P * BatchSize); producers block when it is full. Records within a
// batch arrive in input order; records across batches may interleave. The
// channel closes when every input item has produced exactly one record.
func (e *Executor) Run(ctx context.Context, batches []Batch) <-chan *decision.Record {
	out := make(chan *decision.Record, e.config.MaxConcurrentBatches*e.config.BatchSize)

	go func() {
		defer close(out)

		sem := make(chan struct{}, e.config.MaxConcurrentBatches)
		var wg sync.WaitGroup

		for i := range batches {
			b := &batches[i]

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Run cancelled before this batch started: drain its
				// items into cancelled records without a worker slot.
				e.drainCancelled(b, out)
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				e.runBatch(ctx, b, out)
			}()
		}

		wg.Wait()
	}()

	return out
}

// RunAll executes the batches, collects every record and restores input
// order by (batch index, item index).
func (e *Executor) RunAll(ctx context.Context, batches []Batch) []*decision.Record {
	var records []*decision.Record
	for rec := range e.Run(ctx, batches) {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].BatchIndex != records[j].BatchIndex {
			return records[i].BatchIndex < records[j].BatchIndex
		}
		return records[i].ItemIndex < records[j].ItemIndex
	})
	return records
}

func (e *Executor) runBatch(ctx context.Context, b *Batch, out chan<- *decision.Record) {
	atomic.AddInt64(&e.activeBatches, 1)
	defer atomic.AddInt64(&e.activeBatches, -1)
	if e.config.ActiveGauge != nil {
		e.config.ActiveGauge.Inc()
		defer e.config.ActiveGauge.Dec()
	}

	// T_batch bounds the whole batch even if individual items behave.
	batchTimeout := 2 * time.Duration(e.config.BatchSize) * e.config.ItemTimeout
	batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	batchCtx, span := e.tracer.Start(batchCtx, "run_batch",
		trace.WithAttributes(
			attribute.Int("batch_index", b.Index),
			attribute.Int("items", len(b.Items)),
			attribute.Int("complexity", b.Complexity),
		))
	defer span.End()

	start := time.Now()
	for i, item := range b.Items {
		if batchCtx.Err() != nil {
			out <- e.cancelledRecord(b.Index, i, item)
			continue
		}

		rec := e.processItem(batchCtx, b.Index, i, item)
		out <- rec

		if e.config.ItemThrottle > 0 && i < len(b.Items)-1 {
			select {
			case <-batchCtx.Done():
			case <-time.After(e.config.ItemThrottle):
			}
		}
	}

	e.logger.Info("batch complete",
		zap.Int("batch_index", b.Index),
		zap.Int("items", len(b.Items)),
		zap.Duration("duration", time.Since(start)))
}

func (e *Executor) drainCancelled(b *Batch, out chan<- *decision.Record) {
	for i, item := range b.Items {
		out <- e.cancelledRecord(b.Index, i, item)
	}
}

// itemOutcome joins the two parallel analyses of one prescription.
type itemOutcome struct {
	sut     *rules.Verdict
	sutTime time.Duration
	ai      *advisor.Verdict
	aiErr   error
	aiTime  time.Duration
	retries int
}

func (e *Executor) processItem(ctx context.Context, batchIdx, itemIdx int, p *prescription.Prescription) *decision.Record {
	itemCtx, cancel := context.WithTimeout(ctx, e.config.ItemTimeout)
	defer cancel()

	start := time.Now()
	outcome := &itemOutcome{}
	done := make(chan struct{})

	go func() {
		defer close(done)
		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.Now()
			outcome.sut = e.engine.Evaluate(p)
			outcome.sutTime = time.Since(t)
		}()

		if e.adv != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				t := time.Now()
				outcome.ai, outcome.retries, outcome.aiErr = e.adviseWithRetry(itemCtx, p)
				outcome.aiTime = time.Since(t)
			}()
		}

		wg.Wait()
	}()

	select {
	case <-done:
	case <-itemCtx.Done():
		atomic.AddInt64(&e.itemsFailed, 1)
		if ctx.Err() != nil {
			return e.cancelledRecord(batchIdx, itemIdx, p)
		}
		return e.errorRecord(batchIdx, itemIdx, p, decision.ErrorTypeTimeout,
			fmt.Sprintf("item timed out after %s", e.config.ItemTimeout), start)
	}

	final, reasons := e.composer.Compose(p, outcome.sut, outcome.ai)

	rec := &decision.Record{
		PrescriptionID: p.ID,
		FinalDecision:  final,
		SUT:            outcome.sut,
		AI:             outcome.ai,
		Reasons:        reasons,
		BatchIndex:     batchIdx,
		ItemIndex:      itemIdx,
		Metadata: decision.Metadata{
			Timestamp:      time.Now().UTC(),
			SourceTag:      e.config.SourceTag,
			ProcessingTime: time.Since(start).Seconds(),
			SUTTime:        outcome.sutTime.Seconds(),
			AITime:         outcome.aiTime.Seconds(),
			AdvisorUsed:    outcome.ai != nil,
			AdvisorRetries: outcome.retries,
		},
	}
	if outcome.aiErr != nil {
		rec.Metadata.AdvisorError = string(advisor.KindOf(outcome.aiErr))
	}
	if e.config.IncludeRaw {
		rec.Raw = p
	}

	if final == decision.FinalError {
		rec.Error = "rule engine and advisor both failed"
		rec.ErrorType = decision.ErrorTypeComposition
		atomic.AddInt64(&e.itemsFailed, 1)
	} else {
		atomic.AddInt64(&e.itemsProcessed, 1)
	}
	return rec
}

// adviseWithRetry applies the transient-failure backoff ladder. Parse
// failures are deterministic and returned immediately.
func (e *Executor) adviseWithRetry(ctx context.Context, p *prescription.Prescription) (*advisor.Verdict, int, error) {
	retries := 0
	var lastErr error

	for attempt := 0; attempt <= len(e.config.RetryDelays); attempt++ {
		if attempt > 0 {
			retries++
			atomic.AddInt64(&e.advisorRetries, 1)
			select {
			case <-ctx.Done():
				return nil, retries, lastErr
			case <-time.After(e.config.RetryDelays[attempt-1]):
			}
		}

		v, err := e.adv.Advise(ctx, p)
		if err == nil {
			return v, retries, nil
		}
		lastErr = err

		if !advisor.Retryable(err) || ctx.Err() != nil {
			break
		}
		e.logger.Debug("advisor attempt failed",
			zap.String("prescription_id", p.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, retries, lastErr
}

func (e *Executor) cancelledRecord(batchIdx, itemIdx int, p *prescription.Prescription) *decision.Record {
	rec := &decision.Record{
		PrescriptionID: p.ID,
		FinalDecision:  decision.FinalError,
		Error:          "run cancelled before completion",
		ErrorType:      decision.ErrorTypeCancelled,
		BatchIndex:     batchIdx,
		ItemIndex:      itemIdx,
		Metadata: decision.Metadata{
			Timestamp: time.Now().UTC(),
			SourceTag: e.config.SourceTag,
		},
	}
	if e.config.IncludeRaw {
		rec.Raw = p
	}
	return rec
}

func (e *Executor) errorRecord(batchIdx, itemIdx int, p *prescription.Prescription, errType, msg string, start time.Time) *decision.Record {
	rec := &decision.Record{
		PrescriptionID: p.ID,
		FinalDecision:  decision.FinalError,
		Error:          msg,
		ErrorType:      errType,
		BatchIndex:     batchIdx,
		ItemIndex:      itemIdx,
		Metadata: decision.Metadata{
			Timestamp:      time.Now().UTC(),
			SourceTag:      e.config.SourceTag,
			ProcessingTime: time.Since(start).Seconds(),
		},
	}
	if e.config.IncludeRaw {
		rec.Raw = p
	}
	return rec
}

// Stats is a point-in-time view of the executor counters.
type Stats struct {
	ItemsProcessed int64
	ItemsFailed    int64
	AdvisorRetries int64
	ActiveBatches  int64
}

// Stats returns current executor statistics.
func (e *Executor) Stats() Stats {
	return Stats{
		ItemsProcessed: atomic.LoadInt64(&e.itemsProcessed),
		ItemsFailed:    atomic.LoadInt64(&e.itemsFailed),
		AdvisorRetries: atomic.LoadInt64(&e.advisorRetries),
		ActiveBatches:  atomic.LoadInt64(&e.activeBatches),
	}
}
