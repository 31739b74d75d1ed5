// Package events streams review outcomes to Kafka so downstream systems
// (audit, billing, dashboards) observe decisions as they are made. The
// pipeline works without brokers; a nil publisher disables streaming.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/decision"
)

// Topics carried by the review stream.
const (
	TopicDecisionRecorded = "decision.recorded"
	TopicBatchClosed      = "batch.closed"
)

// DecisionEvent is the payload published per decision record.
type DecisionEvent struct {
	RunID          string    `json:"run_id"`
	PrescriptionID string    `json:"prescription_id"`
	FinalDecision  string    `json:"final_decision"`
	ErrorType      string    `json:"error_type,omitempty"`
	Confidence     float64   `json:"confidence"`
	SourceTag      string    `json:"source_tag,omitempty"`
	DecidedAt      time.Time `json:"decided_at"`
}

// BatchClosedEvent marks the completion of one run.
type BatchClosedEvent struct {
	RunID     string         `json:"run_id"`
	SourceTag string         `json:"source_tag,omitempty"`
	Total     int            `json:"total"`
	Decisions map[string]int `json:"decisions"`
	Duration  float64        `json:"duration_seconds"`
	ClosedAt  time.Time      `json:"closed_at"`
}

// PublisherConfig holds producer settings.
type PublisherConfig struct {
	Brokers []string
	// Linger delays sends to batch small decision events together.
	Linger time.Duration
	// MaxRetries bounds per-record produce retries inside the client.
	MaxRetries int
}

// DefaultPublisherConfig returns settings suited to the decision stream's
// modest volume.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Linger:     25 * time.Millisecond,
		MaxRetries: 3,
	}
}

// Publisher produces review events with franz-go. Decision events are sent
// asynchronously; the batch-closed event is synchronous and flushes the
// stream so a finished run leaves nothing buffered.
type Publisher struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	published int64
	failed    int64
}

// NewPublisher connects to the brokers. An empty broker list returns
// (nil, nil) so callers can treat streaming as optional.
func NewPublisher(cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultPublisherConfig()
	if cfg.Linger <= 0 {
		cfg.Linger = def.Linger
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Publisher{
		client: client,
		logger: logger,
		tracer: otel.Tracer("events-publisher"),
	}, nil
}

// PublishDecision streams one decision record. Errors are logged, not
// returned: a broker outage must never fail the review run.
func (p *Publisher) PublishDecision(ctx context.Context, runID string, rec *decision.Record) {
	if p == nil {
		return
	}

	ev := DecisionEvent{
		RunID:          runID,
		PrescriptionID: rec.PrescriptionID,
		FinalDecision:  string(rec.FinalDecision),
		ErrorType:      rec.ErrorType,
		Confidence:     rec.Confidence(),
		SourceTag:      rec.Metadata.SourceTag,
		DecidedAt:      rec.Metadata.Timestamp,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal decision event", zap.Error(err))
		return
	}

	record := &kgo.Record{
		Topic: TopicDecisionRecorded,
		Key:   []byte(rec.PrescriptionID),
		Value: payload,
	}
	injectTraceHeaders(ctx, record)

	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Warn("decision event not delivered",
				zap.String("prescription_id", rec.PrescriptionID),
				zap.Error(err))
			return
		}
		atomic.AddInt64(&p.published, 1)
	})
}

// PublishBatchClosed emits the run-completion event and flushes everything
// still buffered.
func (p *Publisher) PublishBatchClosed(ctx context.Context, ev BatchClosedEvent) error {
	if p == nil {
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "publish_batch_closed",
		trace.WithAttributes(
			attribute.String("run_id", ev.RunID),
			attribute.Int("total", ev.Total),
		))
	defer span.End()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal batch event: %w", err)
	}

	record := &kgo.Record{
		Topic: TopicBatchClosed,
		Key:   []byte(ev.RunID),
		Value: payload,
	}
	injectTraceHeaders(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish batch event: %w", err)
	}
	atomic.AddInt64(&p.published, 1)

	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush events: %w", err)
	}
	return nil
}

// Stats reports delivery counters.
func (p *Publisher) Stats() (published, failed int64) {
	if p == nil {
		return 0, 0
	}
	return atomic.LoadInt64(&p.published), atomic.LoadInt64(&p.failed)
}

// Close flushes and closes the client.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// injectTraceHeaders propagates the current span to consumers.
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return
	}
	record.Headers = append(record.Headers, kgo.RecordHeader{
		Key: "traceparent",
		Value: []byte(fmt.Sprintf("00-%s-%s-%02x",
			sc.TraceID().String(), sc.SpanID().String(), sc.TraceFlags())),
	})
}
