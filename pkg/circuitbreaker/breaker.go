// Package circuitbreaker guards calls to the external decision advisor.
// Wraps sony/gobreaker with OpenTelemetry counters and advisor-tuned defaults:
// a flapping advisor endpoint must not stall batch throughput, so the breaker
// opens early and recovers with a small half-open probe budget.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when the circuit rejects a call without executing it.
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string
	// MaxRequests is the probe budget in half-open state.
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts while closed.
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// FailureThreshold is consecutive failures before opening on low volume.
	FailureThreshold uint32
	// FailureRatio opens the circuit once MinRequests have been seen.
	FailureRatio float64
	// MinRequests is the minimum sample before FailureRatio applies.
	MinRequests uint32
}

// DefaultConfig returns defaults suitable for a single advisor endpoint.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      2,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		FailureRatio:     0.5,
		MinRequests:      6,
	}
}

// Breaker wraps gobreaker with observability.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger

	meter           metric.Meter
	requestCounter  metric.Int64Counter
	rejectedCounter metric.Int64Counter

	mu           sync.RWMutex
	currentState State
	onState      func(name string, state State)
}

// New creates a breaker from cfg.
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		name:         cfg.Name,
		logger:       logger,
		meter:        otel.Meter("circuit-breaker"),
		currentState: StateClosed,
	}

	var err error
	b.requestCounter, err = b.meter.Int64Counter("advisor_breaker_requests_total",
		metric.WithDescription("Total requests through the advisor circuit breaker"))
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	b.rejectedCounter, err = b.meter.Int64Counter("advisor_breaker_rejected_total",
		metric.WithDescription("Requests rejected because the circuit was open"))
	if err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
	})

	return b, nil
}

// Execute runs fn through the breaker. A rejected call returns ErrOpen.
func (b *Breaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	b.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", b.name)))

	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", b.name)))
			return nil, fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		return nil, err
	}
	return result, nil
}

// OnStateChange registers a callback invoked on every state transition,
// after the internal state has been updated. Used to mirror the breaker
// state into a gauge.
func (b *Breaker) OnStateChange(fn func(name string, state State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onState = fn
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentState
}

// IsOpen reports whether calls are currently being rejected.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Counts returns the underlying request counts.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	toState := mapState(to)

	b.mu.Lock()
	b.currentState = toState
	hook := b.onState
	b.mu.Unlock()

	b.logger.Warn("advisor circuit state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(toState)))

	if hook != nil {
		hook(b.name, toState)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
