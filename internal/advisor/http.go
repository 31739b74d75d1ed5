package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/domain/prescription"
	"github.com/medikontrol/go-sut/pkg/circuitbreaker"
)

// HTTPConfig holds configuration for the HTTP advisor client.
type HTTPConfig struct {
	// Endpoint is the advisor URL; prescriptions are POSTed as JSON.
	Endpoint string
	// APIKey, when set, is sent as a bearer token.
	APIKey string
	// Timeout is the per-call deadline (T_advisor, below the item timeout).
	Timeout time.Duration
}

// DefaultHTTPConfig returns client defaults.
func DefaultHTTPConfig(endpoint string) HTTPConfig {
	return HTTPConfig{
		Endpoint: endpoint,
		Timeout:  20 * time.Second,
	}
}

// HTTPAdvisor calls a remote advisor endpoint through a circuit breaker.
// It performs no retries itself; the executor owns the retry policy.
type HTTPAdvisor struct {
	config  HTTPConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewHTTP creates an HTTP advisor client.
func NewHTTP(cfg HTTPConfig, breaker *circuitbreaker.Breaker, logger *zap.Logger) (*HTTPAdvisor, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("advisor endpoint is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPConfig(cfg.Endpoint).Timeout
	}

	return &HTTPAdvisor{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("advisor-client"),
	}, nil
}

// Advise implements DecisionAdvisor. Transport and timeout failures carry
// their kind so the executor can apply the retry/backoff ladder; an open
// circuit is reported as transport without touching the endpoint.
func (a *HTTPAdvisor) Advise(ctx context.Context, p *prescription.Prescription) (*Verdict, error) {
	ctx, span := a.tracer.Start(ctx, "advisor_advise",
		trace.WithAttributes(attribute.String("prescription_id", p.ID)))
	defer span.End()

	call := func() (interface{}, error) {
		return a.call(ctx, p)
	}

	var result interface{}
	var err error
	if a.breaker != nil {
		result, err = a.breaker.Execute(ctx, call)
	} else {
		result, err = call()
	}
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, NewError(KindTransport, err)
		}
		return nil, err
	}
	return result.(*Verdict), nil
}

func (a *HTTPAdvisor) call(ctx context.Context, p *prescription.Prescription) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	body, err := json.Marshal(p)
	if err != nil {
		return nil, NewError(KindParse, fmt.Errorf("encode prescription: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, NewError(KindTimeout, err)
		}
		return nil, NewError(KindTransport, err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewError(KindTransport, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, NewError(KindTransport,
			fmt.Errorf("advisor returned status %d", resp.StatusCode))
	}

	verdict, err := ParseVerdict(string(text))
	if err != nil {
		a.logger.Warn("advisor response unparseable",
			zap.String("prescription_id", p.ID),
			zap.Int("response_bytes", len(text)),
			zap.Error(err))
		return nil, err
	}
	return verdict, nil
}
