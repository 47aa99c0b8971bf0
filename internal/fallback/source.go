package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/resilience"
	"github.com/sells-group/osa-gateway/pkg/odp"
)

// SourceFetcher loads live vendor data for a widget.
type SourceFetcher interface {
	Fetch(ctx context.Context, pageID, widgetID string) (model.Payload, error)
}

// ODPSourceConfig bounds calls to ODP.
type ODPSourceConfig struct {
	Retries          int
	Backoff          time.Duration
	Timeout          time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

// ODPSource fetches widget data from ODP through a circuit breaker, retrying
// transient failures.
type ODPSource struct {
	client  odp.Client
	breaker *resilience.CircuitBreaker
	policy  resilience.RetryPolicy
}

// NewODPSource wraps an ODP client.
func NewODPSource(client odp.Client, cfg ODPSourceConfig) *ODPSource {
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &ODPSource{
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:             "odp",
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
		}),
		policy: resilience.RetryPolicy{
			MaxAttempts:    cfg.Retries + 1,
			Backoff:        backoff,
			Multiplier:     2,
			AttemptTimeout: cfg.Timeout,
			ShouldRetry:    resilience.IsTransient,
			OnRetry:        resilience.RetryLogger("odp", "widget_data"),
		},
	}
}

// Fetch implements SourceFetcher. Every error is a TransportError.
func (s *ODPSource) Fetch(ctx context.Context, pageID, widgetID string) (model.Payload, error) {
	data, err := resilience.Call(ctx, s.breaker, func(ctx context.Context) (model.Payload, error) {
		return resilience.Do(ctx, s.policy, func(ctx context.Context, _ int) (model.Payload, error) {
			resp, err := s.client.WidgetData(ctx, pageID, widgetID)
			if err != nil {
				return nil, classify(err)
			}
			return model.Payload(resp.Data), nil
		})
	})
	if err != nil {
		return nil, resilience.TransportError("fetch "+pageID+"/"+widgetID, err)
	}
	return data, nil
}

// Breaker exposes the circuit breaker state for health reporting.
func (s *ODPSource) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}

func classify(err error) error {
	var se *odp.StatusError
	if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.StatusCode) {
		return resilience.NewTransientError(err, se.StatusCode)
	}
	return err
}
