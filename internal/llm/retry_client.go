package llm

import (
	"context"
	"time"

	"compass/internal/agent/ports"
	"compass/internal/errors"
	"compass/internal/logging"
)

// retryClient wraps an LLM client with retry logic and a circuit breaker.
// Transient upstream failures (rate limits, 5xx, network) are retried with
// backoff; everything else fails fast. Exhausted retries surface as a
// ModelCallError so callers can tell "model unavailable" apart from their
// own failures.
type retryClient struct {
	underlying     ports.LLMClient
	retryConfig    errors.RetryConfig
	circuitBreaker *errors.CircuitBreaker
	logger         logging.Logger
}

// NewRetryClient wraps client with retry and circuit breaker logic.
func NewRetryClient(client ports.LLMClient, retryConfig errors.RetryConfig, circuitBreaker *errors.CircuitBreaker) ports.LLMClient {
	return &retryClient{
		underlying:     client,
		retryConfig:    retryConfig,
		circuitBreaker: circuitBreaker,
		logger:         logging.NewComponentLogger("llm-retry"),
	}
}

// WrapWithRetry wraps an existing LLM client with retry logic and a breaker
// named after its model.
func WrapWithRetry(client ports.LLMClient, retryConfig errors.RetryConfig, breakerConfig errors.CircuitBreakerConfig) ports.LLMClient {
	breaker := errors.NewCircuitBreaker("llm-"+client.Model(), breakerConfig)
	return NewRetryClient(client, retryConfig, breaker)
}

func (c *retryClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	start := time.Now()

	resp, err := errors.RetryWithResult(ctx, c.retryConfig, func(ctx context.Context) (*ports.CompletionResponse, error) {
		return errors.ExecuteFunc(c.circuitBreaker, ctx, func(ctx context.Context) (*ports.CompletionResponse, error) {
			return c.underlying.Complete(ctx, req)
		})
	}, c.logger)

	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("model call failed after retries (took %v): %v", duration, err)
		return nil, &errors.ModelCallError{Attempts: c.retryConfig.MaxAttempts, Err: err}
	}

	if duration > 5*time.Second {
		c.logger.Debug("model call succeeded after %v", duration)
	}
	return resp, nil
}

func (c *retryClient) Model() string {
	return c.underlying.Model()
}
