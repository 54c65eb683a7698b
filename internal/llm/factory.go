package llm

import (
	"fmt"

	"compass/internal/agent/ports"
	"compass/internal/config"
	"compass/internal/errors"
)

// New builds the configured provider wrapped with retry and circuit breaker
// protection.
func New(cfg config.LLMConfig) (ports.LLMClient, error) {
	var (
		client ports.LLMClient
		err    error
	)
	switch cfg.Provider {
	case "openai", "":
		client, err = NewOpenAIClient(cfg)
	case "mock":
		client = NewMockClient()
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WrapWithRetry(client, errors.DefaultRetryConfig(), errors.DefaultCircuitBreakerConfig()), nil
}
