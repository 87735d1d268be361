package backend

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/llmgate/internal/resilience"
	"github.com/allaspectsdev/llmgate/internal/tokenizer"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultTimeout    = 60 * time.Second
	DefaultRateWait   = 30 * time.Second
	DefaultAPIVersion = "2023-05-15"
	openAIBaseURL     = "https://api.openai.com/v1"
)

// Config describes one vendor connection. It is not modified after the
// backend is built.
type Config struct {
	ID                  string
	Type                string
	APIKey              string
	BaseURL             string
	Model               string
	EmbeddingModel      string
	Resource            string
	Deployment          string
	EmbeddingDeployment string
	APIVersion          string
	Organization        string
	Headers             map[string]string

	// Timeout bounds each attempt.
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	BackoffFactor  float64

	// Rate and Burst configure this backend's own limiter when no shared
	// limiter is supplied. RateWait bounds how long a call queues for a
	// token.
	Rate     float64
	Burst    int
	RateWait time.Duration

	ContextWindow int
	MaxTokens     int
	Temperature   *float64
	VerifyOnInit  bool
}

// retryPolicy derives the per-call retry policy.
func (c Config) retryPolicy(logger *zerolog.Logger) resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	p.MaxRetries = max(c.MaxRetries, 0)
	if c.RetryBaseDelay > 0 {
		p.BaseDelay = c.RetryBaseDelay
	}
	if c.BackoffFactor >= 1 {
		p.BackoffFactor = c.BackoffFactor
	}
	p.AttemptTimeout = c.timeout()
	p.Logger = logger
	return p
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c Config) rateWait() time.Duration {
	if c.RateWait > 0 {
		return c.RateWait
	}
	return DefaultRateWait
}

func (c Config) embeddingModel() string {
	if c.EmbeddingModel != "" {
		return c.EmbeddingModel
	}
	return c.Model
}

// Options carries the collaborators a backend is built with.
type Options struct {
	Budget *tokenizer.Budget
	// Limiter, when set, is shared with other backends and overrides the
	// per-backend Rate and Burst.
	Limiter    *resilience.RateLimiter
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}
