package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmgate/internal/llm"
	"github.com/allaspectsdev/llmgate/internal/resilience"
	"github.com/allaspectsdev/llmgate/internal/tokenizer"
	"github.com/allaspectsdev/llmgate/internal/tracing"
)

// vendor is the wire-level half of a backend: one attempt, no retries.
type vendor interface {
	initialize(ctx context.Context) error
	generate(ctx context.Context, call *generateCall) (*llm.GenerationResult, error)
	embed(ctx context.Context, model string, texts []string) (*llm.EmbeddingResult, error)
	close() error
}

// generateCall is a request after defaults and budget checks were applied.
type generateCall struct {
	Model        string
	Messages     []llm.Message
	MaxTokens    int
	Temperature  *float64
	Stop         []string
	PromptTokens int
}

// core implements llm.Backend around a vendor: readiness, budget checks,
// admission, retries and usage counters.
type core struct {
	cfg     Config
	kind    string
	vendor  vendor
	budget  *tokenizer.Budget
	limiter *resilience.RateLimiter
	retry   resilience.RetryPolicy
	logger  zerolog.Logger

	initMu sync.Mutex
	ready  bool
	closed bool

	mu          sync.Mutex
	requests    int64
	failures    int64
	tokensUsed  int64
	lastLatency time.Duration
	lastCall    time.Time
	lastSuccess time.Time
}

var _ llm.Backend = (*core)(nil)

func newCore(kind string, cfg Config, v vendor, opts Options) *core {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "backend").Str("backend", cfg.ID).Logger()

	budget := opts.Budget
	if budget == nil {
		budget = tokenizer.New()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = resilience.NewRateLimiter(cfg.Rate, cfg.Burst)
	}

	return &core{
		cfg:     cfg,
		kind:    kind,
		vendor:  v,
		budget:  budget,
		limiter: limiter,
		retry:   cfg.retryPolicy(&logger),
		logger:  logger,
	}
}

func (c *core) ID() string    { return c.cfg.ID }
func (c *core) Model() string { return c.cfg.Model }

// Initialize validates the connection once. A failed attempt may be
// repeated; a successful one makes later calls no-ops.
func (c *core) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.closed {
		return llm.NewError(llm.KindUnavailable, c.cfg.ID, "backend closed", nil)
	}
	if c.ready {
		return nil
	}
	if err := c.vendor.initialize(ctx); err != nil {
		return llm.InitError(c.cfg.ID, err)
	}
	c.ready = true
	c.logger.Debug().Str("type", c.kind).Str("model", c.cfg.Model).Msg("backend initialized")
	return nil
}

// usable makes sure the backend is initialized and open.
func (c *core) usable(ctx context.Context) error {
	c.initMu.Lock()
	ready, closed := c.ready, c.closed
	c.initMu.Unlock()
	if closed {
		return llm.NewError(llm.KindUnavailable, c.cfg.ID, "backend closed", nil)
	}
	if ready {
		return nil
	}
	return c.Initialize(ctx)
}

// contextWindow returns the configured window or the model's known one.
func (c *core) contextWindow(model string) int {
	if c.cfg.ContextWindow > 0 {
		return c.cfg.ContextWindow
	}
	return c.budget.ContextSize(model)
}

// prepare applies backend defaults and keeps the prompt inside the context
// window, truncating plain text prompts when the request allows it.
func (c *core) prepare(req *llm.GenerationRequest) (*generateCall, error) {
	if req == nil || req.Prompt.Empty() {
		return nil, llm.NewError(llm.KindInvalidRequest, c.cfg.ID, "empty prompt", nil)
	}

	call := &generateCall{
		Model:       c.cfg.Model,
		Messages:    req.Prompt.AsMessages(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}
	if call.MaxTokens <= 0 {
		call.MaxTokens = c.cfg.MaxTokens
	}
	if call.Temperature == nil {
		call.Temperature = c.cfg.Temperature
	}

	window := c.contextWindow(call.Model)
	call.PromptTokens = c.budget.CountPrompt(req.Prompt, call.Model)

	if call.PromptTokens >= window && req.Truncate && len(req.Prompt.Messages) == 0 {
		reserve := call.MaxTokens
		if reserve <= 0 {
			reserve = window / 4
		}
		framing := c.budget.Count(llm.RoleUser, call.Model) + tokenizer.MessageOverhead + tokenizer.FormatOverhead
		limit := window - reserve - framing
		if limit > 0 {
			text := c.budget.Truncate(req.Prompt.Text, limit, call.Model)
			call.Messages = llm.TextPrompt(text).AsMessages()
			call.PromptTokens = c.budget.CountPrompt(llm.TextPrompt(text), call.Model)
			c.logger.Debug().Int("limit", limit).Int("prompt_tokens", call.PromptTokens).Msg("prompt truncated to fit context window")
		}
	}

	if call.PromptTokens >= window {
		return nil, llm.TokenLimitError(c.cfg.ID, call.Model, call.PromptTokens, window)
	}
	if call.MaxTokens > 0 && call.PromptTokens+call.MaxTokens > window {
		clamped := window - call.PromptTokens
		c.logger.Debug().Int("requested", call.MaxTokens).Int("clamped", clamped).Msg("max_tokens clamped to context window")
		call.MaxTokens = clamped
	}
	return call, nil
}

// admit waits for a rate limiter token.
func (c *core) admit(ctx context.Context) error {
	if c.limiter.Wait(ctx, c.cfg.rateWait()) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return llm.RateLimitError(c.cfg.ID, 0, "local rate limit: no token within "+c.cfg.rateWait().String())
}

func (c *core) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	if err := c.usable(ctx); err != nil {
		return nil, err
	}
	call, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := c.admit(ctx); err != nil {
		return nil, c.resolve(ctx, err, start, 0)
	}

	res, err := resilience.Retry(ctx, c.retry, func(actx context.Context) (*llm.GenerationResult, error) {
		actx, span := tracing.StartBackendSpan(actx, "generate", c.cfg.ID, call.Model)
		defer span.End()
		r, err := c.vendor.generate(actx, call)
		if err != nil {
			tracing.RecordError(actx, err)
			return nil, err
		}
		tracing.SetUsageAttributes(actx, r.Usage.PromptTokens, r.Usage.CompletionTokens)
		return r, nil
	})
	if err != nil {
		return nil, c.resolve(ctx, err, start, 0)
	}

	if res.Usage.TotalTokens == 0 {
		res.Usage.PromptTokens = call.PromptTokens
		res.Usage.CompletionTokens = c.budget.Count(res.Text, call.Model)
		res.Usage.TotalTokens = res.Usage.PromptTokens + res.Usage.CompletionTokens
	}
	latency := time.Since(start)
	res.Metadata.BackendID = c.cfg.ID
	res.Metadata.Attempted = []string{c.cfg.ID}
	res.Metadata.Latency = latency
	if res.Metadata.Model == "" {
		res.Metadata.Model = call.Model
	}
	c.resolve(ctx, nil, start, res.Usage.TotalTokens)
	return res, nil
}

func (c *core) Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResult, error) {
	if err := c.usable(ctx); err != nil {
		return nil, err
	}
	model := c.cfg.embeddingModel()
	if req == nil || len(req.Texts) == 0 {
		return &llm.EmbeddingResult{
			Vectors:  [][]float32{},
			Metadata: llm.Metadata{BackendID: c.cfg.ID, Model: model, Attempted: []string{}},
		}, nil
	}

	start := time.Now()
	if err := c.admit(ctx); err != nil {
		return nil, c.resolve(ctx, err, start, 0)
	}

	res, err := resilience.Retry(ctx, c.retry, func(actx context.Context) (*llm.EmbeddingResult, error) {
		actx, span := tracing.StartBackendSpan(actx, "embed", c.cfg.ID, model)
		defer span.End()
		r, err := c.vendor.embed(actx, model, req.Texts)
		if err != nil {
			tracing.RecordError(actx, err)
			return nil, err
		}
		return r, nil
	})
	if err == nil && len(res.Vectors) != len(req.Texts) {
		err = llm.CallError(c.cfg.ID, fmt.Errorf("got %d vectors for %d texts", len(res.Vectors), len(req.Texts)))
	}
	if err != nil {
		return nil, c.resolve(ctx, err, start, 0)
	}

	if res.Usage.TotalTokens == 0 {
		for _, t := range req.Texts {
			res.Usage.PromptTokens += c.budget.Count(t, model)
		}
		res.Usage.TotalTokens = res.Usage.PromptTokens
	}
	res.Metadata.BackendID = c.cfg.ID
	res.Metadata.Attempted = []string{c.cfg.ID}
	res.Metadata.Latency = time.Since(start)
	if res.Metadata.Model == "" {
		res.Metadata.Model = model
	}
	c.resolve(ctx, nil, start, res.Usage.TotalTokens)
	return res, nil
}

// resolve updates the counters once a call has finished for good. A call
// abandoned by its caller leaves them untouched.
func (c *core) resolve(ctx context.Context, err error, start time.Time, tokens int) error {
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	c.lastCall = now
	c.lastLatency = now.Sub(start)
	if err != nil {
		c.failures++
		return err
	}
	c.tokensUsed += int64(tokens)
	c.lastSuccess = now
	return nil
}

func (c *core) Stats() llm.Stats {
	c.initMu.Lock()
	ready := c.ready && !c.closed
	c.initMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return llm.Stats{
		ID:          c.cfg.ID,
		Kind:        c.kind,
		Model:       c.cfg.Model,
		Requests:    c.requests,
		Failures:    c.failures,
		TokensUsed:  c.tokensUsed,
		SuccessRate: llm.SuccessRate(c.requests, c.failures),
		LastLatency: c.lastLatency,
		LastCall:    c.lastCall,
		LastSuccess: c.lastSuccess,
		Ready:       ready,
	}
}

func (c *core) Close() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ready = false
	return c.vendor.close()
}
