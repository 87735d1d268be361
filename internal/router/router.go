// Package router selects one of several differently named models behind
// one vendor by explicit id, task, rule or stickiness, and moves on to
// another model when the chosen one fails.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmgate/internal/llm"
	"github.com/allaspectsdev/llmgate/internal/resilience"
)

// Kind is the provider kind reported in stats.
const Kind = "router"

// EmbeddingsTask is the task used for Embed calls that do not set one.
const EmbeddingsTask = "embeddings"

// DefaultMaxAttempts caps how many models one logical request may try.
const DefaultMaxAttempts = 3

// Selection reasons recorded in llm.RouteInfo.Reason.
const (
	ReasonExplicit = "explicit"
	ReasonTask     = "task"
	ReasonRule     = "rule"
	ReasonSticky   = "sticky"
	ReasonDefault  = "default"
	ReasonAny      = "any"
	ReasonDegraded = "degraded"
)

// Config configures a Router. Model ids are the ids of the backends it is
// built with.
type Config struct {
	ID string
	// DefaultModel defaults to the first model.
	DefaultModel string
	// TaskRouting maps a task label to a model id.
	TaskRouting map[string]string
	Rules       []Rule
	// FallbackEnabled lets a failed request move on to another model.
	FallbackEnabled bool
	RetryInterval   time.Duration
	MaxAttempts     int
}

// Options carries optional collaborators.
type Options struct {
	Logger *zerolog.Logger
}

// Router implements llm.Provider over named models.
type Router struct {
	cfg        Config
	order      []string
	models     map[string]llm.Backend
	quarantine *resilience.Quarantine
	logger     zerolog.Logger

	initMu      sync.Mutex
	initialized bool
	closed      bool
	usable      map[string]bool

	mu          sync.Mutex
	sticky      string
	requests    int64
	failures    int64
	tokensUsed  int64
	lastLatency time.Duration
	lastCall    time.Time
	lastSuccess time.Time
}

var _ llm.Provider = (*Router)(nil)

// New creates a router. Rules and task routes must name known models.
func New(cfg Config, models []llm.Backend, opts Options) (*Router, error) {
	if cfg.ID == "" {
		return nil, errors.New("router: id is required")
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("router %s: at least one model is required", cfg.ID)
	}

	r := &Router{
		cfg:        cfg,
		models:     make(map[string]llm.Backend, len(models)),
		quarantine: resilience.NewQuarantine(cfg.RetryInterval),
	}
	for _, m := range models {
		if _, dup := r.models[m.ID()]; dup {
			return nil, fmt.Errorf("router %s: duplicate model id %q", cfg.ID, m.ID())
		}
		r.models[m.ID()] = m
		r.order = append(r.order, m.ID())
	}

	if r.cfg.DefaultModel == "" {
		r.cfg.DefaultModel = r.order[0]
	}
	if _, ok := r.models[r.cfg.DefaultModel]; !ok {
		return nil, fmt.Errorf("router %s: default model %q is not configured", cfg.ID, r.cfg.DefaultModel)
	}
	routes := make(map[string]string, len(cfg.TaskRouting))
	for task, id := range cfg.TaskRouting {
		if _, ok := r.models[id]; !ok {
			return nil, fmt.Errorf("router %s: task %q routes to unknown model %q", cfg.ID, task, id)
		}
		routes[strings.ToLower(task)] = id
	}
	r.cfg.TaskRouting = routes
	for i, rule := range r.cfg.Rules {
		if _, ok := r.models[rule.Model]; !ok {
			return nil, fmt.Errorf("router %s: rule %d (%s) targets unknown model %q", cfg.ID, i, rule, rule.Model)
		}
	}
	if r.cfg.MaxAttempts <= 0 {
		r.cfg.MaxAttempts = DefaultMaxAttempts
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	r.logger = logger.With().Str("component", "router").Str("router", cfg.ID).Logger()
	return r, nil
}

func (r *Router) ID() string { return r.cfg.ID }

// Quarantine exposes the failure record, mainly for tests and diagnostics.
func (r *Router) Quarantine() *resilience.Quarantine { return r.quarantine }

// Sticky returns the model that served the last successful request.
func (r *Router) Sticky() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sticky
}

// Initialize initializes every model. Models that fail are never selected.
// It fails only when no model initializes.
func (r *Router) Initialize(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.closed {
		return llm.NewError(llm.KindUnavailable, r.cfg.ID, "router closed", nil)
	}
	if r.initialized {
		return nil
	}

	usable := make(map[string]bool, len(r.order))
	var errs []error
	for _, id := range r.order {
		if err := r.models[id].Initialize(ctx); err != nil {
			r.logger.Warn().Err(err).Str("model", id).Msg("model failed to initialize, excluding from router")
			errs = append(errs, err)
			continue
		}
		usable[id] = true
	}
	if len(usable) == 0 {
		return llm.InitError(r.cfg.ID, fmt.Errorf("no model initialized: %w", errors.Join(errs...)))
	}
	r.usable = usable
	r.initialized = true
	return nil
}

// ready initializes on first use and returns the usable model ids in
// configuration order.
func (r *Router) ready(ctx context.Context) ([]string, error) {
	r.initMu.Lock()
	closed, initialized := r.closed, r.initialized
	r.initMu.Unlock()
	if closed {
		return nil, llm.NewError(llm.KindUnavailable, r.cfg.ID, "router closed", nil)
	}
	if !initialized {
		if err := r.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	r.initMu.Lock()
	defer r.initMu.Unlock()
	ids := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.usable[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// pick selects a model for q, skipping the ones already tried. The order
// is, first match wins:
//  1. The explicit model id, if live.
//  2. The task routing table, if the mapped model is live.
//  3. The first matching rule whose model is live.
//  4. The sticky model, if live.
//  5. The default model, if live.
//  6. Any live model.
//  7. With fallback enabled, the most recently failed quarantined model.
func (r *Router) pick(q query, usable []string, tried map[string]bool) (id, reason string) {
	candidate := make(map[string]bool, len(usable))
	for _, u := range usable {
		if !tried[u] {
			candidate[u] = true
		}
	}
	live := func(id string) bool {
		return id != "" && candidate[id] && !r.quarantine.IsQuarantined(id)
	}

	if live(q.modelID) {
		return q.modelID, ReasonExplicit
	}
	if id := r.cfg.TaskRouting[strings.ToLower(q.task)]; q.task != "" && live(id) {
		return id, ReasonTask
	}
	for _, rule := range r.cfg.Rules {
		if rule.matches(q) && live(rule.Model) {
			return rule.Model, ReasonRule
		}
	}
	if s := r.Sticky(); live(s) {
		return s, ReasonSticky
	}
	if live(r.cfg.DefaultModel) {
		return r.cfg.DefaultModel, ReasonDefault
	}
	for _, id := range usable {
		if live(id) {
			return id, ReasonAny
		}
	}

	if !r.cfg.FallbackEnabled {
		return "", ""
	}
	rest := make([]string, 0, len(candidate))
	for _, id := range usable {
		if candidate[id] {
			rest = append(rest, id)
		}
	}
	if id, ok := r.quarantine.Newest(rest); ok {
		return id, ReasonDegraded
	}
	if len(rest) > 0 {
		return rest[0], ReasonAny
	}
	return "", ""
}

// dispatch is the selection loop shared by Generate and Embed.
func dispatch[T any](ctx context.Context, r *Router, q query,
	call func(ctx context.Context, b llm.Backend) (T, error),
	meta func(T) *llm.Metadata,
	tokens func(T) int,
) (T, error) {
	var zero T
	usable, err := r.ready(ctx)
	if err != nil {
		return zero, err
	}

	limit := min(len(usable), r.cfg.MaxAttempts)
	if !r.cfg.FallbackEnabled {
		limit = 1
	}

	start := time.Now()
	tried := make(map[string]bool, limit)
	var attempts []llm.Attempt
	for len(attempts) < limit {
		id, reason := r.pick(q, usable, tried)
		if id == "" {
			break
		}
		if reason == ReasonDegraded {
			r.logger.Warn().Str("model", id).Msg("all models quarantined, using most recently failed")
		}

		t0 := time.Now()
		res, err := call(ctx, r.models[id])
		if err == nil {
			r.quarantine.Clear(id)
			triedIDs := make([]string, 0, len(attempts)+1)
			for _, a := range attempts {
				triedIDs = append(triedIDs, a.Target)
			}
			triedIDs = append(triedIDs, id)

			selectedBy := llm.SelectedRouter
			if reason == ReasonExplicit {
				selectedBy = llm.SelectedDirect
			}
			md := meta(res)
			md.BackendID = id
			md.Attempted = triedIDs
			md.Fallback = len(attempts) > 0
			md.Latency = time.Since(start)
			md.Route = &llm.RouteInfo{ModelID: id, SelectedBy: selectedBy, Reason: reason, TriedModels: triedIDs}
			r.record(start, nil, tokens(res), id)
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		tried[id] = true
		attempts = append(attempts, llm.Attempt{Target: id, Err: err, Latency: time.Since(t0)})
		if llm.IsPermanent(err) {
			r.record(start, err, 0, "")
			return zero, err
		}
		r.quarantine.MarkFailed(id)
		r.logger.Warn().Err(err).Str("model", id).Str("reason", reason).Int("attempt", len(attempts)).Msg("model quarantined")
	}

	if len(attempts) == 0 {
		err := llm.NewError(llm.KindUnavailable, r.cfg.ID, "no model available", nil)
		r.record(start, err, 0, "")
		return zero, err
	}
	aerr := &llm.AllFailedError{Target: r.cfg.ID, Attempts: attempts}
	r.record(start, aerr, 0, "")
	return zero, aerr
}

// record updates the counters and, on success, the sticky model.
func (r *Router) record(start time.Time, err error, tokens int, model string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
	r.lastCall = now
	r.lastLatency = now.Sub(start)
	if err != nil {
		r.failures++
		return
	}
	r.tokensUsed += int64(tokens)
	r.lastSuccess = now
	r.sticky = model
}

func (r *Router) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	if req == nil || req.Prompt.Empty() {
		return nil, llm.NewError(llm.KindInvalidRequest, r.cfg.ID, "empty prompt", nil)
	}
	q := generationQuery(req)
	return dispatch(ctx, r, q,
		func(ctx context.Context, b llm.Backend) (*llm.GenerationResult, error) { return b.Generate(ctx, req) },
		func(res *llm.GenerationResult) *llm.Metadata { return &res.Metadata },
		func(res *llm.GenerationResult) int { return res.Usage.TotalTokens },
	)
}

func (r *Router) Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResult, error) {
	if req == nil {
		req = &llm.EmbeddingRequest{}
	}
	q := query{modelID: req.ModelID, task: req.Task}
	if q.task == "" {
		q.task = EmbeddingsTask
	}
	return dispatch(ctx, r, q,
		func(ctx context.Context, b llm.Backend) (*llm.EmbeddingResult, error) { return b.Embed(ctx, req) },
		func(res *llm.EmbeddingResult) *llm.Metadata { return &res.Metadata },
		func(res *llm.EmbeddingResult) int { return res.Usage.TotalTokens },
	)
}

// Stats reports router-level counters, the sticky model and every model's
// own snapshot.
func (r *Router) Stats() llm.Stats {
	r.initMu.Lock()
	ready := r.initialized && !r.closed
	r.initMu.Unlock()

	members := make([]llm.Stats, len(r.order))
	for i, id := range r.order {
		members[i] = r.models[id].Stats()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return llm.Stats{
		ID:          r.cfg.ID,
		Kind:        Kind,
		Model:       r.cfg.DefaultModel,
		Requests:    r.requests,
		Failures:    r.failures,
		TokensUsed:  r.tokensUsed,
		SuccessRate: llm.SuccessRate(r.requests, r.failures),
		LastLatency: r.lastLatency,
		LastCall:    r.lastCall,
		LastSuccess: r.lastSuccess,
		Ready:       ready,
		Quarantined: r.quarantine.Members(),
		Current:     r.sticky,
		Members:     members,
	}
}

// Close closes every model. The router cannot be used afterward.
func (r *Router) Close() error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.usable = nil

	var errs []error
	for _, id := range r.order {
		if err := r.models[id].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
