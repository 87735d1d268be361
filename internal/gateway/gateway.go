// Package gateway is the single call surface over every configured
// provider. It resolves a target per request, tracks provider health and
// moves the default provider when it stops working.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/allaspectsdev/llmgate/internal/llm"
	"github.com/allaspectsdev/llmgate/internal/resilience"
	"github.com/allaspectsdev/llmgate/internal/tracing"
)

// Config holds the routing settings that may change at runtime.
type Config struct {
	// DefaultProvider defaults to the first provider.
	DefaultProvider string
	AutoFallback    bool
	ErrorThreshold  int
	// TaskRouting maps a task label to a provider id.
	TaskRouting map[string]string
}

// Options carries optional collaborators.
type Options struct {
	Logger    *zerolog.Logger
	Observers []Observer
	Cache     EmbeddingCache
}

// ProviderStats is the per-provider health snapshot served to operators.
type ProviderStats struct {
	ID          string                    `json:"id"`
	Kind        string                    `json:"kind"`
	Default     bool                      `json:"default"`
	Available   bool                      `json:"available"`
	ErrorCount  int                       `json:"error_count"`
	Requests    int64                     `json:"requests"`
	TokensUsed  int64                     `json:"tokens_used"`
	SuccessRate float64                   `json:"success_rate"`
	Health      resilience.HealthSnapshot `json:"health"`
	Detail      llm.Stats                 `json:"detail"`
}

// Gateway dispatches calls to providers. It owns them and closes them in
// Close.
type Gateway struct {
	providers map[string]llm.Provider
	kinds     map[string]string
	order     []string
	health    *resilience.HealthRegistry
	observers []Observer
	cache     EmbeddingCache
	logger    zerolog.Logger

	mu           sync.RWMutex
	defaultID    string
	taskRouting  map[string]string
	autoFallback bool
	closed       bool
}

// New creates a gateway over providers, in priority order for fallback.
func New(cfg Config, providers []llm.Provider, opts Options) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, errors.New("gateway: no providers configured")
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	g := &Gateway{
		providers:    make(map[string]llm.Provider, len(providers)),
		kinds:        make(map[string]string, len(providers)),
		health:       resilience.NewHealthRegistry(cfg.ErrorThreshold),
		observers:    opts.Observers,
		cache:        opts.Cache,
		logger:       logger.With().Str("component", "gateway").Logger(),
		autoFallback: cfg.AutoFallback,
	}
	for _, p := range providers {
		if _, dup := g.providers[p.ID()]; dup {
			return nil, fmt.Errorf("gateway: duplicate provider id %q", p.ID())
		}
		g.providers[p.ID()] = p
		g.kinds[p.ID()] = p.Stats().Kind
		g.order = append(g.order, p.ID())
	}

	g.defaultID = cfg.DefaultProvider
	if g.defaultID == "" {
		g.defaultID = g.order[0]
	}
	if _, ok := g.providers[g.defaultID]; !ok {
		return nil, fmt.Errorf("gateway: default provider %q is not configured", g.defaultID)
	}
	if err := g.SetTaskRouting(cfg.TaskRouting); err != nil {
		return nil, err
	}
	return g, nil
}

// Initialize initializes every provider concurrently. Providers that fail
// are closed and removed; it is an error only if none is left. When the
// default provider is removed the default moves to the first remaining one.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return llm.NewError(llm.KindUnavailable, "gateway", "gateway closed", nil)
	}

	errs := make([]error, len(g.order))
	var eg errgroup.Group
	for i, id := range g.order {
		p := g.providers[id]
		eg.Go(func() error {
			errs[i] = p.Initialize(ctx)
			return nil
		})
	}
	eg.Wait() //nolint:errcheck

	kept := g.order[:0:0]
	var failed []error
	for i, id := range g.order {
		if errs[i] == nil {
			kept = append(kept, id)
			continue
		}
		g.logger.Error().Err(errs[i]).Str("provider", id).Msg("provider failed to initialize, excluding")
		failed = append(failed, fmt.Errorf("%s: %w", id, errs[i]))
		g.providers[id].Close() //nolint:errcheck
		delete(g.providers, id)
		delete(g.kinds, id)
		g.health.Delete(id)
	}
	g.order = kept
	if len(g.order) == 0 {
		return llm.InitError("gateway", errors.Join(failed...))
	}

	for task, id := range g.taskRouting {
		if _, ok := g.providers[id]; !ok {
			g.logger.Warn().Str("task", task).Str("provider", id).Msg("task route points at excluded provider, dropping")
			delete(g.taskRouting, task)
		}
	}
	if _, ok := g.providers[g.defaultID]; !ok {
		g.logger.Warn().Str("from", g.defaultID).Str("to", g.order[0]).Msg("default provider excluded, switching")
		g.defaultID = g.order[0]
	}
	g.logger.Info().Strs("providers", g.order).Str("default", g.defaultID).Msg("gateway initialized")
	return nil
}

// target is one resolved dispatch decision.
type target struct {
	id       string
	provider llm.Provider
	explicit bool
}

// resolve picks the provider for a call: the explicit id, the task route
// when that provider is available, else the default. An unavailable default
// is replaced first when auto-fallback is on.
func (g *Gateway) resolve(providerID, task string) (target, error) {
	g.mu.RLock()
	closed := g.closed
	def, route := g.defaultID, g.taskRouting[strings.ToLower(task)]
	g.mu.RUnlock()

	if closed {
		return target{}, llm.NewError(llm.KindUnavailable, "gateway", "gateway closed", nil)
	}
	if providerID != "" {
		p, ok := g.lookup(providerID)
		if !ok {
			return target{}, llm.NewError(llm.KindInvalidRequest, "gateway", fmt.Sprintf("unknown provider %q", providerID), nil)
		}
		return target{id: providerID, provider: p, explicit: true}, nil
	}
	if task != "" && route != "" && g.health.Get(route).Available() {
		if p, ok := g.lookup(route); ok {
			return target{id: route, provider: p}, nil
		}
	}
	if !g.health.Get(def).Available() {
		if next, ok := g.switchDefault(def); ok {
			def = next
		}
	}
	p, ok := g.lookup(def)
	if !ok {
		return target{}, llm.NewError(llm.KindUnavailable, "gateway", "no provider available", nil)
	}
	return target{id: def, provider: p}, nil
}

func (g *Gateway) lookup(id string) (llm.Provider, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.providers[id]
	return p, ok
}

// switchDefault moves the default away from failed to the first other
// available provider. It reports the new default, or false when auto
// fallback is off, the default already moved elsewhere, or nothing else is
// available.
func (g *Gateway) switchDefault(failed string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.autoFallback || g.closed {
		return "", false
	}
	if g.defaultID != failed {
		return g.defaultID, g.defaultID != ""
	}
	for _, id := range g.order {
		if id != failed && g.health.Get(id).Available() {
			g.defaultID = id
			g.logger.Warn().Str("from", failed).Str("to", id).Msg("default provider switched")
			return id, true
		}
	}
	g.logger.Warn().Str("provider", failed).Msg("default provider failing and no fallback available")
	return "", false
}

// fail records a provider failure in its health counter.
func (g *Gateway) fail(id string, err error) {
	if g.health.Get(id).RecordFailure(err) {
		g.logger.Warn().Err(err).Str("provider", id).Msg("provider reached error threshold, marked unavailable")
	}
}

// isDefault reports whether id is the current default provider.
func (g *Gateway) isDefault(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.defaultID == id
}

// call runs op against the resolved target and, when the default provider
// fails with a transient error, once against its replacement.
func call[T any](ctx context.Context, g *Gateway, t target, op func(ctx context.Context, p llm.Provider) (T, error)) (T, target, []string, error) {
	var zero T
	res, err := op(ctx, t.provider)
	if err == nil {
		g.health.Get(t.id).RecordSuccess()
		return res, t, nil, nil
	}
	if ctx.Err() != nil {
		return zero, t, nil, ctx.Err()
	}
	if llm.IsPermanent(err) {
		return zero, t, nil, err
	}

	g.fail(t.id, err)
	if !g.isDefault(t.id) {
		return zero, t, nil, err
	}
	next, ok := g.switchDefault(t.id)
	if !ok || next == t.id {
		return zero, t, nil, err
	}
	np, ok := g.lookup(next)
	if !ok {
		return zero, t, nil, err
	}

	tried := triedTargets(t.id, err)
	g.logger.Info().Str("from", t.id).Str("to", next).Msg("retrying on fallback provider")
	nt := target{id: next, provider: np}
	res, err2 := op(ctx, np)
	if err2 == nil {
		g.health.Get(next).RecordSuccess()
		return res, nt, tried, nil
	}
	if ctx.Err() != nil {
		return zero, nt, nil, ctx.Err()
	}
	if !llm.IsPermanent(err2) {
		g.fail(next, err2)
	}
	return zero, nt, nil, &llm.AllFailedError{
		Target: "gateway",
		Attempts: []llm.Attempt{
			{Target: t.id, Err: err},
			{Target: next, Err: err2},
		},
	}
}

// triedTargets lists the backends a failed provider attempted, or the
// provider itself when it does not say.
func triedTargets(id string, err error) []string {
	var all *llm.AllFailedError
	if errors.As(err, &all) {
		return all.Targets()
	}
	return []string{id}
}

// Generate serves a generation request.
func (g *Gateway) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	if req == nil {
		req = &llm.GenerationRequest{}
	}
	ctx, span := tracing.StartGatewaySpan(ctx, OpGenerate, req.Task)
	defer span.End()

	ev := Event{RequestID: uuid.NewString(), Op: OpGenerate, Task: req.Task, Time: time.Now()}
	defer func() { g.notify(ctx, &ev) }()

	t, err := g.resolve(req.ProviderID, req.Task)
	if err != nil {
		ev.Err = err
		return nil, err
	}
	ev.ProviderID = t.id

	res, used, tried, err := call(ctx, g, t, func(ctx context.Context, p llm.Provider) (*llm.GenerationResult, error) {
		return p.Generate(ctx, req)
	})
	ev.ProviderID, ev.ProviderKind = used.id, g.kinds[used.id]
	if err != nil {
		ev.Err = err
		return nil, err
	}

	g.finish(&res.Metadata, &ev, used, tried, req.Task)
	ev.Usage = res.Usage
	return res, nil
}

// Embed serves an embedding request, consulting the cache first when one
// is configured.
func (g *Gateway) Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResult, error) {
	if req == nil {
		req = &llm.EmbeddingRequest{}
	}
	ctx, span := tracing.StartGatewaySpan(ctx, OpEmbed, req.Task)
	defer span.End()

	ev := Event{RequestID: uuid.NewString(), Op: OpEmbed, Task: req.Task, Time: time.Now()}
	defer func() { g.notify(ctx, &ev) }()

	t, err := g.resolve(req.ProviderID, req.Task)
	if err != nil {
		ev.Err = err
		return nil, err
	}
	ev.ProviderID, ev.ProviderKind = t.id, g.kinds[t.id]

	if len(req.Texts) == 0 {
		res := &llm.EmbeddingResult{Vectors: [][]float32{}}
		g.finish(&res.Metadata, &ev, t, nil, req.Task)
		return res, nil
	}

	if g.cache != nil {
		if vectors, ok := g.cache.Get(t.id, req.ModelID, req.Texts); ok {
			res := &llm.EmbeddingResult{Vectors: vectors}
			res.Metadata.Cached = true
			g.finish(&res.Metadata, &ev, t, nil, req.Task)
			ev.Cached = true
			return res, nil
		}
	}

	res, used, tried, err := call(ctx, g, t, func(ctx context.Context, p llm.Provider) (*llm.EmbeddingResult, error) {
		return p.Embed(ctx, req)
	})
	ev.ProviderID, ev.ProviderKind = used.id, g.kinds[used.id]
	if err != nil {
		ev.Err = err
		return nil, err
	}

	// A router or pool that fell back served another model's vectors, and
	// those must not answer later reads for the requested model.
	if g.cache != nil && !res.Metadata.Fallback {
		g.cache.Put(used.id, req.ModelID, req.Texts, res.Vectors)
	}
	g.finish(&res.Metadata, &ev, used, tried, req.Task)
	ev.Usage = res.Usage
	return res, nil
}

// finish stamps gateway fields onto a result's metadata and mirrors them
// into the event.
func (g *Gateway) finish(md *llm.Metadata, ev *Event, t target, tried []string, task string) {
	md.RequestID = ev.RequestID
	md.ProviderID = t.id
	md.ProviderKind = g.kinds[t.id]
	md.Task = task
	if len(tried) > 0 {
		md.Attempted = append(slices.Clone(tried), md.Attempted...)
		md.Fallback = true
	}
	if md.Attempted == nil {
		md.Attempted = []string{}
	}
	md.Latency = time.Since(ev.Time)

	ev.BackendID = md.BackendID
	ev.Model = md.Model
	ev.Attempted = md.Attempted
	ev.Fallback = md.Fallback
	ev.Latency = md.Latency
}

func (g *Gateway) notify(ctx context.Context, ev *Event) {
	if ev.Latency == 0 {
		ev.Latency = time.Since(ev.Time)
	}
	tracing.SetRouteAttributes(ctx, ev.RequestID, ev.ProviderID, ev.BackendID, ev.Attempted)
	if ev.Err != nil {
		tracing.RecordError(ctx, ev.Err)
	}
	for _, o := range g.observers {
		o.Observe(*ev)
	}
}

// DefaultProvider returns the current default provider id.
func (g *Gateway) DefaultProvider() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.defaultID
}

// SetDefaultProvider makes id the default.
func (g *Gateway) SetDefaultProvider(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.providers[id]; !ok {
		return fmt.Errorf("gateway: unknown provider %q", id)
	}
	g.defaultID = id
	return nil
}

// SetTaskRouting replaces the task routing table. Task labels are
// case-insensitive.
func (g *Gateway) SetTaskRouting(routes map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	table := make(map[string]string, len(routes))
	for task, id := range routes {
		if _, ok := g.providers[id]; !ok {
			return fmt.Errorf("gateway: task %q routes to unknown provider %q", task, id)
		}
		table[strings.ToLower(task)] = id
	}
	g.taskRouting = table
	return nil
}

// SetAutoFallback turns default-provider fallback on or off.
func (g *Gateway) SetAutoFallback(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.autoFallback = on
}

// ResetProvider marks id available again and lifts the quarantine of its
// members.
func (g *Gateway) ResetProvider(id string) error {
	p, ok := g.lookup(id)
	if !ok {
		return fmt.Errorf("gateway: unknown provider %q", id)
	}
	g.health.Get(id).Reset()
	if q, ok := p.(interface{ Quarantine() *resilience.Quarantine }); ok {
		q.Quarantine().Reset()
	}
	g.logger.Info().Str("provider", id).Msg("provider reset")
	return nil
}

// Health returns the health tracker of provider id.
func (g *Gateway) Health(id string) *resilience.Health {
	return g.health.Get(id)
}

// Providers lists provider ids in priority order.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.order)
}

// Provider returns the provider with the given id.
func (g *Gateway) Provider(id string) (llm.Provider, bool) {
	return g.lookup(id)
}

// Stats returns a snapshot per provider.
func (g *Gateway) Stats() map[string]ProviderStats {
	g.mu.RLock()
	ids := slices.Clone(g.order)
	def := g.defaultID
	g.mu.RUnlock()

	out := make(map[string]ProviderStats, len(ids))
	for _, id := range ids {
		p, ok := g.lookup(id)
		if !ok {
			continue
		}
		st := p.Stats()
		h := g.health.Get(id).Snapshot()
		out[id] = ProviderStats{
			ID:          id,
			Kind:        st.Kind,
			Default:     id == def,
			Available:   h.Available,
			ErrorCount:  h.ErrorCount,
			Requests:    st.Requests,
			TokensUsed:  st.TokensUsed,
			SuccessRate: st.SuccessRate,
			Health:      h,
			Detail:      st,
		}
	}
	return out
}

// Close closes every provider. Later calls fail with KindUnavailable.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	var errs []error
	for _, id := range g.order {
		if err := g.providers[id].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
		}
	}
	g.providers = map[string]llm.Provider{}
	g.order = nil
	return errors.Join(errs...)
}
