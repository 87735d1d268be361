// Package pool balances calls across a homogeneous set of backends and
// fails over to the next member when one fails.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmgate/internal/llm"
	"github.com/allaspectsdev/llmgate/internal/resilience"
)

// Kind is the provider kind reported in stats.
const Kind = "pool"

// DefaultMaxAttempts caps how many members one logical request may try.
const DefaultMaxAttempts = 3

// Config configures a Pool.
type Config struct {
	ID       string
	Strategy Strategy
	// RetryInterval is how long a failed member is skipped.
	RetryInterval time.Duration
	// Failover enables trying other members after a failure and the
	// degraded pick when every member is quarantined.
	Failover    bool
	MaxAttempts int
}

// Options carries optional collaborators.
type Options struct {
	Logger *zerolog.Logger
	// Intn replaces the random source of the random strategy.
	Intn func(n int) int
}

// Pool implements llm.Provider over a fixed list of members.
type Pool struct {
	cfg        Config
	members    []llm.Backend
	selector   selector
	quarantine *resilience.Quarantine
	logger     zerolog.Logger

	initMu      sync.Mutex
	initialized bool
	closed      bool
	usable      map[string]bool

	mu          sync.Mutex
	requests    int64
	failures    int64
	tokensUsed  int64
	lastLatency time.Duration
	lastCall    time.Time
	lastSuccess time.Time
}

var _ llm.Provider = (*Pool)(nil)

// New creates a pool over members. Member ids must be unique.
func New(cfg Config, members []llm.Backend, opts Options) (*Pool, error) {
	if cfg.ID == "" {
		return nil, errors.New("pool: id is required")
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("pool %s: at least one backend is required", cfg.ID)
	}
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if seen[m.ID()] {
			return nil, fmt.Errorf("pool %s: duplicate backend id %q", cfg.ID, m.ID())
		}
		seen[m.ID()] = true
	}
	if cfg.Strategy == "" {
		cfg.Strategy = RoundRobin
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Pool{
		cfg:        cfg,
		members:    members,
		selector:   newSelector(cfg.Strategy, opts.Intn),
		quarantine: resilience.NewQuarantine(cfg.RetryInterval),
		logger:     logger.With().Str("component", "pool").Str("pool", cfg.ID).Logger(),
	}, nil
}

func (p *Pool) ID() string { return p.cfg.ID }

// Quarantine exposes the failure record, mainly for tests and diagnostics.
func (p *Pool) Quarantine() *resilience.Quarantine { return p.quarantine }

// Initialize initializes every member. Members that fail stay in the pool
// but are never selected. It fails only when no member initializes.
func (p *Pool) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.closed {
		return llm.NewError(llm.KindUnavailable, p.cfg.ID, "pool closed", nil)
	}
	if p.initialized {
		return nil
	}

	usable := make(map[string]bool, len(p.members))
	var errs []error
	for _, m := range p.members {
		if err := m.Initialize(ctx); err != nil {
			p.logger.Warn().Err(err).Str("backend", m.ID()).Msg("backend failed to initialize, excluding from pool")
			errs = append(errs, err)
			continue
		}
		usable[m.ID()] = true
	}
	if len(usable) == 0 {
		return llm.InitError(p.cfg.ID, fmt.Errorf("no backend initialized: %w", errors.Join(errs...)))
	}
	p.usable = usable
	p.initialized = true
	p.logger.Debug().Int("backends", len(usable)).Str("strategy", string(p.cfg.Strategy)).Msg("pool initialized")
	return nil
}

// ready initializes the pool on first use and returns the usable members.
func (p *Pool) ready(ctx context.Context) ([]llm.Backend, error) {
	p.initMu.Lock()
	closed, initialized := p.closed, p.initialized
	p.initMu.Unlock()
	if closed {
		return nil, llm.NewError(llm.KindUnavailable, p.cfg.ID, "pool closed", nil)
	}
	if !initialized {
		if err := p.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	p.initMu.Lock()
	defer p.initMu.Unlock()
	out := make([]llm.Backend, 0, len(p.members))
	for _, m := range p.members {
		if p.usable[m.ID()] {
			out = append(out, m)
		}
	}
	return out, nil
}

// next picks a member not yet tried in this request, scanning from the
// member after last. When all untried members are quarantined and failover
// is on, the least recently failed one is returned with degraded set.
func (p *Pool) next(candidates []llm.Backend, tried map[string]bool, last string) (b llm.Backend, degraded bool) {
	var live, benched []llm.Backend
	for _, m := range rotateAfter(candidates, last) {
		if tried[m.ID()] {
			continue
		}
		if p.quarantine.IsQuarantined(m.ID()) {
			benched = append(benched, m)
			continue
		}
		live = append(live, m)
	}
	if len(live) > 0 {
		return p.selector.pick(live, last != ""), false
	}
	if len(benched) == 0 || !p.cfg.Failover {
		return nil, false
	}

	ids := make([]string, len(benched))
	for i, m := range benched {
		ids[i] = m.ID()
	}
	id, ok := p.quarantine.Oldest(ids)
	if !ok {
		// Entries expired between the two reads; any member will do.
		return benched[0], false
	}
	for _, m := range benched {
		if m.ID() == id {
			return m, true
		}
	}
	return nil, false
}

// rotateAfter returns members reordered to start just after the member
// with id last. An empty or unknown id leaves the order unchanged.
func rotateAfter(members []llm.Backend, last string) []llm.Backend {
	if last == "" {
		return members
	}
	for i, m := range members {
		if m.ID() == last {
			out := make([]llm.Backend, 0, len(members))
			out = append(out, members[i+1:]...)
			return append(out, members[:i+1]...)
		}
	}
	return members
}

// attempt runs one call against a member.
type attempt[T any] func(ctx context.Context, b llm.Backend) (T, error)

// dispatch is the failover loop shared by Generate and Embed. meta returns
// the result's metadata so the loop can fill in the attempted list.
func dispatch[T any](ctx context.Context, p *Pool, call attempt[T], meta func(T) *llm.Metadata, tokens func(T) int) (T, error) {
	var zero T
	candidates, err := p.ready(ctx)
	if err != nil {
		return zero, err
	}

	limit := min(len(candidates), p.cfg.MaxAttempts)
	if !p.cfg.Failover {
		limit = 1
	}

	start := time.Now()
	tried := make(map[string]bool, limit)
	var (
		attempts []llm.Attempt
		last     string
	)
	for len(attempts) < limit {
		b, degraded := p.next(candidates, tried, last)
		if b == nil {
			break
		}
		if degraded {
			p.logger.Warn().Str("backend", b.ID()).Msg("all backends quarantined, using least recently failed")
		}

		t0 := time.Now()
		res, err := call(ctx, b)
		if err == nil {
			p.quarantine.Clear(b.ID())
			md := meta(res)
			md.Attempted = append(attemptedIDs(attempts), b.ID())
			md.BackendID = b.ID()
			md.Fallback = len(attempts) > 0
			md.Latency = time.Since(start)
			p.record(start, nil, tokens(res))
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		tried[b.ID()] = true
		last = b.ID()
		attempts = append(attempts, llm.Attempt{Target: b.ID(), Err: err, Latency: time.Since(t0)})
		if llm.IsPermanent(err) {
			p.record(start, err, 0)
			return zero, err
		}
		p.quarantine.MarkFailed(b.ID())
		p.logger.Warn().Err(err).Str("backend", b.ID()).Int("attempt", len(attempts)).Msg("backend quarantined")
	}

	if len(attempts) == 0 {
		err := llm.NewError(llm.KindUnavailable, p.cfg.ID, "no backend available", nil)
		p.record(start, err, 0)
		return zero, err
	}
	aerr := &llm.AllFailedError{Target: p.cfg.ID, Attempts: attempts}
	p.record(start, aerr, 0)
	return zero, aerr
}

func attemptedIDs(attempts []llm.Attempt) []string {
	ids := make([]string, 0, len(attempts)+1)
	for _, a := range attempts {
		ids = append(ids, a.Target)
	}
	return ids
}

func (p *Pool) record(start time.Time, err error, tokens int) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	p.lastCall = now
	p.lastLatency = now.Sub(start)
	if err != nil {
		p.failures++
		return
	}
	p.tokensUsed += int64(tokens)
	p.lastSuccess = now
}

func (p *Pool) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	return dispatch(ctx, p,
		func(ctx context.Context, b llm.Backend) (*llm.GenerationResult, error) { return b.Generate(ctx, req) },
		func(r *llm.GenerationResult) *llm.Metadata { return &r.Metadata },
		func(r *llm.GenerationResult) int { return r.Usage.TotalTokens },
	)
}

func (p *Pool) Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResult, error) {
	return dispatch(ctx, p,
		func(ctx context.Context, b llm.Backend) (*llm.EmbeddingResult, error) { return b.Embed(ctx, req) },
		func(r *llm.EmbeddingResult) *llm.Metadata { return &r.Metadata },
		func(r *llm.EmbeddingResult) int { return r.Usage.TotalTokens },
	)
}

// Stats reports pool-level counters for logical requests plus a snapshot
// of every member.
func (p *Pool) Stats() llm.Stats {
	p.initMu.Lock()
	ready := p.initialized && !p.closed
	p.initMu.Unlock()

	members := make([]llm.Stats, len(p.members))
	for i, m := range p.members {
		members[i] = m.Stats()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return llm.Stats{
		ID:          p.cfg.ID,
		Kind:        Kind,
		Strategy:    string(p.cfg.Strategy),
		Requests:    p.requests,
		Failures:    p.failures,
		TokensUsed:  p.tokensUsed,
		SuccessRate: llm.SuccessRate(p.requests, p.failures),
		LastLatency: p.lastLatency,
		LastCall:    p.lastCall,
		LastSuccess: p.lastSuccess,
		Ready:       ready,
		Quarantined: p.quarantine.Members(),
		Members:     members,
	}
}

// Close closes every member. The pool cannot be used afterward.
func (p *Pool) Close() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.usable = nil

	var errs []error
	for _, m := range p.members {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", m.ID(), err))
		}
	}
	return errors.Join(errs...)
}
