package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/llmgate/internal/backend"
	"github.com/allaspectsdev/llmgate/internal/config"
	"github.com/allaspectsdev/llmgate/internal/llm"
	"github.com/allaspectsdev/llmgate/internal/pool"
	"github.com/allaspectsdev/llmgate/internal/resilience"
	"github.com/allaspectsdev/llmgate/internal/router"
	"github.com/allaspectsdev/llmgate/internal/tokenizer"
	"github.com/allaspectsdev/llmgate/internal/vault"
)

// KeyResolver turns a configured api_key value into a key.
type KeyResolver interface {
	Resolve(value string) (string, error)
}

// BuildOptions carries the collaborators of a gateway built from config.
type BuildOptions struct {
	// Keys resolves api_key values; defaults to the OS keychain vault.
	Keys       KeyResolver
	Budget     *tokenizer.Budget
	HTTPClient *http.Client
	Logger     *zerolog.Logger
	Observers  []Observer
	Cache      EmbeddingCache
}

// deps is what every provider builder receives.
type deps struct {
	keys    KeyResolver
	backend backend.Options
	logger  *zerolog.Logger
}

type providerBuilder func(id string, p config.ProviderConfig, members []llm.Backend, d deps) (llm.Provider, error)

var providerBuilders = map[string]providerBuilder{
	config.KindSingle: buildSingle,
	config.KindPool:   buildPool,
	config.KindRouter: buildRouter,
}

// Build constructs a gateway from cfg: every enabled provider in priority
// order, with their backends sharing one token budget and, when configured,
// one rate limiter. Providers are not initialized.
func Build(cfg *config.Config, opts BuildOptions) (*Gateway, error) {
	d := deps{keys: opts.Keys, logger: opts.Logger}
	if d.keys == nil {
		d.keys = vault.New()
	}
	budget := opts.Budget
	if budget == nil {
		budget = tokenizer.New()
	}
	d.backend = backend.Options{Budget: budget, HTTPClient: opts.HTTPClient, Logger: opts.Logger}
	if rl := cfg.LLM.SharedRateLimit; rl.Enabled {
		d.backend.Limiter = resilience.NewRateLimiter(rl.Rate, rl.Burst)
	}

	var providers []llm.Provider
	closeAll := func() {
		for _, p := range providers {
			_ = p.Close()
		}
	}
	for _, id := range cfg.EnabledProviders() {
		p, err := buildProvider(id, cfg.LLM.Providers[id], d)
		if err != nil {
			closeAll()
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, errors.New("gateway: no enabled providers")
	}

	g, err := New(Config{
		DefaultProvider: cfg.LLM.DefaultProvider,
		AutoFallback:    cfg.LLM.AutoFallback,
		ErrorThreshold:  cfg.LLM.ErrorThreshold,
		TaskRouting:     cfg.LLM.TaskRouting,
	}, providers, Options{Logger: opts.Logger, Observers: opts.Observers, Cache: opts.Cache})
	if err != nil {
		closeAll()
		return nil, err
	}
	return g, nil
}

func buildProvider(id string, p config.ProviderConfig, d deps) (llm.Provider, error) {
	build, ok := providerBuilders[p.Kind]
	if !ok {
		return nil, fmt.Errorf("provider %s: unknown kind %q", id, p.Kind)
	}

	cfgs, err := backendConfigs(p, d.keys)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", id, err)
	}
	if p.Kind == config.KindSingle {
		for i := range cfgs {
			cfgs[i].ID = id
		}
	}
	members := make([]llm.Backend, 0, len(cfgs))
	for _, c := range cfgs {
		b, err := backend.New(c, d.backend)
		if err != nil {
			for _, m := range members {
				_ = m.Close()
			}
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		members = append(members, b)
	}

	prov, err := build(id, p, members, d)
	if err != nil {
		for _, m := range members {
			_ = m.Close()
		}
		return nil, err
	}
	return prov, nil
}

// backendConfigs merges the shared block into every backend, applies the
// provider's default type and resolves api keys.
func backendConfigs(p config.ProviderConfig, keys KeyResolver) ([]backend.Config, error) {
	shared := toBackendConfig(p.Shared)
	if shared.Type == "" {
		shared.Type = p.Type
	}
	models := make([]backend.Config, len(p.Backends))
	for i, b := range p.Backends {
		models[i] = toBackendConfig(b)
	}
	merged, err := router.MergeShared(shared, models)
	if err != nil {
		return nil, err
	}
	for i := range merged {
		key, err := keys.Resolve(merged[i].APIKey)
		if err != nil {
			return nil, fmt.Errorf("backend %s: resolving api key: %w", merged[i].ID, err)
		}
		merged[i].APIKey = key
	}
	return merged, nil
}

func toBackendConfig(b config.BackendConfig) backend.Config {
	return backend.Config{
		ID:                  b.ID,
		Type:                b.Type,
		APIKey:              b.APIKey,
		BaseURL:             b.BaseURL,
		Model:               b.Model,
		EmbeddingModel:      b.EmbeddingModel,
		Resource:            b.Resource,
		Deployment:          b.Deployment,
		EmbeddingDeployment: b.EmbeddingDeployment,
		APIVersion:          b.APIVersion,
		Organization:        b.Organization,
		Headers:             b.Headers,
		Timeout:             b.Timeout,
		MaxRetries:          b.MaxRetries,
		RetryBaseDelay:      b.RetryBaseDelay,
		BackoffFactor:       b.BackoffFactor,
		Rate:                b.Rate,
		Burst:               b.Burst,
		RateWait:            b.RateWait,
		ContextWindow:       b.ContextWindow,
		MaxTokens:           b.MaxTokens,
		Temperature:         b.Temperature,
		VerifyOnInit:        b.VerifyOnInit,
	}
}

func buildSingle(id string, _ config.ProviderConfig, members []llm.Backend, _ deps) (llm.Provider, error) {
	if len(members) != 1 {
		return nil, fmt.Errorf("provider %s: single provider needs exactly one backend, got %d", id, len(members))
	}
	return members[0], nil
}

func buildPool(id string, p config.ProviderConfig, members []llm.Backend, d deps) (llm.Provider, error) {
	strategy, err := pool.ParseStrategy(p.Strategy)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", id, err)
	}
	return pool.New(pool.Config{
		ID:            id,
		Strategy:      strategy,
		RetryInterval: p.RetryInterval,
		Failover:      p.FailoverEnabled(),
	}, members, pool.Options{Logger: d.logger})
}

func buildRouter(id string, p config.ProviderConfig, members []llm.Backend, d deps) (llm.Provider, error) {
	rules := make([]router.Rule, len(p.Rules))
	for i, r := range p.Rules {
		rules[i] = router.Rule{
			Name:      r.Name,
			Task:      r.Task,
			MinTokens: r.MinTokens,
			MaxTokens: r.MaxTokens,
			Hints:     r.Hints,
			Model:     r.Model,
		}
	}
	return router.New(router.Config{
		ID:              id,
		DefaultModel:    p.DefaultModel,
		TaskRouting:     p.TaskRouting,
		Rules:           rules,
		FallbackEnabled: p.RouterFallback(),
		RetryInterval:   p.RetryInterval,
	}, members, router.Options{Logger: d.logger})
}
