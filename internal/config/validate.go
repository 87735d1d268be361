package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/allaspectsdev/llmgate/internal/backend"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.APIPort < 1 || cfg.Server.APIPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.api_port must be between 1 and 65535, got %d", cfg.Server.APIPort))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}
	if cfg.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize))
	}

	// Gateway validation
	enabled := cfg.EnabledProviders()
	if len(enabled) == 0 {
		errs = append(errs, "llm.providers must contain at least one enabled provider")
	}
	if cfg.LLM.ErrorThreshold < 1 {
		errs = append(errs, fmt.Sprintf("llm.error_threshold must be at least 1, got %d", cfg.LLM.ErrorThreshold))
	}
	if dp := cfg.LLM.DefaultProvider; dp != "" && !isEnabled(cfg, dp) {
		errs = append(errs, fmt.Sprintf("llm.default_provider %q is not an enabled provider", dp))
	}
	for _, task := range sortedKeys(cfg.LLM.TaskRouting) {
		if id := cfg.LLM.TaskRouting[task]; !isEnabled(cfg, id) {
			errs = append(errs, fmt.Sprintf("llm.task_routing[%q] references unknown or disabled provider %q", task, id))
		}
	}
	if rl := cfg.LLM.SharedRateLimit; rl.Enabled && (rl.Rate <= 0 || rl.Burst < 1) {
		errs = append(errs, fmt.Sprintf("llm.shared_rate_limit needs a positive rate and burst, got %g/%d", rl.Rate, rl.Burst))
	}

	// Provider validation
	for _, id := range sortedKeys(cfg.LLM.Providers) {
		p := cfg.LLM.Providers[id]
		if p.Disabled {
			continue
		}
		errs = append(errs, validateProvider(id, p)...)
	}

	// Cache validation
	if cfg.Cache.Enabled && cfg.Cache.MaxEntries < 1 {
		errs = append(errs, fmt.Sprintf("cache.max_entries must be at least 1, got %d", cfg.Cache.MaxEntries))
	}
	if cfg.Cache.TTL < 0 {
		errs = append(errs, fmt.Sprintf("cache.ttl must be non-negative, got %s", cfg.Cache.TTL))
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		if !isValidEnum(cfg.Tracing.Exporter, ValidExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", ValidExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	// Metrics validation
	if cfg.Metrics.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("metrics.retention_days must be at least 1, got %d", cfg.Metrics.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateProvider(id string, p ProviderConfig) []string {
	var errs []string
	prefix := "llm.providers." + id

	if !isValidEnum(p.Kind, ValidKinds) {
		return append(errs, fmt.Sprintf("%s.kind must be one of %v, got %q", prefix, ValidKinds, p.Kind))
	}
	if p.Priority < 0 {
		errs = append(errs, fmt.Sprintf("%s.priority must be non-negative, got %d", prefix, p.Priority))
	}

	switch {
	case len(p.Backends) == 0:
		errs = append(errs, prefix+".backends must not be empty")
	case p.Kind == KindSingle && len(p.Backends) > 1:
		errs = append(errs, fmt.Sprintf("%s is a single provider but lists %d backends", prefix, len(p.Backends)))
	}

	seen := make(map[string]bool, len(p.Backends))
	for i, b := range p.Backends {
		bp := fmt.Sprintf("%s.backends[%d]", prefix, i)
		if typ := p.BackendType(i); !backend.Known(typ) {
			errs = append(errs, fmt.Sprintf("%s.type must be one of %v, got %q", bp, backend.Types(), typ))
		}
		if b.Model == "" && p.Shared.Model == "" {
			errs = append(errs, bp+".model must not be empty")
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is not unique", bp, b.ID))
		}
		seen[b.ID] = true
		if b.MaxRetries < 0 {
			errs = append(errs, fmt.Sprintf("%s.max_retries must be non-negative, got %d", bp, b.MaxRetries))
		}
		if b.Rate < 0 {
			errs = append(errs, fmt.Sprintf("%s.rate must be non-negative, got %g", bp, b.Rate))
		}
	}

	switch p.Kind {
	case KindPool:
		if p.Strategy != "" && !isValidEnum(p.Strategy, ValidStrategies) {
			errs = append(errs, fmt.Sprintf("%s.strategy must be one of %v, got %q", prefix, ValidStrategies, p.Strategy))
		}
		if p.RetryInterval < 0 {
			errs = append(errs, fmt.Sprintf("%s.retry_interval must be non-negative, got %s", prefix, p.RetryInterval))
		}
	case KindRouter:
		if p.DefaultModel != "" && !seen[p.DefaultModel] {
			errs = append(errs, fmt.Sprintf("%s.default_model %q is not a configured backend", prefix, p.DefaultModel))
		}
		for _, task := range sortedKeys(p.TaskRouting) {
			if m := p.TaskRouting[task]; !seen[m] {
				errs = append(errs, fmt.Sprintf("%s.task_routing[%q] references unknown backend %q", prefix, task, m))
			}
		}
		for i, r := range p.Rules {
			if !seen[r.Model] {
				errs = append(errs, fmt.Sprintf("%s.rules[%d] references unknown backend %q", prefix, i, r.Model))
			}
			if r.MaxTokens > 0 && r.MinTokens > r.MaxTokens {
				errs = append(errs, fmt.Sprintf("%s.rules[%d] min_tokens %d exceeds max_tokens %d", prefix, i, r.MinTokens, r.MaxTokens))
			}
		}
	}
	return errs
}

func isEnabled(cfg *Config, id string) bool {
	p, ok := cfg.LLM.Providers[id]
	return ok && !p.Disabled
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
