package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/tmp/test"
	return cfg
}

func poolProvider(backends ...BackendConfig) ProviderConfig {
	return ProviderConfig{Kind: KindPool, Type: "openai", Backends: backends}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := validate(cfg); err != nil {
		t.Fatalf("validate valid config: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.APIPort = 70000 }, "api_port"},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "verbose" }, "log_level"},
		{"empty data dir", func(c *Config) { c.Server.DataDir = "" }, "data_dir"},
		{"negative read timeout", func(c *Config) { c.Server.ReadTimeout = -1 }, "read_timeout"},
		{"zero error threshold", func(c *Config) { c.LLM.ErrorThreshold = 0 }, "error_threshold"},
		{"disabled default", func(c *Config) { c.LLM.DefaultProvider = "gemini" }, "default_provider"},
		{"unknown task route", func(c *Config) { c.LLM.TaskRouting = map[string]string{"chat": "nope"} }, "task_routing"},
		{"no providers", func(c *Config) { c.LLM.Providers = map[string]ProviderConfig{} }, "at least one enabled provider"},
		{"shared limit without rate", func(c *Config) {
			c.LLM.SharedRateLimit = RateLimitConfig{Enabled: true}
		}, "shared_rate_limit"},
		{"bad kind", func(c *Config) {
			p := c.LLM.Providers["openai"]
			p.Kind = "mesh"
			c.LLM.Providers["openai"] = p
		}, "kind"},
		{"unknown backend type", func(c *Config) {
			p := c.LLM.Providers["openai"]
			p.Backends = []BackendConfig{{ID: "openai", Type: "bedrock", Model: "m"}}
			c.LLM.Providers["openai"] = p
		}, "bedrock"},
		{"missing model", func(c *Config) {
			p := c.LLM.Providers["openai"]
			p.Backends = []BackendConfig{{ID: "openai", Type: "openai"}}
			c.LLM.Providers["openai"] = p
		}, "model must not be empty"},
		{"single with two backends", func(c *Config) {
			p := c.LLM.Providers["openai"]
			p.Backends = append(p.Backends, BackendConfig{ID: "x", Type: "openai", Model: "m"})
			c.LLM.Providers["openai"] = p
		}, "single provider"},
		{"bad strategy", func(c *Config) {
			p := poolProvider(BackendConfig{ID: "a", Model: "m"})
			p.Strategy = "fastest"
			c.LLM.Providers["pool"] = p
		}, "strategy"},
		{"duplicate member", func(c *Config) {
			c.LLM.Providers["pool"] = poolProvider(BackendConfig{ID: "a", Model: "m"}, BackendConfig{ID: "a", Model: "m"})
		}, "not unique"},
		{"router rule unknown model", func(c *Config) {
			c.LLM.Providers["r"] = ProviderConfig{
				Kind:     KindRouter,
				Shared:   BackendConfig{Type: "openai"},
				Backends: []BackendConfig{{ID: "big", Model: "gpt-4o"}},
				Rules:    []RuleConfig{{Task: "chat", Model: "small"}},
			}
		}, "rules[0]"},
		{"router default unknown", func(c *Config) {
			c.LLM.Providers["r"] = ProviderConfig{
				Kind:         KindRouter,
				Type:         "openai",
				DefaultModel: "small",
				Backends:     []BackendConfig{{ID: "big", Model: "gpt-4o"}},
			}
		}, "default_model"},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, "tracing.exporter"},
		{"bad sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "sample_rate"},
		{"zero retention", func(c *Config) { c.Metrics.RetentionDays = 0 }, "retention_days"},
		{"negative cache ttl", func(c *Config) { c.Cache.TTL = -1 }, "cache.ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_DisabledProviderIgnored(t *testing.T) {
	cfg := validConfig()
	p := cfg.LLM.Providers["gemini"]
	p.Backends = nil
	cfg.LLM.Providers["gemini"] = p
	if err := validate(cfg); err != nil {
		t.Fatalf("disabled providers should not be validated: %v", err)
	}
}

func TestValidate_ValidRouterAndPool(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.Providers["pool"] = poolProvider(BackendConfig{ID: "a", Model: "m"}, BackendConfig{ID: "b", Type: "gemini", Model: "g"})
	cfg.LLM.Providers["r"] = ProviderConfig{
		Kind:         KindRouter,
		Shared:       BackendConfig{Type: "openai", Model: "gpt-4o-mini"},
		DefaultModel: "small",
		TaskRouting:  map[string]string{"summarize": "big"},
		Backends:     []BackendConfig{{ID: "big", Model: "gpt-4o"}, {ID: "small"}},
		Rules:        []RuleConfig{{MinTokens: 1000, Model: "big"}},
	}
	cfg.LLM.TaskRouting = map[string]string{"summarize": "r"}
	if err := validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.APIPort = 0
	cfg.Server.LogLevel = "bad"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "api_port") || !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention multiple fields: %v", err)
	}
}

func TestNormalize(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.DefaultProvider = " Pool "
	cfg.LLM.TaskRouting = map[string]string{"chat": "POOL"}
	cfg.LLM.Providers["pool"] = ProviderConfig{
		Kind:     "Pool",
		Type:     "OpenAI",
		Backends: []BackendConfig{{Model: "m"}, {Type: "Gemini", Model: "g"}, {ID: "named", Model: "m"}},
	}
	normalize(cfg)

	p := cfg.LLM.Providers["pool"]
	if p.Kind != KindPool || p.Type != "openai" {
		t.Errorf("kind/type: got %q/%q", p.Kind, p.Type)
	}
	var ids []string
	for _, b := range p.Backends {
		ids = append(ids, b.ID)
	}
	if got := strings.Join(ids, ","); got != "openai_1,gemini_2,named" {
		t.Errorf("member ids: got %s", got)
	}
	if cfg.LLM.DefaultProvider != "pool" || cfg.LLM.TaskRouting["chat"] != "pool" {
		t.Errorf("provider references should be lowercased: %q %v", cfg.LLM.DefaultProvider, cfg.LLM.TaskRouting)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("validate normalized: %v", err)
	}
}

func TestIsValidEnum(t *testing.T) {
	if !isValidEnum("INFO", ValidLogLevels) {
		t.Error("INFO should be valid (case-insensitive)")
	}
	if isValidEnum("verbose", ValidLogLevels) {
		t.Error("verbose should not be valid")
	}
}
