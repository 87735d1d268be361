package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for llmgate.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"  toml:"server"`
	LLM     LLMConfig     `mapstructure:"llm"     toml:"llm"`
	Cache   CacheConfig   `mapstructure:"cache"   toml:"cache"`
	Tracing TracingConfig `mapstructure:"tracing" toml:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics" toml:"metrics"`
}

// ServerConfig holds the daemon and API server settings.
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"  toml:"bind_address"`
	APIPort      int    `mapstructure:"api_port"      toml:"api_port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level" comment:"trace, debug, info, warn or error"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`
	MaxBodySize  int64  `mapstructure:"max_body_size" toml:"max_body_size"`
}

// LLMConfig configures the gateway and every provider behind it.
type LLMConfig struct {
	DefaultProvider string                    `mapstructure:"default_provider"  toml:"default_provider"`
	AutoFallback    bool                      `mapstructure:"auto_fallback"     toml:"auto_fallback" comment:"switch the default provider when it becomes unavailable"`
	ErrorThreshold  int                       `mapstructure:"error_threshold"   toml:"error_threshold" comment:"failures before a provider is taken out of rotation"`
	TaskRouting     map[string]string         `mapstructure:"task_routing"      toml:"task_routing"`
	SharedRateLimit RateLimitConfig           `mapstructure:"shared_rate_limit" toml:"shared_rate_limit"`
	Providers       map[string]ProviderConfig `mapstructure:"providers"         toml:"providers"`
}

// RateLimitConfig is a token bucket shared by every backend when enabled.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled" toml:"enabled"`
	Rate    float64 `mapstructure:"rate"    toml:"rate" comment:"requests per second"`
	Burst   int     `mapstructure:"burst"   toml:"burst"`
}

// Provider kinds.
const (
	KindSingle = "single"
	KindPool   = "pool"
	KindRouter = "router"
)

// ProviderConfig describes one gateway provider: a single backend, a pool
// of interchangeable backends or a router over named models.
type ProviderConfig struct {
	Kind     string `mapstructure:"kind"     toml:"kind" comment:"single, pool or router"`
	Type     string `mapstructure:"type"     toml:"type,omitempty" comment:"default backend type: openai, openai_compatible, azure or gemini"`
	Disabled bool   `mapstructure:"disabled" toml:"disabled,omitempty"`
	Priority int    `mapstructure:"priority" toml:"priority,omitempty"`

	// Pool settings.
	Strategy      string        `mapstructure:"strategy"       toml:"strategy,omitempty"`
	RetryInterval time.Duration `mapstructure:"retry_interval" toml:"retry_interval,omitempty"`
	Failover      *bool         `mapstructure:"failover"       toml:"failover,omitempty"`

	// Router settings.
	DefaultModel    string            `mapstructure:"default_model"    toml:"default_model,omitempty"`
	FallbackEnabled *bool             `mapstructure:"fallback_enabled" toml:"fallback_enabled,omitempty"`
	TaskRouting     map[string]string `mapstructure:"task_routing"     toml:"task_routing,omitempty"`
	Rules           []RuleConfig      `mapstructure:"rules"            toml:"rules,omitempty"`
	Shared          BackendConfig     `mapstructure:"shared"           toml:"shared,omitempty"`

	Backends []BackendConfig `mapstructure:"backends" toml:"backends"`
}

// FailoverEnabled reports the pool failover setting, on by default.
func (p ProviderConfig) FailoverEnabled() bool {
	return p.Failover == nil || *p.Failover
}

// RouterFallback reports the router fallback setting, on by default.
func (p ProviderConfig) RouterFallback() bool {
	return p.FallbackEnabled == nil || *p.FallbackEnabled
}

// BackendType returns the effective type of backend i.
func (p ProviderConfig) BackendType(i int) string {
	switch {
	case p.Backends[i].Type != "":
		return p.Backends[i].Type
	case p.Shared.Type != "":
		return p.Shared.Type
	}
	return p.Type
}

// RuleConfig is one router rule.
type RuleConfig struct {
	Name      string            `mapstructure:"name"       toml:"name,omitempty"`
	Task      string            `mapstructure:"task"       toml:"task,omitempty"`
	MinTokens int               `mapstructure:"min_tokens" toml:"min_tokens,omitempty"`
	MaxTokens int               `mapstructure:"max_tokens" toml:"max_tokens,omitempty"`
	Hints     map[string]string `mapstructure:"hints"      toml:"hints,omitempty"`
	Model     string            `mapstructure:"model"      toml:"model"`
}

// BackendConfig describes one vendor connection. APIKey may be a key
// reference such as keyring://llmgate/openai or env:OPENAI_API_KEY.
type BackendConfig struct {
	ID                  string            `mapstructure:"id"                   toml:"id,omitempty"`
	Type                string            `mapstructure:"type"                 toml:"type,omitempty"`
	APIKey              string            `mapstructure:"api_key"              toml:"api_key,omitempty"`
	BaseURL             string            `mapstructure:"base_url"             toml:"base_url,omitempty"`
	Model               string            `mapstructure:"model"                toml:"model,omitempty"`
	EmbeddingModel      string            `mapstructure:"embedding_model"      toml:"embedding_model,omitempty"`
	Resource            string            `mapstructure:"resource"             toml:"resource,omitempty"`
	Deployment          string            `mapstructure:"deployment"           toml:"deployment,omitempty"`
	EmbeddingDeployment string            `mapstructure:"embedding_deployment" toml:"embedding_deployment,omitempty"`
	APIVersion          string            `mapstructure:"api_version"          toml:"api_version,omitempty"`
	Organization        string            `mapstructure:"organization"         toml:"organization,omitempty"`
	Headers             map[string]string `mapstructure:"headers"              toml:"headers,omitempty"`
	Timeout             time.Duration     `mapstructure:"timeout"              toml:"timeout,omitempty"`
	MaxRetries          int               `mapstructure:"max_retries"          toml:"max_retries,omitempty"`
	RetryBaseDelay      time.Duration     `mapstructure:"retry_base_delay"     toml:"retry_base_delay,omitempty"`
	BackoffFactor       float64           `mapstructure:"backoff_factor"       toml:"backoff_factor,omitempty"`
	Rate                float64           `mapstructure:"rate"                 toml:"rate,omitempty"`
	Burst               int               `mapstructure:"burst"                toml:"burst,omitempty"`
	RateWait            time.Duration     `mapstructure:"rate_wait"            toml:"rate_wait,omitempty"`
	ContextWindow       int               `mapstructure:"context_window"       toml:"context_window,omitempty"`
	MaxTokens           int               `mapstructure:"max_tokens"           toml:"max_tokens,omitempty"`
	Temperature         *float64          `mapstructure:"temperature"          toml:"temperature,omitempty"`
	VerifyOnInit        bool              `mapstructure:"verify_on_init"       toml:"verify_on_init,omitempty"`
}

// CacheConfig controls the embedding cache.
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"     toml:"enabled"`
	MaxEntries int           `mapstructure:"max_entries" toml:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl"         toml:"ttl"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter" comment:"stdout, otlp-grpc or otlp-http"`
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" toml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`
}

// MetricsConfig controls the Prometheus endpoint and usage retention.
type MetricsConfig struct {
	Enabled       bool `mapstructure:"enabled"        toml:"enabled"`
	RetentionDays int  `mapstructure:"retention_days" toml:"retention_days"`
}

// EnabledProviders returns the ids of enabled providers ordered by
// priority, then id.
func (c *Config) EnabledProviders() []string {
	ids := make([]string, 0, len(c.LLM.Providers))
	for id, p := range c.LLM.Providers {
		if !p.Disabled {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := c.LLM.Providers[ids[i]].Priority, c.LLM.Providers[ids[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (LLMGATE_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.llmgate/llmgate.toml
//  4. ./llmgate.toml
//  5. Built-in defaults
//
// A .env file in the working directory or the default data directory is
// loaded into the environment first. The loaded config is validated and
// stored in the global atomic pointer. Viper lowercases map keys, so
// provider ids and task labels are case-insensitive and stored lowercase.
func Load(explicitPath string) (*Config, error) {
	if err := LoadDotEnv(".", expandHome(DefaultDataDir)); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("toml")

	setViperDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".llmgate"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("llmgate")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	// Providers come from the file only; the built-in examples must not
	// merge into a user's provider table.
	if v.IsSet("llm.providers") {
		cfg.LLM.Providers = nil
	}
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	normalize(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// normalize fills derived values: lowercase kinds, types and provider
// references, and backend ids. A single provider's backend takes the provider id; pool and router
// members without an id become {type}_{n}.
func normalize(cfg *Config) {
	// Provider ids are map keys, which viper lowercases; references to
	// them follow.
	cfg.LLM.DefaultProvider = strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	for task, id := range cfg.LLM.TaskRouting {
		cfg.LLM.TaskRouting[task] = strings.ToLower(strings.TrimSpace(id))
	}
	for id, p := range cfg.LLM.Providers {
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Kind == "" {
			p.Kind = KindSingle
		}
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		p.Backends = append([]BackendConfig(nil), p.Backends...)
		for i := range p.Backends {
			b := &p.Backends[i]
			b.Type = strings.ToLower(strings.TrimSpace(b.Type))
			switch {
			case p.Kind == KindSingle:
				b.ID = id
			case b.ID == "":
				b.ID = fmt.Sprintf("%s_%d", p.BackendType(i), i+1)
			}
		}
		cfg.LLM.Providers[id] = p
	}
}

// InitConfig writes the default configuration file to ~/.llmgate/llmgate.toml
// and returns its path. An existing file is not overwritten.
func InitConfig() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".llmgate")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return path, WriteConfig(path, DefaultConfig())
}

// WriteConfig writes cfg to path in TOML format.
func WriteConfig(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	header := []byte("# llmgate configuration. Environment variables prefixed with " + EnvPrefix + "_ override any key.\n\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every scalar key with viper so that env var
// binding works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.api_port", d.Server.APIPort)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)

	// LLM
	v.SetDefault("llm.default_provider", d.LLM.DefaultProvider)
	v.SetDefault("llm.auto_fallback", d.LLM.AutoFallback)
	v.SetDefault("llm.error_threshold", d.LLM.ErrorThreshold)
	v.SetDefault("llm.shared_rate_limit.enabled", d.LLM.SharedRateLimit.Enabled)
	v.SetDefault("llm.shared_rate_limit.rate", d.LLM.SharedRateLimit.Rate)
	v.SetDefault("llm.shared_rate_limit.burst", d.LLM.SharedRateLimit.Burst)

	// Cache
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	// Metrics
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.retention_days", d.Metrics.RetentionDays)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
