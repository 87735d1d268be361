package config

import "time"

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultAPIPort is the default port for the HTTP API.
const DefaultAPIPort = 7680

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.llmgate"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "llmgate.toml"

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 10

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
// Generation calls can be slow, so it is generous.
const DefaultWriteTimeout = 300

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultMaxBodySize is the default maximum request body size in bytes (10 MB).
const DefaultMaxBodySize = 10 << 20

// DefaultErrorThreshold is the number of failures after which a provider is
// marked unavailable.
const DefaultErrorThreshold = 5

// DefaultRetentionDays is the default usage retention in days.
const DefaultRetentionDays = 30

// DefaultCacheMaxEntries bounds the embedding cache.
const DefaultCacheMaxEntries = 10000

// DefaultCacheTTL is how long a cached embedding stays valid.
const DefaultCacheTTL = time.Hour

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "llmgate"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// ValidKinds lists the provider kinds.
var ValidKinds = []string{KindSingle, KindPool, KindRouter}

// ValidStrategies lists the pool selection strategies.
var ValidStrategies = []string{"round_robin", "random", "least_used"}

// ValidExporters lists the tracing exporters.
var ValidExporters = []string{"stdout", "otlp-grpc", "otlp-http"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  DefaultBindAddress,
			APIPort:      DefaultAPIPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			AutoFallback:    true,
			ErrorThreshold:  DefaultErrorThreshold,
			TaskRouting:     map[string]string{},
			SharedRateLimit: RateLimitConfig{
				Enabled: false,
				Rate:    10,
				Burst:   20,
			},
			Providers: map[string]ProviderConfig{
				"openai": {
					Kind:     KindSingle,
					Priority: 1,
					Backends: []BackendConfig{{
						ID:             "openai",
						Type:           "openai",
						APIKey:         "keyring://llmgate/openai",
						Model:          "gpt-4o-mini",
						EmbeddingModel: "text-embedding-3-small",
						MaxRetries:     2,
					}},
				},
				"gemini": {
					Kind:     KindSingle,
					Disabled: true,
					Priority: 2,
					Backends: []BackendConfig{{
						ID:             "gemini",
						Type:           "gemini",
						APIKey:         "keyring://llmgate/gemini",
						Model:          "gemini-2.0-flash",
						EmbeddingModel: "text-embedding-004",
						MaxRetries:     2,
					}},
				},
			},
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: DefaultCacheMaxEntries,
			TTL:        DefaultCacheTTL,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			RetentionDays: DefaultRetentionDays,
		},
	}
}
