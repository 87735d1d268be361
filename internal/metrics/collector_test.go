package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/allaspectsdev/llmgate/internal/gateway"
	"github.com/allaspectsdev/llmgate/internal/llm"
	"github.com/allaspectsdev/llmgate/internal/resilience"
)

func okEvent(provider, model string, in, out int) gateway.Event {
	return gateway.Event{
		RequestID:    "req-" + provider,
		Op:           gateway.OpGenerate,
		ProviderID:   provider,
		ProviderKind: "openai",
		Model:        model,
		Attempted:    []string{provider},
		Usage:        llm.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		Latency:      120 * time.Millisecond,
		Time:         time.Now(),
	}
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	stats := c.Stats()
	if stats.TotalRequests != 0 {
		t.Errorf("TotalRequests: got %d, want 0", stats.TotalRequests)
	}
	if stats.SuccessRate != 1 {
		t.Errorf("SuccessRate: got %f, want 1 with no traffic", stats.SuccessRate)
	}
	if stats.CostUSD != 0 {
		t.Errorf("CostUSD: got %f, want 0", stats.CostUSD)
	}
}

func TestCollector_ObserveSuccess(t *testing.T) {
	c := NewCollector()
	c.Observe(okEvent("openai", "gpt-4o-mini", 1_000_000, 1_000_000))

	stats := c.Stats()
	if stats.TotalRequests != 1 {
		t.Errorf("TotalRequests: got %d, want 1", stats.TotalRequests)
	}
	if stats.TokensIn != 1_000_000 || stats.TokensOut != 1_000_000 {
		t.Errorf("tokens: got %d/%d", stats.TokensIn, stats.TokensOut)
	}
	// gpt-4o-mini: 0.15 in + 0.60 out per million.
	if d := stats.CostUSD - 0.75; d > 1e-9 || d < -1e-9 {
		t.Errorf("CostUSD: got %f, want 0.75", stats.CostUSD)
	}

	if got := promtest.ToFloat64(c.requests.WithLabelValues("openai", "openai", "generate", "ok")); got != 1 {
		t.Errorf("requests_total: got %f, want 1", got)
	}
	if got := promtest.ToFloat64(c.tokens.WithLabelValues("openai", "gpt-4o-mini", "out")); got != 1_000_000 {
		t.Errorf("tokens_total out: got %f", got)
	}
	if got := promtest.CollectAndCount(c.latency); got != 1 {
		t.Errorf("latency series: got %d, want 1", got)
	}
}

func TestCollector_FailuresAndCancellation(t *testing.T) {
	c := NewCollector()
	c.Observe(okEvent("a", "m", 1, 1))

	failed := okEvent("a", "m", 0, 0)
	failed.Err = llm.RateLimitError("a", 0, "slow down")
	c.Observe(failed)

	canceled := okEvent("a", "m", 0, 0)
	canceled.Err = context.Canceled
	c.Observe(canceled)

	stats := c.Stats()
	if stats.TotalRequests != 3 {
		t.Errorf("TotalRequests: got %d, want 3", stats.TotalRequests)
	}
	if stats.Failures != 1 {
		t.Errorf("Failures: got %d, want 1", stats.Failures)
	}
	if stats.Canceled != 1 {
		t.Errorf("Canceled: got %d, want 1", stats.Canceled)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("SuccessRate: got %f, want 0.5 (cancellations not counted)", stats.SuccessRate)
	}
	if stats.TokensIn != 1 {
		t.Errorf("failed calls must not add tokens, got %d", stats.TokensIn)
	}
	if got := promtest.ToFloat64(c.requests.WithLabelValues("a", "openai", "generate", "rate_limit_error")); got != 1 {
		t.Errorf("rate limit series: got %f, want 1", got)
	}
}

func TestCollector_FallbackAndCache(t *testing.T) {
	c := NewCollector()

	ev := okEvent("b", "m", 3, 0)
	ev.Fallback = true
	ev.Attempted = []string{"a", "b"}
	c.Observe(ev)

	cached := okEvent("b", "m", 3, 0)
	cached.Op = gateway.OpEmbed
	cached.Cached = true
	c.Observe(cached)

	stats := c.Stats()
	if stats.Fallbacks != 1 {
		t.Errorf("Fallbacks: got %d, want 1", stats.Fallbacks)
	}
	if stats.CacheHits != 1 {
		t.Errorf("CacheHits: got %d, want 1", stats.CacheHits)
	}
	if stats.CacheHitRate != 50 {
		t.Errorf("CacheHitRate: got %f, want 50", stats.CacheHitRate)
	}
	if stats.TokensIn != 3 {
		t.Errorf("cache hits must not add tokens, got %d", stats.TokensIn)
	}
}

func TestCollector_UnroutedFailure(t *testing.T) {
	c := NewCollector()
	c.Observe(gateway.Event{Op: gateway.OpGenerate, Err: llm.NewError(llm.KindInvalidRequest, "gateway", "unknown provider", nil)})

	if got := promtest.ToFloat64(c.requests.WithLabelValues("none", "", "generate", "invalid_request")); got != 1 {
		t.Errorf("unrouted series: got %f, want 1", got)
	}
}

type staticStats map[string]gateway.ProviderStats

func (s staticStats) Stats() map[string]gateway.ProviderStats { return s }

func TestCollector_WatchProviders(t *testing.T) {
	c := NewCollector()
	src := staticStats{
		"openai": {ID: "openai", Kind: "openai", Default: true, Available: true, Requests: 4, SuccessRate: 0.75,
			Health: resilience.HealthSnapshot{Available: true}},
		"gemini": {ID: "gemini", Kind: "gemini", Available: false, ErrorCount: 5, SuccessRate: 1},
	}
	if err := c.WatchProviders(src); err != nil {
		t.Fatalf("WatchProviders: %v", err)
	}
	if err := c.WatchProviders(src); err == nil {
		t.Error("expected second registration to fail")
	}

	expected := `
# HELP llmgate_provider_available 1 when the provider is accepting calls.
# TYPE llmgate_provider_available gauge
llmgate_provider_available{kind="gemini",provider="gemini"} 0
llmgate_provider_available{kind="openai",provider="openai"} 1
`
	if err := promtest.GatherAndCompare(c.Registry(), strings.NewReader(expected), "llmgate_provider_available"); err != nil {
		t.Errorf("GatherAndCompare: %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
		{49 * time.Hour, "2d 1h"},
		{24 * time.Hour, "1d"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v): got %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestAddFloat64_Concurrent(t *testing.T) {
	var v uint64
	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 100 {
				addFloat64(&v, 0.5)
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}
	if got := loadFloat64(&v); got != 500 {
		t.Errorf("got %f, want 500", got)
	}
}
