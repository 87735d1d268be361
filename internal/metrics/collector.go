package metrics

import (
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/allaspectsdev/llmgate/internal/gateway"
	"github.com/allaspectsdev/llmgate/internal/tokenizer"
)

const namespace = "llmgate"

// Collector observes gateway events. It keeps lock-free in-memory totals for
// the JSON API and feeds a private Prometheus registry for /metrics.
type Collector struct {
	totalRequests  int64
	totalFailures  int64
	totalTokensIn  int64
	totalTokensOut int64
	fallbacks      int64
	cacheHits      int64
	canceled       int64

	// Float64 counter stored as uint64 via math.Float64bits/Float64frombits.
	totalCostUSD uint64

	startTime time.Time

	registry *prometheus.Registry
	requests *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	cost     *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	attempts *prometheus.HistogramVec
	fallback *prometheus.CounterVec
	cacheHit *prometheus.CounterVec
}

var _ gateway.Observer = (*Collector)(nil)

// Stats is a point-in-time snapshot of the collector's counters.
type Stats struct {
	Uptime        string  `json:"uptime"`
	TotalRequests int64   `json:"total_requests"`
	Failures      int64   `json:"failures"`
	Canceled      int64   `json:"canceled"`
	SuccessRate   float64 `json:"success_rate"`
	TokensIn      int64   `json:"tokens_in"`
	TokensOut     int64   `json:"tokens_out"`
	CostUSD       float64 `json:"cost_usd"`
	Fallbacks     int64   `json:"fallbacks"`
	CacheHits     int64   `json:"cache_hits"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
}

// NewCollector creates a Collector with its own registry. Go runtime and
// process collectors are registered alongside the gateway series.
func NewCollector() *Collector {
	c := &Collector{
		startTime:    time.Now(),
		totalCostUSD: math.Float64bits(0),
		registry:     prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Gateway calls by provider, operation and outcome.",
		}, []string{"provider", "kind", "op", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by backends.",
		}, []string{"provider", "model", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD.",
		}, []string{"provider", "model"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end gateway call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "op"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempts",
			Help:      "Providers and members tried per call.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		}, []string{"op"}),
		fallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Calls served by a provider other than the first choice.",
		}, []string{"provider"}),
		cacheHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Embedding calls answered from the cache.",
		}, []string{"provider"}),
	}
	c.registry.MustRegister(
		c.requests, c.tokens, c.cost, c.latency, c.attempts, c.fallback, c.cacheHit,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry served on /metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Observe records one finished gateway call.
func (c *Collector) Observe(e gateway.Event) {
	provider := e.ProviderID
	if provider == "" {
		provider = "none"
	}
	outcome := e.Outcome()

	atomic.AddInt64(&c.totalRequests, 1)
	switch outcome {
	case "ok":
	case "canceled":
		atomic.AddInt64(&c.canceled, 1)
	default:
		atomic.AddInt64(&c.totalFailures, 1)
	}

	c.requests.WithLabelValues(provider, e.ProviderKind, e.Op, outcome).Inc()
	c.latency.WithLabelValues(provider, e.Op).Observe(e.Latency.Seconds())
	if n := len(e.Attempted); n > 0 {
		c.attempts.WithLabelValues(e.Op).Observe(float64(n))
	}
	if e.Fallback {
		atomic.AddInt64(&c.fallbacks, 1)
		c.fallback.WithLabelValues(provider).Inc()
	}
	if e.Cached {
		atomic.AddInt64(&c.cacheHits, 1)
		c.cacheHit.WithLabelValues(provider).Inc()
	}
	if e.Err != nil || e.Cached {
		return
	}

	in, out := e.Usage.PromptTokens, e.Usage.CompletionTokens
	atomic.AddInt64(&c.totalTokensIn, int64(in))
	atomic.AddInt64(&c.totalTokensOut, int64(out))
	c.tokens.WithLabelValues(provider, e.Model, "in").Add(float64(in))
	c.tokens.WithLabelValues(provider, e.Model, "out").Add(float64(out))

	if usd := tokenizer.EstimateCost(e.Model, in, out); usd > 0 {
		addFloat64(&c.totalCostUSD, usd)
		c.cost.WithLabelValues(provider, e.Model).Add(usd)
	}
}

// Stats returns a point-in-time snapshot of the in-memory totals.
func (c *Collector) Stats() *Stats {
	total := atomic.LoadInt64(&c.totalRequests)
	failures := atomic.LoadInt64(&c.totalFailures)
	hits := atomic.LoadInt64(&c.cacheHits)

	successRate := 1.0
	if counted := total - atomic.LoadInt64(&c.canceled); counted > 0 {
		successRate = float64(counted-failures) / float64(counted)
	}
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return &Stats{
		Uptime:        formatDuration(time.Since(c.startTime)),
		TotalRequests: total,
		Failures:      failures,
		Canceled:      atomic.LoadInt64(&c.canceled),
		SuccessRate:   successRate,
		TokensIn:      atomic.LoadInt64(&c.totalTokensIn),
		TokensOut:     atomic.LoadInt64(&c.totalTokensOut),
		CostUSD:       loadFloat64(&c.totalCostUSD),
		Fallbacks:     atomic.LoadInt64(&c.fallbacks),
		CacheHits:     hits,
		CacheHitRate:  hitRate,
	}
}

// addFloat64 atomically adds delta to the float64 stored in addr using a CAS loop.
func addFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

func loadFloat64(addr *uint64) float64 {
	return math.Float64frombits(atomic.LoadUint64(addr))
}

// formatDuration produces a compact duration like "2d 5h 32m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	parts := make([]string, 0, 3)
	for _, p := range []struct {
		v    int
		unit string
	}{{days, "d"}, {hours, "h"}, {minutes, "m"}} {
		if p.v > 0 {
			parts = append(parts, strconv.Itoa(p.v)+p.unit)
		}
	}
	if len(parts) == 0 {
		return "0m"
	}
	return strings.Join(parts, " ")
}
