package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allaspectsdev/llmgate/internal/llm"
	"github.com/allaspectsdev/llmgate/internal/router"
	"github.com/allaspectsdev/llmgate/internal/testutil"
)

var errBoom = llm.CallError("fake", errors.New("boom"))

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][][]float32
}

func (c *mapCache) key(provider, model string, texts []string) string {
	return provider + "|" + model + "|" + strings.Join(texts, "\x00")
}

func (c *mapCache) Get(provider, model string, texts []string) ([][]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[c.key(provider, model, texts)]
	return v, ok
}

func (c *mapCache) Put(provider, model string, texts []string, vectors [][]float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string][][]float32{}
	}
	c.data[c.key(provider, model, texts)] = vectors
}

func newGateway(t *testing.T, cfg Config, opts Options, providers ...*testutil.FakeBackend) *Gateway {
	t.Helper()
	list := make([]llm.Provider, len(providers))
	for i, p := range providers {
		list[i] = p
	}
	g, err := New(cfg, list, opts)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func ask(g *Gateway, req llm.GenerationRequest) (*llm.GenerationResult, error) {
	if req.Prompt.Empty() {
		req.Prompt = llm.TextPrompt("hello")
	}
	return g.Generate(context.Background(), &req)
}

func TestGateway_RoutesToDefault(t *testing.T) {
	p := testutil.NewFakeBackend("p")
	q := testutil.NewFakeBackend("q")
	g := newGateway(t, Config{AutoFallback: true}, Options{}, p, q)

	res, err := ask(g, llm.GenerationRequest{Task: "chat"})
	require.NoError(t, err)
	assert.Equal(t, "reply from p", res.Text)
	assert.Equal(t, "p", res.Metadata.ProviderID)
	assert.Equal(t, "fake", res.Metadata.ProviderKind)
	assert.Equal(t, "chat", res.Metadata.Task)
	assert.NotEmpty(t, res.Metadata.RequestID)
	assert.False(t, res.Metadata.Fallback)
	assert.Equal(t, 0, q.Calls())
}

func TestGateway_UnavailableDefaultIsReplaced(t *testing.T) {
	p := testutil.NewFakeBackend("p")
	q := testutil.NewFakeBackend("q")
	g := newGateway(t, Config{DefaultProvider: "p", AutoFallback: true, ErrorThreshold: 2}, Options{}, p, q)

	g.Health("p").RecordFailure(errBoom)
	g.Health("p").RecordFailure(errBoom)
	require.False(t, g.Health("p").Available())

	for range 3 {
		res, err := ask(g, llm.GenerationRequest{})
		require.NoError(t, err)
		assert.Equal(t, "q", res.Metadata.ProviderID)
	}
	assert.Equal(t, "q", g.DefaultProvider())
	assert.Equal(t, 0, p.Calls())
}

func TestGateway_DefaultFailureFallsBackOnce(t *testing.T) {
	p := testutil.NewFakeBackend("p").FailWith(errBoom)
	q := testutil.NewFakeBackend("q")
	g := newGateway(t, Config{AutoFallback: true}, Options{}, p, q)

	res, err := ask(g, llm.GenerationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "q", res.Metadata.ProviderID)
	assert.True(t, res.Metadata.Fallback)
	assert.Equal(t, []string{"p", "q"}, res.Metadata.Attempted)
	assert.Equal(t, "q", g.DefaultProvider())
	assert.Equal(t, 1, g.Stats()["p"].ErrorCount)
}

func TestGateway_BothFail(t *testing.T) {
	p := testutil.NewFakeBackend("p").FailWith(errBoom)
	q := testutil.NewFakeBackend("q").FailWith(errBoom)
	r := testutil.NewFakeBackend("r")
	g := newGateway(t, Config{AutoFallback: true}, Options{}, p, q, r)

	_, err := ask(g, llm.GenerationRequest{})
	var all *llm.AllFailedError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, []string{"p", "q"}, all.Targets())
	assert.Equal(t, 0, r.Calls(), "fallback retries only once")
}

func TestGateway_NoAutoFallback(t *testing.T) {
	p := testutil.NewFakeBackend("p").FailWith(errBoom)
	q := testutil.NewFakeBackend("q")
	g := newGateway(t, Config{AutoFallback: false}, Options{}, p, q)

	_, err := ask(g, llm.GenerationRequest{})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, "p", g.DefaultProvider())
	assert.Equal(t, 0, q.Calls())

	g.SetAutoFallback(true)
	_, err = ask(g, llm.GenerationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "q", g.DefaultProvider())
}

func TestGateway_ExplicitNonDefaultDoesNotFallBack(t *testing.T) {
	p := testutil.NewFakeBackend("p")
	q := testutil.NewFakeBackend("q").FailWith(errBoom)
	g := newGateway(t, Config{AutoFallback: true}, Options{}, p, q)

	_, err := ask(g, llm.GenerationRequest{ProviderID: "q"})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, "p", g.DefaultProvider())
	assert.Equal(t, 0, p.Calls())

	_, err = ask(g, llm.GenerationRequest{ProviderID: "missing"})
	assert.Equal(t, llm.KindInvalidRequest, llm.KindOf(err))
}

func TestGateway_TaskRouting(t *testing.T) {
	p := testutil.NewFakeBackend("p")
	q := testutil.NewFakeBackend("q")
	g := newGateway(t, Config{AutoFallback: true, ErrorThreshold: 1, TaskRouting: map[string]string{"summarize": "q"}}, Options{}, p, q)

	res, err := ask(g, llm.GenerationRequest{Task: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, "q", res.Metadata.ProviderID)

	g.Health("q").RecordFailure(errBoom)
	res, err = ask(g, llm.GenerationRequest{Task: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, "p", res.Metadata.ProviderID)

	require.NoError(t, g.ResetProvider("q"))
	res, err = ask(g, llm.GenerationRequest{Task: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, "q", res.Metadata.ProviderID)

	assert.Error(t, g.SetTaskRouting(map[string]string{"x": "nope"}))
	require.NoError(t, g.SetTaskRouting(nil))
	res, err = ask(g, llm.GenerationRequest{Task: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, "p", res.Metadata.ProviderID)
}

func TestGateway_TokenLimitBypassesFallback(t *testing.T) {
	p := testutil.NewFakeBackend("p").FailWith(llm.TokenLimitError("p", "m", 5000, 4096))
	q := testutil.NewFakeBackend("q")
	g := newGateway(t, Config{AutoFallback: true}, Options{}, p, q)

	_, err := ask(g, llm.GenerationRequest{})
	assert.Equal(t, llm.KindTokenLimit, llm.KindOf(err))
	assert.Equal(t, 0, q.Calls())
	assert.Equal(t, 0, g.Stats()["p"].ErrorCount)
	assert.Equal(t, "p", g.DefaultProvider())
}

func TestGateway_CancellationIsNotAFailure(t *testing.T) {
	p := testutil.NewFakeBackend("p").WithDelay(time.Second)
	q := testutil.NewFakeBackend("q")
	g := newGateway(t, Config{AutoFallback: true}, Options{}, p, q)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Generate(ctx, &llm.GenerationRequest{Prompt: llm.TextPrompt("hi")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.Stats()["p"].ErrorCount)
	assert.Equal(t, "p", g.DefaultProvider())
	assert.Equal(t, 0, q.Calls())
}

func TestGateway_HealthTripsAfterThreshold(t *testing.T) {
	p := testutil.NewFakeBackend("p").FailWith(errBoom)
	q := testutil.NewFakeBackend("q")
	g := newGateway(t, Config{AutoFallback: false, ErrorThreshold: 3}, Options{}, p, q)

	for range 3 {
		_, err := ask(g, llm.GenerationRequest{ProviderID: "p"})
		require.Error(t, err)
	}
	st := g.Stats()["p"]
	assert.False(t, st.Available)
	assert.Equal(t, 3, st.ErrorCount)

	p.Recover()
	_, err := ask(g, llm.GenerationRequest{ProviderID: "p"})
	require.NoError(t, err)
	assert.False(t, g.Stats()["p"].Available, "success does not lift the breach")

	require.NoError(t, g.ResetProvider("p"))
	assert.True(t, g.Stats()["p"].Available)
	assert.Error(t, g.ResetProvider("nope"))
}

func TestGateway_Embed(t *testing.T) {
	p := testutil.NewFakeBackend("p")
	cache := &mapCache{}
	rec := &recorder{}
	g := newGateway(t, Config{}, Options{Cache: cache, Observers: []Observer{rec}}, p)

	req := &llm.EmbeddingRequest{Texts: []string{"abc", "de"}}
	res, err := g.Embed(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{3, 0}, {2, 1}}, res.Vectors)
	assert.False(t, res.Metadata.Cached)

	res, err = g.Embed(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Metadata.Cached)
	assert.Equal(t, [][]float32{{3, 0}, {2, 1}}, res.Vectors)
	assert.Equal(t, 1, p.Calls())

	res, err = g.Embed(context.Background(), &llm.EmbeddingRequest{})
	require.NoError(t, err)
	assert.Empty(t, res.Vectors)

	events := rec.all()
	require.Len(t, events, 3)
	assert.Equal(t, OpEmbed, events[0].Op)
	assert.False(t, events[0].Cached)
	assert.True(t, events[1].Cached)
}

func TestGateway_EmbedSkipsCacheOnRouterFallback(t *testing.T) {
	e1 := testutil.NewFakeBackend("e1").FailTimes(1, errBoom)
	e2 := testutil.NewFakeBackend("e2")
	r, err := router.New(router.Config{
		ID:              "r",
		TaskRouting:     map[string]string{router.EmbeddingsTask: "e1"},
		FallbackEnabled: true,
		RetryInterval:   time.Minute,
	}, []llm.Backend{e1, e2}, router.Options{})
	require.NoError(t, err)

	cache := &mapCache{}
	g, err := New(Config{}, []llm.Provider{r}, Options{Cache: cache})
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	req := &llm.EmbeddingRequest{Texts: []string{"abc"}}
	res, err := g.Embed(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Metadata.Fallback)
	assert.Equal(t, "e2", res.Metadata.BackendID)
	assert.Equal(t, 1, e2.Calls())
	assert.Empty(t, cache.data)

	r.Quarantine().Reset()
	res, err = g.Embed(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Metadata.Cached)
	assert.Equal(t, "e1", res.Metadata.BackendID)
	assert.Equal(t, 2, e1.Calls())
	assert.Equal(t, 1, e2.Calls())

	res, err = g.Embed(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Metadata.Cached, "vectors from the routed model are cached")
	assert.Equal(t, 2, e1.Calls())
}

func TestGateway_ObserversSeeEveryCall(t *testing.T) {
	p := testutil.NewFakeBackend("p").FailTimes(1, errBoom)
	rec := &recorder{}
	g := newGateway(t, Config{}, Options{Observers: []Observer{rec}}, p)

	_, err := ask(g, llm.GenerationRequest{Task: "chat"})
	require.Error(t, err)
	_, err = ask(g, llm.GenerationRequest{Task: "chat"})
	require.NoError(t, err)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, "call_error", events[0].Outcome())
	assert.Equal(t, "ok", events[1].Outcome())
	assert.Equal(t, "p", events[1].ProviderID)
	assert.Equal(t, "p", events[1].BackendID)
	assert.Equal(t, 2, events[1].Usage.TotalTokens)
	assert.Equal(t, "chat", events[1].Task)
	assert.NotEqual(t, events[0].RequestID, events[1].RequestID)
}

func TestGateway_InitializeExcludesBrokenProviders(t *testing.T) {
	p := testutil.NewFakeBackend("p").WithInitError(errors.New("bad key"))
	q := testutil.NewFakeBackend("q")
	g := newGateway(t, Config{DefaultProvider: "p", TaskRouting: map[string]string{"t": "p"}}, Options{}, p, q)

	require.NoError(t, g.Initialize(context.Background()))
	assert.Equal(t, []string{"q"}, g.Providers())
	assert.Equal(t, "q", g.DefaultProvider())
	assert.True(t, p.Closed())

	res, err := ask(g, llm.GenerationRequest{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, "q", res.Metadata.ProviderID)

	_, ok := g.Provider("p")
	assert.False(t, ok)
}

func TestGateway_InitializeFailsWhenNothingWorks(t *testing.T) {
	p := testutil.NewFakeBackend("p").WithInitError(errors.New("bad key"))
	g := newGateway(t, Config{}, Options{}, p)
	err := g.Initialize(context.Background())
	assert.Equal(t, llm.KindInit, llm.KindOf(err))
}

func TestGateway_StatsAndClose(t *testing.T) {
	p := testutil.NewFakeBackend("p")
	q := testutil.NewFakeBackend("q")
	g := newGateway(t, Config{}, Options{}, p, q)

	_, err := ask(g, llm.GenerationRequest{})
	require.NoError(t, err)

	st := g.Stats()
	require.Len(t, st, 2)
	assert.True(t, st["p"].Default)
	assert.True(t, st["p"].Available)
	assert.EqualValues(t, 1, st["p"].Requests)
	assert.EqualValues(t, 2, st["p"].TokensUsed)
	assert.InDelta(t, 1.0, st["p"].SuccessRate, 1e-9)

	require.NoError(t, g.Close())
	assert.True(t, p.Closed())
	assert.True(t, q.Closed())
	_, err = ask(g, llm.GenerationRequest{})
	assert.Equal(t, llm.KindUnavailable, llm.KindOf(err))
	_, err = g.Embed(context.Background(), &llm.EmbeddingRequest{Texts: []string{"x"}})
	assert.Equal(t, llm.KindUnavailable, llm.KindOf(err))
	assert.Empty(t, g.Providers())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, Options{})
	assert.Error(t, err)

	p := testutil.NewFakeBackend("p")
	_, err = New(Config{DefaultProvider: "zz"}, []llm.Provider{p}, Options{})
	assert.Error(t, err)
	_, err = New(Config{TaskRouting: map[string]string{"t": "zz"}}, []llm.Provider{p}, Options{})
	assert.Error(t, err)
	_, err = New(Config{}, []llm.Provider{p, p}, Options{})
	assert.Error(t, err)
}
