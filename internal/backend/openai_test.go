package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allaspectsdev/llmgate/internal/llm"
)

// capture records what the fake vendor received.
type capture struct {
	mu      sync.Mutex
	path    string
	query   string
	headers http.Header
	body    map[string]any
}

func (c *capture) record(r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = r.URL.Path
	c.query = r.URL.RawQuery
	c.headers = r.Header.Clone()
	c.body = map[string]any{}
	_ = json.Unmarshal(data, &c.body)
}

func (c *capture) field(name string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body[name]
}

func chatOK(w http.ResponseWriter, text string, usage bool) {
	resp := map[string]any{
		"id":    "cmpl-1",
		"model": "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": text},
			"finish_reason": "stop",
		}},
	}
	if usage {
		resp["usage"] = map[string]int{"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func testConfig(url string) Config {
	return Config{
		ID:             "b1",
		Type:           TypeOpenAI,
		APIKey:         "sk-test",
		BaseURL:        url,
		Model:          "test-model",
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		Timeout:        2 * time.Second,
	}
}

func newTestBackend(t *testing.T, cfg Config) llm.Backend {
	t.Helper()
	b, err := New(cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestOpenAI_Generate(t *testing.T) {
	var got capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.record(r)
		chatOK(w, "hello there", true)
	}))
	defer srv.Close()

	b := newTestBackend(t, testConfig(srv.URL))
	res, err := b.Generate(context.Background(), &llm.GenerationRequest{
		Prompt:      llm.TextPrompt("say hello"),
		MaxTokens:   50,
		Temperature: llm.Float(0.2),
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", res.Text)
	assert.Equal(t, llm.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}, res.Usage)
	assert.Equal(t, "b1", res.Metadata.BackendID)
	assert.Equal(t, []string{"b1"}, res.Metadata.Attempted)
	assert.Equal(t, "stop", res.Metadata.FinishReason)

	assert.Equal(t, "/chat/completions", got.path)
	assert.Equal(t, "Bearer sk-test", got.headers.Get("Authorization"))
	assert.Equal(t, "test-model", got.field("model"))
	assert.EqualValues(t, 50, got.field("max_tokens"))

	st := b.Stats()
	assert.EqualValues(t, 1, st.Requests)
	assert.EqualValues(t, 0, st.Failures)
	assert.EqualValues(t, 12, st.TokensUsed)
	assert.True(t, st.Ready)
}

func TestOpenAI_EstimatesMissingUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatOK(w, "four words of output", false)
	}))
	defer srv.Close()

	b := newTestBackend(t, testConfig(srv.URL))
	res, err := b.Generate(context.Background(), &llm.GenerationRequest{Prompt: llm.TextPrompt("hello")})
	require.NoError(t, err)

	assert.Positive(t, res.Usage.PromptTokens)
	assert.Positive(t, res.Usage.CompletionTokens)
	assert.Equal(t, res.Usage.PromptTokens+res.Usage.CompletionTokens, res.Usage.TotalTokens)
}

func TestOpenAI_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}
		chatOK(w, "ok", true)
	}))
	defer srv.Close()

	b := newTestBackend(t, testConfig(srv.URL))
	res, err := b.Generate(context.Background(), &llm.GenerationRequest{Prompt: llm.TextPrompt("hi")})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 0, b.Stats().Failures)
}

func TestOpenAI_ExhaustedRetriesCountOneFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer srv.Close()

	b := newTestBackend(t, testConfig(srv.URL))
	_, err := b.Generate(context.Background(), &llm.GenerationRequest{Prompt: llm.TextPrompt("hi")})
	require.Error(t, err)
	assert.Equal(t, llm.KindCall, llm.KindOf(err))
	assert.EqualValues(t, 3, calls.Load())

	st := b.Stats()
	assert.EqualValues(t, 1, st.Requests)
	assert.EqualValues(t, 1, st.Failures)
}

func TestOpenAI_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   llm.Kind
	}{
		{"context length", http.StatusBadRequest, `{"error":{"message":"too long","code":"context_length_exceeded"}}`, llm.KindTokenLimit},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, llm.KindInit},
		{"not found", http.StatusNotFound, `{"error":{"message":"no such model"}}`, llm.KindInvalidRequest},
		{"server error", http.StatusInternalServerError, `oops`, llm.KindCall},
		{"rate limit", http.StatusTooManyRequests, `{}`, llm.KindRateLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Header: http.Header{"Retry-After": {"3"}}}
			err := classifyHTTPError("b1", "m", resp, []byte(tt.body))
			assert.Equal(t, tt.want, llm.KindOf(err))

			var e *llm.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.status, e.StatusCode)
			if tt.want == llm.KindRateLimit {
				assert.Equal(t, 3*time.Second, e.RetryAfter)
			}
		})
	}
}

func TestOpenAI_PermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad","code":"context_length_exceeded"}}`))
	}))
	defer srv.Close()

	b := newTestBackend(t, testConfig(srv.URL))
	_, err := b.Generate(context.Background(), &llm.GenerationRequest{Prompt: llm.TextPrompt("hi")})
	require.Error(t, err)
	assert.True(t, llm.IsPermanent(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestOpenAI_CancelLeavesCountersAlone(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	b := newTestBackend(t, testConfig(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Generate(ctx, &llm.GenerationRequest{Prompt: llm.TextPrompt("hi")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st := b.Stats()
	assert.EqualValues(t, 0, st.Requests)
	assert.EqualValues(t, 0, st.Failures)
}

func TestOpenAI_EmptyPromptAndEmbedInput(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	b := newTestBackend(t, testConfig(srv.URL))
	_, err := b.Generate(context.Background(), &llm.GenerationRequest{})
	assert.Equal(t, llm.KindInvalidRequest, llm.KindOf(err))

	res, err := b.Embed(context.Background(), &llm.EmbeddingRequest{})
	require.NoError(t, err)
	assert.Empty(t, res.Vectors)
	assert.EqualValues(t, 0, calls.Load())
	assert.EqualValues(t, 0, b.Stats().Requests)
}

func TestOpenAI_EmbedReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		_, _ = w.Write([]byte(`{"model":"test-model","data":[
			{"index":1,"embedding":[2,2]},
			{"index":0,"embedding":[1,1]}
		],"usage":{"prompt_tokens":4,"total_tokens":4}}`))
	}))
	defer srv.Close()

	b := newTestBackend(t, testConfig(srv.URL))
	res, err := b.Embed(context.Background(), &llm.EmbeddingRequest{Texts: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {2, 2}}, res.Vectors)
	assert.Equal(t, 4, res.Usage.TotalTokens)
}

func TestOpenAI_TokenLimitBeforeSend(t *testing.T) {
	var calls atomic.Int32
	var got capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		got.record(r)
		chatOK(w, "ok", true)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ContextWindow = 100
	b := newTestBackend(t, cfg)

	long := strings.Repeat("word ", 1000)
	_, err := b.Generate(context.Background(), &llm.GenerationRequest{Prompt: llm.TextPrompt(long)})
	require.Error(t, err)
	assert.Equal(t, llm.KindTokenLimit, llm.KindOf(err))
	assert.EqualValues(t, 0, calls.Load())
	assert.EqualValues(t, 0, b.Stats().Requests)

	_, err = b.Generate(context.Background(), &llm.GenerationRequest{
		Prompt:    llm.TextPrompt(long),
		MaxTokens: 20,
		Truncate:  true,
	})
	require.NoError(t, err)
	msgs, ok := got.field("messages").([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	sent := msgs[0].(map[string]any)["content"].(string)
	assert.Less(t, len(sent), len(long))
	assert.True(t, strings.HasPrefix(long, sent))
}

func TestOpenAI_ClampsMaxTokens(t *testing.T) {
	var got capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.record(r)
		chatOK(w, "ok", true)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ContextWindow = 100
	b := newTestBackend(t, cfg)

	_, err := b.Generate(context.Background(), &llm.GenerationRequest{Prompt: llm.TextPrompt("hi"), MaxTokens: 500})
	require.NoError(t, err)
	mt, ok := got.field("max_tokens").(float64)
	require.True(t, ok)
	assert.Less(t, mt, float64(100))
	assert.Positive(t, mt)
}

func TestOpenAI_LocalRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatOK(w, "ok", true)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Rate = 0.001
	cfg.Burst = 1
	cfg.RateWait = 10 * time.Millisecond
	b := newTestBackend(t, cfg)

	_, err := b.Generate(context.Background(), &llm.GenerationRequest{Prompt: llm.TextPrompt("one")})
	require.NoError(t, err)

	_, err = b.Generate(context.Background(), &llm.GenerationRequest{Prompt: llm.TextPrompt("two")})
	require.Error(t, err)
	assert.Equal(t, llm.KindRateLimit, llm.KindOf(err))
	assert.EqualValues(t, 1, b.Stats().Failures)
}

func TestOpenAI_InitRequiresKey(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.APIKey = ""
	b := newTestBackend(t, cfg)

	err := b.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, llm.KindInit, llm.KindOf(err))
	assert.False(t, b.Stats().Ready)
}

func TestOpenAI_VerifyOnInit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" && r.Header.Get("Authorization") == "Bearer sk-test" {
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.VerifyOnInit = true
	b := newTestBackend(t, cfg)
	require.NoError(t, b.Initialize(context.Background()))

	cfg.APIKey = "sk-wrong"
	bad := newTestBackend(t, cfg)
	assert.Error(t, bad.Initialize(context.Background()))
}

func TestOpenAI_ClosedBackendIsUnavailable(t *testing.T) {
	b := newTestBackend(t, testConfig("http://127.0.0.1:1"))
	require.NoError(t, b.Close())

	_, err := b.Generate(context.Background(), &llm.GenerationRequest{Prompt: llm.TextPrompt("hi")})
	assert.Equal(t, llm.KindUnavailable, llm.KindOf(err))
}

func TestAzure_DeploymentRouting(t *testing.T) {
	var got capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.record(r)
		chatOK(w, "from azure", true)
	}))
	defer srv.Close()

	b := newTestBackend(t, Config{
		ID:         "az",
		Type:       TypeAzure,
		APIKey:     "az-key",
		BaseURL:    srv.URL,
		Deployment: "dep1",
	})
	assert.Equal(t, "dep1", b.Model())

	res, err := b.Generate(context.Background(), &llm.GenerationRequest{Prompt: llm.TextPrompt("hi")})
	require.NoError(t, err)
	assert.Equal(t, "from azure", res.Text)

	assert.Equal(t, "/openai/deployments/dep1/chat/completions", got.path)
	assert.Equal(t, "api-version="+DefaultAPIVersion, got.query)
	assert.Equal(t, "az-key", got.headers.Get("api-key"))
	assert.Empty(t, got.headers.Get("Authorization"))
	assert.Nil(t, got.field("model"))
	assert.Equal(t, "azure", b.Stats().Kind)
}
