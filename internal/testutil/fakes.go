package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/allaspectsdev/llmgate/internal/llm"
)

// FakeBackend is a scriptable llm.Backend for orchestration tests.
type FakeBackend struct {
	id    string
	model string

	mu          sync.Mutex
	reply       string
	failErr     error
	failLeft    int
	failAlways  bool
	initErr     error
	delay       time.Duration
	calls       int
	requests    int64
	failures    int64
	tokens      int64
	initialized bool
	closed      bool
	lastRequest *llm.GenerationRequest
}

var _ llm.Backend = (*FakeBackend)(nil)

// NewFakeBackend returns a backend that always succeeds.
func NewFakeBackend(id string) *FakeBackend {
	return &FakeBackend{id: id, model: id + "-model", reply: "reply from " + id}
}

// WithModel sets the reported model name.
func (f *FakeBackend) WithModel(model string) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.model = model
	return f
}

// WithReply sets the text returned on success.
func (f *FakeBackend) WithReply(text string) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = text
	return f
}

// FailWith makes every call fail with err.
func (f *FakeBackend) FailWith(err error) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr, f.failAlways = err, true
	return f
}

// FailTimes makes the next n calls fail with err.
func (f *FakeBackend) FailTimes(n int, err error) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr, f.failLeft, f.failAlways = err, n, false
	return f
}

// Recover makes subsequent calls succeed.
func (f *FakeBackend) Recover() *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr, f.failLeft, f.failAlways = nil, 0, false
	return f
}

// WithInitError makes Initialize fail.
func (f *FakeBackend) WithInitError(err error) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
	return f
}

// WithDelay makes each call block for d or until its context ends.
func (f *FakeBackend) WithDelay(d time.Duration) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// Calls returns how many Generate and Embed calls were made.
func (f *FakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// LastRequest returns the most recent generation request.
func (f *FakeBackend) LastRequest() *llm.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRequest
}

// Closed reports whether Close was called.
func (f *FakeBackend) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeBackend) ID() string { return f.id }

func (f *FakeBackend) Model() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model
}

func (f *FakeBackend) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return llm.InitError(f.id, f.initErr)
	}
	f.initialized = true
	return nil
}

// begin records a call and returns the scripted failure, if any.
func (f *FakeBackend) begin(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	switch {
	case f.failAlways:
		f.failures++
		return f.failErr
	case f.failLeft > 0:
		f.failLeft--
		f.failures++
		return f.failErr
	}
	f.tokens += 2
	return nil
}

func (f *FakeBackend) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	f.mu.Lock()
	f.lastRequest = req
	f.mu.Unlock()

	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &llm.GenerationResult{
		Text:  f.reply,
		Usage: llm.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		Metadata: llm.Metadata{
			BackendID:    f.id,
			Model:        f.model,
			Attempted:    []string{f.id},
			FinishReason: "stop",
		},
	}, nil
}

func (f *FakeBackend) Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResult, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(req.Texts))
	for i, text := range req.Texts {
		vectors[i] = []float32{float32(len(text)), float32(i)}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &llm.EmbeddingResult{
		Vectors:  vectors,
		Usage:    llm.Usage{PromptTokens: 2, TotalTokens: 2},
		Metadata: llm.Metadata{BackendID: f.id, Model: f.model, Attempted: []string{f.id}},
	}, nil
}

func (f *FakeBackend) Stats() llm.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return llm.Stats{
		ID:          f.id,
		Kind:        "fake",
		Model:       f.model,
		Requests:    f.requests,
		Failures:    f.failures,
		TokensUsed:  f.tokens,
		SuccessRate: llm.SuccessRate(f.requests, f.failures),
		Ready:       f.initialized,
	}
}

func (f *FakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
