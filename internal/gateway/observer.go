package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/allaspectsdev/llmgate/internal/llm"
)

// Operations reported in Event.Op.
const (
	OpGenerate = "generate"
	OpEmbed    = "embed"
)

// Event describes one logical gateway call after it finished.
type Event struct {
	RequestID    string
	Op           string
	ProviderID   string
	ProviderKind string
	BackendID    string
	Model        string
	Task         string
	Attempted    []string
	Usage        llm.Usage
	Latency      time.Duration
	Fallback     bool
	Cached       bool
	Err          error
	Time         time.Time
}

// Outcome is "ok", "canceled" or the error kind.
func (e Event) Outcome() string {
	switch {
	case e.Err == nil:
		return "ok"
	case errors.Is(e.Err, context.Canceled), errors.Is(e.Err, context.DeadlineExceeded):
		return "canceled"
	default:
		return llm.KindOf(e.Err).String()
	}
}

// Observer receives an Event for every call. Observe runs on the caller's
// goroutine and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// EmbeddingCache stores embedding vectors by provider, model and input.
type EmbeddingCache interface {
	Get(provider, model string, texts []string) ([][]float32, bool)
	Put(provider, model string, texts []string, vectors [][]float32)
}
