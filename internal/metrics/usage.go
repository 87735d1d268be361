package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmgate/internal/gateway"
	"github.com/allaspectsdev/llmgate/internal/store"
	"github.com/allaspectsdev/llmgate/internal/tokenizer"
)

// DefaultUsageBuffer is the number of usage rows queued before new rows are
// dropped.
const DefaultUsageBuffer = 1024

// UsageStore persists usage rows.
type UsageStore interface {
	InsertUsage(u *store.Usage) error
}

// UsageRecorder writes one usage row per gateway call. Rows are queued and
// written by a single goroutine so that Observe never waits on the database.
type UsageRecorder struct {
	store  UsageStore
	queue  chan *store.Usage
	done   chan struct{}
	logger zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	written atomic.Int64
}

var _ gateway.Observer = (*UsageRecorder)(nil)

// NewUsageRecorder starts a recorder over st. A buffer <= 0 uses
// DefaultUsageBuffer.
func NewUsageRecorder(st UsageStore, buffer int) *UsageRecorder {
	if buffer <= 0 {
		buffer = DefaultUsageBuffer
	}
	r := &UsageRecorder{
		store:  st,
		queue:  make(chan *store.Usage, buffer),
		done:   make(chan struct{}),
		logger: log.With().Str("component", "usage").Logger(),
	}
	go r.run()
	return r
}

// Observe queues the row for ev. When the queue is full the row is dropped.
func (r *UsageRecorder) Observe(ev gateway.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- usageFromEvent(ev):
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn().Msg("usage queue full, dropping rows")
		}
	}
}

// Dropped returns the number of rows lost to a full queue.
func (r *UsageRecorder) Dropped() int64 { return r.dropped.Load() }

// Written returns the number of rows stored.
func (r *UsageRecorder) Written() int64 { return r.written.Load() }

// Close stops accepting rows and waits until the queue is drained.
func (r *UsageRecorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return nil
}

func (r *UsageRecorder) run() {
	defer close(r.done)
	for u := range r.queue {
		if err := r.store.InsertUsage(u); err != nil {
			r.logger.Warn().Err(err).Str("request_id", u.ID).Msg("failed to record usage")
			continue
		}
		r.written.Add(1)
	}
}

func usageFromEvent(ev gateway.Event) *store.Usage {
	id := ev.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	u := &store.Usage{
		ID:           id,
		Timestamp:    ev.Time,
		Op:           ev.Op,
		Provider:     ev.ProviderID,
		ProviderKind: ev.ProviderKind,
		Backend:      ev.BackendID,
		Model:        ev.Model,
		Task:         ev.Task,
		TokensIn:     int64(ev.Usage.PromptTokens),
		TokensOut:    int64(ev.Usage.CompletionTokens),
		LatencyMs:    ev.Latency.Milliseconds(),
		Attempts:     len(ev.Attempted),
		Fallback:     ev.Fallback,
		CacheHit:     ev.Cached,
		Outcome:      ev.Outcome(),
	}
	if ev.Err != nil {
		u.ErrorMessage = ev.Err.Error()
	}
	if ev.Err == nil && !ev.Cached {
		u.CostUSD = tokenizer.EstimateCost(ev.Model, ev.Usage.PromptTokens, ev.Usage.CompletionTokens)
	}
	return u
}
