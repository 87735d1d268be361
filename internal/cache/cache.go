package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// Entry is a cached embedding result with metadata.
type Entry struct {
	Provider  string      `json:"provider"`
	Model     string      `json:"model"`
	Vectors   [][]float32 `json:"vectors"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Expired returns true if the entry has passed its expiration time.
func (e *Entry) Expired() bool {
	return !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt)
}

// Store is the persistence interface for cached embeddings. Implementations
// may use SQLite or any other backend.
type Store interface {
	GetEmbedding(key string) (*Entry, error)
	SetEmbedding(key string, entry *Entry) error
	DeleteExpired() error
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// EmbeddingCache caches embedding vectors in a two-tier cache: an in-memory
// LRU in front of an optional persistent store. Vectors are copied on the
// way in and out so callers cannot alias cached data.
type EmbeddingCache struct {
	memory *lru.Cache[string, *Entry]
	store  Store
	ttl    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates an EmbeddingCache.
//
//   - store is the persistent backend (may be nil for memory-only).
//   - ttl is how long an entry stays valid; zero keeps entries until evicted.
//   - maxEntries bounds the in-memory LRU.
func New(store Store, ttl time.Duration, maxEntries int) (*EmbeddingCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	memCache, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: creating LRU: %w", err)
	}

	return &EmbeddingCache{
		memory: memCache,
		store:  store,
		ttl:    ttl,
	}, nil
}

// Get returns the cached vectors for texts embedded by provider with model.
func (c *EmbeddingCache) Get(provider, model string, texts []string) ([][]float32, bool) {
	key := Key(provider, model, texts)

	// Tier 1: in-memory LRU.
	if entry, ok := c.memory.Get(key); ok {
		if !entry.Expired() {
			c.hits.Add(1)
			return cloneVectors(entry.Vectors), true
		}
		c.memory.Remove(key)
	}

	// Tier 2: persistent store.
	if c.store != nil {
		entry, err := c.store.GetEmbedding(key)
		if err == nil && entry != nil && !entry.Expired() && len(entry.Vectors) == len(texts) {
			c.memory.Add(key, entry)
			c.hits.Add(1)
			return cloneVectors(entry.Vectors), true
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Put stores vectors for texts. A vector count that does not match the
// text count is ignored.
func (c *EmbeddingCache) Put(provider, model string, texts []string, vectors [][]float32) {
	if len(texts) == 0 || len(vectors) != len(texts) {
		return
	}
	key := Key(provider, model, texts)

	now := time.Now()
	entry := &Entry{
		Provider:  provider,
		Model:     model,
		Vectors:   cloneVectors(vectors),
		CreatedAt: now,
	}
	if c.ttl > 0 {
		entry.ExpiresAt = now.Add(c.ttl)
	}

	c.memory.Add(key, entry)

	if c.store != nil {
		if err := c.store.SetEmbedding(key, entry); err != nil {
			log.Warn().Err(err).Str("component", "cache").Msg("persisting embedding failed")
		}
	}
}

// Stats returns the current entry count and hit counters.
func (c *EmbeddingCache) Stats() Stats {
	return Stats{
		Entries: c.memory.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// Purge drops every in-memory entry.
func (c *EmbeddingCache) Purge() {
	c.memory.Purge()
}

// StartPurger starts a background goroutine that periodically removes
// expired entries from the persistent store and the in-memory LRU until ctx
// is cancelled. The returned channel is closed when the goroutine exits, so
// callers can wait for it before closing the underlying store.
func (c *EmbeddingCache) StartPurger(ctx context.Context, every time.Duration) <-chan struct{} {
	if every <= 0 {
		every = 5 * time.Minute
	}
	done := make(chan struct{})
	ticker := time.NewTicker(every)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Error().Interface("panic", r).Msg("cache purger: recovered from panic")
						}
					}()
					c.purge()
				}()
			}
		}
	}()
	return done
}

// purge removes expired entries from both tiers.
func (c *EmbeddingCache) purge() {
	if c.store != nil {
		if err := c.store.DeleteExpired(); err != nil {
			log.Warn().Err(err).Str("component", "cache").Msg("purging persistent cache failed")
		}
	}

	for _, key := range c.memory.Keys() {
		if entry, ok := c.memory.Peek(key); ok && entry.Expired() {
			c.memory.Remove(key)
		}
	}
}

func cloneVectors(in [][]float32) [][]float32 {
	out := make([][]float32, len(in))
	for i, v := range in {
		out[i] = append([]float32(nil), v...)
	}
	return out
}
