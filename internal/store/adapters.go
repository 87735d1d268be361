package store

import (
	"github.com/allaspectsdev/llmgate/internal/cache"
)

// EmbeddingAdapter adapts Store to the cache.Store interface.
type EmbeddingAdapter struct {
	store *Store
}

var _ cache.Store = (*EmbeddingAdapter)(nil)

// NewEmbeddingAdapter creates a new EmbeddingAdapter wrapping the given Store.
func NewEmbeddingAdapter(s *Store) *EmbeddingAdapter {
	return &EmbeddingAdapter{store: s}
}

// GetEmbedding retrieves a cache entry by key and counts the hit.
func (a *EmbeddingAdapter) GetEmbedding(key string) (*cache.Entry, error) {
	e, err := a.store.GetEmbedding(key)
	if err != nil {
		return nil, err
	}
	_ = a.store.IncrementHitCount(key)
	return &cache.Entry{
		Provider:  e.Provider,
		Model:     e.Model,
		Vectors:   e.Vectors,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}, nil
}

// SetEmbedding stores a cache entry.
func (a *EmbeddingAdapter) SetEmbedding(key string, entry *cache.Entry) error {
	return a.store.SetEmbedding(&EmbeddingEntry{
		Key:       key,
		Provider:  entry.Provider,
		Model:     entry.Model,
		Vectors:   entry.Vectors,
		CreatedAt: entry.CreatedAt,
		ExpiresAt: entry.ExpiresAt,
	})
}

// DeleteExpired removes all expired embeddings from the store.
func (a *EmbeddingAdapter) DeleteExpired() error {
	_, err := a.store.DeleteExpired()
	return err
}
