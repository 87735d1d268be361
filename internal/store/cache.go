package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EmbeddingEntry is a cached embedding result stored in the embeddings table.
type EmbeddingEntry struct {
	Key       string
	Provider  string
	Model     string
	Vectors   [][]float32
	CreatedAt time.Time
	// ExpiresAt is zero for entries without a TTL.
	ExpiresAt time.Time
	HitCount  int64
	LastHit   sql.NullString
}

// GetEmbedding retrieves an embedding entry by its key.
// Returns sql.ErrNoRows (wrapped) if the key does not exist.
func (s *Store) GetEmbedding(key string) (*EmbeddingEntry, error) {
	e := &EmbeddingEntry{}
	var blob []byte
	var created, expires string
	err := s.reader.QueryRow(`
		SELECT key, provider, model, vectors, created_at, expires_at, hit_count, last_hit
		FROM embeddings WHERE key = ?`, key,
	).Scan(&e.Key, &e.Provider, &e.Model, &blob, &created, &expires, &e.HitCount, &e.LastHit)
	if err != nil {
		return nil, fmt.Errorf("store: get embedding %s: %w", key, err)
	}
	if err := json.Unmarshal(blob, &e.Vectors); err != nil {
		return nil, fmt.Errorf("store: decode embedding %s: %w", key, err)
	}
	e.CreatedAt = parseTime(created)
	if expires != "" {
		e.ExpiresAt = parseTime(expires)
	}
	return e, nil
}

// SetEmbedding inserts or replaces an embedding entry.
func (s *Store) SetEmbedding(e *EmbeddingEntry) error {
	blob, err := json.Marshal(e.Vectors)
	if err != nil {
		return fmt.Errorf("store: encode embedding: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	expires := ""
	if !e.ExpiresAt.IsZero() {
		expires = formatTime(e.ExpiresAt)
	}
	_, err = s.writer.Exec(`
		INSERT OR REPLACE INTO embeddings (
			key, provider, model, vectors, created_at, expires_at, hit_count, last_hit
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key, e.Provider, e.Model, blob, formatTime(created), expires, e.HitCount, e.LastHit,
	)
	if err != nil {
		return fmt.Errorf("store: set embedding: %w", err)
	}
	return nil
}

// DeleteExpired removes all embeddings whose expires_at is in the past.
// It returns the number of rows deleted.
func (s *Store) DeleteExpired() (int64, error) {
	result, err := s.writer.Exec("DELETE FROM embeddings WHERE expires_at != '' AND expires_at < ?", formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("store: delete expired embeddings: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete expired rows affected: %w", err)
	}
	return n, nil
}

// IncrementHitCount increments the hit_count of an embedding entry and
// updates last_hit to the current time.
func (s *Store) IncrementHitCount(key string) error {
	result, err := s.writer.Exec(`
		UPDATE embeddings SET hit_count = hit_count + 1, last_hit = ?
		WHERE key = ?`, formatTime(time.Now()), key,
	)
	if err != nil {
		return fmt.Errorf("store: increment hit count: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: increment hit count rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: increment hit count: %w", sql.ErrNoRows)
	}
	return nil
}
