package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Mock Store
// ---------------------------------------------------------------------------

type mockStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	purged  int
}

func newMockStore() *mockStore {
	return &mockStore{entries: make(map[string]*Entry)}
}

func (m *mockStore) GetEmbedding(key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e, nil
	}
	return nil, errors.New("not found")
}

func (m *mockStore) SetEmbedding(key string, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
	return nil
}

func (m *mockStore) DeleteExpired() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged++
	for k, e := range m.entries {
		if e.Expired() {
			delete(m.entries, k)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Key tests
// ---------------------------------------------------------------------------

func TestKey_SameInputsSameKey(t *testing.T) {
	k1 := Key("p", "m", []string{"a", "b"})
	k2 := Key("p", "m", []string{"a", "b"})
	if k1 != k2 {
		t.Errorf("expected identical keys, got %q and %q", k1, k2)
	}
	if len(k1) != 64 {
		t.Errorf("key length: got %d, want 64", len(k1))
	}
}

func TestKey_Distinguishes(t *testing.T) {
	base := Key("p", "m", []string{"ab", "c"})
	others := map[string]string{
		"provider": Key("q", "m", []string{"ab", "c"}),
		"model":    Key("p", "n", []string{"ab", "c"}),
		"split":    Key("p", "m", []string{"a", "bc"}),
		"order":    Key("p", "m", []string{"c", "ab"}),
		"count":    Key("p", "m", []string{"ab", "c", ""}),
	}
	for name, k := range others {
		if k == base {
			t.Errorf("%s: expected a different key", name)
		}
	}
}

// ---------------------------------------------------------------------------
// EmbeddingCache tests
// ---------------------------------------------------------------------------

func TestGet_Miss(t *testing.T) {
	c, err := New(nil, time.Minute, 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.Get("p", "m", []string{"x"}); ok {
		t.Fatal("expected miss on empty cache")
	}
	if s := c.Stats(); s.Misses != 1 || s.Hits != 0 {
		t.Errorf("stats: got %+v", s)
	}
}

func TestPutGet_Memory(t *testing.T) {
	c, _ := New(nil, time.Minute, 10)
	texts := []string{"a", "b"}
	vecs := [][]float32{{1, 2}, {3, 4}}
	c.Put("p", "m", texts, vecs)

	got, ok := c.Get("p", "m", texts)
	if !ok {
		t.Fatal("expected hit")
	}
	if len(got) != 2 || got[1][0] != 3 {
		t.Errorf("vectors: got %v", got)
	}

	// Mutating either side must not affect the cached copy.
	vecs[0][0] = 99
	got[1][0] = 99
	again, _ := c.Get("p", "m", texts)
	if again[0][0] != 1 || again[1][0] != 3 {
		t.Errorf("cached vectors were aliased: %v", again)
	}
	if s := c.Stats(); s.Hits != 2 || s.Entries != 1 {
		t.Errorf("stats: got %+v", s)
	}
}

func TestPut_MismatchedCountIgnored(t *testing.T) {
	c, _ := New(nil, time.Minute, 10)
	c.Put("p", "m", []string{"a", "b"}, [][]float32{{1}})
	c.Put("p", "m", nil, nil)
	if s := c.Stats(); s.Entries != 0 {
		t.Errorf("entries: got %d, want 0", s.Entries)
	}
}

func TestGet_PersistentStorePromotes(t *testing.T) {
	st := newMockStore()
	texts := []string{"hello"}
	st.entries[Key("p", "m", texts)] = &Entry{Vectors: [][]float32{{0.5}}, ExpiresAt: time.Now().Add(time.Hour)}

	c, _ := New(st, time.Minute, 10)
	got, ok := c.Get("p", "m", texts)
	if !ok || got[0][0] != 0.5 {
		t.Fatalf("expected hit from store, got %v %v", got, ok)
	}
	if c.Stats().Entries != 1 {
		t.Error("store hit should be promoted to memory")
	}
}

func TestPut_WritesThrough(t *testing.T) {
	st := newMockStore()
	c, _ := New(st, time.Minute, 10)
	c.Put("p", "m", []string{"x"}, [][]float32{{1}})
	if len(st.entries) != 1 {
		t.Errorf("store entries: got %d, want 1", len(st.entries))
	}
}

func TestLRUEviction(t *testing.T) {
	c, _ := New(nil, time.Minute, 2)
	c.Put("p", "m", []string{"1"}, [][]float32{{1}})
	c.Put("p", "m", []string{"2"}, [][]float32{{2}})
	c.Get("p", "m", []string{"1"}) // 1 is now most recent
	c.Put("p", "m", []string{"3"}, [][]float32{{3}})

	if _, ok := c.Get("p", "m", []string{"2"}); ok {
		t.Error("least recently used entry should be evicted")
	}
	if _, ok := c.Get("p", "m", []string{"1"}); !ok {
		t.Error("recently used entry should survive")
	}
}

func TestTTLExpiry(t *testing.T) {
	c, _ := New(nil, 20*time.Millisecond, 10)
	c.Put("p", "m", []string{"x"}, [][]float32{{1}})
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("p", "m", []string{"x"}); ok {
		t.Error("expired entry should miss")
	}
}

func TestPurger(t *testing.T) {
	st := newMockStore()
	c, _ := New(st, 10*time.Millisecond, 10)
	c.Put("p", "m", []string{"x"}, [][]float32{{1}})

	ctx, cancel := context.WithCancel(context.Background())
	done := c.StartPurger(ctx, 20*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	if c.Stats().Entries != 0 {
		t.Error("purger should evict expired memory entries")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.purged == 0 || len(st.entries) != 0 {
		t.Errorf("purger should clear the store: purged=%d entries=%d", st.purged, len(st.entries))
	}
}
