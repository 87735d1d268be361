package resilience

import (
	"sync"
	"time"
)

// DefaultErrorThreshold is the number of failures that take a provider out
// of rotation.
const DefaultErrorThreshold = 5

// Health tracks failures of one gateway provider. Once the error count
// reaches the threshold the provider is unavailable until Reset is called;
// successes do not bring it back on their own.
type Health struct {
	mu sync.Mutex

	threshold   int
	errorCount  int
	available   bool
	lastError   string
	lastFailure time.Time
	trippedAt   time.Time
}

// HealthSnapshot is a copy of a Health's state.
type HealthSnapshot struct {
	Available   bool      `json:"available"`
	ErrorCount  int       `json:"error_count"`
	Threshold   int       `json:"error_threshold"`
	LastError   string    `json:"last_error,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	TrippedAt   time.Time `json:"tripped_at,omitempty"`
}

// NewHealth creates a healthy tracker. A threshold below 1 selects
// DefaultErrorThreshold.
func NewHealth(threshold int) *Health {
	if threshold < 1 {
		threshold = DefaultErrorThreshold
	}
	return &Health{threshold: threshold, available: true}
}

// Available reports whether the provider may receive traffic.
func (h *Health) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.available
}

// RecordSuccess clears the error count of an available provider.
func (h *Health) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.available {
		h.errorCount = 0
	}
}

// RecordFailure counts a failure and reports whether this call tripped the
// provider into the unavailable state.
func (h *Health) RecordFailure(err error) (tripped bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.errorCount++
	h.lastFailure = time.Now()
	if err != nil {
		h.lastError = err.Error()
	}
	if h.available && h.errorCount >= h.threshold {
		h.available = false
		h.trippedAt = h.lastFailure
		return true
	}
	return false
}

// Reset makes the provider available again with a clean count.
func (h *Health) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount = 0
	h.available = true
	h.lastError = ""
	h.trippedAt = time.Time{}
}

// Snapshot returns the current state.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		Available:   h.available,
		ErrorCount:  h.errorCount,
		Threshold:   h.threshold,
		LastError:   h.lastError,
		LastFailure: h.lastFailure,
		TrippedAt:   h.trippedAt,
	}
}

// HealthRegistry hands out one Health per provider, created on first use.
type HealthRegistry struct {
	mu sync.Mutex

	entries   map[string]*Health
	threshold int
}

// NewHealthRegistry creates a registry whose trackers share threshold.
func NewHealthRegistry(threshold int) *HealthRegistry {
	return &HealthRegistry{
		entries:   make(map[string]*Health),
		threshold: threshold,
	}
}

// Get returns the tracker for provider, creating one if necessary.
func (r *HealthRegistry) Get(provider string) *Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.entries[provider]
	if !ok {
		h = NewHealth(r.threshold)
		r.entries[provider] = h
	}
	return h
}

// Delete drops the tracker for provider.
func (r *HealthRegistry) Delete(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, provider)
}
