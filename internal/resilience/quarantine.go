package resilience

import (
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultRetryInterval is how long a failed member stays quarantined.
const DefaultRetryInterval = 300 * time.Second

// Quarantine records the most recent failure time per member id. Entries
// expire after the retry interval; expiry is checked when the record is
// read, so no janitor goroutine runs. One Quarantine is owned by one Pool or
// Router and is safe for concurrent use.
type Quarantine struct {
	entries  *cache.Cache
	interval time.Duration
}

// NewQuarantine creates an empty record. A non-positive interval selects
// DefaultRetryInterval.
func NewQuarantine(interval time.Duration) *Quarantine {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	return &Quarantine{
		entries:  cache.New(interval, 0),
		interval: interval,
	}
}

// Interval returns the configured retry interval.
func (q *Quarantine) Interval() time.Duration { return q.interval }

// MarkFailed quarantines id from now on, replacing any older failure.
func (q *Quarantine) MarkFailed(id string) {
	q.entries.Set(id, time.Now(), cache.DefaultExpiration)
}

// Clear lifts the quarantine of id, typically after it succeeds again.
func (q *Quarantine) Clear(id string) {
	q.entries.Delete(id)
}

// Reset clears every entry.
func (q *Quarantine) Reset() {
	q.entries.Flush()
}

// IsQuarantined reports whether id failed within the retry interval.
func (q *Quarantine) IsQuarantined(id string) bool {
	_, ok := q.entries.Get(id)
	return ok
}

// FailedAt returns when id last failed, if it is still quarantined.
func (q *Quarantine) FailedAt(id string) (time.Time, bool) {
	v, ok := q.entries.Get(id)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// Members lists the quarantined ids ordered from the oldest failure to the
// most recent.
func (q *Quarantine) Members() []string {
	items := q.entries.Items()
	type entry struct {
		id string
		at time.Time
	}
	list := make([]entry, 0, len(items))
	for id, it := range items {
		list = append(list, entry{id: id, at: it.Object.(time.Time)})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].at.Equal(list[j].at) {
			return list[i].id < list[j].id
		}
		return list[i].at.Before(list[j].at)
	})
	ids := make([]string, len(list))
	for i, e := range list {
		ids[i] = e.id
	}
	return ids
}

// Oldest returns the least recently failed id among candidates that are
// quarantined.
func (q *Quarantine) Oldest(candidates []string) (string, bool) {
	return q.pick(candidates, func(a, b time.Time) bool { return a.Before(b) })
}

// Newest returns the most recently failed id among candidates that are
// quarantined.
func (q *Quarantine) Newest(candidates []string) (string, bool) {
	return q.pick(candidates, func(a, b time.Time) bool { return a.After(b) })
}

func (q *Quarantine) pick(candidates []string, better func(a, b time.Time) bool) (string, bool) {
	var (
		best   string
		bestAt time.Time
		found  bool
	)
	for _, id := range candidates {
		at, ok := q.FailedAt(id)
		if !ok {
			continue
		}
		if !found || better(at, bestAt) {
			best, bestAt, found = id, at, true
		}
	}
	return best, found
}
