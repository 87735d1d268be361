package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuarantine_MarkAndClear(t *testing.T) {
	q := NewQuarantine(time.Hour)
	assert.False(t, q.IsQuarantined("a"))

	q.MarkFailed("a")
	assert.True(t, q.IsQuarantined("a"))
	_, ok := q.FailedAt("a")
	assert.True(t, ok)

	q.Clear("a")
	assert.False(t, q.IsQuarantined("a"))
}

func TestQuarantine_Expires(t *testing.T) {
	q := NewQuarantine(30 * time.Millisecond)
	q.MarkFailed("a")
	require.True(t, q.IsQuarantined("a"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, q.IsQuarantined("a"))
	assert.Empty(t, q.Members())
}

func TestQuarantine_OrderAndPick(t *testing.T) {
	q := NewQuarantine(time.Hour)
	q.MarkFailed("b")
	time.Sleep(2 * time.Millisecond)
	q.MarkFailed("a")
	time.Sleep(2 * time.Millisecond)
	q.MarkFailed("c")

	assert.Equal(t, []string{"b", "a", "c"}, q.Members())

	oldest, ok := q.Oldest([]string{"a", "b", "c", "d"})
	require.True(t, ok)
	assert.Equal(t, "b", oldest)

	newest, ok := q.Newest([]string{"a", "b", "c"})
	require.True(t, ok)
	assert.Equal(t, "c", newest)

	oldest, ok = q.Oldest([]string{"a", "c"})
	require.True(t, ok)
	assert.Equal(t, "a", oldest)

	_, ok = q.Oldest([]string{"d"})
	assert.False(t, ok)
}

func TestQuarantine_DefaultInterval(t *testing.T) {
	assert.Equal(t, DefaultRetryInterval, NewQuarantine(0).Interval())
}

func TestHealth_TripsAtThreshold(t *testing.T) {
	h := NewHealth(3)
	assert.True(t, h.Available())

	assert.False(t, h.RecordFailure(nil))
	assert.False(t, h.RecordFailure(nil))
	h.RecordSuccess()
	assert.Equal(t, 0, h.Snapshot().ErrorCount, "success clears the count while available")

	for i := 0; i < 2; i++ {
		h.RecordFailure(nil)
	}
	assert.True(t, h.RecordFailure(assert.AnError), "third failure trips")
	assert.False(t, h.Available())
	assert.False(t, h.RecordFailure(nil), "already tripped")

	h.RecordSuccess()
	assert.False(t, h.Available(), "success does not restore a tripped provider")
	snap := h.Snapshot()
	assert.Equal(t, 4, snap.ErrorCount)
	assert.Equal(t, assert.AnError.Error(), snap.LastError)

	h.Reset()
	assert.True(t, h.Available())
	assert.Equal(t, 0, h.Snapshot().ErrorCount)
}

func TestHealthRegistry_Get(t *testing.T) {
	r := NewHealthRegistry(2)
	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	assert.Equal(t, 2, a.Snapshot().Threshold)

	r.Delete("a")
	assert.NotSame(t, a, r.Get("a"))
}
