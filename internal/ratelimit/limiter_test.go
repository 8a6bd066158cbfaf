package ratelimit

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestAllow_WindowBoundary(t *testing.T) {
	c := newClock()
	l := New(Config{}, WithClock(c.now))

	for i := 0; i < DefaultRequests; i++ {
		require.NoError(t, l.Allow("sess-1"), "request %d", i+1)
		c.advance(100 * time.Millisecond)
	}

	err := l.Allow("sess-1")
	require.ErrorIs(t, err, ErrRateLimited)
	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	require.Equal(t, "sess-1", limitErr.Key)
	require.Equal(t, 9*time.Second, limitErr.RetryAfter)

	require.NoError(t, l.Allow("sess-2"), "other keys are independent")

	c.advance(DefaultWindow)
	require.NoError(t, l.Allow("sess-1"))
}

func TestAllow_RejectedRequestsDoNotConsumeQuota(t *testing.T) {
	c := newClock()
	l := New(Config{Requests: 2, Window: time.Second}, WithClock(c.now))

	require.NoError(t, l.Allow("k"))
	require.NoError(t, l.Allow("k"))
	for i := 0; i < 5; i++ {
		require.Error(t, l.Allow("k"))
	}
	c.advance(time.Second)
	require.NoError(t, l.Allow("k"))
	require.NoError(t, l.Allow("k"))
}

func TestAllow_EvictsKeyWithOldestRequestAtCapacity(t *testing.T) {
	c := newClock()
	l := New(Config{MaxKeys: 3, Window: time.Minute, SweepInterval: time.Hour}, WithClock(c.now))

	require.NoError(t, l.Allow("a"))
	c.advance(time.Second)
	require.NoError(t, l.Allow("b"))
	c.advance(time.Second)
	require.NoError(t, l.Allow("c"))
	c.advance(time.Second)
	// "a" is touched again but its first timestamp is still the oldest.
	require.NoError(t, l.Allow("a"))
	c.advance(time.Second)

	require.NoError(t, l.Allow("d"))
	require.Equal(t, 3, l.Len())

	l.mu.Lock()
	_, hasA := l.windows["a"]
	_, hasB := l.windows["b"]
	l.mu.Unlock()
	require.False(t, hasA)
	require.True(t, hasB)
}

func TestAllow_SweepRunsOnCadence(t *testing.T) {
	c := newClock()
	l := New(Config{Window: time.Second, SweepInterval: 30 * time.Second}, WithClock(c.now))

	for i := 0; i < 50; i++ {
		require.NoError(t, l.Allow(fmt.Sprintf("k-%d", i)))
	}
	c.advance(10 * time.Second)
	require.NoError(t, l.Allow("fresh"))
	require.Equal(t, 51, l.Len(), "no sweep before the interval elapses")

	c.advance(25 * time.Second)
	require.NoError(t, l.Allow("fresh-2"))
	require.Equal(t, 1, l.Len(), "idle keys are reclaimed by the sweep")
}

func TestReset(t *testing.T) {
	l := New(Config{Requests: 1})
	require.NoError(t, l.Allow("k"))
	require.Error(t, l.Allow("k"))
	l.Reset()
	require.Equal(t, 0, l.Len())
	require.NoError(t, l.Allow("k"))
}

func TestKey(t *testing.T) {
	require.Equal(t, "init|tenant-a|10.0.0.1", Key("init", "tenant-a", "10.0.0.1"))
}
