package cache

import (
	"context"
	"testing"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func TestCache_SetGet(t *testing.T) {
	c := NewCache()

	require.NoError(t, c.Set("geocode:7.0731,125.6128", "Davao City", time.Minute, "geocode"))

	var address string
	found, err := c.Get("geocode:7.0731,125.6128", &address)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Davao City", address)

	found, err = c.Get("geocode:missing", &address)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_Expiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	c := NewCache().WithClock(clock.Now)

	require.NoError(t, c.Set("short", true, time.Minute, "dedup"))
	require.NoError(t, c.Set("forever", true, 0, "dedup"))

	assert.True(t, c.Has("short"))
	clock.Advance(2 * time.Minute)
	assert.False(t, c.Has("short"))
	assert.False(t, c.Has("short"))
	assert.True(t, c.Has("forever"), "Zero TTL never expires")

	stats := c.Stats()
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.StaleEntries)
	assert.Equal(t, 2, stats.ByNamespace["dedup"])

	assert.Equal(t, 1, c.CleanupStale())
	assert.Equal(t, 1, c.Stats().TotalEntries)
}

func TestCache_DeleteAndClear(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.Set("a", 1, time.Minute, "x"))
	require.NoError(t, c.Set("b", 2, time.Minute, "x"))

	c.Delete("a")
	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))

	c.Clear()
	assert.Equal(t, 0, c.Stats().TotalEntries)
}

func TestCache_UnmarshalError(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.Set("a", "text", time.Minute, "x"))

	var n int
	_, err := c.Get("a", &n)
	assert.Error(t, err)
}

func TestCache_PeriodicCleanupStopsWithContext(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := NewCache().WithClock(clock.Now)
	require.NoError(t, c.Set("a", 1, time.Millisecond, "x"))
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(logging.EnsureLogger(context.Background()))
	defer cancel()
	c.StartPeriodicCleanup(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return c.Stats().TotalEntries == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCache_PeriodicCleanupBareContext(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := NewCache().WithClock(clock.Now)
	require.NoError(t, c.Set("a", 1, time.Millisecond, "x"))
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartPeriodicCleanup(ctx, 5*time.Millisecond)

	// Removal is logged from the cleanup goroutine
	assert.Eventually(t, func() bool {
		return c.Stats().TotalEntries == 0
	}, time.Second, 5*time.Millisecond)
}
