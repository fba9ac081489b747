package prices

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_DeltaAgainstPriorPrice(t *testing.T) {
	c := NewCache()
	now := time.Now()

	c.Set("AAPL", 100, now)
	first, ok := c.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, 0.0, first.DailyDelta, "first observation has no prior to diff against")
	assert.Equal(t, 0.0, first.DailyDeltaPercent)

	c.Set("AAPL", 110, now.Add(time.Second))
	second, ok := c.Get("AAPL")
	require.True(t, ok)
	assert.InDelta(t, 10.0, second.DailyDelta, 1e-9)
	assert.InDelta(t, 10.0, second.DailyDeltaPercent, 1e-9)
}

func TestCache_LastWriteWins(t *testing.T) {
	c := NewCache()
	now := time.Now()

	// Simulated tick then remote event for the same symbol: the most recent
	// write is authoritative regardless of source.
	c.Set("AAPL", 100, now)
	c.Set("AAPL", 101, now.Add(time.Second))
	c.Set("AAPL", 120, now.Add(2*time.Second))

	asset, ok := c.Get("AAPL")
	require.True(t, ok)
	assert.InDelta(t, 120.0, asset.Price, 1e-9)
	assert.InDelta(t, 19.0, asset.DailyDelta, 1e-9)
}

func TestCache_ClearResetsDelta(t *testing.T) {
	c := NewCache()
	c.Set("MSFT", 300, time.Now())
	c.Set("MSFT", 310, time.Now())
	c.Clear()
	assert.Equal(t, 0, c.Len())

	c.Set("MSFT", 320, time.Now())
	asset, ok := c.Get("MSFT")
	require.True(t, ok)
	assert.Equal(t, 0.0, asset.DailyDelta, "delta restarts after clear")
}

func TestCache_IgnoresInvalidWrites(t *testing.T) {
	c := NewCache()
	c.Set("", 100, time.Now())
	c.Set("AAPL", 0, time.Now())
	c.Set("AAPL", -5, time.Now())
	assert.Equal(t, 0, c.Len())
}

func TestCache_NormalizesSymbols(t *testing.T) {
	c := NewCache()
	c.Set(" aapl ", 100, time.Now())
	_, ok := c.Get("AAPL")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestCache_ObserverNotifiedOnWrite(t *testing.T) {
	c := NewCache()
	var seen []Asset
	id := c.AddObserver(ObserverFunc(func(a Asset) {
		seen = append(seen, a)
	}))
	require.NotZero(t, id)

	c.Set("AAPL", 100, time.Now())
	c.Set("AAPL", 105, time.Now())
	require.Len(t, seen, 2)
	assert.InDelta(t, 5.0, seen[1].DailyDelta, 1e-9)

	c.RemoveObserver(id)
	c.Set("AAPL", 110, time.Now())
	assert.Len(t, seen, 2, "removed observer stops receiving writes")
}

func TestCache_AllReturnsSnapshot(t *testing.T) {
	c := NewCache()
	c.Set("AAPL", 100, time.Now())
	c.Set("MSFT", 300, time.Now())

	all := c.All()
	assert.Len(t, all, 2)
	all[0].Price = -1
	for _, a := range c.All() {
		assert.Greater(t, a.Price, 0.0, "mutating the snapshot must not affect the cache")
	}
}

func TestCache_LoadingAndErrorState(t *testing.T) {
	c := NewCache()
	assert.False(t, c.Loading())
	c.SetLoading(true)
	assert.True(t, c.Loading())

	c.SetError("price load failed")
	assert.Equal(t, "price load failed", c.LastError())
	c.SetError("")
	assert.Empty(t, c.LastError())
}
