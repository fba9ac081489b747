package live

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"compass/internal/config"
	"compass/internal/prices"
	"compass/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock delivers timer fires only when the test advances it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	return t.ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, rest []*fakeTimer
	for _, t := range c.timers {
		if t.at.After(c.now) {
			rest = append(rest, t)
		} else {
			due = append(due, t)
		}
	}
	c.timers = rest
	now := c.now
	c.mu.Unlock()
	for _, t := range due {
		t.ch <- now
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// seqRand replays a fixed sequence, cycling at the end.
type seqRand struct {
	mu     sync.Mutex
	values []float64
	idx    int
}

func (r *seqRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.values[r.idx%len(r.values)]
	r.idx++
	return v
}

type stubPrices struct {
	mu     sync.Mutex
	points []store.PricePoint
	err    error
	calls  int
}

func (s *stubPrices) LatestBySymbols(ctx context.Context, symbols []string) ([]store.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]store.PricePoint(nil), s.points...), nil
}

type stubHoldings struct {
	mu   sync.Mutex
	syms []string
}

func (s *stubHoldings) HoldingSymbols(ctx context.Context, portfolioID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.syms...), nil
}

func (s *stubHoldings) set(syms ...string) {
	s.mu.Lock()
	s.syms = syms
	s.mu.Unlock()
}

type fixture struct {
	clock    *fakeClock
	rnd      *seqRand
	cache    *prices.Cache
	feed     *store.Feed
	prices   *stubPrices
	holdings *stubHoldings
	engine   *Engine
}

func newFixture(t *testing.T, held []string, points []store.PricePoint) *fixture {
	t.Helper()
	f := &fixture{
		clock:    newFakeClock(),
		rnd:      &seqRand{values: []float64{0.5}},
		cache:    prices.NewCache(),
		feed:     store.NewFeed(16),
		prices:   &stubPrices{points: points},
		holdings: &stubHoldings{syms: held},
	}
	f.engine = NewEngine(EngineParams{
		Cache:    f.cache,
		Prices:   f.prices,
		Holdings: f.holdings,
		Feed:     f.feed,
		Sync: config.SyncConfig{
			MinTickIntervalMS: 3000,
			MaxTickIntervalMS: 5000,
			WalkPercent:       2,
			LoadThreshold:     3,
			LoadCooldownSec:   30,
		},
		Clock: f.clock,
		Rand:  f.rnd,
	})
	t.Cleanup(f.engine.Stop)
	t.Cleanup(f.feed.Close)
	return f
}

func (f *fixture) taskCount() int {
	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	return len(f.engine.tasks)
}

func waitTimers(t *testing.T, c *fakeClock, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.pending() >= n },
		time.Second, 2*time.Millisecond, "expected %d scheduled timers", n)
}

func pricePoint(sym string, price float64) store.PricePoint {
	return store.PricePoint{Symbol: sym, Price: price, Date: time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)}
}

func TestEngine_InitializeSeedsCacheAndSubscribes(t *testing.T) {
	f := newFixture(t, []string{"AAPL", "MSFT"},
		[]store.PricePoint{pricePoint("AAPL", 100), pricePoint("MSFT", 300)})

	require.NoError(t, f.engine.Initialize(context.Background()))

	st := f.engine.Status()
	assert.Equal(t, StateActive, st.State)
	assert.True(t, st.Subscribed)
	assert.Equal(t, []string{"AAPL", "MSFT"}, st.TrackedSymbols)

	aapl, ok := f.cache.Get("AAPL")
	require.True(t, ok)
	assert.InDelta(t, 100.0, aapl.Price, 1e-9)
	assert.Zero(t, aapl.DailyDelta, "first observation has no delta")
	assert.Equal(t, 2, f.taskCount())
}

func TestEngine_InitializeIsIdempotent(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, []store.PricePoint{pricePoint("AAPL", 100)})
	require.NoError(t, f.engine.Initialize(context.Background()))
	require.NoError(t, f.engine.Initialize(context.Background()))
	assert.Equal(t, 1, f.taskCount())
	f.prices.mu.Lock()
	calls := f.prices.calls
	f.prices.mu.Unlock()
	assert.Equal(t, 1, calls, "second Initialize must not reload prices")
}

func TestEngine_ReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t, []string{"AAPL", "MSFT"},
		[]store.PricePoint{pricePoint("AAPL", 100), pricePoint("MSFT", 300)})
	require.NoError(t, f.engine.Initialize(context.Background()))

	f.engine.mu.Lock()
	before := make(map[string]*simTask, len(f.engine.tasks))
	for sym, task := range f.engine.tasks {
		before[sym] = task
	}
	f.engine.mu.Unlock()

	f.engine.Reconcile(context.Background(), []string{"AAPL", "MSFT"})
	f.engine.Reconcile(context.Background(), []string{"msft", "aapl"})

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	require.Len(t, f.engine.tasks, 2)
	for sym, task := range f.engine.tasks {
		assert.Same(t, before[sym], task, "task for %s must survive a no-op reconcile", sym)
	}
	assert.Equal(t, StateActive, f.engine.state)
}

func TestEngine_ReconcileAddsAndRemoves(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, []store.PricePoint{pricePoint("AAPL", 100)})
	require.NoError(t, f.engine.Initialize(context.Background()))

	f.prices.mu.Lock()
	f.prices.points = []store.PricePoint{pricePoint("MSFT", 300)}
	f.prices.mu.Unlock()

	f.engine.Reconcile(context.Background(), []string{"MSFT"})

	st := f.engine.Status()
	assert.Equal(t, []string{"MSFT"}, st.TrackedSymbols)
	assert.Equal(t, 1, f.taskCount())
	msft, ok := f.cache.Get("MSFT")
	require.True(t, ok)
	assert.InDelta(t, 300.0, msft.Price, 1e-9)
}

func TestEngine_SimulatedTickStaysInBand(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, []store.PricePoint{pricePoint("AAPL", 100)})
	// jitter 0.5 -> 4s interval, then step 0.75 -> +1% walk.
	f.rnd.values = []float64{0.5, 0.75}
	require.NoError(t, f.engine.Initialize(context.Background()))

	waitTimers(t, f.clock, 1)
	f.clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool {
		a, ok := f.cache.Get("AAPL")
		return ok && a.Price != 100
	}, time.Second, 2*time.Millisecond)

	a, _ := f.cache.Get("AAPL")
	assert.InDelta(t, 101.0, a.Price, 1e-9)
	assert.GreaterOrEqual(t, a.Price, 98.0)
	assert.LessOrEqual(t, a.Price, 102.0)
	assert.InDelta(t, 1.0, a.DailyDeltaPercent, 1e-9)
}

func TestEngine_RemoteEventWinsOverLastTick(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, []store.PricePoint{pricePoint("AAPL", 100)})
	f.rnd.values = []float64{0.5, 0.75}
	require.NoError(t, f.engine.Initialize(context.Background()))

	waitTimers(t, f.clock, 1)
	f.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		a, _ := f.cache.Get("AAPL")
		return a.Price == 101
	}, time.Second, 2*time.Millisecond)

	f.feed.Publish(store.TablePrices, store.EventInsert,
		[]byte(`{"symbol":"aapl","price":120,"date":"2024-06-01T12:10:00Z"}`))

	require.Eventually(t, func() bool {
		a, _ := f.cache.Get("AAPL")
		return a.Price == 120
	}, time.Second, 2*time.Millisecond)

	a, _ := f.cache.Get("AAPL")
	assert.InDelta(t, 19.0, a.DailyDelta, 1e-9, "delta runs against the previous cached tick")

	// the next simulated step walks from the remote price, not the old one
	waitTimers(t, f.clock, 1)
	f.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		a, _ := f.cache.Get("AAPL")
		return a.Price != 120
	}, time.Second, 2*time.Millisecond)
	a, _ = f.cache.Get("AAPL")
	assert.GreaterOrEqual(t, a.Price, 120*0.98)
	assert.LessOrEqual(t, a.Price, 120*1.02)
}

func TestEngine_IgnoresUntrackedSymbolEvents(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, []store.PricePoint{pricePoint("AAPL", 100)})
	require.NoError(t, f.engine.Initialize(context.Background()))

	f.feed.Publish(store.TablePrices, store.EventInsert, []byte(`{"symbol":"TSLA","price":250}`))
	f.feed.Publish(store.TablePrices, store.EventInsert, []byte(`{"symbol":"AAPL","price":130}`))

	require.Eventually(t, func() bool {
		a, _ := f.cache.Get("AAPL")
		return a.Price == 130
	}, time.Second, 2*time.Millisecond)
	_, ok := f.cache.Get("TSLA")
	assert.False(t, ok, "events for untracked symbols are dropped silently")
}

func TestEngine_StopCancelsTasksSynchronously(t *testing.T) {
	f := newFixture(t, []string{"AAPL", "MSFT"},
		[]store.PricePoint{pricePoint("AAPL", 100), pricePoint("MSFT", 300)})
	require.NoError(t, f.engine.Initialize(context.Background()))
	waitTimers(t, f.clock, 2)

	var writes int64
	var writesMu sync.Mutex
	f.cache.AddObserver(prices.ObserverFunc(func(prices.Asset) {
		writesMu.Lock()
		writes++
		writesMu.Unlock()
	}))

	f.engine.Stop()
	assert.Equal(t, StateStopped, f.engine.Status().State)
	assert.Equal(t, 0, f.taskCount())

	// fire every stale timer; no tick may reach the cache after Stop
	f.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	writesMu.Lock()
	defer writesMu.Unlock()
	assert.Zero(t, writes, "no cache write after Stop returned")

	f.engine.Stop() // redundant stop is a no-op
}

func TestEngine_RestartAfterStop(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, []store.PricePoint{pricePoint("AAPL", 100)})
	require.NoError(t, f.engine.Initialize(context.Background()))
	f.engine.Stop()
	require.Equal(t, StateStopped, f.engine.Status().State)

	require.NoError(t, f.engine.Initialize(context.Background()))
	st := f.engine.Status()
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, []string{"AAPL"}, st.TrackedSymbols)
	assert.Equal(t, 1, f.taskCount())
}

func TestEngine_PriceLoadFailureDegrades(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, nil)
	f.prices.err = fmt.Errorf("connection refused")

	require.NoError(t, f.engine.Initialize(context.Background()))

	st := f.engine.Status()
	assert.Equal(t, StateActive, st.State, "load failure degrades, it does not abort startup")
	assert.Contains(t, st.PriceLoadError, "connection refused")
	assert.Contains(t, f.cache.LastError(), "connection refused")
	assert.Equal(t, 0, f.cache.Len())
}

func TestEngine_RefreshReseeds(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, []store.PricePoint{pricePoint("AAPL", 100)})
	require.NoError(t, f.engine.Initialize(context.Background()))

	f.prices.mu.Lock()
	f.prices.points = []store.PricePoint{pricePoint("AAPL", 111)}
	f.prices.mu.Unlock()

	f.engine.Refresh(context.Background())

	a, ok := f.cache.Get("AAPL")
	require.True(t, ok)
	assert.InDelta(t, 111.0, a.Price, 1e-9)
	assert.Zero(t, a.DailyDelta, "refresh restarts delta computation")
}

func TestWatcher_ReconcilesOnHoldingsChange(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, []store.PricePoint{pricePoint("AAPL", 100)})
	require.NoError(t, f.engine.Initialize(context.Background()))

	w := NewWatcher(f.feed, f.holdings, f.engine, nil)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	f.prices.mu.Lock()
	f.prices.points = []store.PricePoint{pricePoint("AAPL", 100), pricePoint("MSFT", 300)}
	f.prices.mu.Unlock()
	f.holdings.set("AAPL", "MSFT")
	f.feed.Publish(store.TableHoldings, store.EventInsert, []byte(`{"symbol":"MSFT","quantity":5}`))

	require.Eventually(t, func() bool {
		return len(f.engine.Status().TrackedSymbols) == 2
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"AAPL", "MSFT"}, f.engine.Status().TrackedSymbols)

	// a delete that empties the table tears every task down
	f.holdings.set()
	f.feed.Publish(store.TableHoldings, store.EventDelete, []byte(`{"symbol":"MSFT"}`))
	require.Eventually(t, func() bool {
		return len(f.engine.Status().TrackedSymbols) == 0
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, f.taskCount())
}
