package prices

import (
	"sync"
	"time"

	"compass/internal/pkg/symbol"
)

// Asset is the cached live view of one tracked symbol. DailyDelta is
// computed tick-over-tick against the previous cached price, not against a
// day-open snapshot; it approximates a daily change and is documented as
// such.
type Asset struct {
	Symbol            string    `json:"symbol"`
	Price             float64   `json:"price"`
	UpdatedAt         time.Time `json:"updated_at"`
	DailyDelta        float64   `json:"daily_delta"`
	DailyDeltaPercent float64   `json:"daily_delta_percent"`
}

// Observer consumes every accepted cache write.
type Observer interface {
	NotifyPrice(asset Asset)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Asset)

func (f ObserverFunc) NotifyPrice(asset Asset) { f(asset) }

// Cache is the process-wide source of truth for "current price" keyed by
// symbol. Writes are serialized behind a mutex so last-write-wins holds per
// symbol even on a parallel runtime; there is no per-source priority, the
// most recent write is authoritative regardless of origin.
type Cache struct {
	mu     sync.RWMutex
	assets map[string]Asset

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObsID int

	stateMu sync.RWMutex
	loading bool
	lastErr string
}

func NewCache() *Cache {
	return &Cache{
		assets:    make(map[string]Asset),
		observers: make(map[int]Observer),
	}
}

// Set records a new price for sym at ts, deriving the delta against the
// prior cached entry. A first observation yields zero delta. Observers are
// notified outside the lock, in no guaranteed cross-symbol order.
func (c *Cache) Set(sym string, price float64, ts time.Time) {
	sym = symbol.Normalize(sym)
	if sym == "" || price <= 0 {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	c.mu.Lock()
	prev, ok := c.assets[sym]
	asset := Asset{Symbol: sym, Price: price, UpdatedAt: ts}
	if ok && prev.Price > 0 {
		asset.DailyDelta = price - prev.Price
		asset.DailyDeltaPercent = (price - prev.Price) / prev.Price * 100
	}
	c.assets[sym] = asset
	c.mu.Unlock()

	c.notify(asset)
}

func (c *Cache) notify(asset Asset) {
	c.obsMu.RLock()
	obs := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		obs = append(obs, o)
	}
	c.obsMu.RUnlock()
	for _, o := range obs {
		o.NotifyPrice(asset)
	}
}

// Get returns the cached asset for sym, if present.
func (c *Cache) Get(sym string) (Asset, bool) {
	sym = symbol.Normalize(sym)
	c.mu.RLock()
	defer c.mu.RUnlock()
	asset, ok := c.assets[sym]
	return asset, ok
}

// All returns a snapshot of every cached asset. Order is unspecified;
// callers must not depend on it.
func (c *Cache) All() []Asset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Asset, 0, len(c.assets))
	for _, asset := range c.assets {
		out = append(out, asset)
	}
	return out
}

// Clear drops every entry. The next Set per symbol starts delta computation
// fresh.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.assets = make(map[string]Asset)
	c.mu.Unlock()
}

// Len reports the number of cached symbols.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.assets)
}

// AddObserver registers o and returns a handle for RemoveObserver.
func (c *Cache) AddObserver(o Observer) int {
	if o == nil {
		return 0
	}
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextObsID++
	c.observers[c.nextObsID] = o
	return c.nextObsID
}

func (c *Cache) RemoveObserver(id int) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	delete(c.observers, id)
}

// SetLoading flags an in-flight initial load for reactive consumers.
func (c *Cache) SetLoading(loading bool) {
	c.stateMu.Lock()
	c.loading = loading
	c.stateMu.Unlock()
}

func (c *Cache) Loading() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.loading
}

// SetError records the most recent degradation reason; empty clears it.
func (c *Cache) SetError(msg string) {
	c.stateMu.Lock()
	c.lastErr = msg
	c.stateMu.Unlock()
}

func (c *Cache) LastError() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastErr
}
