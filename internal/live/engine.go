package live

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"compass/internal/config"
	"compass/internal/logger"
	"compass/internal/pkg/circuit"
	"compass/internal/pkg/symbol"
	"compass/internal/prices"
	"compass/internal/store"
	"compass/internal/watchlist"

	"github.com/tidwall/gjson"
)

// State is the engine lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateReconciling  State = "reconciling"
	StateStopped      State = "stopped"
)

// Clock abstracts timer scheduling so tests can drive ticks with a fake
// clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Rand abstracts randomness for deterministic tests.
type Rand interface {
	Float64() float64
}

type realRand struct{ r *rand.Rand }

func (r realRand) Float64() float64 { return r.r.Float64() }

// PriceSource is the batched latest-price lookup the engine seeds from.
type PriceSource interface {
	LatestBySymbols(ctx context.Context, symbols []string) ([]store.PricePoint, error)
}

// HoldingSource yields the distinct symbols currently held.
type HoldingSource interface {
	HoldingSymbols(ctx context.Context, portfolioID string) ([]string, error)
}

// FeedSource is the remote change-notification channel.
type FeedSource interface {
	Subscribe(ctx context.Context, tables []string, types []store.EventType, opts store.SubscribeOptions) (<-chan store.ChangeEvent, error)
}

// Status is the engine's observable state for reactive consumers. Errors
// are surfaced here instead of being thrown across the engine boundary.
type Status struct {
	State             State    `json:"state"`
	TrackedSymbols    []string `json:"tracked_symbols"`
	Subscribed        bool     `json:"subscribed"`
	PriceLoadError    string   `json:"price_load_error,omitempty"`
	SubscriptionError string   `json:"subscription_error,omitempty"`
}

// EngineParams wires the engine's collaborators.
type EngineParams struct {
	Cache     *prices.Cache
	Prices    PriceSource
	Holdings  HoldingSource
	Feed      FeedSource
	Watchlist *watchlist.Registry
	Sync      config.SyncConfig
	Clock     Clock
	Rand      Rand
}

// Engine owns price freshness: it seeds the cache with the latest stored
// price per held symbol, consumes the store's price change feed, and runs
// one jittered simulated-walk task per tracked symbol as the demo driver.
// All public methods are safe to call redundantly and from any state.
type Engine struct {
	cache    *prices.Cache
	prices   PriceSource
	holdings HoldingSource
	feed     FeedSource
	watch    *watchlist.Registry
	cfg      config.SyncConfig
	clock    Clock
	rnd      Rand
	breaker  *circuit.CircuitBreaker

	mu         sync.Mutex
	state      State
	tracked    map[string]struct{}
	tasks      map[string]*simTask
	subscribed bool
	loadErr    string
	subErr     string
	runCtx     context.Context
	runCancel  context.CancelFunc

	randMu sync.Mutex
}

func NewEngine(p EngineParams) *Engine {
	if p.Clock == nil {
		p.Clock = realClock{}
	}
	if p.Rand == nil {
		p.Rand = realRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
	cooldown := time.Duration(p.Sync.LoadCooldownSec) * time.Second
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	threshold := p.Sync.LoadThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &Engine{
		cache:    p.Cache,
		prices:   p.Prices,
		holdings: p.Holdings,
		feed:     p.Feed,
		watch:    p.Watchlist,
		cfg:      p.Sync,
		clock:    p.Clock,
		rnd:      p.Rand,
		breaker:  circuit.NewCircuitBreaker("price-load", threshold, cooldown),
		state:    StateIdle,
		tracked:  make(map[string]struct{}),
		tasks:    make(map[string]*simTask),
	}
}

// Initialize moves the engine from Idle to Active: it resolves the initial
// symbol set, seeds the cache, opens the price change feed and starts the
// per-symbol simulation tasks. Failures of the seed load or the feed open
// degrade the engine (status carries the reason) but never abort startup.
// Callable from Idle and from Stopped (restart is Stop then Initialize); in
// any other state it is a no-op.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle && e.state != StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.state = StateInitializing
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	e.cache.SetLoading(true)
	defer e.cache.SetLoading(false)

	symbols := e.resolveSymbols(ctx)
	e.seedPrices(ctx, symbols)
	e.openFeed()

	e.mu.Lock()
	if e.state != StateInitializing {
		// stopped while seeding
		e.mu.Unlock()
		return nil
	}
	for _, sym := range symbols {
		e.track(sym)
	}
	e.state = StateActive
	e.mu.Unlock()

	logger.Infof("live engine active, tracking %d symbols", len(symbols))
	return nil
}

// Reconcile aligns the tracked symbol set with newSet: removed symbols get
// their task cancelled synchronously, added symbols are seeded and started.
// Idempotent; a second call with the same set changes nothing. Ignored
// unless the engine is Active.
func (e *Engine) Reconcile(ctx context.Context, newSet []string) {
	newSet = symbol.NormalizeList(newSet)

	e.mu.Lock()
	if e.state != StateActive {
		e.mu.Unlock()
		return
	}
	e.state = StateReconciling

	want := symbol.Set(newSet)
	var removed, added []string
	for sym := range e.tracked {
		if _, ok := want[sym]; !ok {
			removed = append(removed, sym)
		}
	}
	for sym := range want {
		if _, ok := e.tracked[sym]; !ok {
			added = append(added, sym)
		}
	}
	for _, sym := range removed {
		e.untrack(sym)
	}
	e.mu.Unlock()

	if len(added) > 0 {
		e.seedPrices(ctx, added)
	}

	e.mu.Lock()
	if e.state == StateReconciling {
		for _, sym := range added {
			e.track(sym)
		}
		e.state = StateActive
	}
	e.mu.Unlock()

	if len(added) > 0 || len(removed) > 0 {
		logger.Infof("live engine reconciled: +%d -%d symbols", len(added), len(removed))
	}
}

// ForceReconcile re-reads the full held symbol set from the store and
// reconciles against it.
func (e *Engine) ForceReconcile(ctx context.Context) {
	e.Reconcile(ctx, e.resolveSymbols(ctx))
}

// Refresh clears the cache and re-seeds every tracked symbol, restarting
// delta computation.
func (e *Engine) Refresh(ctx context.Context) {
	e.cache.Clear()
	e.mu.Lock()
	symbols := e.trackedList()
	e.mu.Unlock()
	e.seedPrices(ctx, symbols)
}

// Stop cancels every simulation task synchronously, closes the feed
// consumer and clears the tracked set. Safe to call from any state; no
// cache write driven by this engine happens after Stop returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StateIdle || e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	for sym := range e.tasks {
		e.untrack(sym)
	}
	e.tracked = make(map[string]struct{})
	e.subscribed = false
	if e.runCancel != nil {
		e.runCancel()
	}
	e.state = StateStopped
	e.mu.Unlock()
	logger.Infof("live engine stopped")
}

// Status reports the engine's observable state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:             e.state,
		TrackedSymbols:    e.trackedList(),
		Subscribed:        e.subscribed,
		PriceLoadError:    e.loadErr,
		SubscriptionError: e.subErr,
	}
}

// --------------------- internals -------------------------

// resolveSymbols unions the held symbols with the demo watchlist.
func (e *Engine) resolveSymbols(ctx context.Context) []string {
	var all []string
	if e.holdings != nil {
		held, err := e.holdings.HoldingSymbols(ctx, "")
		if err != nil {
			logger.Warnf("live engine: holding symbols lookup failed: %v", err)
		} else {
			all = append(all, held...)
		}
	}
	if e.watch != nil {
		all = append(all, e.watch.Snapshot().Symbols()...)
	}
	return symbol.NormalizeList(all)
}

// seedPrices loads the most recent stored price per symbol in one batch and
// writes it into the cache. Symbols without stored prices fall back to the
// watchlist base price. Load failures degrade to simulation-only.
func (e *Engine) seedPrices(ctx context.Context, symbols []string) {
	if len(symbols) == 0 {
		return
	}
	seeded := make(map[string]struct{}, len(symbols))
	if e.prices != nil && e.breaker.Allow() {
		points, err := e.prices.LatestBySymbols(ctx, symbols)
		if err != nil {
			e.breaker.RecordFailure()
			e.setLoadError(fmt.Sprintf("initial price load failed: %v", err))
			logger.Warnf("live engine: price load failed, serving simulation only: %v", err)
		} else {
			e.breaker.RecordSuccess()
			e.setLoadError("")
			for _, p := range points {
				if _, ok := e.cache.Get(p.Symbol); ok {
					seeded[p.Symbol] = struct{}{}
					continue
				}
				e.cache.Set(p.Symbol, p.Price, p.Date)
				seeded[p.Symbol] = struct{}{}
			}
		}
	}
	if e.watch == nil {
		return
	}
	for _, sym := range symbols {
		if _, ok := seeded[sym]; ok {
			continue
		}
		if _, ok := e.cache.Get(sym); ok {
			continue
		}
		if entry, ok := e.watch.Entry(sym); ok && entry.BasePrice > 0 {
			e.cache.Set(sym, entry.BasePrice, e.clock.Now())
		}
	}
}

func (e *Engine) setLoadError(msg string) {
	e.mu.Lock()
	e.loadErr = msg
	e.mu.Unlock()
	e.cache.SetError(msg)
}

// openFeed subscribes to historical price inserts/updates. A failed open
// leaves the engine in a degraded, simulation-only mode; retrying is the
// caller's responsibility via Stop/Initialize.
func (e *Engine) openFeed() {
	if e.feed == nil {
		return
	}
	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()

	events, err := e.feed.Subscribe(runCtx,
		[]string{store.TablePrices},
		[]store.EventType{store.EventInsert, store.EventUpdate},
		store.SubscribeOptions{})
	if err != nil {
		e.mu.Lock()
		e.subErr = fmt.Sprintf("price feed subscribe failed: %v", err)
		e.mu.Unlock()
		logger.Warnf("live engine: %s", err)
		return
	}
	e.mu.Lock()
	e.subscribed = true
	e.subErr = ""
	e.mu.Unlock()
	go e.consumeFeed(runCtx, events)
}

func (e *Engine) consumeFeed(ctx context.Context, events <-chan store.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			e.onRemotePriceEvent(evt)
		}
	}
}

// onRemotePriceEvent writes a remote price row into the cache. Events for
// untracked symbols are silently ignored. Remote writes share the cache
// path with simulated ticks, so last-write-wins needs no extra priority.
func (e *Engine) onRemotePriceEvent(evt store.ChangeEvent) {
	row := gjson.ParseBytes(evt.Row)
	sym := symbol.Normalize(row.Get("symbol").String())
	price := row.Get("price").Float()
	if sym == "" || price <= 0 {
		return
	}
	e.mu.Lock()
	_, tracked := e.tracked[sym]
	e.mu.Unlock()
	if !tracked {
		return
	}
	ts := e.clock.Now()
	if dateStr := row.Get("date").String(); dateStr != "" {
		if parsed, err := time.Parse(time.RFC3339, dateStr); err == nil {
			ts = parsed
		}
	}
	e.cache.Set(sym, price, ts)
}

// track registers sym and starts its simulation task. Caller holds e.mu.
// At most one task per symbol.
func (e *Engine) track(sym string) {
	if _, ok := e.tracked[sym]; ok {
		return
	}
	e.tracked[sym] = struct{}{}
	ctx, cancel := context.WithCancel(e.runCtx)
	task := &simTask{cancel: cancel, done: make(chan struct{})}
	e.tasks[sym] = task
	go e.runTask(ctx, sym, task)
}

// untrack cancels sym's task and waits for it to finish, so no tick for
// sym can fire after untrack returns. Caller holds e.mu; runTask never
// takes e.mu, so the wait cannot deadlock.
func (e *Engine) untrack(sym string) {
	task, ok := e.tasks[sym]
	if !ok {
		return
	}
	delete(e.tasks, sym)
	delete(e.tracked, sym)
	task.cancel()
	<-task.done
}

func (e *Engine) trackedList() []string {
	out := make([]string, 0, len(e.tracked))
	for sym := range e.tracked {
		out = append(out, sym)
	}
	return symbol.NormalizeList(out)
}
