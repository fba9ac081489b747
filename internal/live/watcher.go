package live

import (
	"context"
	"sync"

	"compass/internal/logger"
	"compass/internal/store"
	"compass/internal/watchlist"
)

// Watcher keeps the engine's tracked symbol set aligned with the holdings
// and operations tables. Any change event on either table triggers a full
// re-read of the distinct held symbols rather than an incremental diff of
// the event payload, trading a cheap query for correctness.
type Watcher struct {
	feed     FeedSource
	holdings HoldingSource
	engine   *Engine
	watch    *watchlist.Registry

	mu         sync.Mutex
	cancel     context.CancelFunc
	started    bool
	listenerID int
}

func NewWatcher(feed FeedSource, holdings HoldingSource, engine *Engine, watch *watchlist.Registry) *Watcher {
	return &Watcher{feed: feed, holdings: holdings, engine: engine, watch: watch}
}

// Start subscribes to holdings and operations changes and, when a demo
// watchlist is wired, to its hot reloads. Idempotent.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true
	w.mu.Unlock()

	events, err := w.feed.Subscribe(runCtx,
		[]string{store.TableHoldings, store.TableOperations},
		nil,
		store.SubscribeOptions{})
	if err != nil {
		cancel()
		w.mu.Lock()
		w.started = false
		w.mu.Unlock()
		return err
	}
	go w.consume(runCtx, events)

	if w.watch != nil {
		id := w.watch.OnChange(func(watchlist.Snapshot) {
			w.refresh(runCtx)
		})
		w.mu.Lock()
		w.listenerID = id
		w.mu.Unlock()
	}
	return nil
}

// Stop ends the subscription and deregisters the watchlist listener.
// Reconciles already in flight complete.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	if w.watch != nil && w.listenerID != 0 {
		w.watch.RemoveListener(w.listenerID)
		w.listenerID = 0
	}
	w.started = false
}

func (w *Watcher) consume(ctx context.Context, events <-chan store.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			logger.Debugf("position set watcher: %s on %s", evt.Type, evt.Table)
			w.refresh(ctx)
		}
	}
}

// refresh recomputes the full symbol set and hands it to the engine.
func (w *Watcher) refresh(ctx context.Context) {
	var all []string
	held, err := w.holdings.HoldingSymbols(ctx, "")
	if err != nil {
		logger.Warnf("position set watcher: symbol re-read failed: %v", err)
		return
	}
	all = append(all, held...)
	if w.watch != nil {
		all = append(all, w.watch.Snapshot().Symbols()...)
	}
	w.engine.Reconcile(ctx, all)
}
