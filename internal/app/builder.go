package app

import (
	"fmt"
	"os"

	"compass/internal/config"
	"compass/internal/live"
	"compass/internal/logger"
	"compass/internal/prices"
	"compass/internal/store"
	"compass/internal/store/gormstore"
	"compass/internal/store/pricedb"
	apihttp "compass/internal/transport/http/api"
	"compass/internal/watchlist"
)

// buildApp wires the dependency graph by hand: feed first, then the two
// stores publishing into it, then the cache and the sync components, and
// the HTTP surface on top.
func buildApp(cfg *config.Config) (*App, error) {
	feed := store.NewFeed(cfg.Store.FeedBuffer)

	records, err := gormstore.NewGormStore(cfg.Store.RecordDBPath, feed)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	priceStore, err := pricedb.NewPriceStore(cfg.Store.PriceDBPath, feed)
	if err != nil {
		_ = records.Close()
		return nil, fmt.Errorf("open price store: %w", err)
	}

	cache := prices.NewCache()

	watch, err := loadWatchlist(cfg.Watchlist.Path)
	if err != nil {
		_ = records.Close()
		_ = priceStore.Close()
		return nil, err
	}

	engine := live.NewEngine(live.EngineParams{
		Cache:     cache,
		Prices:    priceStore,
		Holdings:  records,
		Feed:      feed,
		Watchlist: watch,
		Sync:      cfg.Sync,
	})
	watcher := live.NewWatcher(feed, records, engine, watch)

	hub := apihttp.NewPriceHub(cache)
	router := apihttp.NewRouter(records, priceStore, cache, engine, watch)
	server, err := apihttp.NewServer(apihttp.ServerConfig{
		Addr:   cfg.App.HTTPAddr,
		Router: router,
		Hub:    hub,
	})
	if err != nil {
		_ = records.Close()
		_ = priceStore.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		feed:    feed,
		records: records,
		prices:  priceStore,
		engine:  engine,
		watcher: watcher,
		server:  server,
	}, nil
}

// loadWatchlist opens the demo watchlist registry. A missing file is not
// fatal: the engine then tracks held symbols only.
func loadWatchlist(path string) (*watchlist.Registry, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warnf("watchlist file %s not found, running without demo symbols", path)
		return nil, nil
	}
	watch, err := watchlist.NewRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("load watchlist: %w", err)
	}
	return watch, nil
}
