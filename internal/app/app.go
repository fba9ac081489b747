package app

import (
	"context"
	"fmt"

	"compass/internal/config"
	"compass/internal/live"
	"compass/internal/logger"
	"compass/internal/store"
	"compass/internal/store/gormstore"
	"compass/internal/store/pricedb"
	apihttp "compass/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App owns application-level orchestration: build the store and sync
// components from config, start the HTTP surface and the live engine, and
// tear everything down in order on shutdown.
type App struct {
	cfg     *config.Config
	feed    *store.Feed
	records *gormstore.GormStore
	prices  *pricedb.PriceStore
	engine  *live.Engine
	watcher *live.Watcher
	server  *apihttp.Server
}

// NewApp builds the application object without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildApp(cfg)
}

// Run starts the HTTP server and the live sync engine and blocks until ctx
// cancels or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if err := a.engine.Initialize(ctx); err != nil {
		return fmt.Errorf("live engine init: %w", err)
	}
	if err := a.watcher.Start(ctx); err != nil {
		return fmt.Errorf("position watcher start: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("http server listening on %s", a.server.Addr())
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close stops the sync components and closes the stores. Safe to call more
// than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.feed != nil {
		a.feed.Close()
	}
	if a.prices != nil {
		_ = a.prices.Close()
	}
	if a.records != nil {
		_ = a.records.Close()
	}
}

// Engine exposes the live engine, mainly for test and replay harnesses.
func (a *App) Engine() *live.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}
