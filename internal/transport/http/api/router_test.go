package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"compass/internal/config"
	"compass/internal/live"
	pricecache "compass/internal/prices"
	"compass/internal/store"
	"compass/internal/store/gormstore"
	"compass/internal/store/pricedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	srv     *httptest.Server
	records *gormstore.GormStore
	cache   *pricecache.Cache
	engine  *live.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	feed := store.NewFeed(32)
	t.Cleanup(feed.Close)

	records, err := gormstore.NewGormStore(filepath.Join(dir, "records.db"), feed)
	require.NoError(t, err)
	t.Cleanup(func() { _ = records.Close() })

	priceStore, err := pricedb.NewPriceStore(filepath.Join(dir, "prices.db"), feed)
	require.NoError(t, err)
	t.Cleanup(func() { _ = priceStore.Close() })

	cache := pricecache.NewCache()
	engine := live.NewEngine(live.EngineParams{
		Cache:    cache,
		Prices:   priceStore,
		Holdings: records,
		Feed:     feed,
		Sync: config.SyncConfig{
			MinTickIntervalMS: 60_000,
			MaxTickIntervalMS: 120_000,
			WalkPercent:       2,
		},
	})
	t.Cleanup(engine.Stop)

	router := NewRouter(records, priceStore, cache, engine, nil)
	server, err := NewServer(ServerConfig{Addr: ":0", Router: router})
	require.NoError(t, err)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, records: records, cache: cache, engine: engine}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestAPI_PortfolioAndOperationFlow(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/portfolios", map[string]string{"name": "main"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created store.PortfolioRecord
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.ID)

	for i, op := range []map[string]any{
		{"portfolio_id": created.ID, "symbol": "AAPL", "type": "buy", "quantity": 10, "price": 100, "date": "2024-01-01T00:00:00Z"},
		{"portfolio_id": created.ID, "symbol": "AAPL", "type": "buy", "quantity": 10, "price": 200, "date": "2024-01-02T00:00:00Z"},
	} {
		resp, body = f.do(t, http.MethodPost, "/api/operations", op)
		require.Equal(t, http.StatusCreated, resp.StatusCode, "op %d: %s", i, string(body))
	}

	f.cache.Set("AAPL", 180, time.Now())

	resp, body = f.do(t, http.MethodGet, fmt.Sprintf("/api/positions?portfolio_id=%s", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var positions struct {
		Positions []struct {
			Symbol       string  `json:"symbol"`
			Quantity     float64 `json:"quantity"`
			AverageCost  float64 `json:"average_cost"`
			CurrentPrice float64 `json:"current_price"`
			MarketValue  float64 `json:"market_value"`
			LivePrice    bool    `json:"live_price"`
		} `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(body, &positions))
	require.Len(t, positions.Positions, 1)
	pos := positions.Positions[0]
	assert.Equal(t, "AAPL", pos.Symbol)
	assert.InDelta(t, 20.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 150.0, pos.AverageCost, 1e-9)
	assert.InDelta(t, 180.0, pos.CurrentPrice, 1e-9)
	assert.InDelta(t, 3600.0, pos.MarketValue, 1e-9)
	assert.True(t, pos.LivePrice)

	resp, body = f.do(t, http.MethodGet, "/api/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary struct {
		TotalValue    float64 `json:"total_value"`
		UnrealizedPnL float64 `json:"unrealized_pnl"`
	}
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.InDelta(t, 3600.0, summary.TotalValue, 1e-9)
	assert.InDelta(t, 600.0, summary.UnrealizedPnL, 1e-9)
}

func TestAPI_PriceInsertAndHistory(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/prices",
		map[string]any{"symbol": "eth", "price": 2400.5, "date": "2024-06-01T00:00:00Z"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = f.do(t, http.MethodPost, "/api/prices", map[string]any{"symbol": "ETH", "price": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "non-positive prices are rejected")

	resp, body = f.do(t, http.MethodGet, "/api/prices/ETH/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		History []store.PricePoint `json:"history"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history.History, 1)
	assert.Equal(t, "ETH", history.History[0].Symbol, "symbols are normalized on write")
	assert.InDelta(t, 2400.5, history.History[0].Price, 1e-9)
}

func TestAPI_LiveStatusAndReconcile(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.engine.Initialize(context.Background()))

	resp, body := f.do(t, http.MethodGet, "/api/live/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status live.Status
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, live.StateActive, status.State)

	resp, body = f.do(t, http.MethodPost, "/api/live/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, live.StateActive, status.State)
}

func TestAPI_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/portfolios/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/operations/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
