package apihttp

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"compass/internal/live"
	"compass/internal/portfolio"
	pricecache "compass/internal/prices"
	"compass/internal/store"
	"compass/internal/store/gormstore"
	"compass/internal/store/pricedb"
	"compass/internal/watchlist"

	"github.com/gin-gonic/gin"
)

// Router exposes the portfolio and live-sync query/command interface.
type Router struct {
	records *gormstore.GormStore
	prices  *pricedb.PriceStore
	cache   *pricecache.Cache
	engine  *live.Engine
	watch   *watchlist.Registry
}

func NewRouter(records *gormstore.GormStore, priceStore *pricedb.PriceStore, cache *pricecache.Cache, engine *live.Engine, watch *watchlist.Registry) *Router {
	return &Router{records: records, prices: priceStore, cache: cache, engine: engine, watch: watch}
}

// Register mounts the API routes onto the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/assets", r.handleAssets)
	group.GET("/assets/:symbol", r.handleAsset)
	group.GET("/positions", r.handlePositions)
	group.GET("/summary", r.handleSummary)
	group.GET("/allocation", r.handleAllocation)
	group.GET("/evolution", r.handleEvolution)

	group.GET("/portfolios", r.handleListPortfolios)
	group.POST("/portfolios", r.handleCreatePortfolio)
	group.GET("/portfolios/:id", r.handleGetPortfolio)
	group.PUT("/portfolios/:id", r.handleUpdatePortfolio)
	group.DELETE("/portfolios/:id", r.handleDeletePortfolio)
	group.GET("/portfolios/:id/operations", r.handleListOperations)
	group.GET("/portfolios/:id/holdings", r.handleListHoldings)
	group.GET("/portfolios/:id/positions", r.handlePortfolioPositions)

	group.POST("/operations", r.handleCreateOperation)
	group.PUT("/operations/:id", r.handleUpdateOperation)
	group.DELETE("/operations/:id", r.handleDeleteOperation)

	group.POST("/holdings", r.handleCreateHolding)
	group.PUT("/holdings/:id", r.handleUpdateHolding)
	group.DELETE("/holdings/:id", r.handleDeleteHolding)

	group.POST("/prices", r.handleInsertPrice)
	group.GET("/prices/:symbol/history", r.handlePriceHistory)

	group.GET("/watchlist", r.handleWatchlist)

	group.GET("/live/status", r.handleLiveStatus)
	group.POST("/live/reconcile", r.handleLiveReconcile)
	group.POST("/live/refresh", r.handleLiveRefresh)
	group.POST("/live/restart", r.handleLiveRestart)
}

// --------------------- derived views -------------------------

func (r *Router) handleAssets(c *gin.Context) {
	assets := r.cache.All()
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	c.JSON(http.StatusOK, gin.H{
		"assets":  assets,
		"loading": r.cache.Loading(),
		"error":   r.cache.LastError(),
	})
}

func (r *Router) handleAsset(c *gin.Context) {
	asset, ok := r.cache.Get(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not tracked"})
		return
	}
	c.JSON(http.StatusOK, asset)
}

// loadPositions derives the canonical position list for the request scope.
// source=holdings joins the holdings table; the default aggregates the
// operation history.
func (r *Router) loadPositions(c *gin.Context) ([]portfolio.Position, bool) {
	portfolioID := c.Query("portfolio_id")
	if c.DefaultQuery("source", "operations") == "holdings" {
		holdings, err := r.records.ListHoldings(c.Request.Context(), portfolioID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return nil, false
		}
		return portfolio.FromHoldings(holdings, r.cache), true
	}
	ops, err := r.records.ListOperations(c.Request.Context(), portfolioID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return portfolio.FromOperations(ops, r.cache), true
}

func (r *Router) handlePositions(c *gin.Context) {
	positions, ok := r.loadPositions(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (r *Router) handlePortfolioPositions(c *gin.Context) {
	ops, err := r.records.ListOperations(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": portfolio.FromOperations(ops, r.cache)})
}

func (r *Router) handleSummary(c *gin.Context) {
	positions, ok := r.loadPositions(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, portfolio.Summarize(positions))
}

func (r *Router) handleAllocation(c *gin.Context) {
	positions, ok := r.loadPositions(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocation": portfolio.Allocation(positions)})
}

func (r *Router) handleEvolution(c *gin.Context) {
	ops, err := r.records.ListOperations(c.Request.Context(), c.Query("portfolio_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evolution": portfolio.Evolution(ops)})
}

// --------------------- portfolios -------------------------

func (r *Router) handleListPortfolios(c *gin.Context) {
	recs, err := r.records.ListPortfolios(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"portfolios": recs})
}

func (r *Router) handleCreatePortfolio(c *gin.Context) {
	var rec store.PortfolioRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := r.records.CreatePortfolio(c.Request.Context(), rec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (r *Router) handleGetPortfolio(c *gin.Context) {
	rec, err := r.records.GetPortfolio(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (r *Router) handleUpdatePortfolio(c *gin.Context) {
	var rec store.PortfolioRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec.ID = c.Param("id")
	updated, err := r.records.UpdatePortfolio(c.Request.Context(), rec)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (r *Router) handleDeletePortfolio(c *gin.Context) {
	if err := r.records.DeletePortfolio(c.Request.Context(), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (r *Router) handleListOperations(c *gin.Context) {
	recs, err := r.records.ListOperations(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": recs})
}

func (r *Router) handleListHoldings(c *gin.Context) {
	recs, err := r.records.ListHoldings(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"holdings": recs})
}

// --------------------- operations -------------------------

func (r *Router) handleCreateOperation(c *gin.Context) {
	var rec store.OperationRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := r.records.CreateOperation(c.Request.Context(), rec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (r *Router) handleUpdateOperation(c *gin.Context) {
	var rec store.OperationRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec.ID = c.Param("id")
	updated, err := r.records.UpdateOperation(c.Request.Context(), rec)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (r *Router) handleDeleteOperation(c *gin.Context) {
	if err := r.records.DeleteOperation(c.Request.Context(), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// --------------------- holdings -------------------------

func (r *Router) handleCreateHolding(c *gin.Context) {
	var rec store.HoldingRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := r.records.CreateHolding(c.Request.Context(), rec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (r *Router) handleUpdateHolding(c *gin.Context) {
	var rec store.HoldingRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec.ID = c.Param("id")
	updated, err := r.records.UpdateHolding(c.Request.Context(), rec)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (r *Router) handleDeleteHolding(c *gin.Context) {
	if err := r.records.DeleteHolding(c.Request.Context(), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// --------------------- prices -------------------------

func (r *Router) handleInsertPrice(c *gin.Context) {
	var p store.PricePoint
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.prices.Insert(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (r *Router) handlePriceHistory(c *gin.Context) {
	var from, to time.Time
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = parsed
	}
	points, err := r.prices.History(c.Request.Context(), c.Param("symbol"), from, to)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": points})
}

// --------------------- watchlist / live -------------------------

func (r *Router) handleWatchlist(c *gin.Context) {
	if r.watch == nil {
		c.JSON(http.StatusOK, gin.H{"symbols": []string{}})
		return
	}
	snap := r.watch.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version,
		"loaded_at": snap.LoadedAt,
		"symbols":   snap.Symbols(),
	})
}

func (r *Router) handleLiveStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.engine.Status())
}

func (r *Router) handleLiveReconcile(c *gin.Context) {
	r.engine.ForceReconcile(c.Request.Context())
	c.JSON(http.StatusOK, r.engine.Status())
}

func (r *Router) handleLiveRefresh(c *gin.Context) {
	r.engine.Refresh(c.Request.Context())
	c.JSON(http.StatusOK, r.engine.Status())
}

func (r *Router) handleLiveRestart(c *gin.Context) {
	r.engine.Stop()
	if err := r.engine.Initialize(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r.engine.Status())
}

func writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, gormstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
