package portfolio

import (
	"sort"

	"compass/internal/pkg/symbol"
	"compass/internal/prices"
	"compass/internal/store"
)

// Position is the single canonical derived-position shape. It is always
// recomputed from raw records plus the price cache and never persisted.
//
// Invariants: MarketValue == Quantity * CurrentPrice and
// UnrealizedPnL == MarketValue - Quantity * AverageCost.
type Position struct {
	Symbol               string  `json:"symbol"`
	Quantity             float64 `json:"quantity"`
	AverageCost          float64 `json:"average_cost"`
	CurrentPrice         float64 `json:"current_price"`
	MarketValue          float64 `json:"market_value"`
	UnrealizedPnL        float64 `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64 `json:"unrealized_pnl_percent"`
	// LivePrice reports whether CurrentPrice came from the cache rather
	// than falling back to the average cost.
	LivePrice bool `json:"live_price"`
	// CostBasisValid is false when the average cost is zero or negative;
	// such positions keep their raw values but are excluded from
	// percentage displays.
	CostBasisValid bool `json:"cost_basis_valid"`
}

// PriceLookup is the read side of the price cache the derivation needs.
type PriceLookup interface {
	Get(sym string) (prices.Asset, bool)
}

// FromOperations aggregates a buy/sell history into net positions and joins
// them with the price cache.
//
// Buys fold into a weighted average cost; sells reduce quantity only (the
// cost basis is not recalculated, realized P/L is out of scope). Symbols
// whose net quantity ends at or below zero are dropped. Same-date
// operations are ordered by record id, so the computed average cost is
// deterministic for any input order.
func FromOperations(ops []store.OperationRecord, quotes PriceLookup) []Position {
	sorted := make([]store.OperationRecord, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].ID < sorted[j].ID
	})

	type acc struct {
		quantity float64
		avgCost  float64
	}
	accs := make(map[string]*acc)
	var order []string
	for _, op := range sorted {
		sym := symbol.Normalize(op.Symbol)
		if sym == "" || op.Quantity <= 0 {
			continue
		}
		a, ok := accs[sym]
		if !ok {
			a = &acc{}
			accs[sym] = a
			order = append(order, sym)
		}
		switch op.Type {
		case store.OperationBuy:
			newQty := a.quantity + op.Quantity
			a.avgCost = (a.avgCost*a.quantity + op.Price*op.Quantity) / newQty
			a.quantity = newQty
		case store.OperationSell:
			a.quantity -= op.Quantity
		}
	}

	out := make([]Position, 0, len(accs))
	for _, sym := range order {
		a := accs[sym]
		if a.quantity <= 0 {
			continue
		}
		out = append(out, enrich(sym, a.quantity, a.avgCost, quotes))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// FromHoldings joins raw holding rows with the price cache. No aggregation:
// each row already carries its quantity and average cost. Rows for the same
// symbol are merged by weighted average, zero-or-negative quantities are
// dropped.
func FromHoldings(holdings []store.HoldingRecord, quotes PriceLookup) []Position {
	type acc struct {
		quantity float64
		cost     float64
	}
	accs := make(map[string]*acc)
	var order []string
	for _, h := range holdings {
		sym := symbol.Normalize(h.Symbol)
		if sym == "" || h.Quantity <= 0 {
			continue
		}
		a, ok := accs[sym]
		if !ok {
			a = &acc{}
			accs[sym] = a
			order = append(order, sym)
		}
		a.quantity += h.Quantity
		a.cost += h.AverageCost * h.Quantity
	}

	out := make([]Position, 0, len(accs))
	for _, sym := range order {
		a := accs[sym]
		avgCost := 0.0
		if a.quantity > 0 {
			avgCost = a.cost / a.quantity
		}
		out = append(out, enrich(sym, a.quantity, avgCost, quotes))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func enrich(sym string, quantity, avgCost float64, quotes PriceLookup) Position {
	pos := Position{
		Symbol:         sym,
		Quantity:       quantity,
		AverageCost:    avgCost,
		CurrentPrice:   avgCost,
		CostBasisValid: avgCost > 0,
	}
	if quotes != nil {
		if asset, ok := quotes.Get(sym); ok && asset.Price > 0 {
			pos.CurrentPrice = asset.Price
			pos.LivePrice = true
		}
	}
	pos.MarketValue = pos.Quantity * pos.CurrentPrice
	pos.UnrealizedPnL = pos.MarketValue - pos.Quantity*pos.AverageCost
	if pos.CostBasisValid {
		pos.UnrealizedPnLPercent = (pos.CurrentPrice/pos.AverageCost - 1) * 100
	}
	return pos
}
