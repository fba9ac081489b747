package portfolio

import (
	"sort"
	"time"

	"compass/internal/store"

	"github.com/shopspring/decimal"
)

// Summary aggregates a position list into the dashboard headline numbers.
// Money sums go through decimal so many small positions cannot drift the
// totals.
type Summary struct {
	TotalValue           float64 `json:"total_value"`
	TotalCost            float64 `json:"total_cost"`
	UnrealizedPnL        float64 `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64 `json:"unrealized_pnl_percent"`
	Positions            int     `json:"positions"`
}

func Summarize(positions []Position) Summary {
	totalValue := decimal.Zero
	totalCost := decimal.Zero
	for _, p := range positions {
		totalValue = totalValue.Add(decimal.NewFromFloat(p.MarketValue))
		totalCost = totalCost.Add(decimal.NewFromFloat(p.Quantity).Mul(decimal.NewFromFloat(p.AverageCost)))
	}
	pnl := totalValue.Sub(totalCost)
	s := Summary{Positions: len(positions)}
	s.TotalValue, _ = totalValue.Float64()
	s.TotalCost, _ = totalCost.Float64()
	s.UnrealizedPnL, _ = pnl.Float64()
	if totalCost.IsPositive() {
		pct := pnl.Div(totalCost).Mul(decimal.NewFromInt(100))
		s.UnrealizedPnLPercent, _ = pct.Float64()
	}
	return s
}

// AllocationSlice is one symbol's share of the portfolio market value.
type AllocationSlice struct {
	Symbol  string  `json:"symbol"`
	Value   float64 `json:"value"`
	Percent float64 `json:"percent"`
}

// Allocation computes per-symbol allocation percentages, largest first.
// Percentages are rounded to two decimals.
func Allocation(positions []Position) []AllocationSlice {
	total := decimal.Zero
	for _, p := range positions {
		if p.MarketValue > 0 {
			total = total.Add(decimal.NewFromFloat(p.MarketValue))
		}
	}
	out := make([]AllocationSlice, 0, len(positions))
	for _, p := range positions {
		if p.MarketValue <= 0 {
			continue
		}
		slice := AllocationSlice{Symbol: p.Symbol, Value: p.MarketValue}
		if total.IsPositive() {
			pct := decimal.NewFromFloat(p.MarketValue).Div(total).Mul(decimal.NewFromInt(100)).Round(2)
			slice.Percent, _ = pct.Float64()
		}
		out = append(out, slice)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// EvolutionPoint is one step of the invested-capital timeline.
type EvolutionPoint struct {
	Date     time.Time `json:"date"`
	Invested float64   `json:"invested"`
}

// Evolution folds the operation history into a cumulative net-invested
// series, one point per operation date. Buys add quantity*price, sells
// subtract it. This is a cash-flow line, not a market-value backfill.
func Evolution(ops []store.OperationRecord) []EvolutionPoint {
	sorted := make([]store.OperationRecord, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].ID < sorted[j].ID
	})

	invested := decimal.Zero
	var out []EvolutionPoint
	for _, op := range sorted {
		amount := decimal.NewFromFloat(op.Quantity).Mul(decimal.NewFromFloat(op.Price))
		if op.Type == store.OperationSell {
			invested = invested.Sub(amount)
		} else {
			invested = invested.Add(amount)
		}
		val, _ := invested.Float64()
		day := op.Date.Truncate(24 * time.Hour)
		if n := len(out); n > 0 && out[n-1].Date.Equal(day) {
			out[n-1].Invested = val
			continue
		}
		out = append(out, EvolutionPoint{Date: day, Invested: val})
	}
	return out
}
