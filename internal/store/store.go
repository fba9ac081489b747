package store

import (
	"encoding/json"
	"time"
)

// Table names used by the record store and the change feed.
const (
	TablePortfolios = "portfolios"
	TableOperations = "operations"
	TableHoldings   = "holdings"
	TablePrices     = "historical_prices"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one committed row change. Row carries the row encoded as
// JSON so feed consumers stay decoupled from store model types.
type ChangeEvent struct {
	Table string          `json:"table"`
	Type  EventType       `json:"type"`
	Row   json.RawMessage `json:"row"`
	At    time.Time       `json:"at"`
}

// Operation types accepted by the record store.
const (
	OperationBuy  = "buy"
	OperationSell = "sell"
)

// PortfolioRecord is a stored portfolio.
type PortfolioRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OperationRecord is one stored buy/sell operation.
type OperationRecord struct {
	ID          string          `json:"id"`
	PortfolioID string          `json:"portfolio_id"`
	Symbol      string          `json:"symbol"`
	Type        string          `json:"type"`
	Quantity    float64         `json:"quantity"`
	Price       float64         `json:"price"`
	Date        time.Time       `json:"date"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// HoldingRecord is one stored raw position row.
type HoldingRecord struct {
	ID           string    `json:"id"`
	PortfolioID  string    `json:"portfolio_id"`
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	AverageCost  float64   `json:"average_cost"`
	PurchaseDate time.Time `json:"purchase_date"`
}

// PricePoint is one historical price row.
type PricePoint struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Date   time.Time `json:"date"`
}

// SubscribeOptions tune a single feed subscription.
type SubscribeOptions struct {
	// Buffer is the channel capacity; 0 falls back to the feed default.
	Buffer int
	// OnDrop is invoked when the subscriber is too slow and an event is
	// discarded.
	OnDrop func(ChangeEvent)
}
