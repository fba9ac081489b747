package pricedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"compass/internal/pkg/symbol"
	"compass/internal/store"

	_ "modernc.org/sqlite"
)

// PriceStore keeps the append-heavy historical price table on a plain SQLite
// connection, separate from the Gorm record database. Inserts publish to the
// change feed so the sync engine sees them as remote price events.
type PriceStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	feed *store.Feed
}

func NewPriceStore(path string, feed *store.Feed) (*PriceStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("price store: db path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PriceStore{db: db, path: path, feed: feed}, nil
}

func ensureSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS historical_prices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	price REAL NOT NULL,
	date INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prices_symbol_date ON historical_prices(symbol, date DESC);
`
	_, err := db.Exec(schema)
	return err
}

func (s *PriceStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Insert appends one price row and publishes the matching feed event.
func (s *PriceStore) Insert(ctx context.Context, p store.PricePoint) error {
	p.Symbol = symbol.Normalize(p.Symbol)
	if p.Symbol == "" {
		return fmt.Errorf("price symbol cannot be empty")
	}
	if p.Price <= 0 {
		return fmt.Errorf("price must be positive, got %v", p.Price)
	}
	if p.Date.IsZero() {
		p.Date = time.Now()
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("price store is closed")
	}
	_, err := db.ExecContext(ctx,
		"INSERT INTO historical_prices(symbol, price, date) VALUES (?, ?, ?)",
		p.Symbol, p.Price, p.Date.UnixMilli())
	if err != nil {
		return err
	}
	if s.feed != nil {
		if row, err := json.Marshal(p); err == nil {
			s.feed.Publish(store.TablePrices, store.EventInsert, row)
		}
	}
	return nil
}

// LatestBySymbols returns the most recent row per symbol in one query.
// Symbols with no rows are simply absent from the result.
func (s *PriceStore) LatestBySymbols(ctx context.Context, symbols []string) ([]store.PricePoint, error) {
	symbols = symbol.NormalizeList(symbols)
	if len(symbols) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("price store is closed")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(symbols)), ",")
	query := fmt.Sprintf(`
SELECT p.symbol, p.price, p.date
FROM historical_prices p
JOIN (
	SELECT symbol, MAX(date) AS max_date
	FROM historical_prices
	WHERE symbol IN (%s)
	GROUP BY symbol
) latest ON latest.symbol = p.symbol AND latest.max_date = p.date
GROUP BY p.symbol`, placeholders)
	args := make([]any, len(symbols))
	for i, sym := range symbols {
		args[i] = sym
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.PricePoint
	for rows.Next() {
		var p store.PricePoint
		var ms int64
		if err := rows.Scan(&p.Symbol, &p.Price, &ms); err != nil {
			return nil, err
		}
		p.Date = time.UnixMilli(ms)
		out = append(out, p)
	}
	return out, rows.Err()
}

// History returns a symbol's price rows in ascending date order, optionally
// bounded by from/to (zero values mean unbounded).
func (s *PriceStore) History(ctx context.Context, sym string, from, to time.Time) ([]store.PricePoint, error) {
	sym = symbol.Normalize(sym)
	if sym == "" {
		return nil, fmt.Errorf("price symbol cannot be empty")
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("price store is closed")
	}
	query := "SELECT symbol, price, date FROM historical_prices WHERE symbol = ?"
	args := []any{sym}
	if !from.IsZero() {
		query += " AND date >= ?"
		args = append(args, from.UnixMilli())
	}
	if !to.IsZero() {
		query += " AND date <= ?"
		args = append(args, to.UnixMilli())
	}
	query += " ORDER BY date ASC"
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.PricePoint
	for rows.Next() {
		var p store.PricePoint
		var ms int64
		if err := rows.Scan(&p.Symbol, &p.Price, &ms); err != nil {
			return nil, err
		}
		p.Date = time.UnixMilli(ms)
		out = append(out, p)
	}
	return out, rows.Err()
}
