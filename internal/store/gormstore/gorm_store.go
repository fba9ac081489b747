package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"compass/internal/pkg/symbol"
	"compass/internal/store"
	storemodel "compass/internal/store/model"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

type (
	portfolioModel = storemodel.PortfolioModel
	operationModel = storemodel.OperationModel
	holdingModel   = storemodel.HoldingModel
)

var ErrNotFound = errors.New("record not found")

// GormStore implements portfolio, operation and holding storage using
// Gorm + SQLite. Every committed write is published to the change feed so
// downstream watchers see the same events a remote realtime channel would
// deliver.
type GormStore struct {
	db   *gorm.DB
	feed *store.Feed
}

// NewGormStore opens (and migrates) the record database at path.
func NewGormStore(path string, feed *store.Feed) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: record db path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(&sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&portfolioModel{},
		&operationModel{},
		&holdingModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP
	// reads while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db, feed: feed}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *GormStore) publish(table string, typ store.EventType, rec any) {
	if s == nil || s.feed == nil {
		return
	}
	row, err := json.Marshal(rec)
	if err != nil {
		return
	}
	s.feed.Publish(table, typ, row)
}

// --------------------- Portfolios -------------------------

func (s *GormStore) CreatePortfolio(ctx context.Context, rec store.PortfolioRecord) (store.PortfolioRecord, error) {
	if strings.TrimSpace(rec.Name) == "" {
		return rec, fmt.Errorf("portfolio name cannot be empty")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m := portfolioModel{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return rec, err
	}
	s.publish(store.TablePortfolios, store.EventInsert, rec)
	return rec, nil
}

func (s *GormStore) GetPortfolio(ctx context.Context, id string) (store.PortfolioRecord, error) {
	var m portfolioModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.PortfolioRecord{}, ErrNotFound
	}
	if err != nil {
		return store.PortfolioRecord{}, err
	}
	return portfolioRecord(m), nil
}

func (s *GormStore) ListPortfolios(ctx context.Context) ([]store.PortfolioRecord, error) {
	var ms []portfolioModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]store.PortfolioRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, portfolioRecord(m))
	}
	return out, nil
}

func (s *GormStore) UpdatePortfolio(ctx context.Context, rec store.PortfolioRecord) (store.PortfolioRecord, error) {
	if rec.ID == "" {
		return rec, fmt.Errorf("portfolio id cannot be empty")
	}
	rec.UpdatedAt = time.Now()
	res := s.db.WithContext(ctx).Model(&portfolioModel{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
		"name":        rec.Name,
		"description": rec.Description,
		"updated_at":  rec.UpdatedAt,
	})
	if res.Error != nil {
		return rec, res.Error
	}
	if res.RowsAffected == 0 {
		return rec, ErrNotFound
	}
	s.publish(store.TablePortfolios, store.EventUpdate, rec)
	return rec, nil
}

// DeletePortfolio removes a portfolio together with its operations and
// holdings.
func (s *GormStore) DeletePortfolio(ctx context.Context, id string) error {
	rec, err := s.GetPortfolio(ctx, id)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&operationModel{}, "portfolio_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&holdingModel{}, "portfolio_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&portfolioModel{}, "id = ?", id).Error
	})
	if err != nil {
		return err
	}
	s.publish(store.TablePortfolios, store.EventDelete, rec)
	// Deleting the portfolio changes the held symbol set; watchers listen on
	// holdings and operations, so emit deletes there as well.
	s.publish(store.TableHoldings, store.EventDelete, map[string]string{"portfolio_id": id})
	s.publish(store.TableOperations, store.EventDelete, map[string]string{"portfolio_id": id})
	return nil
}

// --------------------- Operations -------------------------

func (s *GormStore) CreateOperation(ctx context.Context, rec store.OperationRecord) (store.OperationRecord, error) {
	if err := validateOperation(&rec); err != nil {
		return rec, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now()
	m := operationModel{
		ID:          rec.ID,
		PortfolioID: rec.PortfolioID,
		Symbol:      rec.Symbol,
		Type:        rec.Type,
		Quantity:    rec.Quantity,
		Price:       rec.Price,
		Date:        rec.Date,
		Meta:        []byte(rec.Meta),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return rec, err
	}
	s.publish(store.TableOperations, store.EventInsert, rec)
	return rec, nil
}

func (s *GormStore) UpdateOperation(ctx context.Context, rec store.OperationRecord) (store.OperationRecord, error) {
	if rec.ID == "" {
		return rec, fmt.Errorf("operation id cannot be empty")
	}
	if err := validateOperation(&rec); err != nil {
		return rec, err
	}
	res := s.db.WithContext(ctx).Model(&operationModel{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
		"symbol":     rec.Symbol,
		"type":       rec.Type,
		"quantity":   rec.Quantity,
		"price":      rec.Price,
		"date":       rec.Date,
		"meta":       []byte(rec.Meta),
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return rec, res.Error
	}
	if res.RowsAffected == 0 {
		return rec, ErrNotFound
	}
	s.publish(store.TableOperations, store.EventUpdate, rec)
	return rec, nil
}

func (s *GormStore) DeleteOperation(ctx context.Context, id string) error {
	var m operationModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&operationModel{}, "id = ?", id).Error; err != nil {
		return err
	}
	s.publish(store.TableOperations, store.EventDelete, operationRecord(m))
	return nil
}

// ListOperations returns a portfolio's operations ordered by date, with the
// record id as a stable tie-break for same-date rows.
func (s *GormStore) ListOperations(ctx context.Context, portfolioID string) ([]store.OperationRecord, error) {
	var ms []operationModel
	q := s.db.WithContext(ctx).Order("date ASC, id ASC")
	if portfolioID != "" {
		q = q.Where("portfolio_id = ?", portfolioID)
	}
	if err := q.Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]store.OperationRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, operationRecord(m))
	}
	return out, nil
}

// --------------------- Holdings -------------------------

func (s *GormStore) CreateHolding(ctx context.Context, rec store.HoldingRecord) (store.HoldingRecord, error) {
	rec.Symbol = symbol.Normalize(rec.Symbol)
	if rec.Symbol == "" {
		return rec, fmt.Errorf("holding symbol cannot be empty")
	}
	if rec.PortfolioID == "" {
		return rec, fmt.Errorf("holding portfolio_id cannot be empty")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now()
	m := holdingModel{
		ID:           rec.ID,
		PortfolioID:  rec.PortfolioID,
		Symbol:       rec.Symbol,
		Quantity:     rec.Quantity,
		AverageCost:  rec.AverageCost,
		PurchaseDate: rec.PurchaseDate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return rec, err
	}
	s.publish(store.TableHoldings, store.EventInsert, rec)
	return rec, nil
}

func (s *GormStore) UpdateHolding(ctx context.Context, rec store.HoldingRecord) (store.HoldingRecord, error) {
	if rec.ID == "" {
		return rec, fmt.Errorf("holding id cannot be empty")
	}
	rec.Symbol = symbol.Normalize(rec.Symbol)
	res := s.db.WithContext(ctx).Model(&holdingModel{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
		"symbol":        rec.Symbol,
		"quantity":      rec.Quantity,
		"average_cost":  rec.AverageCost,
		"purchase_date": rec.PurchaseDate,
		"updated_at":    time.Now(),
	})
	if res.Error != nil {
		return rec, res.Error
	}
	if res.RowsAffected == 0 {
		return rec, ErrNotFound
	}
	s.publish(store.TableHoldings, store.EventUpdate, rec)
	return rec, nil
}

func (s *GormStore) DeleteHolding(ctx context.Context, id string) error {
	var m holdingModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&holdingModel{}, "id = ?", id).Error; err != nil {
		return err
	}
	s.publish(store.TableHoldings, store.EventDelete, holdingRecord(m))
	return nil
}

func (s *GormStore) ListHoldings(ctx context.Context, portfolioID string) ([]store.HoldingRecord, error) {
	var ms []holdingModel
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if portfolioID != "" {
		q = q.Where("portfolio_id = ?", portfolioID)
	}
	if err := q.Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]store.HoldingRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, holdingRecord(m))
	}
	return out, nil
}

// HoldingSymbols returns the distinct symbols currently held, across both
// explicit holding rows and the aggregated operation history. An empty
// portfolioID scopes to every portfolio.
func (s *GormStore) HoldingSymbols(ctx context.Context, portfolioID string) ([]string, error) {
	var held []string
	q := s.db.WithContext(ctx).Model(&holdingModel{}).Where("quantity > 0").Distinct("symbol")
	if portfolioID != "" {
		q = q.Where("portfolio_id = ?", portfolioID)
	}
	if err := q.Pluck("symbol", &held).Error; err != nil {
		return nil, err
	}

	type netRow struct {
		Symbol string
		Net    float64
	}
	var nets []netRow
	nq := s.db.WithContext(ctx).Model(&operationModel{}).
		Select("symbol, SUM(CASE WHEN type = ? THEN quantity ELSE -quantity END) AS net", store.OperationBuy).
		Group("symbol")
	if portfolioID != "" {
		nq = nq.Where("portfolio_id = ?", portfolioID)
	}
	if err := nq.Scan(&nets).Error; err != nil {
		return nil, err
	}
	for _, row := range nets {
		if row.Net > 0 {
			held = append(held, row.Symbol)
		}
	}
	return symbol.NormalizeList(held), nil
}

// --------------------- helpers -------------------------

func validateOperation(rec *store.OperationRecord) error {
	rec.Symbol = symbol.Normalize(rec.Symbol)
	rec.Type = strings.ToLower(strings.TrimSpace(rec.Type))
	if rec.Symbol == "" {
		return fmt.Errorf("operation symbol cannot be empty")
	}
	if rec.PortfolioID == "" {
		return fmt.Errorf("operation portfolio_id cannot be empty")
	}
	if rec.Type != store.OperationBuy && rec.Type != store.OperationSell {
		return fmt.Errorf("operation type must be %q or %q, got %q", store.OperationBuy, store.OperationSell, rec.Type)
	}
	if rec.Quantity <= 0 {
		return fmt.Errorf("operation quantity must be positive")
	}
	if rec.Price < 0 {
		return fmt.Errorf("operation price cannot be negative")
	}
	if rec.Date.IsZero() {
		rec.Date = time.Now()
	}
	return nil
}

func portfolioRecord(m portfolioModel) store.PortfolioRecord {
	return store.PortfolioRecord{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func operationRecord(m operationModel) store.OperationRecord {
	return store.OperationRecord{
		ID:          m.ID,
		PortfolioID: m.PortfolioID,
		Symbol:      m.Symbol,
		Type:        m.Type,
		Quantity:    m.Quantity,
		Price:       m.Price,
		Date:        m.Date,
		Meta:        []byte(m.Meta),
	}
}

func holdingRecord(m holdingModel) store.HoldingRecord {
	return store.HoldingRecord{
		ID:           m.ID,
		PortfolioID:  m.PortfolioID,
		Symbol:       m.Symbol,
		Quantity:     m.Quantity,
		AverageCost:  m.AverageCost,
		PurchaseDate: m.PurchaseDate,
	}
}
