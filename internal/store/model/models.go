package model

import (
	"time"

	"gorm.io/datatypes"
)

// PortfolioModel maps the portfolios table.
type PortfolioModel struct {
	ID          string    `gorm:"column:id;primaryKey;type:TEXT"`
	Name        string    `gorm:"column:name;type:TEXT;not null"`
	Description string    `gorm:"column:description;type:TEXT"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (PortfolioModel) TableName() string { return "portfolios" }

// OperationModel maps the operations table: one buy or sell record.
type OperationModel struct {
	ID          string         `gorm:"column:id;primaryKey;type:TEXT"`
	PortfolioID string         `gorm:"column:portfolio_id;type:TEXT;index;not null"`
	Symbol      string         `gorm:"column:symbol;type:TEXT;index;not null"`
	Type        string         `gorm:"column:type;type:TEXT;not null"`
	Quantity    float64        `gorm:"column:quantity;not null"`
	Price       float64        `gorm:"column:price;not null"`
	Date        time.Time      `gorm:"column:date;index;not null"`
	Meta        datatypes.JSON `gorm:"column:meta;type:TEXT"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
}

func (OperationModel) TableName() string { return "operations" }

// HoldingModel maps the holdings table: raw position rows kept by the user
// directly, independent of the operation history.
type HoldingModel struct {
	ID           string    `gorm:"column:id;primaryKey;type:TEXT"`
	PortfolioID  string    `gorm:"column:portfolio_id;type:TEXT;index;not null"`
	Symbol       string    `gorm:"column:symbol;type:TEXT;index;not null"`
	Quantity     float64   `gorm:"column:quantity;not null"`
	AverageCost  float64   `gorm:"column:average_cost;not null"`
	PurchaseDate time.Time `gorm:"column:purchase_date"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (HoldingModel) TableName() string { return "holdings" }
