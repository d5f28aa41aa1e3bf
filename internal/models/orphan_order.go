package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrphanStatusUntracked = "untracked"
	OrphanStatusResolved  = "resolved"

	OrphanResolutionAdopted     = "adopted"
	OrphanResolutionCanceled    = "canceled"
	OrphanResolutionAutoExpired = "auto_expired"

	UnknownStrategy = "unknown"
)

// OrphanOrder is a broker-side order with no local client_order_id.
type OrphanOrder struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	BrokerOrderID string `gorm:"type:varchar(100);not null;uniqueIndex" json:"broker_order_id"`
	ClientOrderID string `gorm:"type:varchar(128)" json:"client_order_id,omitempty"`

	Symbol       string `gorm:"type:varchar(32);not null;index" json:"symbol"`
	StrategyID   string `gorm:"type:varchar(100);not null;default:'unknown'" json:"strategy_id"`
	Side         string `gorm:"type:varchar(10);not null" json:"side"`
	OrderType    string `gorm:"type:varchar(20)" json:"order_type"`
	BrokerStatus string `gorm:"type:varchar(32)" json:"broker_status"`

	Qty               decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"qty"`
	FilledQty         decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"filled_qty"`
	AvgFillPrice      decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"avg_fill_price"`
	EstimatedNotional decimal.Decimal `gorm:"type:numeric(30,6);not null;default:0" json:"estimated_notional"`

	Status     string     `gorm:"type:varchar(20);not null;default:'untracked';index" json:"status"`
	Resolution string     `gorm:"type:varchar(20)" json:"resolution,omitempty"`
	ResolvedBy string     `gorm:"type:varchar(100)" json:"resolved_by,omitempty"`
	DetectedAt time.Time  `gorm:"type:timestamptz;not null;index" json:"detected_at"`
	ResolvedAt *time.Time `gorm:"type:timestamptz" json:"resolved_at,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (OrphanOrder) TableName() string {
	return "orphan_orders"
}
