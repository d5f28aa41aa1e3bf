package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the local view of a broker position. Qty is signed: negative
// for shorts. The broker is the source of truth; reconciliation overwrites
// this row whenever they disagree.
type Position struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol        string          `gorm:"type:varchar(32);not null;uniqueIndex" json:"symbol"`
	Qty           decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"qty"`
	AvgEntryPrice decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"avg_entry_price"`
	MarketValue   decimal.Decimal `gorm:"type:numeric(30,6);not null;default:0" json:"market_value"`
	SyncedAt      time.Time       `gorm:"type:timestamptz;not null" json:"synced_at"`
	CreatedAt     time.Time       `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}
