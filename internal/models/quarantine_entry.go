package models

import "time"

// WildcardStrategy scopes a quarantine entry to every strategy on a symbol.
const WildcardStrategy = "*"

type QuarantineEntry struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	StrategyID    string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_quarantine_scope" json:"strategy_id"`
	Symbol        string    `gorm:"type:varchar(32);not null;uniqueIndex:idx_quarantine_scope" json:"symbol"`
	Reason        string    `gorm:"type:text" json:"reason"`
	BrokerOrderID string    `gorm:"type:varchar(100)" json:"broker_order_id,omitempty"`
	CreatedAt     time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
}

func (QuarantineEntry) TableName() string {
	return "quarantine_entries"
}
