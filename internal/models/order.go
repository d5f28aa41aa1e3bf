package models

import (
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/orders"
)

// Order is one client-generated order. Parent TWAP orders carry TotalSlices > 0
// and no ParentOrderID; their slices point back through ParentOrderID.
type Order struct {
	ID            uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientOrderID string  `gorm:"type:varchar(64);not null;uniqueIndex" json:"client_order_id"`
	BrokerOrderID *string `gorm:"type:varchar(100);index" json:"broker_order_id,omitempty"`
	ParentOrderID *string `gorm:"type:varchar(64);index" json:"parent_order_id,omitempty"`

	SliceNum      int        `gorm:"not null;default:0" json:"slice_num"`
	TotalSlices   int        `gorm:"not null;default:0" json:"total_slices"`
	ScheduledTime *time.Time `gorm:"type:timestamptz;index" json:"scheduled_time,omitempty"`

	StrategyID  string           `gorm:"type:varchar(100);not null;index" json:"strategy_id"`
	Symbol      string           `gorm:"type:varchar(32);not null;index" json:"symbol"`
	Side        orders.Side      `gorm:"type:varchar(10);not null" json:"side"`
	OrderType   orders.Type      `gorm:"type:varchar(20);not null;default:'market'" json:"order_type"`
	TimeInForce string           `gorm:"type:varchar(10);not null;default:'day'" json:"time_in_force"`
	LimitPrice  *decimal.Decimal `gorm:"type:numeric(20,6)" json:"limit_price,omitempty"`
	StopPrice   *decimal.Decimal `gorm:"type:numeric(20,6)" json:"stop_price,omitempty"`

	Qty          int64           `gorm:"not null" json:"qty"`
	FilledQty    decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"filled_qty"`
	AvgFillPrice decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"avg_fill_price"`

	Status         orders.Status `gorm:"type:varchar(32);not null;default:'pending_new';index" json:"status"`
	StatusRank     int           `gorm:"not null;default:1" json:"status_rank"`
	IsTerminal     bool          `gorm:"not null;default:false;index" json:"is_terminal"`
	SourcePriority orders.Source `gorm:"not null;default:2" json:"source_priority"`
	LastUpdatedAt  *time.Time    `gorm:"type:timestamptz" json:"last_updated_at,omitempty"`

	ReduceOnly   bool   `gorm:"not null;default:false" json:"reduce_only"`
	OverrideFlag bool   `gorm:"not null;default:false" json:"override_flag"`
	ReasonCode   string `gorm:"type:varchar(64)" json:"reason_code,omitempty"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	SubmittedAt *time.Time `gorm:"type:timestamptz" json:"submitted_at,omitempty"`
	FilledAt    *time.Time `gorm:"type:timestamptz" json:"filled_at,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

func (o Order) IsSlice() bool {
	return o.ParentOrderID != nil && *o.ParentOrderID != ""
}

func (o Order) IsParent() bool {
	return !o.IsSlice() && o.TotalSlices > 0
}

// State extracts the fields that take part in conflict resolution.
func (o Order) State() orders.State {
	return orders.State{
		Status:       o.Status,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		UpdatedAt:    o.LastUpdatedAt,
		Source:       o.SourcePriority,
	}
}

// Remaining is the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	rem := decimal.NewFromInt(o.Qty).Sub(o.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}
