package alpaca

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Decimal accepts quoted strings, bare numbers and null.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		d.Decimal = decimal.Zero
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			d.Decimal = decimal.Zero
			return nil
		}
		val, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		d.Decimal = val
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		d.Decimal = decimal.NewFromFloat(f)
		return nil
	}
	return fmt.Errorf("invalid decimal: %s", string(b))
}

type OrderRequest struct {
	Symbol        string           `json:"symbol"`
	Qty           string           `json:"qty"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	TimeInForce   string           `json:"time_in_force"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	ClientOrderID string           `json:"client_order_id"`
}

type Order struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	CreatedAt      *time.Time `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at"`
	SubmittedAt    *time.Time `json:"submitted_at"`
	FilledAt       *time.Time `json:"filled_at"`
	CanceledAt     *time.Time `json:"canceled_at"`
	Symbol         string     `json:"symbol"`
	Qty            Decimal    `json:"qty"`
	FilledQty      Decimal    `json:"filled_qty"`
	FilledAvgPrice Decimal    `json:"filled_avg_price"`
	Type           string     `json:"type"`
	Side           string     `json:"side"`
	TimeInForce    string     `json:"time_in_force"`
	LimitPrice     *Decimal   `json:"limit_price"`
	StopPrice      *Decimal   `json:"stop_price"`
	Status         string     `json:"status"`
}

// Position.Qty is negative for short positions.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           Decimal `json:"qty"`
	Side          string  `json:"side"`
	AvgEntryPrice Decimal `json:"avg_entry_price"`
	MarketValue   Decimal `json:"market_value"`
}

type Clock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// ListOrdersParams maps onto GET /v2/orders. Status is open, closed or all.
type ListOrdersParams struct {
	Status    string
	After     *time.Time
	Until     *time.Time
	Limit     int
	Direction string
}

// TradeUpdate is one message of the trade_updates stream or webhook.
type TradeUpdate struct {
	Event       string     `json:"event"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Order       Order      `json:"order"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	PositionQty *Decimal   `json:"position_qty,omitempty"`
	Price       *Decimal   `json:"price,omitempty"`
	Qty         *Decimal   `json:"qty,omitempty"`
}
