// Package slicing decomposes a parent order into evenly sized TWAP slices.
// It performs no I/O; identical requests yield identical plans and ids.
package slicing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/idhash"
	"tradecore/internal/orders"
)

const DefaultInterval = time.Minute

var ErrInvalidRequest = errors.New("invalid slicing request")

type Request struct {
	Symbol      string
	Side        orders.Side
	Qty         int64
	Duration    int
	OrderType   orders.Type
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce string
	StrategyID  string
	// TradeDate feeds the parent id; it defaults to Start's UTC date.
	TradeDate string
	Start     time.Time
	Interval  time.Duration
}

type Slice struct {
	ClientOrderID string    `json:"client_order_id"`
	SliceNum      int       `json:"slice_num"`
	Qty           int64     `json:"qty"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

type Plan struct {
	ParentOrderID string           `json:"parent_order_id"`
	Symbol        string           `json:"symbol"`
	Side          orders.Side      `json:"side"`
	TotalQty      int64            `json:"total_qty"`
	OrderType     orders.Type      `json:"order_type"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   string           `json:"time_in_force"`
	StrategyID    string           `json:"strategy_id"`
	Interval      time.Duration    `json:"interval_ns"`
	Slices        []Slice          `json:"slices"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return invalid("symbol is required")
	}
	if r.Side != orders.SideBuy && r.Side != orders.SideSell {
		return invalid("side must be buy or sell")
	}
	if r.Qty <= 0 {
		return invalid("qty must be positive")
	}
	if r.Duration <= 0 {
		return invalid("duration must be positive")
	}
	if r.Qty < int64(r.Duration) {
		return invalid("qty %d is smaller than duration %d", r.Qty, r.Duration)
	}
	if r.Interval < 0 {
		return invalid("interval must be positive")
	}
	if r.OrderType.NeedsLimitPrice() && (r.LimitPrice == nil || !r.LimitPrice.IsPositive()) {
		return invalid("%s order requires a positive limit price", r.OrderType)
	}
	if r.OrderType.NeedsStopPrice() && (r.StopPrice == nil || !r.StopPrice.IsPositive()) {
		return invalid("%s order requires a positive stop price", r.OrderType)
	}
	return nil
}

// Build produces the plan for r.
func Build(r Request) (Plan, error) {
	if r.OrderType == "" {
		r.OrderType = orders.TypeMarket
	}
	if err := r.validate(); err != nil {
		return Plan{}, err
	}
	if r.Interval == 0 {
		r.Interval = DefaultInterval
	}
	if r.TimeInForce == "" {
		r.TimeInForce = "day"
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.Symbol))
	tradeDate := r.TradeDate
	if tradeDate == "" {
		tradeDate = r.Start.UTC().Format("2006-01-02")
	}
	price := orders.PriceKey(r.LimitPrice, r.StopPrice)

	parentID := idhash.ClientOrderID(
		symbol,
		string(r.Side),
		strconv.FormatInt(r.Qty, 10),
		string(r.OrderType),
		price,
		r.StrategyID,
		tradeDate,
		"twap",
		strconv.Itoa(r.Duration),
	)

	plan := Plan{
		ParentOrderID: parentID,
		Symbol:        symbol,
		Side:          r.Side,
		TotalQty:      r.Qty,
		OrderType:     r.OrderType,
		LimitPrice:    r.LimitPrice,
		StopPrice:     r.StopPrice,
		TimeInForce:   r.TimeInForce,
		StrategyID:    r.StrategyID,
		Interval:      r.Interval,
		Slices:        make([]Slice, 0, r.Duration),
	}
	for i, qty := range Quantities(r.Qty, r.Duration) {
		num := i + 1
		plan.Slices = append(plan.Slices, Slice{
			ClientOrderID: SliceID(parentID, num, symbol, r.Side, qty, r.OrderType, price),
			SliceNum:      num,
			Qty:           qty,
			ScheduledTime: r.Start.Add(time.Duration(i) * r.Interval),
		})
	}
	return plan, nil
}

// Quantities splits total into n parts differing by at most one, larger
// parts first.
func Quantities(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	base := total / int64(n)
	remainder := total % int64(n)
	out := make([]int64, n)
	for i := range out {
		out[i] = base
		if int64(i) < remainder {
			out[i]++
		}
	}
	return out
}

func SliceID(parentID string, sliceNum int, symbol string, side orders.Side, qty int64, typ orders.Type, price string) string {
	return idhash.ClientOrderID(
		parentID,
		strconv.Itoa(sliceNum),
		symbol,
		string(side),
		strconv.FormatInt(qty, 10),
		string(typ),
		price,
	)
}

// StandaloneID is the client order id of a single non-sliced order.
func StandaloneID(symbol string, side orders.Side, qty int64, typ orders.Type, limit, stop *decimal.Decimal, strategyID, tradeDate string) string {
	return idhash.ClientOrderID(
		strings.ToUpper(strings.TrimSpace(symbol)),
		string(side),
		strconv.FormatInt(qty, 10),
		string(typ),
		orders.PriceKey(limit, stop),
		strategyID,
		tradeDate,
	)
}
