package broker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/client/alpaca"
	"tradecore/internal/orders"
)

const defaultPageLimit = 500

// AlpacaGateway adapts the REST client to Gateway.
type AlpacaGateway struct {
	Client *alpaca.Client
}

var _ Gateway = (*AlpacaGateway)(nil)

func NewAlpacaGateway(client *alpaca.Client) *AlpacaGateway {
	return &AlpacaGateway{Client: client}
}

// classify maps client errors onto the gateway taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &TransientError{Err: err}
	}
	switch {
	case apiErr.Status == http.StatusNotFound:
		return ErrNotFound
	case apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500:
		return &TransientError{Err: err}
	}
	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Body
	}
	return &RejectionError{Status: apiErr.Status, Code: apiErr.Code, Message: msg}
}

func (g *AlpacaGateway) Submit(ctx context.Context, req OrderRequest) (*Order, error) {
	tif := req.TimeInForce
	if tif == "" {
		tif = "day"
	}
	out, err := g.Client.PlaceOrder(ctx, alpaca.OrderRequest{
		Symbol:        req.Symbol,
		Qty:           strconv.FormatInt(req.Qty, 10),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   tif,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		err = classify(err)
		// A retried submit can land after the first attempt reached the
		// broker; the id is unique there, so fetch the existing order.
		var rej *RejectionError
		if errors.As(err, &rej) && strings.Contains(strings.ToLower(rej.Message), "client_order_id must be unique") {
			return g.GetOrderByClientID(ctx, req.ClientOrderID)
		}
		return nil, err
	}
	o := fromAlpacaOrder(*out)
	return &o, nil
}

func (g *AlpacaGateway) Cancel(ctx context.Context, clientOrderID string) error {
	o, err := g.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		return err
	}
	return g.CancelByBrokerID(ctx, o.ID)
}

func (g *AlpacaGateway) CancelByBrokerID(ctx context.Context, brokerOrderID string) error {
	return classify(g.Client.CancelOrder(ctx, brokerOrderID))
}

func (g *AlpacaGateway) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	out, err := g.Client.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		return nil, classify(err)
	}
	o := fromAlpacaOrder(*out)
	return &o, nil
}

func (g *AlpacaGateway) ListOpenOrders(ctx context.Context) ([]Order, error) {
	items, err := g.Client.ListOrders(ctx, alpaca.ListOrdersParams{Status: "open", Limit: defaultPageLimit, Direction: "asc"})
	if err != nil {
		return nil, classify(err)
	}
	return fromAlpacaOrders(items), nil
}

// ListAllOrders pages by submission time. The cursor is the RFC3339 time of
// the last order returned.
func (g *AlpacaGateway) ListAllOrders(ctx context.Context, req ListOrdersRequest) (OrdersPage, error) {
	limit := req.Limit
	if limit <= 0 || limit > defaultPageLimit {
		limit = defaultPageLimit
	}
	status := req.Status
	if status == "" {
		status = "all"
	}
	params := alpaca.ListOrdersParams{Status: status, Limit: limit, Direction: "asc", After: req.After}
	if req.Cursor != "" {
		after, err := time.Parse(time.RFC3339Nano, req.Cursor)
		if err != nil {
			return OrdersPage{}, &RejectionError{Status: http.StatusBadRequest, Message: "invalid cursor"}
		}
		params.After = &after
	}
	items, err := g.Client.ListOrders(ctx, params)
	if err != nil {
		return OrdersPage{}, classify(err)
	}
	page := OrdersPage{Orders: fromAlpacaOrders(items)}
	if len(items) == limit {
		last := items[len(items)-1]
		if ts := firstTime(last.SubmittedAt, last.CreatedAt); ts != nil {
			page.NextCursor = ts.UTC().Format(time.RFC3339Nano)
		}
	}
	return page, nil
}

func (g *AlpacaGateway) GetOpenPosition(ctx context.Context, symbol string) (Position, error) {
	p, err := g.Client.GetPosition(ctx, symbol)
	if err != nil {
		err = classify(err)
		if errors.Is(err, ErrNotFound) {
			return Position{Symbol: symbol, Qty: decimal.Zero}, nil
		}
		return Position{}, err
	}
	return fromAlpacaPosition(*p), nil
}

func (g *AlpacaGateway) ListAllPositions(ctx context.Context) ([]Position, error) {
	items, err := g.Client.ListPositions(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Position, 0, len(items))
	for _, p := range items {
		out = append(out, fromAlpacaPosition(p))
	}
	return out, nil
}

func (g *AlpacaGateway) GetClock(ctx context.Context) (Clock, error) {
	c, err := g.Client.GetClock(ctx)
	if err != nil {
		return Clock{}, classify(err)
	}
	return Clock{IsOpen: c.IsOpen, NextOpen: c.NextOpen, NextClose: c.NextClose}, nil
}

func fromAlpacaOrders(items []alpaca.Order) []Order {
	out := make([]Order, 0, len(items))
	for _, item := range items {
		out = append(out, fromAlpacaOrder(item))
	}
	return out
}

func fromAlpacaOrder(o alpaca.Order) Order {
	side, _ := orders.ParseSide(o.Side)
	typ, _ := orders.ParseType(o.Type)
	return Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         strings.ToUpper(o.Symbol),
		Side:           side,
		Type:           typ,
		Qty:            o.Qty.Decimal,
		FilledQty:      o.FilledQty.Decimal,
		FilledAvgPrice: o.FilledAvgPrice.Decimal,
		LimitPrice:     optionalDecimal(o.LimitPrice),
		StopPrice:      optionalDecimal(o.StopPrice),
		Status:         orders.FromBroker(o.Status),
		RawStatus:      o.Status,
		CreatedAt:      utc(o.CreatedAt),
		UpdatedAt:      utc(o.UpdatedAt),
		SubmittedAt:    utc(o.SubmittedAt),
		FilledAt:       utc(o.FilledAt),
	}
}

func optionalDecimal(d *alpaca.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := d.Decimal
	return &v
}

// FromTradeUpdate converts a stream or webhook payload.
func FromTradeUpdate(u alpaca.TradeUpdate) (Order, *decimal.Decimal) {
	o := fromAlpacaOrder(u.Order)
	if o.UpdatedAt == nil && u.Timestamp != nil {
		o.UpdatedAt = utc(u.Timestamp)
	}
	if u.PositionQty == nil {
		return o, nil
	}
	qty := u.PositionQty.Decimal
	return o, &qty
}

func fromAlpacaPosition(p alpaca.Position) Position {
	qty := p.Qty.Decimal
	if strings.EqualFold(p.Side, "short") && qty.IsPositive() {
		qty = qty.Neg()
	}
	return Position{
		Symbol:        strings.ToUpper(p.Symbol),
		Qty:           qty,
		AvgEntryPrice: p.AvgEntryPrice.Decimal,
		MarketValue:   p.MarketValue.Decimal,
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func firstTime(ts ...*time.Time) *time.Time {
	for _, t := range ts {
		if t != nil {
			return t
		}
	}
	return nil
}
