package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/orders"
)

// Paper is an in-memory gateway for local runs and tests. Submit is
// idempotent on client_order_id.
type Paper struct {
	// FillOnSubmit fills every new order at MarkPrice (or its limit price).
	FillOnSubmit bool
	MarkPrice    decimal.Decimal
	Now          func() time.Time

	mu        sync.Mutex
	seq       int
	orders    map[string]*Order // keyed by broker id
	byClient  map[string]string
	positions map[string]decimal.Decimal
	clock     Clock
	failures  map[string][]error
	submits   map[string]int
}

var _ Gateway = (*Paper)(nil)

func NewPaper() *Paper {
	return &Paper{
		Now:       func() time.Time { return time.Now().UTC() },
		orders:    make(map[string]*Order),
		byClient:  make(map[string]string),
		positions: make(map[string]decimal.Decimal),
		failures:  make(map[string][]error),
		submits:   make(map[string]int),
		clock:     Clock{IsOpen: true},
	}
}

// FailNext makes the next len(errs) calls of op return those errors. Op
// names match the Retrying span names, e.g. "submit" or "get_order".
func (p *Paper) FailNext(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

func (p *Paper) SetClock(c Clock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = c
}

func (p *Paper) SetPosition(symbol string, qty decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[strings.ToUpper(symbol)] = qty
}

// AddOrder places an order broker-side without going through Submit, as a
// manual trade from another client would.
func (p *Paper) AddOrder(o Order) Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.ID == "" {
		p.seq++
		o.ID = fmt.Sprintf("paper-%d", p.seq)
	}
	if o.Status == "" {
		o.Status = orders.StatusAccepted
	}
	if o.CreatedAt == nil {
		now := p.Now()
		o.CreatedAt = &now
	}
	if o.UpdatedAt == nil {
		o.UpdatedAt = o.CreatedAt
	}
	cp := o
	p.orders[o.ID] = &cp
	if o.ClientOrderID != "" {
		p.byClient[o.ClientOrderID] = o.ID
	}
	return o
}

// Fill moves an order to filledQty at price and adjusts the position.
func (p *Paper) Fill(clientOrderID string, filledQty int64, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byClient[clientOrderID]
	if !ok {
		return ErrNotFound
	}
	o := p.orders[id]
	p.fillLocked(o, decimal.NewFromInt(filledQty), price)
	return nil
}

// SubmitCount reports how many times Submit was called for a client id.
func (p *Paper) SubmitCount(clientOrderID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits[clientOrderID]
}

func (p *Paper) fail(op string) error {
	queue := p.failures[op]
	if len(queue) == 0 {
		return nil
	}
	p.failures[op] = queue[1:]
	return queue[0]
}

func (p *Paper) fillLocked(o *Order, filled, price decimal.Decimal) {
	delta := filled.Sub(o.FilledQty)
	if !delta.IsPositive() {
		return
	}
	now := p.Now()
	o.FilledQty = filled
	o.FilledAvgPrice = price
	o.UpdatedAt = &now
	if filled.GreaterThanOrEqual(o.Qty) {
		o.Status = orders.StatusFilled
		o.FilledAt = &now
	} else {
		o.Status = orders.StatusPartiallyFilled
	}
	signed := delta.Mul(decimal.NewFromInt(o.Side.Sign()))
	p.positions[o.Symbol] = p.positions[o.Symbol].Add(signed)
}

func (p *Paper) Submit(_ context.Context, req OrderRequest) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits[req.ClientOrderID]++
	if err := p.fail("submit"); err != nil {
		return nil, err
	}
	if id, ok := p.byClient[req.ClientOrderID]; ok {
		cp := *p.orders[id]
		return &cp, nil
	}
	if req.Qty <= 0 {
		return nil, &RejectionError{Status: 422, Message: "qty must be positive"}
	}
	now := p.Now()
	p.seq++
	o := &Order{
		ID:            fmt.Sprintf("paper-%d", p.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        strings.ToUpper(req.Symbol),
		Side:          req.Side,
		Type:          req.Type,
		Qty:           decimal.NewFromInt(req.Qty),
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		Status:        orders.StatusAccepted,
		RawStatus:     "accepted",
		CreatedAt:     &now,
		UpdatedAt:     &now,
		SubmittedAt:   &now,
	}
	p.orders[o.ID] = o
	p.byClient[o.ClientOrderID] = o.ID
	if p.FillOnSubmit {
		price := p.MarkPrice
		if req.LimitPrice != nil {
			price = *req.LimitPrice
		}
		p.fillLocked(o, o.Qty, price)
	}
	cp := *o
	return &cp, nil
}

func (p *Paper) Cancel(ctx context.Context, clientOrderID string) error {
	p.mu.Lock()
	id, ok := p.byClient[clientOrderID]
	p.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return p.CancelByBrokerID(ctx, id)
}

func (p *Paper) CancelByBrokerID(_ context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("cancel"); err != nil {
		return err
	}
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return ErrNotFound
	}
	if o.Status.IsTerminal() {
		return &RejectionError{Status: 422, Message: "order is not cancelable"}
	}
	now := p.Now()
	o.Status = orders.StatusCanceled
	o.UpdatedAt = &now
	return nil
}

func (p *Paper) GetOrderByClientID(_ context.Context, clientOrderID string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("get_order"); err != nil {
		return nil, err
	}
	id, ok := p.byClient[clientOrderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p.orders[id]
	return &cp, nil
}

func (p *Paper) sortedLocked() []Order {
	out := make([]Order, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CreatedAt, out[j].CreatedAt
		if ti.Equal(*tj) {
			return out[i].ID < out[j].ID
		}
		return ti.Before(*tj)
	})
	return out
}

func (p *Paper) ListOpenOrders(_ context.Context) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("list_open_orders"); err != nil {
		return nil, err
	}
	var out []Order
	for _, o := range p.sortedLocked() {
		if o.Open() {
			out = append(out, o)
		}
	}
	return out, nil
}

// ListAllOrders uses a numeric offset as its cursor.
func (p *Paper) ListAllOrders(_ context.Context, req ListOrdersRequest) (OrdersPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("list_all_orders"); err != nil {
		return OrdersPage{}, err
	}
	var matched []Order
	for _, o := range p.sortedLocked() {
		if req.After != nil && !o.CreatedAt.After(*req.After) && !o.UpdatedAt.After(*req.After) {
			continue
		}
		switch req.Status {
		case "open":
			if !o.Open() {
				continue
			}
		case "closed":
			if o.Open() {
				continue
			}
		}
		matched = append(matched, o)
	}
	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return OrdersPage{}, &RejectionError{Status: 400, Message: "invalid cursor"}
		}
		offset = n
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	end := offset + limit
	page := OrdersPage{}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	page.Orders = matched[offset:end]
	return page, nil
}

func (p *Paper) GetOpenPosition(_ context.Context, symbol string) (Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("get_position"); err != nil {
		return Position{}, err
	}
	symbol = strings.ToUpper(symbol)
	return Position{Symbol: symbol, Qty: p.positions[symbol]}, nil
}

func (p *Paper) ListAllPositions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("list_positions"); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(p.positions))
	for symbol, qty := range p.positions {
		if qty.IsZero() {
			continue
		}
		out = append(out, Position{Symbol: symbol, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *Paper) GetClock(_ context.Context) (Clock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("get_clock"); err != nil {
		return Clock{}, err
	}
	return p.clock, nil
}
