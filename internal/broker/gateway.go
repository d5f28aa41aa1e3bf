// Package broker is the executor's only path to the brokerage. Every
// implementation speaks in the local order taxonomy; statuses are mapped on
// ingest.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/orders"
)

var ErrNotFound = errors.New("broker: not found")

// RejectionError is a validation or business refusal. It is never retried.
type RejectionError struct {
	Status  int
	Code    int64
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("broker rejected (%d): %s", e.Status, e.Message)
}

// TransientError marks a failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("broker transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient is the retry classifier for broker calls.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rej *RejectionError
	if errors.As(err, &rej) || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          orders.Side
	Type          orders.Type
	Qty           int64
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   string
}

type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           orders.Side
	Type           orders.Type
	Qty            decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	LimitPrice     *decimal.Decimal
	StopPrice      *decimal.Decimal
	Status         orders.Status
	RawStatus      string
	CreatedAt      *time.Time
	UpdatedAt      *time.Time
	SubmittedAt    *time.Time
	FilledAt       *time.Time
}

// Timestamp is the broker-side event time used for conflict resolution.
func (o Order) Timestamp() *time.Time {
	switch {
	case o.UpdatedAt != nil:
		return o.UpdatedAt
	case o.SubmittedAt != nil:
		return o.SubmittedAt
	}
	return o.CreatedAt
}

// ReferencePrice sizes an order for notional estimates: the fill price once
// anything filled, otherwise the limit price, then the stop price. A market
// order with no fill estimates to zero.
func (o Order) ReferencePrice() decimal.Decimal {
	switch {
	case o.FilledQty.IsPositive() && o.FilledAvgPrice.IsPositive():
		return o.FilledAvgPrice
	case o.LimitPrice != nil:
		return *o.LimitPrice
	case o.StopPrice != nil:
		return *o.StopPrice
	}
	return decimal.Zero
}

// Open reports whether the broker still works the order.
func (o Order) Open() bool {
	return !o.Status.IsTerminal()
}

// Position.Qty is signed; shorts are negative. A zero Qty means flat.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	MarketValue   decimal.Decimal
}

type Clock struct {
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// ListOrdersRequest pages through orders. Status is "open", "closed" or
// "all"; Cursor is opaque and comes from the previous page.
type ListOrdersRequest struct {
	Status string
	After  *time.Time
	Cursor string
	Limit  int
}

type OrdersPage struct {
	Orders     []Order
	NextCursor string
}

type Gateway interface {
	Submit(ctx context.Context, req OrderRequest) (*Order, error)
	Cancel(ctx context.Context, clientOrderID string) error
	CancelByBrokerID(ctx context.Context, brokerOrderID string) error
	// GetOrderByClientID returns ErrNotFound when the broker has no such order.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error)
	ListOpenOrders(ctx context.Context) ([]Order, error)
	ListAllOrders(ctx context.Context, req ListOrdersRequest) (OrdersPage, error)
	// GetOpenPosition returns a zero position when the account is flat.
	GetOpenPosition(ctx context.Context, symbol string) (Position, error)
	ListAllPositions(ctx context.Context) ([]Position, error)
	GetClock(ctx context.Context) (Clock, error)
}
