package readiness

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tradecore/internal/broker"
	"tradecore/internal/orders"
)

// PositionSource is the broker surface needed for the live position check.
type PositionSource interface {
	GetOpenPosition(ctx context.Context, symbol string) (broker.Position, error)
	ListOpenOrders(ctx context.Context) ([]broker.Order, error)
}

type Submission struct {
	Symbol     string
	Side       orders.Side
	Qty        int64
	ReduceOnly bool
}

// EffectivePosition is the confirmed broker position plus the signed
// remaining quantity of every open order on symbol.
func EffectivePosition(ctx context.Context, src PositionSource, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	pos, err := src.GetOpenPosition(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	open, err := src.ListOpenOrders(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	eff := pos.Qty
	for _, o := range open {
		if !strings.EqualFold(o.Symbol, symbol) {
			continue
		}
		remaining := o.Qty.Sub(o.FilledQty)
		if !remaining.IsPositive() {
			continue
		}
		eff = eff.Add(remaining.Mul(decimal.NewFromInt(o.Side.Sign())))
	}
	return eff, nil
}

// IsReducing reports whether an order of side/qty strictly shrinks |eff|
// without crossing zero.
func IsReducing(eff decimal.Decimal, side orders.Side, qty int64) bool {
	if eff.IsZero() || qty <= 0 {
		return false
	}
	if eff.IsPositive() && side != orders.SideSell {
		return false
	}
	if eff.IsNegative() && side != orders.SideBuy {
		return false
	}
	return decimal.NewFromInt(qty).LessThanOrEqual(eff.Abs())
}

// CheckSubmission admits or rejects an order-creating request. Reduce-only
// orders are checked against the live effective position whenever they are
// flagged; other orders need a READY gate. Broker failures reject.
func (g *Gate) CheckSubmission(ctx context.Context, sub Submission) error {
	ready := g.IsReady()
	if !ready && !sub.ReduceOnly {
		return ErrNotReady
	}
	if !sub.ReduceOnly {
		return nil
	}
	if g.Broker == nil {
		return ErrBrokerUnavailable
	}
	eff, err := EffectivePosition(ctx, g.Broker, sub.Symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	if !IsReducing(eff, sub.Side, sub.Qty) {
		return fmt.Errorf("%w: effective %s, %s %d", ErrNotReduceOnly, eff.String(), sub.Side, sub.Qty)
	}
	return nil
}
