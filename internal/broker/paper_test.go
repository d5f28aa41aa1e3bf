package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/orders"
)

func TestPaper_SubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := NewPaper()
	first, err := p.Submit(ctx, marketBuy("c-1"))
	require.NoError(t, err)
	second, err := p.Submit(ctx, marketBuy("c-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	open, err := p.ListOpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestPaper_FillMovesPosition(t *testing.T) {
	ctx := context.Background()
	p := NewPaper()
	_, err := p.Submit(ctx, OrderRequest{ClientOrderID: "s-1", Symbol: "msft", Side: orders.SideSell, Type: orders.TypeMarket, Qty: 40})
	require.NoError(t, err)
	require.NoError(t, p.Fill("s-1", 15, decimal.NewFromInt(400)))

	pos, err := p.GetOpenPosition(ctx, "MSFT")
	require.NoError(t, err)
	assert.True(t, pos.Qty.Equal(decimal.NewFromInt(-15)))

	o, err := p.GetOrderByClientID(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPartiallyFilled, o.Status)
}

func TestPaper_ListAllOrdersPages(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	p := NewPaper()
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		p.AddOrder(Order{Symbol: "AAPL", Side: orders.SideBuy, Qty: decimal.NewFromInt(1), CreatedAt: &at})
	}

	var seen []string
	cursor := ""
	for {
		page, err := p.ListAllOrders(ctx, ListOrdersRequest{Status: "all", Cursor: cursor, Limit: 2})
		require.NoError(t, err)
		for _, o := range page.Orders {
			seen = append(seen, o.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 5)

	after := base.Add(2 * time.Minute)
	page, err := p.ListAllOrders(ctx, ListOrdersRequest{After: &after})
	require.NoError(t, err)
	assert.Len(t, page.Orders, 2)
}

func TestPaper_FlatPositionIsZero(t *testing.T) {
	pos, err := NewPaper().GetOpenPosition(context.Background(), "NVDA")
	require.NoError(t, err)
	assert.True(t, pos.Qty.IsZero())
}

func TestOrder_ReferencePrice(t *testing.T) {
	limit := decimal.NewFromInt(250)
	stop := decimal.NewFromInt(240)

	assert.True(t, Order{LimitPrice: &limit, StopPrice: &stop}.ReferencePrice().Equal(limit))
	assert.True(t, Order{StopPrice: &stop}.ReferencePrice().Equal(stop))
	assert.True(t, Order{}.ReferencePrice().IsZero())
	filled := Order{FilledQty: decimal.NewFromInt(1), FilledAvgPrice: decimal.NewFromInt(251), LimitPrice: &limit}
	assert.True(t, filled.ReferencePrice().Equal(decimal.NewFromInt(251)))
}
