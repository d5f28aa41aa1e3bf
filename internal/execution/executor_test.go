package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradecore/internal/broker"
	"tradecore/internal/events"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/repository/memory"
	"tradecore/internal/retry"
)

func newOrder(id string) *models.Order {
	return &models.Order{
		ClientOrderID: id,
		StrategyID:    "alpha",
		Symbol:        "AAPL",
		Side:          orders.SideBuy,
		OrderType:     orders.TypeMarket,
		Qty:           10,
	}
}

func newExecutor(t *testing.T) (*Executor, *memory.Store, *broker.Paper, *events.Memory) {
	t.Helper()
	store := memory.NewStore(zap.NewNop())
	paper := broker.NewPaper()
	pub := &events.Memory{}
	return &Executor{Store: store, Broker: paper, Events: pub, Logger: zap.NewNop()}, store, paper, pub
}

func TestSubmit_Ack(t *testing.T) {
	ctx := context.Background()
	ex, store, paper, pub := newExecutor(t)
	o := newOrder("a")
	require.NoError(t, store.InsertOrder(ctx, o))

	res, err := ex.Submit(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	assert.Equal(t, orders.StatusAccepted, res.Order.Status)
	require.NotNil(t, res.Order.BrokerOrderID)
	assert.NotNil(t, res.Order.SubmittedAt)
	assert.Equal(t, 1, paper.SubmitCount("a"))
	assert.Len(t, pub.Events(events.SubjectOrderStatus), 1)

	// A second attempt cannot reclaim the order.
	res, err = ex.Submit(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 1, paper.SubmitCount("a"))
}

func TestSubmit_Rejected(t *testing.T) {
	ctx := context.Background()
	ex, store, paper, _ := newExecutor(t)
	o := newOrder("a")
	require.NoError(t, store.InsertOrder(ctx, o))
	paper.FailNext("submit", &broker.RejectionError{Status: 403, Message: "insufficient buying power"})

	res, err := ex.Submit(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, orders.StatusRejected, res.Order.Status)
	assert.Equal(t, orders.ReasonBrokerRejected, res.Order.ReasonCode)
	assert.Contains(t, res.Order.ErrorMessage, "insufficient buying power")
}

func TestSubmit_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	ex, store, paper, _ := newExecutor(t)
	o := newOrder("a")
	require.NoError(t, store.InsertOrder(ctx, o))
	paper.FailNext("submit", &retry.ExhaustedError{Attempts: 3, Err: errors.New("503")})

	res, err := ex.Submit(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, orders.StatusFailed, res.Order.Status)
	assert.Equal(t, orders.ReasonRetriesExhausted, res.Order.ReasonCode)
}

func TestSubmit_UnknownOutcomeStaysUnconfirmed(t *testing.T) {
	ctx := context.Background()
	ex, store, paper, _ := newExecutor(t)
	o := newOrder("a")
	require.NoError(t, store.InsertOrder(ctx, o))
	paper.FailNext("submit", context.DeadlineExceeded)

	res, err := ex.Submit(ctx, o)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomeUnconfirmed, res.Outcome)

	got, err := store.GetOrderByClientID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusSubmittedUnconfirmed, got.Status)
}

func TestAggregate(t *testing.T) {
	slice := func(status orders.Status, filled int64, price string) models.Order {
		return models.Order{
			Status:       status,
			StatusRank:   status.Rank(),
			IsTerminal:   status.IsTerminal(),
			FilledQty:    decimal.NewFromInt(filled),
			AvgFillPrice: decimal.RequireFromString(price),
		}
	}

	_, _, _, ok := Aggregate([]models.Order{slice(orders.StatusPendingNew, 0, "0")})
	assert.False(t, ok)

	status, _, _, ok := Aggregate([]models.Order{slice(orders.StatusAccepted, 0, "0"), slice(orders.StatusPendingNew, 0, "0")})
	require.True(t, ok)
	assert.Equal(t, orders.StatusAccepted, status)

	status, filled, avg, ok := Aggregate([]models.Order{
		slice(orders.StatusFilled, 10, "100"),
		slice(orders.StatusFilled, 30, "200"),
	})
	require.True(t, ok)
	assert.Equal(t, orders.StatusFilled, status)
	assert.True(t, filled.Equal(decimal.NewFromInt(40)))
	assert.True(t, avg.Equal(decimal.NewFromInt(175)), avg.String())

	status, _, _, _ = Aggregate([]models.Order{slice(orders.StatusFilled, 10, "100"), slice(orders.StatusPendingNew, 0, "0")})
	assert.Equal(t, orders.StatusPartiallyFilled, status)

	status, _, _, _ = Aggregate([]models.Order{slice(orders.StatusRejected, 0, "0"), slice(orders.StatusFilled, 5, "10")})
	assert.Equal(t, orders.StatusFilled, status)

	status, _, _, _ = Aggregate([]models.Order{slice(orders.StatusCanceled, 0, "0"), slice(orders.StatusBlockedKillSwitch, 0, "0")})
	assert.Equal(t, orders.StatusCanceled, status)
}

func TestRollUp(t *testing.T) {
	ctx := context.Background()
	ex, store, paper, _ := newExecutor(t)
	paper.FillOnSubmit = true
	paper.MarkPrice = decimal.NewFromInt(50)

	parent := newOrder("p")
	parent.TotalSlices = 2
	parent.Qty = 20
	pid := "p"
	slices := []models.Order{*newOrder("p-1"), *newOrder("p-2")}
	for i := range slices {
		slices[i].ParentOrderID = &pid
		slices[i].SliceNum = i + 1
	}
	require.NoError(t, store.InsertPlan(ctx, parent, slices))

	first, err := store.GetOrderByClientID(ctx, "p-1")
	require.NoError(t, err)
	_, err = ex.Submit(ctx, first)
	require.NoError(t, err)
	require.NoError(t, ex.RollUp(ctx, "p"))

	got, err := store.GetOrderByClientID(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(10)))

	second, err := store.GetOrderByClientID(ctx, "p-2")
	require.NoError(t, err)
	_, err = ex.Submit(ctx, second)
	require.NoError(t, err)
	require.NoError(t, ex.RollUp(ctx, "p"))

	got, err = store.GetOrderByClientID(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(20)))
	assert.True(t, got.IsTerminal)
}
