package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradecore/internal/broker"
	"tradecore/internal/config"
	"tradecore/internal/execution"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/readiness"
	"tradecore/internal/repository"
	"tradecore/internal/repository/memory"
	"tradecore/internal/risk"
	"tradecore/internal/scheduler"
	"tradecore/internal/slicing"
)

type orderFixture struct {
	svc      *OrderService
	store    *memory.Store
	paper    *broker.Paper
	gate     *readiness.Gate
	settings *SystemSettingsService
	sched    *scheduler.Scheduler
}

func newOrderFixture(t *testing.T, ready bool) *orderFixture {
	t.Helper()
	store := memory.NewStore(zap.NewNop())
	paper := broker.NewPaper()
	gate := readiness.New(paper, zap.NewNop())
	if ready {
		gate.BeginReconciliation()
		gate.MarkReady()
	}
	settings := &SystemSettingsService{Repo: store}
	safety := &risk.Manager{Switches: settings, Logger: zap.NewNop()}
	ex := &execution.Executor{Store: store, Broker: paper, Logger: zap.NewNop()}
	sched := &scheduler.Scheduler{Store: store, Executor: ex, Gate: gate, Safety: safety, Clock: paper, Logger: zap.NewNop()}
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)
	svc := &OrderService{
		Repo:      store,
		Gate:      gate,
		Safety:    safety,
		Executor:  ex,
		Scheduler: sched,
		Settings:  settings,
		Logger:    zap.NewNop(),
		Config:    config.ExecutorConfig{Mode: ModeLive},
	}
	return &orderFixture{svc: svc, store: store, paper: paper, gate: gate, settings: settings, sched: sched}
}

func buy(qty int64) OrderRequest {
	return OrderRequest{StrategyID: "alpha", Symbol: "aapl", Side: "buy", Qty: qty, TradeDate: "2026-03-02"}
}

func TestSubmitOrder_GatedRejectsNewExposure(t *testing.T) {
	f := newOrderFixture(t, false)
	_, reason, err := f.svc.SubmitOrder(context.Background(), buy(10))
	assert.ErrorIs(t, err, readiness.ErrNotReady)
	assert.Equal(t, orders.ReasonNotReady, reason)

	n, err := f.store.CountOrders(context.Background(), repository.ListOrdersParams{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitOrder_GatedReduceOnly(t *testing.T) {
	f := newOrderFixture(t, false)
	ctx := context.Background()
	f.paper.SetPosition("AAPL", decimal.NewFromInt(100))

	req := buy(50)
	req.ReduceOnly = true
	_, reason, err := f.svc.SubmitOrder(ctx, req)
	assert.ErrorIs(t, err, readiness.ErrNotReduceOnly)
	assert.Equal(t, orders.ReasonNotReduceOnly, reason)

	req.Side = "sell"
	res, _, err := f.svc.SubmitOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusAccepted, res.Order.Status)
	assert.True(t, res.Order.ReduceOnly)

	f.paper.FailNext("get_position", &broker.TransientError{Err: assert.AnError})
	req.Qty = 10
	_, reason, err = f.svc.SubmitOrder(ctx, req)
	assert.ErrorIs(t, err, readiness.ErrBrokerUnavailable)
	assert.Equal(t, orders.ReasonBrokerUnavailable, reason)
}

func TestSubmitOrder_SubmitsOnceForRepeatedRequest(t *testing.T) {
	f := newOrderFixture(t, true)
	ctx := context.Background()

	first, _, err := f.svc.SubmitOrder(ctx, buy(10))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, execution.OutcomeSubmitted, first.Outcome)
	assert.Equal(t, "AAPL", first.Order.Symbol)

	second, reason, err := f.svc.SubmitOrder(ctx, buy(10))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, orders.ReasonDuplicateOrder, reason)
	assert.Equal(t, first.Order.ClientOrderID, second.Order.ClientOrderID)
	assert.Equal(t, 1, f.paper.SubmitCount(first.Order.ClientOrderID))
}

func TestSubmitOrder_Quarantined(t *testing.T) {
	f := newOrderFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.store.AddQuarantine(ctx, &models.QuarantineEntry{StrategyID: models.WildcardStrategy, Symbol: "AAPL"}))

	_, reason, err := f.svc.SubmitOrder(ctx, buy(10))
	assert.ErrorIs(t, err, ErrQuarantined)
	assert.Equal(t, orders.ReasonQuarantined, reason)

	other := buy(10)
	other.Symbol = "MSFT"
	_, _, err = f.svc.SubmitOrder(ctx, other)
	assert.NoError(t, err)
}

func TestSubmitOrder_SafetyBlocksArePersisted(t *testing.T) {
	f := newOrderFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.settings.SetEnabled(ctx, risk.KeyKillSwitch, true))

	res, reason, err := f.svc.SubmitOrder(ctx, buy(10))
	assert.ErrorIs(t, err, ErrKillSwitch)
	assert.Equal(t, orders.ReasonKillSwitch, reason)
	require.NotNil(t, res.Order)
	assert.Equal(t, orders.StatusBlockedKillSwitch, res.Order.Status)
	assert.Zero(t, f.paper.SubmitCount(res.Order.ClientOrderID))

	require.NoError(t, f.settings.SetEnabled(ctx, risk.KeyKillSwitch, false))
	require.NoError(t, f.settings.SetEnabled(ctx, risk.KeyCircuitBreaker, true))
	res, _, err = f.svc.SubmitOrder(ctx, buy(20))
	assert.ErrorIs(t, err, ErrCircuitBreaker)
	assert.Equal(t, orders.StatusBlockedCircuitBreak, res.Order.Status)
}

func TestSubmitOrder_DryRunAndOverride(t *testing.T) {
	f := newOrderFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.settings.SetExecutorMode(ctx, ModeDryRun))
	_, err := f.gate.ForceComplete("ops", "manual recovery", "audit-1")
	require.NoError(t, err)

	res, reason, err := f.svc.SubmitOrder(ctx, buy(10))
	require.NoError(t, err)
	assert.Equal(t, orders.ReasonDryRun, reason)
	assert.Equal(t, orders.StatusDryRun, res.Order.Status)
	assert.True(t, res.Order.OverrideFlag)
	assert.Zero(t, f.paper.SubmitCount(res.Order.ClientOrderID))
}

func TestSubmitOrder_Validation(t *testing.T) {
	f := newOrderFixture(t, true)
	cases := []OrderRequest{
		{Symbol: "", Side: "buy", Qty: 1},
		{Symbol: "AAPL", Side: "hold", Qty: 1},
		{Symbol: "AAPL", Side: "buy", Qty: 0},
		{Symbol: "AAPL", Side: "buy", Qty: 1, OrderType: "limit"},
		{Symbol: "AAPL", Side: "buy", Qty: 1, OrderType: "stop_limit", LimitPrice: decPtr("10")},
	}
	for _, req := range cases {
		_, reason, err := f.svc.SubmitOrder(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidOrder, "%+v", req)
		assert.Equal(t, orders.ReasonInvalidOrder, reason)
	}
}

func TestSubmitTWAP_ScheduleAndCancel(t *testing.T) {
	f := newOrderFixture(t, true)
	ctx := context.Background()
	start := time.Now().Add(time.Hour)

	res, _, err := f.svc.SubmitTWAP(ctx, TWAPRequest{
		StrategyID: "twap",
		Symbol:     "MSFT",
		Side:       "buy",
		Qty:        103,
		Duration:   5,
		Interval:   time.Minute,
		Start:      &start,
	})
	require.NoError(t, err)
	require.Len(t, res.Slices, 5)
	qty := make([]int64, 0, 5)
	for _, s := range res.Slices {
		qty = append(qty, s.Qty)
	}
	assert.Equal(t, []int64{21, 21, 21, 20, 20}, qty)
	assert.Len(t, f.sched.Pending(), 5)

	again, reason, err := f.svc.SubmitTWAP(ctx, TWAPRequest{
		StrategyID: "twap", Symbol: "MSFT", Side: "buy", Qty: 103, Duration: 5, Interval: time.Minute, Start: &start,
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, orders.ReasonDuplicateOrder, reason)

	parent, n, err := f.svc.CancelParent(ctx, res.Plan.ParentOrderID, "ops")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, orders.StatusCanceled, parent.Status)
	assert.Empty(t, f.sched.Pending())

	slices, err := f.svc.ListSlices(ctx, res.Plan.ParentOrderID)
	require.NoError(t, err)
	for _, s := range slices {
		assert.Equal(t, orders.StatusCanceled, s.Status)
	}
}

func TestSubmitTWAP_UsesConfiguredDefaultInterval(t *testing.T) {
	f := newOrderFixture(t, true)
	f.svc.DefaultInterval = 2 * time.Minute
	start := time.Now().Add(time.Hour).UTC()

	res, _, err := f.svc.SubmitTWAP(context.Background(), TWAPRequest{
		StrategyID: "twap", Symbol: "MSFT", Side: "buy", Qty: 9, Duration: 3, Start: &start,
	})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, res.Plan.Interval)
	require.Len(t, res.Plan.Slices, 3)
	assert.Equal(t, start.Add(4*time.Minute), res.Plan.Slices[2].ScheduledTime)
}

func TestSubmitTWAP_Invalid(t *testing.T) {
	f := newOrderFixture(t, true)
	_, reason, err := f.svc.SubmitTWAP(context.Background(), TWAPRequest{Symbol: "MSFT", Side: "buy", Qty: 3, Duration: 5})
	assert.ErrorIs(t, err, slicing.ErrInvalidRequest)
	assert.Equal(t, orders.ReasonInvalidOrder, reason)
}

func TestCancelOrder(t *testing.T) {
	f := newOrderFixture(t, true)
	ctx := context.Background()

	res, _, err := f.svc.SubmitOrder(ctx, buy(10))
	require.NoError(t, err)
	got, err := f.svc.CancelOrder(ctx, res.Order.ClientOrderID, "ops")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPendingCancel, got.Status)
	bo, err := f.paper.GetOrderByClientID(ctx, res.Order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCanceled, bo.Status)

	_, err = f.svc.CancelOrder(ctx, "missing", "ops")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func decPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}
