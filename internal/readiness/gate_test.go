package readiness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradecore/internal/broker"
	"tradecore/internal/orders"
)

func TestGate_Transitions(t *testing.T) {
	g := New(broker.NewPaper(), zap.NewNop())
	assert.Equal(t, StateGated, g.State())
	assert.False(t, g.SafeToExecute())

	require.True(t, g.BeginReconciliation())
	assert.Equal(t, StateReconciling, g.State())

	g.MarkFailed(errors.New("broker down"))
	assert.Equal(t, StateGated, g.State())
	assert.Equal(t, "broker down", g.Snapshot().LastError)

	require.True(t, g.BeginReconciliation())
	g.MarkReady()
	assert.True(t, g.IsReady())
	assert.True(t, g.SafeToExecute())
	assert.False(t, g.BeginReconciliation())

	g.SetPeriodicRunning(true)
	assert.False(t, g.SafeToExecute())
	g.SetPeriodicRunning(false)
	assert.True(t, g.SafeToExecute())

	g.MarkFailed(errors.New("periodic failed"))
	assert.True(t, g.IsReady())
}

func TestGate_OnReadyFires(t *testing.T) {
	g := New(nil, zap.NewNop())
	var wg sync.WaitGroup
	wg.Add(1)
	g.OnReady(wg.Done)
	g.BeginReconciliation()
	g.MarkReady()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnReady hook did not run")
	}
}

func TestGate_ForceCompleteRequiresAudit(t *testing.T) {
	g := New(nil, zap.NewNop())
	_, err := g.ForceComplete("", "broker outage", "a-1")
	assert.ErrorIs(t, err, ErrOverrideAudit)
	_, err = g.ForceComplete("ops", " ", "a-1")
	assert.ErrorIs(t, err, ErrOverrideAudit)
	assert.Equal(t, StateGated, g.State())

	snap, err := g.ForceComplete("ops", "broker outage", "a-1")
	require.NoError(t, err)
	assert.Equal(t, StateReady, snap.State)
	require.NotNil(t, snap.Override)
	assert.Equal(t, StateGated, snap.Override.PreviousState)
	assert.True(t, g.Snapshot().Overridden())
}

func TestCheckSubmission_GatedRejectsIncreasingReduceOnly(t *testing.T) {
	ctx := context.Background()
	paper := broker.NewPaper()
	paper.SetPosition("AAPL", decimal.NewFromInt(100))
	g := New(paper, zap.NewNop())

	err := g.CheckSubmission(ctx, Submission{Symbol: "AAPL", Side: orders.SideBuy, Qty: 50})
	assert.ErrorIs(t, err, ErrNotReady)

	err = g.CheckSubmission(ctx, Submission{Symbol: "AAPL", Side: orders.SideBuy, Qty: 50, ReduceOnly: true})
	assert.ErrorIs(t, err, ErrNotReduceOnly)

	err = g.CheckSubmission(ctx, Submission{Symbol: "AAPL", Side: orders.SideSell, Qty: 100, ReduceOnly: true})
	assert.NoError(t, err)

	err = g.CheckSubmission(ctx, Submission{Symbol: "AAPL", Side: orders.SideSell, Qty: 101, ReduceOnly: true})
	assert.ErrorIs(t, err, ErrNotReduceOnly)
}

func TestCheckSubmission_OpenOrdersCountTowardEffective(t *testing.T) {
	ctx := context.Background()
	paper := broker.NewPaper()
	paper.SetPosition("AAPL", decimal.NewFromInt(100))
	paper.AddOrder(broker.Order{ClientOrderID: "x", Symbol: "AAPL", Side: orders.SideSell, Qty: decimal.NewFromInt(80)})
	g := New(paper, zap.NewNop())

	eff, err := EffectivePosition(ctx, paper, "aapl")
	require.NoError(t, err)
	assert.True(t, eff.Equal(decimal.NewFromInt(20)))

	assert.ErrorIs(t, g.CheckSubmission(ctx, Submission{Symbol: "AAPL", Side: orders.SideSell, Qty: 30, ReduceOnly: true}), ErrNotReduceOnly)
	assert.NoError(t, g.CheckSubmission(ctx, Submission{Symbol: "AAPL", Side: orders.SideSell, Qty: 20, ReduceOnly: true}))
}

func TestCheckSubmission_FlatPositionUsesOpenOrderSide(t *testing.T) {
	ctx := context.Background()
	paper := broker.NewPaper()
	paper.AddOrder(broker.Order{ClientOrderID: "x", Symbol: "TSLA", Side: orders.SideBuy, Qty: decimal.NewFromInt(10)})
	g := New(paper, zap.NewNop())

	assert.NoError(t, g.CheckSubmission(ctx, Submission{Symbol: "TSLA", Side: orders.SideSell, Qty: 10, ReduceOnly: true}))
	assert.ErrorIs(t, g.CheckSubmission(ctx, Submission{Symbol: "TSLA", Side: orders.SideBuy, Qty: 1, ReduceOnly: true}), ErrNotReduceOnly)
}

func TestCheckSubmission_BrokerFailureFailsClosed(t *testing.T) {
	paper := broker.NewPaper()
	paper.FailNext("get_position", &broker.TransientError{Err: errors.New("timeout")})
	g := New(paper, zap.NewNop())

	err := g.CheckSubmission(context.Background(), Submission{Symbol: "AAPL", Side: orders.SideSell, Qty: 1, ReduceOnly: true})
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestIsReducing(t *testing.T) {
	assert.False(t, IsReducing(decimal.Zero, orders.SideSell, 1))
	assert.True(t, IsReducing(decimal.NewFromInt(-5), orders.SideBuy, 5))
	assert.False(t, IsReducing(decimal.NewFromInt(-5), orders.SideBuy, 6))
	assert.False(t, IsReducing(decimal.NewFromInt(-5), orders.SideSell, 1))
}
