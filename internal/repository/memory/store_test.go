package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/repository"
)

func newOrder(id string) *models.Order {
	return &models.Order{
		ClientOrderID: id,
		StrategyID:    "alpha",
		Symbol:        "AAPL",
		Side:          orders.SideBuy,
		OrderType:     orders.TypeMarket,
		Qty:           100,
	}
}

func TestInsertOrder_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := NewStore(zap.NewNop())

	require.NoError(t, s.InsertOrder(ctx, newOrder("a")))
	err := s.InsertOrder(ctx, newOrder("a"))
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	got, err := s.GetOrderByClientID(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, orders.StatusPendingNew, got.Status)
	assert.Equal(t, orders.RankInitial, got.StatusRank)
	assert.Equal(t, orders.SourceReconciliation, got.SourcePriority)

	missing, err := s.GetOrderByClientID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInsertPlan_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewStore(zap.NewNop())
	require.NoError(t, s.InsertOrder(ctx, newOrder("slice-2")))

	parent := newOrder("parent")
	parent.TotalSlices = 2
	pid := "parent"
	slices := []models.Order{*newOrder("slice-1"), *newOrder("slice-2")}
	for i := range slices {
		slices[i].ParentOrderID = &pid
	}
	err := s.InsertPlan(ctx, parent, slices)
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	got, err := s.GetOrderByClientID(ctx, "parent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateOrderStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore(zap.NewNop())
	require.NoError(t, s.InsertOrder(ctx, newOrder("a")))

	res, err := s.UpdateOrderStatus(ctx, repository.StatusUpdate{
		ClientOrderID: "a",
		Status:        orders.StatusSubmittedUnconfirmed,
		Source:        orders.SourceReconciliation,
		RequireStatus: []orders.Status{orders.StatusPendingNew},
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	// Same precondition no longer holds.
	res, err = s.UpdateOrderStatus(ctx, repository.StatusUpdate{
		ClientOrderID: "a",
		Status:        orders.StatusCanceled,
		Source:        orders.SourceReconciliation,
		RequireStatus: []orders.Status{orders.StatusPendingNew},
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, orders.SkipStatusPrecondition, res.Reason)

	brokerID := "b-1"
	at := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	res, err = s.UpdateOrderStatus(ctx, repository.StatusUpdate{
		ClientOrderID:   "a",
		Status:          orders.StatusFilled,
		FilledQty:       decimal.NewFromInt(100),
		AvgFillPrice:    decimal.RequireFromString("187.25"),
		BrokerUpdatedAt: &at,
		Source:          orders.SourceWebhook,
		BrokerOrderID:   &brokerID,
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.True(t, res.Order.IsTerminal)
	assert.Equal(t, "b-1", *res.Order.BrokerOrderID)
	assert.Equal(t, at, *res.Order.FilledAt)

	byBroker, err := s.GetOrderByBrokerID(ctx, "b-1")
	require.NoError(t, err)
	require.NotNil(t, byBroker)
	assert.Equal(t, "a", byBroker.ClientOrderID)

	_, err = s.UpdateOrderStatus(ctx, repository.StatusUpdate{ClientOrderID: "missing", Status: orders.StatusFilled})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateOrderStatus_ConcurrentWritersConverge(t *testing.T) {
	ctx := context.Background()
	s := NewStore(zap.NewNop())
	require.NoError(t, s.InsertOrder(ctx, newOrder("a")))

	base := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := base.Add(time.Duration(i) * time.Second)
			_, err := s.UpdateOrderStatus(ctx, repository.StatusUpdate{
				ClientOrderID:   "a",
				Status:          orders.StatusPartiallyFilled,
				FilledQty:       decimal.NewFromInt(int64(i)),
				BrokerUpdatedAt: &at,
				Source:          orders.SourceWebhook,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetOrderByClientID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, base.Add(50*time.Second), *got.LastUpdatedAt)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(50)))
}

func TestListOrdersByStatuses_Scope(t *testing.T) {
	ctx := context.Background()
	s := NewStore(zap.NewNop())
	require.NoError(t, s.InsertOrder(ctx, newOrder("standalone")))

	parent := newOrder("parent")
	parent.TotalSlices = 1
	pid := "parent"
	slice := *newOrder("slice")
	slice.ParentOrderID = &pid
	require.NoError(t, s.InsertPlan(ctx, parent, []models.Order{slice}))

	pending := []orders.Status{orders.StatusPendingNew}
	all, err := s.ListOrdersByStatuses(ctx, pending, repository.ScopeAll, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	slices, err := s.ListOrdersByStatuses(ctx, pending, repository.ScopeSlices, 0)
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Equal(t, "slice", slices[0].ClientOrderID)

	standalone, err := s.ListOrdersByStatuses(ctx, pending, repository.ScopeStandalone, 0)
	require.NoError(t, err)
	require.Len(t, standalone, 1)
	assert.Equal(t, "standalone", standalone[0].ClientOrderID)

	parents, err := s.ListOrdersByStatuses(ctx, pending, repository.ScopeParents, 0)
	require.NoError(t, err)
	require.Len(t, parents, 1)
	assert.Equal(t, "parent", parents[0].ClientOrderID)
}

func TestQuarantine_WildcardScopesSymbol(t *testing.T) {
	ctx := context.Background()
	s := NewStore(zap.NewNop())

	require.NoError(t, s.AddQuarantine(ctx, &models.QuarantineEntry{StrategyID: models.WildcardStrategy, Symbol: "TSLA"}))
	require.NoError(t, s.AddQuarantine(ctx, &models.QuarantineEntry{StrategyID: models.WildcardStrategy, Symbol: "TSLA"}))

	blocked, err := s.IsQuarantined(ctx, "alpha", "TSLA")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = s.IsQuarantined(ctx, "alpha", "AAPL")
	require.NoError(t, err)
	assert.False(t, blocked)

	n, err := s.ClearQuarantine(ctx, "TSLA")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOrphans(t *testing.T) {
	ctx := context.Background()
	s := NewStore(zap.NewNop())

	created, err := s.InsertOrphan(ctx, &models.OrphanOrder{BrokerOrderID: "x", Symbol: "TSLA", Side: "buy", DetectedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.InsertOrphan(ctx, &models.OrphanOrder{BrokerOrderID: "x", Symbol: "TSLA", Side: "buy", DetectedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetOrphan(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, models.UnknownStrategy, got.StrategyID)
	assert.Equal(t, models.OrphanStatusUntracked, got.Status)

	n, err := s.CountUnresolvedOrphans(ctx, "TSLA")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := s.ResolveOrphan(ctx, "x", models.OrphanResolutionCanceled, "ops", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ResolveOrphan(ctx, "x", models.OrphanResolutionCanceled, "ops", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = s.CountUnresolvedOrphans(ctx, "TSLA")
	require.NoError(t, err)
	assert.Zero(t, n)
}
