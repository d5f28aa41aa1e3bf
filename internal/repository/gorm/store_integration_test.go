package gormrepository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradecore/internal/db"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/repository"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("tradecore"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	gdb, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	handle, err := db.OpenGorm(gdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(handle) })
	require.NoError(t, db.AutoMigrate(handle))

	return New(gdb, zap.NewNop())
}

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

func TestStore_Postgres(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	t.Run("duplicate client order id", func(t *testing.T) {
		require.NoError(t, s.InsertOrder(ctx, newOrder("dup")))
		assert.ErrorIs(t, s.InsertOrder(ctx, newOrder("dup")), repository.ErrDuplicate)
	})

	t.Run("plan is all or nothing", func(t *testing.T) {
		require.NoError(t, s.InsertOrder(ctx, newOrder("p1-s2")))
		pid := "p1"
		parent := newOrder(pid)
		parent.TotalSlices = 2
		slices := []models.Order{*newOrder("p1-s1"), *newOrder("p1-s2")}
		for i := range slices {
			slices[i].ParentOrderID = &pid
			slices[i].SliceNum = i + 1
		}
		assert.ErrorIs(t, s.InsertPlan(ctx, parent, slices), repository.ErrDuplicate)
		got, err := s.GetOrderByClientID(ctx, pid)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("concurrent updates converge", func(t *testing.T) {
		require.NoError(t, s.InsertOrder(ctx, newOrder("race")))
		base := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
		var wg sync.WaitGroup
		for i := 1; i <= 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				at := base.Add(time.Duration(i) * time.Second)
				_, err := s.UpdateOrderStatus(ctx, repository.StatusUpdate{
					ClientOrderID:   "race",
					Status:          orders.StatusPartiallyFilled,
					FilledQty:       decimal.NewFromInt(int64(i)),
					BrokerUpdatedAt: &at,
					Source:          orders.SourceWebhook,
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		got, err := s.GetOrderByClientID(ctx, "race")
		require.NoError(t, err)
		assert.True(t, got.LastUpdatedAt.Equal(base.Add(20*time.Second)))
		assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(20)))
	})

	t.Run("terminal rows are frozen", func(t *testing.T) {
		require.NoError(t, s.InsertOrder(ctx, newOrder("done")))
		res, err := s.UpdateOrderStatus(ctx, repository.StatusUpdate{
			ClientOrderID: "done",
			Status:        orders.StatusCanceled,
			Source:        orders.SourceManual,
		})
		require.NoError(t, err)
		require.True(t, res.Applied)

		res, err = s.UpdateOrderStatus(ctx, repository.StatusUpdate{
			ClientOrderID: "done",
			Status:        orders.StatusFilled,
			FilledQty:     decimal.NewFromInt(100),
			Source:        orders.SourceManual,
		})
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, orders.SkipTerminalLocked, res.Reason)
	})

	t.Run("orphans and quarantine", func(t *testing.T) {
		created, err := s.InsertOrphan(ctx, &models.OrphanOrder{BrokerOrderID: "o-1", Symbol: "TSLA", Side: "buy", DetectedAt: time.Now().UTC()})
		require.NoError(t, err)
		assert.True(t, created)
		created, err = s.InsertOrphan(ctx, &models.OrphanOrder{BrokerOrderID: "o-1", Symbol: "TSLA", Side: "buy", DetectedAt: time.Now().UTC()})
		require.NoError(t, err)
		assert.False(t, created)

		require.NoError(t, s.AddQuarantine(ctx, &models.QuarantineEntry{StrategyID: models.WildcardStrategy, Symbol: "TSLA"}))
		require.NoError(t, s.AddQuarantine(ctx, &models.QuarantineEntry{StrategyID: models.WildcardStrategy, Symbol: "TSLA"}))
		blocked, err := s.IsQuarantined(ctx, "beta", "TSLA")
		require.NoError(t, err)
		assert.True(t, blocked)

		ok, err := s.ResolveOrphan(ctx, "o-1", models.OrphanResolutionAdopted, "ops", time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, ok)
		n, err := s.CountUnresolvedOrphans(ctx, "TSLA")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
