package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/broker"
	"tradecore/internal/client/alpaca"
	"tradecore/internal/events"
	"tradecore/internal/execution"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/repository"
)

// TradeUpdate is one broker push about an order, from the webhook or the
// websocket stream.
type TradeUpdate struct {
	Event       string
	Order       broker.Order
	PositionQty *decimal.Decimal
}

// TradeUpdateService folds pushed broker updates into the order store with
// webhook precedence.
type TradeUpdateService struct {
	Repo     repository.Repository
	Executor *execution.Executor
	Events   events.Publisher
	Logger   *zap.Logger
	Now      func() time.Time
}

func (s *TradeUpdateService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Apply returns matched=false for orders with no local row; reconciliation
// turns those into orphans.
func (s *TradeUpdateService) Apply(ctx context.Context, upd TradeUpdate) (repository.CASResult, bool, error) {
	if s == nil || s.Repo == nil {
		return repository.CASResult{}, false, nil
	}
	bo := upd.Order
	var (
		local *models.Order
		err   error
	)
	if bo.ClientOrderID != "" {
		if local, err = s.Repo.GetOrderByClientID(ctx, bo.ClientOrderID); err != nil {
			return repository.CASResult{}, false, err
		}
	}
	if local == nil && bo.ID != "" {
		if local, err = s.Repo.GetOrderByBrokerID(ctx, bo.ID); err != nil {
			return repository.CASResult{}, false, err
		}
	}
	if local == nil {
		if s.Logger != nil {
			s.Logger.Info("trade update for untracked order",
				zap.String("event", upd.Event),
				zap.String("broker_order_id", bo.ID),
				zap.String("client_order_id", bo.ClientOrderID),
			)
		}
		return repository.CASResult{}, false, nil
	}

	brokerID := bo.ID
	res, err := s.Repo.UpdateOrderStatus(ctx, repository.StatusUpdate{
		ClientOrderID:   local.ClientOrderID,
		Status:          bo.Status,
		FilledQty:       bo.FilledQty,
		AvgFillPrice:    bo.FilledAvgPrice,
		BrokerUpdatedAt: bo.Timestamp(),
		Source:          orders.SourceWebhook,
		BrokerOrderID:   &brokerID,
		SubmittedAt:     bo.SubmittedAt,
		FilledAt:        bo.FilledAt,
	})
	if err != nil {
		return res, true, err
	}
	if !res.Applied {
		return res, true, nil
	}

	if upd.PositionQty != nil {
		symbol := strings.ToUpper(local.Symbol)
		if err := s.Repo.SetPositionQty(ctx, symbol, *upd.PositionQty, s.now()); err != nil && s.Logger != nil {
			s.Logger.Warn("position update from trade event failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	execution.PublishStatus(ctx, s.Events, s.Logger, res.Order)
	if res.Order.ParentOrderID != nil && s.Executor != nil {
		if err := s.Executor.RollUp(ctx, *res.Order.ParentOrderID); err != nil && s.Logger != nil {
			s.Logger.Warn("parent roll-up failed", zap.String("parent_order_id", *res.Order.ParentOrderID), zap.Error(err))
		}
	}
	return res, true, nil
}

// RunStream consumes the broker's trade_updates websocket until ctx ends.
func (s *TradeUpdateService) RunStream(ctx context.Context, stream *alpaca.TradeStream) error {
	if s.Logger != nil {
		s.Logger.Info("trade update stream starting")
	}
	return stream.Run(ctx, func(ctx context.Context, u alpaca.TradeUpdate) {
		order, positionQty := broker.FromTradeUpdate(u)
		if _, _, err := s.Apply(ctx, TradeUpdate{Event: u.Event, Order: order, PositionQty: positionQty}); err != nil && s.Logger != nil {
			s.Logger.Warn("apply streamed trade update failed",
				zap.String("event", u.Event),
				zap.String("client_order_id", order.ClientOrderID),
				zap.Error(err),
			)
		}
	})
}
