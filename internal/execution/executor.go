// Package execution owns the one path by which a persisted order is handed
// to the broker.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/broker"
	"tradecore/internal/events"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/repository"
	"tradecore/internal/retry"
)

type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped means another writer moved the order first.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeUnconfirmed leaves the order for reconciliation to confirm.
	OutcomeUnconfirmed Outcome = "unconfirmed"
)

type Result struct {
	Outcome Outcome
	Order   *models.Order
}

type Executor struct {
	Store  repository.OrderStore
	Broker broker.Gateway
	Events events.Publisher
	Logger *zap.Logger
	Now    func() time.Time
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Submit claims a pending_new order and sends it under its existing client
// order id. The claim is a conditional update, so two callers racing on the
// same order submit it at most once.
func (e *Executor) Submit(ctx context.Context, order *models.Order) (Result, error) {
	if order == nil {
		return Result{}, repository.ErrInvalidInput
	}
	claim, err := e.Store.UpdateOrderStatus(ctx, repository.StatusUpdate{
		ClientOrderID: order.ClientOrderID,
		Status:        orders.StatusSubmittedUnconfirmed,
		Source:        orders.SourceReconciliation,
		RequireStatus: []orders.Status{orders.StatusPendingNew},
	})
	if err != nil {
		return Result{}, fmt.Errorf("claim order %s: %w", order.ClientOrderID, err)
	}
	if !claim.Applied {
		return Result{Outcome: OutcomeSkipped, Order: claim.Order}, nil
	}

	log := e.logger().With(
		zap.String("client_order_id", order.ClientOrderID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.Int64("qty", order.Qty),
	)
	if order.OverrideFlag {
		log.Warn("submitting order under readiness override")
	}

	ack, err := e.Broker.Submit(ctx, broker.OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.OrderType,
		Qty:           order.Qty,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		TimeInForce:   order.TimeInForce,
	})
	if err != nil {
		return e.onSubmitError(ctx, log, order, err)
	}

	ts := ack.Timestamp()
	if ts == nil {
		now := e.now()
		ts = &now
	}
	brokerID := ack.ID
	res, err := e.Store.UpdateOrderStatus(ctx, repository.StatusUpdate{
		ClientOrderID:   order.ClientOrderID,
		Status:          ack.Status,
		FilledQty:       ack.FilledQty,
		AvgFillPrice:    ack.FilledAvgPrice,
		BrokerUpdatedAt: ts,
		Source:          orders.SourceReconciliation,
		BrokerOrderID:   &brokerID,
		SubmittedAt:     ack.SubmittedAt,
		FilledAt:        ack.FilledAt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("record ack %s: %w", order.ClientOrderID, err)
	}
	log.Info("order submitted", zap.String("broker_order_id", brokerID), zap.String("status", string(ack.Status)))
	e.publish(ctx, res.Order)
	return Result{Outcome: OutcomeSubmitted, Order: res.Order}, nil
}

func (e *Executor) onSubmitError(ctx context.Context, log *zap.Logger, order *models.Order, submitErr error) (Result, error) {
	var (
		status  orders.Status
		reason  string
		outcome Outcome
	)
	switch {
	case broker.IsRejection(submitErr):
		status, reason, outcome = orders.StatusRejected, orders.ReasonBrokerRejected, OutcomeRejected
	case retry.IsExhausted(submitErr):
		status, reason, outcome = orders.StatusFailed, orders.ReasonRetriesExhausted, OutcomeFailed
	default:
		// Unknown whether the broker saw it; reconciliation confirms by id.
		log.Warn("order submit outcome unknown", zap.Error(submitErr))
		return Result{Outcome: OutcomeUnconfirmed}, submitErr
	}
	res, err := e.Store.UpdateOrderStatus(ctx, repository.StatusUpdate{
		ClientOrderID: order.ClientOrderID,
		Status:        status,
		Source:        orders.SourceReconciliation,
		ReasonCode:    reason,
		ErrorMessage:  submitErr.Error(),
	})
	if err != nil {
		return Result{}, errors.Join(submitErr, err)
	}
	log.Warn("order submit failed", zap.String("reason_code", reason), zap.Error(submitErr))
	e.publish(ctx, res.Order)
	return Result{Outcome: outcome, Order: res.Order}, nil
}

// Publish emits a status event for order.
func (e *Executor) publish(ctx context.Context, order *models.Order) {
	PublishStatus(ctx, e.Events, e.logger(), order)
}

// PublishStatus is shared by every writer that reports status changes.
func PublishStatus(ctx context.Context, pub events.Publisher, logger *zap.Logger, order *models.Order) {
	if pub == nil || order == nil {
		return
	}
	payload := map[string]any{
		"client_order_id": order.ClientOrderID,
		"status":          order.Status,
		"filled_qty":      order.FilledQty.String(),
		"symbol":          order.Symbol,
		"reason_code":     order.ReasonCode,
	}
	if order.BrokerOrderID != nil {
		payload["broker_order_id"] = *order.BrokerOrderID
	}
	if order.ParentOrderID != nil {
		payload["parent_order_id"] = *order.ParentOrderID
	}
	if err := pub.Publish(ctx, events.SubjectOrderStatus, payload); err != nil && logger != nil {
		logger.Warn("publish order status failed", zap.String("client_order_id", order.ClientOrderID), zap.Error(err))
	}
}

// RollUp derives a parent's status and fill from its slices.
func (e *Executor) RollUp(ctx context.Context, parentOrderID string) error {
	parent, err := e.Store.GetOrderByClientID(ctx, parentOrderID)
	if err != nil {
		return err
	}
	if parent == nil || parent.IsTerminal {
		return nil
	}
	slices, err := e.Store.ListSlicesByParent(ctx, parentOrderID)
	if err != nil {
		return err
	}
	status, filled, avg, ok := Aggregate(slices)
	if !ok {
		return nil
	}
	res, err := e.Store.UpdateOrderStatus(ctx, repository.StatusUpdate{
		ClientOrderID: parentOrderID,
		Status:        status,
		FilledQty:     filled,
		AvgFillPrice:  avg,
		Source:        orders.SourceReconciliation,
	})
	if err != nil {
		return err
	}
	if res.Applied {
		e.publish(ctx, res.Order)
	}
	return nil
}

// Aggregate computes the parent view of slices. ok is false when the
// parent should stay as it is.
func Aggregate(slices []models.Order) (orders.Status, decimal.Decimal, decimal.Decimal, bool) {
	if len(slices) == 0 {
		return "", decimal.Zero, decimal.Zero, false
	}
	filled := decimal.Zero
	notional := decimal.Zero
	allTerminal := true
	anyLive := false
	for _, s := range slices {
		filled = filled.Add(s.FilledQty)
		notional = notional.Add(s.FilledQty.Mul(s.AvgFillPrice))
		if !s.IsTerminal {
			allTerminal = false
		}
		if s.StatusRank >= orders.RankSubmitted {
			anyLive = true
		}
	}
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = notional.Div(filled)
	}
	switch {
	case allTerminal && filled.IsPositive():
		return orders.StatusFilled, filled, avg, true
	case allTerminal:
		return orders.StatusCanceled, filled, avg, true
	case filled.IsPositive():
		return orders.StatusPartiallyFilled, filled, avg, true
	case anyLive:
		return orders.StatusAccepted, filled, avg, true
	}
	return "", decimal.Zero, decimal.Zero, false
}
