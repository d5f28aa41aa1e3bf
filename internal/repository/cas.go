package repository

import (
	"go.uber.org/zap"

	"tradecore/internal/metrics"
	"tradecore/internal/models"
	"tradecore/internal/orders"
)

// ApplyDecision writes an accepted decision onto row. Stores call it while
// holding the row lock so both implementations mutate identically.
func ApplyDecision(row *models.Order, req StatusUpdate, d orders.Decision) {
	next := d.Next
	row.Status = next.Status
	row.StatusRank = next.Status.Rank()
	row.IsTerminal = next.Status.IsTerminal()
	row.FilledQty = next.FilledQty
	row.AvgFillPrice = next.AvgFillPrice
	row.LastUpdatedAt = next.UpdatedAt
	row.SourcePriority = next.Source

	if row.BrokerOrderID == nil && req.BrokerOrderID != nil && *req.BrokerOrderID != "" {
		id := *req.BrokerOrderID
		row.BrokerOrderID = &id
	}
	if d.FillUpgrade {
		if req.FilledAt != nil {
			row.FilledAt = req.FilledAt
		}
		return
	}
	row.ReasonCode = req.ReasonCode
	if req.ErrorMessage != "" {
		row.ErrorMessage = req.ErrorMessage
	}
	if row.SubmittedAt == nil && row.StatusRank >= orders.RankSubmitted {
		switch {
		case req.SubmittedAt != nil:
			row.SubmittedAt = req.SubmittedAt
		case req.BrokerUpdatedAt != nil && next.Status != orders.StatusSubmittedUnconfirmed:
			row.SubmittedAt = req.BrokerUpdatedAt
		}
	}
	if next.Status == orders.StatusFilled && row.FilledAt == nil {
		if req.FilledAt != nil {
			row.FilledAt = req.FilledAt
		} else {
			row.FilledAt = req.BrokerUpdatedAt
		}
	}
}

// NewOrderDefaults fills the derived columns of a freshly created order.
func NewOrderDefaults(item *models.Order) {
	if item.Status == "" {
		item.Status = orders.StatusPendingNew
	}
	if item.SourcePriority == 0 {
		item.SourcePriority = orders.SourceReconciliation
	}
	if item.TimeInForce == "" {
		item.TimeInForce = "day"
	}
	if item.OrderType == "" {
		item.OrderType = orders.TypeMarket
	}
	item.StatusRank = item.Status.Rank()
	item.IsTerminal = item.Status.IsTerminal()
}

// ObserveCAS logs and counts the outcome of a status update.
func ObserveCAS(logger *zap.Logger, req StatusUpdate, res CASResult) {
	if !req.Status.Known() && logger != nil {
		logger.Warn("order status: unknown status",
			zap.String("client_order_id", req.ClientOrderID),
			zap.String("status", string(req.Status)),
			zap.Bool("applied", res.Applied),
		)
	}
	if res.Applied {
		return
	}
	metrics.CASConflictsSkipped.WithLabelValues(string(res.Reason)).Inc()
	if logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("reason", string(res.Reason)),
		zap.String("proposed_status", string(req.Status)),
		zap.String("source", req.Source.String()),
		zap.String("proposed_filled_qty", req.FilledQty.String()),
	}
	if req.BrokerUpdatedAt != nil {
		fields = append(fields, zap.Time("proposed_ts", *req.BrokerUpdatedAt))
	}
	if res.Order != nil {
		fields = append(fields,
			zap.String("current_status", string(res.Order.Status)),
			zap.String("current_filled_qty", res.Order.FilledQty.String()),
		)
		if res.Order.LastUpdatedAt != nil {
			fields = append(fields, zap.Time("current_ts", *res.Order.LastUpdatedAt))
		}
	}
	logger.Info("order status: update skipped", fields...)
}
