package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/broker"
	"tradecore/internal/events"
	"tradecore/internal/metrics"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/repository"
)

const (
	ResolveAdopt  = "adopt"
	ResolveCancel = "cancel"
)

var (
	ErrOrphanNotFound = errors.New("orphan order not found")
	ErrOrphanResolved = errors.New("orphan order already resolved")
	ErrInvalidAction  = errors.New("resolve action must be adopt or cancel")
)

// recordOrphan stores a broker order nothing local claims and quarantines
// its symbol for every strategy. Repeat sightings refresh the fill and
// re-assert the quarantine while the orphan is untracked.
func (e *Engine) recordOrphan(ctx context.Context, bo broker.Order, st *Stats) error {
	existing, err := e.Repo.GetOrphan(ctx, bo.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		if err := e.Repo.UpdateOrphanFill(ctx, bo.ID, bo.FilledQty, bo.FilledAvgPrice, rawStatus(bo)); err != nil {
			return err
		}
		if existing.Status != models.OrphanStatusUntracked {
			return nil
		}
		return e.quarantineOrphan(ctx, bo)
	}

	item := &models.OrphanOrder{
		BrokerOrderID:     bo.ID,
		ClientOrderID:     bo.ClientOrderID,
		Symbol:            bo.Symbol,
		StrategyID:        models.UnknownStrategy,
		Side:              string(bo.Side),
		OrderType:         string(bo.Type),
		BrokerStatus:      rawStatus(bo),
		Qty:               bo.Qty,
		FilledQty:         bo.FilledQty,
		AvgFillPrice:      bo.FilledAvgPrice,
		EstimatedNotional: bo.Qty.Mul(bo.ReferencePrice()),
		Status:            models.OrphanStatusUntracked,
		DetectedAt:        e.now(),
	}
	created, err := e.Repo.InsertOrphan(ctx, item)
	if err != nil {
		return err
	}
	if err := e.quarantineOrphan(ctx, bo); err != nil {
		return err
	}
	if !created {
		return nil
	}
	st.OrphansDetected++
	metrics.ReconciliationMismatches.WithLabelValues("orphan").Inc()
	e.logger().Warn("orphan broker order detected, symbol quarantined",
		zap.String("broker_order_id", bo.ID),
		zap.String("client_order_id", bo.ClientOrderID),
		zap.String("symbol", bo.Symbol),
		zap.String("side", string(bo.Side)),
		zap.String("qty", bo.Qty.String()),
		zap.String("status", rawStatus(bo)),
	)
	e.publish(ctx, events.SubjectOrphanDetected, item)
	return nil
}

// quarantineOrphan blocks the orphan's symbol for every strategy. The add is
// idempotent, so it is safe on every sighting.
func (e *Engine) quarantineOrphan(ctx context.Context, bo broker.Order) error {
	return e.Repo.AddQuarantine(ctx, &models.QuarantineEntry{
		StrategyID:    models.WildcardStrategy,
		Symbol:        bo.Symbol,
		Reason:        fmt.Sprintf("orphan broker order %s", bo.ID),
		BrokerOrderID: bo.ID,
	})
}

func rawStatus(bo broker.Order) string {
	if bo.RawStatus != "" {
		return bo.RawStatus
	}
	return string(bo.Status)
}

// SweepOrphans auto-resolves orphans that never filled, are closed at the
// broker and are older than the configured age.
func (e *Engine) SweepOrphans(ctx context.Context) (int, error) {
	return e.sweepOrphans(ctx, newStats("sweep", false))
}

func (e *Engine) sweepOrphans(ctx context.Context, st *Stats) (int, error) {
	maxAge := e.Config.OrphanMaxAge
	if maxAge <= 0 {
		return 0, nil
	}
	untracked := models.OrphanStatusUntracked
	items, err := e.Repo.ListOrphans(ctx, repository.ListOrphansParams{Status: &untracked, Limit: 500})
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-maxAge)
	symbols := make(map[string]struct{})
	for _, item := range items {
		if !item.FilledQty.IsZero() || item.DetectedAt.After(cutoff) {
			continue
		}
		if !orders.FromBroker(item.BrokerStatus).IsTerminal() {
			continue
		}
		ok, err := e.Repo.ResolveOrphan(ctx, item.BrokerOrderID, models.OrphanResolutionAutoExpired, "system", e.now())
		if err != nil {
			return st.OrphansExpired, err
		}
		if ok {
			st.OrphansExpired++
			symbols[item.Symbol] = struct{}{}
			e.logger().Info("orphan auto-resolved",
				zap.String("broker_order_id", item.BrokerOrderID),
				zap.String("symbol", item.Symbol),
			)
		}
	}
	for symbol := range symbols {
		if err := e.releaseQuarantine(ctx, symbol); err != nil {
			return st.OrphansExpired, err
		}
	}
	return st.OrphansExpired, nil
}

// releaseQuarantine clears a symbol once it has no unresolved orphans.
func (e *Engine) releaseQuarantine(ctx context.Context, symbol string) error {
	n, err := e.Repo.CountUnresolvedOrphans(ctx, symbol)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	cleared, err := e.Repo.ClearQuarantine(ctx, symbol)
	if err != nil {
		return err
	}
	if cleared > 0 {
		e.logger().Info("quarantine cleared", zap.String("symbol", symbol))
	}
	return nil
}

// ResolveOrphan applies an operator decision. adopt inserts a local order
// under the broker's client id so later updates match it; cancel cancels it
// at the broker.
func (e *Engine) ResolveOrphan(ctx context.Context, brokerOrderID, action, operator, strategyID string) (*models.OrphanOrder, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	if action != ResolveAdopt && action != ResolveCancel {
		return nil, ErrInvalidAction
	}
	item, err := e.Repo.GetOrphan(ctx, brokerOrderID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrOrphanNotFound
	}
	if item.Status != models.OrphanStatusUntracked {
		return nil, ErrOrphanResolved
	}

	resolution := models.OrphanResolutionCanceled
	switch action {
	case ResolveAdopt:
		if err := e.adopt(ctx, item, strategyID); err != nil {
			return nil, err
		}
		resolution = models.OrphanResolutionAdopted
	case ResolveCancel:
		if err := e.Broker.CancelByBrokerID(ctx, brokerOrderID); err != nil && !errors.Is(err, broker.ErrNotFound) {
			return nil, fmt.Errorf("cancel orphan at broker: %w", err)
		}
	}

	ok, err := e.Repo.ResolveOrphan(ctx, brokerOrderID, resolution, operator, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOrphanResolved
	}
	if err := e.releaseQuarantine(ctx, item.Symbol); err != nil {
		return nil, err
	}
	e.logger().Warn("orphan resolved by operator",
		zap.String("broker_order_id", brokerOrderID),
		zap.String("resolution", resolution),
		zap.String("operator", operator),
	)
	return e.Repo.GetOrphan(ctx, brokerOrderID)
}

func (e *Engine) adopt(ctx context.Context, item *models.OrphanOrder, strategyID string) error {
	clientID := item.ClientOrderID
	if clientID == "" {
		clientID = item.BrokerOrderID
	}
	if strings.TrimSpace(strategyID) == "" {
		strategyID = models.UnknownStrategy
	}
	side, err := orders.ParseSide(item.Side)
	if err != nil {
		return err
	}
	typ, err := orders.ParseType(item.OrderType)
	if err != nil {
		typ = orders.TypeMarket
	}
	status := orders.FromBroker(item.BrokerStatus)
	if !status.Known() {
		status = orders.StatusAccepted
	}
	brokerID := item.BrokerOrderID
	order := &models.Order{
		ClientOrderID: clientID,
		BrokerOrderID: &brokerID,
		StrategyID:    strategyID,
		Symbol:        item.Symbol,
		Side:          side,
		OrderType:     typ,
		Qty:           item.Qty.Round(0).IntPart(),
		FilledQty:     item.FilledQty,
		AvgFillPrice:  item.AvgFillPrice,
		Status:        status,
		ReasonCode:    "adopted_orphan",
	}
	if err := e.Repo.InsertOrder(ctx, order); err != nil {
		return fmt.Errorf("adopt orphan %s: %w", item.BrokerOrderID, err)
	}
	return nil
}

// syncPositions overwrites local positions with the broker's. Periodic runs
// also alert on every difference.
func (e *Engine) syncPositions(ctx context.Context, st *Stats) error {
	remote, err := e.Broker.ListAllPositions(ctx)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	local, err := e.Repo.ListPositions(ctx)
	if err != nil {
		return err
	}
	localBySymbol := make(map[string]models.Position, len(local))
	for _, p := range local {
		localBySymbol[p.Symbol] = p
	}
	now := e.now()
	seen := make(map[string]struct{}, len(remote))
	for _, p := range remote {
		seen[p.Symbol] = struct{}{}
		prev := localBySymbol[p.Symbol]
		if !prev.Qty.Equal(p.Qty) {
			e.positionMismatch(ctx, p.Symbol, prev.Qty, p.Qty, st)
		}
		if err := e.Repo.UpsertPosition(ctx, &models.Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
			MarketValue:   p.MarketValue,
			SyncedAt:      now,
		}); err != nil {
			return err
		}
	}
	for _, p := range local {
		if _, ok := seen[p.Symbol]; ok || p.Qty.IsZero() {
			continue
		}
		e.positionMismatch(ctx, p.Symbol, p.Qty, decimal.Zero, st)
		if err := e.Repo.UpsertPosition(ctx, &models.Position{Symbol: p.Symbol, Qty: decimal.Zero, SyncedAt: now}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) positionMismatch(ctx context.Context, symbol string, local, remote decimal.Decimal, st *Stats) {
	st.PositionMismatch++
	if !st.positionsAlerting {
		return
	}
	metrics.ReconciliationMismatches.WithLabelValues("position").Inc()
	e.logger().Warn("position mismatch, corrected from broker",
		zap.String("symbol", symbol),
		zap.String("local_qty", local.String()),
		zap.String("broker_qty", remote.String()),
	)
	e.publish(ctx, events.SubjectPositionMismatch, map[string]any{
		"symbol":     symbol,
		"local_qty":  local.String(),
		"broker_qty": remote.String(),
	})
}

func (e *Engine) publish(ctx context.Context, subject string, payload any) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Publish(ctx, subject, payload); err != nil {
		e.logger().Warn("publish event failed", zap.String("subject", subject), zap.Error(err))
	}
}
