package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/config"
	"tradecore/internal/execution"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/readiness"
	"tradecore/internal/repository"
	"tradecore/internal/risk"
	"tradecore/internal/scheduler"
	"tradecore/internal/slicing"
)

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrQuarantined    = errors.New("symbol is quarantined pending orphan resolution")
	ErrKillSwitch     = errors.New("kill switch engaged")
	ErrCircuitBreaker = errors.New("circuit breaker tripped")
	ErrOrderNotFound  = errors.New("order not found")
)

// OrderRequest is a single (non-sliced) order.
type OrderRequest struct {
	ClientOrderID string
	StrategyID    string
	Symbol        string
	Side          string
	Qty           int64
	OrderType     string
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   string
	ReduceOnly    bool
	TradeDate     string
}

type TWAPRequest struct {
	StrategyID  string
	Symbol      string
	Side        string
	Qty         int64
	Duration    int
	Interval    time.Duration
	Start       *time.Time
	OrderType   string
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce string
	ReduceOnly  bool
	TradeDate   string
}

type SubmitResult struct {
	Order *models.Order
	// Duplicate is set when the client order id already existed; Order is
	// the stored row and nothing was sent.
	Duplicate bool
	Outcome   execution.Outcome
}

type TWAPResult struct {
	Plan      slicing.Plan
	Parent    *models.Order
	Slices    []models.Order
	Duplicate bool
	DryRun    bool
}

type OrderService struct {
	Repo      repository.Repository
	Gate      *readiness.Gate
	Safety    risk.SafetyPolicy
	Executor  *execution.Executor
	Scheduler *scheduler.Scheduler
	Settings  *SystemSettingsService
	Logger    *zap.Logger
	Config    config.ExecutorConfig
	// DefaultInterval spaces TWAP slices when a request names no interval.
	DefaultInterval time.Duration
	Now             func() time.Time
}

func (s *OrderService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *OrderService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *OrderService) mode(ctx context.Context) string {
	fallback := s.Config.Mode
	if fallback == "" {
		fallback = ModeLive
	}
	return s.Settings.ExecutorMode(ctx, fallback)
}

type parsedOrder struct {
	side orders.Side
	typ  orders.Type
}

func parseOrder(symbol, side, typ string, qty int64, limit, stop *decimal.Decimal) (parsedOrder, error) {
	var p parsedOrder
	if strings.TrimSpace(symbol) == "" {
		return p, fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if qty <= 0 {
		return p, fmt.Errorf("%w: qty must be positive", ErrInvalidOrder)
	}
	var err error
	if p.side, err = orders.ParseSide(side); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if p.typ, err = orders.ParseType(typ); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if p.typ.NeedsLimitPrice() && (limit == nil || !limit.IsPositive()) {
		return p, fmt.Errorf("%w: %s order requires a positive limit price", ErrInvalidOrder, p.typ)
	}
	if p.typ.NeedsStopPrice() && (stop == nil || !stop.IsPositive()) {
		return p, fmt.Errorf("%w: %s order requires a positive stop price", ErrInvalidOrder, p.typ)
	}
	return p, nil
}

// admit runs the checks shared by single orders and TWAP plans:
// quarantine, readiness and the safety policy.
func (s *OrderService) admit(ctx context.Context, strategyID, symbol string, side orders.Side, qty int64, reduceOnly bool) (string, error) {
	blocked, err := s.Repo.IsQuarantined(ctx, strategyID, symbol)
	if err != nil {
		return "", err
	}
	if blocked {
		return orders.ReasonQuarantined, fmt.Errorf("%w: %s", ErrQuarantined, symbol)
	}
	if s.Gate != nil {
		if err := s.Gate.CheckSubmission(ctx, readiness.Submission{Symbol: symbol, Side: side, Qty: qty, ReduceOnly: reduceOnly}); err != nil {
			return GateReason(err), err
		}
	}
	return "", nil
}

// GateReason maps a readiness error to its reason code.
func GateReason(err error) string {
	switch {
	case errors.Is(err, readiness.ErrNotReady):
		return orders.ReasonNotReady
	case errors.Is(err, readiness.ErrNotReduceOnly):
		return orders.ReasonNotReduceOnly
	case errors.Is(err, readiness.ErrBrokerUnavailable):
		return orders.ReasonBrokerUnavailable
	}
	return ""
}

// safety returns the blocked status for a tripped policy.
func (s *OrderService) safety(ctx context.Context) (orders.Status, string, error) {
	if s.Safety == nil {
		return "", "", nil
	}
	if s.Safety.IsEngaged(ctx) {
		return orders.StatusBlockedKillSwitch, orders.ReasonKillSwitch, ErrKillSwitch
	}
	if s.Safety.IsTripped(ctx) {
		return orders.StatusBlockedCircuitBreak, orders.ReasonCircuitBreaker, ErrCircuitBreaker
	}
	return "", "", nil
}

func (s *OrderService) overridden() bool {
	return s.Gate != nil && s.Gate.Snapshot().Overridden()
}

// SubmitOrder persists a single order and sends it. Safety blocks are
// persisted as terminal rows and returned with the matching error.
func (s *OrderService) SubmitOrder(ctx context.Context, req OrderRequest) (SubmitResult, string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	p, err := parseOrder(symbol, req.Side, req.OrderType, req.Qty, req.LimitPrice, req.StopPrice)
	if err != nil {
		return SubmitResult{}, orders.ReasonInvalidOrder, err
	}
	strategyID := strings.TrimSpace(req.StrategyID)
	if strategyID == "" {
		strategyID = "manual"
	}
	if reason, err := s.admit(ctx, strategyID, symbol, p.side, req.Qty, req.ReduceOnly); err != nil {
		return SubmitResult{}, reason, err
	}

	clientID := strings.TrimSpace(req.ClientOrderID)
	if clientID == "" {
		tradeDate := req.TradeDate
		if tradeDate == "" {
			tradeDate = s.now().Format("2006-01-02")
		}
		clientID = slicing.StandaloneID(symbol, p.side, req.Qty, p.typ, req.LimitPrice, req.StopPrice, strategyID, tradeDate)
	}
	existing, err := s.Repo.GetOrderByClientID(ctx, clientID)
	if err != nil {
		return SubmitResult{}, "", err
	}
	if existing != nil {
		return SubmitResult{Order: existing, Duplicate: true}, orders.ReasonDuplicateOrder, nil
	}

	order := &models.Order{
		ClientOrderID: clientID,
		StrategyID:    strategyID,
		Symbol:        symbol,
		Side:          p.side,
		OrderType:     p.typ,
		TimeInForce:   req.TimeInForce,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		Qty:           req.Qty,
		ReduceOnly:    req.ReduceOnly,
		OverrideFlag:  s.overridden(),
	}
	log := s.logger().With(zap.String("client_order_id", clientID), zap.String("symbol", symbol))

	blockedStatus, blockedReason, blockedErr := s.safety(ctx)
	switch {
	case blockedErr != nil:
		order.Status = blockedStatus
		order.ReasonCode = blockedReason
	case s.mode(ctx) == ModeDryRun:
		order.Status = orders.StatusDryRun
		order.ReasonCode = orders.ReasonDryRun
	}
	if order.OverrideFlag {
		log.Warn("order accepted under readiness override")
	}

	if err := s.Repo.InsertOrder(ctx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			stored, getErr := s.Repo.GetOrderByClientID(ctx, clientID)
			if getErr != nil {
				return SubmitResult{}, "", getErr
			}
			return SubmitResult{Order: stored, Duplicate: true}, orders.ReasonDuplicateOrder, nil
		}
		return SubmitResult{}, "", err
	}
	if blockedErr != nil {
		log.Warn("order blocked by safety policy", zap.String("reason_code", blockedReason))
		return SubmitResult{Order: order}, blockedReason, blockedErr
	}
	if order.Status == orders.StatusDryRun {
		log.Info("dry-run order recorded")
		return SubmitResult{Order: order}, orders.ReasonDryRun, nil
	}

	res, err := s.Executor.Submit(ctx, order)
	if err != nil {
		return SubmitResult{Order: order, Outcome: res.Outcome}, "", err
	}
	out := SubmitResult{Order: res.Order, Outcome: res.Outcome}
	if out.Order == nil {
		out.Order = order
	}
	return out, out.Order.ReasonCode, nil
}

// SubmitTWAP persists a parent and its slices and arms the slice timers.
func (s *OrderService) SubmitTWAP(ctx context.Context, req TWAPRequest) (TWAPResult, string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	p, err := parseOrder(symbol, req.Side, req.OrderType, req.Qty, req.LimitPrice, req.StopPrice)
	if err != nil {
		return TWAPResult{}, orders.ReasonInvalidOrder, err
	}
	strategyID := strings.TrimSpace(req.StrategyID)
	if strategyID == "" {
		strategyID = "manual"
	}
	start := s.now()
	if req.Start != nil {
		start = req.Start.UTC()
	}
	interval := req.Interval
	if interval == 0 {
		interval = s.DefaultInterval
	}
	plan, err := slicing.Build(slicing.Request{
		Symbol:      symbol,
		Side:        p.side,
		Qty:         req.Qty,
		Duration:    req.Duration,
		OrderType:   p.typ,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		TimeInForce: req.TimeInForce,
		StrategyID:  strategyID,
		TradeDate:   req.TradeDate,
		Start:       start,
		Interval:    interval,
	})
	if err != nil {
		return TWAPResult{}, orders.ReasonInvalidOrder, err
	}
	if reason, err := s.admit(ctx, strategyID, symbol, p.side, req.Qty, req.ReduceOnly); err != nil {
		return TWAPResult{}, reason, err
	}
	if _, reason, err := s.safety(ctx); err != nil {
		return TWAPResult{}, reason, err
	}

	existing, err := s.Repo.GetOrderByClientID(ctx, plan.ParentOrderID)
	if err != nil {
		return TWAPResult{}, "", err
	}
	if existing != nil {
		slices, err := s.Repo.ListSlicesByParent(ctx, plan.ParentOrderID)
		if err != nil {
			return TWAPResult{}, "", err
		}
		return TWAPResult{Plan: plan, Parent: existing, Slices: slices, Duplicate: true}, orders.ReasonDuplicateOrder, nil
	}

	dryRun := s.mode(ctx) == ModeDryRun
	override := s.overridden()
	parent, slices := planRows(plan, req.ReduceOnly, override, dryRun)
	if err := s.Repo.InsertPlan(ctx, parent, slices); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return TWAPResult{}, orders.ReasonDuplicateOrder, err
		}
		return TWAPResult{}, "", err
	}
	log := s.logger().With(
		zap.String("parent_order_id", plan.ParentOrderID),
		zap.String("symbol", symbol),
		zap.Int("slices", len(slices)),
	)
	if override {
		log.Warn("twap plan accepted under readiness override")
	}
	if dryRun {
		log.Info("dry-run twap plan recorded")
		return TWAPResult{Plan: plan, Parent: parent, Slices: slices, DryRun: true}, orders.ReasonDryRun, nil
	}
	if s.Scheduler != nil {
		for _, slice := range slices {
			if err := s.Scheduler.Schedule(slice); err != nil {
				return TWAPResult{}, "", err
			}
		}
	}
	log.Info("twap plan scheduled", zap.Time("first", plan.Slices[0].ScheduledTime), zap.Duration("interval", plan.Interval))
	return TWAPResult{Plan: plan, Parent: parent, Slices: slices}, "", nil
}

func planRows(plan slicing.Plan, reduceOnly, override, dryRun bool) (*models.Order, []models.Order) {
	status := orders.StatusPendingNew
	reason := ""
	if dryRun {
		status = orders.StatusDryRun
		reason = orders.ReasonDryRun
	}
	parent := &models.Order{
		ClientOrderID: plan.ParentOrderID,
		TotalSlices:   len(plan.Slices),
		StrategyID:    plan.StrategyID,
		Symbol:        plan.Symbol,
		Side:          plan.Side,
		OrderType:     plan.OrderType,
		TimeInForce:   plan.TimeInForce,
		LimitPrice:    plan.LimitPrice,
		StopPrice:     plan.StopPrice,
		Qty:           plan.TotalQty,
		Status:        status,
		ReasonCode:    reason,
		ReduceOnly:    reduceOnly,
		OverrideFlag:  override,
	}
	if len(plan.Slices) > 0 {
		first := plan.Slices[0].ScheduledTime
		parent.ScheduledTime = &first
	}
	slices := make([]models.Order, 0, len(plan.Slices))
	for _, sl := range plan.Slices {
		at := sl.ScheduledTime
		pid := plan.ParentOrderID
		slices = append(slices, models.Order{
			ClientOrderID: sl.ClientOrderID,
			ParentOrderID: &pid,
			SliceNum:      sl.SliceNum,
			TotalSlices:   len(plan.Slices),
			ScheduledTime: &at,
			StrategyID:    plan.StrategyID,
			Symbol:        plan.Symbol,
			Side:          plan.Side,
			OrderType:     plan.OrderType,
			TimeInForce:   plan.TimeInForce,
			LimitPrice:    plan.LimitPrice,
			StopPrice:     plan.StopPrice,
			Qty:           sl.Qty,
			Status:        status,
			ReasonCode:    reason,
			ReduceOnly:    reduceOnly,
			OverrideFlag:  override,
		})
	}
	return parent, slices
}

func (s *OrderService) GetOrder(ctx context.Context, clientOrderID string) (*models.Order, error) {
	item, err := s.Repo.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrOrderNotFound
	}
	return item, nil
}

func (s *OrderService) ListSlices(ctx context.Context, parentOrderID string) ([]models.Order, error) {
	parent, err := s.GetOrder(ctx, parentOrderID)
	if err != nil {
		return nil, err
	}
	return s.Repo.ListSlicesByParent(ctx, parent.ClientOrderID)
}

// CancelOrder cancels one order. Orders that never left the process are
// canceled locally; live ones are canceled at the broker and marked
// pending_cancel until the broker reports back. Parents cancel their
// pending slices.
func (s *OrderService) CancelOrder(ctx context.Context, clientOrderID, operator string) (*models.Order, error) {
	item, err := s.GetOrder(ctx, clientOrderID)
	if err != nil {
		return nil, err
	}
	if item.IsParent() {
		parent, _, err := s.CancelParent(ctx, clientOrderID, operator)
		return parent, err
	}
	if item.IsTerminal {
		return item, nil
	}
	log := s.logger().With(zap.String("client_order_id", clientOrderID), zap.String("operator", operator))

	switch item.Status {
	case orders.StatusPendingNew, orders.StatusDryRun:
		res, err := s.Repo.UpdateOrderStatus(ctx, repository.StatusUpdate{
			ClientOrderID: clientOrderID,
			Status:        orders.StatusCanceled,
			Source:        orders.SourceManual,
			ReasonCode:    orders.ReasonCanceledByUser,
			RequireStatus: []orders.Status{orders.StatusPendingNew, orders.StatusDryRun},
		})
		if err != nil {
			return nil, err
		}
		if res.Applied {
			log.Info("order canceled before submission")
			s.rollUp(ctx, res.Order)
			return res.Order, nil
		}
		// The order moved on concurrently; fall through to the broker.
		item = res.Order
		if item == nil || item.IsTerminal {
			return item, nil
		}
	}

	if err := s.Executor.Broker.Cancel(ctx, clientOrderID); err != nil {
		return nil, fmt.Errorf("cancel at broker: %w", err)
	}
	res, err := s.Repo.UpdateOrderStatus(ctx, repository.StatusUpdate{
		ClientOrderID: clientOrderID,
		Status:        orders.StatusPendingCancel,
		Source:        orders.SourceManual,
		ReasonCode:    orders.ReasonCanceledByUser,
	})
	if err != nil {
		return nil, err
	}
	log.Info("cancel sent to broker", zap.Bool("applied", res.Applied))
	return res.Order, nil
}

// CancelParent stops a TWAP plan: pending slices are canceled and the
// parent is closed. Slices already at the broker keep working.
func (s *OrderService) CancelParent(ctx context.Context, parentOrderID, operator string) (*models.Order, int, error) {
	parent, err := s.GetOrder(ctx, parentOrderID)
	if err != nil {
		return nil, 0, err
	}
	if !parent.IsParent() {
		return nil, 0, fmt.Errorf("%w: %s is not a parent order", ErrInvalidOrder, parentOrderID)
	}
	canceled := 0
	if s.Scheduler != nil {
		if canceled, err = s.Scheduler.CancelParent(ctx, parentOrderID); err != nil {
			return nil, canceled, err
		}
	}
	res, err := s.Repo.UpdateOrderStatus(ctx, repository.StatusUpdate{
		ClientOrderID: parentOrderID,
		Status:        orders.StatusCanceled,
		Source:        orders.SourceManual,
		ReasonCode:    orders.ReasonCanceledByUser,
	})
	if err != nil {
		return nil, canceled, err
	}
	s.logger().Info("parent canceled",
		zap.String("parent_order_id", parentOrderID),
		zap.String("operator", operator),
		zap.Int("slices_canceled", canceled),
	)
	return res.Order, canceled, nil
}

func (s *OrderService) rollUp(ctx context.Context, item *models.Order) {
	if item == nil || item.ParentOrderID == nil || s.Executor == nil {
		return
	}
	if err := s.Executor.RollUp(ctx, *item.ParentOrderID); err != nil {
		s.logger().Warn("parent roll-up failed", zap.String("parent_order_id", *item.ParentOrderID), zap.Error(err))
	}
}
