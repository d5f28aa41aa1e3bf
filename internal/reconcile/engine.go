// Package reconcile keeps local order, orphan and position state aligned
// with the broker. It owns the readiness gate transitions.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"tradecore/internal/broker"
	"tradecore/internal/config"
	"tradecore/internal/events"
	"tradecore/internal/execution"
	"tradecore/internal/lock"
	"tradecore/internal/metrics"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/readiness"
	"tradecore/internal/repository"
)

const (
	SyncScope = "reconciliation"
	lockKey   = "reconciliation"
)

type Engine struct {
	Repo     repository.Repository
	Broker   broker.Gateway
	Gate     *readiness.Gate
	Locker   lock.Locker
	Events   events.Publisher
	Executor *execution.Executor
	Logger   *zap.Logger
	Config   config.ReconciliationConfig
	Now      func() time.Time

	once  sync.Once
	local lock.Locker
}

// Stats summarizes one run. It is persisted with the high-water mark.
type Stats struct {
	Mode              string `json:"mode"`
	BrokerOrders      int    `json:"broker_orders"`
	Updated           int    `json:"updated"`
	Skipped           int    `json:"skipped"`
	Confirmed         int    `json:"confirmed"`
	MarkedFailed      int    `json:"marked_failed"`
	OrphansDetected   int    `json:"orphans_detected"`
	OrphansExpired    int    `json:"orphans_expired"`
	PositionMismatch  int    `json:"position_mismatches"`
	UnseenChecked     int    `json:"unseen_checked"`
	Pages             int    `json:"pages"`
	Truncated         bool   `json:"truncated"`
	DurationMillis    int64  `json:"duration_ms"`
	windowStart       time.Time
	pendingCursor     string
	parentsToRollUp   map[string]struct{}
	seenClientIDs     map[string]struct{}
	positionsAlerting bool
}

func newStats(mode string, alertPositions bool) *Stats {
	return &Stats{
		Mode:              mode,
		parentsToRollUp:   make(map[string]struct{}),
		seenClientIDs:     make(map[string]struct{}),
		positionsAlerting: alertPositions,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) locker() lock.Locker {
	if e.Locker != nil {
		return e.Locker
	}
	e.once.Do(func() { e.local = lock.NewLocal() })
	return e.local
}

// Tick is the cron entry point: startup reconciliation until the gate is
// READY, periodic runs afterwards. Runs are single-flight across replicas.
func (e *Engine) Tick(ctx context.Context) error {
	ttl := e.Config.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	release, ok, err := e.locker().TryLock(ctx, lockKey, ttl)
	if err != nil {
		return fmt.Errorf("reconciliation lock: %w", err)
	}
	if !ok {
		e.logger().Debug("reconciliation already running elsewhere")
		return nil
	}
	defer release()
	if !e.Gate.IsReady() {
		return e.RunStartup(ctx)
	}
	return e.RunPeriodic(ctx)
}

// StartupLoop retries startup reconciliation until the gate opens or ctx
// ends.
func (e *Engine) StartupLoop(ctx context.Context) {
	wait := e.Config.StartupRetryWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	for !e.Gate.IsReady() {
		if err := e.Tick(ctx); err != nil {
			e.logger().Error("startup reconciliation failed", zap.Error(err), zap.Duration("retry_in", wait))
		}
		if e.Gate.IsReady() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// RunStartup confirms every order whose broker outcome is unknown, then
// opens the gate. On failure the gate returns to GATED.
func (e *Engine) RunStartup(ctx context.Context) error {
	if !e.Gate.BeginReconciliation() {
		return nil
	}
	started := e.now()
	st := newStats("startup", false)
	err := e.startup(ctx, st)
	st.DurationMillis = e.now().Sub(started).Milliseconds()
	e.saveAttempt(ctx, started, st, err, false)
	if err != nil {
		e.Gate.MarkFailed(err)
		return err
	}
	e.Gate.SetLastError(nil)
	e.Gate.MarkReady()
	e.logger().Info("startup reconciliation complete", statsFields(st)...)
	return nil
}

func (e *Engine) startup(ctx context.Context, st *Stats) error {
	open, err := e.Broker.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, bo := range open {
		if err := e.applyBrokerOrder(ctx, bo, st); err != nil {
			return err
		}
	}

	unknown := []orders.Status{orders.StatusPendingNew, orders.StatusSubmittedUnconfirmed}
	standalone, err := e.Repo.ListOrdersByStatuses(ctx, unknown, repository.ScopeStandalone, 0)
	if err != nil {
		return err
	}
	unconfirmedSlices, err := e.Repo.ListOrdersByStatuses(ctx, []orders.Status{orders.StatusSubmittedUnconfirmed}, repository.ScopeSlices, 0)
	if err != nil {
		return err
	}
	for _, o := range append(standalone, unconfirmedSlices...) {
		if _, seen := st.seenClientIDs[o.ClientOrderID]; seen {
			continue
		}
		if err := e.confirm(ctx, o, true, st); err != nil {
			return err
		}
	}

	// Pending slices the broker already holds are brought forward; the rest
	// are left for scheduler recovery.
	pending, err := repository.ListPendingSlices(ctx, e.Repo)
	if err != nil {
		return err
	}
	for _, o := range pending {
		if _, seen := st.seenClientIDs[o.ClientOrderID]; seen {
			continue
		}
		if err := e.confirm(ctx, o, false, st); err != nil {
			return err
		}
	}

	if err := e.syncPositions(ctx, st); err != nil {
		return err
	}
	e.rollUpParents(ctx, st)
	return nil
}

// RunPeriodic pulls broker activity since the high-water mark minus the
// overlap window and folds it into local state.
func (e *Engine) RunPeriodic(ctx context.Context) error {
	e.Gate.SetPeriodicRunning(true)
	defer e.Gate.SetPeriodicRunning(false)

	started := e.now()
	st := newStats("periodic", true)
	err := e.periodic(ctx, started, st)
	st.DurationMillis = e.now().Sub(started).Milliseconds()
	e.saveAttempt(ctx, started, st, err, true)
	if err != nil {
		e.Gate.SetLastError(err)
		return err
	}
	e.Gate.SetLastError(nil)
	e.logger().Info("periodic reconciliation complete", statsFields(st)...)
	return nil
}

func (e *Engine) periodic(ctx context.Context, started time.Time, st *Stats) error {
	state, err := e.Repo.GetSyncState(ctx, SyncScope)
	if err != nil {
		return err
	}
	since := started.Add(-e.initialLookback())
	cursor := ""
	if state != nil && state.WatermarkTS != nil {
		since = state.WatermarkTS.Add(-e.Config.Overlap)
		if state.Cursor != nil {
			cursor = *state.Cursor
		}
	}
	st.windowStart = since

	open, err := e.Broker.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, bo := range open {
		if err := e.applyBrokerOrder(ctx, bo, st); err != nil {
			return err
		}
	}

	maxPages := e.Config.MaxPages
	if maxPages <= 0 {
		maxPages = 20
	}
	for page := 0; page < maxPages; page++ {
		res, err := e.Broker.ListAllOrders(ctx, broker.ListOrdersRequest{
			Status: "all",
			After:  &since,
			Cursor: cursor,
			Limit:  e.Config.PageLimit,
		})
		if err != nil && cursor != "" && broker.IsRejection(err) {
			e.logger().Warn("saved reconciliation cursor rejected, restarting window",
				zap.String("cursor", cursor), zap.Error(err))
			cursor = ""
			page--
			continue
		}
		if err != nil {
			return fmt.Errorf("list orders since %s: %w", since.Format(time.RFC3339), err)
		}
		st.Pages++
		for _, bo := range res.Orders {
			if err := e.applyBrokerOrder(ctx, bo, st); err != nil {
				return err
			}
		}
		cursor = res.NextCursor
		if cursor == "" {
			break
		}
	}
	if cursor != "" {
		// The window is not exhausted. The next run resumes from cursor with
		// the same lower bound.
		st.Truncated = true
		st.pendingCursor = cursor
		metrics.ReconciliationPagesTruncated.Inc()
		e.logger().Warn("reconciliation page cap reached, resuming next run",
			zap.Int("max_pages", maxPages),
			zap.Time("since", since),
			zap.String("cursor", cursor),
		)
	}

	if err := e.syncPositions(ctx, st); err != nil {
		return err
	}
	if err := e.checkUnseen(ctx, st); err != nil {
		return err
	}
	if _, err := e.sweepOrphans(ctx, st); err != nil {
		return err
	}
	e.rollUpParents(ctx, st)
	return nil
}

func (e *Engine) initialLookback() time.Duration {
	if e.Config.InitialLookback > 0 {
		return e.Config.InitialLookback
	}
	return 24 * time.Hour
}

// applyBrokerOrder matches one broker order to a local row by client order
// id (falling back to broker id) and pushes it through the CAS path.
// Unmatched orders become orphans.
func (e *Engine) applyBrokerOrder(ctx context.Context, bo broker.Order, st *Stats) error {
	st.BrokerOrders++
	var (
		local *models.Order
		err   error
	)
	if bo.ClientOrderID != "" {
		local, err = e.Repo.GetOrderByClientID(ctx, bo.ClientOrderID)
		if err != nil {
			return err
		}
	}
	if local == nil && bo.ID != "" {
		local, err = e.Repo.GetOrderByBrokerID(ctx, bo.ID)
		if err != nil {
			return err
		}
	}
	if local == nil {
		return e.recordOrphan(ctx, bo, st)
	}
	st.seenClientIDs[local.ClientOrderID] = struct{}{}
	return e.applyToLocal(ctx, local, bo, st)
}

func (e *Engine) applyToLocal(ctx context.Context, local *models.Order, bo broker.Order, st *Stats) error {
	brokerID := bo.ID
	res, err := e.Repo.UpdateOrderStatus(ctx, repository.StatusUpdate{
		ClientOrderID:   local.ClientOrderID,
		Status:          bo.Status,
		FilledQty:       bo.FilledQty,
		AvgFillPrice:    bo.FilledAvgPrice,
		BrokerUpdatedAt: bo.Timestamp(),
		Source:          orders.SourceReconciliation,
		BrokerOrderID:   &brokerID,
		SubmittedAt:     bo.SubmittedAt,
		FilledAt:        bo.FilledAt,
	})
	if err != nil {
		return err
	}
	if !res.Applied {
		st.Skipped++
		return nil
	}
	st.Updated++
	if local.Status != res.Order.Status || !local.FilledQty.Equal(res.Order.FilledQty) {
		metrics.ReconciliationMismatches.WithLabelValues("order_status").Inc()
		e.logger().Info("order corrected from broker",
			zap.String("client_order_id", local.ClientOrderID),
			zap.String("from", string(local.Status)),
			zap.String("to", string(res.Order.Status)),
			zap.String("filled_qty", res.Order.FilledQty.String()),
		)
	}
	execution.PublishStatus(ctx, e.Events, e.logger(), res.Order)
	if res.Order.ParentOrderID != nil {
		st.parentsToRollUp[*res.Order.ParentOrderID] = struct{}{}
	}
	return nil
}

// confirm looks one order up at the broker by its client order id. When
// failMissing is set an order the broker does not know is marked failed and
// is never resubmitted.
func (e *Engine) confirm(ctx context.Context, o models.Order, failMissing bool, st *Stats) error {
	bo, err := e.Broker.GetOrderByClientID(ctx, o.ClientOrderID)
	switch {
	case errors.Is(err, broker.ErrNotFound):
		if !failMissing {
			return nil
		}
		res, err := e.Repo.UpdateOrderStatus(ctx, repository.StatusUpdate{
			ClientOrderID: o.ClientOrderID,
			Status:        orders.StatusFailed,
			Source:        orders.SourceReconciliation,
			ReasonCode:    orders.ReasonNotFoundAtBroker,
			ErrorMessage:  "order not found at broker during reconciliation",
			RequireStatus: []orders.Status{orders.StatusPendingNew, orders.StatusSubmittedUnconfirmed},
		})
		if err != nil {
			return err
		}
		if res.Applied {
			st.MarkedFailed++
			metrics.ReconciliationMismatches.WithLabelValues("missing_at_broker").Inc()
			e.logger().Warn("order not found at broker, marked failed",
				zap.String("client_order_id", o.ClientOrderID),
				zap.String("previous_status", string(o.Status)),
			)
			execution.PublishStatus(ctx, e.Events, e.logger(), res.Order)
			if res.Order.ParentOrderID != nil {
				st.parentsToRollUp[*res.Order.ParentOrderID] = struct{}{}
			}
		}
		return nil
	case err != nil:
		return fmt.Errorf("confirm %s: %w", o.ClientOrderID, err)
	}
	st.Confirmed++
	st.seenClientIDs[o.ClientOrderID] = struct{}{}
	return e.applyToLocal(ctx, &o, *bo, st)
}

// checkUnseen confirms local active orders that did not show up in this
// run's broker window. The number of lookups per run is bounded.
func (e *Engine) checkUnseen(ctx context.Context, st *Stats) error {
	limit := e.Config.MaxUnseenChecks
	if limit <= 0 {
		limit = 50
	}
	active, err := e.Repo.ListOrdersByStatuses(ctx, orders.ActiveStatuses(), repository.ScopeAll, 0)
	if err != nil {
		return err
	}
	for _, o := range active {
		if st.UnseenChecked >= limit {
			e.logger().Info("unseen order checks capped", zap.Int("limit", limit))
			return nil
		}
		if o.IsParent() {
			continue
		}
		if _, seen := st.seenClientIDs[o.ClientOrderID]; seen {
			continue
		}
		st.UnseenChecked++
		failMissing := o.Status == orders.StatusSubmittedUnconfirmed
		if err := e.confirm(ctx, o, failMissing, st); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) rollUpParents(ctx context.Context, st *Stats) {
	if e.Executor == nil {
		return
	}
	for parentID := range st.parentsToRollUp {
		if err := e.Executor.RollUp(ctx, parentID); err != nil {
			e.logger().Warn("parent roll-up failed", zap.String("parent_order_id", parentID), zap.Error(err))
		}
	}
}

// saveAttempt records the run. Only successful periodic runs move the
// high-water mark, and a run cut short by the page cap holds it at the
// window start so the saved cursor stays valid.
func (e *Engine) saveAttempt(ctx context.Context, started time.Time, st *Stats, runErr error, advance bool) {
	state, err := e.Repo.GetSyncState(ctx, SyncScope)
	if err != nil {
		e.logger().Warn("load sync state failed", zap.Error(err))
		return
	}
	if state == nil {
		state = &models.SyncState{Scope: SyncScope}
	}
	attempt := started
	state.LastAttemptAt = &attempt
	if runErr != nil {
		msg := runErr.Error()
		state.LastError = &msg
	} else {
		state.LastError = nil
		done := e.now()
		state.LastSuccessAt = &done
		metrics.ReconciliationLastSuccess.Set(float64(done.Unix()))
		if advance {
			hwm := started
			state.Cursor = nil
			if st.pendingCursor != "" {
				hwm = st.windowStart.Add(e.Config.Overlap)
				cursor := st.pendingCursor
				state.Cursor = &cursor
			}
			state.WatermarkTS = &hwm
		}
	}
	if raw, err := json.Marshal(st); err == nil {
		state.StatsJSON = datatypes.JSON(raw)
	}
	if err := e.Repo.SaveSyncState(ctx, state); err != nil {
		e.logger().Warn("save sync state failed", zap.Error(err))
	}
}

func statsFields(st *Stats) []zap.Field {
	return []zap.Field{
		zap.String("mode", st.Mode),
		zap.Int("broker_orders", st.BrokerOrders),
		zap.Int("updated", st.Updated),
		zap.Int("skipped", st.Skipped),
		zap.Int("confirmed", st.Confirmed),
		zap.Int("marked_failed", st.MarkedFailed),
		zap.Int("orphans_detected", st.OrphansDetected),
		zap.Int("orphans_expired", st.OrphansExpired),
		zap.Int("position_mismatches", st.PositionMismatch),
		zap.Int64("duration_ms", st.DurationMillis),
	}
}
