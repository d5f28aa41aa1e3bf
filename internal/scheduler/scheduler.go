// Package scheduler runs TWAP slices at their scheduled times and recovers
// pending slices after a restart.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"tradecore/internal/broker"
	"tradecore/internal/config"
	"tradecore/internal/events"
	"tradecore/internal/execution"
	"tradecore/internal/metrics"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/repository"
	"tradecore/internal/risk"
)

const (
	OverdueExecute = "execute"
	OverdueFail    = "fail"
)

var ErrNotScheduled = errors.New("slice has no scheduled time")

// Gate is the part of the readiness gate the scheduler waits on.
type Gate interface {
	SafeToExecute() bool
}

type MarketClock interface {
	GetClock(ctx context.Context) (broker.Clock, error)
}

// Pending is one armed timer.
type Pending struct {
	ClientOrderID string    `json:"client_order_id"`
	ParentOrderID string    `json:"parent_order_id"`
	At            time.Time `json:"at"`
}

type entry struct {
	parentID string
	at       time.Time
	timer    *time.Timer
}

type Scheduler struct {
	Store    repository.OrderStore
	Executor *execution.Executor
	Gate     Gate
	Safety   risk.SafetyPolicy
	Clock    MarketClock
	Events   events.Publisher
	Logger   *zap.Logger
	Config   config.SchedulerConfig
	Now      func() time.Time

	mu      sync.Mutex
	timers  map[string]*entry
	sem     *semaphore.Weighted
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// Start binds timer executions to ctx. Slices armed before Start run under
// a background context.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()
	if s.cancel != nil {
		s.cancel()
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.stopped = false
}

// Stop disarms every timer and waits for running executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger().Info("scheduler stopped")
}

func (s *Scheduler) initLocked() {
	if s.timers == nil {
		s.timers = make(map[string]*entry)
	}
	if s.sem == nil {
		n := s.Config.MaxConcurrent
		if n <= 0 {
			n = 8
		}
		s.sem = semaphore.NewWeighted(n)
	}
	if s.baseCtx == nil {
		s.baseCtx, s.cancel = context.WithCancel(context.Background())
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Scheduler) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Schedule arms a timer for slice at its persisted scheduled time.
func (s *Scheduler) Schedule(slice models.Order) error {
	if slice.ScheduledTime == nil {
		return fmt.Errorf("%w: %s", ErrNotScheduled, slice.ClientOrderID)
	}
	parentID := ""
	if slice.ParentOrderID != nil {
		parentID = *slice.ParentOrderID
	}
	s.ScheduleAt(slice.ClientOrderID, parentID, *slice.ScheduledTime)
	return nil
}

// ScheduleAt arms (or re-arms) the timer for one slice. Times in the past
// fire immediately.
func (s *Scheduler) ScheduleAt(clientOrderID, parentOrderID string, at time.Time) {
	s.arm(clientOrderID, parentOrderID, at, s.run)
}

func (s *Scheduler) arm(clientOrderID, parentOrderID string, at time.Time, fn func(ctx context.Context, clientOrderID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()
	if s.stopped {
		return
	}
	if old, ok := s.timers[clientOrderID]; ok {
		old.timer.Stop()
	}
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	e := &entry{parentID: parentOrderID, at: at}
	e.timer = time.AfterFunc(delay, func() { s.fire(clientOrderID, e, fn) })
	s.timers[clientOrderID] = e
}

func (s *Scheduler) fire(clientOrderID string, e *entry, fn func(ctx context.Context, clientOrderID string)) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if cur, ok := s.timers[clientOrderID]; ok && cur == e {
		delete(s.timers, clientOrderID)
	}
	ctx := s.baseCtx
	sem := s.sem
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)
	fn(ctx, clientOrderID)
}

func (s *Scheduler) run(ctx context.Context, clientOrderID string) {
	if err := s.Execute(ctx, clientOrderID); err != nil {
		s.logger().Error("slice execution failed", zap.String("client_order_id", clientOrderID), zap.Error(err))
	}
}

// Pending lists armed timers ordered by fire time.
func (s *Scheduler) Pending() []Pending {
	s.mu.Lock()
	out := make([]Pending, 0, len(s.timers))
	for id, e := range s.timers {
		out = append(out, Pending{ClientOrderID: id, ParentOrderID: e.parentID, At: e.at})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Execute runs one slice now if it is still eligible.
func (s *Scheduler) Execute(ctx context.Context, clientOrderID string) error {
	slice, err := s.Store.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if slice == nil {
		s.skipped("missing")
		return nil
	}
	if slice.Status != orders.StatusPendingNew {
		s.skipped("not_pending")
		return nil
	}
	parentID := ""
	if slice.ParentOrderID != nil {
		parentID = *slice.ParentOrderID
	}
	log := s.logger().With(
		zap.String("client_order_id", clientOrderID),
		zap.String("parent_order_id", parentID),
		zap.Int("slice_num", slice.SliceNum),
	)

	if s.Gate != nil && !s.Gate.SafeToExecute() {
		delay := s.Config.GateRetryDelay
		if delay <= 0 {
			delay = 5 * time.Second
		}
		s.skipped("gate_deferred")
		log.Info("slice deferred until reconciliation settles", zap.Duration("retry_in", delay))
		s.ScheduleAt(clientOrderID, parentID, s.now().Add(delay))
		return nil
	}

	if parentID != "" {
		parent, err := s.Store.GetOrderByClientID(ctx, parentID)
		if err != nil {
			return err
		}
		if parent == nil || !orders.ParentAllowed(parent.Status) {
			s.skipped(orders.ReasonParentInactive)
			return s.finish(ctx, log, slice, orders.StatusCanceled, orders.ReasonParentInactive)
		}
	}

	if s.Safety != nil {
		if s.Safety.IsEngaged(ctx) {
			s.skipped(orders.ReasonKillSwitch)
			return s.finish(ctx, log, slice, orders.StatusBlockedKillSwitch, orders.ReasonKillSwitch)
		}
		if s.Safety.IsTripped(ctx) {
			s.skipped(orders.ReasonCircuitBreaker)
			return s.finish(ctx, log, slice, orders.StatusBlockedCircuitBreak, orders.ReasonCircuitBreaker)
		}
	}

	res, err := s.Executor.Submit(ctx, slice)
	if err != nil {
		return err
	}
	if res.Outcome == execution.OutcomeSkipped {
		s.skipped("claimed")
		return nil
	}
	log.Info("slice executed", zap.String("outcome", string(res.Outcome)))
	return s.rollUp(ctx, log, parentID)
}

func (s *Scheduler) skipped(reason string) {
	metrics.SlicesSkipped.WithLabelValues(reason).Inc()
}

// finish moves a still-pending slice to a terminal state without
// submitting it.
func (s *Scheduler) finish(ctx context.Context, log *zap.Logger, slice *models.Order, status orders.Status, reason string) error {
	res, err := s.Store.UpdateOrderStatus(ctx, repository.StatusUpdate{
		ClientOrderID: slice.ClientOrderID,
		Status:        status,
		Source:        orders.SourceReconciliation,
		ReasonCode:    reason,
		RequireStatus: []orders.Status{orders.StatusPendingNew},
	})
	if err != nil {
		return err
	}
	if !res.Applied {
		return nil
	}
	log.Warn("slice not submitted", zap.String("status", string(status)), zap.String("reason_code", reason))
	execution.PublishStatus(ctx, s.Events, log, res.Order)
	if status == orders.StatusBlockedKillSwitch || status == orders.StatusBlockedCircuitBreak {
		if s.Events != nil {
			_ = s.Events.Publish(ctx, events.SubjectSliceBlocked, map[string]any{
				"client_order_id": slice.ClientOrderID,
				"symbol":          slice.Symbol,
				"reason_code":     reason,
			})
		}
	}
	parentID := ""
	if slice.ParentOrderID != nil {
		parentID = *slice.ParentOrderID
	}
	return s.rollUp(ctx, log, parentID)
}

func (s *Scheduler) rollUp(ctx context.Context, log *zap.Logger, parentID string) error {
	if parentID == "" || s.Executor == nil {
		return nil
	}
	if err := s.Executor.RollUp(ctx, parentID); err != nil {
		log.Warn("parent roll-up failed", zap.Error(err))
	}
	return nil
}

// CancelParent disarms every timer of a parent and cancels the slices that
// are still pending_new. Slices already at the broker are left alone.
func (s *Scheduler) CancelParent(ctx context.Context, parentOrderID string) (int, error) {
	s.mu.Lock()
	for id, e := range s.timers {
		if e.parentID == parentOrderID {
			e.timer.Stop()
			delete(s.timers, id)
		}
	}
	s.mu.Unlock()

	slices, err := s.Store.ListSlicesByParent(ctx, parentOrderID)
	if err != nil {
		return 0, err
	}
	canceled := 0
	for _, slice := range slices {
		if slice.Status != orders.StatusPendingNew {
			continue
		}
		res, err := s.Store.UpdateOrderStatus(ctx, repository.StatusUpdate{
			ClientOrderID: slice.ClientOrderID,
			Status:        orders.StatusCanceled,
			Source:        orders.SourceManual,
			ReasonCode:    orders.ReasonParentCanceled,
			RequireStatus: []orders.Status{orders.StatusPendingNew},
		})
		if err != nil {
			return canceled, err
		}
		if res.Applied {
			canceled++
			execution.PublishStatus(ctx, s.Events, s.logger(), res.Order)
		}
	}
	s.logger().Info("parent slices canceled",
		zap.String("parent_order_id", parentOrderID),
		zap.Int("canceled", canceled),
		zap.Int("total", len(slices)),
	)
	return canceled, nil
}
