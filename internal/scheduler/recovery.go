package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/broker"
	"tradecore/internal/metrics"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/repository"
)

// Recovery actions, also the slices_recovered_total label values.
const (
	ActionRearmed          = "rearmed"
	ActionExecuted         = "executed"
	ActionRescheduled      = "rescheduled_next_open"
	ActionExpired          = "expired"
	ActionOverdueExecuted  = "overdue_executed"
	ActionOverdueFailed    = "overdue_failed"
	ActionParentInactive   = "parent_inactive"
	ActionClockUnavailable = "clock_retry"
)

type clockFunc func() (*broker.Clock, error)

// Recover re-arms every pending_new slice after a restart. It must run after
// startup reconciliation so that slices the broker already holds are no
// longer pending_new. Client order ids are reused as persisted.
func (s *Scheduler) Recover(ctx context.Context) (map[string]int, error) {
	slices, err := repository.ListPendingSlices(ctx, s.Store)
	if err != nil {
		return nil, err
	}
	clock := s.clockOnce(ctx)
	report := make(map[string]int)
	for i := range slices {
		action, err := s.recoverSlice(ctx, &slices[i], clock)
		if err != nil {
			return report, err
		}
		report[action]++
		metrics.SlicesRecovered.WithLabelValues(action).Inc()
	}
	fields := []zap.Field{zap.Int("slices", len(slices))}
	for action, n := range report {
		fields = append(fields, zap.Int(action, n))
	}
	s.logger().Info("slice recovery complete", fields...)
	return report, nil
}

// clockOnce fetches the market clock at most once per recovery pass.
func (s *Scheduler) clockOnce(ctx context.Context) clockFunc {
	var (
		fetched bool
		clk     *broker.Clock
		err     error
	)
	return func() (*broker.Clock, error) {
		if fetched {
			return clk, err
		}
		fetched = true
		if s.Clock == nil {
			clk = &broker.Clock{IsOpen: true}
			return clk, nil
		}
		var c broker.Clock
		c, err = s.Clock.GetClock(ctx)
		if err == nil {
			clk = &c
		}
		return clk, err
	}
}

func (s *Scheduler) recoverSlice(ctx context.Context, slice *models.Order, clock clockFunc) (string, error) {
	parentID := ""
	if slice.ParentOrderID != nil {
		parentID = *slice.ParentOrderID
	}
	log := s.logger().With(
		zap.String("client_order_id", slice.ClientOrderID),
		zap.String("parent_order_id", parentID),
	)

	if parentID != "" {
		parent, err := s.Store.GetOrderByClientID(ctx, parentID)
		if err != nil {
			return "", err
		}
		if parent == nil || !orders.ParentAllowed(parent.Status) {
			return ActionParentInactive, s.finish(ctx, log, slice, orders.StatusCanceled, orders.ReasonParentInactive)
		}
	}

	now := s.now()
	scheduled := now
	if slice.ScheduledTime != nil {
		scheduled = *slice.ScheduledTime
	}
	if scheduled.After(now) {
		s.ScheduleAt(slice.ClientOrderID, parentID, scheduled)
		return ActionRearmed, nil
	}

	overdue := now.Sub(scheduled)
	clk, err := clock()
	if err != nil {
		delay := s.clockRetryDelay()
		log.Warn("market clock unavailable, retrying recovery", zap.Duration("retry_in", delay), zap.Error(err))
		s.arm(slice.ClientOrderID, parentID, now.Add(delay), s.recheck)
		return ActionClockUnavailable, nil
	}

	if !clk.IsOpen {
		if s.Config.MaxRecoveryAge > 0 && overdue > s.Config.MaxRecoveryAge {
			return ActionExpired, s.finish(ctx, log, slice, orders.StatusFailed, orders.ReasonRecoveryExpired)
		}
		if clk.NextOpen.IsZero() {
			s.arm(slice.ClientOrderID, parentID, now.Add(s.clockRetryDelay()), s.recheck)
			return ActionClockUnavailable, nil
		}
		log.Info("market closed, slice moved to next open", zap.Duration("overdue", overdue), zap.Time("at", clk.NextOpen))
		s.ScheduleAt(slice.ClientOrderID, parentID, clk.NextOpen)
		return ActionRescheduled, nil
	}

	grace := s.Config.GracePeriod
	if grace <= 0 {
		grace = 60 * time.Second
	}
	if overdue <= grace {
		s.ScheduleAt(slice.ClientOrderID, parentID, now)
		return ActionExecuted, nil
	}
	if s.Config.OverduePolicy == OverdueFail {
		return ActionOverdueFailed, s.finish(ctx, log, slice, orders.StatusFailed, orders.ReasonOverduePolicyFail)
	}
	log.Warn("executing slice past grace period", zap.Duration("overdue", overdue), zap.Duration("grace", grace))
	s.ScheduleAt(slice.ClientOrderID, parentID, now)
	return ActionOverdueExecuted, nil
}

// recheck re-runs recovery for one slice whose market clock lookup failed.
func (s *Scheduler) recheck(ctx context.Context, clientOrderID string) {
	slice, err := s.Store.GetOrderByClientID(ctx, clientOrderID)
	if err != nil || slice == nil || slice.Status != orders.StatusPendingNew {
		return
	}
	action, err := s.recoverSlice(ctx, slice, s.clockOnce(ctx))
	if err != nil {
		s.logger().Error("slice recovery retry failed", zap.String("client_order_id", clientOrderID), zap.Error(err))
		return
	}
	metrics.SlicesRecovered.WithLabelValues(action).Inc()
}

func (s *Scheduler) clockRetryDelay() time.Duration {
	if s.Config.ClockRetryDelay > 0 {
		return s.Config.ClockRetryDelay
	}
	return 30 * time.Second
}
