package broker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"tradecore/internal/metrics"
	"tradecore/internal/retry"
	"tradecore/internal/telemetry"
)

const DefaultCallTimeout = 5 * time.Second

// Retrying wraps a gateway with one retry policy. Each attempt gets its own
// timeout, independent of the backoff between attempts.
type Retrying struct {
	Next    Gateway
	Policy  retry.Policy
	Timeout time.Duration
	Logger  *zap.Logger
}

var _ Gateway = (*Retrying)(nil)

func NewRetrying(next Gateway, policy retry.Policy, timeout time.Duration, logger *zap.Logger) *Retrying {
	if policy.Retryable == nil {
		policy.Retryable = IsTransient
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{Next: next, Policy: policy, Timeout: timeout, Logger: logger}
}

func (r *Retrying) call(ctx context.Context, op string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := telemetry.Tracer().Start(ctx, "broker."+op)
	defer span.End()
	span.SetAttributes(attrs...)

	attempts := 0
	err := r.Policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.Timeout)
		defer cancel()
		err := fn(attemptCtx)
		if err != nil && IsTransient(err) {
			r.Logger.Debug("broker call failed, may retry",
				zap.String("op", op),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
		}
		return err
	})
	span.SetAttributes(attribute.Int("attempts", attempts))

	outcome := outcomeOf(err)
	metrics.BrokerRequests.WithLabelValues(op, outcome).Inc()
	if err != nil && outcome != "not_found" {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if outcome == "exhausted" {
		r.Logger.Warn("broker call retries exhausted", zap.String("op", op), zap.Int("attempts", attempts), zap.Error(err))
	}
	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case IsRejection(err):
		return "rejected"
	case retry.IsExhausted(err):
		return "exhausted"
	}
	return "error"
}

func (r *Retrying) Submit(ctx context.Context, req OrderRequest) (*Order, error) {
	var out *Order
	err := r.call(ctx, "submit", func(ctx context.Context) error {
		o, err := r.Next.Submit(ctx, req)
		out = o
		return err
	}, attribute.String("client_order_id", req.ClientOrderID), attribute.String("symbol", req.Symbol))
	return out, err
}

func (r *Retrying) Cancel(ctx context.Context, clientOrderID string) error {
	return r.call(ctx, "cancel", func(ctx context.Context) error {
		return r.Next.Cancel(ctx, clientOrderID)
	}, attribute.String("client_order_id", clientOrderID))
}

func (r *Retrying) CancelByBrokerID(ctx context.Context, brokerOrderID string) error {
	return r.call(ctx, "cancel_by_broker_id", func(ctx context.Context) error {
		return r.Next.CancelByBrokerID(ctx, brokerOrderID)
	}, attribute.String("broker_order_id", brokerOrderID))
}

func (r *Retrying) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	var out *Order
	err := r.call(ctx, "get_order", func(ctx context.Context) error {
		o, err := r.Next.GetOrderByClientID(ctx, clientOrderID)
		out = o
		return err
	}, attribute.String("client_order_id", clientOrderID))
	return out, err
}

func (r *Retrying) ListOpenOrders(ctx context.Context) ([]Order, error) {
	var out []Order
	err := r.call(ctx, "list_open_orders", func(ctx context.Context) error {
		items, err := r.Next.ListOpenOrders(ctx)
		out = items
		return err
	})
	return out, err
}

func (r *Retrying) ListAllOrders(ctx context.Context, req ListOrdersRequest) (OrdersPage, error) {
	var out OrdersPage
	err := r.call(ctx, "list_all_orders", func(ctx context.Context) error {
		page, err := r.Next.ListAllOrders(ctx, req)
		out = page
		return err
	})
	return out, err
}

func (r *Retrying) GetOpenPosition(ctx context.Context, symbol string) (Position, error) {
	var out Position
	err := r.call(ctx, "get_position", func(ctx context.Context) error {
		p, err := r.Next.GetOpenPosition(ctx, symbol)
		out = p
		return err
	}, attribute.String("symbol", symbol))
	return out, err
}

func (r *Retrying) ListAllPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := r.call(ctx, "list_positions", func(ctx context.Context) error {
		items, err := r.Next.ListAllPositions(ctx)
		out = items
		return err
	})
	return out, err
}

func (r *Retrying) GetClock(ctx context.Context) (Clock, error) {
	var out Clock
	err := r.call(ctx, "get_clock", func(ctx context.Context) error {
		c, err := r.Next.GetClock(ctx)
		out = c
		return err
	})
	return out, err
}
