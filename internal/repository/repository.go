package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/models"
	"tradecore/internal/orders"
)

// OrderStore holds orders and their status history. Every status mutation
// goes through UpdateOrderStatus.
type OrderStore interface {
	InsertOrder(ctx context.Context, item *models.Order) error
	InsertPlan(ctx context.Context, parent *models.Order, slices []models.Order) error
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*models.Order, error)
	GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*models.Order, error)
	ListOrders(ctx context.Context, params ListOrdersParams) ([]models.Order, error)
	CountOrders(ctx context.Context, params ListOrdersParams) (int64, error)
	ListSlicesByParent(ctx context.Context, parentOrderID string) ([]models.Order, error)
	ListOrdersByStatuses(ctx context.Context, statuses []orders.Status, scope OrderScope, limit int) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, req StatusUpdate) (CASResult, error)
}

type OrphanStore interface {
	// InsertOrphan is idempotent on broker_order_id; created reports whether
	// a new row was written.
	InsertOrphan(ctx context.Context, item *models.OrphanOrder) (created bool, err error)
	GetOrphan(ctx context.Context, brokerOrderID string) (*models.OrphanOrder, error)
	ListOrphans(ctx context.Context, params ListOrphansParams) ([]models.OrphanOrder, error)
	UpdateOrphanFill(ctx context.Context, brokerOrderID string, filledQty, avgPrice decimal.Decimal, brokerStatus string) error
	ResolveOrphan(ctx context.Context, brokerOrderID, resolution, resolvedBy string, at time.Time) (bool, error)
	CountUnresolvedOrphans(ctx context.Context, symbol string) (int64, error)
}

type QuarantineStore interface {
	AddQuarantine(ctx context.Context, item *models.QuarantineEntry) error
	// IsQuarantined matches the exact strategy scope or the wildcard scope.
	IsQuarantined(ctx context.Context, strategyID, symbol string) (bool, error)
	ClearQuarantine(ctx context.Context, symbol string) (int64, error)
	ListQuarantine(ctx context.Context) ([]models.QuarantineEntry, error)
}

type PositionStore interface {
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)
	ListPositions(ctx context.Context) ([]models.Position, error)
	UpsertPosition(ctx context.Context, item *models.Position) error
	// SetPositionQty moves only the quantity and sync time, keeping the
	// prices last synced from the broker.
	SetPositionQty(ctx context.Context, symbol string, qty decimal.Decimal, at time.Time) error
}

type SyncStateStore interface {
	GetSyncState(ctx context.Context, scope string) (*models.SyncState, error)
	SaveSyncState(ctx context.Context, state *models.SyncState) error
}

type AuditStore interface {
	InsertOverrideAudit(ctx context.Context, item *models.OverrideAudit) error
	ListOverrideAudits(ctx context.Context, limit int) ([]models.OverrideAudit, error)
}

type SettingsStore interface {
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	ListSystemSettings(ctx context.Context, params ListSystemSettingsParams) ([]models.SystemSetting, error)
}

// Repository is the full persistence surface of the executor.
type Repository interface {
	OrderStore
	OrphanStore
	QuarantineStore
	PositionStore
	SyncStateStore
	AuditStore
	SettingsStore
}

type OrderScope int

const (
	ScopeAll OrderScope = iota
	// ScopeStandalone is orders that are neither parents nor slices.
	ScopeStandalone
	ScopeSlices
	ScopeParents
)

type ListOrdersParams struct {
	Limit         int
	Offset        int
	Status        *string
	Symbol        *string
	StrategyID    *string
	ParentOrderID *string
	Scope         OrderScope
	OrderBy       string
	Asc           *bool
}

type ListOrphansParams struct {
	Limit   int
	Offset  int
	Status  *string
	Symbol  *string
	OrderBy string
	Asc     *bool
}

type ListSystemSettingsParams struct {
	Limit   int
	Offset  int
	Prefix  *string
	OrderBy string
	Asc     *bool
}

// StatusUpdate is a conditional status transition for one order.
type StatusUpdate struct {
	ClientOrderID   string
	Status          orders.Status
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	BrokerUpdatedAt *time.Time
	Source          orders.Source
	// RequireStatus, when set, is checked under the row lock.
	RequireStatus []orders.Status

	BrokerOrderID *string
	ReasonCode    string
	ErrorMessage  string
	SubmittedAt   *time.Time
	FilledAt      *time.Time
}

func (r StatusUpdate) Update() orders.Update {
	return orders.Update{
		Status:        r.Status,
		FilledQty:     r.FilledQty,
		AvgFillPrice:  r.AvgFillPrice,
		UpdatedAt:     r.BrokerUpdatedAt,
		Source:        r.Source,
		RequireStatus: r.RequireStatus,
	}
}

type CASResult struct {
	Applied bool
	Reason  orders.SkipReason
	// Order is the row as persisted after the call.
	Order *models.Order
}

// ListPendingSlices returns every slice still waiting for its timer.
func ListPendingSlices(ctx context.Context, store OrderStore) ([]models.Order, error) {
	return store.ListOrdersByStatuses(ctx, []orders.Status{orders.StatusPendingNew}, ScopeSlices, 0)
}
