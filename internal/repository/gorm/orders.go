package gormrepository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/repository"
)

var orderSortColumns = map[string]string{
	"id":             "id",
	"created_at":     "created_at",
	"scheduled_time": "scheduled_time",
	"symbol":         "symbol",
	"status":         "status",
}

func (s *Store) InsertOrder(ctx context.Context, item *models.Order) error {
	if s == nil || s.db == nil || item == nil || strings.TrimSpace(item.ClientOrderID) == "" {
		return repository.ErrInvalidInput
	}
	repository.NewOrderDefaults(item)
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		if isDuplicateKey(err) {
			return repository.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) InsertPlan(ctx context.Context, parent *models.Order, slices []models.Order) error {
	if s == nil || s.db == nil || parent == nil {
		return repository.ErrInvalidInput
	}
	repository.NewOrderDefaults(parent)
	for i := range slices {
		repository.NewOrderDefaults(&slices[i])
	}
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(parent).Error; err != nil {
			return err
		}
		if len(slices) == 0 {
			return nil
		}
		return tx.CreateInBatches(slices, 200).Error
	})
	if isDuplicateKey(err) {
		return repository.ErrDuplicate
	}
	return err
}

func (s *Store) GetOrderByClientID(ctx context.Context, clientOrderID string) (*models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Order
	err := s.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*models.Order, error) {
	if s == nil || s.db == nil || strings.TrimSpace(brokerOrderID) == "" {
		return nil, nil
	}
	var item models.Order
	err := s.db.WithContext(ctx).Where("broker_order_id = ?", brokerOrderID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func withScope(query *gorm.DB, scope repository.OrderScope) *gorm.DB {
	switch scope {
	case repository.ScopeStandalone:
		return query.Where("parent_order_id IS NULL AND total_slices = 0")
	case repository.ScopeSlices:
		return query.Where("parent_order_id IS NOT NULL")
	case repository.ScopeParents:
		return query.Where("parent_order_id IS NULL AND total_slices > 0")
	}
	return query
}

func (s *Store) ordersQuery(ctx context.Context, params repository.ListOrdersParams) *gorm.DB {
	query := withScope(s.db.WithContext(ctx).Model(&models.Order{}), params.Scope)
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Symbol != nil && strings.TrimSpace(*params.Symbol) != "" {
		query = query.Where("symbol = ?", strings.ToUpper(strings.TrimSpace(*params.Symbol)))
	}
	if params.StrategyID != nil && strings.TrimSpace(*params.StrategyID) != "" {
		query = query.Where("strategy_id = ?", strings.TrimSpace(*params.StrategyID))
	}
	if params.ParentOrderID != nil && strings.TrimSpace(*params.ParentOrderID) != "" {
		query = query.Where("parent_order_id = ?", strings.TrimSpace(*params.ParentOrderID))
	}
	return query
}

func (s *Store) ListOrders(ctx context.Context, params repository.ListOrdersParams) ([]models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.ordersQuery(ctx, params)
	query = applyOrder(query, orderSortColumns[params.OrderBy], params.Asc, "id")
	query = query.Limit(normalizeLimit(params.Limit, 50)).Offset(normalizeOffset(params.Offset))
	var items []models.Order
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountOrders(ctx context.Context, params repository.ListOrdersParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.ordersQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) ListSlicesByParent(ctx context.Context, parentOrderID string) ([]models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Order
	err := s.db.WithContext(ctx).
		Where("parent_order_id = ?", parentOrderID).
		Order("slice_num asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListOrdersByStatuses(ctx context.Context, statuses []orders.Status, scope repository.OrderScope, limit int) ([]models.Order, error) {
	if s == nil || s.db == nil || len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}
	query := withScope(s.db.WithContext(ctx).Model(&models.Order{}), scope).
		Where("status IN ?", values).
		Order("id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var items []models.Order
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateOrderStatus runs the conditional update under SELECT ... FOR UPDATE
// so concurrent writers serialize on the row.
func (s *Store) UpdateOrderStatus(ctx context.Context, req repository.StatusUpdate) (repository.CASResult, error) {
	if s == nil || s.db == nil {
		return repository.CASResult{}, repository.ErrInvalidInput
	}
	var res repository.CASResult
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		var row models.Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("client_order_id = ?", req.ClientOrderID).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return repository.ErrNotFound
		}
		if err != nil {
			return err
		}
		d := orders.Decide(row.State(), req.Update())
		if !d.Apply {
			res = repository.CASResult{Reason: d.Reason, Order: &row}
			return nil
		}
		repository.ApplyDecision(&row, req, d)
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		res = repository.CASResult{Applied: true, Order: &row}
		return nil
	})
	if err != nil {
		return repository.CASResult{}, err
	}
	repository.ObserveCAS(s.logger, req, res)
	return res, nil
}
