package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradecore/internal/models"
	"tradecore/internal/repository"
)

func (s *Store) InsertOrphan(ctx context.Context, item *models.OrphanOrder) (bool, error) {
	if s == nil || s.db == nil || item == nil || strings.TrimSpace(item.BrokerOrderID) == "" {
		return false, repository.ErrInvalidInput
	}
	if item.Status == "" {
		item.Status = models.OrphanStatusUntracked
	}
	if item.StrategyID == "" {
		item.StrategyID = models.UnknownStrategy
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "broker_order_id"}},
		DoNothing: true,
	}).Create(item)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) GetOrphan(ctx context.Context, brokerOrderID string) (*models.OrphanOrder, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.OrphanOrder
	err := s.db.WithContext(ctx).Where("broker_order_id = ?", brokerOrderID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListOrphans(ctx context.Context, params repository.ListOrphansParams) ([]models.OrphanOrder, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.OrphanOrder{})
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Symbol != nil && strings.TrimSpace(*params.Symbol) != "" {
		query = query.Where("symbol = ?", strings.ToUpper(strings.TrimSpace(*params.Symbol)))
	}
	orderBy := ""
	switch params.OrderBy {
	case "detected_at", "symbol", "estimated_notional":
		orderBy = params.OrderBy
	}
	query = applyOrder(query, orderBy, params.Asc, "detected_at")
	query = query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeOffset(params.Offset))
	var items []models.OrphanOrder
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateOrphanFill(ctx context.Context, brokerOrderID string, filledQty, avgPrice decimal.Decimal, brokerStatus string) error {
	if s == nil || s.db == nil {
		return nil
	}
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if brokerStatus != "" {
		updates["broker_status"] = brokerStatus
	}
	result := s.db.WithContext(ctx).Model(&models.OrphanOrder{}).
		Where("broker_order_id = ?", brokerOrderID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return s.db.WithContext(ctx).Model(&models.OrphanOrder{}).
		Where("broker_order_id = ? AND filled_qty < ?", brokerOrderID, filledQty).
		Updates(map[string]any{"filled_qty": filledQty, "avg_fill_price": avgPrice}).Error
}

func (s *Store) ResolveOrphan(ctx context.Context, brokerOrderID, resolution, resolvedBy string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	result := s.db.WithContext(ctx).Model(&models.OrphanOrder{}).
		Where("broker_order_id = ? AND status = ?", brokerOrderID, models.OrphanStatusUntracked).
		Updates(map[string]any{
			"status":      models.OrphanStatusResolved,
			"resolution":  resolution,
			"resolved_by": resolvedBy,
			"resolved_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		existing, err := s.GetOrphan(ctx, brokerOrderID)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, repository.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) CountUnresolvedOrphans(ctx context.Context, symbol string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	err := s.db.WithContext(ctx).Model(&models.OrphanOrder{}).
		Where("symbol = ? AND status = ?", symbol, models.OrphanStatusUntracked).
		Count(&total).Error
	return total, err
}

func (s *Store) AddQuarantine(ctx context.Context, item *models.QuarantineEntry) error {
	if s == nil || s.db == nil || item == nil || item.Symbol == "" || item.StrategyID == "" {
		return repository.ErrInvalidInput
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "strategy_id"}, {Name: "symbol"}},
		DoNothing: true,
	}).Create(item).Error
}

func (s *Store) IsQuarantined(ctx context.Context, strategyID, symbol string) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	var total int64
	err := s.db.WithContext(ctx).Model(&models.QuarantineEntry{}).
		Where("symbol = ? AND strategy_id IN ?", symbol, []string{models.WildcardStrategy, strategyID}).
		Count(&total).Error
	if err != nil {
		return false, err
	}
	return total > 0, nil
}

func (s *Store) ClearQuarantine(ctx context.Context, symbol string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("symbol = ?", symbol).Delete(&models.QuarantineEntry{})
	return result.RowsAffected, result.Error
}

func (s *Store) ListQuarantine(ctx context.Context) ([]models.QuarantineEntry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.QuarantineEntry
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
