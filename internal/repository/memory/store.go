package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/repository"
)

// Store is an in-memory implementation of repository.Repository. It backs
// tests and local paper runs; every read returns a copy.
type Store struct {
	logger *zap.Logger

	mu         sync.RWMutex
	nextID     uint64
	orders     map[string]*models.Order // keyed by client_order_id
	orphans    map[string]*models.OrphanOrder
	quarantine map[string]*models.QuarantineEntry // keyed by strategy|symbol
	positions  map[string]*models.Position
	syncStates map[string]*models.SyncState
	audits     []models.OverrideAudit
	settings   map[string]*models.SystemSetting
}

var _ repository.Repository = (*Store)(nil)

func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:     logger,
		orders:     make(map[string]*models.Order),
		orphans:    make(map[string]*models.OrphanOrder),
		quarantine: make(map[string]*models.QuarantineEntry),
		positions:  make(map[string]*models.Position),
		syncStates: make(map[string]*models.SyncState),
		settings:   make(map[string]*models.SystemSetting),
	}
}

func (s *Store) id() uint64 {
	s.nextID++
	return s.nextID
}

// --- orders -----------------------------------------------------------------

func (s *Store) InsertOrder(_ context.Context, item *models.Order) error {
	if item == nil || strings.TrimSpace(item.ClientOrderID) == "" {
		return repository.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(item)
}

func (s *Store) insertLocked(item *models.Order) error {
	if _, ok := s.orders[item.ClientOrderID]; ok {
		return repository.ErrDuplicate
	}
	repository.NewOrderDefaults(item)
	now := time.Now().UTC()
	item.ID = s.id()
	item.CreatedAt = now
	item.UpdatedAt = now
	cp := *item
	s.orders[item.ClientOrderID] = &cp
	return nil
}

func (s *Store) InsertPlan(_ context.Context, parent *models.Order, slices []models.Order) error {
	if parent == nil || parent.ClientOrderID == "" {
		return repository.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[parent.ClientOrderID]; ok {
		return repository.ErrDuplicate
	}
	for i := range slices {
		if _, ok := s.orders[slices[i].ClientOrderID]; ok {
			return repository.ErrDuplicate
		}
	}
	if err := s.insertLocked(parent); err != nil {
		return err
	}
	for i := range slices {
		if err := s.insertLocked(&slices[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetOrderByClientID(_ context.Context, clientOrderID string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.orders[clientOrderID]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (s *Store) GetOrderByBrokerID(_ context.Context, brokerOrderID string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.orders {
		if item.BrokerOrderID != nil && *item.BrokerOrderID == brokerOrderID {
			cp := *item
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) filterOrders(params repository.ListOrdersParams) []models.Order {
	out := make([]models.Order, 0)
	for _, item := range s.orders {
		if !inScope(*item, params.Scope) {
			continue
		}
		if params.Status != nil && string(item.Status) != *params.Status {
			continue
		}
		if params.Symbol != nil && item.Symbol != *params.Symbol {
			continue
		}
		if params.StrategyID != nil && item.StrategyID != *params.StrategyID {
			continue
		}
		if params.ParentOrderID != nil && (item.ParentOrderID == nil || *item.ParentOrderID != *params.ParentOrderID) {
			continue
		}
		out = append(out, *item)
	}
	asc := params.Asc != nil && *params.Asc
	sort.Slice(out, func(i, j int) bool {
		if asc {
			return out[i].ID < out[j].ID
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *Store) ListOrders(_ context.Context, params repository.ListOrdersParams) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(s.filterOrders(params), params.Limit, params.Offset), nil
}

func (s *Store) CountOrders(_ context.Context, params repository.ListOrdersParams) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.filterOrders(params))), nil
}

func (s *Store) ListSlicesByParent(_ context.Context, parentOrderID string) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Order, 0)
	for _, item := range s.orders {
		if item.ParentOrderID != nil && *item.ParentOrderID == parentOrderID {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SliceNum < out[j].SliceNum })
	return out, nil
}

func (s *Store) ListOrdersByStatuses(_ context.Context, statuses []orders.Status, scope repository.OrderScope, limit int) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[orders.Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	out := make([]models.Order, 0)
	for _, item := range s.orders {
		if _, ok := want[item.Status]; !ok || !inScope(*item, scope) {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, req repository.StatusUpdate) (repository.CASResult, error) {
	s.mu.Lock()
	row, ok := s.orders[req.ClientOrderID]
	if !ok {
		s.mu.Unlock()
		return repository.CASResult{}, repository.ErrNotFound
	}
	d := orders.Decide(row.State(), req.Update())
	var res repository.CASResult
	if d.Apply {
		repository.ApplyDecision(row, req, d)
		row.UpdatedAt = time.Now().UTC()
		res.Applied = true
	} else {
		res.Reason = d.Reason
	}
	cp := *row
	res.Order = &cp
	s.mu.Unlock()

	repository.ObserveCAS(s.logger, req, res)
	return res, nil
}

func inScope(item models.Order, scope repository.OrderScope) bool {
	switch scope {
	case repository.ScopeStandalone:
		return !item.IsSlice() && item.TotalSlices == 0
	case repository.ScopeSlices:
		return item.IsSlice()
	case repository.ScopeParents:
		return item.IsParent()
	}
	return true
}

// --- orphans & quarantine ---------------------------------------------------

func (s *Store) InsertOrphan(_ context.Context, item *models.OrphanOrder) (bool, error) {
	if item == nil || item.BrokerOrderID == "" {
		return false, repository.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orphans[item.BrokerOrderID]; ok {
		return false, nil
	}
	if item.Status == "" {
		item.Status = models.OrphanStatusUntracked
	}
	if item.StrategyID == "" {
		item.StrategyID = models.UnknownStrategy
	}
	item.ID = s.id()
	cp := *item
	s.orphans[item.BrokerOrderID] = &cp
	return true, nil
}

func (s *Store) GetOrphan(_ context.Context, brokerOrderID string) (*models.OrphanOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.orphans[brokerOrderID]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (s *Store) ListOrphans(_ context.Context, params repository.ListOrphansParams) ([]models.OrphanOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.OrphanOrder, 0)
	for _, item := range s.orphans {
		if params.Status != nil && item.Status != *params.Status {
			continue
		}
		if params.Symbol != nil && item.Symbol != *params.Symbol {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, params.Limit, params.Offset), nil
}

func (s *Store) UpdateOrphanFill(_ context.Context, brokerOrderID string, filledQty, avgPrice decimal.Decimal, brokerStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.orphans[brokerOrderID]
	if !ok {
		return repository.ErrNotFound
	}
	if filledQty.GreaterThan(item.FilledQty) {
		item.FilledQty = filledQty
		item.AvgFillPrice = avgPrice
	}
	if brokerStatus != "" {
		item.BrokerStatus = brokerStatus
	}
	return nil
}

func (s *Store) ResolveOrphan(_ context.Context, brokerOrderID, resolution, resolvedBy string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.orphans[brokerOrderID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if item.Status != models.OrphanStatusUntracked {
		return false, nil
	}
	item.Status = models.OrphanStatusResolved
	item.Resolution = resolution
	item.ResolvedBy = resolvedBy
	ts := at
	item.ResolvedAt = &ts
	return true, nil
}

func (s *Store) CountUnresolvedOrphans(_ context.Context, symbol string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, item := range s.orphans {
		if item.Symbol == symbol && item.Status == models.OrphanStatusUntracked {
			n++
		}
	}
	return n, nil
}

func quarantineKey(strategyID, symbol string) string {
	return strategyID + "|" + symbol
}

func (s *Store) AddQuarantine(_ context.Context, item *models.QuarantineEntry) error {
	if item == nil || item.Symbol == "" || item.StrategyID == "" {
		return repository.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := quarantineKey(item.StrategyID, item.Symbol)
	if _, ok := s.quarantine[key]; ok {
		return nil
	}
	item.ID = s.id()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	cp := *item
	s.quarantine[key] = &cp
	return nil
}

func (s *Store) IsQuarantined(_ context.Context, strategyID, symbol string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.quarantine[quarantineKey(models.WildcardStrategy, symbol)]; ok {
		return true, nil
	}
	_, ok := s.quarantine[quarantineKey(strategyID, symbol)]
	return ok, nil
}

func (s *Store) ClearQuarantine(_ context.Context, symbol string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, item := range s.quarantine {
		if item.Symbol == symbol {
			delete(s.quarantine, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListQuarantine(_ context.Context) ([]models.QuarantineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.QuarantineEntry, 0, len(s.quarantine))
	for _, item := range s.quarantine {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- positions, sync state, audit, settings ----------------------------------

func (s *Store) GetPosition(_ context.Context, symbol string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (s *Store) ListPositions(_ context.Context) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Position, 0, len(s.positions))
	for _, item := range s.positions {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Store) UpsertPosition(_ context.Context, item *models.Position) error {
	if item == nil || item.Symbol == "" {
		return repository.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.positions[item.Symbol]; ok {
		item.ID = existing.ID
	} else {
		item.ID = s.id()
	}
	cp := *item
	s.positions[item.Symbol] = &cp
	return nil
}

func (s *Store) SetPositionQty(_ context.Context, symbol string, qty decimal.Decimal, at time.Time) error {
	if symbol == "" {
		return repository.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.positions[symbol]; ok {
		existing.Qty = qty
		existing.SyncedAt = at
		return nil
	}
	s.positions[symbol] = &models.Position{ID: s.id(), Symbol: symbol, Qty: qty, SyncedAt: at}
	return nil
}

func (s *Store) GetSyncState(_ context.Context, scope string) (*models.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.syncStates[scope]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (s *Store) SaveSyncState(_ context.Context, state *models.SyncState) error {
	if state == nil || state.Scope == "" {
		return repository.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.syncStates[state.Scope] = &cp
	return nil
}

func (s *Store) InsertOverrideAudit(_ context.Context, item *models.OverrideAudit) error {
	if item == nil || item.ID == "" {
		return repository.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *item)
	return nil
}

func (s *Store) ListOverrideAudits(_ context.Context, limit int) ([]models.OverrideAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.OverrideAudit, 0, len(s.audits))
	for i := len(s.audits) - 1; i >= 0; i-- {
		out = append(out, s.audits[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpsertSystemSetting(_ context.Context, item *models.SystemSetting) error {
	if item == nil || strings.TrimSpace(item.Key) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.settings[item.Key]; ok {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	} else {
		item.ID = s.id()
	}
	cp := *item
	s.settings[item.Key] = &cp
	return nil
}

func (s *Store) GetSystemSettingByKey(_ context.Context, key string) (*models.SystemSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.settings[strings.TrimSpace(key)]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (s *Store) ListSystemSettings(_ context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SystemSetting, 0, len(s.settings))
	for _, item := range s.settings {
		if params.Prefix != nil && !strings.HasPrefix(item.Key, *params.Prefix) {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return paginate(out, params.Limit, params.Offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
