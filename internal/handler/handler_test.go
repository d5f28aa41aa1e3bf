package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradecore/internal/auth"
	"tradecore/internal/broker"
	"tradecore/internal/config"
	"tradecore/internal/events"
	"tradecore/internal/execution"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/readiness"
	"tradecore/internal/reconcile"
	"tradecore/internal/repository/memory"
	"tradecore/internal/risk"
	"tradecore/internal/scheduler"
	"tradecore/internal/service"
)

const webhookSecret = "hook-secret"

type apiFixture struct {
	router   *gin.Engine
	store    *memory.Store
	paper    *broker.Paper
	gate     *readiness.Gate
	jwt      auth.JWT
	settings *service.SystemSettingsService
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore(zap.NewNop())
	paper := broker.NewPaper()
	gate := readiness.New(paper, zap.NewNop())
	pub := &events.Memory{}
	settings := &service.SystemSettingsService{Repo: store}
	safety := &risk.Manager{Switches: settings}
	ex := &execution.Executor{Store: store, Broker: paper, Events: pub, Logger: zap.NewNop()}
	sched := &scheduler.Scheduler{Store: store, Executor: ex, Gate: gate, Safety: safety, Clock: paper, Logger: zap.NewNop()}
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)
	engine := &reconcile.Engine{
		Repo:     store,
		Broker:   paper,
		Gate:     gate,
		Events:   pub,
		Executor: ex,
		Logger:   zap.NewNop(),
		Config:   config.ReconciliationConfig{InitialLookback: time.Hour, OrphanMaxAge: time.Hour},
	}
	orderSvc := &service.OrderService{
		Repo:      store,
		Gate:      gate,
		Safety:    safety,
		Executor:  ex,
		Scheduler: sched,
		Settings:  settings,
		Logger:    zap.NewNop(),
		Config:    config.ExecutorConfig{Mode: service.ModeLive},
	}
	j := auth.JWT{Secret: []byte("test-secret")}

	r := gin.New()
	(&HealthHandler{Gate: gate}).Register(r)
	(&OrderHandler{Repo: store, Orders: orderSvc}).Register(r)
	(&ReconciliationHandler{Engine: engine, Auth: j}).Register(r)
	(&OrphanHandler{Repo: store, Engine: engine, Auth: j}).Register(r)
	(&PositionHandler{Repo: store}).Register(r)
	(&WebhookHandler{Updates: &service.TradeUpdateService{Repo: store, Executor: ex, Events: pub}, Secret: webhookSecret}).Register(r)
	(&SystemSettingsHandler{Settings: settings, Auth: j}).Register(r)

	return &apiFixture{router: r, store: store, paper: paper, gate: gate, jwt: j, settings: settings}
}

func (f *apiFixture) open() {
	f.gate.BeginReconciliation()
	f.gate.MarkReady()
}

func (f *apiFixture) token(t *testing.T, role string) string {
	t.Helper()
	tok, _, err := f.jwt.Sign(auth.Claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"}})
	require.NoError(t, err)
	return tok
}

type decoded struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    map[string]any  `json:"meta"`
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) (int, decoded) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var out decoded
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func TestSubmitOrder_GatedReturnsNotReady(t *testing.T) {
	f := newAPI(t)
	status, out := f.do(t, http.MethodPost, "/orders", gin.H{"symbol": "AAPL", "side": "buy", "qty": 10}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, orders.ReasonNotReady, out.Meta["reason_code"])
}

func TestSubmitOrder_DuplicateReturnsStoredRow(t *testing.T) {
	f := newAPI(t)
	f.open()
	body := gin.H{"symbol": "AAPL", "side": "buy", "qty": 10, "strategy_id": "alpha", "trade_date": "2026-03-02"}

	status, out := f.do(t, http.MethodPost, "/orders", body, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out.Meta["duplicate"])
	var first models.Order
	require.NoError(t, json.Unmarshal(out.Data, &first))
	assert.Equal(t, orders.StatusAccepted, first.Status)

	status, out = f.do(t, http.MethodPost, "/orders", body, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out.Meta["duplicate"])
	assert.Equal(t, orders.ReasonDuplicateOrder, out.Meta["reason_code"])
	assert.Equal(t, 1, f.paper.SubmitCount(first.ClientOrderID))

	status, _ = f.do(t, http.MethodGet, "/orders/"+first.ClientOrderID, nil, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodGet, "/orders/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSubmitOrder_InvalidBody(t *testing.T) {
	f := newAPI(t)
	f.open()
	status, out := f.do(t, http.MethodPost, "/orders", gin.H{"symbol": "AAPL", "side": "hold", "qty": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, orders.ReasonInvalidOrder, out.Meta["reason_code"])
}

func TestSliceLifecycle(t *testing.T) {
	f := newAPI(t)
	f.open()
	start := time.Now().Add(time.Hour).UTC()

	status, out := f.do(t, http.MethodPost, "/orders/slice", gin.H{
		"symbol":           "MSFT",
		"side":             "sell",
		"qty":              103,
		"duration":         5,
		"interval_seconds": 60,
		"start_at":         start,
	}, nil)
	require.Equal(t, http.StatusOK, status, out.Message)
	var data struct {
		Plan struct {
			ParentOrderID string `json:"parent_order_id"`
			Slices        []struct {
				Qty int64 `json:"qty"`
			} `json:"slices"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &data))
	require.Len(t, data.Plan.Slices, 5)
	assert.Equal(t, int64(21), data.Plan.Slices[0].Qty)
	assert.Equal(t, int64(20), data.Plan.Slices[4].Qty)

	parentID := data.Plan.ParentOrderID
	status, out = f.do(t, http.MethodGet, "/orders/"+parentID+"/slices", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 5, out.Meta["total"])

	status, out = f.do(t, http.MethodDelete, "/orders/"+parentID+"/slices", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 5, out.Meta["slices_canceled"])
}

func TestForceCompleteRequiresOperator(t *testing.T) {
	f := newAPI(t)

	status, _ := f.do(t, http.MethodPost, "/reconciliation/force-complete", gin.H{"reason": "broker outage"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodPost, "/reconciliation/force-complete", gin.H{"reason": "broker outage"}, bearer(f.token(t, "viewer")))
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = f.do(t, http.MethodPost, "/reconciliation/force-complete", gin.H{}, bearer(f.token(t, auth.RoleOperator)))
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/reconciliation/force-complete", gin.H{"reason": "broker outage"}, bearer(f.token(t, auth.RoleOperator)))
	require.Equal(t, http.StatusOK, status)
	assert.True(t, f.gate.Snapshot().Overridden())

	status, out := f.do(t, http.MethodGet, "/reconciliation/status", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var st reconcile.Status
	require.NoError(t, json.Unmarshal(out.Data, &st))
	require.NotNil(t, st.LastOverride)
	assert.Equal(t, "ops", st.LastOverride.Operator)
}

func TestReconciliationRunOpensGate(t *testing.T) {
	f := newAPI(t)
	status, _ := f.do(t, http.MethodPost, "/reconciliation/run", nil, bearer(f.token(t, auth.RoleOperator)))
	require.Equal(t, http.StatusOK, status)
	assert.True(t, f.gate.IsReady())

	status, out := f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, status, out.Message)
}

func TestReadyzGated(t *testing.T) {
	f := newAPI(t)
	status, _ := f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	status, _ = f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestWebhookTradeUpdate(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertOrder(ctx, &models.Order{
		ClientOrderID: "c-1",
		StrategyID:    "alpha",
		Symbol:        "AAPL",
		Side:          orders.SideBuy,
		OrderType:     orders.TypeMarket,
		Qty:           10,
		Status:        orders.StatusAccepted,
	}))
	payload := gin.H{
		"event":        "fill",
		"position_qty": "10",
		"order": gin.H{
			"id":               "b-1",
			"client_order_id":  "c-1",
			"symbol":           "AAPL",
			"side":             "buy",
			"type":             "market",
			"qty":              "10",
			"filled_qty":       "10",
			"filled_avg_price": "187.5",
			"status":           "filled",
			"updated_at":       time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		},
	}

	status, _ := f.do(t, http.MethodPost, "/webhooks/broker/trade-updates", payload, map[string]string{webhookSecretHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, out := f.do(t, http.MethodPost, "/webhooks/broker/trade-updates", payload, map[string]string{webhookSecretHeader: webhookSecret})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, true, out.Meta["applied"])

	got, err := f.store.GetOrderByClientID(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, got.Status)
	assert.Equal(t, orders.SourceWebhook, got.SourcePriority)

	status, out = f.do(t, http.MethodGet, "/positions", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, out.Meta["total"])
}

func TestSwitches(t *testing.T) {
	f := newAPI(t)

	status, _ := f.do(t, http.MethodPut, "/system-settings/switches/kill_switch", gin.H{"enabled": true}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodPut, "/system-settings/switches/kill_switch", gin.H{"enabled": true}, bearer(f.token(t, auth.RoleOperator)))
	require.Equal(t, http.StatusOK, status)
	assert.True(t, f.settings.IsEnabled(context.Background(), risk.KeyKillSwitch, false))

	status, out := f.do(t, http.MethodGet, "/system-settings/switches/kill_switch", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var sw struct {
		Enabled bool `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &sw))
	assert.True(t, sw.Enabled)

	status, _ = f.do(t, http.MethodGet, "/system-settings/switches/self_destruct", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// An engaged kill switch is persisted as a blocked order.
	f.open()
	status, out = f.do(t, http.MethodPost, "/orders", gin.H{"symbol": "AAPL", "side": "buy", "qty": 10}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, orders.ReasonKillSwitch, out.Meta["reason_code"])
}

func TestResolveOrphan(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	_, err := f.store.InsertOrphan(ctx, &models.OrphanOrder{BrokerOrderID: "x-1", Symbol: "TSLA", Side: "buy", Qty: decimal.NewFromInt(5), DetectedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, f.store.AddQuarantine(ctx, &models.QuarantineEntry{StrategyID: models.WildcardStrategy, Symbol: "TSLA"}))

	status, out := f.do(t, http.MethodGet, "/orphans", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, out.Meta["count"])

	status, _ = f.do(t, http.MethodPost, "/orphans/x-1/resolve", gin.H{"action": "adopt"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	tok := bearer(f.token(t, auth.RoleOperator))
	status, _ = f.do(t, http.MethodPost, "/orphans/x-1/resolve", gin.H{"action": "ignore"}, tok)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, "/orphans/missing/resolve", gin.H{"action": "adopt"}, tok)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodPost, "/orphans/x-1/resolve", gin.H{"action": "adopt", "strategy_id": "alpha"}, tok)
	require.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodPost, "/orphans/x-1/resolve", gin.H{"action": "adopt"}, tok)
	assert.Equal(t, http.StatusConflict, status)

	blocked, err := f.store.IsQuarantined(ctx, "alpha", "TSLA")
	require.NoError(t, err)
	assert.False(t, blocked)
}
