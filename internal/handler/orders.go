package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"tradecore/internal/auth"
	"tradecore/internal/orders"
	"tradecore/internal/readiness"
	"tradecore/internal/repository"
	"tradecore/internal/service"
	"tradecore/internal/slicing"
)

type OrderHandler struct {
	Repo   repository.Repository
	Orders *service.OrderService
}

func (h *OrderHandler) Register(r *gin.Engine) {
	g := r.Group("/orders")
	g.POST("", h.submit)
	g.GET("", h.list)
	g.POST("/slice", h.slice)
	g.GET("/:id", h.get)
	g.GET("/:id/slices", h.listSlices)
	g.DELETE("/:id/slices", h.cancelSlices)
	g.POST("/:id/cancel", h.cancel)
}

type submitOrderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	StrategyID    string           `json:"strategy_id"`
	Symbol        string           `json:"symbol" binding:"required"`
	Side          string           `json:"side" binding:"required"`
	Qty           int64            `json:"qty" binding:"required"`
	OrderType     string           `json:"order_type"`
	LimitPrice    *decimal.Decimal `json:"limit_price" swaggertype:"string"`
	StopPrice     *decimal.Decimal `json:"stop_price" swaggertype:"string"`
	TimeInForce   string           `json:"time_in_force"`
	ReduceOnly    bool             `json:"reduce_only"`
	TradeDate     string           `json:"trade_date"`
}

type sliceOrderRequest struct {
	StrategyID      string           `json:"strategy_id"`
	Symbol          string           `json:"symbol" binding:"required"`
	Side            string           `json:"side" binding:"required"`
	Qty             int64            `json:"qty" binding:"required"`
	Duration        int              `json:"duration" binding:"required"`
	IntervalSeconds int              `json:"interval_seconds"`
	StartAt         *time.Time       `json:"start_at"`
	OrderType       string           `json:"order_type"`
	LimitPrice      *decimal.Decimal `json:"limit_price" swaggertype:"string"`
	StopPrice       *decimal.Decimal `json:"stop_price" swaggertype:"string"`
	TimeInForce     string           `json:"time_in_force"`
	ReduceOnly      bool             `json:"reduce_only"`
	TradeDate       string           `json:"trade_date"`
}

// rejectStatus maps order-path errors to HTTP statuses.
func rejectStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidOrder), errors.Is(err, slicing.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, readiness.ErrNotReady), errors.Is(err, readiness.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, readiness.ErrNotReduceOnly),
		errors.Is(err, service.ErrQuarantined),
		errors.Is(err, service.ErrKillSwitch),
		errors.Is(err, service.ErrCircuitBreaker),
		errors.Is(err, repository.ErrDuplicate):
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

// @Summary Submit an order
// @Description Rejected with 503 not_ready while reconciliation is incomplete, unless reduce_only.
// @Tags orders
// @Accept json
// @Produce json
// @Param body body submitOrderRequest true "order"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Failure 503 {object} apiResponse
// @Router /orders [post]
func (h *OrderHandler) submit(c *gin.Context) {
	if h.Orders == nil {
		Error(c, http.StatusServiceUnavailable, "order service unavailable", nil)
		return
	}
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Reject(c, http.StatusBadRequest, "invalid body", orders.ReasonInvalidOrder, nil)
		return
	}
	res, reason, err := h.Orders.SubmitOrder(c.Request.Context(), service.OrderRequest{
		ClientOrderID: req.ClientOrderID,
		StrategyID:    req.StrategyID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		OrderType:     req.OrderType,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		ReduceOnly:    req.ReduceOnly,
		TradeDate:     req.TradeDate,
	})
	if err != nil {
		var data any
		if res.Order != nil {
			data = res.Order
		}
		Reject(c, rejectStatus(err), err.Error(), reason, data)
		return
	}
	meta := map[string]any{"duplicate": res.Duplicate}
	if reason != "" {
		meta["reason_code"] = reason
	}
	if res.Outcome != "" {
		meta["outcome"] = res.Outcome
	}
	Ok(c, res.Order, meta)
}

// @Summary Submit a TWAP order
// @Description Splits the order into equal slices at a fixed interval and returns the full plan.
// @Tags orders
// @Accept json
// @Produce json
// @Param body body sliceOrderRequest true "twap order"
// @Success 200 {object} apiResponse
// @Router /orders/slice [post]
func (h *OrderHandler) slice(c *gin.Context) {
	if h.Orders == nil {
		Error(c, http.StatusServiceUnavailable, "order service unavailable", nil)
		return
	}
	var req sliceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Reject(c, http.StatusBadRequest, "invalid body", orders.ReasonInvalidOrder, nil)
		return
	}
	res, reason, err := h.Orders.SubmitTWAP(c.Request.Context(), service.TWAPRequest{
		StrategyID:  req.StrategyID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Qty:         req.Qty,
		Duration:    req.Duration,
		Interval:    time.Duration(req.IntervalSeconds) * time.Second,
		Start:       req.StartAt,
		OrderType:   req.OrderType,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		TimeInForce: req.TimeInForce,
		ReduceOnly:  req.ReduceOnly,
		TradeDate:   req.TradeDate,
	})
	if err != nil {
		Reject(c, rejectStatus(err), err.Error(), reason, nil)
		return
	}
	meta := map[string]any{"duplicate": res.Duplicate, "dry_run": res.DryRun}
	if reason != "" {
		meta["reason_code"] = reason
	}
	Ok(c, gin.H{
		"plan":   res.Plan,
		"parent": res.Parent,
		"slices": res.Slices,
	}, meta)
}

// @Summary List orders
// @Tags orders
// @Produce json
// @Param status query string false "status"
// @Param symbol query string false "symbol"
// @Param strategy_id query string false "strategy id"
// @Param scope query string false "standalone, slices or parents"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /orders [get]
func (h *OrderHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListOrdersParams{
		Limit:      limit,
		Offset:     offset,
		Status:     stringQueryPtr(c, "status"),
		Symbol:     stringQueryPtr(c, "symbol"),
		StrategyID: stringQueryPtr(c, "strategy_id"),
		OrderBy:    "created_at",
		Asc:        boolPtr(false),
	}
	if params.Symbol != nil {
		upper := strings.ToUpper(*params.Symbol)
		params.Symbol = &upper
	}
	switch strings.TrimSpace(c.Query("scope")) {
	case "standalone":
		params.Scope = repository.ScopeStandalone
	case "slices":
		params.Scope = repository.ScopeSlices
	case "parents":
		params.Scope = repository.ScopeParents
	}
	items, err := h.Repo.ListOrders(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountOrders(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

// @Summary Get an order by client order id
// @Tags orders
// @Produce json
// @Param id path string true "client order id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /orders/{id} [get]
func (h *OrderHandler) get(c *gin.Context) {
	if h.Orders == nil {
		Error(c, http.StatusServiceUnavailable, "order service unavailable", nil)
		return
	}
	item, err := h.Orders.GetOrder(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		Error(c, rejectStatus(err), err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

// @Summary List the slices of a TWAP parent
// @Tags orders
// @Produce json
// @Param id path string true "parent client order id"
// @Success 200 {object} apiResponse
// @Router /orders/{id}/slices [get]
func (h *OrderHandler) listSlices(c *gin.Context) {
	if h.Orders == nil {
		Error(c, http.StatusServiceUnavailable, "order service unavailable", nil)
		return
	}
	items, err := h.Orders.ListSlices(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		Error(c, rejectStatus(err), err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"total": len(items)})
}

// @Summary Cancel the pending slices of a TWAP parent
// @Description Always permitted, including while the readiness gate is closed.
// @Tags orders
// @Produce json
// @Param id path string true "parent client order id"
// @Success 200 {object} apiResponse
// @Router /orders/{id}/slices [delete]
func (h *OrderHandler) cancelSlices(c *gin.Context) {
	if h.Orders == nil {
		Error(c, http.StatusServiceUnavailable, "order service unavailable", nil)
		return
	}
	parent, n, err := h.Orders.CancelParent(c.Request.Context(), strings.TrimSpace(c.Param("id")), requestOperator(c))
	if err != nil {
		Error(c, rejectStatus(err), err.Error(), nil)
		return
	}
	Ok(c, parent, map[string]any{"slices_canceled": n})
}

// @Summary Cancel an order
// @Description Always permitted, including while the readiness gate is closed.
// @Tags orders
// @Produce json
// @Param id path string true "client order id"
// @Success 200 {object} apiResponse
// @Router /orders/{id}/cancel [post]
func (h *OrderHandler) cancel(c *gin.Context) {
	if h.Orders == nil {
		Error(c, http.StatusServiceUnavailable, "order service unavailable", nil)
		return
	}
	item, err := h.Orders.CancelOrder(c.Request.Context(), strings.TrimSpace(c.Param("id")), requestOperator(c))
	if err != nil {
		Error(c, rejectStatus(err), err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

// requestOperator names the caller for logs. Cancel routes are open, so an
// unauthenticated caller is recorded as "api".
func requestOperator(c *gin.Context) string {
	if claims, ok := auth.ClaimsFromContext(c); ok {
		return claims.Operator()
	}
	return "api"
}
