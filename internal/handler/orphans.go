package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tradecore/internal/auth"
	"tradecore/internal/reconcile"
	"tradecore/internal/repository"
)

type OrphanHandler struct {
	Repo   repository.Repository
	Engine *reconcile.Engine
	Auth   auth.JWT
}

func (h *OrphanHandler) Register(r *gin.Engine) {
	r.GET("/orphans", h.list)
	r.GET("/quarantine", h.quarantine)
	r.POST("/orphans/:broker_order_id/resolve", auth.RequireOperator(h.Auth), h.resolve)
}

// @Summary List orphan broker orders
// @Tags orphans
// @Produce json
// @Param status query string false "untracked or resolved"
// @Param symbol query string false "symbol"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /orphans [get]
func (h *OrphanHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	params := repository.ListOrphansParams{
		Limit:   limit,
		Offset:  offset,
		Status:  stringQueryPtr(c, "status"),
		Symbol:  stringQueryPtr(c, "symbol"),
		OrderBy: "detected_at",
		Asc:     boolPtr(false),
	}
	items, err := h.Repo.ListOrphans(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"limit": limit, "offset": offset, "count": len(items)})
}

// @Summary List quarantined symbols
// @Tags orphans
// @Produce json
// @Success 200 {object} apiResponse
// @Router /quarantine [get]
func (h *OrphanHandler) quarantine(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListQuarantine(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

type resolveOrphanRequest struct {
	Action     string `json:"action" binding:"required"`
	StrategyID string `json:"strategy_id"`
}

// @Summary Resolve an orphan order
// @Description adopt records the order locally; cancel cancels it at the broker. The symbol leaves quarantine once no orphan remains.
// @Tags orphans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param broker_order_id path string true "broker order id"
// @Param body body resolveOrphanRequest true "resolution"
// @Success 200 {object} apiResponse
// @Router /orphans/{broker_order_id}/resolve [post]
func (h *OrphanHandler) resolve(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusServiceUnavailable, "reconciliation unavailable", nil)
		return
	}
	var req resolveOrphanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	claims, _ := auth.ClaimsFromContext(c)
	item, err := h.Engine.ResolveOrphan(c.Request.Context(),
		strings.TrimSpace(c.Param("broker_order_id")),
		strings.ToLower(strings.TrimSpace(req.Action)),
		claims.Operator(),
		strings.TrimSpace(req.StrategyID),
	)
	switch {
	case errors.Is(err, reconcile.ErrInvalidAction):
		Error(c, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, reconcile.ErrOrphanNotFound):
		Error(c, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, reconcile.ErrOrphanResolved):
		Error(c, http.StatusConflict, err.Error(), nil)
	case err != nil:
		Error(c, http.StatusBadGateway, err.Error(), nil)
	default:
		Ok(c, item, nil)
	}
}
