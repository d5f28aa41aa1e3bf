package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradecore/internal/auth"
	"tradecore/internal/readiness"
	"tradecore/internal/reconcile"
)

type ReconciliationHandler struct {
	Engine *reconcile.Engine
	Auth   auth.JWT
}

func (h *ReconciliationHandler) Register(r *gin.Engine) {
	g := r.Group("/reconciliation")
	g.GET("/status", h.status)
	op := g.Group("", auth.RequireOperator(h.Auth))
	op.POST("/run", h.run)
	op.POST("/force-complete", h.forceComplete)
}

// @Summary Reconciliation and readiness status
// @Tags reconciliation
// @Produce json
// @Success 200 {object} apiResponse
// @Router /reconciliation/status [get]
func (h *ReconciliationHandler) status(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusServiceUnavailable, "reconciliation unavailable", nil)
		return
	}
	out, err := h.Engine.Status(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, out, nil)
}

// @Summary Run reconciliation now
// @Description Startup reconciliation while the gate is closed, a periodic pass afterwards.
// @Tags reconciliation
// @Produce json
// @Security BearerAuth
// @Success 200 {object} apiResponse
// @Router /reconciliation/run [post]
func (h *ReconciliationHandler) run(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusServiceUnavailable, "reconciliation unavailable", nil)
		return
	}
	runErr := h.Engine.Tick(c.Request.Context())
	out, err := h.Engine.Status(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if runErr != nil {
		c.JSON(http.StatusBadGateway, apiResponse{Code: http.StatusBadGateway, Message: runErr.Error(), Data: out})
		return
	}
	Ok(c, out, nil)
}

type forceCompleteRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// @Summary Force the readiness gate open
// @Description Manual override with a mandatory reason; the operator comes from the bearer token and the action is audited.
// @Tags reconciliation
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body forceCompleteRequest true "override reason"
// @Success 200 {object} apiResponse
// @Router /reconciliation/force-complete [post]
func (h *ReconciliationHandler) forceComplete(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusServiceUnavailable, "reconciliation unavailable", nil)
		return
	}
	var req forceCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "reason is required", nil)
		return
	}
	claims, _ := auth.ClaimsFromContext(c)
	snap, err := h.Engine.ForceComplete(c.Request.Context(), claims.Operator(), req.Reason)
	if errors.Is(err, readiness.ErrOverrideAudit) {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, snap, nil)
}
