package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tradecore/internal/repository"
)

type PositionHandler struct {
	Repo repository.Repository
}

func (h *PositionHandler) Register(r *gin.Engine) {
	r.GET("/positions", h.list)
}

// @Summary List local positions
// @Description Positions as last synced from the broker by reconciliation or trade updates.
// @Tags positions
// @Produce json
// @Success 200 {object} apiResponse
// @Router /positions [get]
func (h *PositionHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListPositions(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"total": len(items)})
}
