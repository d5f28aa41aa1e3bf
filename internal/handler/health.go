package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"tradecore/internal/readiness"
)

type HealthHandler struct {
	DB   *gorm.DB
	Gate *readiness.Gate
}

func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
}

// @Summary Health check
// @Tags health
// @Success 200 {object} map[string]string
// @Router /healthz [get]
func (h *HealthHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary Readiness check
// @Description Ready once the database answers and the readiness gate is open.
// @Tags health
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /readyz [get]
func (h *HealthHandler) ready(c *gin.Context) {
	if h.DB != nil {
		sqlDB, err := h.DB.DB()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_error"})
			return
		}
		if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
			return
		}
	}
	if h.Gate == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "gate_missing"})
		return
	}
	snap := h.Gate.Snapshot()
	if snap.State != readiness.StateReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "gate": snap.State})
		return
	}
	out := gin.H{"status": "ready", "gate": snap.State}
	if snap.Overridden() {
		out["override"] = true
	}
	c.JSON(http.StatusOK, out)
}
