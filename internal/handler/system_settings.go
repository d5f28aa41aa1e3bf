package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tradecore/internal/auth"
	"tradecore/internal/repository"
	"tradecore/internal/service"
)

type SystemSettingsHandler struct {
	Settings *service.SystemSettingsService
	Auth     auth.JWT
	Logger   *zap.Logger
}

func (h *SystemSettingsHandler) Register(r *gin.Engine) {
	g := r.Group("/system-settings")
	g.GET("/switches/:name", h.getSwitch)
	g.PUT("/switches/:name", auth.RequireOperator(h.Auth), h.putSwitch)
	g.GET("/executor-mode", h.getMode)
	g.PUT("/executor-mode", auth.RequireOperator(h.Auth), h.putMode)
}

// @Summary Read a safety switch
// @Tags system-settings
// @Produce json
// @Param name path string true "kill_switch or circuit_breaker"
// @Success 200 {object} apiResponse
// @Router /system-settings/switches/{name} [get]
func (h *SystemSettingsHandler) getSwitch(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	name := strings.TrimSpace(c.Param("name"))
	key, err := service.SwitchKey(name)
	if err != nil {
		Error(c, http.StatusNotFound, err.Error(), nil)
		return
	}
	enabled, found, err := h.Settings.Switch(c.Request.Context(), key)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{
		"name":    name,
		"key":     key,
		"enabled": enabled,
	}, map[string]any{"found": found})
}

type putSwitchRequest struct {
	Enabled bool `json:"enabled"`
}

// @Summary Set a safety switch
// @Tags system-settings
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param name path string true "kill_switch or circuit_breaker"
// @Param body body putSwitchRequest true "switch state"
// @Success 200 {object} apiResponse
// @Router /system-settings/switches/{name} [put]
func (h *SystemSettingsHandler) putSwitch(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	name := strings.TrimSpace(c.Param("name"))
	key, err := service.SwitchKey(name)
	if err != nil {
		Error(c, http.StatusNotFound, err.Error(), nil)
		return
	}
	var req putSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if err := h.Settings.SetEnabled(c.Request.Context(), key, req.Enabled); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	claims, _ := auth.ClaimsFromContext(c)
	if h.Logger != nil {
		h.Logger.Warn("safety switch changed",
			zap.String("key", key),
			zap.Bool("enabled", req.Enabled),
			zap.String("operator", claims.Operator()),
		)
	}
	Ok(c, map[string]any{
		"name":    name,
		"key":     key,
		"enabled": req.Enabled,
	}, nil)
}

// @Summary Read the executor mode
// @Tags system-settings
// @Produce json
// @Success 200 {object} apiResponse
// @Router /system-settings/executor-mode [get]
func (h *SystemSettingsHandler) getMode(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	mode := h.Settings.ExecutorMode(c.Request.Context(), service.ModeLive)
	Ok(c, map[string]any{"mode": mode}, nil)
}

type putModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// @Summary Set the executor mode
// @Tags system-settings
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body putModeRequest true "live or dry-run"
// @Success 200 {object} apiResponse
// @Router /system-settings/executor-mode [put]
func (h *SystemSettingsHandler) putMode(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	var req putModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if err := h.Settings.SetExecutorMode(c.Request.Context(), req.Mode); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, repository.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		Error(c, status, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{"mode": req.Mode}, nil)
}
