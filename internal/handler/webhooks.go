package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tradecore/internal/broker"
	"tradecore/internal/client/alpaca"
	"tradecore/internal/service"
)

const webhookSecretHeader = "X-Webhook-Secret"

type WebhookHandler struct {
	Updates *service.TradeUpdateService
	Secret  string
	Logger  *zap.Logger
}

func (h *WebhookHandler) Register(r *gin.Engine) {
	r.POST("/webhooks/broker/trade-updates", h.tradeUpdate)
}

// @Summary Broker trade update webhook
// @Description Applies the pushed order state with webhook precedence.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-Webhook-Secret header string true "shared secret"
// @Success 200 {object} apiResponse
// @Router /webhooks/broker/trade-updates [post]
func (h *WebhookHandler) tradeUpdate(c *gin.Context) {
	if h.Updates == nil {
		Error(c, http.StatusServiceUnavailable, "trade updates unavailable", nil)
		return
	}
	if h.Secret == "" {
		Error(c, http.StatusServiceUnavailable, "webhook secret not configured", nil)
		return
	}
	got := c.GetHeader(webhookSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.Secret)) != 1 {
		Error(c, http.StatusUnauthorized, "invalid webhook secret", nil)
		return
	}
	var payload alpaca.TradeUpdate
	if err := c.ShouldBindJSON(&payload); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	order, positionQty := broker.FromTradeUpdate(payload)
	res, matched, err := h.Updates.Apply(c.Request.Context(), service.TradeUpdate{
		Event:       payload.Event,
		Order:       order,
		PositionQty: positionQty,
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("webhook trade update failed",
				zap.String("event", payload.Event),
				zap.String("client_order_id", order.ClientOrderID),
				zap.Error(err),
			)
		}
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	meta := map[string]any{"matched": matched, "applied": res.Applied}
	if !res.Applied && res.Reason != "" {
		meta["skip_reason"] = res.Reason
	}
	var data any
	if res.Order != nil {
		data = res.Order
	}
	Ok(c, data, meta)
}
