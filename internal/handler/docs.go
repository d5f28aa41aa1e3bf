package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DocsHandler serves the operator runbook at /docs. The full API reference
// lives under /swagger.
type DocsHandler struct{}

func (h *DocsHandler) Register(r *gin.Engine) {
	r.GET("/docs", h.runbook)
}

func (h *DocsHandler) runbook(c *gin.Context) {
	c.Header("Content-Type", "text/markdown; charset=utf-8")
	c.String(http.StatusOK, runbook)
}

const runbook = `# Tradecore Executor

## Startup

The executor starts GATED. New orders are rejected with reason_code
not_ready until startup reconciliation has confirmed every order whose
broker outcome is unknown. Reduce-only orders are admitted while gated
when they shrink the effective position (broker position plus open
orders). Cancels are always accepted.

Check progress:
- GET /readyz
- GET /reconciliation/status

## Manual override

If the broker cannot be reconciled and trading must resume:

    POST /reconciliation/force-complete
    Authorization: Bearer <operator token>
    {"reason": "..."}

The override is audited and shown on /reconciliation/status until the
next restart. Orders accepted under override carry override_flag=true.

## Orphans

Broker orders with no local row become orphans and quarantine their
symbol for every strategy. Resolve them:

    POST /orphans/{broker_order_id}/resolve
    {"action": "adopt" | "cancel", "strategy_id": "..."}

The symbol is released once it has no unresolved orphan left. Unfilled
orphans that the broker reports closed are auto-resolved after
reconciliation.orphan_max_age.

## Safety switches

    PUT /system-settings/switches/kill_switch      {"enabled": true}
    PUT /system-settings/switches/circuit_breaker  {"enabled": true}

Either switch blocks new orders and every pending TWAP slice. A blocked
slice cancels its parent's remaining slices.

## Routes

- POST /orders, GET /orders, GET /orders/{id}, POST /orders/{id}/cancel
- POST /orders/slice, GET|DELETE /orders/{id}/slices
- GET /reconciliation/status, POST /reconciliation/run
- GET /orphans, GET /quarantine, GET /positions
- POST /webhooks/broker/trade-updates (X-Webhook-Secret)
- GET /metrics, GET /swagger/index.html
`
