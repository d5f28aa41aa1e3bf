package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// Reject is Error with a machine-readable reason code in meta. data, when
// set, carries the persisted row for rejections that still wrote one.
func Reject(c *gin.Context, status int, message, reason string, data any) {
	meta := map[string]any{}
	if reason != "" {
		meta["reason_code"] = reason
	}
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Data:    data,
		Meta:    meta,
	})
}
