// 文件: pkg/api/response.go
// 统一响应格式

package api

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
	c.AbortWithStatusJSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// ErrorWithData 失败时仍带上部分结果 (运行汇总)
func ErrorWithData(c *gin.Context, status int, message string, data any) {
	c.AbortWithStatusJSON(status, apiResponse{
		Code:    status,
		Message: message,
		Data:    data,
	})
}
