package handlers

import (
	"errors"
	"net/http"

	"bizflow/internal/services"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// writeError maps engine errors to HTTP statuses. Administrators get the
// message, never a stack trace.
func writeError(c *gin.Context, err error) {
	var validationErr *services.ValidationError
	var configErr *services.ConfigError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid definition", Message: err.Error()})
	case errors.As(err, &configErr):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Type registry error", Message: err.Error()})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found", Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal error", Message: err.Error()})
	}
}
