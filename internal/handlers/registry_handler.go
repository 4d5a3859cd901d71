package handlers

import (
	"net/http"

	"bizflow/internal/services"

	"github.com/gin-gonic/gin"
)

// RegistryHandler 类型注册表的管理接口
type RegistryHandler struct {
	registry *services.TypeRegistry
	rewrite  *services.TypeRewriteService
}

func NewRegistryHandler(registry *services.TypeRegistry, rewrite *services.TypeRewriteService) *RegistryHandler {
	return &RegistryHandler{registry: registry, rewrite: rewrite}
}

// Snapshot 当前类型与重命名表
func (h *RegistryHandler) Snapshot(c *gin.Context) {
	types, renames := h.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{"types": types, "renames": renames})
}

type renameRequest struct {
	Old string `json:"old" binding:"required"`
	New string `json:"new" binding:"required"`
}

// Rename 登记一条重命名重定向
func (h *RegistryHandler) Rename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if err := h.registry.Rename(req.Old, req.New); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "rename registered"})
}

// Rewrite runs the one-time bulk rewrite of stored legacy type ids. Safe to
// repeat; the second pass finds nothing to change.
func (h *RegistryHandler) Rewrite(c *gin.Context) {
	stats, err := h.rewrite.RewriteAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RegisterRegistryRoutes 注册路由
func RegisterRegistryRoutes(r *gin.RouterGroup, handler *RegistryHandler) {
	reg := r.Group("/registry")
	{
		reg.GET("/types", handler.Snapshot)
		reg.POST("/renames", handler.Rename)
		reg.POST("/rewrite", handler.Rewrite)
	}
}
