package handlers

import (
	"net/http"

	"bizflow/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler 自动化规则的管理接口
// 校验在服务层完成；这里只做绑定和错误翻译。
type AutomationHandler struct {
	service *services.AutomationService
}

func NewAutomationHandler(service *services.AutomationService) *AutomationHandler {
	return &AutomationHandler{service: service}
}

// List 获取规则列表
func (h *AutomationHandler) List(c *gin.Context) {
	var filter services.AutomationListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	automations, total, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     automations,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	})
}

// Get 获取单条规则
func (h *AutomationHandler) Get(c *gin.Context) {
	automation, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, automation)
}

// Create 新建规则
func (h *AutomationHandler) Create(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	automation, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, automation)
}

// Update 覆盖更新（last-write-wins）
func (h *AutomationHandler) Update(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	automation, err := h.service.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, automation)
}

// Archive 归档（软删除）
func (h *AutomationHandler) Archive(c *gin.Context) {
	if err := h.service.Archive(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "archived"})
}

// AddNote 追加备注
func (h *AutomationHandler) AddNote(c *gin.Context) {
	var req services.NoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	req.AutomationID = c.Param("id")
	note, err := h.service.AddNote(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

// ListNotes 列出备注
func (h *AutomationHandler) ListNotes(c *gin.Context) {
	notes, err := h.service.ListNotes(c.Request.Context(), c.Param("id"), "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.List)
		auto.POST("", handler.Create)
		auto.GET(":id", handler.Get)
		auto.PUT(":id", handler.Update)
		auto.DELETE(":id", handler.Archive)
		auto.POST(":id/notes", handler.AddNote)
		auto.GET(":id/notes", handler.ListNotes)
	}
}
