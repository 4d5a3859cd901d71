package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"bizflow/internal/models"
	"bizflow/internal/services"

	"github.com/gin-gonic/gin"
)

// ExecutionHandler 执行账本查询接口（只读 + 追加备注）
type ExecutionHandler struct {
	ledger *services.ExecutionService
	store  *services.AutomationService
}

func NewExecutionHandler(ledger *services.ExecutionService, store *services.AutomationService) *ExecutionHandler {
	return &ExecutionHandler{ledger: ledger, store: store}
}

// executionView expands the stored JSON columns for API consumers.
type executionView struct {
	*models.AutomationExecution
	TriggerPayload json.RawMessage          `json:"trigger_payload,omitempty"`
	Actions        []models.ExecutionAction `json:"actions"`
}

func toView(execution *models.AutomationExecution) executionView {
	actions, err := execution.DecodeActions()
	if err != nil {
		actions = nil
	}
	view := executionView{AutomationExecution: execution, Actions: actions}
	if execution.TriggerPayload != "" {
		view.TriggerPayload = json.RawMessage(execution.TriggerPayload)
	}
	return view
}

// Recent 最近的执行记录
func (h *ExecutionHandler) Recent(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	executions, err := h.ledger.FindRecent(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]executionView, 0, len(executions))
	for i := range executions {
		views = append(views, toView(&executions[i]))
	}
	c.JSON(http.StatusOK, views)
}

// Get 单条执行记录
func (h *ExecutionHandler) Get(c *gin.Context) {
	execution, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toView(execution))
}

// ByAutomation 按规则分页查询执行历史
func (h *ExecutionHandler) ByAutomation(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	executions, total, err := h.ledger.FindByAutomation(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]executionView, 0, len(executions))
	for i := range executions {
		views = append(views, toView(&executions[i]))
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     views,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// AddNote 在执行记录上追加备注
func (h *ExecutionHandler) AddNote(c *gin.Context) {
	var req services.NoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	req.ExecutionID = c.Param("id")
	req.AutomationID = ""
	note, err := h.store.AddNote(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

// ListNotes 执行记录上的备注
func (h *ExecutionHandler) ListNotes(c *gin.Context) {
	notes, err := h.store.ListNotes(c.Request.Context(), "", c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

// RegisterExecutionRoutes 注册路由
func RegisterExecutionRoutes(r *gin.RouterGroup, handler *ExecutionHandler) {
	exec := r.Group("/executions")
	{
		exec.GET("", handler.Recent)
		exec.GET(":id", handler.Get)
		exec.POST(":id/notes", handler.AddNote)
		exec.GET(":id/notes", handler.ListNotes)
	}
	r.GET("/automations/:id/executions", handler.ByAutomation)
}
