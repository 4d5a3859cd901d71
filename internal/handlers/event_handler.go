package handlers

import (
	"net/http"

	"bizflow/internal/services"

	"github.com/gin-gonic/gin"
)

// EventHandler 入站领域事件接口
// 任何服务都可以投递 {type, payload}；引擎对事件来源一无所知。
type EventHandler struct {
	evaluator *services.TriggerEvaluator
}

func NewEventHandler(evaluator *services.TriggerEvaluator) *EventHandler {
	return &EventHandler{evaluator: evaluator}
}

// Receive evaluates one event and answers with the executions it fired.
// Chains run asynchronously; 202 means "recorded and started", not "done".
func (h *EventHandler) Receive(c *gin.Context) {
	var event services.DomainEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: err.Error()})
		return
	}
	fired, err := h.evaluator.OnEvent(c.Request.Context(), event)
	if err != nil {
		writeError(c, err)
		return
	}
	ids := make([]string, 0, len(fired))
	for _, execution := range fired {
		ids = append(ids, execution.ID)
	}
	c.JSON(http.StatusAccepted, gin.H{"executions": ids})
}

// RegisterEventRoutes 注册路由
func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler) {
	r.POST("/events", handler.Receive)
}
