package handlers

import (
	"net/http"
	"time"

	"bizflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler 健康检查与指标快照
type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Health reports engine liveness. Store corruption is the one condition the
// engine treats as fatal, so a db ping failure reports unhealthy.
func (h *HealthHandler) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK

	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status": status,
		"time":   time.Now().UTC(),
	})
}

// Metrics 计数器快照
func (h *HealthHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, metrics.Snapshot())
}

// RegisterHealthRoutes 注册路由
func RegisterHealthRoutes(r *gin.Engine, handler *HealthHandler, metricsPath string) {
	r.GET("/health", handler.Health)
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.GET(metricsPath, handler.Metrics)
}
