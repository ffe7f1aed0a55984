package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/npcforge/internal/core"
	"github.com/xiaopang/npcforge/internal/model"
	"github.com/xiaopang/npcforge/internal/store"
)

// AdminHandler 管理 API 处理器
type AdminHandler struct {
	handler *Handler
	health  *core.HealthChecker
	filter  *core.AdmissionFilter
	store   *store.Store
	started time.Time
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(handler *Handler, health *core.HealthChecker, filter *core.AdmissionFilter, store *store.Store) *AdminHandler {
	return &AdminHandler{
		handler: handler,
		health:  health,
		filter:  filter,
		store:   store,
		started: time.Now(),
	}
}

// GetStatus GET /admin/status
func (h *AdminHandler) GetStatus(c *gin.Context) {
	cfg := h.handler.config()
	window, limit := h.filter.Limits()
	tracked := h.filter.Size()
	h.handler.metrics.SetTrackedClients(tracked)

	characters, err := h.store.CountCharacters()
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"upstream":       h.health.Status(),
		"admission": gin.H{
			"tracked_clients": tracked,
			"window_ms":       window.Milliseconds(),
			"max_requests":    limit,
			"enforce":         cfg.Admission.Enforce,
		},
		"usage":      h.handler.usageStatuses(cfg),
		"characters": characters,
	})
}

// TestUpstream POST /admin/upstream/test
func (h *AdminHandler) TestUpstream(c *gin.Context) {
	st := h.health.Check(c.Request.Context())
	if st.State != model.HealthStateHealthy {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"error":   st.LastError,
			"status":  st,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": st})
}

// GetLogs GET /admin/logs
func (h *AdminHandler) GetLogs(c *gin.Context) {
	var query model.LogQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_request_error", "invalid_query", "Invalid query: "+err.Error())
		return
	}

	logs, err := h.store.QueryLogs(&query)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if logs == nil {
		logs = []*model.RequestLog{}
	}

	c.JSON(http.StatusOK, gin.H{"data": logs})
}

// GetStats GET /admin/stats
func (h *AdminHandler) GetStats(c *gin.Context) {
	days := queryInt(c, "days", 7, 1, 365)

	dailyStats, err := h.store.GetDailyStats(days)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	opStats, err := h.store.GetOperationStats(days)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"days":       days,
		"daily":      dailyStats,
		"operations": opStats,
	})
}

// GetConfig GET /admin/config，不含密钥
func (h *AdminHandler) GetConfig(c *gin.Context) {
	cfg := h.handler.config()
	c.JSON(http.StatusOK, gin.H{
		"server": gin.H{
			"host": cfg.Server.Host,
			"port": cfg.Server.Port,
		},
		"openai":       cfg.OpenAI,
		"usage":        cfg.Usage,
		"admission":    cfg.Admission,
		"chat":         cfg.Chat,
		"health_check": cfg.HealthCheck,
		"logging":      cfg.Logging,
	})
}
