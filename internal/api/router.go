package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/npcforge/internal/config"
	"github.com/xiaopang/npcforge/internal/core"
	"github.com/xiaopang/npcforge/internal/metrics"
)

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, h *Handler, admin *AdminHandler, filter *core.AdmissionFilter, m *metrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	admission := AdmissionMiddleware(filter, m, h.AdmissionEnforced)

	api := r.Group("/api")
	api.Use(AuthMiddleware(cfg.Server.APIKey))
	{
		// 调用上游的接口经过准入过滤
		api.POST("/generate", admission, h.Generate)
		api.POST("/characters/:id/portrait", admission, h.EditPortrait)
		api.POST("/characters/:id/chat", admission, h.Chat)

		api.GET("/characters", h.ListCharacters)
		api.GET("/characters/:id", h.GetCharacter)
		api.DELETE("/characters/:id", h.DeleteCharacter)
		api.GET("/characters/:id/portrait", h.GetPortrait)
		api.GET("/characters/:id/chat", h.GetChat)

		api.GET("/usage", h.GetUsage)
		api.GET("/usage/:model", h.GetModelUsage)
	}

	adm := r.Group("/admin")
	adm.Use(AuthMiddleware(cfg.Server.AdminAPIKey))
	{
		adm.GET("/status", admin.GetStatus)
		adm.POST("/upstream/test", admin.TestUpstream)
		adm.GET("/logs", admin.GetLogs)
		adm.GET("/stats", admin.GetStats)
		adm.GET("/config", admin.GetConfig)
	}

	r.GET("/metrics", gin.WrapH(m.Handler()))

	// 健康检查端点
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 静态文件服务（Web UI）
	webDir := cfg.Server.WebDir
	if webDir == "" {
		return r
	}
	if _, err := os.Stat(filepath.Join(webDir, "index.html")); err == nil {
		r.Static("/assets", filepath.Join(webDir, "assets"))

		// SPA fallback
		r.NoRoute(func(c *gin.Context) {
			p := c.Request.URL.Path
			if strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/admin/") {
				abortError(c, http.StatusNotFound, "not_found_error", "route_not_found", "Not found")
				return
			}
			c.File(filepath.Join(webDir, "index.html"))
		})
	}

	return r
}
