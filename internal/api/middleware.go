package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/npcforge/internal/core"
	"github.com/xiaopang/npcforge/internal/logger"
	"github.com/xiaopang/npcforge/internal/metrics"
	"github.com/xiaopang/npcforge/internal/model"
)

const (
	// RequestIDKey gin context 中的请求 ID
	RequestIDKey = "request_id"
	// ClientInfoKey gin context 中的 *model.ClientInfo
	ClientInfoKey = "client_info"

	requestIDHeader = "X-Request-ID"
)

// AuthMiddleware API Key 认证中间件
func AuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 如果未设置 API Key，跳过认证
		if apiKey == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			abortError(c, 401, "authentication_error", "missing_api_key", "Missing Authorization header")
			return
		}

		// 兼容不带 Bearer 前缀的写法
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != apiKey {
			abortError(c, 401, "authentication_error", "invalid_api_key", "Invalid API key")
			return
		}

		c.Next()
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "error", fmt.Sprint(err), "path", c.Request.URL.Path,
					"request_id", requestIDFromContext(c))
				abortError(c, 500, "internal_error", "internal_error", "Internal server error")
			}
		}()
		c.Next()
	}
}

// RequestIDMiddleware 透传或生成 X-Request-ID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = core.NewRequestID()
		}
		c.Set(RequestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// LoggerMiddleware 请求日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		kvs := []any{
			"status", status,
			"latency", time.Since(start).Round(time.Microsecond),
			"method", c.Request.Method,
			"path", path,
			"request_id", requestIDFromContext(c),
		}
		switch {
		case status >= 500:
			logger.Error("http", kvs...)
		case status >= 400:
			logger.Warn("http", kvs...)
		default:
			logger.Debug("http", kvs...)
		}
	}
}

// AdmissionMiddleware 按客户端记录请求频率。默认只记录不拦截；
// enforce 返回 true 时超限请求直接返回 429。
func AdmissionMiddleware(filter *core.AdmissionFilter, m *metrics.Metrics, enforce func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := core.ClientKey(c.Request)
		over := filter.IsOverLimit(key)
		if m != nil {
			m.RecordAdmission(over, filter.Size())
		}
		c.Set(ClientInfoKey, &model.ClientInfo{Key: key, OverLimit: over})

		if !over {
			c.Next()
			return
		}

		window, limit := filter.Limits()
		logger.Warn("client over admission limit", "client", key, "limit", limit, "window", window,
			"path", c.Request.URL.Path, "request_id", requestIDFromContext(c))

		if enforce != nil && enforce() {
			c.Header("Retry-After", fmt.Sprint(int(window.Seconds())))
			abortError(c, 429, "rate_limit_error", "too_many_requests",
				fmt.Sprintf("Too many requests: limit is %d per %s", limit, window))
			return
		}
		c.Next()
	}
}

// requestIDFromContext gets request id from gin context (if present).
func requestIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(RequestIDKey)
}

// clientInfoFromContext 由 AdmissionMiddleware 写入；未经过时按请求头推断
func clientInfoFromContext(c *gin.Context) *model.ClientInfo {
	if v, ok := c.Get(ClientInfoKey); ok {
		if ci, ok := v.(*model.ClientInfo); ok {
			return ci
		}
	}
	return &model.ClientInfo{Key: core.ClientKey(c.Request)}
}

// abortError 以 OpenAI 风格错误体中止请求
func abortError(c *gin.Context, status int, errType, code, message string) {
	c.AbortWithStatusJSON(status, model.NewError(errType, code, message))
}
