package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/npcforge/internal/config"
	"github.com/xiaopang/npcforge/internal/core"
	"github.com/xiaopang/npcforge/internal/logger"
	"github.com/xiaopang/npcforge/internal/metrics"
	"github.com/xiaopang/npcforge/internal/model"
	"github.com/xiaopang/npcforge/internal/openai"
	"github.com/xiaopang/npcforge/internal/store"
	"github.com/xiaopang/npcforge/internal/usage"
)

// Upstream 生成所需的上游能力
type Upstream interface {
	ChatCompletion(ctx context.Context, req openai.ChatRequest) (*openai.ChatResult, error)
	GenerateImage(ctx context.Context, prompt string) (*model.Image, error)
	EditImage(ctx context.Context, image []byte, prompt string) (*model.Image, error)
}

// Handler NPC 生成与角色相关 API
type Handler struct {
	store   *store.Store
	tracker *usage.Tracker
	ai      Upstream
	metrics *metrics.Metrics
	cfg     atomic.Pointer[config.Config]
}

// NewHandler 创建处理器
func NewHandler(cfg *config.Config, st *store.Store, tracker *usage.Tracker, ai Upstream, m *metrics.Metrics) *Handler {
	h := &Handler{
		store:   st,
		tracker: tracker,
		ai:      ai,
		metrics: m,
	}
	h.cfg.Store(cfg)
	return h
}

// UpdateConfig 配置热加载
func (h *Handler) UpdateConfig(cfg *config.Config) {
	if cfg != nil {
		h.cfg.Store(cfg)
	}
}

func (h *Handler) config() *config.Config {
	return h.cfg.Load()
}

// AdmissionEnforced 供 AdmissionMiddleware 读取当前配置
func (h *Handler) AdmissionEnforced() bool {
	return h.config().Admission.Enforce
}

// limitReached 检查模型月度用量；未启用限制时总是 false
func (h *Handler) limitReached(cfg *config.Config, modelID string) (bool, usage.Status) {
	st := h.tracker.Status(modelID, cfg.LimitFor(modelID))
	return cfg.UsageEnforced() && st.Reached, st
}

// consume 记一次用量并更新指标
func (h *Handler) consume(cfg *config.Config, modelID string) usage.Status {
	rec := h.tracker.Increment(modelID)
	h.metrics.SetUsage(modelID, rec.Count)
	return usage.StatusOf(modelID, rec, cfg.LimitFor(modelID))
}

// respondLimitReached 月度上限 429
func respondLimitReached(c *gin.Context, st usage.Status) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": model.ErrorDetail{
			Message: "Monthly generation limit reached for " + st.Model,
			Type:    "usage_limit_error",
			Code:    "monthly_limit_reached",
		},
		"usage": st,
	})
}

// respondUpstreamError 将上游错误映射为响应
func respondUpstreamError(c *gin.Context, err error) int {
	var parseErr *openai.ParseError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		abortError(c, http.StatusGatewayTimeout, "upstream_error", "upstream_timeout", "Upstream request timed out")
		return http.StatusGatewayTimeout
	case openai.IsRateLimited(err):
		abortError(c, http.StatusTooManyRequests, "upstream_error", "upstream_rate_limited", err.Error())
		return http.StatusTooManyRequests
	case openai.IsAuth(err):
		abortError(c, http.StatusBadGateway, "upstream_error", "upstream_auth_failed", "Upstream rejected the configured API key")
		return http.StatusBadGateway
	case errors.As(err, &parseErr), errors.Is(err, core.ErrEmptyCharacter), errors.Is(err, openai.ErrResponseTooLarge):
		abortError(c, http.StatusBadGateway, "upstream_error", "invalid_upstream_response", err.Error())
		return http.StatusBadGateway
	default:
		abortError(c, http.StatusBadGateway, "upstream_error", "upstream_failed", err.Error())
		return http.StatusBadGateway
	}
}

func respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, "not_found_error", "character_not_found", "Character not found")
		return
	}
	logger.Error("store error", "error", err, "request_id", requestIDFromContext(c))
	abortError(c, http.StatusInternalServerError, "internal_error", "storage_error", "Storage error")
}

func respondBindError(c *gin.Context, err error) {
	abortError(c, http.StatusBadRequest, "invalid_request_error", "invalid_request", "Invalid request: "+err.Error())
}

// requestRecord 单次操作的日志字段
type requestRecord struct {
	op          model.Operation
	model       string
	characterID string
	status      int
	usage       model.Usage
	err         error
}

// logRequest 记录请求日志
func (h *Handler) logRequest(c *gin.Context, start time.Time, r requestRecord) {
	client := clientInfoFromContext(c)
	log := &model.RequestLog{
		ID:               core.GenerateLogID(),
		RequestID:        requestIDFromContext(c),
		Timestamp:        start,
		Operation:        r.op,
		Model:            r.model,
		CharacterID:      r.characterID,
		Success:          r.err == nil && r.status < 400,
		StatusCode:       r.status,
		LatencyMs:        time.Since(start).Milliseconds(),
		PromptTokens:     r.usage.PromptTokens,
		CompletionTokens: r.usage.CompletionTokens,
		TotalTokens:      r.usage.TotalTokens,
		ClientKey:        client.Key,
		OverLimit:        client.OverLimit,
	}
	if r.err != nil {
		log.Error = truncateText(r.err.Error(), maxLoggedError)
	}
	if err := h.store.SaveLog(log); err != nil {
		logger.Warn("save request log failed", "error", err, "request_id", log.RequestID)
	}
}
