package api

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/npcforge/internal/config"
	"github.com/xiaopang/npcforge/internal/usage"
)

func (h *Handler) usageStatuses(cfg *config.Config) []usage.Status {
	models := cfg.TrackedModels()
	out := make([]usage.Status, 0, len(models))
	for _, m := range models {
		st := h.tracker.Status(m, cfg.LimitFor(m))
		h.metrics.SetUsage(m, st.Count)
		out = append(out, st)
	}
	return out
}

// GetUsage GET /api/usage
func (h *Handler) GetUsage(c *gin.Context) {
	cfg := h.config()
	statuses := h.usageStatuses(cfg)
	period := ""
	if len(statuses) > 0 {
		period = statuses[0].PeriodKey
	}
	c.JSON(http.StatusOK, gin.H{
		"period":   period,
		"enforced": cfg.UsageEnforced(),
		"data":     statuses,
	})
}

// GetModelUsage GET /api/usage/:model
func (h *Handler) GetModelUsage(c *gin.Context) {
	cfg := h.config()
	m := c.Param("model")
	if !slices.Contains(cfg.TrackedModels(), m) {
		abortError(c, http.StatusNotFound, "not_found_error", "unknown_model", "Model is not tracked: "+m)
		return
	}
	st := h.tracker.Status(m, cfg.LimitFor(m))
	h.metrics.SetUsage(m, st.Count)
	c.JSON(http.StatusOK, st)
}
