package api

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/npcforge/internal/core"
	"github.com/xiaopang/npcforge/internal/logger"
	"github.com/xiaopang/npcforge/internal/model"
)

// ListCharacters GET /api/characters
func (h *Handler) ListCharacters(c *gin.Context) {
	limit := queryInt(c, "limit", 50, 1, 200)
	offset := queryInt(c, "offset", 0, 0, 1<<30)

	chars, err := h.store.ListCharacters(limit, offset)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	total, err := h.store.CountCharacters()
	if err != nil {
		respondStoreError(c, err)
		return
	}

	items := make([]model.CharacterSummary, 0, len(chars))
	for _, ch := range chars {
		items = append(items, ch.Summary())
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "total": total})
}

// GetCharacter GET /api/characters/:id
func (h *Handler) GetCharacter(c *gin.Context) {
	char, err := h.store.GetCharacter(c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, char)
}

// DeleteCharacter DELETE /api/characters/:id
func (h *Handler) DeleteCharacter(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DeleteCharacter(id); err != nil {
		respondStoreError(c, err)
		return
	}
	logger.Info("character deleted", "character", id, "request_id", requestIDFromContext(c))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetPortrait GET /api/characters/:id/portrait，返回 PNG
func (h *Handler) GetPortrait(c *gin.Context) {
	char, err := h.store.GetCharacter(c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	switch {
	case char.PortraitB64 != "":
		data, err := base64.StdEncoding.DecodeString(char.PortraitB64)
		if err != nil {
			abortError(c, http.StatusInternalServerError, "internal_error", "corrupt_portrait", "Stored portrait is not valid base64")
			return
		}
		c.Header("Cache-Control", "private, max-age=300")
		c.Data(http.StatusOK, "image/png", data)
	case char.PortraitURL != "":
		c.Redirect(http.StatusFound, char.PortraitURL)
	default:
		abortError(c, http.StatusNotFound, "not_found_error", "portrait_not_found", "Character has no portrait")
	}
}

// EditPortrait POST /api/characters/:id/portrait
//
// 已有立绘时按指令修改，否则按指令生成新立绘。
func (h *Handler) EditPortrait(c *gin.Context) {
	start := time.Now()
	cfg := h.config()
	imageModel := cfg.OpenAI.ImageModel

	var req model.EditPortraitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	char, err := h.store.GetCharacter(c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}

	op := model.OpPortrait
	if char.PortraitB64 != "" {
		op = model.OpEditPortrait
	}

	if reached, st := h.limitReached(cfg, imageModel); reached {
		h.logRequest(c, start, requestRecord{op: op, model: imageModel, characterID: char.ID, status: http.StatusTooManyRequests, err: errLimitReached})
		respondLimitReached(c, st)
		return
	}

	var (
		img    *model.Image
		prompt string
	)
	if op == model.OpEditPortrait {
		data, derr := base64.StdEncoding.DecodeString(char.PortraitB64)
		if derr != nil {
			abortError(c, http.StatusInternalServerError, "internal_error", "corrupt_portrait", "Stored portrait is not valid base64")
			return
		}
		prompt = core.BuildEditPrompt(req.Instruction)
		img, err = h.ai.EditImage(c.Request.Context(), data, prompt)
	} else {
		prompt = core.BuildPortraitPrompt(&char.Sheet, req.Instruction)
		img, err = h.ai.GenerateImage(c.Request.Context(), prompt)
	}
	if err != nil {
		logger.Warn("portrait request failed", "character", char.ID, "op", op, "error", err, "request_id", requestIDFromContext(c))
		status := respondUpstreamError(c, err)
		h.logRequest(c, start, requestRecord{op: op, model: imageModel, characterID: char.ID, status: status, err: err})
		return
	}

	if err := h.store.UpdatePortrait(char.ID, *img, prompt); err != nil {
		h.logRequest(c, start, requestRecord{op: op, model: imageModel, characterID: char.ID, status: 500, err: err})
		respondStoreError(c, err)
		return
	}
	char.PortraitB64, char.PortraitURL, char.PortraitPrompt = img.B64JSON, img.URL, prompt

	st := h.consume(cfg, imageModel)
	h.logRequest(c, start, requestRecord{op: op, model: imageModel, characterID: char.ID, status: http.StatusOK})
	c.JSON(http.StatusOK, gin.H{"character": char, "usage": st})
}

func queryInt(c *gin.Context, key string, def, lo, hi int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
