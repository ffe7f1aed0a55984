package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/npcforge/internal/core"
	"github.com/xiaopang/npcforge/internal/logger"
	"github.com/xiaopang/npcforge/internal/model"
	"github.com/xiaopang/npcforge/internal/openai"
)

const generateTemperature = 0.9

var errLimitReached = errors.New("monthly limit reached")

// Generate POST /api/generate
func (h *Handler) Generate(c *gin.Context) {
	start := time.Now()
	cfg := h.config()
	textModel := cfg.OpenAI.TextModel

	var req model.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	req.Normalize()

	if reached, st := h.limitReached(cfg, textModel); reached {
		h.metrics.RecordGeneration(textModel, "limit_reached")
		h.logRequest(c, start, requestRecord{op: model.OpGenerate, model: textModel, status: http.StatusTooManyRequests, err: errLimitReached})
		logger.Info("generation refused, monthly limit reached", "model", textModel, "count", st.Count, "limit", st.Limit)
		respondLimitReached(c, st)
		return
	}

	client := clientInfoFromContext(c)
	temp := generateTemperature
	res, err := h.ai.ChatCompletion(c.Request.Context(), openai.ChatRequest{
		Model:       textModel,
		Messages:    core.BuildCharacterPrompt(&req),
		Temperature: &temp,
		User:        client.Key,
		JSONMode:    true,
	})
	if err != nil {
		h.failGeneration(c, start, textModel, model.Usage{}, err)
		return
	}

	sheet, err := core.ParseCharacter(res.Content)
	if err != nil {
		h.failGeneration(c, start, textModel, res.Usage, err)
		return
	}
	applyFixedAttributes(sheet, &req)

	char := &model.Character{
		ID:        core.NewCharacterID(),
		Sheet:     *sheet,
		Setting:   req.Setting,
		TextModel: textModel,
	}

	resp := gin.H{}
	if req.IncludePortrait {
		if perr := h.attachPortrait(c, char, req.PortraitStyle); perr != nil {
			// 立绘失败不影响角色生成
			logger.Warn("portrait generation failed", "character", char.ID, "error", perr, "request_id", requestIDFromContext(c))
			resp["portrait_error"] = perr.Error()
		}
	}

	if err := h.store.SaveCharacter(char); err != nil {
		h.metrics.RecordGeneration(textModel, "error")
		h.logRequest(c, start, requestRecord{op: model.OpGenerate, model: textModel, status: 500, usage: res.Usage, err: err})
		respondStoreError(c, err)
		return
	}

	st := h.consume(cfg, textModel)
	h.metrics.RecordGeneration(textModel, "success")
	h.logRequest(c, start, requestRecord{op: model.OpGenerate, model: textModel, characterID: char.ID, status: http.StatusOK, usage: res.Usage})
	logger.Info("npc generated", "character", char.ID, "name", char.Sheet.Name, "model", textModel,
		"count", st.Count, "remaining", st.Remaining, "request_id", requestIDFromContext(c))

	resp["character"] = char
	resp["usage"] = st
	c.JSON(http.StatusOK, resp)
}

// attachPortrait 为新角色生成立绘；受图片模型月度上限约束
func (h *Handler) attachPortrait(c *gin.Context, char *model.Character, style string) error {
	start := time.Now()
	cfg := h.config()
	imageModel := cfg.OpenAI.ImageModel

	if reached, _ := h.limitReached(cfg, imageModel); reached {
		h.logRequest(c, start, requestRecord{op: model.OpPortrait, model: imageModel, characterID: char.ID, status: http.StatusTooManyRequests, err: errLimitReached})
		return errLimitReached
	}

	prompt := core.BuildPortraitPrompt(&char.Sheet, style)
	img, err := h.ai.GenerateImage(c.Request.Context(), prompt)
	if err != nil {
		h.logRequest(c, start, requestRecord{op: model.OpPortrait, model: imageModel, characterID: char.ID, status: http.StatusBadGateway, err: err})
		return err
	}

	char.PortraitB64 = img.B64JSON
	char.PortraitURL = img.URL
	char.PortraitPrompt = prompt
	h.consume(cfg, imageModel)
	h.logRequest(c, start, requestRecord{op: model.OpPortrait, model: imageModel, characterID: char.ID, status: http.StatusOK})
	return nil
}

func (h *Handler) failGeneration(c *gin.Context, start time.Time, textModel string, u model.Usage, err error) {
	h.metrics.RecordGeneration(textModel, "error")
	logger.Warn("generation failed", "model", textModel, "error", err, "request_id", requestIDFromContext(c))
	status := respondUpstreamError(c, err)
	h.logRequest(c, start, requestRecord{op: model.OpGenerate, model: textModel, status: status, usage: u, err: err})
}

// applyFixedAttributes 用户指定的属性优先于模型输出
func applyFixedAttributes(sheet *model.CharacterSheet, req *model.GenerateRequest) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&sheet.Name, req.Name)
	set(&sheet.Race, req.Race)
	set(&sheet.Class, req.Class)
	set(&sheet.Gender, req.Gender)
	set(&sheet.Alignment, req.Alignment)
	if req.Level > 0 {
		sheet.Level = req.Level
	}
}
