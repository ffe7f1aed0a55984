package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/npcforge/internal/core"
	"github.com/xiaopang/npcforge/internal/logger"
	"github.com/xiaopang/npcforge/internal/model"
	"github.com/xiaopang/npcforge/internal/openai"
)

const chatTemperature = 0.8

// GetChat GET /api/characters/:id/chat
func (h *Handler) GetChat(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetCharacter(id); err != nil {
		respondStoreError(c, err)
		return
	}
	msgs, err := h.store.ListChatMessages(id, queryInt(c, "limit", 100, 1, 500))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*model.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs})
}

// Chat POST /api/characters/:id/chat，与角色对话
func (h *Handler) Chat(c *gin.Context) {
	start := time.Now()
	cfg := h.config()
	textModel := cfg.OpenAI.TextModel

	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		abortError(c, http.StatusBadRequest, "invalid_request_error", "invalid_request", "Message must not be empty")
		return
	}

	char, err := h.store.GetCharacter(c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	history, err := h.store.ListChatMessages(char.ID, cfg.Chat.HistoryLimit)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	temp := chatTemperature
	res, err := h.ai.ChatCompletion(c.Request.Context(), openai.ChatRequest{
		Model:       textModel,
		Messages:    core.BuildChatMessages(char, history, req.Message, cfg.Chat.HistoryLimit),
		Temperature: &temp,
		User:        clientInfoFromContext(c).Key,
	})
	if err != nil {
		logger.Warn("chat failed", "character", char.ID, "error", err, "request_id", requestIDFromContext(c))
		status := respondUpstreamError(c, err)
		h.logRequest(c, start, requestRecord{op: model.OpChat, model: textModel, characterID: char.ID, status: status, err: err})
		return
	}

	now := time.Now().UTC()
	userMsg := &model.ChatMessage{
		ID:          core.NewMessageID(),
		CharacterID: char.ID,
		Role:        model.ChatRoleUser,
		Content:     req.Message,
		CreatedAt:   now,
	}
	reply := &model.ChatMessage{
		ID:          core.NewMessageID(),
		CharacterID: char.ID,
		Role:        model.ChatRoleCharacter,
		Content:     strings.TrimSpace(res.Content),
		CreatedAt:   now.Add(time.Millisecond),
	}
	for _, m := range []*model.ChatMessage{userMsg, reply} {
		if err := h.store.AppendChatMessage(m); err != nil {
			h.logRequest(c, start, requestRecord{op: model.OpChat, model: textModel, characterID: char.ID, status: 500, usage: res.Usage, err: err})
			respondStoreError(c, err)
			return
		}
	}

	h.logRequest(c, start, requestRecord{op: model.OpChat, model: textModel, characterID: char.ID, status: http.StatusOK, usage: res.Usage})
	c.JSON(http.StatusOK, gin.H{"message": userMsg, "reply": reply, "usage": res.Usage})
}
