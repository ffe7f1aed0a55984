package core

import (
	"strings"

	"github.com/google/uuid"
)

// NewCharacterID 生成角色 ID
func NewCharacterID() string {
	return "npc_" + shortID()
}

// NewMessageID 生成对话消息 ID
func NewMessageID() string {
	return "msg_" + shortID()
}

// GenerateLogID 生成日志 ID
func GenerateLogID() string {
	return "log_" + uuid.NewString()
}

// NewRequestID 生成请求 ID
func NewRequestID() string {
	return uuid.NewString()
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
