package model

import (
	"strings"
	"time"
)

// Abilities 六项属性值
type Abilities struct {
	Strength     int `json:"str"`
	Dexterity    int `json:"dex"`
	Constitution int `json:"con"`
	Intelligence int `json:"int"`
	Wisdom       int `json:"wis"`
	Charisma     int `json:"cha"`
}

// CharacterSheet 模型生成的角色内容
type CharacterSheet struct {
	Name        string    `json:"name"`
	Race        string    `json:"race"`
	Class       string    `json:"class"`
	Gender      string    `json:"gender"`
	Alignment   string    `json:"alignment"`
	Level       int       `json:"level"`
	Appearance  string    `json:"appearance"`
	Personality string    `json:"personality"`
	Background  string    `json:"background"`
	Motivation  string    `json:"motivation"`
	Voice       string    `json:"voice,omitempty"`
	Quirks      []string  `json:"quirks,omitempty"`
	Abilities   Abilities `json:"abilities"`
}

// Character 已持久化的 NPC
type Character struct {
	ID        string         `json:"id"`
	Sheet     CharacterSheet `json:"sheet"`
	Setting   string         `json:"setting,omitempty"`
	TextModel string         `json:"text_model"`

	// 立绘，PNG base64；列表接口不返回
	PortraitB64    string `json:"portrait_b64,omitempty"`
	PortraitURL    string `json:"portrait_url,omitempty"`
	PortraitPrompt string `json:"portrait_prompt,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPortrait 是否已有立绘
func (c *Character) HasPortrait() bool {
	return c.PortraitB64 != "" || c.PortraitURL != ""
}

// Summary 列表用的精简视图
func (c *Character) Summary() CharacterSummary {
	return CharacterSummary{
		ID:          c.ID,
		Name:        c.Sheet.Name,
		Race:        c.Sheet.Race,
		Class:       c.Sheet.Class,
		Level:       c.Sheet.Level,
		HasPortrait: c.HasPortrait(),
		CreatedAt:   c.CreatedAt,
	}
}

// CharacterSummary 角色列表项
type CharacterSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Race        string    `json:"race"`
	Class       string    `json:"class"`
	Level       int       `json:"level"`
	HasPortrait bool      `json:"has_portrait"`
	CreatedAt   time.Time `json:"created_at"`
}

// GenerateRequest 生成 NPC 请求；空字段交给模型随机
type GenerateRequest struct {
	Name            string `json:"name"`
	Race            string `json:"race"`
	Class           string `json:"class"`
	Gender          string `json:"gender"`
	Alignment       string `json:"alignment"`
	Level           int    `json:"level" binding:"omitempty,min=1,max=20"`
	Setting         string `json:"setting"`
	Description     string `json:"description" binding:"max=2000"`
	PortraitStyle   string `json:"portrait_style"`
	IncludePortrait bool   `json:"include_portrait"`
}

// Normalize 去除首尾空白
func (r *GenerateRequest) Normalize() {
	for _, f := range []*string{&r.Name, &r.Race, &r.Class, &r.Gender, &r.Alignment, &r.Setting, &r.Description, &r.PortraitStyle} {
		*f = strings.TrimSpace(*f)
	}
}

// EditPortraitRequest 修改立绘请求
type EditPortraitRequest struct {
	Instruction string `json:"instruction" binding:"required,max=1000"`
}

// ChatRole 对话角色
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleCharacter ChatRole = "assistant"
)

// ChatMessage 与角色的一条对话
type ChatMessage struct {
	ID          string    `json:"id"`
	CharacterID string    `json:"character_id"`
	Role        ChatRole  `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChatRequest 对话请求
type ChatRequest struct {
	Message string `json:"message" binding:"required,max=4000"`
}
