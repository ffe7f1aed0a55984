package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xiaopang/npcforge/internal/model"
)

const characterSystemPrompt = `You are a creative assistant for tabletop role-playing game masters. You invent memorable non-player characters (NPCs) that are ready to drop into a session.

Respond with a single JSON object and nothing else. Use exactly these fields:
{
  "name": string,
  "race": string,
  "class": string,
  "gender": string,
  "alignment": string,
  "level": integer between 1 and 20,
  "appearance": string (2-3 sentences),
  "personality": string (2-3 sentences),
  "background": string (3-4 sentences),
  "motivation": string (1-2 sentences),
  "quirks": array of 2-4 short strings,
  "abilities": {"str": int, "dex": int, "con": int, "int": int, "wis": int, "cha": int} with scores between 3 and 18,
  "voice": string describing how the character speaks
}

Honour every attribute the user fixes. Attributes marked "random" are yours to choose; keep the result coherent with the setting.`

const defaultPortraitStyle = "detailed fantasy character portrait, painterly, soft lighting, head and shoulders"

// ErrEmptyCharacter 模型输出缺少角色名
var ErrEmptyCharacter = errors.New("character has no name")

// BuildCharacterPrompt 构造生成 NPC 的消息
func BuildCharacterPrompt(req *model.GenerateRequest) []model.Message {
	var b strings.Builder
	b.WriteString("Create an NPC with the following attributes:\n")
	attr := func(label, v string) {
		if v == "" {
			v = "random"
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, v)
	}
	attr("Name", req.Name)
	attr("Race", req.Race)
	attr("Class", req.Class)
	attr("Gender", req.Gender)
	attr("Alignment", req.Alignment)
	if req.Level > 0 {
		attr("Level", fmt.Sprint(req.Level))
	} else {
		attr("Level", "")
	}
	if req.Setting != "" {
		fmt.Fprintf(&b, "\nSetting: %s\n", req.Setting)
	}
	if req.Description != "" {
		fmt.Fprintf(&b, "\nAdditional notes from the game master:\n%s\n", req.Description)
	}

	return []model.Message{
		{Role: "system", Content: characterSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// ParseCharacter 解析模型输出为角色卡，容忍 ```json 代码块和前后说明文字
func ParseCharacter(content string) (*model.CharacterSheet, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var sheet model.CharacterSheet
	if err := json.Unmarshal([]byte(raw), &sheet); err != nil {
		return nil, fmt.Errorf("decode character: %w", err)
	}
	sheet.Name = strings.TrimSpace(sheet.Name)
	if sheet.Name == "" {
		return nil, ErrEmptyCharacter
	}
	sheet.Level = clamp(sheet.Level, 1, 20)
	return &sheet, nil
}

// extractJSONObject 取第一个 '{' 到最后一个 '}'
func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// BuildPortraitPrompt 根据角色卡生成立绘提示词
func BuildPortraitPrompt(sheet *model.CharacterSheet, style string) string {
	if style == "" {
		style = defaultPortraitStyle
	}
	parts := []string{fmt.Sprintf("Portrait of %s", sheet.Name)}
	var who []string
	for _, v := range []string{sheet.Gender, sheet.Race, sheet.Class} {
		if v != "" {
			who = append(who, strings.ToLower(v))
		}
	}
	if len(who) > 0 {
		parts[0] += ", a " + strings.Join(who, " ")
	}
	if sheet.Appearance != "" {
		parts = append(parts, sheet.Appearance)
	}
	parts = append(parts, "Style: "+style, "No text, no borders, no watermark.")
	return strings.Join(parts, ". ")
}

// BuildEditPrompt 修改立绘的提示词
func BuildEditPrompt(instruction string) string {
	return "Edit this character portrait: " + strings.TrimSpace(instruction) +
		". Keep the same character, pose and art style unless told otherwise."
}

// BuildChatMessages 构造与角色对话的消息：人设 + 最近历史 + 新问题
func BuildChatMessages(c *model.Character, history []*model.ChatMessage, userMessage string, historyLimit int) []model.Message {
	s := &c.Sheet
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a level %d %s %s. Stay in character at all times and answer as %s would, in the first person.\n\n",
		s.Name, s.Level, s.Race, s.Class, s.Name)
	section := func(label, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, v)
		}
	}
	section("Alignment", s.Alignment)
	section("Appearance", s.Appearance)
	section("Personality", s.Personality)
	section("Background", s.Background)
	section("Motivation", s.Motivation)
	section("Voice", s.Voice)
	if len(s.Quirks) > 0 {
		section("Quirks", strings.Join(s.Quirks, "; "))
	}
	section("Setting", c.Setting)
	b.WriteString("\nKeep replies short (a few sentences) unless asked for more. Never mention that you are an AI.")

	if historyLimit > 0 && len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}

	msgs := make([]model.Message, 0, len(history)+2)
	msgs = append(msgs, model.Message{Role: "system", Content: b.String()})
	for _, h := range history {
		msgs = append(msgs, model.Message{Role: string(h.Role), Content: h.Content})
	}
	msgs = append(msgs, model.Message{Role: "user", Content: userMessage})
	return msgs
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
