package model

import "time"

// Operation 请求类型
type Operation string

const (
	OpGenerate     Operation = "generate"
	OpPortrait     Operation = "portrait"
	OpEditPortrait Operation = "edit_portrait"
	OpChat         Operation = "chat"
)

// RequestLog 请求日志
type RequestLog struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Operation   Operation `json:"operation"`
	Model       string    `json:"model"`
	CharacterID string    `json:"character_id,omitempty"`

	// 响应信息
	Success    bool  `json:"success"`
	StatusCode int   `json:"status_code"`
	LatencyMs  int64 `json:"latency_ms"`

	// Token 统计
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// 错误信息
	Error string `json:"error,omitempty"`

	// 客户端信息
	ClientKey string `json:"client_key,omitempty"`
	OverLimit bool   `json:"over_limit,omitempty"`
}

// DailyStats 每日统计汇总
type DailyStats struct {
	Date          string  `json:"date"`
	TotalRequests int     `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgLatency    float64 `json:"avg_latency_ms"`
	OverLimit     int     `json:"over_limit"`
}

// OperationStats 按操作类型统计
type OperationStats struct {
	Operation    Operation `json:"operation"`
	RequestCount int       `json:"request_count"`
	SuccessRate  float64   `json:"success_rate"`
	AvgLatency   float64   `json:"avg_latency_ms"`
	TotalTokens  int64     `json:"total_tokens"`
}

// LogQuery 日志查询参数
type LogQuery struct {
	RequestID   string    `form:"request_id"`
	Operation   string    `form:"operation"`
	Model       string    `form:"model"`
	CharacterID string    `form:"character_id"`
	ClientKey   string    `form:"client_key"`
	Success     *bool     `form:"success"`
	OverLimit   *bool     `form:"over_limit"`
	StartTime   time.Time `form:"start_time"`
	EndTime     time.Time `form:"end_time"`
	Limit       int       `form:"limit"`
	Offset      int       `form:"offset"`
}
