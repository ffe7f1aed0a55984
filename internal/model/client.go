package model

// ClientInfo 客户端信息（存入 gin.Context）
type ClientInfo struct {
	Key       string // X-Forwarded-For 首个地址或兜底值
	OverLimit bool   // 准入过滤器判定超限（仅记录）
}
