package api

import (
	"strings"
	"unicode/utf8"
)

// maxLoggedError 请求日志中错误信息的最大长度
const maxLoggedError = 500

// truncateText 按字节截断，不切断 UTF-8 字符
func truncateText(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
