package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/xiaopang/npcforge/internal/model"
)

// SaveLog 保存请求日志
func (s *Store) SaveLog(log *model.RequestLog) error {
	_, err := s.db.Exec(`
		INSERT INTO request_logs (id, request_id, timestamp, operation, model, character_id,
			success, status_code, latency_ms, prompt_tokens, completion_tokens, total_tokens,
			error, client_key, over_limit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.RequestID, log.Timestamp.UTC(), string(log.Operation), log.Model, log.CharacterID,
		log.Success, log.StatusCode, log.LatencyMs, log.PromptTokens, log.CompletionTokens, log.TotalTokens,
		log.Error, log.ClientKey, log.OverLimit)
	return err
}

// QueryLogs 查询日志
func (s *Store) QueryLogs(query *model.LogQuery) ([]*model.RequestLog, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, COALESCE(request_id, ''), timestamp, COALESCE(operation, ''), COALESCE(model, ''),
		COALESCE(character_id, ''), success, status_code, latency_ms, prompt_tokens, completion_tokens,
		total_tokens, COALESCE(error, ''), COALESCE(client_key, ''), over_limit
		FROM request_logs WHERE 1=1`)
	args := []any{}

	add := func(clause string, v any) {
		b.WriteString(clause)
		args = append(args, v)
	}
	if query.RequestID != "" {
		add(" AND request_id = ?", query.RequestID)
	}
	if query.Operation != "" {
		add(" AND operation = ?", query.Operation)
	}
	if query.Model != "" {
		add(" AND model = ?", query.Model)
	}
	if query.CharacterID != "" {
		add(" AND character_id = ?", query.CharacterID)
	}
	if query.ClientKey != "" {
		add(" AND client_key = ?", query.ClientKey)
	}
	if query.Success != nil {
		add(" AND success = ?", *query.Success)
	}
	if query.OverLimit != nil {
		add(" AND over_limit = ?", *query.OverLimit)
	}
	if !query.StartTime.IsZero() {
		add(" AND timestamp >= ?", query.StartTime.UTC())
	}
	if !query.EndTime.IsZero() {
		add(" AND timestamp <= ?", query.EndTime.UTC())
	}

	b.WriteString(" ORDER BY timestamp DESC")

	limit := query.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	fmt.Fprintf(&b, " LIMIT %d", limit)
	if query.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", query.Offset)
	}

	rows, err := s.db.Query(b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.RequestLog
	for rows.Next() {
		var log model.RequestLog
		var op string
		if err := rows.Scan(&log.ID, &log.RequestID, &log.Timestamp, &op, &log.Model,
			&log.CharacterID, &log.Success, &log.StatusCode, &log.LatencyMs, &log.PromptTokens,
			&log.CompletionTokens, &log.TotalTokens, &log.Error, &log.ClientKey, &log.OverLimit); err != nil {
			return nil, err
		}
		log.Operation = model.Operation(op)
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// GetDailyStats 获取每日统计
func (s *Store) GetDailyStats(days int) ([]*model.DailyStats, error) {
	rows, err := s.db.Query(`
		SELECT
			substr(timestamp, 1, 10) as date,
			COUNT(*) as total_requests,
			ROUND(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			ROUND(AVG(latency_ms), 2) as avg_latency,
			SUM(CASE WHEN over_limit = 1 THEN 1 ELSE 0 END) as over_limit
		FROM request_logs
		WHERE timestamp >= ?
		GROUP BY date
		ORDER BY date DESC
	`, since(days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.DailyStats
	for rows.Next() {
		var s model.DailyStats
		if err := rows.Scan(&s.Date, &s.TotalRequests, &s.SuccessRate, &s.TotalTokens, &s.AvgLatency, &s.OverLimit); err != nil {
			return nil, err
		}
		stats = append(stats, &s)
	}
	return stats, rows.Err()
}

// GetOperationStats 按操作类型统计
func (s *Store) GetOperationStats(days int) ([]*model.OperationStats, error) {
	rows, err := s.db.Query(`
		SELECT
			operation,
			COUNT(*) as request_count,
			ROUND(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			ROUND(AVG(latency_ms), 2) as avg_latency,
			COALESCE(SUM(total_tokens), 0) as total_tokens
		FROM request_logs
		WHERE timestamp >= ?
		GROUP BY operation
		ORDER BY request_count DESC
	`, since(days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.OperationStats
	for rows.Next() {
		var s model.OperationStats
		var op string
		if err := rows.Scan(&op, &s.RequestCount, &s.SuccessRate, &s.AvgLatency, &s.TotalTokens); err != nil {
			return nil, err
		}
		s.Operation = model.Operation(op)
		stats = append(stats, &s)
	}
	return stats, rows.Err()
}

// CleanOldLogs 清理过期日志
func (s *Store) CleanOldLogs(retentionDays int) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM request_logs WHERE timestamp < ?`, since(retentionDays))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// since 返回 days 天前的零点（UTC）
func since(days int) time.Time {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start.AddDate(0, 0, -days)
}
