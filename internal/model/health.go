package model

import (
	"sync"
	"time"
)

// HealthState 健康状态
type HealthState string

const (
	HealthStateUnknown   HealthState = "unknown"
	HealthStateHealthy   HealthState = "healthy"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// UpstreamStatus 上游 API 运行时状态
type UpstreamStatus struct {
	State           HealthState   `json:"state"`
	Latency         time.Duration `json:"-"`
	LatencyMs       int64         `json:"latency_ms"`
	LastCheck       time.Time     `json:"last_check"`
	ErrorCount      int           `json:"error_count"`
	LastError       string        `json:"last_error,omitempty"`
	ConsecutiveFail int           `json:"consecutive_fail"`
}

// Upstream 上游状态持有者（线程安全）
type Upstream struct {
	mu     sync.RWMutex
	status UpstreamStatus
}

// NewUpstream 创建上游状态，初始为 unknown
func NewUpstream() *Upstream {
	return &Upstream{status: UpstreamStatus{State: HealthStateUnknown}}
}

// GetStatus 获取状态副本
func (u *Upstream) GetStatus() UpstreamStatus {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.status
}

// SetStatus 设置状态
func (u *Upstream) SetStatus(status UpstreamStatus) {
	status.LatencyMs = status.Latency.Milliseconds()
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = status
}

// IsHealthy unknown 也视为可用
func (u *Upstream) IsHealthy() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.status.State != HealthStateUnhealthy
}
