package core

import (
	"context"
	"sync"
	"time"

	"github.com/xiaopang/npcforge/internal/config"
	"github.com/xiaopang/npcforge/internal/logger"
	"github.com/xiaopang/npcforge/internal/model"
)

// Prober 上游连通性探测
type Prober interface {
	ListModels(ctx context.Context) error
}

// HealthChecker 上游健康检查器
type HealthChecker struct {
	prober   Prober
	upstream *model.Upstream

	mu     sync.Mutex
	cfg    config.HealthCheckConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(prober Prober, upstream *model.Upstream, cfg *config.HealthCheckConfig) *HealthChecker {
	if upstream == nil {
		upstream = model.NewUpstream()
	}
	return &HealthChecker{
		prober:   prober,
		upstream: upstream,
		cfg:      *cfg,
	}
}

// Start 启动健康检查
func (h *HealthChecker) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.cfg.Enabled || h.cancel != nil {
		return
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	interval := time.Duration(h.cfg.Interval) * time.Second

	h.wg.Add(1)
	go h.run(h.ctx, interval)
}

// Stop 停止健康检查
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// UpdateConfig 动态更新健康检查配置
func (h *HealthChecker) UpdateConfig(cfg *config.HealthCheckConfig) {
	if cfg == nil {
		return
	}

	h.mu.Lock()
	needRestart := h.cfg.Enabled != cfg.Enabled || h.cfg.Interval != cfg.Interval
	h.cfg = *cfg
	h.mu.Unlock()

	if needRestart {
		h.Stop()
		h.Start()
	}
}

// Status 当前上游状态
func (h *HealthChecker) Status() model.UpstreamStatus {
	return h.upstream.GetStatus()
}

// Upstream 状态持有者
func (h *HealthChecker) Upstream() *model.Upstream {
	return h.upstream
}

// run 运行健康检查循环
func (h *HealthChecker) run(ctx context.Context, interval time.Duration) {
	defer h.wg.Done()

	// 启动时立即检查一次
	h.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check 执行一次探测并更新状态
func (h *HealthChecker) Check(ctx context.Context) model.UpstreamStatus {
	h.mu.Lock()
	threshold := h.cfg.FailureThreshold
	h.mu.Unlock()

	start := time.Now()
	probeErr := h.TestConnection(ctx)
	latency := time.Since(start)

	status := h.upstream.GetStatus()
	status.LastCheck = time.Now()
	status.Latency = latency

	if probeErr != nil {
		status.ConsecutiveFail++
		status.ErrorCount++
		status.LastError = probeErr.Error()
		logger.Warn("upstream health check failed", "error", probeErr, "consecutive", status.ConsecutiveFail)

		if status.ConsecutiveFail >= threshold {
			if status.State != model.HealthStateUnhealthy {
				logger.Error("upstream marked unhealthy", "consecutive", status.ConsecutiveFail)
			}
			status.State = model.HealthStateUnhealthy
		}
	} else {
		if status.State == model.HealthStateUnhealthy {
			logger.Info("upstream recovered", "latency_ms", latency.Milliseconds())
		}
		status.ConsecutiveFail = 0
		status.State = model.HealthStateHealthy
		status.LastError = ""
	}

	h.upstream.SetStatus(status)
	return h.upstream.GetStatus()
}

// TestConnection 测试上游连接
func (h *HealthChecker) TestConnection(ctx context.Context) error {
	h.mu.Lock()
	timeout := time.Duration(h.cfg.Timeout) * time.Second
	h.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return h.prober.ListModels(ctx)
}
