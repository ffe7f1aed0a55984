package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xiaopang/npcforge/internal/logger"
)

// LogCleaner 删除过期请求日志
type LogCleaner interface {
	CleanOldLogs(retentionDays int) (int64, error)
}

// RetentionScheduler 按 cron 表达式定期清理请求日志
type RetentionScheduler struct {
	cleaner       LogCleaner
	schedule      string
	retentionDays int

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewRetentionScheduler 创建日志清理调度器，schedule 为标准 5 段 cron 表达式
func NewRetentionScheduler(cleaner LogCleaner, schedule string, retentionDays int) *RetentionScheduler {
	return &RetentionScheduler{
		cleaner:       cleaner,
		schedule:      schedule,
		retentionDays: retentionDays,
		cron:          cron.New(),
	}
}

// Start 启动调度；schedule 为空或保留天数 <= 0 时不做任何事
func (s *RetentionScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.schedule == "" || s.retentionDays <= 0 {
		logger.Info("log retention disabled")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce() }); err != nil {
		return fmt.Errorf("schedule log cleanup: %w", err)
	}

	s.cron.Start()
	s.running = true
	logger.Info("log retention scheduled", "schedule", s.schedule, "retention_days", s.retentionDays)
	return nil
}

// RunOnce 立即执行一次清理
func (s *RetentionScheduler) RunOnce() (int64, error) {
	deleted, err := s.cleaner.CleanOldLogs(s.retentionDays)
	if err != nil {
		logger.Error("log cleanup failed", "error", err)
		return 0, err
	}
	if deleted > 0 {
		logger.Info("old request logs removed", "deleted", deleted, "retention_days", s.retentionDays)
	} else {
		logger.Debug("log cleanup finished, nothing to delete")
	}
	return deleted, nil
}

// Stop 停止调度并等待正在执行的任务
func (s *RetentionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
	}
}

// NextRun 下次执行时间，未运行时为零值
func (s *RetentionScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
