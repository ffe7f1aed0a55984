package core

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xiaopang/npcforge/internal/logger"
)

const (
	DefaultAdmissionWindow = 60 * time.Second // 滑动窗口长度
	DefaultAdmissionMax    = 10               // 窗口内请求上限
	DefaultAdmissionSweep  = 5 * time.Minute  // 清理周期
	UnknownClientKey       = "unknown"        // 无法识别客户端时的兜底 key
	forwardedForHeader     = "X-Forwarded-For"
)

// AdmissionFilter 按客户端统计滑动窗口内的请求数
//
// 只负责计数和判断，不负责拦截；是否拒绝由调用方决定。
type AdmissionFilter struct {
	mu            sync.Mutex
	windows       map[string][]time.Time // clientKey -> request timestamps
	window        time.Duration
	limit         int
	sweepInterval time.Duration
	now           func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdmissionFilter 创建准入过滤器，零值参数使用默认值
func NewAdmissionFilter(window time.Duration, limit int, sweepInterval time.Duration) *AdmissionFilter {
	if window <= 0 {
		window = DefaultAdmissionWindow
	}
	if limit <= 0 {
		limit = DefaultAdmissionMax
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultAdmissionSweep
	}
	return &AdmissionFilter{
		windows:       make(map[string][]time.Time),
		window:        window,
		limit:         limit,
		sweepInterval: sweepInterval,
		now:           time.Now,
	}
}

// IsOverLimit records a request from clientKey and reports whether the
// requests already inside the window had reached the limit.
func (f *AdmissionFilter) IsOverLimit(clientKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	valid := f.pruneLocked(clientKey, now)
	over := len(valid) >= f.limit
	f.windows[clientKey] = append(valid, now)
	return over
}

// Count 返回窗口内的请求数（不记录新请求）
func (f *AdmissionFilter) Count(clientKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	valid := f.pruneLocked(clientKey, f.now())
	if len(valid) == 0 {
		delete(f.windows, clientKey)
	}
	return len(valid)
}

// Sweep prunes every window and evicts clients left with none. Returns the number evicted.
func (f *AdmissionFilter) Sweep() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	evicted := 0
	for k := range f.windows {
		if valid := f.pruneLocked(k, now); len(valid) == 0 {
			delete(f.windows, k)
			evicted++
		}
	}
	return evicted
}

// Size 当前跟踪的客户端数
func (f *AdmissionFilter) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

// Limits 返回当前窗口和上限
func (f *AdmissionFilter) Limits() (time.Duration, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window, f.limit
}

// SetLimits 动态更新阈值（配置热加载）
func (f *AdmissionFilter) SetLimits(window time.Duration, limit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if window > 0 {
		f.window = window
	}
	if limit > 0 {
		f.limit = limit
	}
}

// Start 启动后台清理
func (f *AdmissionFilter) Start(ctx context.Context) {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run(ctx)
}

// Stop 停止后台清理并等待退出
func (f *AdmissionFilter) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
}

func (f *AdmissionFilter) run(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := f.Sweep(); n > 0 {
				logger.Debug("admission sweep", "evicted", n, "tracked", f.Size())
			}
		}
	}
}

// pruneLocked drops timestamps at or beyond the window edge and stores the result.
// Caller must hold f.mu.
func (f *AdmissionFilter) pruneLocked(clientKey string, now time.Time) []time.Time {
	timestamps := f.windows[clientKey]
	valid := timestamps[:0]
	for _, t := range timestamps {
		if now.Sub(t) < f.window {
			valid = append(valid, t)
		}
	}
	if timestamps != nil {
		f.windows[clientKey] = valid
	}
	return valid
}

// ClientKey 从 X-Forwarded-For 第一个地址识别客户端
func ClientKey(r *http.Request) string {
	if r == nil {
		return UnknownClientKey
	}
	xff := r.Header.Get(forwardedForHeader)
	if xff == "" {
		return UnknownClientKey
	}
	first, _, _ := strings.Cut(xff, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return UnknownClientKey
}
