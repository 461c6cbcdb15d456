package scheduler

import (
	"errors"
	"sync"
	"time"

	"datapush-service/service/change_detect"
)

// RetryManager 重试管理器，按任务记录连续失败次数
type RetryManager struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu     sync.Mutex
	counts map[string]int
}

// NewRetryManager 创建重试管理器实例
func NewRetryManager(maxRetries int, baseDelay, maxDelay time.Duration) *RetryManager {
	if baseDelay <= 0 {
		baseDelay = 10 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &RetryManager{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		counts:     map[string]int{},
	}
}

// ShouldRetry 判断是否需要重试；检测正在执行时等下一次调度，不重试
func (r *RetryManager) ShouldRetry(taskID string, err error) bool {
	if err == nil || errors.Is(err, change_detect.ErrDetectionInProgress) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[taskID] < r.maxRetries
}

// GetRetryCount 获取重试次数
func (r *RetryManager) GetRetryCount(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[taskID]
}

// NextDelay 记录一次重试并返回退避时间
func (r *RetryManager) NextDelay(taskID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.counts[taskID]
	r.counts[taskID] = n + 1
	delay := r.baseDelay << n
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	return delay
}

// ClearRetryCount 清除重试次数
func (r *RetryManager) ClearRetryCount(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, taskID)
}
