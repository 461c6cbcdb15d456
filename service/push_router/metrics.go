/*
 * @module service/push_router/metrics
 * @description 每个推送目标的滚动指标：请求数、成功/失败数、平均响应时间、错误率
 * @architecture 内存指标存储，按目标ID分片
 * @documentReference ai_docs/push_design.md
 * @stateFlow 每次投递尝试 -> RecordAttempt -> 路由评分读取 Snapshot
 * @rules 指标只增不减，单个目标的更新在锁内原子完成
 * @dependencies github.com/puzpuzpuz/xsync/v3
 * @refs service/push_router/router.go
 */

package push_router

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// TargetMetrics 目标滚动指标快照
type TargetMetrics struct {
	TotalRequests         int64     `json:"total_requests"`
	SuccessfulRequests    int64     `json:"successful_requests"`
	FailedRequests        int64     `json:"failed_requests"`
	AverageResponseTimeMs float64   `json:"average_response_time_ms"`
	ActiveConnections     int64     `json:"active_connections"`
	ErrorRate             float64   `json:"error_rate"`
	LastUpdated           time.Time `json:"last_updated"`
}

// SuccessRate 成功率，无请求时视为1
func (m TargetMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 1
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

// MetricsStore 目标滚动指标存储
type MetricsStore interface {
	RecordAttempt(targetID string, success bool, elapsed time.Duration)
	Snapshot(targetID string) TargetMetrics
	All() map[string]TargetMetrics
}

type metricsEntry struct {
	mu sync.Mutex
	m  TargetMetrics
}

// MemoryMetricsStore 进程内指标存储
type MemoryMetricsStore struct {
	entries *xsync.MapOf[string, *metricsEntry]
	now     func() time.Time
}

// NewMemoryMetricsStore 创建进程内指标存储
func NewMemoryMetricsStore() *MemoryMetricsStore {
	return &MemoryMetricsStore{entries: xsync.NewMapOf[string, *metricsEntry](), now: time.Now}
}

func (s *MemoryMetricsStore) entry(targetID string) *metricsEntry {
	e, _ := s.entries.LoadOrCompute(targetID, func() *metricsEntry { return &metricsEntry{} })
	return e
}

// RecordAttempt 记录一次投递尝试
func (s *MemoryMetricsStore) RecordAttempt(targetID string, success bool, elapsed time.Duration) {
	e := s.entry(targetID)
	e.mu.Lock()
	defer e.mu.Unlock()

	m := &e.m
	m.TotalRequests++
	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	m.AverageResponseTimeMs += (ms - m.AverageResponseTimeMs) / float64(m.TotalRequests)
	m.ErrorRate = float64(m.FailedRequests) / float64(m.TotalRequests)
	m.LastUpdated = s.now()
}

// Snapshot 目标指标快照
func (s *MemoryMetricsStore) Snapshot(targetID string) TargetMetrics {
	e, ok := s.entries.Load(targetID)
	if !ok {
		return TargetMetrics{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m
}

// All 全部目标指标快照
func (s *MemoryMetricsStore) All() map[string]TargetMetrics {
	out := make(map[string]TargetMetrics, s.entries.Size())
	s.entries.Range(func(id string, e *metricsEntry) bool {
		e.mu.Lock()
		out[id] = e.m
		e.mu.Unlock()
		return true
	})
	return out
}
