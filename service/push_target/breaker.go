/*
 * @module service/push_target/breaker
 * @description 每个推送目标一个熔断器
 * @architecture 状态机
 * @documentReference ai_docs/push_design.md
 * @stateFlow closed -(连续失败达到阈值)-> open -(到达下次尝试时间)-> half_open -(成功)-> closed / -(失败)-> open
 * @rules
 *   - 熔断退避 min(base * 2^(opens-1), max)，每次重新打开退避加倍
 *   - 成功一次即关闭并清零失败计数
 *   - 选择目标时只读判断，不推动状态迁移
 *   - 路由目标组可设更低的阈值：计数达到组阈值后自最近一次失败起按同样规则退避，到期放行一次尝试
 * @dependencies github.com/puzpuzpuz/xsync/v3
 * @refs service/push_target/registry.go
 */

package push_target

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"datapush-service/service/meta"
	"datapush-service/service/monitoring"
)

// BreakerConfig 熔断参数
type BreakerConfig struct {
	Threshold   int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultBreakerConfig 默认阈值5，退避30s起，上限300s
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, BaseBackoff: 30 * time.Second, MaxBackoff: 300 * time.Second}
}

// BreakerSnapshot 熔断器状态快照
type BreakerSnapshot struct {
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	NextAttemptTime *time.Time `json:"next_attempt_time,omitempty"`
}

// CircuitBreaker 单个目标的熔断器
type CircuitBreaker struct {
	mu              sync.Mutex
	cfg             BreakerConfig
	now             func() time.Time
	state           string
	failureCount    int
	opens           int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// NewCircuitBreaker 创建关闭状态的熔断器
func NewCircuitBreaker(cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, now: now, state: meta.CircuitStateClosed}
}

// Available 只读判断是否允许尝试
func (b *CircuitBreaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != meta.CircuitStateOpen || !b.now().Before(b.nextAttemptTime)
}

// AvailableAt 按目标组阈值只读判断是否允许尝试
// 失败计数达到 threshold 时，从最近一次失败起退避 min(base * 2^(超出次数), max)，到期后放行
func (b *CircuitBreaker) AvailableAt(threshold int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if b.state == meta.CircuitStateOpen && now.Before(b.nextAttemptTime) {
		return false
	}
	if threshold <= 0 || b.failureCount < threshold {
		return true
	}
	return !now.Before(b.lastFailureTime.Add(b.backoffFor(b.failureCount - threshold + 1)))
}

// Allow 请求一次尝试；打开状态到期后转为半开并放行
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != meta.CircuitStateOpen {
		return true
	}
	if b.now().Before(b.nextAttemptTime) {
		return false
	}
	b.transition(meta.CircuitStateHalfOpen)
	return true
}

// Record 写入一次尝试结果
func (b *CircuitBreaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failureCount = 0
		b.opens = 0
		b.nextAttemptTime = time.Time{}
		if b.state != meta.CircuitStateClosed {
			b.transition(meta.CircuitStateClosed)
		}
		return
	}

	now := b.now()
	b.failureCount++
	b.lastFailureTime = now
	switch b.state {
	case meta.CircuitStateHalfOpen:
		b.open(now)
	case meta.CircuitStateClosed:
		if b.failureCount >= b.cfg.Threshold {
			b.open(now)
		}
	case meta.CircuitStateOpen:
		// 打开期间的失败（如健康检查）顺延下次尝试时间
		b.nextAttemptTime = now.Add(b.backoff())
	}
}

func (b *CircuitBreaker) open(now time.Time) {
	b.opens++
	b.nextAttemptTime = now.Add(b.backoff())
	b.transition(meta.CircuitStateOpen)
}

func (b *CircuitBreaker) backoff() time.Duration {
	return b.backoffFor(b.opens)
}

func (b *CircuitBreaker) backoffFor(opens int) time.Duration {
	d := b.cfg.BaseBackoff
	for i := 1; i < opens && d < b.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if b.cfg.MaxBackoff > 0 && d > b.cfg.MaxBackoff {
		d = b.cfg.MaxBackoff
	}
	return d
}

func (b *CircuitBreaker) transition(to string) {
	b.state = to
	monitoring.CircuitTransitions.WithLabelValues(to).Inc()
}

// Snapshot 状态快照
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerSnapshot{State: b.state, FailureCount: b.failureCount}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		s.LastFailureTime = &t
	}
	if !b.nextAttemptTime.IsZero() {
		t := b.nextAttemptTime
		s.NextAttemptTime = &t
	}
	return s
}

// BreakerSet 按目标ID管理熔断器
type BreakerSet struct {
	cfg      BreakerConfig
	now      func() time.Time
	breakers *xsync.MapOf[string, *CircuitBreaker]
}

// NewBreakerSet 创建熔断器集合
func NewBreakerSet(cfg BreakerConfig, now func() time.Time) *BreakerSet {
	if now == nil {
		now = time.Now
	}
	return &BreakerSet{cfg: cfg, now: now, breakers: xsync.NewMapOf[string, *CircuitBreaker]()}
}

// Get 获取或创建目标熔断器
func (s *BreakerSet) Get(targetID string) *CircuitBreaker {
	b, _ := s.breakers.LoadOrCompute(targetID, func() *CircuitBreaker {
		return NewCircuitBreaker(s.cfg, s.now)
	})
	return b
}

// Remove 删除目标熔断器
func (s *BreakerSet) Remove(targetID string) {
	s.breakers.Delete(targetID)
}
