package rate_limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type windowCount struct {
	window int64
	count  int
}

// LocalRateLimiter 进程内固定窗口限流器，未启用Redis时使用
type LocalRateLimiter struct {
	counters *xsync.MapOf[string, windowCount]
	now      func() time.Time
}

// NewLocalRateLimiter 创建进程内限流器
func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{
		counters: xsync.NewMapOf[string, windowCount](),
		now:      time.Now,
	}
}

func windowIndex(now time.Time, window int) int64 {
	if window <= 0 {
		window = 60
	}
	return now.Unix() / int64(window)
}

func counterKey(limitType, id string) string {
	return fmt.Sprintf("%s:%s", limitType, id)
}

// CheckRateLimit 按优先级检查并消耗配额
func (l *LocalRateLimiter) CheckRateLimit(ctx context.Context, rules []RateLimitRule) (*RateLimitResult, error) {
	var last *RateLimitResult
	for _, rule := range sortRulesByPriority(rules) {
		now := l.now()
		idx := windowIndex(now, rule.TimeWindow)
		allowed := false
		current, _ := l.counters.Compute(counterKey(rule.Type, rule.TargetID), func(old windowCount, loaded bool) (windowCount, bool) {
			if !loaded || old.window != idx {
				old = windowCount{window: idx}
			}
			if old.count < rule.MaxRequests {
				old.count++
				allowed = true
			}
			return old, false
		})
		resetAt := time.Unix((idx+1)*int64(rule.TimeWindow), 0)
		result := buildResult(rule, allowed, current.count, rule.MaxRequests, resetAt)
		if !allowed {
			return result, nil
		}
		last = result
	}
	if last != nil {
		return last, nil
	}
	return unlimitedResult(), nil
}

// Observe 记录一次请求
func (l *LocalRateLimiter) Observe(ctx context.Context, limitType, id string, window int) error {
	idx := windowIndex(l.now(), window)
	l.counters.Compute(counterKey(limitType, id), func(old windowCount, loaded bool) (windowCount, bool) {
		if !loaded || old.window != idx {
			old = windowCount{window: idx}
		}
		old.count++
		return old, false
	})
	return nil
}

// Current 当前窗口内的请求数
func (l *LocalRateLimiter) Current(ctx context.Context, limitType, id string, window int) (int, error) {
	v, ok := l.counters.Load(counterKey(limitType, id))
	if !ok || v.window != windowIndex(l.now(), window) {
		return 0, nil
	}
	return v.count, nil
}
