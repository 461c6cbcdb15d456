/*
 * @module service/rate_limiter/redis_rate_limiter_test
 * @description 限流器单元测试，Redis不可用时跳过Redis相关用例
 * @architecture 测试层
 * @documentReference ai_docs/push_design.md
 */

package rate_limiter

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis 设置测试用Redis环境
func setupTestRedis(t *testing.T) *RedisRateLimiter {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skip("Redis不可用，跳过测试")
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisRateLimiter(client)
}

func limiters(t *testing.T) map[string]Limiter {
	result := map[string]Limiter{"local": NewLocalRateLimiter()}
	if os.Getenv("REDIS_ADDR") != "" {
		result["redis"] = setupTestRedis(t)
	}
	return result
}

func TestCheckRateLimit_SingleRule(t *testing.T) {
	for name, limiter := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rule := RateLimitRule{Type: LimitTypeTarget, TargetID: fmt.Sprintf("t-%d", time.Now().UnixNano()), TimeWindow: 60, MaxRequests: 3}

			for i := 0; i < 3; i++ {
				result, err := limiter.CheckRateLimit(ctx, []RateLimitRule{rule})
				require.NoError(t, err)
				assert.True(t, result.Allowed, "第%d次请求应允许", i+1)
			}

			result, err := limiter.CheckRateLimit(ctx, []RateLimitRule{rule})
			require.NoError(t, err)
			assert.False(t, result.Allowed)
			assert.Equal(t, 0, result.Remaining)
			assert.Equal(t, "超过推送目标限流限制", result.Message)
		})
	}
}

func TestCheckRateLimit_NoRules(t *testing.T) {
	result, err := NewLocalRateLimiter().CheckRateLimit(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, "none", result.RateLimitType)
}

func TestCheckRateLimit_TenantFirst(t *testing.T) {
	ctx := context.Background()
	limiter := NewLocalRateLimiter()
	rules := []RateLimitRule{
		{Type: LimitTypeTarget, TargetID: "target", TimeWindow: 60, MaxRequests: 100},
		{Type: LimitTypeTenant, TargetID: "tenant", TimeWindow: 60, MaxRequests: 1},
	}

	first, err := limiter.CheckRateLimit(ctx, rules)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := limiter.CheckRateLimit(ctx, rules)
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, LimitTypeTenant, second.RateLimitType)
}

func TestObserveAndCurrent(t *testing.T) {
	for name, limiter := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := fmt.Sprintf("obs-%d", time.Now().UnixNano())
			for i := 0; i < 5; i++ {
				require.NoError(t, limiter.Observe(ctx, LimitTypeTarget, id, 60))
			}
			current, err := limiter.Current(ctx, LimitTypeTarget, id, 60)
			require.NoError(t, err)
			assert.Equal(t, 5, current)

			other, err := limiter.Current(ctx, LimitTypeTarget, id+"-x", 60)
			require.NoError(t, err)
			assert.Equal(t, 0, other)
		})
	}
}

func TestLocalWindowReset(t *testing.T) {
	ctx := context.Background()
	limiter := NewLocalRateLimiter()
	now := time.Unix(6000, 0)
	limiter.now = func() time.Time { return now }

	require.NoError(t, limiter.Observe(ctx, LimitTypeTarget, "a", 60))
	current, _ := limiter.Current(ctx, LimitTypeTarget, "a", 60)
	assert.Equal(t, 1, current)

	now = now.Add(time.Minute)
	current, _ = limiter.Current(ctx, LimitTypeTarget, "a", 60)
	assert.Equal(t, 0, current, "进入新窗口后计数归零")
}

func TestConcurrentObserve(t *testing.T) {
	ctx := context.Background()
	limiter := NewLocalRateLimiter()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = limiter.Observe(ctx, LimitTypeTarget, "c", 3600)
		}()
	}
	wg.Wait()

	current, _ := limiter.Current(ctx, LimitTypeTarget, "c", 3600)
	assert.Equal(t, 50, current)
}

func TestSortRulesByPriority(t *testing.T) {
	sorted := sortRulesByPriority([]RateLimitRule{{Type: LimitTypeTarget}, {Type: LimitTypeTenant}})
	assert.Equal(t, LimitTypeTenant, sorted[0].Type)
}
