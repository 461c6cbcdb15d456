/*
 * @module service/rate_limiter/redis_rate_limiter
 * @description 基于Redis的分布式限流与请求计数，支持租户、推送目标两层窗口
 * @architecture 工具层 - 提供分布式限流能力
 * @documentReference ai_docs/push_design.md
 * @stateFlow 检查限流规则 -> Redis计数 -> 判断是否超限
 * @rules 使用Redis INCR和EXPIRE实现固定窗口计数；路由容量判断只读计数，投递尝试只增计数
 * @dependencies github.com/go-redis/redis/v8
 * @refs service/push_router/router.go, api/middleware/rate_limit.go
 */

package rate_limiter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// 限流类型
const (
	LimitTypeTenant = "tenant"
	LimitTypeTarget = "target"
)

// RateLimitResult 限流检查结果
type RateLimitResult struct {
	Allowed       bool   `json:"allowed"`    // 是否允许请求
	Limit         int    `json:"limit"`      // 限制数量
	Remaining     int    `json:"remaining"`  // 剩余数量
	ResetAt       int64  `json:"reset_at"`   // 重置时间（Unix时间戳）
	RateLimitType string `json:"limit_type"` // 限流类型：tenant/target
	Message       string `json:"message"`    // 提示信息
}

// RateLimitRule 限流规则
type RateLimitRule struct {
	Type        string // tenant/target
	TargetID    string // 租户ID或推送目标ID
	TimeWindow  int    // 时间窗口（秒）
	MaxRequests int    // 最大请求数
}

// Limiter 限流器接口
type Limiter interface {
	// CheckRateLimit 按优先级检查并消耗配额
	CheckRateLimit(ctx context.Context, rules []RateLimitRule) (*RateLimitResult, error)
	// Observe 记录一次请求，不做限制
	Observe(ctx context.Context, limitType, id string, window int) error
	// Current 当前窗口内的请求数
	Current(ctx context.Context, limitType, id string, window int) (int, error)
}

const checkScript = `
	local key = KEYS[1]
	local max_requests = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	if current >= max_requests then
		local ttl = redis.call('TTL', key)
		if ttl < 0 then
			ttl = window
		end
		return {0, current, max_requests, ttl}
	end

	local new_count = redis.call('INCR', key)
	if new_count == 1 then
		redis.call('EXPIRE', key, window)
	end

	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	return {1, new_count, max_requests, ttl}
`

// RedisRateLimiter Redis限流器
type RedisRateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter 创建Redis限流器
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

// CheckRateLimit 检查是否超过限流（按优先级检查：租户 -> 目标）
func (r *RedisRateLimiter) CheckRateLimit(ctx context.Context, rules []RateLimitRule) (*RateLimitResult, error) {
	var last *RateLimitResult
	for _, rule := range sortRulesByPriority(rules) {
		result, err := r.checkSingleRule(ctx, rule)
		if err != nil {
			return nil, err
		}
		if !result.Allowed {
			return result, nil
		}
		last = result
	}
	if last != nil {
		return last, nil
	}
	return unlimitedResult(), nil
}

func (r *RedisRateLimiter) checkSingleRule(ctx context.Context, rule RateLimitRule) (*RateLimitResult, error) {
	key := buildRateLimitKey(rule.Type, rule.TargetID, rule.TimeWindow, time.Now())

	values, err := r.client.Eval(ctx, checkScript, []string{key}, rule.MaxRequests, rule.TimeWindow).Slice()
	if err != nil {
		return nil, fmt.Errorf("限流检查失败: %w", err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("限流脚本返回值异常: %v", values)
	}

	allowed := values[0].(int64) == 1
	current := int(values[1].(int64))
	limit := int(values[2].(int64))
	ttl := int(values[3].(int64))
	return buildResult(rule, allowed, current, limit, time.Now().Add(time.Duration(ttl)*time.Second)), nil
}

// Observe 记录一次请求
func (r *RedisRateLimiter) Observe(ctx context.Context, limitType, id string, window int) error {
	key := buildRateLimitKey(limitType, id, window, time.Now())
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, time.Duration(window)*time.Second)
		return nil
	})
	if err != nil {
		return fmt.Errorf("记录请求失败: %w", err)
	}
	return nil
}

// Current 当前窗口内的请求数
func (r *RedisRateLimiter) Current(ctx context.Context, limitType, id string, window int) (int, error) {
	key := buildRateLimitKey(limitType, id, window, time.Now())
	current, err := r.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("读取请求计数失败: %w", err)
	}
	return current, nil
}

// buildRateLimitKey 构造限流Key
func buildRateLimitKey(limitType, id string, window int, now time.Time) string {
	if window <= 0 {
		window = 60
	}
	currentWindow := now.Unix() / int64(window)
	return fmt.Sprintf("datapush:rate_limit:%s:%s:%d", limitType, id, currentWindow)
}

// sortRulesByPriority 按优先级排序规则：tenant > target
func sortRulesByPriority(rules []RateLimitRule) []RateLimitRule {
	priorityMap := map[string]int{
		LimitTypeTenant: 2,
		LimitTypeTarget: 1,
	}
	sorted := make([]RateLimitRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return priorityMap[sorted[i].Type] > priorityMap[sorted[j].Type]
	})
	return sorted
}

func buildResult(rule RateLimitRule, allowed bool, current, limit int, resetAt time.Time) *RateLimitResult {
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	message := "允许请求"
	if !allowed {
		message = fmt.Sprintf("超过%s限流限制", getRateLimitTypeName(rule.Type))
	}
	return &RateLimitResult{
		Allowed:       allowed,
		Limit:         limit,
		Remaining:     remaining,
		ResetAt:       resetAt.Unix(),
		RateLimitType: rule.Type,
		Message:       message,
	}
}

func unlimitedResult() *RateLimitResult {
	return &RateLimitResult{
		Allowed:       true,
		Limit:         -1,
		Remaining:     -1,
		RateLimitType: "none",
		Message:       "无限流规则",
	}
}

// getRateLimitTypeName 获取限流类型名称
func getRateLimitTypeName(limitType string) string {
	switch limitType {
	case LimitTypeTenant:
		return "租户"
	case LimitTypeTarget:
		return "推送目标"
	default:
		return "未知"
	}
}
