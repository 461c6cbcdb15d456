/*
 * @module service/push_router/executor
 * @description 投递执行器：单个目标的带退避重试投递，结果写回熔断器与滚动指标
 * @architecture 分层架构 - 服务层，经目标注册中心的池化连接投递
 * @documentReference ai_docs/push_design.md
 * @stateFlow 获取(推送,目标)锁 -> 格式转换 -> [熔断检查 -> 投递 -> 写回结果 -> 退避]* -> PushResult
 * @rules
 *   - 同一 (push_id, target_id) 的重试序列严格串行
 *   - 最多尝试 max_retries+1 次，成功立即返回
 *   - 每次尝试都写回熔断器与滚动指标
 *   - 上下文到期时返回 timeout 结果而不是挂起
 * @dependencies github.com/puzpuzpuz/xsync/v3
 * @refs service/push_target/registry.go, service/push_router/router.go
 */

package push_router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"datapush-service/service/delivery"
	"datapush-service/service/format_convert"
	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/rate_limiter"
)

// ErrCircuitOpen 目标熔断打开，跳过本次尝试
var ErrCircuitOpen = errors.New("目标熔断器处于打开状态")

// requestWindowSeconds 请求速率统计窗口
const requestWindowSeconds = 60

// DeliveryTarget 执行器依赖的目标注册中心能力
type DeliveryTarget interface {
	AllowAttempt(targetID string) bool
	Deliver(ctx context.Context, target *models.PushTarget, req *delivery.Request) (*delivery.Receipt, error)
	RecordDeliveryOutcome(ctx context.Context, targetID string, success bool, deliveryErr error)
}

// Sleeper 可被上下文打断的等待
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep 默认等待实现
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Executor 投递执行器
type Executor struct {
	targets   DeliveryTarget
	converter *format_convert.Converter
	metrics   MetricsStore
	limiter   rate_limiter.Limiter
	locks     *xsync.MapOf[string, *keyedLock]
	sleep     Sleeper
	now       func() time.Time

	randMu sync.Mutex
	rnd    *rand.Rand
}

// ExecutorOption 执行器可选项
type ExecutorOption func(*Executor)

// WithSleeper 替换退避等待实现
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) { e.sleep = s }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithConverter 替换格式转换器
func WithConverter(c *format_convert.Converter) ExecutorOption {
	return func(e *Executor) { e.converter = c }
}

// NewExecutor 创建投递执行器
func NewExecutor(targets DeliveryTarget, metrics MetricsStore, limiter rate_limiter.Limiter, opts ...ExecutorOption) *Executor {
	if metrics == nil {
		metrics = NewMemoryMetricsStore()
	}
	if limiter == nil {
		limiter = rate_limiter.NewLocalRateLimiter()
	}
	e := &Executor{
		targets:   targets,
		converter: format_convert.NewConverter(),
		metrics:   metrics,
		limiter:   limiter,
		locks:     xsync.NewMapOf[string, *keyedLock](),
		sleep:     ContextSleep,
		now:       time.Now,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lock 获取 (push, target) 粒度的锁，返回释放函数
func (e *Executor) lock(key string) func() {
	l, _ := e.locks.Compute(key, func(old *keyedLock, loaded bool) (*keyedLock, bool) {
		if !loaded {
			old = &keyedLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locks.Compute(key, func(old *keyedLock, loaded bool) (*keyedLock, bool) {
			if !loaded {
				return old, true
			}
			old.refs--
			return old, old.refs <= 0
		})
	}
}

// backoff 第 attempt 次失败后的等待时间
func (e *Executor) backoff(rc models.RetryConfig, attempt int) time.Duration {
	d := rc.Delay(attempt)
	if !rc.Jitter || d <= 0 {
		return d
	}
	e.randMu.Lock()
	factor := 0.8 + e.rnd.Float64()*0.4
	e.randMu.Unlock()
	return time.Duration(float64(d) * factor)
}

// BuildRequest 把变更渲染为目标报文
func (e *Executor) BuildRequest(pushID string, target *models.PushTarget, changes []models.ChangeRecord) *delivery.Request {
	payloads := e.converter.Convert(changes, target)
	return &delivery.Request{
		PushID:   pushID,
		Target:   target,
		Changes:  changes,
		Payloads: payloads,
		Body:     e.converter.Join(payloads, target),
	}
}

// PushWithRetry 向单个目标投递，失败按指数退避重试，返回最终结果
func (e *Executor) PushWithRetry(ctx context.Context, pushID string, target *models.PushTarget, changes []models.ChangeRecord) *models.PushResult {
	unlock := e.lock(pushID + "#" + target.ID)
	defer unlock()

	start := e.now()
	rc := target.ParsedRetryConfig()
	req := e.BuildRequest(pushID, target, changes)

	result := &models.PushResult{
		PushID:   pushID,
		TenantID: target.TenantID,
		TargetID: target.ID,
		Status:   meta.PushStatusFailed,
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= rc.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			result.Status = meta.PushStatusTimeout
			break
		}
		if !e.targets.AllowAttempt(target.ID) {
			lastErr = ErrCircuitOpen
			break
		}
		attempts++

		receipt, err := e.attempt(ctx, target, req)
		if err == nil {
			lastErr = nil
			applyReceipt(result, receipt, len(changes))
			break
		}
		lastErr = err
		slog.Warn("推送投递失败", "push_id", pushID, "target_id", target.ID, "attempt", attempt+1, "error", err)

		if attempt == rc.MaxRetries {
			break
		}
		if err := e.sleep(ctx, e.backoff(rc, attempt)); err != nil {
			lastErr = err
			result.Status = meta.PushStatusTimeout
			break
		}
	}

	if attempts > 0 {
		result.RetryCount = attempts - 1
	}
	if lastErr != nil {
		result.ErrorMessage = lastErr.Error()
		if result.Status != meta.PushStatusTimeout {
			result.Status = meta.PushStatusFailed
		}
		result.RecordsFailed = len(changes)
	}
	result.ExecutionTimeMs = e.now().Sub(start).Milliseconds()
	result.Timestamp = e.now()
	return result
}

func (e *Executor) attempt(ctx context.Context, target *models.PushTarget, req *delivery.Request) (*delivery.Receipt, error) {
	if err := e.limiter.Observe(ctx, rate_limiter.LimitTypeTarget, target.ID, requestWindowSeconds); err != nil {
		slog.Debug("记录目标请求计数失败", "target_id", target.ID, "error", err)
	}

	start := e.now()
	receipt, err := e.targets.Deliver(ctx, target, req)
	if err == nil && receipt == nil {
		err = fmt.Errorf("目标 %s 未返回投递回执", target.ID)
	}
	e.metrics.RecordAttempt(target.ID, err == nil, e.now().Sub(start))
	e.targets.RecordDeliveryOutcome(ctx, target.ID, err == nil, err)
	return receipt, err
}

func applyReceipt(result *models.PushResult, receipt *delivery.Receipt, total int) {
	result.RecordsPushed = receipt.RecordsPushed
	result.RecordsFailed = receipt.RecordsFailed
	result.BytesTransferred = receipt.BytesTransferred
	result.TargetChecksum = receipt.Checksum
	result.Status = meta.PushStatusSuccess
	if receipt.RecordsFailed > 0 || (total > 0 && receipt.RecordsPushed == 0) {
		result.Status = meta.PushStatusPartial
	}
}
