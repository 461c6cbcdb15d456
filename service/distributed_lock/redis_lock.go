/*
 * @module service/distributed_lock/redis_lock
 * @description Redis分布式锁实现，用于多实例环境下变更检测检查点的互斥与定时任务防重
 * @architecture 工具层 - 提供分布式锁能力
 * @documentReference ai_docs/push_design.md
 * @stateFlow 获取锁 -> 执行任务 -> 释放锁/自动过期
 * @rules 使用Redis SET NX实现，支持锁续期和自动过期；只有持有者可以释放
 * @dependencies github.com/go-redis/redis/v8
 * @refs service/change_detect/service.go, service/scheduler/scheduler_service.go
 */

package distributed_lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockHeld 锁已被其他持有者占用
var ErrLockHeld = errors.New("锁已被占用")

// ErrLockLost 锁已过期或被其他持有者取得
var ErrLockLost = errors.New("锁已丢失")

// DistributedLock 分布式锁接口，每次成功获取返回独立的持有令牌
type DistributedLock interface {
	// TryLock 尝试获取锁
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Unlock 释放锁，只释放令牌对应的那次持有
	Unlock(ctx context.Context, key, token string) error
	// Refresh 刷新锁的过期时间，锁不再属于该令牌时返回 ErrLockLost
	Refresh(ctx context.Context, key, token string, ttl time.Duration) error
	// IsLocked 检查锁是否存在
	IsLocked(ctx context.Context, key string) (bool, error)
}

const lockKeyPrefix = "datapush:lock:"

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const refreshScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// RedisLock Redis分布式锁实现
type RedisLock struct {
	client     *redis.Client
	instanceID string // 实例ID，作为持有令牌的前缀便于排查
}

// NewRedisLock 创建Redis分布式锁
func NewRedisLock(client *redis.Client) *RedisLock {
	// 生成实例ID（使用主机名+进程ID）
	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s:%d", hostname, os.Getpid())

	slog.Info("Redis分布式锁初始化成功", "instance_id", instanceID)

	return &RedisLock{
		client:     client,
		instanceID: instanceID,
	}
}

// TryLock 尝试获取锁
// 使用SET NX命令，只有当key不存在时才会设置成功；值为本次持有的令牌
func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := r.instanceID + ":" + uuid.NewString()
	result, err := r.client.SetNX(ctx, lockKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("获取锁失败: %w", err)
	}
	if !result {
		return "", false, nil
	}
	slog.Debug("分布式锁: 成功获取锁", "key", key, "ttl", ttl, "token", token)
	return token, true, nil
}

// Unlock 释放锁
// 使用Lua脚本确保只有令牌的持有者才能释放锁
func (r *RedisLock) Unlock(ctx context.Context, key, token string) error {
	result, err := r.client.Eval(ctx, unlockScript, []string{lockKeyPrefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("释放锁失败: %w", err)
	}

	if result == 1 {
		slog.Debug("分布式锁: 成功释放锁", "key", key, "token", token)
	} else {
		slog.Warn("分布式锁: 锁不存在或已被其他持有者取得", "key", key, "token", token)
	}
	return nil
}

// Refresh 刷新锁的过期时间
func (r *RedisLock) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	result, err := r.client.Eval(ctx, refreshScript, []string{lockKeyPrefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("刷新锁失败: %w", err)
	}
	if result == 1 {
		return nil
	}
	return ErrLockLost
}

// IsLocked 检查锁是否存在
func (r *RedisLock) IsLocked(ctx context.Context, key string) (bool, error) {
	exists, err := r.client.Exists(ctx, lockKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("检查锁状态失败: %w", err)
	}
	return exists > 0, nil
}

// LockExecutor 带锁执行器，用于简化锁的使用
type LockExecutor struct {
	lock DistributedLock
}

// NewLockExecutor 创建带锁执行器
func NewLockExecutor(lock DistributedLock) *LockExecutor {
	return &LockExecutor{lock: lock}
}

// ExecuteWithLock 在锁保护下执行函数，锁被占用时跳过执行并返回 nil
func (e *LockExecutor) ExecuteWithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	err := e.ExecuteExclusive(ctx, key, ttl, fn)
	if errors.Is(err, ErrLockHeld) {
		slog.Debug("分布式锁: 锁已被其他实例持有，跳过执行", "key", key)
		return nil
	}
	return err
}

// ExecuteExclusive 在锁保护下执行函数，锁被占用时返回 ErrLockHeld
func (e *LockExecutor) ExecuteExclusive(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	token, err := e.acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer e.release(key, token)
	return fn()
}

// ExecuteWithLockAndRefresh 在锁保护下执行函数，并按 refreshInterval 自动续期
// 续期失败说明锁已丢失，fn 收到的上下文随即取消，返回值包含 ErrLockLost
func (e *LockExecutor) ExecuteWithLockAndRefresh(ctx context.Context, key string, ttl time.Duration, refreshInterval time.Duration, fn func(ctx context.Context) error) error {
	token, err := e.acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer e.release(key, token)

	if refreshInterval <= 0 {
		refreshInterval = max(ttl/3, time.Millisecond)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				refreshErr := e.lock.Refresh(runCtx, key, token, ttl)
				if refreshErr == nil {
					continue
				}
				slog.Error("分布式锁: 续期失败", "key", key, "error", refreshErr)
				if errors.Is(refreshErr, ErrLockLost) {
					cancel(ErrLockLost)
					return
				}
			}
		}
	}()

	fnErr := fn(runCtx)
	close(done)
	<-stopped

	if errors.Is(context.Cause(runCtx), ErrLockLost) {
		if fnErr == nil {
			return fmt.Errorf("%w: %s", ErrLockLost, key)
		}
		return fmt.Errorf("%w: %w", ErrLockLost, fnErr)
	}
	return fnErr
}

func (e *LockExecutor) acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token, locked, err := e.lock.TryLock(ctx, key, ttl)
	if err != nil {
		return "", fmt.Errorf("获取锁失败: %w", err)
	}
	if !locked {
		return "", ErrLockHeld
	}
	return token, nil
}

// release 释放锁不受调用方上下文取消影响
func (e *LockExecutor) release(key, token string) {
	unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.lock.Unlock(unlockCtx, key, token); err != nil {
		slog.Error("分布式锁: 释放锁失败", "key", key, "error", err)
	}
}
