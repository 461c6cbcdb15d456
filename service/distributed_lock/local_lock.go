package distributed_lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type localEntry struct {
	token    string
	expireAt time.Time
}

// LocalLock 进程内锁，单实例部署或未启用Redis时使用
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]localEntry
	now   func() time.Time
}

// NewLocalLock 创建进程内锁
func NewLocalLock() *LocalLock {
	return &LocalLock{
		locks: make(map[string]localEntry),
		now:   time.Now,
	}
}

// TryLock 尝试获取锁，过期的锁视为已释放；成功时返回本次持有的令牌
func (l *LocalLock) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.locks[key]; ok && now.Before(e.expireAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.locks[key] = localEntry{token: token, expireAt: now.Add(ttl)}
	return token, true, nil
}

// Unlock 释放锁，令牌不匹配时不做处理
func (l *LocalLock) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[key]; ok && e.token == token {
		delete(l.locks, key)
	}
	return nil
}

// Refresh 刷新锁的过期时间
func (l *LocalLock) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.locks[key]
	if !ok || e.token != token || !now.Before(e.expireAt) {
		return ErrLockLost
	}
	e.expireAt = now.Add(ttl)
	l.locks[key] = e
	return nil
}

// IsLocked 检查锁是否存在
func (l *LocalLock) IsLocked(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	return ok && l.now().Before(e.expireAt), nil
}
