/*
 * @module service/delivery/pool
 * @description 每个推送目标一个连接句柄的池管理器
 * @architecture 对象池模式
 * @documentReference ai_docs/push_design.md
 * @stateFlow 首次使用创建 -> 复用 -> 目标配置变更/删除时退役 -> 使用方全部归还后关闭
 * @rules
 *   - 同一目标同一配置版本只创建一个句柄；只有更新的配置版本才替换现有句柄
 *   - 每次取用都要调用返回的 release 归还，退役句柄在最后一次归还时关闭
 * @dependencies github.com/puzpuzpuz/xsync/v3
 * @refs service/push_target/registry.go
 */

package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type poolEntry struct {
	once    sync.Once
	version time.Time
	handle  Handle
	err     error

	mu      sync.Mutex
	refs    int
	retired bool
}

func (e *poolEntry) acquire() {
	e.mu.Lock()
	e.refs++
	e.mu.Unlock()
}

func (e *poolEntry) release(targetID string) {
	e.mu.Lock()
	e.refs--
	closeNow := e.retired && e.refs == 0
	e.mu.Unlock()
	if closeNow {
		closeEntry(targetID, e)
	}
}

// retire 标记句柄退役，没有使用方时立即关闭
func (e *poolEntry) retire(targetID string) {
	e.mu.Lock()
	if e.retired {
		e.mu.Unlock()
		return
	}
	e.retired = true
	closeNow := e.refs == 0
	e.mu.Unlock()
	if closeNow {
		closeEntry(targetID, e)
	}
}

// PoolManager 目标连接句柄池
type PoolManager struct {
	entries *xsync.MapOf[string, *poolEntry]
}

// NewPoolManager 创建句柄池
func NewPoolManager() *PoolManager {
	return &PoolManager{entries: xsync.NewMapOf[string, *poolEntry]()}
}

// GetOrCreate 获取目标句柄，不存在或配置版本更新时调用 open 创建
// 调用方用完句柄后必须调用 release
func (p *PoolManager) GetOrCreate(ctx context.Context, targetID string, version time.Time, open func(context.Context) (Handle, error)) (Handle, func(), error) {
	var stale *poolEntry
	entry, _ := p.entries.Compute(targetID, func(old *poolEntry, loaded bool) (*poolEntry, bool) {
		if loaded && !version.After(old.version) {
			// 较旧版本的调用方沿用当前句柄
			old.acquire()
			return old, false
		}
		if loaded {
			stale = old
		}
		fresh := &poolEntry{version: version}
		fresh.acquire()
		return fresh, false
	})
	if stale != nil {
		stale.retire(targetID)
	}

	entry.once.Do(func() {
		entry.handle, entry.err = open(ctx)
	})
	if entry.err != nil {
		// 失败的句柄不缓存，下次重新创建
		p.entries.Compute(targetID, func(old *poolEntry, loaded bool) (*poolEntry, bool) {
			return old, loaded && old == entry
		})
		entry.retire(targetID)
		entry.release(targetID)
		return nil, nil, entry.err
	}

	var released sync.Once
	return entry.handle, func() {
		released.Do(func() { entry.release(targetID) })
	}, nil
}

// Release 移除目标句柄，使用方全部归还后关闭
func (p *PoolManager) Release(targetID string) {
	if entry, ok := p.entries.LoadAndDelete(targetID); ok {
		entry.retire(targetID)
	}
}

// CloseAll 移除所有句柄
func (p *PoolManager) CloseAll() {
	p.entries.Range(func(targetID string, entry *poolEntry) bool {
		p.Release(targetID)
		return true
	})
}

// Size 当前句柄数
func (p *PoolManager) Size() int {
	return p.entries.Size()
}

func closeEntry(targetID string, entry *poolEntry) {
	entry.once.Do(func() {})
	if entry.handle == nil {
		return
	}
	if err := entry.handle.Close(); err != nil {
		slog.Warn("关闭目标连接失败", "target_id", targetID, "error", err)
	}
}
