/*
 * @module service/change_detect/service
 * @description 变更检测服务：解析检查点、在 (租户, 变更源) 临界区内执行检测并推进检查点
 * @architecture 分层架构 - 服务层，依赖检测器注册中心、检查点存储与分布式锁
 * @documentReference ai_docs/push_design.md
 * @stateFlow 获取锁 -> 解析 since(显式 / 最近成功完成时间 / 当前-24h) -> 检测 -> [处理] -> 记录执行 -> 释放锁
 * @rules
 *   - 同一 (租户, 变更源) 的检测不能并发执行，锁被占用时返回 ErrDetectionInProgress
 *   - 只有处理成功的执行才推进检查点
 *   - 锁按 TTL/3 续期，续期失败即取消检测，本次执行记为失败
 * @dependencies datapush-service/service/distributed_lock
 * @refs detector.go, store.go, service/push_pipeline/pipeline.go
 */

package change_detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"datapush-service/service/distributed_lock"
	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/monitoring"
)

// defaultLookback 无检查点时的回溯窗口
const defaultLookback = 24 * time.Hour

// ErrDetectionInProgress 同一变更源的检测正在执行
var ErrDetectionInProgress = errors.New("该变更源的检测正在执行")

// HandleResult 检测结果的处理摘要，写入执行记录
type HandleResult struct {
	PushID         string
	RecordsAllowed int
}

// Handler 在检测临界区内处理变更
type Handler func(ctx context.Context, source *models.ChangeSource, changes []models.ChangeRecord) (*HandleResult, error)

// ChangeDetector 变更检测服务
type ChangeDetector struct {
	sources     SourceStore
	checkpoints CheckpointStore
	registry    *Registry
	locks       *distributed_lock.LockExecutor
	lockTTL     time.Duration
	now         func() time.Time
}

// DetectorOptions 检测服务依赖
type DetectorOptions struct {
	Sources     SourceStore
	Checkpoints CheckpointStore
	Registry    *Registry
	Lock        distributed_lock.DistributedLock
	LockTTL     time.Duration
	Now         func() time.Time
}

// NewChangeDetector 创建检测服务
func NewChangeDetector(opts DetectorOptions) *ChangeDetector {
	if opts.Registry == nil {
		opts.Registry = NewDefaultRegistry()
	}
	if opts.Lock == nil {
		opts.Lock = distributed_lock.NewLocalLock()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ChangeDetector{
		sources:     opts.Sources,
		checkpoints: opts.Checkpoints,
		registry:    opts.Registry,
		locks:       distributed_lock.NewLockExecutor(opts.Lock),
		lockTTL:     opts.LockTTL,
		now:         opts.Now,
	}
}

// Registry 检测器注册中心
func (d *ChangeDetector) Registry() *Registry { return d.registry }

func lockKey(tenantID, sourceID string) string {
	return fmt.Sprintf("change_detect:%s:%s", tenantID, sourceID)
}

// DetectChanges 检测 since 之后的变更，不推进检查点
func (d *ChangeDetector) DetectChanges(ctx context.Context, tenantID, sourceID string, since *time.Time) ([]models.ChangeRecord, error) {
	var changes []models.ChangeRecord
	err := d.exclusive(ctx, tenantID, sourceID, func(ctx context.Context) error {
		source, window, err := d.prepare(ctx, tenantID, sourceID, since)
		if err != nil {
			return err
		}
		changes, err = d.detect(ctx, source, window)
		return err
	})
	return changes, err
}

// RunDetection 在临界区内检测并交给 handle 处理，处理成功后推进检查点
func (d *ChangeDetector) RunDetection(ctx context.Context, tenantID, sourceID string, since *time.Time, handle Handler) (*models.PushExecution, error) {
	var exec *models.PushExecution
	err := d.exclusive(ctx, tenantID, sourceID, func(ctx context.Context) error {
		source, window, err := d.prepare(ctx, tenantID, sourceID, since)
		if err != nil {
			return err
		}

		exec = &models.PushExecution{
			TenantID:    tenantID,
			SourceID:    sourceID,
			Status:      meta.ExecutionStatusRunning,
			WindowStart: window,
			StartedAt:   d.now(),
		}
		if err := d.checkpoints.Begin(ctx, exec); err != nil {
			return err
		}

		runErr := d.run(ctx, source, window, exec, handle)
		if runErr == nil && ctx.Err() != nil {
			runErr = fmt.Errorf("检测被中断: %w", context.Cause(ctx))
		}
		completed := d.now()
		exec.CompletedAt = &completed
		if runErr != nil {
			exec.Status = meta.ExecutionStatusFailed
			exec.ErrorMessage = runErr.Error()
		} else {
			exec.Status = meta.ExecutionStatusSuccess
		}
		// 锁丢失或调用方取消后仍需落下执行结果
		if err := d.checkpoints.Finish(context.WithoutCancel(ctx), exec); err != nil {
			slog.Error("更新检测执行记录失败", "execution_id", exec.ID, "error", err)
			if runErr == nil {
				return err
			}
		}
		return runErr
	})
	return exec, err
}

func (d *ChangeDetector) run(ctx context.Context, source *models.ChangeSource, window time.Time, exec *models.PushExecution, handle Handler) error {
	changes, err := d.detect(ctx, source, window)
	if err != nil {
		return err
	}
	exec.RecordsDetected = len(changes)
	if handle == nil || len(changes) == 0 {
		return nil
	}
	res, err := handle(ctx, source, changes)
	if res != nil {
		exec.PushID = res.PushID
		exec.RecordsAllowed = res.RecordsAllowed
	}
	return err
}

// exclusive 持锁执行 fn，每 lockTTL/3 续期一次；锁丢失时 fn 的上下文被取消
func (d *ChangeDetector) exclusive(ctx context.Context, tenantID, sourceID string, fn func(ctx context.Context) error) error {
	err := d.locks.ExecuteWithLockAndRefresh(ctx, lockKey(tenantID, sourceID), d.lockTTL, d.lockTTL/3, fn)
	if errors.Is(err, distributed_lock.ErrLockHeld) {
		return fmt.Errorf("%w: %s/%s", ErrDetectionInProgress, tenantID, sourceID)
	}
	return err
}

// prepare 加载变更源并确定检测窗口起点
func (d *ChangeDetector) prepare(ctx context.Context, tenantID, sourceID string, since *time.Time) (*models.ChangeSource, time.Time, error) {
	source, err := d.sources.Get(ctx, tenantID, sourceID)
	if err != nil {
		return nil, time.Time{}, err
	}
	if !source.Enabled {
		return nil, time.Time{}, fmt.Errorf("变更源 %s 已禁用", source.Name)
	}
	if since != nil {
		return source, *since, nil
	}
	last, err := d.checkpoints.LastSuccess(ctx, tenantID, sourceID)
	if err != nil {
		return nil, time.Time{}, err
	}
	if last != nil {
		return source, *last, nil
	}
	return source, d.now().Add(-defaultLookback), nil
}

func (d *ChangeDetector) detect(ctx context.Context, source *models.ChangeSource, since time.Time) ([]models.ChangeRecord, error) {
	detector, err := d.registry.Get(source.Category)
	if err != nil {
		return nil, err
	}
	start := d.now()
	changes, err := detector.Detect(ctx, source, since)
	if err != nil {
		return nil, fmt.Errorf("检测变更失败: %w", err)
	}
	monitoring.ChangesDetected.WithLabelValues(source.Category).Add(float64(len(changes)))
	slog.Info("变更检测完成", "tenant_id", source.TenantID, "source_id", source.ID,
		"category", source.Category, "since", since, "changes", len(changes), "duration", d.now().Sub(start))
	return changes, nil
}

// CreateSource 创建变更源
func (d *ChangeDetector) CreateSource(ctx context.Context, source *models.ChangeSource) (*models.ChangeSource, error) {
	if _, err := d.registry.Get(source.Category); err != nil {
		return nil, err
	}
	if err := d.sources.Create(ctx, source); err != nil {
		return nil, err
	}
	return source, nil
}

// ListSources 查询租户的变更源
func (d *ChangeDetector) ListSources(ctx context.Context, tenantID string) ([]models.ChangeSource, error) {
	return d.sources.List(ctx, tenantID)
}

// GetSource 查询变更源
func (d *ChangeDetector) GetSource(ctx context.Context, tenantID, sourceID string) (*models.ChangeSource, error) {
	return d.sources.Get(ctx, tenantID, sourceID)
}

// DeleteSource 删除变更源，执行记录保留
func (d *ChangeDetector) DeleteSource(ctx context.Context, tenantID, sourceID string) error {
	if _, err := d.sources.Get(ctx, tenantID, sourceID); err != nil {
		return err
	}
	return d.sources.Delete(ctx, tenantID, sourceID)
}

// ListExecutions 查询变更源最近的检测执行记录
func (d *ChangeDetector) ListExecutions(ctx context.Context, tenantID, sourceID string, limit int) ([]models.PushExecution, error) {
	return d.checkpoints.List(ctx, tenantID, sourceID, limit)
}
