/*
 * @module service/push_target/health
 * @description 目标健康检查：并发探测、写回健康状态并驱动熔断器
 * @architecture 扇出并发 - 每个目标一个 goroutine，等待全部完成
 * @documentReference ai_docs/push_design.md
 * @stateFlow 列出启用且开启健康检查的目标 -> 并发探活(独立超时) -> 写回状态 -> 更新熔断器
 * @rules 探活失败累加连续失败次数并视为熔断器的一次失败；成功清零并关闭熔断器
 * @dependencies datapush-service/service/delivery
 * @refs service/scheduler/scheduler.go
 */

package push_target

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/monitoring"
)

// HealthCheckResult 单个目标的健康检查结果
type HealthCheckResult struct {
	TargetID   string    `json:"target_id"`
	TargetType string    `json:"target_type"`
	Status     string    `json:"status"`
	LatencyMs  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// RunHealthChecks 并发检查租户（为空时全部租户）下所有开启健康检查的目标
func (r *Registry) RunHealthChecks(ctx context.Context, tenantID string) (map[string]*HealthCheckResult, error) {
	targets, err := r.targets.List(ctx, tenantID, TargetFilter{EnabledOnly: true})
	if err != nil {
		return nil, err
	}

	results := make(map[string]*HealthCheckResult, len(targets))
	var wg sync.WaitGroup
	var resultMu sync.Mutex

	for i := range targets {
		target := targets[i]
		hc := target.ParsedHealthCheckConfig()
		if !hc.Enabled {
			continue
		}
		wg.Add(1)
		go func(target models.PushTarget, timeout time.Duration) {
			defer wg.Done()
			result := r.checkTarget(ctx, &target, timeout)

			resultMu.Lock()
			results[target.ID] = result
			resultMu.Unlock()
		}(target, hc.Timeout)
	}

	wg.Wait()
	return results, nil
}

func (r *Registry) checkTarget(ctx context.Context, target *models.PushTarget, timeout time.Duration) *HealthCheckResult {
	start := r.now()
	result := &HealthCheckResult{TargetID: target.ID, TargetType: target.TargetType, CheckedAt: start}

	err := r.ping(ctx, target, timeout)
	result.LatencyMs = r.now().Sub(start).Milliseconds()
	success := err == nil
	if success {
		result.Status = meta.HealthStatusHealthy
	} else {
		result.Status = meta.HealthStatusUnhealthy
		result.Error = err.Error()
		slog.Warn("目标健康检查失败", "target_id", target.ID, "target_type", target.TargetType, "error", err)
	}
	monitoring.HealthChecks.WithLabelValues(target.TargetType, result.Status).Inc()

	r.breakers.Get(target.ID).Record(success)
	update := HealthUpdate{
		HealthStatus:    result.Status,
		Failed:          !success,
		LastError:       result.Error,
		LastHealthCheck: &start,
	}
	if err := r.targets.UpdateHealth(ctx, target.ID, update); err != nil {
		slog.Error("写回健康检查结果失败", "target_id", target.ID, "error", err)
	}
	return result
}

func (r *Registry) ping(ctx context.Context, target *models.PushTarget, timeout time.Duration) error {
	if err := r.decrypt(target); err != nil {
		return err
	}
	d, err := r.deliverers.Get(target.TargetType)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h, release, err := r.handle(ctx, d, target)
	if err != nil {
		return err
	}
	defer release()
	if err := d.Ping(ctx, h, target); err != nil {
		return fmt.Errorf("探活失败: %w", err)
	}
	return nil
}
