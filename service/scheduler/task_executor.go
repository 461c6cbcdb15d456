package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"datapush-service/service/audit"
	"datapush-service/service/distributed_lock"
	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/push_target"
)

// 任务类型
const (
	TaskHealthCheck       = "health_check"
	TaskConfirmationSweep = "confirmation_sweep"
	TaskDetection         = "detection"
)

// HealthChecker 目标健康检查
type HealthChecker interface {
	RunHealthChecks(ctx context.Context, tenantID string) (map[string]*push_target.HealthCheckResult, error)
}

// ConfirmationSweeper 确认超时清扫
type ConfirmationSweeper interface {
	SweepExpired(ctx context.Context) ([]models.ConfirmationRecord, error)
}

// ResultLister 按推送查询各目标结果
type ResultLister interface {
	ListByPush(ctx context.Context, pushID string) ([]models.PushResult, error)
}

// RollbackPlanner 生成回滚计划
type RollbackPlanner interface {
	CreateRollbackPlan(ctx context.Context, actor audit.Actor, result *models.PushResult, target *models.PushTarget, changes []models.ChangeRecord, strategy string) (*models.RollbackPlan, error)
}

// SourceLister 查询配置了定时检测的变更源
type SourceLister interface {
	ListScheduled(ctx context.Context) ([]models.ChangeSource, error)
}

// DetectionRunner 对变更源执行一次检测推送
type DetectionRunner func(ctx context.Context, source *models.ChangeSource) (*models.PushExecution, error)

// TaskExecutor 任务执行器
type TaskExecutor struct {
	targets               HealthChecker
	confirmations         ConfirmationSweeper
	results               ResultLister
	rollbacks             RollbackPlanner
	detect                DetectionRunner
	locks                 *distributed_lock.LockExecutor
	planRollbackOnTimeout bool
}

// NewTaskExecutor 创建任务执行器实例
func NewTaskExecutor(deps Deps) *TaskExecutor {
	return &TaskExecutor{
		targets:               deps.Targets,
		confirmations:         deps.Confirmations,
		results:               deps.Results,
		rollbacks:             deps.Rollbacks,
		detect:                deps.Detect,
		locks:                 deps.Locks,
		planRollbackOnTimeout: deps.PlanRollbackOnTimeout,
	}
}

// Execute 执行任务
func (e *TaskExecutor) Execute(ctx context.Context, task *ScheduleTask) (map[string]interface{}, error) {
	switch task.Type {
	case TaskHealthCheck:
		return e.once(ctx, task, func() (map[string]interface{}, error) { return e.healthCheck(ctx, task) })
	case TaskConfirmationSweep:
		return e.once(ctx, task, func() (map[string]interface{}, error) { return e.sweepConfirmations(ctx) })
	case TaskDetection:
		return e.detection(ctx, task)
	default:
		return nil, fmt.Errorf("未知的任务类型: %s", task.Type)
	}
}

// systemTaskLockTTL 系统任务锁的持有时长，覆盖一次健康检查或清扫
const systemTaskLockTTL = 2 * time.Minute

// once 多实例部署时同一时刻只有一个实例执行系统任务，其余实例跳过
func (e *TaskExecutor) once(ctx context.Context, task *ScheduleTask, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	if e.locks == nil {
		return fn()
	}
	var result map[string]interface{}
	err := e.locks.ExecuteWithLock(ctx, "scheduler:"+task.ID, systemTaskLockTTL, func() error {
		var err error
		result, err = fn()
		return err
	})
	if err == nil && result == nil {
		slog.Debug("系统任务由其他实例执行，跳过", "task_id", task.ID)
		result = map[string]interface{}{"skipped": true}
	}
	return result, err
}

func (e *TaskExecutor) healthCheck(ctx context.Context, task *ScheduleTask) (map[string]interface{}, error) {
	results, err := e.targets.RunHealthChecks(ctx, task.TenantID)
	if err != nil {
		return nil, fmt.Errorf("目标健康检查失败: %w", err)
	}
	unhealthy := 0
	for _, r := range results {
		if r.Status != meta.HealthStatusHealthy {
			unhealthy++
		}
	}
	return map[string]interface{}{"checked": len(results), "unhealthy": unhealthy}, nil
}

// sweepConfirmations 超时确认置为 timeout，按配置为各目标结果生成人工回滚计划
func (e *TaskExecutor) sweepConfirmations(ctx context.Context) (map[string]interface{}, error) {
	expired, err := e.confirmations.SweepExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("清扫超时确认失败: %w", err)
	}
	planned := 0
	if e.planRollbackOnTimeout && e.rollbacks != nil {
		for _, rec := range expired {
			results, err := e.results.ListByPush(ctx, rec.PushID)
			if err != nil {
				slog.Error("查询推送结果失败", "push_id", rec.PushID, "error", err)
				continue
			}
			for i := range results {
				if _, err := e.rollbacks.CreateRollbackPlan(ctx, audit.SystemActor(), &results[i], nil, nil, meta.RollbackManual); err != nil {
					slog.Error("生成超时回滚计划失败", "push_id", rec.PushID, "target_id", results[i].TargetID, "error", err)
					continue
				}
				planned++
			}
		}
	}
	return map[string]interface{}{"expired": len(expired), "rollback_planned": planned}, nil
}

func (e *TaskExecutor) detection(ctx context.Context, task *ScheduleTask) (map[string]interface{}, error) {
	if task.Source == nil {
		return nil, fmt.Errorf("检测任务 %s 缺少变更源", task.ID)
	}
	exec, err := e.detect(ctx, task.Source)
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{"source_id": task.Source.ID}
	if exec != nil {
		result["execution_id"] = exec.ID
		result["push_id"] = exec.PushID
		result["records_detected"] = exec.RecordsDetected
		result["records_allowed"] = exec.RecordsAllowed
	}
	return result, nil
}
