/*
 * @module service/verification/rollback
 * @description 回滚计划与执行：补偿事务、备份恢复、人工介入三种策略
 * @architecture 分层架构 - 服务层，回滚操作经目标注册中心在目标上执行
 * @documentReference ai_docs/push_design.md
 * @stateFlow planned -> executing -> completed | failed
 * @rules
 *   - 只为确认结果为 rejected/timeout，或推送本身失败的推送生成计划
 *   - 补偿事务每条原始变更生成一个逆操作，按原始顺序倒序执行
 *   - 回滚失败标记 failed 并返回错误，不自动重试
 * @dependencies gorm.io/gorm
 * @refs service/verification/confirmation.go, service/delivery/database_deliverer.go
 */

package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"datapush-service/service/audit"
	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/monitoring"
)

var (
	// ErrRollbackNotAllowed 推送状态不允许回滚
	ErrRollbackNotAllowed = errors.New("推送未处于可回滚状态")
	// ErrRollbackState 回滚计划状态不允许执行
	ErrRollbackState = errors.New("回滚计划不处于 planned 状态")
	// ErrManualRollback 人工回滚计划需要人工处理
	ErrManualRollback = errors.New("人工回滚计划需要人工介入")
	// ErrUnknownRollbackStrategy 未知回滚策略
	ErrUnknownRollbackStrategy = errors.New("不支持的回滚策略")
)

// TargetOperator 回滚依赖的目标能力
type TargetOperator interface {
	ResolveTarget(ctx context.Context, tenantID, targetID string) (*models.PushTarget, error)
	ApplyOperations(ctx context.Context, target *models.PushTarget, ops []models.RollbackOperation) error
}

// RollbackManager 回滚计划与执行
type RollbackManager struct {
	plans         RollbackStore
	confirmations ConfirmationStore
	targets       TargetOperator
	audit         audit.Sink
	now           func() time.Time
}

// NewRollbackManager 创建回滚管理器
func NewRollbackManager(plans RollbackStore, confirmations ConfirmationStore, targets TargetOperator, sink audit.Sink, now func() time.Time) *RollbackManager {
	if sink == nil {
		sink = audit.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &RollbackManager{plans: plans, confirmations: confirmations, targets: targets, audit: sink, now: now}
}

// rollbackAllowed 推送的最终确认状态为 rejected/timeout，或无确认时推送本身失败
func (m *RollbackManager) rollbackAllowed(ctx context.Context, result *models.PushResult) error {
	rec, err := m.confirmations.Get(ctx, result.PushID)
	if err == nil {
		if rec.Status == meta.ConfirmationRejected || rec.Status == meta.ConfirmationTimeout {
			return nil
		}
		return fmt.Errorf("%w: 确认状态为 %s", ErrRollbackNotAllowed, rec.Status)
	}
	if !errors.Is(err, ErrConfirmationNotFound) {
		return err
	}
	switch result.Status {
	case meta.PushStatusFailed, meta.PushStatusTimeout:
		return nil
	}
	return fmt.Errorf("%w: 推送状态为 %s", ErrRollbackNotAllowed, result.Status)
}

// CreateRollbackPlan 为推送生成回滚计划
func (m *RollbackManager) CreateRollbackPlan(ctx context.Context, actor audit.Actor, result *models.PushResult, target *models.PushTarget, changes []models.ChangeRecord, strategy string) (*models.RollbackPlan, error) {
	if err := m.rollbackAllowed(ctx, result); err != nil {
		return nil, err
	}
	ops, err := PlanOperations(strategy, changes, result, m.now())
	if err != nil {
		return nil, err
	}

	plan := &models.RollbackPlan{
		PushID:     result.PushID,
		TenantID:   result.TenantID,
		TargetID:   result.TargetID,
		Strategy:   strategy,
		Operations: ops,
		Status:     meta.RollbackStatusPlanned,
		CreatedBy:  actor.ID,
	}
	if target != nil {
		plan.TargetID = target.ID
		if plan.TenantID == "" {
			plan.TenantID = target.TenantID
		}
	}
	err = m.plans.Create(ctx, plan)
	m.audit.Record(ctx, audit.Entry{
		TenantID:     plan.TenantID,
		Action:       audit.ActionRollbackPlan,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		ResourceType: "rollback",
		ResourceID:   plan.ID,
		Details:      map[string]interface{}{"push_id": plan.PushID, "strategy": strategy, "operations": len(ops)},
		Success:      err == nil,
		ErrorMessage: audit.ErrString(err),
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// PlanOperations 按策略生成有序回滚操作
func PlanOperations(strategy string, changes []models.ChangeRecord, result *models.PushResult, now time.Time) (models.RollbackOperations, error) {
	switch strategy {
	case meta.RollbackCompensating:
		ops := make(models.RollbackOperations, 0, len(changes))
		for i := len(changes) - 1; i >= 0; i-- {
			ops = append(ops, inverseOperation(changes[i]))
		}
		for i := range ops {
			ops[i].Sequence = i + 1
		}
		return ops, nil
	case meta.RollbackRestoreBackup:
		restoreTo := now
		tableSet := map[string]bool{}
		for _, c := range changes {
			if !c.Timestamp.IsZero() && c.Timestamp.Before(restoreTo) {
				restoreTo = c.Timestamp
			}
			tableSet[c.TableName] = true
		}
		tables := make([]string, 0, len(tableSet))
		for t := range tableSet {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		return models.RollbackOperations{{
			Sequence:  1,
			Operation: meta.RollbackOpRestoreBackup,
			RestoreTo: &restoreTo,
			Tables:    tables,
		}}, nil
	case meta.RollbackManual:
		count := len(changes)
		if count == 0 {
			count = result.RecordsPushed
		}
		instruction := fmt.Sprintf("人工核对并撤销推送 %s 在目标 %s 上写入的 %d 条记录", result.PushID, result.TargetID, count)
		return models.RollbackOperations{{
			Sequence:    1,
			Operation:   meta.RollbackOpManual,
			Instruction: instruction,
		}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRollbackStrategy, strategy)
	}
}

// inverseOperation 生成单条变更的逆操作
func inverseOperation(c models.ChangeRecord) models.RollbackOperation {
	op := models.RollbackOperation{TableName: c.TableName, RecordID: c.RecordID}
	switch c.Operation {
	case meta.OperationInsert:
		op.Operation = meta.OperationDelete
		op.Data = c.Data()
	case meta.OperationDelete:
		op.Operation = meta.OperationInsert
		op.Data = c.Old()
	default:
		op.Operation = meta.OperationUpdate
		op.Data = c.Old()
	}
	return op
}

// GetRollbackPlan 查询回滚计划
func (m *RollbackManager) GetRollbackPlan(ctx context.Context, rollbackID string) (*models.RollbackPlan, error) {
	return m.plans.Get(ctx, rollbackID)
}

// ListRollbackPlans 查询推送的回滚计划
func (m *RollbackManager) ListRollbackPlans(ctx context.Context, pushID string) ([]models.RollbackPlan, error) {
	return m.plans.ListByPush(ctx, pushID)
}

// ExecuteRollback 按顺序执行回滚计划
func (m *RollbackManager) ExecuteRollback(ctx context.Context, actor audit.Actor, rollbackID string) (*models.RollbackPlan, error) {
	plan, err := m.plans.Get(ctx, rollbackID)
	if err != nil {
		return nil, err
	}
	if plan.Status != meta.RollbackStatusPlanned {
		return plan, fmt.Errorf("%w: 当前状态 %s", ErrRollbackState, plan.Status)
	}
	if plan.Strategy == meta.RollbackManual {
		return plan, ErrManualRollback
	}

	started := m.now()
	plan.Status = meta.RollbackStatusExecuting
	plan.StartedAt = &started
	if err := m.plans.Save(ctx, plan); err != nil {
		return nil, err
	}

	execErr := m.apply(ctx, plan)
	completed := m.now()
	plan.CompletedAt = &completed
	if execErr != nil {
		plan.Status = meta.RollbackStatusFailed
		plan.ErrorMessage = execErr.Error()
		monitoring.RollbackFailures.Inc()
		slog.Error("回滚执行失败，需要人工介入", "rollback_id", plan.ID, "push_id", plan.PushID, "error", execErr)
	} else {
		plan.Status = meta.RollbackStatusCompleted
	}
	monitoring.Rollbacks.WithLabelValues(plan.Strategy, plan.Status).Inc()

	saveErr := m.plans.Save(ctx, plan)
	m.audit.Record(ctx, audit.Entry{
		TenantID:     plan.TenantID,
		Action:       audit.ActionRollbackExecute,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		ResourceType: "rollback",
		ResourceID:   plan.ID,
		Details:      map[string]interface{}{"push_id": plan.PushID, "strategy": plan.Strategy, "status": plan.Status},
		Success:      execErr == nil,
		ErrorMessage: audit.ErrString(execErr),
	})

	if execErr != nil {
		return plan, fmt.Errorf("执行回滚计划 %s 失败: %w", plan.ID, execErr)
	}
	if saveErr != nil {
		return plan, saveErr
	}
	return plan, nil
}

func (m *RollbackManager) apply(ctx context.Context, plan *models.RollbackPlan) error {
	target, err := m.targets.ResolveTarget(ctx, plan.TenantID, plan.TargetID)
	if err != nil {
		return err
	}
	ops := make([]models.RollbackOperation, len(plan.Operations))
	copy(ops, plan.Operations)
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Sequence < ops[j].Sequence })
	return m.targets.ApplyOperations(ctx, target, ops)
}
